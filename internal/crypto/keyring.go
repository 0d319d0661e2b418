// Package crypto seals NVR credentials at rest. A single 32-byte master key
// comes from the environment; per-NVR data keys are derived from it with
// HKDF so a leaked row from one NVR does not expose the others.
package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

var ErrMasterKeyUnset = errors.New("master key not loaded")

const masterKeyEnv = "PARKOPS_MASTER_KEY"

type Keyring struct {
	master []byte
}

func NewKeyring() *Keyring {
	return &Keyring{}
}

// LoadFromEnv reads the base64 master key from PARKOPS_MASTER_KEY.
// Strict: a missing or malformed key is a startup failure, not a warning.
func (k *Keyring) LoadFromEnv() error {
	raw := os.Getenv(masterKeyEnv)
	if raw == "" {
		return fmt.Errorf("%s environment variable is empty", masterKeyEnv)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("invalid base64 in %s: %w", masterKeyEnv, err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("%s must decode to 32 bytes (AES-256), got %d", masterKeyEnv, len(decoded))
	}
	k.master = decoded
	return nil
}

// SetMaster injects a key directly; tests use this instead of the env.
func (k *Keyring) SetMaster(key []byte) error {
	if len(key) != 32 {
		return ErrInvalidKeySize
	}
	k.master = append([]byte(nil), key...)
	return nil
}

// deriveKey expands the master key into a per-context data key. The context
// string binds the key to one NVR row.
func (k *Keyring) deriveKey(context string) ([]byte, error) {
	if k.master == nil {
		return nil, ErrMasterKeyUnset
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, k.master, nil, []byte("parkops-nvr-secret:"+context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealSecret encrypts an NVR password bound to its IP. Returns the nonce and
// ciphertext stored in the nvr_configs row.
func (k *Keyring) SealSecret(nvrIP, secret string) (nonce, ciphertext []byte, err error) {
	key, err := k.deriveKey(nvrIP)
	if err != nil {
		return nil, nil, err
	}
	return EncryptGCM(key, []byte(secret), []byte(nvrIP))
}

// OpenSecret decrypts a sealed NVR password. The IP must match the one the
// secret was sealed under.
func (k *Keyring) OpenSecret(nvrIP string, nonce, ciphertext []byte) (string, error) {
	key, err := k.deriveKey(nvrIP)
	if err != nil {
		return "", err
	}
	plaintext, err := DecryptGCM(key, nonce, ciphertext, []byte(nvrIP))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
