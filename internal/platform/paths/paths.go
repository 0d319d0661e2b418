package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultDataRoot = "/var/lib/ts-parkops"
)

// ResolveDataRoot returns the absolute path to the service data directory.
func ResolveDataRoot() string {
	root := os.Getenv("PARKOPS_DATA_ROOT")
	if root == "" {
		root = DefaultDataRoot
	}
	return root
}

// ResolveConfigPath returns the absolute path to the default configuration file.
func ResolveConfigPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	return filepath.Join(ResolveDataRoot(), "config", "default.yaml")
}

// ScreenshotRoot returns the directory screenshots are written under,
// overridable via SCREENSHOT_DIR.
func ScreenshotRoot() string {
	if dir := os.Getenv("SCREENSHOT_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(ResolveDataRoot(), "screenshots")
}

// ModelRoot returns the directory detector weights are expected in.
func ModelRoot() string {
	if dir := os.Getenv("MODEL_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(ResolveDataRoot(), "models")
}

// HLSRoot returns the directory HLS review sessions are rendered under.
func HLSRoot() string {
	if dir := os.Getenv("HLS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(ResolveDataRoot(), "hls")
}

// EnsureDirs creates the standard data subdirectories if they don't exist.
func EnsureDirs() error {
	dataRoot := ResolveDataRoot()
	subdirs := []string{
		"config",
		"logs",
		"screenshots",
		"models",
		"hls",
		"tmp",
	}

	for _, sub := range subdirs {
		path := filepath.Join(dataRoot, sub)
		if err := os.MkdirAll(path, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// SafeJoin joins path elements and ensures the result is within the base directory (no traversal).
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) || strings.HasPrefix(el, `\\`) {
			return "", fmt.Errorf("path traversal attempt detected: absolute path or UNC not allowed in elements: %s", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}

	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(absJoined, absBase) {
		return "", fmt.Errorf("path traversal attempt detected: %s is outside %s", absJoined, absBase)
	}

	return absJoined, nil
}
