package lots

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-parkops/internal/crypto"
	"github.com/technosupport/ts-parkops/internal/data"
)

var ErrPasswordRequired = errors.New("nvr password required")

const lotCacheSize = 256

// Service owns lot configuration. NVR passwords never leave it unsealed
// except through Credentials, which the capture path calls.
type Service struct {
	db      *sql.DB
	nvrs    data.NVRConfigModel
	chans   data.ChannelModel
	spaces  data.SpaceModel
	batches data.BatchModel
	rules   data.RuleModel
	keyring *crypto.Keyring

	lotCache *lru.Cache[string, *data.ChannelLot]
}

func NewService(db *sql.DB, keyring *crypto.Keyring) *Service {
	cache, _ := lru.New[string, *data.ChannelLot](lotCacheSize)
	return &Service{
		db:       db,
		nvrs:     data.NVRConfigModel{DB: db},
		chans:    data.ChannelModel{DB: db},
		spaces:   data.SpaceModel{DB: db},
		batches:  data.BatchModel{DB: db},
		rules:    data.RuleModel{DB: db},
		keyring:  keyring,
		lotCache: cache,
	}
}

type NVRInput struct {
	NVRIP       string `json:"nvr_ip"`
	NVRPort     int    `json:"nvr_port"`
	ParkingName string `json:"parking_name"`
	NVRUsername string `json:"nvr_username"`
	NVRPassword string `json:"nvr_password"`
	IsEnabled   bool   `json:"is_enabled"`
}

func (s *Service) CreateNVR(ctx context.Context, in NVRInput) (*data.NVRConfig, error) {
	if in.NVRPassword == "" {
		return nil, ErrPasswordRequired
	}
	if in.NVRPort == 0 {
		in.NVRPort = 554
	}
	nonce, cipher, err := s.keyring.SealSecret(in.NVRIP, in.NVRPassword)
	if err != nil {
		return nil, fmt.Errorf("seal nvr secret: %w", err)
	}

	n := &data.NVRConfig{
		NVRIP:        in.NVRIP,
		NVRPort:      in.NVRPort,
		ParkingName:  in.ParkingName,
		NVRUsername:  in.NVRUsername,
		SecretNonce:  nonce,
		SecretCipher: cipher,
		IsEnabled:    in.IsEnabled,
		Status:       "unknown",
	}
	if err := s.nvrs.Create(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// UpdateNVR reseals the password only when a new one is supplied. Changing
// the IP requires a new password because the seal is bound to the IP.
func (s *Service) UpdateNVR(ctx context.Context, id int64, in NVRInput) (*data.NVRConfig, error) {
	n, err := s.nvrs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.NVRPassword == "" && in.NVRIP != n.NVRIP {
		return nil, ErrPasswordRequired
	}

	n.NVRIP = in.NVRIP
	if in.NVRPort != 0 {
		n.NVRPort = in.NVRPort
	}
	n.ParkingName = in.ParkingName
	n.NVRUsername = in.NVRUsername
	n.IsEnabled = in.IsEnabled

	if in.NVRPassword != "" {
		nonce, cipher, err := s.keyring.SealSecret(n.NVRIP, in.NVRPassword)
		if err != nil {
			return nil, fmt.Errorf("seal nvr secret: %w", err)
		}
		n.SecretNonce = nonce
		n.SecretCipher = cipher
	}

	if err := s.nvrs.Update(ctx, n); err != nil {
		return nil, err
	}
	s.lotCache.Purge()
	return n, nil
}

func (s *Service) GetNVR(ctx context.Context, id int64) (*data.NVRConfig, error) {
	return s.nvrs.GetByID(ctx, id)
}

func (s *Service) ListNVRs(ctx context.Context, enabledOnly bool) ([]*data.NVRConfig, error) {
	return s.nvrs.List(ctx, enabledOnly)
}

func (s *Service) DeleteNVR(ctx context.Context, id int64) error {
	if err := s.nvrs.Delete(ctx, id); err != nil {
		return err
	}
	s.lotCache.Purge()
	return nil
}

// Credentials opens the sealed password of the NVR at nvrIP.
func (s *Service) Credentials(ctx context.Context, nvrIP string) (username, password string, err error) {
	n, err := s.nvrs.GetByIP(ctx, nvrIP)
	if err != nil {
		return "", "", err
	}
	password, err = s.keyring.OpenSecret(n.NVRIP, n.SecretNonce, n.SecretCipher)
	if err != nil {
		return "", "", fmt.Errorf("open nvr secret for %s: %w", nvrIP, err)
	}
	return n.NVRUsername, password, nil
}

type ChannelInput struct {
	NVRConfigID int64           `json:"nvr_config_id"`
	ChannelCode string          `json:"channel_code"`
	CameraIP    string          `json:"camera_ip"`
	CameraName  string          `json:"camera_name"`
	CameraSN    string          `json:"camera_sn"`
	TrackRegion json.RawMessage `json:"track_region,omitempty"`
	IsEnabled   bool            `json:"is_enabled"`
}

func (s *Service) CreateChannel(ctx context.Context, in ChannelInput) (*data.ChannelConfig, error) {
	if _, err := ParseTrackRegions(in.TrackRegion); err != nil {
		return nil, fmt.Errorf("track region: %w", err)
	}
	c := &data.ChannelConfig{
		NVRConfigID: in.NVRConfigID,
		ChannelCode: in.ChannelCode,
		CameraIP:    in.CameraIP,
		CameraName:  in.CameraName,
		CameraSN:    in.CameraSN,
		TrackRegion: in.TrackRegion,
		IsEnabled:   in.IsEnabled,
	}
	if err := s.chans.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) UpdateChannel(ctx context.Context, id int64, in ChannelInput) (*data.ChannelConfig, error) {
	c, err := s.chans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ParseTrackRegions(in.TrackRegion); err != nil {
		return nil, fmt.Errorf("track region: %w", err)
	}

	c.ChannelCode = in.ChannelCode
	c.CameraIP = in.CameraIP
	c.CameraName = in.CameraName
	c.CameraSN = in.CameraSN
	c.TrackRegion = in.TrackRegion
	c.IsEnabled = in.IsEnabled

	if err := s.chans.Update(ctx, c); err != nil {
		return nil, err
	}
	s.lotCache.Purge()
	return c, nil
}

func (s *Service) GetChannel(ctx context.Context, id int64) (*data.ChannelConfig, error) {
	return s.chans.GetByID(ctx, id)
}

func (s *Service) ListChannels(ctx context.Context, nvrConfigID int64) ([]*data.ChannelConfig, error) {
	return s.chans.ListByNVR(ctx, nvrConfigID)
}

func (s *Service) DeleteChannel(ctx context.Context, id int64) error {
	if err := s.chans.Delete(ctx, id); err != nil {
		return err
	}
	s.lotCache.Purge()
	return nil
}

func (s *Service) CreateStall(ctx context.Context, sp *data.ParkingSpace) error {
	if _, err := validRect(sp.Region); err != nil {
		return err
	}
	return s.spaces.Create(ctx, sp)
}

func (s *Service) UpdateStall(ctx context.Context, sp *data.ParkingSpace) error {
	if _, err := validRect(sp.Region); err != nil {
		return err
	}
	return s.spaces.Update(ctx, sp)
}

func (s *Service) ListStalls(ctx context.Context, channelConfigID int64) ([]*data.ParkingSpace, error) {
	return s.spaces.ListByChannel(ctx, channelConfigID)
}

func (s *Service) DeleteStall(ctx context.Context, id int64) error {
	return s.spaces.Delete(ctx, id)
}

// ResolveLot finds the channel+lot identity for a capture combo. Hits are
// cached; every config mutation purges the cache.
func (s *Service) ResolveLot(ctx context.Context, nvrIP, channelCode string) (*data.ChannelLot, error) {
	key := nvrIP + "::" + channelCode
	if lot, ok := s.lotCache.Get(key); ok {
		return lot, nil
	}
	lot, err := s.chans.FindLot(ctx, nvrIP, channelCode)
	if err != nil {
		return nil, err
	}
	s.lotCache.Add(key, lot)
	return lot, nil
}

// Wipe removes all capture data and schedule rules. Batches cascade to
// tasks, screenshots, and changes via foreign keys. Lot configuration stays.
func (s *Service) Wipe(ctx context.Context) error {
	batches, err := s.batches.DeleteAll(ctx)
	if err != nil {
		return fmt.Errorf("wipe batches: %w", err)
	}
	rules, err := s.rules.DeleteAll(ctx)
	if err != nil {
		return fmt.Errorf("wipe rules: %w", err)
	}
	log.Printf("[WARN] [lots] administrative wipe removed %d batches, %d rules", batches, rules)
	return nil
}
