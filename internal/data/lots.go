package data

import (
	"context"
	"database/sql"
	"encoding/json"
)

type NVRConfigModel struct {
	DB DBTX
}

const nvrColumns = `id, nvr_ip, nvr_port, parking_name, nvr_username, secret_nonce, secret_ciphertext, is_enabled, status, last_checked_at, created_at, updated_at`

func scanNVR(row interface{ Scan(...any) error }) (*NVRConfig, error) {
	var n NVRConfig
	var checked sql.NullTime
	err := row.Scan(&n.ID, &n.NVRIP, &n.NVRPort, &n.ParkingName, &n.NVRUsername,
		&n.SecretNonce, &n.SecretCipher, &n.IsEnabled, &n.Status, &checked,
		&n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if checked.Valid {
		n.LastCheckedAt = &checked.Time
	}
	return &n, nil
}

func (m NVRConfigModel) Create(ctx context.Context, n *NVRConfig) error {
	query := `
		INSERT INTO nvr_configs (nvr_ip, nvr_port, parking_name, nvr_username, secret_nonce, secret_ciphertext, is_enabled, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		n.NVRIP, n.NVRPort, n.ParkingName, n.NVRUsername,
		n.SecretNonce, n.SecretCipher, n.IsEnabled, n.Status,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
}

func (m NVRConfigModel) Update(ctx context.Context, n *NVRConfig) error {
	query := `
		UPDATE nvr_configs
		SET nvr_ip = $1, nvr_port = $2, parking_name = $3, nvr_username = $4,
		    secret_nonce = $5, secret_ciphertext = $6, is_enabled = $7, updated_at = NOW()
		WHERE id = $8`
	res, err := m.DB.ExecContext(ctx, query,
		n.NVRIP, n.NVRPort, n.ParkingName, n.NVRUsername,
		n.SecretNonce, n.SecretCipher, n.IsEnabled, n.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m NVRConfigModel) GetByID(ctx context.Context, id int64) (*NVRConfig, error) {
	return scanNVR(m.DB.QueryRowContext(ctx,
		`SELECT `+nvrColumns+` FROM nvr_configs WHERE id = $1`, id))
}

func (m NVRConfigModel) GetByIP(ctx context.Context, nvrIP string) (*NVRConfig, error) {
	return scanNVR(m.DB.QueryRowContext(ctx,
		`SELECT `+nvrColumns+` FROM nvr_configs WHERE nvr_ip = $1`, nvrIP))
}

func (m NVRConfigModel) List(ctx context.Context, enabledOnly bool) ([]*NVRConfig, error) {
	query := `SELECT ` + nvrColumns + ` FROM nvr_configs`
	if enabledOnly {
		query += ` WHERE is_enabled`
	}
	query += ` ORDER BY id`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NVRConfig
	for rows.Next() {
		n, err := scanNVR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetHealth records the outcome of one reachability probe.
func (m NVRConfigModel) SetHealth(ctx context.Context, id int64, status string) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE nvr_configs
		SET status = $1, last_checked_at = NOW(), updated_at = NOW()
		WHERE id = $2`, status, id)
	return err
}

func (m NVRConfigModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM nvr_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type ChannelModel struct {
	DB DBTX
}

const channelColumns = `id, nvr_config_id, channel_code, camera_ip, camera_name, camera_sn, track_region, is_enabled, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*ChannelConfig, error) {
	var c ChannelConfig
	var region []byte
	err := row.Scan(&c.ID, &c.NVRConfigID, &c.ChannelCode, &c.CameraIP,
		&c.CameraName, &c.CameraSN, &region, &c.IsEnabled, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(region) > 0 {
		c.TrackRegion = region
	}
	return &c, nil
}

func (m ChannelModel) Create(ctx context.Context, c *ChannelConfig) error {
	query := `
		INSERT INTO channel_configs (nvr_config_id, channel_code, camera_ip, camera_name, camera_sn, track_region, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	var region any
	if len(c.TrackRegion) > 0 {
		region = []byte(c.TrackRegion)
	}
	return m.DB.QueryRowContext(ctx, query,
		c.NVRConfigID, c.ChannelCode, c.CameraIP, c.CameraName, c.CameraSN,
		region, c.IsEnabled,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (m ChannelModel) Update(ctx context.Context, c *ChannelConfig) error {
	var region any
	if len(c.TrackRegion) > 0 {
		region = []byte(c.TrackRegion)
	}
	res, err := m.DB.ExecContext(ctx, `
		UPDATE channel_configs
		SET channel_code = $1, camera_ip = $2, camera_name = $3, camera_sn = $4,
		    track_region = $5, is_enabled = $6, updated_at = NOW()
		WHERE id = $7`,
		c.ChannelCode, c.CameraIP, c.CameraName, c.CameraSN, region, c.IsEnabled, c.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m ChannelModel) GetByID(ctx context.Context, id int64) (*ChannelConfig, error) {
	return scanChannel(m.DB.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channel_configs WHERE id = $1`, id))
}

func (m ChannelModel) ListByNVR(ctx context.Context, nvrConfigID int64) ([]*ChannelConfig, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channel_configs WHERE nvr_config_id = $1 ORDER BY channel_code`,
		nvrConfigID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChannelConfig
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindLot resolves the channel the change worker is processing: the enabled
// channel with this code on the NVR at this IP, joined with the lot identity.
func (m ChannelModel) FindLot(ctx context.Context, nvrIP, channelCode string) (*ChannelLot, error) {
	query := `
		SELECT ` + prefixed("c", channelColumns) + `, n.nvr_ip, n.parking_name
		FROM channel_configs c
		JOIN nvr_configs n ON n.id = c.nvr_config_id
		WHERE n.nvr_ip = $1 AND c.channel_code = $2 AND c.is_enabled AND n.is_enabled
		ORDER BY c.id
		LIMIT 1`
	row := m.DB.QueryRowContext(ctx, query, nvrIP, channelCode)

	var lot ChannelLot
	var region []byte
	err := row.Scan(&lot.ID, &lot.NVRConfigID, &lot.ChannelCode, &lot.CameraIP,
		&lot.CameraName, &lot.CameraSN, &region, &lot.IsEnabled,
		&lot.CreatedAt, &lot.UpdatedAt, &lot.NVRIP, &lot.ParkingName)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(region) > 0 {
		lot.TrackRegion = json.RawMessage(region)
	}
	return &lot, nil
}

func (m ChannelModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM channel_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type SpaceModel struct {
	DB DBTX
}

const spaceColumns = `id, channel_config_id, space_name, region_x, region_y, region_w, region_h, is_enabled, created_at, updated_at`

func scanSpace(row interface{ Scan(...any) error }) (*ParkingSpace, error) {
	var s ParkingSpace
	err := row.Scan(&s.ID, &s.ChannelConfigID, &s.SpaceName,
		&s.Region.X, &s.Region.Y, &s.Region.W, &s.Region.H,
		&s.IsEnabled, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m SpaceModel) Create(ctx context.Context, s *ParkingSpace) error {
	query := `
		INSERT INTO parking_spaces (channel_config_id, space_name, region_x, region_y, region_w, region_h, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		s.ChannelConfigID, s.SpaceName,
		s.Region.X, s.Region.Y, s.Region.W, s.Region.H, s.IsEnabled,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (m SpaceModel) Update(ctx context.Context, s *ParkingSpace) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE parking_spaces
		SET space_name = $1, region_x = $2, region_y = $3, region_w = $4, region_h = $5,
		    is_enabled = $6, updated_at = NOW()
		WHERE id = $7`,
		s.SpaceName, s.Region.X, s.Region.Y, s.Region.W, s.Region.H, s.IsEnabled, s.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m SpaceModel) GetByID(ctx context.Context, id int64) (*ParkingSpace, error) {
	return scanSpace(m.DB.QueryRowContext(ctx,
		`SELECT `+spaceColumns+` FROM parking_spaces WHERE id = $1`, id))
}

// ListByChannel returns the enabled stalls of one channel in name order.
func (m SpaceModel) ListByChannel(ctx context.Context, channelConfigID int64) ([]*ParkingSpace, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT `+spaceColumns+`
		FROM parking_spaces
		WHERE channel_config_id = $1 AND is_enabled
		ORDER BY space_name`, channelConfigID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ParkingSpace
	for rows.Next() {
		s, err := scanSpace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m SpaceModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM parking_spaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
