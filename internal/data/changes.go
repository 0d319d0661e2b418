package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type ChangeModel struct {
	DB DBTX
}

const changeColumns = `id, task_id, screenshot_id, channel_config_id, space_id, space_name, prev_occupied, curr_occupied, change_type, detection_confidence, vehicle_features, detected_at`

func scanChange(row interface{ Scan(...any) error }) (*ParkingChange, error) {
	var c ParkingChange
	var prev sql.NullBool
	var changeType sql.NullString
	var conf sql.NullFloat64
	var features []byte
	err := row.Scan(&c.ID, &c.TaskID, &c.ScreenshotID, &c.ChannelConfigID, &c.SpaceID,
		&c.SpaceName, &prev, &c.CurrOccupied, &changeType, &conf, &features, &c.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if prev.Valid {
		c.PrevOccupied = &prev.Bool
	}
	if changeType.Valid {
		c.ChangeType = &changeType.String
	}
	if conf.Valid {
		c.DetectionConfidence = &conf.Float64
	}
	if len(features) > 0 {
		c.VehicleFeatures = features
	}
	return &c, nil
}

func (m ChangeModel) Insert(ctx context.Context, c *ParkingChange) error {
	query := `
		INSERT INTO parking_changes (task_id, screenshot_id, channel_config_id, space_id, space_name, prev_occupied, curr_occupied, change_type, detection_confidence, vehicle_features, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	var features any
	if len(c.VehicleFeatures) > 0 {
		features = []byte(c.VehicleFeatures)
	}
	return m.DB.QueryRowContext(ctx, query,
		c.TaskID, c.ScreenshotID, c.ChannelConfigID, c.SpaceID, c.SpaceName,
		c.PrevOccupied, c.CurrOccupied, c.ChangeType, c.DetectionConfidence,
		features, c.DetectedAt,
	).Scan(&c.ID)
}

// PrevObservationFor returns the nearest prior state of a stall on the same
// channel, ordered by screenshot capture time. Screenshots are not processed
// in time order, so ID order would silently compare against the wrong frame.
func (m ChangeModel) PrevObservationFor(ctx context.Context, channelConfigID, spaceID int64, before time.Time) (*PrevObservation, error) {
	query := `
		SELECT ` + prefixed("pc", changeColumns) + `, s.created_at, s.file_path
		FROM parking_changes pc
		JOIN screenshots s ON s.id = pc.screenshot_id
		WHERE pc.channel_config_id = $1 AND pc.space_id = $2 AND s.created_at < $3
		ORDER BY s.created_at DESC
		LIMIT 1`

	row := m.DB.QueryRowContext(ctx, query, channelConfigID, spaceID, before)

	var obs PrevObservation
	c := &obs.Change
	var prev sql.NullBool
	var changeType sql.NullString
	var conf sql.NullFloat64
	var features []byte
	err := row.Scan(&c.ID, &c.TaskID, &c.ScreenshotID, &c.ChannelConfigID, &c.SpaceID,
		&c.SpaceName, &prev, &c.CurrOccupied, &changeType, &conf, &features,
		&c.DetectedAt, &obs.ScreenshotCreatedAt, &obs.ScreenshotPath)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if prev.Valid {
		c.PrevOccupied = &prev.Bool
	}
	if changeType.Valid {
		c.ChangeType = &changeType.String
	}
	if conf.Valid {
		c.DetectionConfidence = &conf.Float64
	}
	if len(features) > 0 {
		c.VehicleFeatures = features
	}
	return &obs, nil
}

// RecentStates returns the latest occupancy observations of a stall before
// the given time, newest first. Feeds the state-lock check.
func (m ChangeModel) RecentStates(ctx context.Context, channelConfigID, spaceID int64, before time.Time, limit int) ([]bool, error) {
	query := `
		SELECT pc.curr_occupied
		FROM parking_changes pc
		JOIN screenshots s ON s.id = pc.screenshot_id
		WHERE pc.channel_config_id = $1 AND pc.space_id = $2 AND s.created_at < $3
		ORDER BY s.created_at DESC
		LIMIT $4`
	rows, err := m.DB.QueryContext(ctx, query, channelConfigID, spaceID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []bool
	for rows.Next() {
		var occ bool
		if err := rows.Scan(&occ); err != nil {
			return nil, err
		}
		states = append(states, occ)
	}
	return states, rows.Err()
}

// FindRevocableLeave looks for a leave event on the same stall recorded
// between tmin and tmax (screenshot time) on an earlier screenshot. The
// delayed-confirmation pass revokes it when the stall turns out occupied.
func (m ChangeModel) FindRevocableLeave(ctx context.Context, channelConfigID, spaceID, beforeScreenshotID int64, tmin, tmax time.Time) (*ParkingChange, error) {
	query := `
		SELECT ` + prefixed("pc", changeColumns) + `
		FROM parking_changes pc
		JOIN screenshots s ON s.id = pc.screenshot_id
		WHERE pc.channel_config_id = $1 AND pc.space_id = $2
		  AND pc.change_type = 'leave'
		  AND s.id < $3
		  AND s.created_at >= $4 AND s.created_at <= $5
		ORDER BY s.created_at DESC
		LIMIT 1`
	return scanChange(m.DB.QueryRowContext(ctx, query, channelConfigID, spaceID, beforeScreenshotID, tmin, tmax))
}

// RevokeLeave rewrites a false leave in place: the stall never emptied.
func (m ChangeModel) RevokeLeave(ctx context.Context, changeID int64) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE parking_changes
		SET change_type = NULL, curr_occupied = TRUE
		WHERE id = $1`, changeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m ChangeModel) ListByScreenshot(ctx context.Context, screenshotID int64) ([]*ParkingChange, error) {
	query := `SELECT ` + changeColumns + ` FROM parking_changes WHERE screenshot_id = $1 ORDER BY space_id`
	rows, err := m.DB.QueryContext(ctx, query, screenshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ParkingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type ChangeFilter struct {
	ChannelConfigID int64
	SpaceID         int64
	ChangeType      string // "arrive", "leave", or "" for all
	Since           *time.Time
	Until           *time.Time
}

func (m ChangeModel) List(ctx context.Context, filter ChangeFilter, limit, offset int) ([]*ParkingChange, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	nextArg := 1

	if filter.ChannelConfigID != 0 {
		where += fmt.Sprintf(" AND channel_config_id = $%d", nextArg)
		args = append(args, filter.ChannelConfigID)
		nextArg++
	}
	if filter.SpaceID != 0 {
		where += fmt.Sprintf(" AND space_id = $%d", nextArg)
		args = append(args, filter.SpaceID)
		nextArg++
	}
	if filter.ChangeType != "" {
		where += fmt.Sprintf(" AND change_type = $%d", nextArg)
		args = append(args, filter.ChangeType)
		nextArg++
	}
	if filter.Since != nil {
		where += fmt.Sprintf(" AND detected_at >= $%d", nextArg)
		args = append(args, *filter.Since)
		nextArg++
	}
	if filter.Until != nil {
		where += fmt.Sprintf(" AND detected_at <= $%d", nextArg)
		args = append(args, *filter.Until)
		nextArg++
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM parking_changes "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT `+changeColumns+`
		FROM parking_changes
		%s
		ORDER BY detected_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, nextArg, nextArg+1)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ParkingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	out := ""
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			col := columns[start:i]
			for len(col) > 0 && col[0] == ' ' {
				col = col[1:]
			}
			if out != "" {
				out += ", "
			}
			out += alias + "." + col
			start = i + 1
		}
	}
	return out
}

type SnapshotModel struct {
	DB DBTX
}

const snapshotColumns = `id, task_id, screenshot_id, channel_config_id, nvr_ip, channel_code, parking_name, change_count, detected_at`

func scanSnapshot(row interface{ Scan(...any) error }) (*ParkingChangeSnapshot, error) {
	var s ParkingChangeSnapshot
	var channelID sql.NullInt64
	err := row.Scan(&s.ID, &s.TaskID, &s.ScreenshotID, &channelID, &s.NVRIP,
		&s.ChannelCode, &s.ParkingName, &s.ChangeCount, &s.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if channelID.Valid {
		s.ChannelConfigID = &channelID.Int64
	}
	return &s, nil
}

func (m SnapshotModel) Insert(ctx context.Context, s *ParkingChangeSnapshot) error {
	query := `
		INSERT INTO parking_change_snapshots (task_id, screenshot_id, channel_config_id, nvr_ip, channel_code, parking_name, change_count, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	return m.DB.QueryRowContext(ctx, query,
		s.TaskID, s.ScreenshotID, s.ChannelConfigID, s.NVRIP, s.ChannelCode,
		s.ParkingName, s.ChangeCount, s.DetectedAt,
	).Scan(&s.ID)
}

func (m SnapshotModel) GetByID(ctx context.Context, id int64) (*ParkingChangeSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM parking_change_snapshots WHERE id = $1`
	return scanSnapshot(m.DB.QueryRowContext(ctx, query, id))
}

func (m SnapshotModel) GetByScreenshot(ctx context.Context, screenshotID int64) (*ParkingChangeSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM parking_change_snapshots WHERE screenshot_id = $1`
	return scanSnapshot(m.DB.QueryRowContext(ctx, query, screenshotID))
}

// DecrementCount subtracts one transition from a snapshot after a revocation.
// The row is kept even at zero so the audit trail survives.
func (m SnapshotModel) DecrementCount(ctx context.Context, screenshotID int64) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE parking_change_snapshots
		SET change_count = change_count - 1
		WHERE screenshot_id = $1 AND change_count > 0`, screenshotID)
	return err
}

type SnapshotFilter struct {
	Date        string
	NVRIP       string
	ChannelCode string
}

func (m SnapshotModel) List(ctx context.Context, filter SnapshotFilter, limit, offset int) ([]*ParkingChangeSnapshot, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	nextArg := 1

	if filter.Date != "" {
		where += fmt.Sprintf(" AND to_char(detected_at, 'YYYY-MM-DD') = $%d", nextArg)
		args = append(args, filter.Date)
		nextArg++
	}
	if filter.NVRIP != "" {
		where += fmt.Sprintf(" AND nvr_ip = $%d", nextArg)
		args = append(args, filter.NVRIP)
		nextArg++
	}
	if filter.ChannelCode != "" {
		where += fmt.Sprintf(" AND channel_code = $%d", nextArg)
		args = append(args, filter.ChannelCode)
		nextArg++
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM parking_change_snapshots "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT `+snapshotColumns+`
		FROM parking_change_snapshots
		%s
		ORDER BY detected_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, nextArg, nextArg+1)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ParkingChangeSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
