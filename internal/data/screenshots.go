package data

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

type ScreenshotModel struct {
	DB DBTX
}

const screenshotColumns = `id, task_id, file_path, yolo_status, yolo_last_error, created_at, updated_at`

func scanScreenshot(row interface{ Scan(...any) error }) (*Screenshot, error) {
	var s Screenshot
	var status, lastErr sql.NullString
	err := row.Scan(&s.ID, &s.TaskID, &s.FilePath, &status, &lastErr, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if status.Valid {
		s.YoloStatus = &status.String
	}
	if lastErr.Valid {
		s.YoloLastError = &lastErr.String
	}
	return &s, nil
}

// Upsert records a capture for a task. A re-capture replaces the file path in
// place and resets the detection state so the change worker sees the new
// image. Returns the screenshot ID.
func (m ScreenshotModel) Upsert(ctx context.Context, taskID int64, filePath string) (int64, error) {
	query := `
		INSERT INTO screenshots (task_id, file_path, yolo_status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (task_id) DO UPDATE
		SET file_path = EXCLUDED.file_path, yolo_status = 'pending', yolo_last_error = NULL, updated_at = NOW()
		RETURNING id`
	var id int64
	err := m.DB.QueryRowContext(ctx, query, taskID, filePath).Scan(&id)
	return id, err
}

func (m ScreenshotModel) GetByID(ctx context.Context, id int64) (*Screenshot, error) {
	query := `SELECT ` + screenshotColumns + ` FROM screenshots WHERE id = $1`
	return scanScreenshot(m.DB.QueryRowContext(ctx, query, id))
}

func (m ScreenshotModel) GetByTaskID(ctx context.Context, taskID int64) (*Screenshot, error) {
	query := `SELECT ` + screenshotColumns + ` FROM screenshots WHERE task_id = $1`
	return scanScreenshot(m.DB.QueryRowContext(ctx, query, taskID))
}

// MarkBackfillPending re-enqueues screenshots past afterID whose detection
// state is unset, done, or failed. One sweep over the table re-processes
// legacy images exactly once; the returned lastID advances the caller's
// cursor, and n == 0 means the sweep is finished.
func (m ScreenshotModel) MarkBackfillPending(ctx context.Context, afterID int64, limit int) (lastID int64, n int, err error) {
	query := `
		UPDATE screenshots
		SET yolo_status = 'pending', yolo_last_error = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM screenshots
			WHERE id > $1 AND (yolo_status IS NULL OR yolo_status IN ('done', 'failed'))
			ORDER BY id ASC
			LIMIT $2
		)
		RETURNING id`
	rows, err := m.DB.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return afterID, 0, err
	}
	defer rows.Close()

	lastID = afterID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return lastID, n, err
		}
		if id > lastID {
			lastID = id
		}
		n++
	}
	return lastID, n, rows.Err()
}

// ClaimPending atomically flips a batch of pending screenshots to processing
// and returns them oldest first. SKIP LOCKED keeps concurrent workers off the
// same rows.
func (m ScreenshotModel) ClaimPending(ctx context.Context, batchSize int) ([]*Screenshot, error) {
	query := `
		UPDATE screenshots
		SET yolo_status = 'processing', yolo_last_error = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM screenshots
			WHERE yolo_status = 'pending'
			ORDER BY id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + screenshotColumns
	rows, err := m.DB.QueryContext(ctx, query, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shots []*Screenshot
	for rows.Next() {
		s, err := scanScreenshot(rows)
		if err != nil {
			return nil, err
		}
		shots = append(shots, s)
	}
	return shots, rows.Err()
}

func (m ScreenshotModel) SetStatus(ctx context.Context, id int64, status string, lastError *string) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE screenshots
		SET yolo_status = $1, yolo_last_error = $2, updated_at = NOW()
		WHERE id = $3`, status, lastError, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Requeue puts explicit screenshots back in the detection queue. Admin
// recovery path for failed detections.
func (m ScreenshotModel) Requeue(ctx context.Context, ids []int64) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE screenshots
		SET yolo_status = 'pending', yolo_last_error = NULL, updated_at = NOW()
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m ScreenshotModel) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM screenshots WHERE yolo_status = $1`, status).Scan(&n)
	return n, err
}

type MinuteModel struct {
	DB DBTX
}

const minuteColumns = `id, task_id, minute_index, start_ts, end_ts, file_path, status, error, created_at, updated_at`

func scanMinute(row interface{ Scan(...any) error }) (*MinuteScreenshot, error) {
	var ms MinuteScreenshot
	var filePath, errMsg sql.NullString
	err := row.Scan(&ms.ID, &ms.TaskID, &ms.MinuteIndex, &ms.StartTS, &ms.EndTS,
		&filePath, &ms.Status, &errMsg, &ms.CreatedAt, &ms.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	ms.FilePath = filePath.String
	if errMsg.Valid {
		ms.Error = &errMsg.String
	}
	return &ms, nil
}

// Claim creates or re-opens the row for one minute window and moves it to
// processing. Completed rows are left alone: the insert conflict clause
// refuses to touch them and Claim reports ErrRecordNotFound, which callers
// treat as "already done, skip".
func (m MinuteModel) Claim(ctx context.Context, taskID int64, minuteIndex int, startTS, endTS int64) (int64, error) {
	query := `
		INSERT INTO minute_screenshots (task_id, minute_index, start_ts, end_ts, status)
		VALUES ($1, $2, $3, $4, 'processing')
		ON CONFLICT ON CONSTRAINT minute_screenshots_uniq DO UPDATE
		SET status = 'processing', error = NULL, updated_at = NOW()
		WHERE minute_screenshots.status <> 'completed'
		RETURNING id`
	var id int64
	err := m.DB.QueryRowContext(ctx, query, taskID, minuteIndex, startTS, endTS).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrRecordNotFound
	}
	return id, err
}

// Finish closes a claimed minute row.
func (m MinuteModel) Finish(ctx context.Context, id int64, status, filePath string, errMsg *string) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE minute_screenshots
		SET status = $1, file_path = $2, error = $3, updated_at = NOW()
		WHERE id = $4`, status, nullableString(filePath), errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m MinuteModel) ListByTask(ctx context.Context, taskID int64) ([]*MinuteScreenshot, error) {
	query := `SELECT ` + minuteColumns + ` FROM minute_screenshots WHERE task_id = $1 ORDER BY minute_index`
	rows, err := m.DB.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MinuteScreenshot
	for rows.Next() {
		ms, err := scanMinute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// CompletedCount counts finished minutes for a task; the back-fill scanner
// compares it against the expected window count.
func (m MinuteModel) CompletedCount(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM minute_screenshots WHERE task_id = $1 AND status = 'completed'`,
		taskID).Scan(&n)
	return n, err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
