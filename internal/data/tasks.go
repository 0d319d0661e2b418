package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type TaskModel struct {
	DB DBTX
}

const taskColumns = `id, batch_id, date, idx, start_ts, end_ts, replay_url, nvr_ip, channel_code, status, screenshot_path, error, retry_count, next_retry_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var shotPath, errMsg sql.NullString
	var nextRetry sql.NullTime
	err := row.Scan(
		&t.ID, &t.BatchID, &t.Date, &t.Idx, &t.StartTS, &t.EndTS, &t.ReplayURL,
		&t.NVRIP, &t.ChannelCode, &t.Status, &shotPath, &errMsg, &t.RetryCount,
		&nextRetry, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ScreenshotPath = shotPath.String
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if nextRetry.Valid {
		t.NextRetryAt = &nextRetry.Time
	}
	return &t, nil
}

func (m TaskModel) collect(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (m TaskModel) Create(ctx context.Context, t *Task) error {
	query := `
		INSERT INTO replay_tasks (batch_id, date, idx, start_ts, end_ts, replay_url, nvr_ip, channel_code, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		t.BatchID, t.Date, t.Idx, t.StartTS, t.EndTS, t.ReplayURL, t.NVRIP, t.ChannelCode, t.Status,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// BulkCreate inserts the missing slices of a batch, skipping rows that
// collide with the segment uniqueness constraint. Returns how many were
// actually created.
func (m TaskModel) BulkCreate(ctx context.Context, tasks []*Task) (int, error) {
	created := 0
	query := `
		INSERT INTO replay_tasks (batch_id, date, idx, start_ts, end_ts, replay_url, nvr_ip, channel_code, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT replay_tasks_segment_uniq DO NOTHING
		RETURNING id, created_at, updated_at`
	for _, t := range tasks {
		err := m.DB.QueryRowContext(ctx, query,
			t.BatchID, t.Date, t.Idx, t.StartTS, t.EndTS, t.ReplayURL, t.NVRIP, t.ChannelCode, t.Status,
		).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (m TaskModel) GetByID(ctx context.Context, id int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM replay_tasks WHERE id = $1`
	return scanTask(m.DB.QueryRowContext(ctx, query, id))
}

func (m TaskModel) ListByBatch(ctx context.Context, batchID int64) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM replay_tasks WHERE batch_id = $1 ORDER BY idx`
	rows, err := m.DB.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	return m.collect(rows)
}

// CountForCombo counts existing slices for a (date, ip, channel) run. Used by
// the idempotency check before provisioning.
func (m TaskModel) CountForCombo(ctx context.Context, date, nvrIP, channelCode string) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM replay_tasks WHERE date = $1 AND nvr_ip = $2 AND channel_code = $3`,
		date, nvrIP, channelCode,
	).Scan(&n)
	return n, err
}

// FindForSegment locates the task row for one captured segment. Matching runs
// in strict priority order and never falls back to an unfiltered row: a
// capture that cannot be attributed stays unlinked.
//
//  1. exact (nvr_ip, channel_code)
//  2. channel code embedded in the stored URL
//  3. exact replay URL
//  4. loose (ip or channel may be blank on the row)
func (m TaskModel) FindForSegment(ctx context.Context, date string, startTS, endTS int64, nvrIP, channelCode, replayURL string) (*Task, error) {
	base := `SELECT ` + taskColumns + ` FROM replay_tasks WHERE date = $1 AND start_ts = $2 AND end_ts = $3 AND `

	steps := []struct {
		cond string
		args []any
	}{
		{`nvr_ip = $4 AND channel_code = $5`, []any{nvrIP, channelCode}},
		{`replay_url LIKE '%/' || $4 || '/%'`, []any{channelCode}},
		{`replay_url = $4`, []any{replayURL}},
		{`(nvr_ip = $4 OR nvr_ip = '') AND (channel_code = $5 OR channel_code = '')`, []any{nvrIP, channelCode}},
	}

	for _, step := range steps {
		args := append([]any{date, startTS, endTS}, step.args...)
		t, err := scanTask(m.DB.QueryRowContext(ctx, base+step.cond+` ORDER BY id LIMIT 1`, args...))
		if err == ErrRecordNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, ErrRecordNotFound
}

// MarkComboPlaying flips every unfinished task of a combo to playing before
// the workers start. Returns the number of rows touched.
func (m TaskModel) MarkComboPlaying(ctx context.Context, date, urlPrefix string) (int64, error) {
	query := `
		UPDATE replay_tasks
		SET status = 'playing', updated_at = NOW()
		WHERE date = $1 AND replay_url LIKE $2 || '%' AND status <> 'completed'`
	res, err := m.DB.ExecContext(ctx, query, date, urlPrefix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m TaskModel) SetStatus(ctx context.Context, id int64, status string) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE replay_tasks SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkCompleted records a successful capture. Error and retry state are
// cleared: completed tasks never re-enter the retry loop.
func (m TaskModel) MarkCompleted(ctx context.Context, id int64, screenshotPath string) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE replay_tasks
		SET status = 'completed', screenshot_path = $1, error = NULL, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $2`, screenshotPath, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkFailed records a failed capture attempt. nextRetryAt is nil once the
// task has exhausted its retry budget.
func (m TaskModel) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt *time.Time) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE replay_tasks
		SET status = 'failed', error = $1, next_retry_at = $2, updated_at = NOW()
		WHERE id = $3`, errMsg, nextRetryAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkRetrying moves a failed task back into play: bumps the attempt counter
// and clears its schedule so a crash mid-retry cannot double-fire later.
func (m TaskModel) MarkRetrying(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE replay_tasks
		SET status = 'playing', retry_count = retry_count + 1, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m TaskModel) SetNextRetryAt(ctx context.Context, id int64, at time.Time) error {
	_, err := m.DB.ExecContext(ctx,
		`UPDATE replay_tasks SET next_retry_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
	return err
}

// ClearNextRetryAt stops further retries without touching the status.
func (m TaskModel) ClearNextRetryAt(ctx context.Context, id int64) error {
	_, err := m.DB.ExecContext(ctx,
		`UPDATE replay_tasks SET next_retry_at = NULL, updated_at = NOW() WHERE id = $1`, id)
	return err
}

// FailedForRetry returns failed tasks with attempts left whose schedule is
// due or unset. Rows with a NULL next_retry_at are initialized by the caller
// and skipped until the next sweep.
func (m TaskModel) FailedForRetry(ctx context.Context, now time.Time, maxRetries, limit int) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM replay_tasks
		WHERE status = 'failed' AND retry_count < $1
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY id
		LIMIT $3`
	rows, err := m.DB.QueryContext(ctx, query, maxRetries, now, limit)
	if err != nil {
		return nil, err
	}
	return m.collect(rows)
}

// Unfinished returns pending/playing tasks that still lack a screenshot; the
// pending runner groups them into combos.
func (m TaskModel) Unfinished(ctx context.Context, limit int) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM replay_tasks
		WHERE status IN ('pending', 'playing')
		  AND (screenshot_path IS NULL OR screenshot_path = '')
		ORDER BY date, id
		LIMIT $1`
	rows, err := m.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return m.collect(rows)
}

// ListForCombo returns the unfinished tasks of one combo in slice order.
func (m TaskModel) ListForCombo(ctx context.Context, date, urlPrefix string) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM replay_tasks
		WHERE date = $1 AND replay_url LIKE $2 || '%' AND status <> 'completed'
		ORDER BY idx`
	rows, err := m.DB.QueryContext(ctx, query, date, urlPrefix)
	if err != nil {
		return nil, err
	}
	return m.collect(rows)
}

// ReconcileCompleted closes the gap between disk and DB: any task holding a
// screenshot path but not marked completed becomes completed with its error
// and retry schedule cleared. Returns the distinct batches touched so the
// caller can re-evaluate their closing state.
func (m TaskModel) ReconcileCompleted(ctx context.Context) ([]int64, error) {
	query := `
		UPDATE replay_tasks
		SET status = 'completed', error = NULL, next_retry_at = NULL, updated_at = NOW()
		WHERE screenshot_path IS NOT NULL AND screenshot_path <> '' AND status <> 'completed'
		RETURNING batch_id`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[int64]struct{}{}
	var batchIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			batchIDs = append(batchIDs, id)
		}
	}
	return batchIDs, rows.Err()
}

// CompletedCandidates returns recent completed tasks for the minute back-fill
// scanner, newest date first, oldest row first inside a date.
func (m TaskModel) CompletedCandidates(ctx context.Context, limit int) ([]*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM replay_tasks
		WHERE status = 'completed'
		ORDER BY date DESC, id ASC
		LIMIT $1`
	rows, err := m.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return m.collect(rows)
}

type TaskFilter struct {
	Date        string
	Statuses    []string
	NVRIP       string
	ChannelCode string
	BatchID     int64
}

func (m TaskModel) List(ctx context.Context, filter TaskFilter, limit, offset int) ([]*Task, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	nextArg := 1

	if filter.Date != "" {
		where += fmt.Sprintf(" AND date = $%d", nextArg)
		args = append(args, filter.Date)
		nextArg++
	}
	if len(filter.Statuses) > 0 {
		where += fmt.Sprintf(" AND status = ANY($%d)", nextArg)
		args = append(args, pq.Array(filter.Statuses))
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
	if filter.BatchID != 0 {
		where += fmt.Sprintf(" AND batch_id = $%d", nextArg)
		args = append(args, filter.BatchID)
		nextArg++
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM replay_tasks "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT `+taskColumns+`
		FROM replay_tasks
		%s
		ORDER BY date DESC, start_ts ASC, id ASC
		LIMIT $%d OFFSET $%d`, where, nextArg, nextArg+1)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	tasks, err := m.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// Distinct listing helpers backing the filter dropdowns.

func (m TaskModel) AvailableDates(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, `SELECT DISTINCT date FROM replay_tasks ORDER BY date DESC`)
}

func (m TaskModel) AvailableIPs(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, `SELECT DISTINCT nvr_ip FROM replay_tasks WHERE nvr_ip <> '' ORDER BY nvr_ip`)
}

func (m TaskModel) AvailableChannels(ctx context.Context) ([]string, error) {
	return m.distinct(ctx, `SELECT DISTINCT channel_code FROM replay_tasks WHERE channel_code <> '' ORDER BY channel_code`)
}

func (m TaskModel) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
