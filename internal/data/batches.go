package data

import (
	"context"
	"database/sql"
	"fmt"
)

type BatchModel struct {
	DB DBTX
}

const batchColumns = `id, date, nvr_ip, channel_code, base_url, start_ts, end_ts, interval_minutes, status, task_count, rule_id, created_at, updated_at`

func scanBatch(row interface{ Scan(...any) error }) (*TaskBatch, error) {
	var b TaskBatch
	var ruleID sql.NullInt64
	err := row.Scan(
		&b.ID, &b.Date, &b.NVRIP, &b.ChannelCode, &b.BaseURL, &b.StartTS, &b.EndTS,
		&b.IntervalMinutes, &b.Status, &b.TaskCount, &ruleID, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if ruleID.Valid {
		b.RuleID = &ruleID.Int64
	}
	return &b, nil
}

func (m BatchModel) Create(ctx context.Context, b *TaskBatch) error {
	query := `
		INSERT INTO task_batches (date, nvr_ip, channel_code, base_url, start_ts, end_ts, interval_minutes, status, task_count, rule_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		b.Date, b.NVRIP, b.ChannelCode, b.BaseURL, b.StartTS, b.EndTS,
		b.IntervalMinutes, b.Status, b.TaskCount, b.RuleID,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
}

func (m BatchModel) GetByID(ctx context.Context, id int64) (*TaskBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM task_batches WHERE id = $1`
	return scanBatch(m.DB.QueryRowContext(ctx, query, id))
}

// FindForCombo returns the newest batch for a (date, ip, channel) run.
func (m BatchModel) FindForCombo(ctx context.Context, date, nvrIP, channelCode string) (*TaskBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM task_batches
		WHERE date = $1 AND nvr_ip = $2 AND channel_code = $3
		ORDER BY id DESC
		LIMIT 1`
	return scanBatch(m.DB.QueryRowContext(ctx, query, date, nvrIP, channelCode))
}

type BatchFilter struct {
	Date   string
	Status string
}

func (m BatchModel) List(ctx context.Context, filter BatchFilter, limit, offset int) ([]*TaskBatch, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	nextArg := 1

	if filter.Date != "" {
		where += fmt.Sprintf(" AND date = $%d", nextArg)
		args = append(args, filter.Date)
		nextArg++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", nextArg)
		args = append(args, filter.Status)
		nextArg++
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM task_batches "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT `+batchColumns+`
		FROM task_batches
		%s
		ORDER BY date DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, nextArg, nextArg+1)
	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var batches []*TaskBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		batches = append(batches, b)
	}
	return batches, total, rows.Err()
}

func (m BatchModel) SetStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE task_batches SET status = $1, updated_at = NOW() WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// RefreshFromTasks recomputes a batch's status from its task statuses and
// persists the result. A batch closes only when every task is terminal:
// completed when all completed, failed when all failed, otherwise
// partial_failed. Returns the (possibly unchanged) status.
func (m BatchModel) RefreshFromTasks(ctx context.Context, id int64) (string, error) {
	var total, completed, failed int
	query := `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'completed'),
		       count(*) FILTER (WHERE status = 'failed')
		FROM replay_tasks
		WHERE batch_id = $1`
	if err := m.DB.QueryRowContext(ctx, query, id).Scan(&total, &completed, &failed); err != nil {
		return "", err
	}

	b, err := m.GetByID(ctx, id)
	if err != nil {
		return "", err
	}

	if total == 0 || completed+failed < total {
		return b.Status, nil
	}

	status := BatchStatusPartialFailed
	switch {
	case completed == total:
		status = BatchStatusCompleted
	case failed == total:
		status = BatchStatusFailed
	}

	if status != b.Status {
		if err := m.SetStatus(ctx, id, status); err != nil {
			return "", err
		}
	}
	return status, nil
}

// OpenBatchIDs lists batches still marked pending/running, oldest first. The
// minute-fill scanner closes the stale ones before picking candidates.
func (m BatchModel) OpenBatchIDs(ctx context.Context) ([]int64, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT id FROM task_batches WHERE status IN ('pending', 'running') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m BatchModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM task_batches WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteForDate removes a day's batches; tasks, screenshots, minutes, changes
// and snapshots go with them via FK cascade.
func (m BatchModel) DeleteForDate(ctx context.Context, date string) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM task_batches WHERE date = $1`, date)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m BatchModel) DeleteAll(ctx context.Context) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM task_batches`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
