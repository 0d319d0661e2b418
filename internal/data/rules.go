package data

import (
	"context"
	"database/sql"
)

type RuleModel struct {
	DB DBTX
}

const ruleColumns = `id, name, use_today, custom_date, base_url, channel_code, interval_minutes, trigger_time, is_enabled, last_executed_at, execution_count, last_execution_status, last_execution_error, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*ScheduleRule, error) {
	var r ScheduleRule
	var customDate, lastStatus, lastError sql.NullString
	var lastExec sql.NullTime
	err := row.Scan(&r.ID, &r.Name, &r.UseToday, &customDate, &r.BaseURL,
		&r.ChannelCode, &r.IntervalMinutes, &r.TriggerTime, &r.IsEnabled,
		&lastExec, &r.ExecutionCount, &lastStatus, &lastError,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if customDate.Valid {
		r.CustomDate = &customDate.String
	}
	if lastExec.Valid {
		r.LastExecutedAt = &lastExec.Time
	}
	if lastStatus.Valid {
		r.LastExecutionStatus = &lastStatus.String
	}
	if lastError.Valid {
		r.LastExecutionError = &lastError.String
	}
	return &r, nil
}

func (m RuleModel) Create(ctx context.Context, r *ScheduleRule) error {
	query := `
		INSERT INTO schedule_rules (name, use_today, custom_date, base_url, channel_code, interval_minutes, trigger_time, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		r.Name, r.UseToday, r.CustomDate, r.BaseURL, r.ChannelCode,
		r.IntervalMinutes, r.TriggerTime, r.IsEnabled,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

func (m RuleModel) Update(ctx context.Context, r *ScheduleRule) error {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE schedule_rules
		SET name = $1, use_today = $2, custom_date = $3, base_url = $4, channel_code = $5,
		    interval_minutes = $6, trigger_time = $7, is_enabled = $8, updated_at = NOW()
		WHERE id = $9`,
		r.Name, r.UseToday, r.CustomDate, r.BaseURL, r.ChannelCode,
		r.IntervalMinutes, r.TriggerTime, r.IsEnabled, r.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m RuleModel) GetByID(ctx context.Context, id int64) (*ScheduleRule, error) {
	return scanRule(m.DB.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM schedule_rules WHERE id = $1`, id))
}

func (m RuleModel) List(ctx context.Context) ([]*ScheduleRule, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM schedule_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduleRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEnabled returns the rules the checker evaluates every tick.
func (m RuleModel) ListEnabled(ctx context.Context) ([]*ScheduleRule, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM schedule_rules WHERE is_enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduleRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordExecution bumps the bookkeeping after a rule fired.
func (m RuleModel) RecordExecution(ctx context.Context, id int64, status string, errMsg *string) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE schedule_rules
		SET last_executed_at = NOW(), execution_count = execution_count + 1,
		    last_execution_status = $1, last_execution_error = $2, updated_at = NOW()
		WHERE id = $3`, status, errMsg, id)
	return err
}

// UpdateExecutionStatus rewrites the outcome of the run counted by
// RecordExecution without bumping the counter again.
func (m RuleModel) UpdateExecutionStatus(ctx context.Context, id int64, status string, errMsg *string) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE schedule_rules
		SET last_execution_status = $1, last_execution_error = $2, updated_at = NOW()
		WHERE id = $3`, status, errMsg, id)
	return err
}

func (m RuleModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM schedule_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m RuleModel) DeleteAll(ctx context.Context) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM schedule_rules`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
