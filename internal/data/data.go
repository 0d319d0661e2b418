package data

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrEditConflict   = errors.New("edit conflict")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Batch statuses. A batch is terminal in completed, failed, or partial_failed.
const (
	BatchStatusPending       = "pending"
	BatchStatusRunning       = "running"
	BatchStatusCompleted     = "completed"
	BatchStatusFailed        = "failed"
	BatchStatusPartialFailed = "partial_failed"
)

// Task statuses. completed is set if and only if a screenshot exists.
const (
	TaskStatusPending   = "pending"
	TaskStatusPlaying   = "playing"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Screenshot detection statuses (yolo_status). NULL marks legacy rows created
// before detection existed; the worker backfills them to pending once.
const (
	ShotStatusPending    = "pending"
	ShotStatusProcessing = "processing"
	ShotStatusDone       = "done"
	ShotStatusFailed     = "failed"
)

// Minute screenshot statuses.
const (
	MinuteStatusPending    = "pending"
	MinuteStatusProcessing = "processing"
	MinuteStatusCompleted  = "completed"
	MinuteStatusFailed     = "failed"
)

// Change types. A NULL change_type row records state without a transition.
const (
	ChangeArrive = "arrive"
	ChangeLeave  = "leave"
)

// TaskIsTerminal reports whether a task status is final.
func TaskIsTerminal(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed
}

// BatchIsTerminal reports whether a batch status is final.
func BatchIsTerminal(status string) bool {
	switch status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusPartialFailed:
		return true
	}
	return false
}
