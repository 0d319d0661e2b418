package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (TaskModel, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return TaskModel{DB: db}, mock
}

func taskRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "batch_id", "date", "idx", "start_ts", "end_ts", "replay_url",
		"nvr_ip", "channel_code", "status", "screenshot_path", "error",
		"retry_count", "next_retry_at", "created_at", "updated_at",
	}).AddRow(id, 1, "2026-08-25", 0, 1000, 1600, "rtsp://u:p@10.0.0.5:554/c1/b1000/e1600/replay/s1",
		"10.0.0.5", "c1", "playing", nil, nil, 0, nil, time.Now(), time.Now())
}

func TestFindForSegmentPriorityFallthrough(t *testing.T) {
	m, mock := newMock(t)

	// Exact ip+channel misses; the channel-in-URL step matches.
	mock.ExpectQuery("nvr_ip = \\$4 AND channel_code = \\$5").
		WithArgs("2026-08-25", int64(1000), int64(1600), "10.0.0.5", "c1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("replay_url LIKE").
		WithArgs("2026-08-25", int64(1000), int64(1600), "c1").
		WillReturnRows(taskRow(7))

	task, err := m.FindForSegment(context.Background(), "2026-08-25", 1000, 1600,
		"10.0.0.5", "c1", "rtsp://u:p@10.0.0.5:554/c1/b1000/e1600/replay/s1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), task.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindForSegmentNeverFallsBackUnfiltered(t *testing.T) {
	m, mock := newMock(t)

	for i := 0; i < 4; i++ {
		mock.ExpectQuery("FROM replay_tasks").WillReturnError(sql.ErrNoRows)
	}

	_, err := m.FindForSegment(context.Background(), "2026-08-25", 1000, 1600, "10.0.0.5", "c1", "x")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkCreateSkipsConflicts(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectQuery("INSERT INTO replay_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(1, time.Now(), time.Now()))
	// Conflicting segment: RETURNING yields nothing.
	mock.ExpectQuery("INSERT INTO replay_tasks").WillReturnError(sql.ErrNoRows)

	tasks := []*Task{
		{BatchID: 1, Date: "2026-08-25", Idx: 0, StartTS: 0, EndTS: 600, ReplayURL: "u0", Status: TaskStatusPending},
		{BatchID: 1, Date: "2026-08-25", Idx: 1, StartTS: 600, EndTS: 1200, ReplayURL: "u1", Status: TaskStatusPending},
	}
	created, err := m.BulkCreate(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCompletedDedupesBatches(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectQuery("UPDATE replay_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).
			AddRow(3).AddRow(5).AddRow(3))

	batches, err := m.ReconcileCompleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, batches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedClearsRetryState(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectExec("UPDATE replay_tasks").
		WithArgs("/shots/a.jpg", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.MarkCompleted(context.Background(), 9, "/shots/a.jpg"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusMissingRow(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectExec("UPDATE replay_tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.SetStatus(context.Background(), 99, TaskStatusFailed)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
