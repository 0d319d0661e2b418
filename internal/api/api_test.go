package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/lots"
)

type fakeCapture struct {
	ensureCalls    int
	runCalls       int
	reconcileCalls int
	ensureErr      error
}

func (f *fakeCapture) EnsureTasks(ctx context.Context, date, baseURL, channelCode string, intervalMinutes int, ruleID *int64) (*data.TaskBatch, int, error) {
	f.ensureCalls++
	if f.ensureErr != nil {
		return nil, 0, f.ensureErr
	}
	return &data.TaskBatch{ID: 1, Date: date, ChannelCode: channelCode, Status: data.BatchStatusPending}, 144, nil
}

func (f *fakeCapture) RunCombo(ctx context.Context, date, baseURL, channelCode string) error {
	f.runCalls++
	return nil
}

func (f *fakeCapture) ReconcileStatuses(ctx context.Context) error {
	f.reconcileCalls++
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeCapture, sqlmock.Sqlmock, http.Handler) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	capture := &fakeCapture{}
	srv := NewServer(db, capture, lots.NewService(db, nil), nil, nil, NewHub())

	r := chi.NewRouter()
	r.Route("/api/v1", srv.Register)
	return srv, capture, mock, r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestPaginationClamp(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 20, 0},
		{"?page=3", 20, 40},
		{"?page_size=5", 10, 0},
		{"?page_size=500", 50, 0},
		{"?page=2&page_size=30", 30, 30},
		{"?page=-1&page_size=-2", 10, 0},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
		limit, offset := pagination(r)
		assert.Equal(t, tc.wantLimit, limit, tc.query)
		assert.Equal(t, tc.wantOffset, offset, tc.query)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	_, capture, _, h := newTestServer(t)

	tests := []provisionRequest{
		{Date: "08-25-2026", BaseURL: "rtsp://u:p@10.0.0.5:554", ChannelCode: "1_1", IntervalMinutes: 10},
		{Date: "2026-08-25", BaseURL: "", ChannelCode: "1_1", IntervalMinutes: 10},
		{Date: "2026-08-25", BaseURL: "rtsp://u:p@10.0.0.5:554", ChannelCode: "", IntervalMinutes: 10},
		{Date: "2026-08-25", BaseURL: "rtsp://u:p@10.0.0.5:554", ChannelCode: "1_1", IntervalMinutes: 0},
	}
	for _, tc := range tests {
		rr := doJSON(t, h, http.MethodPost, "/api/v1/batches", tc)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	}
	assert.Zero(t, capture.ensureCalls, "invalid requests never reach the scheduler")
}

func TestCreateBatchProvisions(t *testing.T) {
	_, capture, _, h := newTestServer(t)

	rr := doJSON(t, h, http.MethodPost, "/api/v1/batches", provisionRequest{
		Date: "2026-08-25", BaseURL: "rtsp://u:p@10.0.0.5:554", ChannelCode: "1_1", IntervalMinutes: 10,
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 1, capture.ensureCalls)

	var resp struct {
		Batch   data.TaskBatch `json:"batch"`
		Created int            `json:"created"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 144, resp.Created)
	assert.Equal(t, "2026-08-25", resp.Batch.Date)
}

func TestRunComboAccepted(t *testing.T) {
	_, _, _, h := newTestServer(t)

	rr := doJSON(t, h, http.MethodPost, "/api/v1/combos/run", provisionRequest{
		Date: "2026-08-25", BaseURL: "rtsp://u:p@10.0.0.5:554", ChannelCode: "1_1",
	})
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestListBatchesReconcilesFirst(t *testing.T) {
	_, capture, mock, h := newTestServer(t)

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM task_batches").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("FROM task_batches").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "date", "nvr_ip", "channel_code", "base_url", "start_ts", "end_ts",
			"interval_minutes", "status", "task_count", "rule_id", "created_at", "updated_at",
		}).AddRow(1, "2026-08-25", "10.0.0.5", "1_1", "rtsp://u:p@10.0.0.5:554", 1000, 2000,
			10, "completed", 144, nil, time.Now(), time.Now()))

	rr := doJSON(t, h, http.MethodGet, "/api/v1/batches?date=2026-08-25", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, capture.reconcileCalls)
	require.NoError(t, mock.ExpectationsWereMet())

	var resp struct {
		Items []*data.TaskBatch `json:"items"`
		Total int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "completed", resp.Items[0].Status)
}

func TestTaskDetailNotFound(t *testing.T) {
	_, _, mock, h := newTestServer(t)

	mock.ExpectQuery("FROM replay_tasks").WillReturnError(sql.ErrNoRows)

	rr := doJSON(t, h, http.MethodGet, "/api/v1/tasks/99", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRequeueScreenshots(t *testing.T) {
	_, _, mock, h := newTestServer(t)

	rr := doJSON(t, h, http.MethodPost, "/api/v1/screenshots/requeue", map[string]any{"ids": []int64{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	mock.ExpectExec("UPDATE screenshots").WillReturnResult(sqlmock.NewResult(0, 2))
	rr = doJSON(t, h, http.MethodPost, "/api/v1/screenshots/requeue", map[string]any{"ids": []int64{4, 5}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"requeued": 2}`, rr.Body.String())
}

func TestRuleValidation(t *testing.T) {
	_, _, _, h := newTestServer(t)

	valid := ruleRequest{
		Name: "morning", UseToday: true, BaseURL: "rtsp://u:p@10.0.0.5:554",
		ChannelCode: "1_1", IntervalMinutes: 10, TriggerTime: "08:30", IsEnabled: true,
	}

	badTime := valid
	badTime.TriggerTime = "25:99"
	rr := doJSON(t, h, http.MethodPost, "/api/v1/rules", badTime)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	noDate := valid
	noDate.UseToday = false
	noDate.CustomDate = nil
	rr = doJSON(t, h, http.MethodPost, "/api/v1/rules", noDate)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChangeListValidatesType(t *testing.T) {
	_, _, _, h := newTestServer(t)

	rr := doJSON(t, h, http.MethodGet, "/api/v1/changes?type=vanish", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rr.Body.String())
}
