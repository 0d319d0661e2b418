package parking

import (
	"context"
	"database/sql"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/vision"
)

func mockWorker(t *testing.T) (*Worker, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWorker(db, testCfg(), nil, nil, nil), mock, db
}

func changeRows(id int64, changeType *string, occupied bool, detectedAt time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "task_id", "screenshot_id", "channel_config_id", "space_id",
		"space_name", "prev_occupied", "curr_occupied", "change_type",
		"detection_confidence", "vehicle_features", "detected_at",
	})
	var ct any
	if changeType != nil {
		ct = *changeType
	}
	rows.AddRow(id, int64(7), int64(40), int64(3), int64(5), "A1", true, occupied, ct, 0.9, nil, detectedAt)
	return rows
}

type stubResolver struct {
	lot    *data.ChannelLot
	stalls []*data.ParkingSpace
}

func (s *stubResolver) ResolveLot(ctx context.Context, nvrIP, channelCode string) (*data.ChannelLot, error) {
	return s.lot, nil
}

func (s *stubResolver) ListStalls(ctx context.Context, channelConfigID int64) ([]*data.ParkingSpace, error) {
	return s.stalls, nil
}

type stubDetector struct {
	dets []vision.Detection
}

func (s *stubDetector) Detect(ctx context.Context, img image.Image, q vision.Quality) ([]vision.Detection, error) {
	return s.dets, nil
}

type recordingPub struct {
	changes []*data.ParkingChange
}

func (p *recordingPub) PublishChange(lot *data.ChannelLot, c *data.ParkingChange) error {
	p.changes = append(p.changes, c)
	return nil
}

// writeFrame saves a flat daylight-gray frame for the pipeline to load.
func writeFrame(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 120))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 150, G: 150, B: 150, A: 255}}, image.Point{}, draw.Src)
	path := filepath.Join(t.TempDir(), "shot.jpg")
	require.NoError(t, vision.SaveJPEG(path, img))
	return path
}

func taskRows(id int64, nvrIP, channelCode string, at time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "batch_id", "date", "idx", "start_ts", "end_ts", "replay_url",
		"nvr_ip", "channel_code", "status", "screenshot_path", "error",
		"retry_count", "next_retry_at", "created_at", "updated_at",
	}).AddRow(id, int64(1), "2026-08-25", 0, int64(0), int64(1800), "rtsp://x",
		nvrIP, channelCode, data.TaskStatusCompleted, "screenshots/x.jpg", nil,
		0, nil, at, at)
}

func priorRows(occupied bool, at time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "task_id", "screenshot_id", "channel_config_id", "space_id",
		"space_name", "prev_occupied", "curr_occupied", "change_type",
		"detection_confidence", "vehicle_features", "detected_at",
		"created_at", "file_path",
	}).AddRow(90, int64(7), int64(40), int64(3), int64(5), "A1", nil, occupied, nil, 0.9, nil, at, at, "screenshots/prev.jpg")
}

func pipelineWorker(t *testing.T, det Detector, pub Publisher) (*Worker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolver := &stubResolver{
		lot: &data.ChannelLot{
			ChannelConfig: data.ChannelConfig{ID: 3, ChannelCode: "c1"},
			NVRIP:         "10.1.2.3",
			ParkingName:   "Lot A",
		},
		stalls: []*data.ParkingSpace{stall(5, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100})},
	}
	return NewWorker(db, testCfg(), det, resolver, pub), mock
}

func TestProcessScreenshotWritesSnapshotOnChange(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	det := &stubDetector{dets: []vision.Detection{{X1: 10, Y1: 10, X2: 90, Y2: 90, Confidence: 0.9, ClassID: 2}}}
	pub := &recordingPub{}
	w, mock := pipelineWorker(t, det, pub)

	mock.ExpectQuery("FROM replay_tasks").
		WithArgs(int64(7)).
		WillReturnRows(taskRows(7, "10.1.2.3", "c1", now))
	mock.ExpectBegin()
	// The occupied stall first looks for a leave to revoke; none exists.
	mock.ExpectQuery("change_type = 'leave'").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM parking_changes pc").
		WithArgs(int64(3), int64(5), now).
		WillReturnRows(priorRows(false, now.Add(-5*time.Minute)))
	mock.ExpectQuery("INSERT INTO parking_changes").
		WithArgs(int64(7), int64(50), int64(3), int64(5), "A1", false, true,
			data.ChangeArrive, 0.8, sqlmock.AnyArg(), now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))
	mock.ExpectQuery("INSERT INTO parking_change_snapshots").
		WithArgs(int64(7), int64(50), int64(3), "10.1.2.3", "c1", "Lot A", 1, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec("UPDATE screenshots").
		WithArgs(data.ShotStatusDone, nil, int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	shot := &data.Screenshot{ID: 50, TaskID: 7, FilePath: writeFrame(t), CreatedAt: now}
	require.NoError(t, w.processScreenshot(context.Background(), shot))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, pub.changes, 1, "the confirmed arrive must reach the publisher")
	assert.Equal(t, data.ChangeArrive, *pub.changes[0].ChangeType)
	assert.Equal(t, "A1", pub.changes[0].SpaceName)
}

func TestProcessScreenshotSkipsSnapshotWhenNothingChanged(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	pub := &recordingPub{}
	w, mock := pipelineWorker(t, &stubDetector{}, pub)

	mock.ExpectQuery("FROM replay_tasks").
		WithArgs(int64(7)).
		WillReturnRows(taskRows(7, "10.1.2.3", "c1", now))
	mock.ExpectBegin()
	// Empty stall, empty prior: the state row is still written, but no
	// snapshot and no published change may follow.
	mock.ExpectQuery("FROM parking_changes pc").
		WithArgs(int64(3), int64(5), now).
		WillReturnRows(priorRows(false, now.Add(-5*time.Minute)))
	mock.ExpectQuery("INSERT INTO parking_changes").
		WithArgs(int64(7), int64(50), int64(3), int64(5), "A1", false, false,
			nil, nil, sqlmock.AnyArg(), now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))
	mock.ExpectExec("UPDATE screenshots").
		WithArgs(data.ShotStatusDone, nil, int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	shot := &data.Screenshot{ID: 50, TaskID: 7, FilePath: writeFrame(t), CreatedAt: now}
	require.NoError(t, w.processScreenshot(context.Background(), shot))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, pub.changes)
}

func TestRevokeFalseLeaveRewritesInPlace(t *testing.T) {
	w, mock, db := mockWorker(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	leave := data.ChangeLeave

	mock.ExpectQuery("FROM parking_changes pc").
		WillReturnRows(changeRows(99, &leave, false, now.Add(-10*time.Minute)))
	mock.ExpectExec("UPDATE parking_changes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE parking_change_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 1))

	changes := data.ChangeModel{DB: db}
	snapshots := data.SnapshotModel{DB: db}
	err := w.revokeFalseLeave(context.Background(), changes, snapshots, 3, 5, "A1", 50, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeFalseLeaveNoCandidate(t *testing.T) {
	w, mock, db := mockWorker(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM parking_changes pc").
		WillReturnError(sql.ErrNoRows)

	changes := data.ChangeModel{DB: db}
	snapshots := data.SnapshotModel{DB: db}
	err := w.revokeFalseLeave(context.Background(), changes, snapshots, 3, 5, "A1", 50, now)
	require.NoError(t, err, "no leave in the window is not an error")
	require.NoError(t, mock.ExpectationsWereMet(), "no revocation writes may run")
}

func TestPriorStateGapDiscard(t *testing.T) {
	w, mock, db := mockWorker(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	stale := now.Add(-time.Duration(w.cfg.MaxTimeGapSec+60) * time.Second)
	rows := sqlmock.NewRows([]string{
		"id", "task_id", "screenshot_id", "channel_config_id", "space_id",
		"space_name", "prev_occupied", "curr_occupied", "change_type",
		"detection_confidence", "vehicle_features", "detected_at",
		"created_at", "file_path",
	}).AddRow(99, int64(7), int64(40), int64(3), int64(5), "A1", nil, true, nil, 0.9, nil, stale, stale, "screenshots/x.jpg")
	mock.ExpectQuery("FROM parking_changes pc").WillReturnRows(rows)

	prior, err := w.priorState(context.Background(), data.ChangeModel{DB: db}, 3, 5, now)
	require.NoError(t, err)
	assert.Nil(t, prior, "observations past the max gap read as no history")
}

func TestPriorStateDecodesStoredObservation(t *testing.T) {
	w, mock, db := mockWorker(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	prev := now.Add(-10 * time.Minute)

	f := carFeatures(4, 1.8, true)
	q := goodQuality()
	payload, err := json.Marshal(storedObservation{
		Features: &f,
		Quality:  &q,
		Box:      &[4]int{10, 10, 90, 90},
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"id", "task_id", "screenshot_id", "channel_config_id", "space_id",
		"space_name", "prev_occupied", "curr_occupied", "change_type",
		"detection_confidence", "vehicle_features", "detected_at",
		"created_at", "file_path",
	}).AddRow(99, int64(7), int64(40), int64(3), int64(5), "A1", nil, true, nil, 0.9, payload, prev, prev, "screenshots/x.jpg")
	mock.ExpectQuery("FROM parking_changes pc").WillReturnRows(rows)

	prior, err := w.priorState(context.Background(), data.ChangeModel{DB: db}, 3, 5, now)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.True(t, prior.Occupied)
	assert.InDelta(t, 0.9, prior.Confidence, 1e-9)
	require.NotNil(t, prior.Features)
	assert.True(t, prior.Features.HasRearWiper)
	require.NotNil(t, prior.Quality)
	assert.InDelta(t, 150, prior.Quality.Brightness, 1e-9)
	assert.True(t, prior.HasBox)
	assert.Equal(t, 10, prior.Box.Min.X)
}

func TestEncodeObservationEmptyStallOmitsBox(t *testing.T) {
	w, _, _ := mockWorker(t)
	st := StallState{Space: stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100})}
	raw := w.encodeObservation(st, goodQuality())

	var stored storedObservation
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Nil(t, stored.Box)
	assert.Nil(t, stored.Features)
	require.NotNil(t, stored.Quality)
	assert.Equal(t, vision.Day, stored.Quality.DayNight)
}
