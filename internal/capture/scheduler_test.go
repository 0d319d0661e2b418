package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/platform/sysres"
)

type fakeTasks struct {
	mu        sync.Mutex
	count     int
	created   []*data.Task
	listed    []*data.Task
	completed map[int64]string
	failed    map[int64]string
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{completed: map[int64]string{}, failed: map[int64]string{}}
}

func (f *fakeTasks) CountForCombo(ctx context.Context, date, ip, ch string) (int, error) {
	return f.count, nil
}

func (f *fakeTasks) BulkCreate(ctx context.Context, tasks []*data.Task) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, tasks...)
	return len(tasks), nil
}

func (f *fakeTasks) MarkComboPlaying(ctx context.Context, date, prefix string) (int64, error) {
	return int64(len(f.listed)), nil
}

func (f *fakeTasks) ListForCombo(ctx context.Context, date, prefix string) ([]*data.Task, error) {
	return f.listed, nil
}

func (f *fakeTasks) MarkCompleted(ctx context.Context, id int64, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = path
	return nil
}

func (f *fakeTasks) MarkFailed(ctx context.Context, id int64, msg string, next *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = msg
	return nil
}

func (f *fakeTasks) MarkRetrying(ctx context.Context, id int64) error  { return nil }
func (f *fakeTasks) SetNextRetryAt(ctx context.Context, id int64, at time.Time) error {
	return nil
}
func (f *fakeTasks) ClearNextRetryAt(ctx context.Context, id int64) error { return nil }
func (f *fakeTasks) FailedForRetry(ctx context.Context, now time.Time, max, limit int) ([]*data.Task, error) {
	return nil, nil
}
func (f *fakeTasks) Unfinished(ctx context.Context, limit int) ([]*data.Task, error) {
	return f.listed, nil
}
func (f *fakeTasks) ReconcileCompleted(ctx context.Context) ([]int64, error) { return nil, nil }

type fakeBatches struct {
	mu      sync.Mutex
	batch   *data.TaskBatch
	created int
}

func (f *fakeBatches) Create(ctx context.Context, b *data.TaskBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.ID = 1
	f.batch = b
	f.created++
	return nil
}

func (f *fakeBatches) FindForCombo(ctx context.Context, date, ip, ch string) (*data.TaskBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batch == nil {
		return nil, data.ErrRecordNotFound
	}
	return f.batch, nil
}

func (f *fakeBatches) RefreshFromTasks(ctx context.Context, id int64) (string, error) {
	return data.BatchStatusCompleted, nil
}

func (f *fakeBatches) OpenBatchIDs(ctx context.Context) ([]int64, error) { return nil, nil }

type fakeShots struct{}

func (fakeShots) Upsert(ctx context.Context, taskID int64, path string) (int64, error) {
	return taskID, nil
}

type blockingGrabber struct {
	release chan struct{}
	calls   chan string
}

func (g *blockingGrabber) Grab(ctx context.Context, url, out string) error {
	if g.calls != nil {
		g.calls <- url
	}
	if g.release != nil {
		<-g.release
	}
	return nil
}

func quietProbe(ctx context.Context, base string, timeout time.Duration) (string, error) {
	return ProbeOnline, nil
}

func testScheduler(t *testing.T, tasks *fakeTasks, batches *fakeBatches, grabber FrameGrabber, combos int) *Scheduler {
	t.Helper()
	t.Setenv("SCREENSHOT_DIR", t.TempDir())
	cfg := config.Default().Capture
	cfg.MaxComboConcurrency = combos
	cfg.MaxWorkersPerCombo = 1
	return NewScheduler(cfg, time.UTC, tasks, batches, fakeShots{}, grabber, quietProbe, sysres.PoolConfig{Size: 20, MaxOverflow: 40})
}

const testBase = "rtsp://admin:pw@10.1.2.3:554/Streaming/tracks/101"

func TestEnsureTasksProvisionsDay(t *testing.T) {
	tasks := newFakeTasks()
	batches := &fakeBatches{}
	s := testScheduler(t, tasks, batches, &blockingGrabber{}, 2)

	batch, created, err := s.EnsureTasks(context.Background(), "2026-08-20", testBase, "c1", 30, nil)
	require.NoError(t, err)
	assert.Equal(t, 48, created)
	assert.Equal(t, 48, batch.TaskCount)
	assert.Equal(t, "10.1.2.3", batch.NVRIP)
	assert.Equal(t, data.BatchStatusPending, batch.Status)

	// Slices tile the day and the last one is clipped to the day end.
	first, last := tasks.created[0], tasks.created[len(tasks.created)-1]
	assert.Equal(t, int64(1800), first.EndTS-first.StartTS)
	assert.Equal(t, batch.EndTS, last.EndTS)
}

func TestEnsureTasksIdempotent(t *testing.T) {
	tasks := newFakeTasks()
	tasks.count = 47 // ≥ 90% of the 48 expected slices
	batches := &fakeBatches{batch: &data.TaskBatch{ID: 7, TaskCount: 48}}
	s := testScheduler(t, tasks, batches, &blockingGrabber{}, 2)

	batch, created, err := s.EnsureTasks(context.Background(), "2026-08-20", testBase, "c1", 30, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, int64(7), batch.ID)
	assert.Empty(t, tasks.created)
}

func TestNextRetryAtPolicy(t *testing.T) {
	s := testScheduler(t, newFakeTasks(), &fakeBatches{}, &blockingGrabber{}, 1)

	end := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// Still inside the recording window: retry one hour after it closes.
	now := end.Add(-10 * time.Minute)
	assert.Equal(t, end.Add(time.Hour), s.NextRetryAt(now, end.Unix()).UTC())

	// Window already closed: retry one hour from now.
	now = end.Add(2 * time.Hour)
	assert.Equal(t, now.Add(time.Hour), s.NextRetryAt(now, end.Unix()).UTC())
}

func TestRunComboRejectsDuplicateAndSaturation(t *testing.T) {
	tasks := newFakeTasks()
	tasks.listed = []*data.Task{{
		ID: 1, Date: "2026-08-20", StartTS: 0, EndTS: 60,
		ReplayURL: testBase + "/c1/b0/e60/replay/s1",
		NVRIP:     "10.1.2.3", ChannelCode: "c1",
	}}
	grabber := &blockingGrabber{release: make(chan struct{}), calls: make(chan string, 4)}
	s := testScheduler(t, tasks, &fakeBatches{batch: &data.TaskBatch{ID: 1}}, grabber, 1)

	done := make(chan error, 1)
	go func() {
		done <- s.RunCombo(context.Background(), "2026-08-20", testBase, "c1")
	}()
	<-grabber.calls // first combo is now mid-capture

	err := s.RunCombo(context.Background(), "2026-08-20", testBase, "c1")
	assert.ErrorIs(t, err, ErrComboBusy)

	err = s.RunCombo(context.Background(), "2026-08-20", testBase, "c2")
	assert.ErrorIs(t, err, ErrPoolSaturated)

	close(grabber.release)
	require.NoError(t, <-done)

	// The slot is free again once the run finished.
	err = s.RunCombo(context.Background(), "2026-08-20", testBase, "c1")
	require.NoError(t, err)
}

func TestPendingSweepStartsCombosConcurrently(t *testing.T) {
	tasks := newFakeTasks()
	tasks.listed = []*data.Task{
		{ID: 1, Date: "2026-08-20", StartTS: 0, EndTS: 60,
			ReplayURL: testBase + "/c1/b0/e60/replay/s1",
			NVRIP:     "10.1.2.3", ChannelCode: "c1"},
		{ID: 2, Date: "2026-08-20", StartTS: 0, EndTS: 60,
			ReplayURL: testBase + "/c2/b0/e60/replay/s1",
			NVRIP:     "10.1.2.3", ChannelCode: "c2"},
	}
	grabber := &blockingGrabber{release: make(chan struct{}), calls: make(chan string, 8)}
	s := testScheduler(t, tasks, &fakeBatches{batch: &data.TaskBatch{ID: 1}}, grabber, 2)

	started, err := s.PendingSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, started)

	// Both combos must be mid-capture at the same time: the second Grab has
	// to arrive while the first one is still held open.
	for i := 0; i < 2; i++ {
		select {
		case <-grabber.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("combo never reached the grabber while another was in flight")
		}
	}

	close(grabber.release)
	waitForIdle(t, s)
}

func waitForIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.running)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("started combos never drained")
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "10_1_2_3_100_160_c7.jpg", FileName("10.1.2.3", 100, 160, "c7"))
}
