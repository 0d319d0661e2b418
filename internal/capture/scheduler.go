package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/metrics"
	"github.com/technosupport/ts-parkops/internal/platform/sysres"
	"github.com/technosupport/ts-parkops/internal/replay"
)

// TaskStore is the slice of the task model the scheduler needs.
type TaskStore interface {
	CountForCombo(ctx context.Context, date, nvrIP, channelCode string) (int, error)
	BulkCreate(ctx context.Context, tasks []*data.Task) (int, error)
	MarkComboPlaying(ctx context.Context, date, urlPrefix string) (int64, error)
	ListForCombo(ctx context.Context, date, urlPrefix string) ([]*data.Task, error)
	MarkCompleted(ctx context.Context, id int64, screenshotPath string) error
	MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt *time.Time) error
	MarkRetrying(ctx context.Context, id int64) error
	FailedForRetry(ctx context.Context, now time.Time, maxRetries, limit int) ([]*data.Task, error)
	SetNextRetryAt(ctx context.Context, id int64, at time.Time) error
	ClearNextRetryAt(ctx context.Context, id int64) error
	Unfinished(ctx context.Context, limit int) ([]*data.Task, error)
	ReconcileCompleted(ctx context.Context) ([]int64, error)
}

// BatchStore is the slice of the batch model the scheduler needs.
type BatchStore interface {
	Create(ctx context.Context, b *data.TaskBatch) error
	FindForCombo(ctx context.Context, date, nvrIP, channelCode string) (*data.TaskBatch, error)
	RefreshFromTasks(ctx context.Context, id int64) (string, error)
	OpenBatchIDs(ctx context.Context) ([]int64, error)
}

// ShotStore records captured frames.
type ShotStore interface {
	Upsert(ctx context.Context, taskID int64, filePath string) (int64, error)
}

// FrameGrabber is the single-frame capture; *Grabber in production.
type FrameGrabber interface {
	Grab(ctx context.Context, replayURL, outPath string) error
}

// Prober checks NVR reachability before a combo run.
type Prober func(ctx context.Context, baseURL string, timeout time.Duration) (string, error)

// Scheduler owns the capture state that used to live in process globals: the
// combo semaphore, the running-combo set, and the concurrency plan. One value
// per process; tests build a fresh one per case.
type Scheduler struct {
	cfg     config.CaptureConfig
	loc     *time.Location
	tasks   TaskStore
	batches BatchStore
	shots   ShotStore
	grabber FrameGrabber
	probe   Prober

	workersPerCombo int
	comboSem        chan struct{}

	mu      sync.Mutex
	running map[string]struct{}
}

func NewScheduler(cfg config.CaptureConfig, loc *time.Location, tasks TaskStore, batches BatchStore, shots ShotStore, grabber FrameGrabber, probe Prober, pool sysres.PoolConfig) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	combos, workers := cfg.MaxComboConcurrency, cfg.MaxWorkersPerCombo
	if combos <= 0 || workers <= 0 {
		res, err := sysres.Detect()
		if err != nil {
			log.Printf("[WARN] [capture] host sizing failed, using defaults: %v", err)
			combos, workers = 3, 2
		} else {
			plan := sysres.Plan(res, pool)
			if combos <= 0 {
				combos = plan.MaxConcurrentCombos
			}
			if workers <= 0 {
				workers = plan.MaxWorkersPerCombo
			}
			log.Printf("[INFO] [capture] sized for host: %d combos x %d workers", combos, workers)
		}
	}
	if probe == nil {
		probe = ProbeReplayBase
	}

	return &Scheduler{
		cfg:             cfg,
		loc:             loc,
		tasks:           tasks,
		batches:         batches,
		shots:           shots,
		grabber:         grabber,
		probe:           probe,
		workersPerCombo: workers,
		comboSem:        make(chan struct{}, combos),
		running:         make(map[string]struct{}),
	}
}

// comboPrefix is the replay-URL prefix shared by every slice of a combo.
func comboPrefix(baseURL, channelCode string) string {
	return strings.TrimRight(baseURL, "/") + "/" + channelCode + "/"
}

// EnsureTasks provisions the batch and task slices for one (date, base,
// channel) run. Provisioning is idempotent: when at least 90% of the expected
// slices already exist the call returns the existing batch and creates
// nothing, so double-submits and rule re-fires cannot duplicate a day.
func (s *Scheduler) EnsureTasks(ctx context.Context, date, baseURL, channelCode string, intervalMinutes int, ruleID *int64) (*data.TaskBatch, int, error) {
	day, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return nil, 0, fmt.Errorf("capture: bad date %q: %w", date, err)
	}
	nvrIP := replay.HostOf(strings.TrimRight(baseURL, "/") + "/")
	if nvrIP == "" {
		return nil, 0, fmt.Errorf("capture: no NVR host in base url")
	}

	segs := replay.DaySlices(day, intervalMinutes, s.loc)
	if len(segs) == 0 {
		return nil, 0, fmt.Errorf("capture: interval %d produces no slices", intervalMinutes)
	}

	existing, err := s.tasks.CountForCombo(ctx, date, nvrIP, channelCode)
	if err != nil {
		return nil, 0, err
	}
	if float64(existing) >= 0.9*float64(len(segs)) {
		batch, err := s.batches.FindForCombo(ctx, date, nvrIP, channelCode)
		if err != nil {
			return nil, 0, err
		}
		log.Printf("[INFO] [capture] %s %s %s already provisioned (%d/%d slices)",
			date, nvrIP, channelCode, existing, len(segs))
		return batch, 0, nil
	}

	batch, err := s.batches.FindForCombo(ctx, date, nvrIP, channelCode)
	if errors.Is(err, data.ErrRecordNotFound) {
		dayStart, dayEnd := replay.DayBounds(day, s.loc)
		batch = &data.TaskBatch{
			Date:            date,
			NVRIP:           nvrIP,
			ChannelCode:     channelCode,
			BaseURL:         strings.TrimRight(baseURL, "/"),
			StartTS:         dayStart,
			EndTS:           dayEnd,
			IntervalMinutes: intervalMinutes,
			Status:          data.BatchStatusPending,
			TaskCount:       len(segs),
			RuleID:          ruleID,
		}
		if err := s.batches.Create(ctx, batch); err != nil {
			return nil, 0, err
		}
	} else if err != nil {
		return nil, 0, err
	}

	rows := make([]*data.Task, 0, len(segs))
	for _, seg := range segs {
		rows = append(rows, &data.Task{
			BatchID:     batch.ID,
			Date:        date,
			Idx:         seg.Index,
			StartTS:     seg.StartTS,
			EndTS:       seg.EndTS,
			ReplayURL:   replay.BuildURL(baseURL, channelCode, seg.StartTS, seg.EndTS, replay.ModeFast),
			NVRIP:       nvrIP,
			ChannelCode: channelCode,
			Status:      data.TaskStatusPending,
		})
	}
	created, err := s.tasks.BulkCreate(ctx, rows)
	if err != nil {
		return batch, created, err
	}
	log.Printf("[INFO] [capture] provisioned %s %s %s: %d/%d slices created",
		date, nvrIP, channelCode, created, len(segs))
	return batch, created, nil
}

// acquireCombo claims the in-flight key and a pool permit without blocking.
func (s *Scheduler) acquireCombo(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[key]; busy {
		metrics.CombosRejectedTotal.Inc()
		return ErrComboBusy
	}
	select {
	case s.comboSem <- struct{}{}:
	default:
		metrics.CombosRejectedTotal.Inc()
		return ErrPoolSaturated
	}
	s.running[key] = struct{}{}
	metrics.CombosInflight.Inc()
	return nil
}

func (s *Scheduler) releaseCombo(key string) {
	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()
	<-s.comboSem
	metrics.CombosInflight.Dec()
}

// RunCombo captures every unfinished slice of one combo and blocks until the
// run finishes. It refuses to start when the combo is already running
// (ErrComboBusy) or no combo slot is free (ErrPoolSaturated); admission never
// blocks waiting for a slot.
func (s *Scheduler) RunCombo(ctx context.Context, date, baseURL, channelCode string) error {
	key := replay.ComboKey(date, baseURL, channelCode)
	if err := s.acquireCombo(key); err != nil {
		return err
	}
	defer s.releaseCombo(key)
	return s.runCombo(ctx, key, date, baseURL, channelCode)
}

// StartCombo admits one combo and runs it in its own goroutine, so one slow
// NVR cannot hold back the others. The admission errors are the same as
// RunCombo's; a nil return means the combo holds a permit and is running.
func (s *Scheduler) StartCombo(ctx context.Context, date, baseURL, channelCode string) error {
	key := replay.ComboKey(date, baseURL, channelCode)
	if err := s.acquireCombo(key); err != nil {
		return err
	}
	go func() {
		defer s.releaseCombo(key)
		if err := s.runCombo(ctx, key, date, baseURL, channelCode); err != nil {
			log.Printf("[ERROR] [capture] combo %s: %v", key, err)
		}
	}()
	return nil
}

// runCombo is the capture body; the caller holds the permit for key.
func (s *Scheduler) runCombo(ctx context.Context, key, date, baseURL, channelCode string) error {
	if status, err := s.probe(ctx, baseURL, 5*time.Second); err != nil || status != ProbeOnline {
		// Probe failure is advisory: the replay port can answer when OPTIONS
		// does not.
		log.Printf("[WARN] [capture] probe %s before run: status=%s err=%v", baseURL, status, err)
	}

	prefix := comboPrefix(baseURL, channelCode)
	if _, err := s.tasks.MarkComboPlaying(ctx, date, prefix); err != nil {
		return err
	}
	tasks, err := s.tasks.ListForCombo(ctx, date, prefix)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	log.Printf("[INFO] [capture] running %s: %d slices, %d workers", key, len(tasks), s.workersPerCombo)

	jobs := make(chan *data.Task)
	var wg sync.WaitGroup
	for i := 0; i < s.workersPerCombo; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				s.captureTask(ctx, t)
			}
		}()
	}
	for _, t := range tasks {
		select {
		case jobs <- t:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	return s.ReconcileStatuses(ctx)
}

// captureTask grabs one slice and records the outcome on the task row.
func (s *Scheduler) captureTask(ctx context.Context, t *data.Task) {
	name := FileName(t.NVRIP, t.StartTS, t.EndTS, t.ChannelCode)
	outPath, err := OutputPath(t.Date, name)
	if err != nil {
		s.failTask(ctx, t, fmt.Errorf("output path: %w", err))
		return
	}

	if err := s.grabber.Grab(ctx, t.ReplayURL, outPath); err != nil {
		s.failTask(ctx, t, err)
		return
	}

	if err := s.tasks.MarkCompleted(ctx, t.ID, outPath); err != nil {
		log.Printf("[ERROR] [capture] task %d captured but not recorded: %v", t.ID, err)
		return
	}
	if _, err := s.shots.Upsert(ctx, t.ID, outPath); err != nil {
		log.Printf("[ERROR] [capture] task %d screenshot row: %v", t.ID, err)
	}
	metrics.CapturesTotal.WithLabelValues("ok").Inc()
}

func (s *Scheduler) failTask(ctx context.Context, t *data.Task, cause error) {
	metrics.CapturesTotal.WithLabelValues("failed").Inc()

	var next *time.Time
	if t.RetryCount < s.cfg.MaxRetryCount {
		at := s.NextRetryAt(time.Now(), t.EndTS)
		next = &at
	}
	if err := s.tasks.MarkFailed(ctx, t.ID, cause.Error(), next); err != nil {
		log.Printf("[ERROR] [capture] task %d failure not recorded: %v", t.ID, err)
		return
	}
	log.Printf("[WARN] [capture] task %d failed (retry %d/%d): %v",
		t.ID, t.RetryCount, s.cfg.MaxRetryCount, cause)
}

// NextRetryAt schedules a retry. A slice that is still inside its recording
// window retries one hour after the window closes; anything older retries one
// hour from now.
func (s *Scheduler) NextRetryAt(now time.Time, endTS int64) time.Time {
	delay := time.Duration(s.cfg.RetryDelayHours) * time.Hour
	if delay <= 0 {
		delay = time.Hour
	}
	if now.Unix() < endTS {
		return time.Unix(endTS, 0).In(s.loc).Add(delay)
	}
	return now.Add(delay)
}

// RetryFailed sweeps failed tasks. Rows without a schedule get one and wait
// for the next sweep; due rows are re-captured immediately.
func (s *Scheduler) RetryFailed(ctx context.Context) (int, error) {
	now := time.Now()
	tasks, err := s.tasks.FailedForRetry(ctx, now, s.cfg.MaxRetryCount, 200)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, t := range tasks {
		if t.NextRetryAt == nil {
			if err := s.tasks.SetNextRetryAt(ctx, t.ID, s.NextRetryAt(now, t.EndTS)); err != nil {
				log.Printf("[ERROR] [capture] task %d retry schedule: %v", t.ID, err)
			}
			continue
		}
		if err := s.tasks.MarkRetrying(ctx, t.ID); err != nil {
			log.Printf("[ERROR] [capture] task %d retry claim: %v", t.ID, err)
			continue
		}
		metrics.RetriesTotal.Inc()
		retried++
		s.captureTask(ctx, t)
	}

	if retried > 0 {
		if err := s.ReconcileStatuses(ctx); err != nil {
			return retried, err
		}
	}
	return retried, nil
}

// PendingSweep groups unfinished tasks into combos and starts every combo not
// already in flight, one goroutine per combo, until the pool permits run out.
// Returns how many combos were started this tick.
func (s *Scheduler) PendingSweep(ctx context.Context) (int, error) {
	tasks, err := s.tasks.Unfinished(ctx, 500)
	if err != nil {
		return 0, err
	}

	type combo struct{ date, base, channel string }
	seen := map[string]combo{}
	for _, t := range tasks {
		parsed, err := replay.ParseURL(t.ReplayURL)
		if err != nil {
			continue
		}
		key := replay.ComboKey(t.Date, parsed.Base, parsed.Channel)
		if _, ok := seen[key]; !ok {
			seen[key] = combo{t.Date, parsed.Base, parsed.Channel}
		}
	}

	started := 0
	for _, c := range seen {
		err := s.StartCombo(ctx, c.date, c.base, c.channel)
		switch {
		case errors.Is(err, ErrComboBusy):
		case errors.Is(err, ErrPoolSaturated):
			// Slots are full; the rest of the sweep would be refused too.
			return started, nil
		case err != nil:
			log.Printf("[ERROR] [capture] combo %s %s: %v", c.date, c.channel, err)
		default:
			started++
		}
	}
	return started, nil
}

// ReconcileStatuses closes the disk/DB gap and re-evaluates batch states:
// any task holding a screenshot becomes completed, and every touched or open
// batch is closed once all of its tasks are terminal.
func (s *Scheduler) ReconcileStatuses(ctx context.Context) error {
	touched, err := s.tasks.ReconcileCompleted(ctx)
	if err != nil {
		return err
	}
	open, err := s.batches.OpenBatchIDs(ctx)
	if err != nil {
		return err
	}

	seen := map[int64]struct{}{}
	for _, id := range append(touched, open...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		status, err := s.batches.RefreshFromTasks(ctx, id)
		if err != nil {
			log.Printf("[ERROR] [capture] batch %d refresh: %v", id, err)
			continue
		}
		if data.BatchIsTerminal(status) {
			log.Printf("[INFO] [capture] batch %d closed as %s", id, status)
		}
	}
	return nil
}
