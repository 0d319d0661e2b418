package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/metrics"
	"github.com/technosupport/ts-parkops/internal/replay"
)

// MinuteStore is the slice of the minute-screenshot model the filler needs.
type MinuteStore interface {
	Claim(ctx context.Context, taskID int64, minuteIndex int, startTS, endTS int64) (int64, error)
	Finish(ctx context.Context, id int64, status, filePath string, errMsg *string) error
	CompletedCount(ctx context.Context, taskID int64) (int, error)
}

// CandidateStore finds completed tasks eligible for minute back-fill.
type CandidateStore interface {
	CompletedCandidates(ctx context.Context, limit int) ([]*data.Task, error)
}

// BatchGetter resolves a task's batch so the filler can gate on its state.
type BatchGetter interface {
	GetByID(ctx context.Context, id int64) (*data.TaskBatch, error)
}

// MinuteFiller back-fills one frame per minute inside completed slices. It
// only touches a slice once its batch is closed or the slice itself is
// completed; back-filling a live batch would fight the slice workers for the
// same replay sessions.
type MinuteFiller struct {
	cfg     config.CaptureConfig
	tasks   CandidateStore
	batches BatchGetter
	minutes MinuteStore
	grabber FrameGrabber
}

func NewMinuteFiller(cfg config.CaptureConfig, tasks CandidateStore, batches BatchGetter, minutes MinuteStore, grabber FrameGrabber) *MinuteFiller {
	return &MinuteFiller{cfg: cfg, tasks: tasks, batches: batches, minutes: minutes, grabber: grabber}
}

type minuteJob struct {
	task *data.Task
	seg  replay.Segment
}

// FillOnce runs one back-fill sweep: pick candidate slices, claim their
// missing minutes, and capture them with the worker pool. Returns how many
// minutes were captured.
func (f *MinuteFiller) FillOnce(ctx context.Context) (int, error) {
	limit := f.cfg.FillLimit
	if limit <= 0 {
		limit = 50
	}
	candidates, err := f.tasks.CompletedCandidates(ctx, limit)
	if err != nil {
		return 0, err
	}

	var jobs []minuteJob
	batchState := map[int64]string{}
	for _, t := range candidates {
		status, ok := batchState[t.BatchID]
		if !ok {
			b, err := f.batches.GetByID(ctx, t.BatchID)
			if err != nil {
				log.Printf("[ERROR] [minutefill] batch %d: %v", t.BatchID, err)
				continue
			}
			status = b.Status
			batchState[t.BatchID] = status
		}
		if !data.BatchIsTerminal(status) && t.Status != data.TaskStatusCompleted {
			continue
		}

		expected := replay.MinuteCount(t.StartTS, t.EndTS)
		done, err := f.minutes.CompletedCount(ctx, t.ID)
		if err != nil {
			return 0, err
		}
		if done >= expected {
			continue
		}
		for _, seg := range replay.MinuteWindows(t.StartTS, t.EndTS) {
			jobs = append(jobs, minuteJob{task: t, seg: seg})
		}
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	workers := f.cfg.MinuteScreenshotWorker
	if workers <= 0 {
		workers = 4
	}

	jobCh := make(chan minuteJob)
	var wg sync.WaitGroup
	var mu sync.Mutex
	filled := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				if f.fillMinute(ctx, j) {
					mu.Lock()
					filled++
					mu.Unlock()
				}
			}
		}()
	}
	for _, j := range jobs {
		select {
		case jobCh <- j:
		case <-ctx.Done():
			close(jobCh)
			wg.Wait()
			return filled, ctx.Err()
		}
	}
	close(jobCh)
	wg.Wait()

	if filled > 0 {
		log.Printf("[INFO] [minutefill] captured %d minute frames", filled)
	}
	return filled, nil
}

// fillMinute claims and captures one minute window. A claim refused because
// the row is already completed is a skip, not a failure.
func (f *MinuteFiller) fillMinute(ctx context.Context, j minuteJob) bool {
	id, err := f.minutes.Claim(ctx, j.task.ID, j.seg.Index, j.seg.StartTS, j.seg.EndTS)
	if errors.Is(err, data.ErrRecordNotFound) {
		metrics.MinuteFillTotal.WithLabelValues("skipped").Inc()
		return false
	}
	if err != nil {
		log.Printf("[ERROR] [minutefill] claim task %d minute %d: %v", j.task.ID, j.seg.Index, err)
		return false
	}

	url, err := replay.WithWindow(j.task.ReplayURL, j.seg.StartTS, j.seg.EndTS)
	if err != nil {
		f.finishFailed(ctx, id, err)
		return false
	}

	name := fmt.Sprintf("m%02d_%s", j.seg.Index,
		FileName(j.task.NVRIP, j.seg.StartTS, j.seg.EndTS, j.task.ChannelCode))
	outPath, err := OutputPath(j.task.Date, name)
	if err != nil {
		f.finishFailed(ctx, id, err)
		return false
	}

	if err := f.grabber.Grab(ctx, url, outPath); err != nil {
		f.finishFailed(ctx, id, err)
		return false
	}

	if err := f.minutes.Finish(ctx, id, data.MinuteStatusCompleted, outPath, nil); err != nil {
		log.Printf("[ERROR] [minutefill] finish minute %d: %v", id, err)
		return false
	}
	metrics.MinuteFillTotal.WithLabelValues("ok").Inc()
	return true
}

func (f *MinuteFiller) finishFailed(ctx context.Context, id int64, cause error) {
	metrics.MinuteFillTotal.WithLabelValues("failed").Inc()
	msg := cause.Error()
	if err := f.minutes.Finish(ctx, id, data.MinuteStatusFailed, "", &msg); err != nil {
		log.Printf("[ERROR] [minutefill] record failure for minute %d: %v", id, err)
	}
}
