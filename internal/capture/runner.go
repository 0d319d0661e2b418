package capture

import (
	"context"
	"log"
	"sync"
	"time"
)

// Loop intervals. The pending runner is tight so fresh provisioning starts
// within seconds; retries and minute fill are slow housekeeping.
const (
	pendingInterval    = 5 * time.Second
	retryInterval      = time.Hour
	minuteFillInterval = 2 * time.Minute
)

// Runner drives the capture background loops: the pending-combo sweep, the
// failed-task retry sweep, and the minute back-fill scan.
type Runner struct {
	scheduler *Scheduler
	filler    *MinuteFiller

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

func NewRunner(scheduler *Scheduler, filler *MinuteFiller) *Runner {
	return &Runner{
		scheduler: scheduler,
		filler:    filler,
		stopChan:  make(chan struct{}),
	}
}

func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.wg.Add(3)
	go r.pendingLoop(ctx)
	go r.retryLoop(ctx)
	go r.minuteLoop(ctx)
	log.Println("[INFO] [capture] background loops started")
}

func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
	r.started = false
	log.Println("[INFO] [capture] background loops stopped")
}

func (r *Runner) pendingLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pendingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.scheduler.PendingSweep(ctx); err != nil {
				log.Printf("[ERROR] [capture] pending sweep: %v", err)
			}
		}
	}
}

func (r *Runner) retryLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.scheduler.RetryFailed(ctx)
			if err != nil {
				log.Printf("[ERROR] [capture] retry sweep: %v", err)
			} else if n > 0 {
				log.Printf("[INFO] [capture] retried %d failed tasks", n)
			}
		}
	}
}

// minuteLoop also runs once shortly after startup so a restart resumes
// back-fill without waiting a full period.
func (r *Runner) minuteLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(minuteFillInterval)
	defer ticker.Stop()

	startup := time.NewTimer(10 * time.Second)
	defer startup.Stop()

	run := func() {
		// Close stale batches first so their slices become candidates.
		if err := r.scheduler.ReconcileStatuses(ctx); err != nil {
			log.Printf("[ERROR] [minutefill] reconcile: %v", err)
		}
		if _, err := r.filler.FillOnce(ctx); err != nil && err != context.Canceled {
			log.Printf("[ERROR] [minutefill] sweep: %v", err)
		}
	}

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-startup.C:
			run()
		case <-ticker.C:
			run()
		}
	}
}
