// Package health keeps the nvr_configs status column honest: every enabled
// NVR is probed over RTSP on an interval and the outcome lands on the row
// and on a per-IP gauge.
package health

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/technosupport/ts-parkops/internal/capture"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/metrics"
)

// NVRStore is the slice of the NVR model the monitor needs.
type NVRStore interface {
	List(ctx context.Context, enabledOnly bool) ([]*data.NVRConfig, error)
	SetHealth(ctx context.Context, id int64, status string) error
}

// ProbeFunc matches capture.ProbeNVR. Swappable in tests.
type ProbeFunc func(ctx context.Context, host string, port int, timeout time.Duration) (string, error)

type Config struct {
	Interval     time.Duration
	Workers      int
	ProbeTimeout time.Duration
}

type Monitor struct {
	cfg   Config
	store NVRStore
	probe ProbeFunc

	quit chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	started bool
}

func NewMonitor(store NVRStore, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		cfg:   cfg,
		store: store,
		probe: capture.ProbeNVR,
		quit:  make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	log.Printf("[INFO] [health] nvr monitor started (interval=%s workers=%d)", m.cfg.Interval, m.cfg.Workers)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.quit)
	m.wg.Wait()
	log.Printf("[INFO] [health] nvr monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	jobs := make(chan *data.NVRConfig, m.cfg.Workers*2)
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(jobs)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.dispatch(jobs)
	for {
		select {
		case <-ticker.C:
			m.dispatch(jobs)
		case <-m.quit:
			close(jobs)
			return
		}
	}
}

func (m *Monitor) worker(jobs <-chan *data.NVRConfig) {
	defer m.wg.Done()
	for n := range jobs {
		// Jitter spreads the RTSP handshakes out over the tick.
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout+5*time.Second)
		m.checkOne(ctx, n)
		cancel()
	}
}

func (m *Monitor) dispatch(jobs chan<- *data.NVRConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nvrs, err := m.store.List(ctx, true)
	if err != nil {
		log.Printf("[ERROR] [health] list nvrs: %v", err)
		return
	}
	for _, n := range nvrs {
		select {
		case jobs <- n:
		default:
			log.Printf("[WARN] [health] probe queue full, skipping %s this round", n.NVRIP)
		}
	}
}

// CheckOnce probes every enabled NVR synchronously. Used at startup and by
// the on-demand health endpoint.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	nvrs, err := m.store.List(ctx, true)
	if err != nil {
		return err
	}
	for _, n := range nvrs {
		m.checkOne(ctx, n)
	}
	return nil
}

func (m *Monitor) checkOne(ctx context.Context, n *data.NVRConfig) {
	status, err := m.probe(ctx, n.NVRIP, n.NVRPort, m.cfg.ProbeTimeout)

	up := 0.0
	if status == capture.ProbeOnline || status == capture.ProbeAuthFailed {
		up = 1.0
	}
	metrics.NVRProbeStatus.WithLabelValues(n.NVRIP).Set(up)

	if status != n.Status {
		if up == 1.0 {
			log.Printf("[INFO] [health] nvr %s is %s (was %s)", n.NVRIP, status, n.Status)
		} else {
			log.Printf("[WARN] [health] nvr %s is %s (was %s): %v", n.NVRIP, status, n.Status, err)
		}
	}

	if err := m.store.SetHealth(ctx, n.ID, status); err != nil {
		log.Printf("[ERROR] [health] record status for nvr %s: %v", n.NVRIP, err)
	}
}

// Summary aggregates the persisted statuses for the health endpoint. It
// reads what the last sweep wrote rather than probing inline.
type Summary struct {
	Total     int            `json:"total"`
	Online    int            `json:"online"`
	ByStatus  map[string]int `json:"by_status"`
	CheckedAt *time.Time     `json:"last_checked_at,omitempty"`
}

func (m *Monitor) Summary(ctx context.Context) (*Summary, error) {
	nvrs, err := m.store.List(ctx, false)
	if err != nil {
		return nil, err
	}
	s := &Summary{ByStatus: map[string]int{}}
	for _, n := range nvrs {
		s.Total++
		s.ByStatus[n.Status]++
		if n.Status == capture.ProbeOnline {
			s.Online++
		}
		if n.LastCheckedAt != nil && (s.CheckedAt == nil || n.LastCheckedAt.After(*s.CheckedAt)) {
			s.CheckedAt = n.LastCheckedAt
		}
	}
	return s, nil
}
