package parking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/metrics"
	"github.com/technosupport/ts-parkops/internal/platform/paths"
	"github.com/technosupport/ts-parkops/internal/vision"
)

const pollInterval = 5 * time.Second

// Detector runs one frame through the vehicle detector.
type Detector interface {
	Detect(ctx context.Context, img image.Image, quality vision.Quality) ([]vision.Detection, error)
}

// LotResolver maps a captured task back to its channel and stalls.
type LotResolver interface {
	ResolveLot(ctx context.Context, nvrIP, channelCode string) (*data.ChannelLot, error)
	ListStalls(ctx context.Context, channelConfigID int64) ([]*data.ParkingSpace, error)
}

// Publisher pushes confirmed transitions to downstream consumers.
type Publisher interface {
	PublishChange(lot *data.ChannelLot, change *data.ParkingChange) error
}

// storedObservation is the payload persisted into vehicle_features: the
// appearance vector plus the frame context the next comparison needs.
type storedObservation struct {
	Features *vision.Features `json:"features,omitempty"`
	Quality  *vision.Quality  `json:"quality,omitempty"`
	Box      *[4]int          `json:"box,omitempty"`
}

// Worker drains the screenshot detection queue: claim a batch, run the
// vision pipeline per frame, and persist each frame's stall states plus any
// transitions in a single transaction.
type Worker struct {
	cfg      config.DetectionConfig
	db       *sql.DB
	detector Detector
	lots     LotResolver
	pub      Publisher

	cursor int64 // backfill sweep position, resets after a full pass

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

func NewWorker(db *sql.DB, cfg config.DetectionConfig, detector Detector, lots LotResolver, pub Publisher) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 50
	}
	return &Worker{
		cfg:      cfg,
		db:       db,
		detector: detector,
		lots:     lots,
		pub:      pub,
		stopChan: make(chan struct{}),
	}
}

func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		log.Printf("[INFO] [parking] change worker started (batch=%d)", w.cfg.BatchSize)
		for {
			select {
			case <-w.stopChan:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if _, err := w.RunOnce(ctx); err != nil {
					log.Printf("[ERROR] [parking] detection cycle: %v", err)
				}
				cancel()
			}
		}
	}()
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	log.Printf("[INFO] [parking] change worker stopped")
}

// RunOnce performs one cycle: re-enqueue a slice of legacy screenshots, then
// claim and process up to one batch of pending ones. Returns the number of
// screenshots that finished as done.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	shots := data.ScreenshotModel{DB: w.db}

	cursor, marked, err := shots.MarkBackfillPending(ctx, w.cursor, w.cfg.BackfillLimit)
	if err != nil {
		log.Printf("[WARN] [parking] backfill sweep: %v", err)
	} else {
		w.cursor = cursor
		if marked > 0 {
			log.Printf("[INFO] [parking] backfill re-enqueued %d screenshots (cursor=%d)", marked, cursor)
		} else {
			w.cursor = 0
		}
	}

	if depth, err := shots.CountByStatus(ctx, data.ShotStatusPending); err == nil {
		metrics.ChangeQueueDepth.Set(float64(depth))
	}

	claimed, err := shots.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim pending screenshots: %w", err)
	}

	processed := 0
	for _, shot := range claimed {
		if ctx.Err() != nil {
			// Claimed rows left in processing are re-marked by the
			// backfill sweep; don't fail them for a shutdown.
			break
		}
		if err := w.processScreenshot(ctx, shot); err != nil {
			msg := err.Error()
			if len(msg) > 500 {
				msg = msg[:500]
			}
			if serr := shots.SetStatus(ctx, shot.ID, data.ShotStatusFailed, &msg); serr != nil {
				log.Printf("[ERROR] [parking] mark screenshot %d failed: %v", shot.ID, serr)
			}
			metrics.DetectorRunsTotal.WithLabelValues("failed").Inc()
			log.Printf("[ERROR] [parking] screenshot %d: %v", shot.ID, err)
			continue
		}
		metrics.DetectorRunsTotal.WithLabelValues("done").Inc()
		processed++
	}
	return processed, nil
}

func (w *Worker) processScreenshot(ctx context.Context, shot *data.Screenshot) error {
	shots := data.ScreenshotModel{DB: w.db}
	tasks := data.TaskModel{DB: w.db}

	task, err := tasks.GetByID(ctx, shot.TaskID)
	if err != nil {
		return fmt.Errorf("task %d: %w", shot.TaskID, err)
	}

	lot, err := w.lots.ResolveLot(ctx, task.NVRIP, task.ChannelCode)
	if errors.Is(err, data.ErrRecordNotFound) {
		// Nothing is mapped for this channel; the frame is analyzed-by-definition.
		log.Printf("[WARN] [parking] screenshot %d: no channel config for %s/%s", shot.ID, task.NVRIP, task.ChannelCode)
		return shots.SetStatus(ctx, shot.ID, data.ShotStatusDone, nil)
	}
	if err != nil {
		return fmt.Errorf("resolve lot: %w", err)
	}

	stalls, err := w.lots.ListStalls(ctx, lot.ID)
	if err != nil {
		return fmt.Errorf("list stalls: %w", err)
	}
	if len(stalls) == 0 {
		return shots.SetStatus(ctx, shot.ID, data.ShotStatusDone, nil)
	}

	imgPath := shot.FilePath
	if !filepath.IsAbs(imgPath) {
		imgPath = filepath.Join(paths.ScreenshotRoot(), imgPath)
	}
	img, err := vision.LoadImage(imgPath)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	stats := vision.ComputeStats(img)
	quality := vision.Assess(stats, w.cfg, shot.CreatedAt, !shot.CreatedAt.IsZero())

	dets, err := w.detector.Detect(ctx, img, quality)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}

	states := MatchStalls(img, stalls, dets, quality, w.cfg)

	if w.cfg.DrawOverlays {
		w.writeOverlay(imgPath, img, states)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	changes := data.ChangeModel{DB: tx}
	snapshots := data.SnapshotModel{DB: tx}
	txShots := data.ScreenshotModel{DB: tx}

	now := shot.CreatedAt
	changed := 0
	var emitted []*data.ParkingChange

	for _, st := range states {
		// Delayed confirmation: a stall that reads occupied now disproves a
		// leave recorded a few minutes ago on the same channel and stall.
		if st.Occupied {
			if err := w.revokeFalseLeave(ctx, changes, snapshots, lot.ID, st.Space.ID, st.Space.SpaceName, shot.ID, now); err != nil {
				return err
			}
		}

		prior, err := w.priorState(ctx, changes, lot.ID, st.Space.ID, now)
		if err != nil {
			return err
		}

		var recent []bool
		if w.cfg.StateLockEnabled && !st.Occupied && prior != nil && prior.Occupied {
			recent, err = changes.RecentStates(ctx, lot.ID, st.Space.ID, now,
				w.cfg.StateLockFrames+w.cfg.StateUnlockFrames+1)
			if err != nil {
				return fmt.Errorf("recent states: %w", err)
			}
		}

		dec := Decide(st, prior, quality, now, recent, w.cfg)

		row := &data.ParkingChange{
			TaskID:          task.ID,
			ScreenshotID:    shot.ID,
			ChannelConfigID: lot.ID,
			SpaceID:         st.Space.ID,
			SpaceName:       st.Space.SpaceName,
			CurrOccupied:    dec.Occupied,
			ChangeType:      dec.Change,
			DetectedAt:      now,
		}
		if prior != nil {
			occ := prior.Occupied
			row.PrevOccupied = &occ
		}
		if dec.Confidence > 0 {
			conf := dec.Confidence
			row.DetectionConfidence = &conf
		}
		row.VehicleFeatures = w.encodeObservation(st, quality)

		if err := changes.Insert(ctx, row); err != nil {
			return fmt.Errorf("insert change: %w", err)
		}
		if dec.Change != nil {
			changed++
			metrics.ChangesTotal.WithLabelValues(*dec.Change).Inc()
			emitted = append(emitted, row)
			log.Printf("[INFO] [parking] %s/%s stall %s: %s (conf=%.2f)",
				task.NVRIP, task.ChannelCode, st.Space.SpaceName, *dec.Change, dec.Confidence)
		}
	}

	// Every frame records all stall states; only frames with at least one
	// transition get a snapshot, so the review list shows changes only.
	if changed > 0 {
		channelID := lot.ID
		snap := &data.ParkingChangeSnapshot{
			TaskID:          task.ID,
			ScreenshotID:    shot.ID,
			ChannelConfigID: &channelID,
			NVRIP:           task.NVRIP,
			ChannelCode:     task.ChannelCode,
			ParkingName:     lot.ParkingName,
			ChangeCount:     changed,
			DetectedAt:      now,
		}
		if err := snapshots.Insert(ctx, snap); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}

	if err := txShots.SetStatus(ctx, shot.ID, data.ShotStatusDone, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if w.pub != nil {
		for _, c := range emitted {
			if err := w.pub.PublishChange(lot, c); err != nil {
				log.Printf("[WARN] [parking] publish change for stall %s: %v", c.SpaceName, err)
			}
		}
	}
	return nil
}

// priorState loads the stall's last observation. A gap over MaxTimeGapSec
// means frames in between were skipped, so the comparison would lie; treat
// that as no history.
func (w *Worker) priorState(ctx context.Context, changes data.ChangeModel, channelID, spaceID int64, now time.Time) (*PriorState, error) {
	obs, err := changes.PrevObservationFor(ctx, channelID, spaceID, now)
	if errors.Is(err, data.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prior state: %w", err)
	}
	if now.Sub(obs.ScreenshotCreatedAt) > time.Duration(w.cfg.MaxTimeGapSec)*time.Second {
		return nil, nil
	}

	p := &PriorState{
		Occupied: obs.Change.CurrOccupied,
		At:       obs.ScreenshotCreatedAt,
	}
	if obs.Change.DetectionConfidence != nil {
		p.Confidence = *obs.Change.DetectionConfidence
	}
	if len(obs.Change.VehicleFeatures) > 0 {
		var stored storedObservation
		if err := json.Unmarshal(obs.Change.VehicleFeatures, &stored); err == nil {
			p.Features = stored.Features
			p.Quality = stored.Quality
			if stored.Box != nil {
				b := *stored.Box
				p.Box = image.Rect(b[0], b[1], b[2], b[3])
				p.HasBox = true
			}
		}
	}
	return p, nil
}

func (w *Worker) revokeFalseLeave(ctx context.Context, changes data.ChangeModel, snapshots data.SnapshotModel, channelID, spaceID int64, spaceName string, screenshotID int64, now time.Time) error {
	tmin := now.Add(-time.Duration(w.cfg.FalseLeaveWindowMaxMin) * time.Minute)
	tmax := now.Add(-time.Duration(w.cfg.FalseLeaveWindowMinMin) * time.Minute)

	leave, err := changes.FindRevocableLeave(ctx, channelID, spaceID, screenshotID, tmin, tmax)
	if errors.Is(err, data.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find revocable leave: %w", err)
	}

	if err := changes.RevokeLeave(ctx, leave.ID); err != nil {
		return fmt.Errorf("revoke leave %d: %w", leave.ID, err)
	}
	if err := snapshots.DecrementCount(ctx, leave.ScreenshotID); err != nil {
		return fmt.Errorf("decrement snapshot for screenshot %d: %w", leave.ScreenshotID, err)
	}
	metrics.ChangesTotal.WithLabelValues("revoked").Inc()
	log.Printf("[INFO] [parking] revoked false leave %d on stall %s (screenshot %d)", leave.ID, spaceName, leave.ScreenshotID)
	return nil
}

func (w *Worker) encodeObservation(st StallState, quality vision.Quality) json.RawMessage {
	stored := storedObservation{Features: st.Features, Quality: &quality}
	if st.Occupied {
		stored.Box = &[4]int{st.Box.Min.X, st.Box.Min.Y, st.Box.Max.X, st.Box.Max.Y}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil
	}
	return raw
}

// writeOverlay saves the annotated review image next to the screenshot. Best
// effort; a failed overlay never fails the detection run.
func (w *Worker) writeOverlay(imgPath string, img image.Image, states []StallState) {
	boxes := make([]image.Rectangle, 0, len(states))
	for _, st := range states {
		boxes = append(boxes, st.Box)
	}
	annotated := vision.DrawBoxes(img, boxes)

	ext := filepath.Ext(imgPath)
	out := strings.TrimSuffix(imgPath, ext) + "_detected" + ext
	if err := vision.SaveJPEG(out, annotated); err != nil {
		log.Printf("[WARN] [parking] write overlay %s: %v", out, err)
	}
}
