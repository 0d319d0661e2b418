package parking

import (
	"image"
	"math"
	"time"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/vision"
)

// PriorState is the stall's last recorded observation, reconstructed from the
// previous ParkingChange row and its screenshot.
type PriorState struct {
	Occupied   bool
	Confidence float64
	Features   *vision.Features
	Quality    *vision.Quality
	Box        image.Rectangle
	HasBox     bool
	At         time.Time
}

// Decision is the engine's verdict for one stall on one frame.
type Decision struct {
	Occupied   bool
	Confidence float64
	Change     *string // data.ChangeArrive, data.ChangeLeave, or nil
}

func changeRef(t string) *string { return &t }

// Decide applies the state rules for one stall. prior is nil for the first
// observation of a stall; recent holds earlier occupancy states newest-first
// and is only consulted when the state lock is enabled.
//
// The guiding principle throughout: a single bad frame must never fabricate
// an event. Arrivals need a confident detection; departures can be vetoed by
// interference or the state lock; a swapped vehicle updates features without
// emitting anything.
func Decide(cur StallState, prior *PriorState, q vision.Quality, now time.Time, recent []bool, cfg config.DetectionConfig) Decision {
	// Rule 1: no usable history. Record the state, never emit arrive; the
	// first frame cannot distinguish "just arrived" from "parked all along".
	if prior == nil {
		if cur.Occupied {
			return Decision{Occupied: true, Confidence: 0.8}
		}
		return Decision{}
	}

	// Rule 2 and 3: stall reads empty.
	if !cur.Occupied {
		if !prior.Occupied {
			return Decision{}
		}
		if cfg.StateLockEnabled && lockVeto(recent, cfg) {
			return Decision{Occupied: true, Confidence: 0.5}
		}
		if q.Interference == vision.InterferenceHigh && cfg.HighRobustnessMode {
			return Decision{Occupied: true, Confidence: prior.Confidence / 2}
		}
		return Decision{Change: changeRef(data.ChangeLeave)}
	}

	// Rule 4: stall reads occupied. Gate on detector confidence first; the
	// gate relaxes in the dark where legitimate detections score lower.
	gate := cfg.MinYoloConfForChange
	if q.IsDark() {
		gate = math.Max(0.40, cfg.MinYoloConfForChange*0.8)
	}
	if cur.Confidence < gate {
		if prior.Occupied {
			return Decision{Occupied: true, Confidence: cur.Confidence}
		}
		return Decision{Occupied: false, Confidence: cur.Confidence}
	}

	if !prior.Occupied {
		conf := 0.6
		if cur.Features != nil {
			conf = 0.8
		}
		return Decision{Occupied: true, Confidence: conf, Change: changeRef(data.ChangeArrive)}
	}

	// Occupied before and after. Without features on both sides there is
	// nothing to compare; hold the state at reduced confidence.
	if cur.Features == nil || prior.Features == nil {
		return Decision{Occupied: true, Confidence: 0.6}
	}

	s := Similarity(*cur.Features, *prior.Features)
	t := SimilarityThreshold(ThresholdInput{
		Now:         now,
		PrevTime:    prior.At,
		Quality:     q,
		PrevQuality: prior.Quality,
	}, cfg)

	if s >= t {
		return Decision{Occupied: true, Confidence: s}
	}

	// Continuation protection: near-threshold similarity with the vehicle
	// essentially where it was moments ago is the same car, not a swap.
	margin := cfg.StateContinuationMargin
	if q.IsDark() {
		margin *= 1.5
	}
	dt := now.Sub(prior.At).Seconds()
	timeOK := !prior.At.IsZero() && dt >= 0 && dt <= cfg.StateContinuationTime
	posOK := false
	if prior.HasBox && cur.Space != nil {
		posOK = centerShift(cur.Box, prior.Box, cur.Space.Region.W) < cfg.StateContinuationPos
	}
	if timeOK && posOK && s >= t-margin {
		return Decision{Occupied: true, Confidence: s}
	}

	// Vehicle swap. The stall stayed occupied throughout, so no arrive; the
	// caller persists the new features and the next frame compares against
	// the new vehicle.
	return Decision{Occupied: true, Confidence: s}
}

// lockVeto reports whether the state lock blocks a leave right now. The lock
// engages once the last StateLockFrames observations were all occupied, and
// releases only after StateUnlockFrames consecutive empty observations.
func lockVeto(recent []bool, cfg config.DetectionConfig) bool {
	emptyStreak := 0
	for _, occ := range recent {
		if occ {
			break
		}
		emptyStreak++
	}
	if emptyStreak >= cfg.StateUnlockFrames {
		return false
	}

	rest := recent[emptyStreak:]
	if len(rest) < cfg.StateLockFrames {
		return false
	}
	for i := 0; i < cfg.StateLockFrames; i++ {
		if !rest[i] {
			return false
		}
	}
	return true
}
