// Package parking turns per-frame vehicle detections into stall occupancy
// and arrive/leave transitions. The matcher assigns detections to stalls,
// the re-identification stage compares appearance vectors, and the decision
// engine emits the transitions the ops surface shows.
package parking

import (
	"image"
	"math"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/vision"
)

// A detection counts as inside a stall once boxes overlap this much.
const minStallIoU = 0.3

func stallBox(r data.Rect) image.Rectangle {
	return image.Rect(r.X1(), r.Y1(), r.X2(), r.Y2())
}

// IoU is intersection over union of two axis-aligned boxes.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx()) * float64(inter.Dy())
	union := float64(a.Dx())*float64(a.Dy()) + float64(b.Dx())*float64(b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// StallState is one stall's raw match result for a single frame, before the
// decision engine has looked at history.
type StallState struct {
	Space      *data.ParkingSpace
	Occupied   bool
	Confidence float64
	Box        image.Rectangle // matched vehicle box; the stall region when empty
	Features   *vision.Features
}

// MatchStalls picks the best-overlapping detection per stall. A stall is
// occupied only when the overlap clears minStallIoU and the detection clears
// the day or night confidence floor.
func MatchStalls(img image.Image, spaces []*data.ParkingSpace, dets []vision.Detection, q vision.Quality, cfg config.DetectionConfig) []StallState {
	minConf := cfg.MinMatchConfDay
	if q.DayNight == vision.Night {
		minConf = cfg.MinMatchConfNight
	}

	out := make([]StallState, 0, len(spaces))
	for _, sp := range spaces {
		region := stallBox(sp.Region)
		state := StallState{Space: sp, Box: region}

		bestIoU := 0.0
		var best *vision.Detection
		for i := range dets {
			if iou := IoU(region, dets[i].Box()); iou > bestIoU {
				bestIoU = iou
				best = &dets[i]
			}
		}

		if best != nil && bestIoU >= minStallIoU && best.Confidence >= minConf {
			state.Occupied = true
			state.Confidence = best.Confidence
			state.Box = best.Box()
			if img != nil {
				f := vision.ExtractFeatures(img, best.Box())
				state.Features = &f
			}
		}
		out = append(out, state)
	}
	return out
}

// centerShift is the distance between two box centers as a fraction of the
// stall width. Feeds the state-continuation check.
func centerShift(cur, prev image.Rectangle, stallWidth int) float64 {
	if stallWidth <= 0 {
		return 1
	}
	cx := float64(cur.Min.X+cur.Max.X) / 2
	cy := float64(cur.Min.Y+cur.Max.Y) / 2
	px := float64(prev.Min.X+prev.Max.X) / 2
	py := float64(prev.Min.Y+prev.Max.Y) / 2
	dx, dy := cx-px, cy-py
	return math.Hypot(dx, dy) / float64(stallWidth)
}
