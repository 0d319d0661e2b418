package parking

import (
	"math"

	"github.com/technosupport/ts-parkops/internal/vision"
)

// Similarity scores two appearance vectors in [0,1]. Color carries most of
// the weight; in low-light frames the histograms collapse toward zero, so the
// weights shift further onto color and away from the geometry terms, which
// are the least stable at night.
func Similarity(cur, prev vision.Features) float64 {
	distHue := hellinger(cur.HueHist, prev.HueHist)
	distSat := hellinger(cur.SatHist, prev.SatHist)
	colorScore := 1 - (distHue+distSat)/2

	maxAspect := math.Max(cur.Aspect, math.Max(prev.Aspect, 1e-6))
	aspectScore := 1 - math.Min(1, math.Abs(cur.Aspect-prev.Aspect)/maxAspect)

	wiperScore := 0.5
	if cur.HasRearWiper == prev.HasRearWiper {
		wiperScore = 1.0
	}

	wc, wa, ww := 0.60, 0.30, 0.10
	if cur.LowEnergy() || prev.LowEnergy() {
		wc, wa, ww = 0.70, 0.20, 0.10
	}

	s := wc*colorScore + wa*aspectScore + ww*wiperScore
	return math.Max(0, math.Min(1, s))
}

// hellinger is the Hellinger distance between two histograms, in [0,1].
func hellinger(p, q []float64) float64 {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := math.Sqrt(p[i]+1e-10) - math.Sqrt(q[i]+1e-10)
		sum += d * d
	}
	return math.Sqrt(sum) / math.Sqrt2
}
