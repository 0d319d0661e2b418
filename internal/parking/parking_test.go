package parking

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/vision"
)

func testCfg() config.DetectionConfig {
	return config.Default().Detection
}

// carFeatures builds a saturated appearance vector with all hue mass in one
// bin, far enough up the saturation axis to not read as low energy.
func carFeatures(hueBin int, aspect float64, wiper bool) vision.Features {
	f := vision.Features{
		HueHist:      make([]float64, 32),
		SatHist:      make([]float64, 32),
		Aspect:       aspect,
		HasRearWiper: wiper,
	}
	f.HueHist[hueBin] = 1
	f.SatHist[20] = 1
	return f
}

func goodQuality() vision.Quality {
	return vision.Quality{
		Brightness:   150,
		Sharpness:    400,
		Interference: vision.InterferenceLow,
		Weather:      vision.WeatherSunny,
		DayNight:     vision.Day,
	}
}

func stall(id int64, name string, r data.Rect) *data.ParkingSpace {
	return &data.ParkingSpace{ID: id, SpaceName: name, Region: r, IsEnabled: true}
}

func TestIoU(t *testing.T) {
	a := image.Rect(0, 0, 100, 100)
	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.Equal(t, 0.0, IoU(a, image.Rect(200, 200, 300, 300)))

	b := image.Rect(50, 0, 150, 100)
	assert.InDelta(t, 5000.0/15000.0, IoU(a, b), 1e-9)
}

func TestMatchStallsConfidenceFloors(t *testing.T) {
	cfg := testCfg()
	spaces := []*data.ParkingSpace{stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100})}
	dets := []vision.Detection{{X1: 10, Y1: 10, X2: 90, Y2: 90, Confidence: 0.30, ClassID: 2}}

	day := MatchStalls(nil, spaces, dets, goodQuality(), cfg)
	require.Len(t, day, 1)
	assert.False(t, day[0].Occupied, "0.30 is below the 0.35 day floor")

	night := goodQuality()
	night.DayNight = vision.Night
	got := MatchStalls(nil, spaces, dets, night, cfg)
	assert.True(t, got[0].Occupied, "0.30 clears the 0.25 night floor")
	assert.Equal(t, image.Rect(10, 10, 90, 90), got[0].Box)
}

func TestMatchStallsRequiresOverlap(t *testing.T) {
	cfg := testCfg()
	spaces := []*data.ParkingSpace{stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100})}
	dets := []vision.Detection{{X1: 95, Y1: 95, X2: 200, Y2: 200, Confidence: 0.9, ClassID: 2}}

	got := MatchStalls(nil, spaces, dets, goodQuality(), cfg)
	assert.False(t, got[0].Occupied)
	assert.Equal(t, image.Rect(0, 0, 100, 100), got[0].Box, "empty stall keeps its region as the box")
}

func TestSimilarityIdenticalAndDisjoint(t *testing.T) {
	a := carFeatures(0, 1.8, true)
	assert.InDelta(t, 1.0, Similarity(a, a), 1e-6)

	b := carFeatures(16, 1.8, true)
	b.SatHist = make([]float64, 32)
	b.SatHist[28] = 1
	s := Similarity(a, b)
	assert.Less(t, s, 0.5, "disjoint color histograms must read as different cars")
}

func TestSimilarityLowEnergyWeights(t *testing.T) {
	dark := vision.DefaultFeatures()
	bright := carFeatures(4, 1.8, false)
	// One side low energy shifts weight onto color, lowering the score for
	// a color mismatch relative to the standard weighting.
	s := Similarity(dark, bright)
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestSimilarityThresholdBases(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	short := ThresholdInput{Now: now, PrevTime: now.Add(-100 * time.Second), Quality: goodQuality()}
	assert.InDelta(t, 0.60, SimilarityThreshold(short, cfg), 1e-9)

	cross := ThresholdInput{Now: now, PrevTime: now.Add(-30 * time.Hour), Quality: goodQuality()}
	assert.InDelta(t, 0.65, SimilarityThreshold(cross, cfg), 1e-9)

	sameDay := ThresholdInput{Now: now, PrevTime: now.Add(-10 * time.Minute), Quality: goodQuality()}
	assert.InDelta(t, 0.70, SimilarityThreshold(sameDay, cfg), 1e-9)
}

func TestSimilarityThresholdClip(t *testing.T) {
	cfg := testCfg()
	night := time.Date(2026, 8, 25, 22, 0, 0, 0, time.UTC)
	bad := vision.Quality{Brightness: 30, Sharpness: 40, Weather: vision.WeatherFoggy, DayNight: vision.Night}
	in := ThresholdInput{Now: night, PrevTime: night.Add(-10 * time.Minute), Quality: bad, PrevQuality: &bad}
	assert.InDelta(t, 0.50, SimilarityThreshold(in, cfg), 1e-9)
}

// Worse conditions never raise the threshold.
func TestSimilarityThresholdMonotonic(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	prev := now.Add(-10 * time.Minute)

	base := SimilarityThreshold(ThresholdInput{Now: now, PrevTime: prev, Quality: goodQuality()}, cfg)

	degraded := []vision.Quality{
		{Brightness: 70, Sharpness: 400, Weather: vision.WeatherSunny},
		{Brightness: 40, Sharpness: 400, Weather: vision.WeatherSunny},
		{Brightness: 150, Sharpness: 50, Weather: vision.WeatherSunny},
		{Brightness: 150, Sharpness: 400, Weather: vision.WeatherCloudy},
		{Brightness: 150, Sharpness: 400, Weather: vision.WeatherRainy},
		{Brightness: 150, Sharpness: 400, Weather: vision.WeatherFoggy},
		{Brightness: 40, Sharpness: 50, Weather: vision.WeatherFoggy},
	}
	for i, q := range degraded {
		got := SimilarityThreshold(ThresholdInput{Now: now, PrevTime: prev, Quality: q}, cfg)
		assert.LessOrEqual(t, got, base, "degraded condition %d raised the threshold", i)
		assert.GreaterOrEqual(t, got, 0.50)
	}

	for _, hour := range []int{0, 3, 6, 12, 18, 19, 20, 23} {
		at := time.Date(2026, 8, 25, hour, 0, 0, 0, time.UTC)
		got := SimilarityThreshold(ThresholdInput{Now: at, PrevTime: at.Add(-10 * time.Minute), Quality: goodQuality()}, cfg)
		assert.LessOrEqual(t, got, base)
	}
}

func TestDecideNoHistoryNeverArrives(t *testing.T) {
	cfg := testCfg()
	f := carFeatures(2, 1.8, false)
	cur := StallState{
		Space:      stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100}),
		Occupied:   true,
		Confidence: 0.9,
		Features:   &f,
	}
	dec := Decide(cur, nil, goodQuality(), time.Now(), nil, cfg)
	assert.True(t, dec.Occupied)
	assert.InDelta(t, 0.8, dec.Confidence, 1e-9)
	assert.Nil(t, dec.Change, "first observation must not emit arrive")

	empty := StallState{Space: cur.Space}
	dec = Decide(empty, nil, goodQuality(), time.Now(), nil, cfg)
	assert.False(t, dec.Occupied)
	assert.Nil(t, dec.Change)
}

func TestDecideArriveOnPrevEmpty(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	f := carFeatures(2, 1.8, false)
	cur := StallState{
		Space:      stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100}),
		Occupied:   true,
		Confidence: 0.9,
		Box:        image.Rect(10, 10, 90, 90),
		Features:   &f,
	}
	prior := &PriorState{Occupied: false, At: now.Add(-10 * time.Minute)}

	dec := Decide(cur, prior, goodQuality(), now, nil, cfg)
	require.NotNil(t, dec.Change)
	assert.Equal(t, data.ChangeArrive, *dec.Change)
	assert.InDelta(t, 0.8, dec.Confidence, 1e-9)

	cur.Features = nil
	dec = Decide(cur, prior, goodQuality(), now, nil, cfg)
	require.NotNil(t, dec.Change)
	assert.InDelta(t, 0.6, dec.Confidence, 1e-9)
}

func TestDecideConfidenceGate(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	f := carFeatures(2, 1.8, false)
	cur := StallState{
		Space:      stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100}),
		Occupied:   true,
		Confidence: 0.45,
		Features:   &f,
	}

	prevEmpty := &PriorState{Occupied: false, At: now.Add(-10 * time.Minute)}
	dec := Decide(cur, prevEmpty, goodQuality(), now, nil, cfg)
	assert.False(t, dec.Occupied, "sub-gate detection must not flip an empty stall")
	assert.Nil(t, dec.Change)

	prevOccupied := &PriorState{Occupied: true, At: now.Add(-10 * time.Minute)}
	dec = Decide(cur, prevOccupied, goodQuality(), now, nil, cfg)
	assert.True(t, dec.Occupied, "sub-gate detection holds an occupied stall")
	assert.Nil(t, dec.Change)

	// The gate relaxes in the dark: 0.45 clears max(0.40, 0.8*0.50).
	dark := goodQuality()
	dark.Brightness = 60
	dec = Decide(cur, prevEmpty, dark, now, nil, cfg)
	require.NotNil(t, dec.Change)
	assert.Equal(t, data.ChangeArrive, *dec.Change)
}

func TestDecideVehicleSwapNoArrive(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	red := carFeatures(0, 1.8, false)
	blue := carFeatures(16, 1.8, false)
	blue.SatHist = make([]float64, 32)
	blue.SatHist[28] = 1

	cur := StallState{
		Space:      stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100}),
		Occupied:   true,
		Confidence: 0.9,
		Box:        image.Rect(10, 10, 90, 90),
		Features:   &blue,
	}
	prior := &PriorState{
		Occupied:   true,
		Confidence: 0.9,
		Features:   &red,
		At:         now.Add(-10 * time.Minute),
		Box:        image.Rect(10, 10, 90, 90),
		HasBox:     true,
	}

	dec := Decide(cur, prior, goodQuality(), now, nil, cfg)
	assert.True(t, dec.Occupied)
	assert.Nil(t, dec.Change, "a swap keeps the stall occupied without an arrive")
}

func TestDecideSameCarHolds(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	f := carFeatures(4, 1.8, true)
	cur := StallState{
		Space:      stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100}),
		Occupied:   true,
		Confidence: 0.9,
		Box:        image.Rect(10, 10, 90, 90),
		Features:   &f,
	}
	prior := &PriorState{
		Occupied: true,
		Features: &f,
		At:       now.Add(-10 * time.Minute),
		Box:      image.Rect(10, 10, 90, 90),
		HasBox:   true,
	}
	dec := Decide(cur, prior, goodQuality(), now, nil, cfg)
	assert.True(t, dec.Occupied)
	assert.Nil(t, dec.Change)
	assert.InDelta(t, 1.0, dec.Confidence, 1e-6)
}

func TestDecideContinuationProtection(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	f := carFeatures(4, 1.8, true)
	near := carFeatures(4, 1.8, false) // wiper flips, similarity dips just below T
	cur := StallState{
		Space:      stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100}),
		Occupied:   true,
		Confidence: 0.9,
		Box:        image.Rect(12, 10, 92, 90),
		Features:   &near,
	}
	prior := &PriorState{
		Occupied: true,
		Features: &f,
		At:       now.Add(-2 * time.Second),
		Box:      image.Rect(10, 10, 90, 90),
		HasBox:   true,
	}

	dec := Decide(cur, prior, goodQuality(), now, nil, cfg)
	assert.True(t, dec.Occupied)
	assert.Nil(t, dec.Change)

	// Push similarity under the short-interval base but inside the margin;
	// the tiny time gap and center shift keep it the same car.
	prior.Features = &vision.Features{
		HueHist:      splitHist(4, 12),
		SatHist:      near.SatHist,
		Aspect:       5.0,
		HasRearWiper: true,
	}
	s := Similarity(*cur.Features, *prior.Features)
	tShort := SimilarityThreshold(ThresholdInput{Now: now, PrevTime: prior.At, Quality: goodQuality()}, cfg)
	require.Less(t, s, tShort)
	require.GreaterOrEqual(t, s, tShort-cfg.StateContinuationMargin)

	dec = Decide(cur, prior, goodQuality(), now, nil, cfg)
	assert.True(t, dec.Occupied)
	assert.Nil(t, dec.Change)
	assert.InDelta(t, s, dec.Confidence, 1e-9)
}

func splitHist(bins ...int) []float64 {
	h := make([]float64, 32)
	for _, b := range bins {
		h[b] = 1 / float64(len(bins))
	}
	return h
}

func TestDecideLeaveAndVeto(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	empty := StallState{Space: stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100})}
	prior := &PriorState{Occupied: true, Confidence: 0.9, At: now.Add(-10 * time.Minute)}

	dec := Decide(empty, prior, goodQuality(), now, nil, cfg)
	require.NotNil(t, dec.Change)
	assert.Equal(t, data.ChangeLeave, *dec.Change)
	assert.False(t, dec.Occupied)

	foul := goodQuality()
	foul.Interference = vision.InterferenceHigh
	dec = Decide(empty, prior, foul, now, nil, cfg)
	assert.Nil(t, dec.Change, "high interference vetoes the leave")
	assert.True(t, dec.Occupied)
	assert.InDelta(t, 0.45, dec.Confidence, 1e-9)
}

func TestDecideStateLock(t *testing.T) {
	cfg := testCfg()
	cfg.StateLockEnabled = true
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	empty := StallState{Space: stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100})}
	prior := &PriorState{Occupied: true, Confidence: 0.9, At: now.Add(-10 * time.Minute)}

	locked := []bool{true, true, true}
	dec := Decide(empty, prior, goodQuality(), now, locked, cfg)
	assert.True(t, dec.Occupied, "locked stall holds through one empty frame")
	assert.Nil(t, dec.Change)

	unlocked := []bool{false, true, true, true}
	dec = Decide(empty, prior, goodQuality(), now, unlocked, cfg)
	require.NotNil(t, dec.Change)
	assert.Equal(t, data.ChangeLeave, *dec.Change)
}

func TestLockVeto(t *testing.T) {
	cfg := testCfg()
	assert.True(t, lockVeto([]bool{true, true, true}, cfg))
	assert.False(t, lockVeto([]bool{true, true}, cfg), "too little history")
	assert.False(t, lockVeto([]bool{true, false, true, true}, cfg), "broken occupied run")
	assert.False(t, lockVeto([]bool{false, true, true, true}, cfg), "unlock streak reached")
}

func TestDecideFeaturesMissingFallback(t *testing.T) {
	cfg := testCfg()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cur := StallState{
		Space:      stall(1, "A1", data.Rect{X: 0, Y: 0, W: 100, H: 100}),
		Occupied:   true,
		Confidence: 0.9,
	}
	prior := &PriorState{Occupied: true, Confidence: 0.9, At: now.Add(-10 * time.Minute)}

	dec := Decide(cur, prior, goodQuality(), now, nil, cfg)
	assert.True(t, dec.Occupied)
	assert.Nil(t, dec.Change)
	assert.InDelta(t, 0.6, dec.Confidence, 1e-9)
}
