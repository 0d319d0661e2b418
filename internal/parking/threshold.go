package parking

import (
	"math"
	"time"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/vision"
)

const minSimilarityThreshold = 0.50

// ThresholdInput carries everything the dynamic same-car threshold looks at.
// PrevQuality may be nil when the prior frame's assessment was not recorded.
type ThresholdInput struct {
	Now         time.Time
	PrevTime    time.Time
	Quality     vision.Quality
	PrevQuality *vision.Quality
}

// gapKnown is false when the prior frame's capture time was not recorded;
// the interval-based bases don't apply then.
func (in ThresholdInput) gap() (seconds float64, known bool) {
	if in.PrevTime.IsZero() {
		return 0, false
	}
	return in.Now.Sub(in.PrevTime).Seconds(), true
}

func (in ThresholdInput) crossDay() bool {
	gap, known := in.gap()
	return known && gap > 86400
}

func (in ThresholdInput) shortInterval(cfg config.DetectionConfig) bool {
	gap, known := in.gap()
	return known && gap < float64(cfg.ShortIntervalSeconds)
}

// SimilarityThreshold computes the dynamic same-car threshold T. Short
// intervals and cross-day comparisons use their dedicated bases and skip the
// condition multipliers; everything else starts from the same-day base and is
// relaxed for hour of day, darkness, blur, and weather. Worse conditions can
// only lower T, and T never drops below 0.50.
func SimilarityThreshold(in ThresholdInput, cfg config.DetectionConfig) float64 {
	if in.shortInterval(cfg) {
		return math.Max(minSimilarityThreshold, cfg.ShortIntervalThreshold)
	}
	if in.crossDay() {
		return math.Max(minSimilarityThreshold, cfg.CrossDayThreshold)
	}

	t := cfg.SameDayThreshold

	switch hour := in.Now.Hour(); {
	case hour < 6:
		t *= 0.85
	case hour < 18:
		// daytime, no adjustment
	case hour < 20:
		t *= 0.90
	default:
		t *= 0.80
	}

	switch {
	case in.Quality.Brightness < 50:
		t *= 0.85
	case in.Quality.Brightness < 80:
		t *= 0.90
	}

	if in.Quality.Sharpness < cfg.ClarityThreshold {
		t *= 0.90
	}

	switch in.Quality.Weather {
	case vision.WeatherRainy:
		t *= 0.85
	case vision.WeatherFoggy:
		t *= 0.80
	case vision.WeatherCloudy:
		t *= 0.90
	}

	if in.PrevQuality != nil {
		if in.Quality.IsDark() && in.PrevQuality.IsDark() {
			t *= 0.95
		}
		if severeWeather(in.Quality.Weather) && severeWeather(in.PrevQuality.Weather) {
			t *= 0.95
		}
	}

	return math.Max(minSimilarityThreshold, t)
}

func severeWeather(w string) bool {
	return w == vision.WeatherRainy || w == vision.WeatherFoggy
}
