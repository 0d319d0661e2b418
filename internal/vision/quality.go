package vision

import (
	"math"
	"time"

	"github.com/technosupport/ts-parkops/internal/config"
)

// Interference levels.
const (
	InterferenceLow    = "low"
	InterferenceNormal = "normal"
	InterferenceHigh   = "high"
)

// Weather categories.
const (
	WeatherSunny  = "sunny"
	WeatherCloudy = "cloudy"
	WeatherRainy  = "rainy"
	WeatherFoggy  = "foggy"
)

// Day/night categories.
const (
	Day   = "day"
	Night = "night"
)

// Quality is the per-frame assessment every decision in the state engine
// reads.
type Quality struct {
	Brightness     float64 `json:"brightness"`
	Sharpness      float64 `json:"sharpness"`
	IsOverexposed  bool    `json:"is_overexposed"`
	IsUnderexposed bool    `json:"is_underexposed"`
	IsBlurry       bool    `json:"is_blurry"`
	Interference   string  `json:"interference_level"`
	Weather        string  `json:"weather"`
	DayNight       string  `json:"day_night"`
}

func (q Quality) IsDark() bool { return q.Brightness < 80 }

func (q Quality) BadWeather() bool {
	return q.Weather == WeatherRainy || q.Weather == WeatherFoggy || q.Weather == WeatherCloudy
}

// Assess categorizes one frame. When clockKnown is true the capture
// timestamp decides day/night; brightness is the fallback for frames with no
// trustworthy clock.
func Assess(stats Stats, cfg config.DetectionConfig, at time.Time, clockKnown bool) Quality {
	q := Quality{
		Brightness:     stats.Brightness,
		Sharpness:      stats.Sharpness,
		IsOverexposed:  stats.Brightness > cfg.BrightnessHigh,
		IsUnderexposed: stats.Brightness < cfg.BrightnessLow,
		IsBlurry:       stats.Sharpness < cfg.ClarityThreshold,
	}

	switch {
	case q.IsOverexposed || q.IsUnderexposed || q.IsBlurry:
		q.Interference = InterferenceHigh
	case math.Abs(stats.Brightness-128) > 30 || stats.Sharpness < 1.5*cfg.ClarityThreshold:
		q.Interference = InterferenceNormal
	default:
		q.Interference = InterferenceLow
	}

	switch {
	case stats.Sharpness < 0.7*cfg.ClarityThreshold && stats.Contrast < 30 && stats.Saturation < 40:
		q.Weather = WeatherFoggy
	case stats.Brightness < 100 && stats.HighlightRatio > 0.05 && stats.Contrast < 40:
		q.Weather = WeatherRainy
	case stats.Brightness < 120 && stats.Contrast >= 30 && stats.Contrast <= 50 && stats.Saturation < 60:
		q.Weather = WeatherCloudy
	default:
		q.Weather = WeatherSunny
	}

	if clockKnown {
		hour := at.Hour()
		if hour >= 6 && hour < 18 {
			q.DayNight = Day
		} else {
			q.DayNight = Night
		}
	} else if stats.Brightness >= 100 {
		q.DayNight = Day
	} else {
		q.DayNight = Night
	}

	return q
}

// UnreadableQuality is the assessment recorded when a frame cannot be
// decoded at all.
func UnreadableQuality() Quality {
	return Quality{
		IsBlurry:     true,
		Interference: InterferenceHigh,
		Weather:      WeatherSunny,
		DayNight:     Night,
	}
}
