package vision

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/technosupport/ts-parkops/internal/config"
)

func detectionDefaults() config.DetectionConfig {
	return config.Default().Detection
}

func uniformImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestAssessInterference(t *testing.T) {
	cfg := detectionDefaults()
	noon := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		stats Stats
		want  string
	}{
		{"overexposed", Stats{Brightness: 235, Sharpness: 400, Contrast: 60, Saturation: 80}, InterferenceHigh},
		{"underexposed", Stats{Brightness: 25, Sharpness: 400, Contrast: 60, Saturation: 80}, InterferenceHigh},
		{"blurry", Stats{Brightness: 128, Sharpness: 50, Contrast: 60, Saturation: 80}, InterferenceHigh},
		{"off_mean", Stats{Brightness: 170, Sharpness: 400, Contrast: 60, Saturation: 80}, InterferenceNormal},
		{"soft", Stats{Brightness: 128, Sharpness: 120, Contrast: 60, Saturation: 80}, InterferenceNormal},
		{"clean", Stats{Brightness: 130, Sharpness: 400, Contrast: 60, Saturation: 80}, InterferenceLow},
	}
	for _, tc := range cases {
		got := Assess(tc.stats, cfg, noon, true)
		if got.Interference != tc.want {
			t.Errorf("%s: interference = %s, want %s", tc.name, got.Interference, tc.want)
		}
	}
}

func TestAssessWeather(t *testing.T) {
	cfg := detectionDefaults()
	noon := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		stats Stats
		want  string
	}{
		{"foggy", Stats{Brightness: 140, Sharpness: 60, Contrast: 25, Saturation: 30}, WeatherFoggy},
		{"rainy", Stats{Brightness: 90, Sharpness: 300, Contrast: 35, Saturation: 70, HighlightRatio: 0.08}, WeatherRainy},
		{"cloudy", Stats{Brightness: 110, Sharpness: 300, Contrast: 40, Saturation: 50}, WeatherCloudy},
		{"sunny", Stats{Brightness: 160, Sharpness: 400, Contrast: 70, Saturation: 90}, WeatherSunny},
	}
	for _, tc := range cases {
		got := Assess(tc.stats, cfg, noon, true)
		if got.Weather != tc.want {
			t.Errorf("%s: weather = %s, want %s", tc.name, got.Weather, tc.want)
		}
	}
}

func TestAssessDayNight(t *testing.T) {
	cfg := detectionDefaults()
	stats := Stats{Brightness: 130, Sharpness: 400, Contrast: 60, Saturation: 80}

	if q := Assess(stats, cfg, time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC), true); q.DayNight != Day {
		t.Errorf("14:00 with clock = %s, want day", q.DayNight)
	}
	if q := Assess(stats, cfg, time.Date(2026, 8, 25, 22, 0, 0, 0, time.UTC), true); q.DayNight != Night {
		t.Errorf("22:00 with clock = %s, want night", q.DayNight)
	}

	dark := Stats{Brightness: 60, Sharpness: 400, Contrast: 60, Saturation: 80}
	if q := Assess(dark, cfg, time.Time{}, false); q.DayNight != Night {
		t.Errorf("brightness 60 without clock = %s, want night", q.DayNight)
	}
	if q := Assess(stats, cfg, time.Time{}, false); q.DayNight != Day {
		t.Errorf("brightness 130 without clock = %s, want day", q.DayNight)
	}
}

func TestDynamicFloor(t *testing.T) {
	cases := []struct {
		brightness float64
		want       float64
	}{
		{30, 0.1},
		{50, 0.25 * 0.4},
		{65, 0.25 * (0.4 + 15.0/30*0.3)},
		{80, 0.25 * 0.7},
		{100, 0.25 * (0.7 + 20.0/40*0.2)},
		{120, 0.25},
		{200, 0.25},
	}
	for _, tc := range cases {
		got := DynamicFloor(baseInferenceFloor, tc.brightness)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("DynamicFloor(b=%.0f) = %.4f, want %.4f", tc.brightness, got, tc.want)
		}
	}
}

func TestEnhanceNightLiftsDarkFrames(t *testing.T) {
	dark := uniformImage(64, 64, color.RGBA{R: 30, G: 30, B: 30, A: 255})
	before := ComputeStats(dark).Brightness

	enhanced := EnhanceNight(dark, before)
	after := ComputeStats(enhanced).Brightness
	if after <= before {
		t.Errorf("brightness after enhancement = %.1f, want > %.1f", after, before)
	}
}

func TestEnhanceNightBrightPassthrough(t *testing.T) {
	bright := uniformImage(16, 16, color.RGBA{R: 180, G: 180, B: 180, A: 255})
	if got := EnhanceNight(bright, 180); got != image.Image(bright) {
		t.Error("bright frames should pass through untouched")
	}
}

func TestExtractFeatures(t *testing.T) {
	red := uniformImage(100, 60, color.RGBA{R: 220, G: 20, B: 20, A: 255})
	f := ExtractFeatures(red, image.Rect(10, 10, 90, 50))

	if want := 80.0 / (40.0 + 1e-6); math.Abs(f.Aspect-want) > 0.01 {
		t.Errorf("aspect = %.3f, want %.3f", f.Aspect, want)
	}
	if f.HueHist[0] < 0.99 {
		t.Errorf("red crop should concentrate hue mass in bin 0, got %.3f", f.HueHist[0])
	}
	if f.LowEnergy() {
		t.Error("saturated red crop should not be low energy")
	}
	if f.HasRearWiper {
		t.Error("uniform crop has no edge rows")
	}
}

func TestExtractFeaturesEmptyBox(t *testing.T) {
	img := uniformImage(20, 20, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	f := ExtractFeatures(img, image.Rect(50, 50, 60, 60))
	if f.Aspect != 1.8 {
		t.Errorf("out-of-bounds box aspect = %.2f, want fallback 1.8", f.Aspect)
	}
	if !f.LowEnergy() {
		t.Error("fallback features should read as low energy")
	}
}

func TestLowEnergyGrayCrop(t *testing.T) {
	gray := uniformImage(40, 40, color.RGBA{R: 90, G: 90, B: 90, A: 255})
	f := ExtractFeatures(gray, gray.Bounds())
	if !f.LowEnergy() {
		t.Error("zero-saturation crop should be low energy")
	}
}

func TestEngineDetectFiltersClassesAndFloor(t *testing.T) {
	var gotConf string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/api/v1/detect":
			gotConf = r.URL.Query().Get("conf")
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]any{
				"detections": []Detection{
					{X1: 0, Y1: 0, X2: 50, Y2: 30, Confidence: 0.9, ClassID: 2},
					{X1: 0, Y1: 0, X2: 20, Y2: 40, Confidence: 0.9, ClassID: 0},
					{X1: 60, Y1: 0, X2: 90, Y2: 30, Confidence: 0.05, ClassID: 7},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := detectionDefaults()
	cfg.DetectorURL = srv.URL
	cfg.DetectorToken = "tok"
	engine := NewEngine(cfg, NewReadiness(cfg))

	frame := uniformImage(100, 60, color.RGBA{R: 150, G: 150, B: 150, A: 255})
	quality := Quality{Brightness: 150, DayNight: Day}

	dets, err := engine.Detect(context.Background(), frame, quality)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1 (person and sub-floor truck filtered)", len(dets))
	}
	if dets[0].ClassID != 2 {
		t.Errorf("kept class %d, want 2", dets[0].ClassID)
	}
	if gotConf != "0.250" {
		t.Errorf("request conf = %s, want 0.250", gotConf)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestEngineDetectDarkFrameLowersRequestFloor(t *testing.T) {
	var gotConf string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotConf = r.URL.Query().Get("conf")
		json.NewEncoder(w).Encode(map[string]any{"detections": []Detection{}})
	}))
	defer srv.Close()

	cfg := detectionDefaults()
	cfg.DetectorURL = srv.URL
	engine := NewEngine(cfg, NewReadiness(cfg))

	frame := uniformImage(32, 32, color.RGBA{R: 40, G: 40, B: 40, A: 255})
	if _, err := engine.Detect(context.Background(), frame, Quality{Brightness: 40, DayNight: Night}); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if gotConf != "0.100" {
		t.Errorf("dark frame request conf = %s, want 0.100", gotConf)
	}
}

func TestEngineNotReady(t *testing.T) {
	cfg := detectionDefaults()
	cfg.DetectorURL = "http://127.0.0.1:1"
	engine := NewEngine(cfg, NewReadiness(cfg))

	frame := uniformImage(8, 8, color.RGBA{A: 255})
	if _, err := engine.Detect(context.Background(), frame, Quality{Brightness: 150}); err != ErrModelUnavailable {
		t.Errorf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestDrawBoxesOutlines(t *testing.T) {
	frame := uniformImage(60, 40, color.RGBA{R: 10, G: 10, B: 10, A: 255})
	out := DrawBoxes(frame, []image.Rectangle{image.Rect(5, 5, 30, 25)})

	rgba, ok := out.(*image.RGBA)
	if !ok {
		t.Fatal("overlay should render into RGBA")
	}
	if got := rgba.RGBAAt(10, 5); got != overlayGreen {
		t.Errorf("top edge pixel = %v, want green", got)
	}
	if got := rgba.RGBAAt(45, 30); got.G != 10 {
		t.Error("pixels outside the box must be untouched")
	}
}
