package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/technosupport/ts-parkops/internal/config"
)

var ErrModelUnavailable = errors.New("vision: detector not ready")

// Detection is one vehicle box in original-image coordinates.
type Detection struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
}

func (d Detection) Box() image.Rectangle {
	return image.Rect(int(d.X1), int(d.Y1), int(d.X2), int(d.Y2))
}

// COCO vehicle classes: car, motorcycle, bus, truck.
var vehicleClasses = map[int]bool{2: true, 3: true, 5: true, 7: true}

const baseInferenceFloor = 0.25

// Engine is the detector client. One engine per process; the first Detect
// call initializes it behind the mutex, and initialization refuses to
// proceed until the weights are resident or the remote detector answers.
type Engine struct {
	cfg   config.DetectionConfig
	ready *Readiness

	client *http.Client

	mu          sync.Mutex
	initialized bool
}

func NewEngine(cfg config.DetectionConfig, ready *Readiness) *Engine {
	return &Engine{
		cfg:    cfg,
		ready:  ready,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *Engine) ensureInitialized(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	if !e.ready.Ready(ctx) {
		return ErrModelUnavailable
	}
	e.initialized = true
	return nil
}

// DynamicFloor scales the inference confidence floor with frame brightness.
// Dark frames legitimately produce low-confidence boxes; the stall matcher
// re-filters with its own floor afterwards.
func DynamicFloor(base, brightness float64) float64 {
	switch {
	case brightness < 50:
		f := 0.4 * base
		if f < 0.1 {
			f = 0.1
		}
		return f
	case brightness < 80:
		return base * (0.4 + (brightness-50)/30*0.3)
	case brightness < 120:
		return base * (0.7 + (brightness-80)/40*0.2)
	default:
		return base
	}
}

// Detect runs one frame through the detector and returns vehicle boxes at or
// above the dynamic floor. The frame is enhanced before inference when dark.
func (e *Engine) Detect(ctx context.Context, img image.Image, quality Quality) ([]Detection, error) {
	if err := e.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	floor := DynamicFloor(baseInferenceFloor, quality.Brightness)
	requestFloor := floor
	send := img
	if quality.Brightness < 120 {
		send = EnhanceNight(img, quality.Brightness)
		// Ask the model for everything and re-filter locally; enhancement
		// shifts confidences enough that a tight request floor loses boxes.
		if requestFloor > 0.1 {
			requestFloor = 0.1
		}
	}

	raw, err := e.infer(ctx, send, requestFloor)
	if err != nil {
		return nil, err
	}

	out := make([]Detection, 0, len(raw))
	for _, d := range raw {
		if !vehicleClasses[d.ClassID] {
			continue
		}
		if d.Confidence < floor {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (e *Engine) infer(ctx context.Context, img image.Image, confFloor float64) ([]Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/detect?conf=%.3f", e.cfg.DetectorURL, confFloor)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	if e.cfg.DetectorToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.DetectorToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned %d", resp.StatusCode)
	}

	var body struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("detector response: %w", err)
	}
	return body.Detections, nil
}
