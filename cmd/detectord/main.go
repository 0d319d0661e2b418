// detectord fronts the vehicle detection runtime for the capture pipeline.
// It answers POST /api/v1/detect with vehicle boxes for one JPEG frame,
// either by forwarding to a real inference server (UPSTREAM_URL) or, in
// development, by emitting synthetic boxes (DETECTORD_DEV_MOCK=true).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	listenAddr   string
	upstreamURL  string
	serviceToken string
	devMock      bool

	inferenceTotal int64
	errorTotal     int64
)

// Detection mirrors the wire shape the capture server expects: corner
// coordinates in source-image pixels plus a COCO class id.
type Detection struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
}

// COCO vehicle classes: car, motorcycle, bus, truck.
var vehicleClasses = []int{2, 3, 5, 7}

func main() {
	listenAddr = getEnv("DETECTORD_ADDR", ":8090")
	upstreamURL = getEnv("UPSTREAM_URL", "")
	serviceToken = getEnv("DETECTOR_TOKEN", "")
	devMock = getEnv("DETECTORD_DEV_MOCK", "false") == "true"

	if upstreamURL == "" && !devMock {
		log.Fatalf("[ERROR] [detectord] no backend: set UPSTREAM_URL or DETECTORD_DEV_MOCK=true")
	}
	log.Printf("[INFO] [detectord] starting on %s (upstream=%q, mock=%t)", listenAddr, upstreamURL, devMock)

	client := &http.Client{Timeout: 25 * time.Second}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !backendReady(client) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP detectord_inference_total Total inference requests served\n")
		fmt.Fprintf(w, "# TYPE detectord_inference_total counter\n")
		fmt.Fprintf(w, "detectord_inference_total %d\n", atomic.LoadInt64(&inferenceTotal))
		fmt.Fprintf(w, "# HELP detectord_error_total Requests that failed\n")
		fmt.Fprintf(w, "# TYPE detectord_error_total counter\n")
		fmt.Fprintf(w, "detectord_error_total %d\n", atomic.LoadInt64(&errorTotal))
	})
	mux.HandleFunc("/api/v1/detect", handleDetect(client))

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("[ERROR] [detectord] server: %v", err)
	}
}

func backendReady(client *http.Client) bool {
	if upstreamURL == "" {
		return devMock
	}
	resp, err := client.Get(upstreamURL + "/healthz")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func handleDetect(client *http.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if serviceToken != "" && r.Header.Get("Authorization") != "Bearer "+serviceToken {
			atomic.AddInt64(&errorTotal, 1)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conf := 0.25
		if v := r.URL.Query().Get("conf"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
				conf = f
			}
		}

		frame, err := io.ReadAll(io.LimitReader(r.Body, 20<<20))
		if err != nil || len(frame) == 0 {
			atomic.AddInt64(&errorTotal, 1)
			http.Error(w, "empty frame", http.StatusBadRequest)
			return
		}

		var detections []Detection
		if upstreamURL != "" {
			detections, err = forwardInference(client, frame, conf)
		} else {
			detections, err = mockInference(frame, conf)
		}
		if err != nil {
			atomic.AddInt64(&errorTotal, 1)
			log.Printf("[WARN] [detectord] inference: %v", err)
			http.Error(w, "inference failed", http.StatusBadGateway)
			return
		}
		atomic.AddInt64(&inferenceTotal, 1)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]Detection{"detections": detections})
	}
}

func forwardInference(client *http.Client, frame []byte, conf float64) ([]Detection, error) {
	url := fmt.Sprintf("%s/api/v1/detect?conf=%.3f", upstreamURL, conf)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	var body struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("upstream response: %w", err)
	}
	return body.Detections, nil
}

// mockInference fabricates 0-3 vehicle boxes sized like stall-parked cars.
// Only for development against seeded lots; the box geometry respects the
// frame bounds so downstream IoU math behaves.
func mockInference(frame []byte, conf float64) ([]Detection, error) {
	cfgImg, _, err := image.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	width, height := float64(cfgImg.Width), float64(cfgImg.Height)

	count := rand.Intn(4)
	out := make([]Detection, 0, count)
	for i := 0; i < count; i++ {
		w := width * (0.08 + rand.Float64()*0.10)
		h := height * (0.10 + rand.Float64()*0.12)
		x1 := rand.Float64() * (width - w)
		y1 := rand.Float64() * (height - h)
		c := conf + rand.Float64()*(1-conf)
		out = append(out, Detection{
			X1: x1, Y1: y1, X2: x1 + w, Y2: y1 + h,
			Confidence: c,
			ClassID:    vehicleClasses[rand.Intn(len(vehicleClasses))],
		})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
