package vision

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/technosupport/ts-parkops/internal/config"
	"github.com/technosupport/ts-parkops/internal/platform/paths"
)

// Readiness gates the change worker on the detector. It is ready when the
// model weights are resident on disk, or when the remote detector answers
// its health endpoint. A watcher on the model directory flips readiness the
// moment weights land, with slow polling as fallback.
type Readiness struct {
	modelPath   string
	detectorURL string
	client      *http.Client

	mu        sync.RWMutex
	fileReady bool
}

func NewReadiness(cfg config.DetectionConfig) *Readiness {
	return &Readiness{
		modelPath:   filepath.Join(paths.ModelRoot(), cfg.ModelFile),
		detectorURL: cfg.DetectorURL,
		client:      &http.Client{Timeout: 3 * time.Second},
	}
}

// Start begins watching the model directory. Safe to call once.
func (r *Readiness) Start(ctx context.Context) {
	r.checkFile()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] [vision] fsnotify unavailable (%v), polling only", err)
	} else if err := watcher.Add(filepath.Dir(r.modelPath)); err != nil {
		log.Printf("[WARN] [vision] cannot watch model dir (%v), polling only", err)
		watcher.Close()
		watcher = nil
	}

	if watcher != nil {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Let the writer finish before statting.
						time.Sleep(100 * time.Millisecond)
						if r.checkFile() {
							log.Printf("[INFO] [vision] model weights resident: %s", r.modelPath)
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[WARN] [vision] model watcher: %v", err)
				}
			}
		}()
	}

	// Slow polling as a safety net either way.
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.checkFile()
			}
		}
	}()
}

func (r *Readiness) checkFile() bool {
	info, err := os.Stat(r.modelPath)
	ready := err == nil && info.Size() > 0

	r.mu.Lock()
	changed := ready && !r.fileReady
	r.fileReady = ready
	r.mu.Unlock()
	return changed
}

// Ready reports whether detection may run right now.
func (r *Readiness) Ready(ctx context.Context) bool {
	r.mu.RLock()
	fileReady := r.fileReady
	r.mu.RUnlock()
	if fileReady {
		return true
	}
	return r.remoteReady(ctx)
}

func (r *Readiness) remoteReady(ctx context.Context) bool {
	if r.detectorURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.detectorURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
