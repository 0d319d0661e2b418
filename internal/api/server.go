// Package api is the ops HTTP surface: thin JSON handlers over the capture
// scheduler, the data models, lot configuration, schedule rules, NVR health,
// and HLS review sessions.
package api

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/health"
	"github.com/technosupport/ts-parkops/internal/hls"
	"github.com/technosupport/ts-parkops/internal/lots"
)

// CaptureService is the slice of the capture scheduler the handlers call.
type CaptureService interface {
	EnsureTasks(ctx context.Context, date, baseURL, channelCode string, intervalMinutes int, ruleID *int64) (*data.TaskBatch, int, error)
	RunCombo(ctx context.Context, date, baseURL, channelCode string) error
	ReconcileStatuses(ctx context.Context) error
}

type Server struct {
	batches   data.BatchModel
	tasks     data.TaskModel
	shots     data.ScreenshotModel
	minutes   data.MinuteModel
	changes   data.ChangeModel
	snapshots data.SnapshotModel
	rules     data.RuleModel

	capture CaptureService
	lots    *lots.Service
	health  *health.Monitor
	hls     *hls.Manager
	hub     *Hub
}

func NewServer(db *sql.DB, capture CaptureService, lotSvc *lots.Service, monitor *health.Monitor, hlsMgr *hls.Manager, hub *Hub) *Server {
	return &Server{
		batches:   data.BatchModel{DB: db},
		tasks:     data.TaskModel{DB: db},
		shots:     data.ScreenshotModel{DB: db},
		minutes:   data.MinuteModel{DB: db},
		changes:   data.ChangeModel{DB: db},
		snapshots: data.SnapshotModel{DB: db},
		rules:     data.RuleModel{DB: db},
		capture:   capture,
		lots:      lotSvc,
		health:    monitor,
		hls:       hlsMgr,
		hub:       hub,
	}
}

// Register mounts the authenticated /api/v1 routes.
func (s *Server) Register(r chi.Router) {
	r.Post("/batches", s.createBatch)
	r.Get("/batches", s.listBatches)
	r.Get("/batches/{id}", s.getBatch)
	r.Get("/batches/{id}/tasks", s.listBatchTasks)
	r.Post("/combos/run", s.runCombo)

	r.Get("/tasks", s.listTasks)
	r.Get("/tasks/dates", s.availableDates)
	r.Get("/tasks/ips", s.availableIPs)
	r.Get("/tasks/channels", s.availableChannels)
	r.Get("/tasks/{id}", s.taskDetail)

	r.Post("/screenshots/requeue", s.requeueScreenshots)
	r.Get("/screenshots/{id}/changes", s.changesForScreenshot)

	r.Get("/changes", s.listChanges)
	r.Get("/changes/stream", s.hub.ServeWS)
	r.Get("/snapshots", s.listSnapshots)

	r.Get("/rules", s.listRules)
	r.Post("/rules", s.createRule)
	r.Get("/rules/{id}", s.getRule)
	r.Put("/rules/{id}", s.updateRule)
	r.Delete("/rules/{id}", s.deleteRule)

	r.Get("/nvrs", s.listNVRs)
	r.Post("/nvrs", s.createNVR)
	r.Get("/nvrs/{id}", s.getNVR)
	r.Put("/nvrs/{id}", s.updateNVR)
	r.Delete("/nvrs/{id}", s.deleteNVR)
	r.Get("/nvrs/{id}/channels", s.listChannels)

	r.Post("/channels", s.createChannel)
	r.Get("/channels/{id}", s.getChannel)
	r.Put("/channels/{id}", s.updateChannel)
	r.Delete("/channels/{id}", s.deleteChannel)
	r.Get("/channels/{id}/stalls", s.listStalls)

	r.Post("/stalls", s.createStall)
	r.Put("/stalls/{id}", s.updateStall)
	r.Delete("/stalls/{id}", s.deleteStall)

	r.Get("/health/nvrs", s.nvrHealth)
	r.Post("/health/nvrs/check", s.checkNVRs)

	r.Post("/hls/sessions", s.startHLS)
	r.Get("/hls/sessions", s.listHLS)
	r.Delete("/hls/sessions/{id}", s.stopHLS)

	r.Post("/admin/wipe", s.wipe)
}

// Healthz is the unauthenticated liveness endpoint.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeHLS serves playlist and segment files for review sessions. Mounted
// outside /api/v1 so video players can fetch segments without the bearer
// token.
func (s *Server) ServeHLS(w http.ResponseWriter, r *http.Request) {
	s.hls.ServeFile(w, r, chi.URLParam(r, "id"), chi.URLParam(r, "file"))
}
