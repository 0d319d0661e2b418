package api

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/technosupport/ts-parkops/internal/data"
)

type provisionRequest struct {
	Date            string `json:"date"`
	BaseURL         string `json:"base_url"`
	ChannelCode     string `json:"channel_code"`
	IntervalMinutes int    `json:"interval_minutes"`
}

func (p provisionRequest) validate() string {
	switch {
	case !validDate(p.Date):
		return "date must be YYYY-MM-DD"
	case p.BaseURL == "":
		return "base_url is required"
	case p.ChannelCode == "":
		return "channel_code is required"
	case p.IntervalMinutes < 1:
		return "interval_minutes must be positive"
	}
	return ""
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	batch, created, err := s.capture.EnsureTasks(r.Context(), req.Date, req.BaseURL, req.ChannelCode, req.IntervalMinutes, nil)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch":   batch,
		"created": created,
	})
}

// runCombo kicks off capture for one provisioned combination. The run takes
// minutes; the handler hands it to a goroutine and answers 202.
func (s *Server) runCombo(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !validDate(req.Date) || req.BaseURL == "" || req.ChannelCode == "" {
		writeError(w, http.StatusBadRequest, "date, base_url and channel_code are required")
		return
	}

	go func() {
		if err := s.capture.RunCombo(context.Background(), req.Date, req.BaseURL, req.ChannelCode); err != nil {
			log.Printf("[WARN] [api] combo %s/%s did not start: %v", req.Date, req.ChannelCode, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	if err := s.capture.ReconcileStatuses(r.Context()); err != nil {
		log.Printf("[WARN] [api] reconcile before batch listing: %v", err)
	}

	limit, offset := pagination(r)
	filter := data.BatchFilter{
		Date:   r.URL.Query().Get("date"),
		Status: r.URL.Query().Get("status"),
	}
	batches, total, err := s.batches.List(r.Context(), filter, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: batches, Total: total})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	batch, err := s.batches.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) listBatchTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	tasks, err := s.tasks.ListByBatch(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if err := s.capture.ReconcileStatuses(r.Context()); err != nil {
		log.Printf("[WARN] [api] reconcile before task listing: %v", err)
	}

	limit, offset := pagination(r)
	filter := data.TaskFilter{
		Date:        r.URL.Query().Get("date"),
		NVRIP:       r.URL.Query().Get("ip"),
		ChannelCode: r.URL.Query().Get("channel"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []string{status}
	}
	if raw := r.URL.Query().Get("batch_id"); raw != "" {
		batchID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid batch_id")
			return
		}
		filter.BatchID = batchID
	}

	tasks, total, err := s.tasks.List(r.Context(), filter, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: tasks, Total: total})
}

// taskDetail returns one task with its screenshot and minute back-fill rows.
func (s *Server) taskDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	shot, err := s.shots.GetByTaskID(r.Context(), id)
	if err != nil && err != data.ErrRecordNotFound {
		writeStoreError(w, err)
		return
	}
	minutes, err := s.minutes.ListByTask(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task":       task,
		"screenshot": shot,
		"minutes":    minutes,
	})
}

func (s *Server) availableDates(w http.ResponseWriter, r *http.Request) {
	s.distinct(w, r, s.tasks.AvailableDates)
}

func (s *Server) availableIPs(w http.ResponseWriter, r *http.Request) {
	s.distinct(w, r, s.tasks.AvailableIPs)
}

func (s *Server) availableChannels(w http.ResponseWriter, r *http.Request) {
	s.distinct(w, r, s.tasks.AvailableChannels)
}

func (s *Server) distinct(w http.ResponseWriter, r *http.Request, fetch func(context.Context) ([]string, error)) {
	values, err := fetch(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) requeueScreenshots(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	n, err := s.shots.Requeue(r.Context(), req.IDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}
