package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-parkops/internal/hls"
)

func (s *Server) startHLS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReplayURL string `json:"replay_url"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if !strings.HasPrefix(req.ReplayURL, "rtsp://") {
		writeError(w, http.StatusBadRequest, "replay_url must be an rtsp:// URL")
		return
	}

	session, err := s.hls.Start(r.Context(), req.ReplayURL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) listHLS(w http.ResponseWriter, r *http.Request) {
	sessions := s.hls.Active()
	if sessions == nil {
		sessions = []*hls.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) stopHLS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.hls.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
