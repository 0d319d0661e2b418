package api

import "net/http"

func (s *Server) nvrHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := s.health.Summary(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// checkNVRs runs one synchronous probe sweep. The caller waits, so this is
// for small fleets and debugging; the background monitor covers steady state.
func (s *Server) checkNVRs(w http.ResponseWriter, r *http.Request) {
	if err := s.health.CheckOnce(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	summary, err := s.health.Summary(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
