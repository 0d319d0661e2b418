package api

import (
	"errors"
	"net/http"

	"github.com/technosupport/ts-parkops/internal/data"
	"github.com/technosupport/ts-parkops/internal/lots"
)

func (s *Server) listNVRs(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	nvrs, err := s.lots.ListNVRs(r.Context(), enabledOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if nvrs == nil {
		nvrs = []*data.NVRConfig{}
	}
	writeJSON(w, http.StatusOK, nvrs)
}

func (s *Server) createNVR(w http.ResponseWriter, r *http.Request) {
	var in lots.NVRInput
	if !readJSON(w, r, &in) {
		return
	}
	if in.NVRIP == "" {
		writeError(w, http.StatusBadRequest, "nvr_ip is required")
		return
	}

	n, err := s.lots.CreateNVR(r.Context(), in)
	if err != nil {
		if errors.Is(err, lots.ErrPasswordRequired) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) getNVR(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	n, err := s.lots.GetNVR(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) updateNVR(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var in lots.NVRInput
	if !readJSON(w, r, &in) {
		return
	}

	n, err := s.lots.UpdateNVR(r.Context(), id, in)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) deleteNVR(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.lots.DeleteNVR(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	channels, err := s.lots.ListChannels(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if channels == nil {
		channels = []*data.ChannelConfig{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	var in lots.ChannelInput
	if !readJSON(w, r, &in) {
		return
	}
	if in.NVRConfigID == 0 || in.ChannelCode == "" {
		writeError(w, http.StatusBadRequest, "nvr_config_id and channel_code are required")
		return
	}

	c, err := s.lots.CreateChannel(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	c, err := s.lots.GetChannel(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) updateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var in lots.ChannelInput
	if !readJSON(w, r, &in) {
		return
	}

	c, err := s.lots.UpdateChannel(r.Context(), id, in)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.lots.DeleteChannel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listStalls(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	stalls, err := s.lots.ListStalls(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if stalls == nil {
		stalls = []*data.ParkingSpace{}
	}
	writeJSON(w, http.StatusOK, stalls)
}

func (s *Server) createStall(w http.ResponseWriter, r *http.Request) {
	var sp data.ParkingSpace
	if !readJSON(w, r, &sp) {
		return
	}
	if sp.ChannelConfigID == 0 || sp.SpaceName == "" {
		writeError(w, http.StatusBadRequest, "channel_config_id and space_name are required")
		return
	}

	if err := s.lots.CreateStall(r.Context(), &sp); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &sp)
}

func (s *Server) updateStall(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var sp data.ParkingSpace
	if !readJSON(w, r, &sp) {
		return
	}
	sp.ID = id

	if err := s.lots.UpdateStall(r.Context(), &sp); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &sp)
}

func (s *Server) deleteStall(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.lots.DeleteStall(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// wipe removes all capture data, schedule rules, and review sessions. Lot
// configuration survives. Dev and test environments only.
func (s *Server) wipe(w http.ResponseWriter, r *http.Request) {
	if err := s.lots.Wipe(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.hls != nil {
		s.hls.StopAll()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "wiped"})
}
