package api

import (
	"net/http"
	"strconv"

	"github.com/technosupport/ts-parkops/internal/data"
)

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	filter := data.ChangeFilter{ChangeType: r.URL.Query().Get("type")}
	if filter.ChangeType != "" && filter.ChangeType != data.ChangeArrive && filter.ChangeType != data.ChangeLeave {
		writeError(w, http.StatusBadRequest, "type must be arrive or leave")
		return
	}
	if raw := r.URL.Query().Get("channel_config_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid channel_config_id")
			return
		}
		filter.ChannelConfigID = id
	}
	if raw := r.URL.Query().Get("space_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid space_id")
			return
		}
		filter.SpaceID = id
	}
	var err error
	if filter.Since, err = queryTime(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changes, total, err := s.changes.List(r.Context(), filter, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: changes, Total: total})
}

func (s *Server) changesForScreenshot(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	changes, err := s.changes.ListByScreenshot(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filter := data.SnapshotFilter{
		Date:        r.URL.Query().Get("date"),
		NVRIP:       r.URL.Query().Get("ip"),
		ChannelCode: r.URL.Query().Get("channel"),
	}
	if filter.Date != "" && !validDate(filter.Date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	snaps, total, err := s.snapshots.List(r.Context(), filter, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: snaps, Total: total})
}
