package api

import (
	"net/http"
	"regexp"

	"github.com/technosupport/ts-parkops/internal/data"
)

var triggerTimeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

type ruleRequest struct {
	Name            string  `json:"name"`
	UseToday        bool    `json:"use_today"`
	CustomDate      *string `json:"custom_date,omitempty"`
	BaseURL         string  `json:"base_url"`
	ChannelCode     string  `json:"channel_code"`
	IntervalMinutes int     `json:"interval_minutes"`
	TriggerTime     string  `json:"trigger_time"`
	IsEnabled       bool    `json:"is_enabled"`
}

func (rr ruleRequest) validate() string {
	switch {
	case rr.Name == "":
		return "name is required"
	case rr.BaseURL == "":
		return "base_url is required"
	case rr.ChannelCode == "":
		return "channel_code is required"
	case rr.IntervalMinutes < 1:
		return "interval_minutes must be positive"
	case !triggerTimeRegex.MatchString(rr.TriggerTime):
		return "trigger_time must be HH:mm"
	}
	if !rr.UseToday {
		if rr.CustomDate == nil || !validDate(*rr.CustomDate) {
			return "custom_date must be YYYY-MM-DD when use_today is false"
		}
	}
	return ""
}

func (rr ruleRequest) apply(rule *data.ScheduleRule) {
	rule.Name = rr.Name
	rule.UseToday = rr.UseToday
	rule.CustomDate = rr.CustomDate
	rule.BaseURL = rr.BaseURL
	rule.ChannelCode = rr.ChannelCode
	rule.IntervalMinutes = rr.IntervalMinutes
	rule.TriggerTime = rr.TriggerTime
	rule.IsEnabled = rr.IsEnabled
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rules == nil {
		rules = []*data.ScheduleRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !readJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var rule data.ScheduleRule
	req.apply(&rule)
	if err := s.rules.Create(r.Context(), &rule); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	rule, err := s.rules.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req ruleRequest
	if !readJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rule, err := s.rules.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	req.apply(rule)
	if err := s.rules.Update(r.Context(), rule); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.rules.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
