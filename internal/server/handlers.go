package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/scheduler"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 500
)

// handleHealth pings every database and reports degraded with a 503 when
// any of them fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.databases))
	healthy := true
	for _, db := range s.databases {
		if err := db.HealthCheck(ctx); err != nil {
			checks[db.Name()] = err.Error()
			healthy = false
			continue
		}
		checks[db.Name()] = "ok"
	}

	response := map[string]interface{}{
		"status":    "healthy",
		"service":   "sygnal",
		"databases": checks,
	}
	status := http.StatusOK
	if !healthy {
		response["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, response)
}

// handleSignals returns recent signals, optionally narrowed by session,
// symbol, user_id, or type.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		s.writeError(w, http.StatusServiceUnavailable, "signal store not available")
		return
	}

	limit := defaultSignalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxSignalLimit {
			n = maxSignalLimit
		}
		limit = n
	}

	var (
		list []domain.TradingSignal
		err  error
	)
	if session := r.URL.Query().Get("session"); session != "" {
		list, err = s.signals.ForSession(session)
	} else {
		list, err = s.signals.Recent(limit)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load signals")
		s.writeError(w, http.StatusInternalServerError, "failed to load signals")
		return
	}

	list = filterSignals(list, r.URL.Query().Get("symbol"), r.URL.Query().Get("user_id"), r.URL.Query().Get("type"))
	if len(list) > limit {
		list = list[:limit]
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(list),
		"signals": list,
	})
}

func filterSignals(list []domain.TradingSignal, symbol, userID, signalType string) []domain.TradingSignal {
	if symbol == "" && userID == "" && signalType == "" {
		return list
	}

	var uid int64 = -1
	if userID != "" {
		if n, err := strconv.ParseInt(userID, 10, 64); err == nil {
			uid = n
		}
	}

	out := list[:0]
	for _, sig := range list {
		if symbol != "" && !strings.EqualFold(sig.Symbol, symbol) {
			continue
		}
		if uid >= 0 && sig.UserID != uid {
			continue
		}
		if signalType != "" && string(sig.Type) != signalType {
			continue
		}
		out = append(out, sig)
	}
	return out
}

// handleOutcomeMetrics returns the daily aggregate for one session,
// defaulting to the current session.
func (s *Server) handleOutcomeMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, http.StatusServiceUnavailable, "outcome metrics not available")
		return
	}

	sessionKey := r.URL.Query().Get("session")
	if sessionKey == "" {
		sessionKey = s.calendar.CurrentSession().Key()
	} else if _, err := time.Parse("2006-01-02", sessionKey); err != nil {
		s.writeError(w, http.StatusBadRequest, "session must be YYYY-MM-DD")
		return
	}

	metrics, err := s.metrics.Daily(sessionKey)
	if err != nil {
		s.log.Error().Err(err).Str("session", sessionKey).Msg("Failed to compute outcome metrics")
		s.writeError(w, http.StatusInternalServerError, "failed to compute outcome metrics")
		return
	}

	s.writeJSON(w, http.StatusOK, metrics)
}

// scheduleView is the JSON shape of a schedule.
type scheduleView struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	Kind                string     `json:"kind"`
	IntervalSeconds     int        `json:"interval_seconds"`
	ActiveHoursStart    string     `json:"active_hours_start"`
	ActiveHoursEnd      string     `json:"active_hours_end"`
	ActiveDays          string     `json:"active_days"`
	SkipHolidays        bool       `json:"skip_holidays"`
	IsActive            bool       `json:"is_active"`
	MaxRetries          int        `json:"max_retries"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ConfigJSON          string     `json:"config_json,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
}

func scheduleToView(s scheduler.Schedule) scheduleView {
	return scheduleView{
		ID:                  s.ID,
		Name:                s.Name,
		Kind:                string(s.Kind),
		IntervalSeconds:     int(s.Interval.Seconds()),
		ActiveHoursStart:    s.ActiveStart,
		ActiveHoursEnd:      s.ActiveEnd,
		ActiveDays:          s.Days.String(),
		SkipHolidays:        s.SkipHolidays,
		IsActive:            s.IsActive,
		MaxRetries:          s.MaxRetries,
		ConsecutiveFailures: s.ConsecutiveFailures,
		ConfigJSON:          s.ConfigJSON,
		LastRunAt:           s.LastRunAt,
		NextRunAt:           s.NextRunAt,
	}
}

// handleSchedules lists every schedule.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.writeError(w, http.StatusServiceUnavailable, "schedules not available")
		return
	}

	all, err := s.schedules.All()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list schedules")
		s.writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	views := make([]scheduleView, 0, len(all))
	for _, sched := range all {
		views = append(views, scheduleToView(sched))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(views),
		"schedules": views,
	})
}

// scheduleUpdateRequest carries a partial edit; nil fields keep their value.
type scheduleUpdateRequest struct {
	Kind            *string `json:"kind"`
	IntervalSeconds *int    `json:"interval_seconds"`
	ActiveStart     *string `json:"active_hours_start"`
	ActiveEnd       *string `json:"active_hours_end"`
	ActiveDays      *string `json:"active_days"`
	SkipHolidays    *bool   `json:"skip_holidays"`
	IsActive        *bool   `json:"is_active"`
	MaxRetries      *int    `json:"max_retries"`
	ConfigJSON      *string `json:"config_json"`
}

// handleScheduleUpdate edits one schedule; the next tick realigns it.
func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.writeError(w, http.StatusServiceUnavailable, "schedules not available")
		return
	}

	name := chi.URLParam(r, "name")
	sched, err := s.schedules.ByName(name)
	if err != nil {
		s.log.Error().Err(err).Str("schedule", name).Msg("Failed to load schedule")
		s.writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	if sched == nil {
		s.writeError(w, http.StatusNotFound, "unknown schedule "+name)
		return
	}

	var req scheduleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Kind != nil {
		sched.Kind = scheduler.Kind(*req.Kind)
	}
	if req.IntervalSeconds != nil {
		sched.Interval = time.Duration(*req.IntervalSeconds) * time.Second
	}
	if req.ActiveStart != nil {
		sched.ActiveStart = *req.ActiveStart
	}
	if req.ActiveEnd != nil {
		sched.ActiveEnd = *req.ActiveEnd
	}
	if req.ActiveDays != nil {
		days, err := scheduler.ParseWeekdays(*req.ActiveDays)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sched.Days = days
	}
	if req.SkipHolidays != nil {
		sched.SkipHolidays = *req.SkipHolidays
	}
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}
	if req.MaxRetries != nil {
		sched.MaxRetries = *req.MaxRetries
	}
	if req.ConfigJSON != nil {
		sched.ConfigJSON = *req.ConfigJSON
	}

	if err := s.schedules.Update(*sched); err != nil {
		switch domain.KindOf(err) {
		case domain.KindConfig:
			s.writeError(w, http.StatusBadRequest, err.Error())
		case domain.KindMalformed:
			s.writeError(w, http.StatusNotFound, err.Error())
		default:
			s.log.Error().Err(err).Str("schedule", name).Msg("Failed to update schedule")
			s.writeError(w, http.StatusInternalServerError, "failed to update schedule")
		}
		return
	}

	updated, err := s.schedules.ByName(name)
	if err != nil || updated == nil {
		s.writeError(w, http.StatusInternalServerError, "failed to reload schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, scheduleToView(*updated))
}

// handleScheduleRun queues a schedule immediately.
func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}

	name := chi.URLParam(r, "name")
	if err := s.runner.RunNow(name); err != nil {
		switch domain.KindOf(err) {
		case domain.KindMalformed:
			s.writeError(w, http.StatusNotFound, err.Error())
		case domain.KindTransient:
			s.writeError(w, http.StatusConflict, err.Error())
		case domain.KindConfig:
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.log.Error().Err(err).Str("schedule", name).Msg("Failed to queue schedule")
			s.writeError(w, http.StatusInternalServerError, "failed to queue schedule")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "queued",
		"schedule": name,
	})
}

// handleScheduleExecutions returns the newest executions for one schedule.
func (s *Server) handleScheduleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		s.writeError(w, http.StatusServiceUnavailable, "schedules not available")
		return
	}

	name := chi.URLParam(r, "name")
	sched, err := s.schedules.ByName(name)
	if err != nil {
		s.log.Error().Err(err).Str("schedule", name).Msg("Failed to load schedule")
		s.writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	if sched == nil {
		s.writeError(w, http.StatusNotFound, "unknown schedule "+name)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	execs, err := s.schedules.RecentExecutions(sched.ID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("schedule", name).Msg("Failed to list executions")
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedule":   name,
		"count":      len(execs),
		"executions": execs,
	})
}
