package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wojtczak/sygnal/internal/scheduler"
)

type marketStatus struct {
	SessionKey   string    `json:"session_key"`
	IsTradingDay bool      `json:"is_trading_day"`
	InSession    bool      `json:"in_session"`
	PreMarket    bool      `json:"pre_market"`
	OpensAt      time.Time `json:"opens_at"`
	ClosesAt     time.Time `json:"closes_at"`
}

type systemStatus struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemUsedMB      uint64  `json:"mem_used_mb"`
	DiskFreeMB     uint64  `json:"disk_free_mb,omitempty"`
	Goroutines     int     `json:"goroutines"`
}

type poolStatus struct {
	InFlight   []string `json:"in_flight"`
	QueueDepth int      `json:"queue_depth"`
}

type scheduleStatus struct {
	scheduleView
	LastExecution *scheduler.Execution `json:"last_execution,omitempty"`
}

type statusResponse struct {
	Status        string           `json:"status"`
	Time          time.Time        `json:"time"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	SignalProfile string           `json:"signal_profile,omitempty"`
	Market        marketStatus     `json:"market"`
	System        systemStatus     `json:"system"`
	Pool          *poolStatus      `json:"pool,omitempty"`
	Schedules     []scheduleStatus `json:"schedules,omitempty"`
}

// handleStatus returns engine, market, system, pool, and schedule state in
// one snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.calendar.Now()
	session := s.calendar.CurrentSession()

	resp := statusResponse{
		Status:        "ok",
		Time:          now,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		Market: marketStatus{
			SessionKey:   session.Key(),
			IsTradingDay: session.IsTradingDay,
			InSession:    s.calendar.IsInSession(now),
			PreMarket:    s.calendar.IsPreMarket(now),
			OpensAt:      session.Open,
			ClosesAt:     session.Close,
		},
		System: s.systemStatus(),
	}

	if s.store != nil {
		resp.SignalProfile = s.store.Current().SignalProfile
	}

	if s.pool != nil {
		resp.Pool = &poolStatus{
			InFlight:   s.pool.InFlight(),
			QueueDepth: s.pool.QueueDepth(),
		}
	}

	if s.schedules != nil {
		states, err := s.scheduleStates()
		if err != nil {
			s.log.Warn().Err(err).Msg("Status collected without schedule state")
		}
		resp.Schedules = states
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// systemStatus samples CPU over 100ms to keep the endpoint fast for pollers.
func (s *Server) systemStatus() systemStatus {
	out := systemStatus{Goroutines: runtime.NumGoroutine()}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		out.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		out.MemUsedPercent = memStat.UsedPercent
		out.MemUsedMB = memStat.Used / 1024 / 1024
	}

	if s.store != nil {
		if diskStat, err := disk.Usage(s.store.Current().DataDir); err == nil {
			out.DiskFreeMB = diskStat.Free / 1024 / 1024
		}
	}
	return out
}

func (s *Server) scheduleStates() ([]scheduleStatus, error) {
	all, err := s.schedules.All()
	if err != nil {
		return nil, err
	}

	states := make([]scheduleStatus, 0, len(all))
	for _, sched := range all {
		state := scheduleStatus{scheduleView: scheduleToView(sched)}
		execs, err := s.schedules.RecentExecutions(sched.ID, 1)
		if err == nil && len(execs) > 0 {
			state.LastExecution = &execs[0]
		}
		states = append(states, state)
	}
	return states, nil
}
