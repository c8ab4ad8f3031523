package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wojtczak/sygnal/internal/di"
	"github.com/wojtczak/sygnal/internal/scheduler"
)

// cmdStatus prints an operator report: session state, database health,
// schedule positions with their last executions, today's outcome metrics,
// and host load. Exit code 2 flags an unhealthy database so the command
// doubles as a probe.
func cmdStatus(ctx context.Context, container *di.Container) int {
	now := container.Calendar.Now()
	session := container.Calendar.CurrentSession()

	fmt.Printf("sygnal status at %s\n", now.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("session %s: trading_day=%t in_session=%t pre_market=%t\n\n",
		session.Key(), session.IsTradingDay,
		container.Calendar.IsInSession(now), container.Calendar.IsPreMarket(now))

	healthy := printDatabases(ctx, container)
	printSchedules(container)
	printMetrics(container, session.Key())
	printSystem()

	if !healthy {
		return exitTransient
	}
	return exitOK
}

func printDatabases(ctx context.Context, container *di.Container) bool {
	fmt.Println("databases:")
	healthy := true
	for _, db := range container.Databases() {
		if err := db.HealthCheck(ctx); err != nil {
			fmt.Printf("  %-10s ERROR %v\n", db.Name(), err)
			healthy = false
			continue
		}
		fmt.Printf("  %-10s ok\n", db.Name())
	}
	fmt.Println()
	return healthy
}

func printSchedules(container *di.Container) {
	schedules, err := container.ScheduleRepo.All()
	if err != nil {
		fmt.Printf("schedules: unavailable (%v)\n\n", err)
		return
	}

	fmt.Println("schedules:")
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tKIND\tACTIVE\tNEXT RUN\tFAILURES\tLAST RESULT")
	for _, s := range schedules {
		fmt.Fprintf(w, "  %s\t%s\t%t\t%s\t%d\t%s\n",
			s.Name, s.Kind, s.IsActive, formatTime(s.NextRunAt),
			s.ConsecutiveFailures, lastResult(container, s))
	}
	w.Flush()
	fmt.Println()
}

func lastResult(container *di.Container, s scheduler.Schedule) string {
	execs, err := container.ScheduleRepo.RecentExecutions(s.ID, 1)
	if err != nil || len(execs) == 0 {
		return "-"
	}
	e := execs[0]
	if e.Error != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Error)
	}
	return fmt.Sprintf("%s (%d items)", e.Status, e.ItemsProcessed)
}

func printMetrics(container *di.Container, sessionKey string) {
	metrics, err := container.Reporter.Daily(sessionKey)
	if err != nil {
		fmt.Printf("today: unavailable (%v)\n\n", err)
		return
	}
	fmt.Printf("today (%s):\n", sessionKey)
	fmt.Printf("  signals=%d target_hits=%d stop_hits=%d session_closes=%d pending=%d\n",
		metrics.Total, metrics.TargetHits, metrics.StopHits, metrics.SessionCloses, metrics.Pending)
	if metrics.Total > 0 {
		fmt.Printf("  win_rate=%.1f%% mean_return=%.2f%% best=%.2f%% worst=%.2f%%\n",
			metrics.WinRate, metrics.MeanReturnPct, metrics.BestReturnPct, metrics.WorstReturnPct)
	}
	fmt.Println()
}

func printSystem() {
	fmt.Println("system:")
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		fmt.Printf("  cpu=%.1f%%", pct[0])
	} else {
		fmt.Printf("  cpu=n/a")
	}
	if stat, err := mem.VirtualMemory(); err == nil {
		fmt.Printf(" mem=%.1f%% (%d MB used)", stat.UsedPercent, stat.Used/1024/1024)
	} else {
		fmt.Printf(" mem=n/a")
	}
	fmt.Printf(" goroutines=%d\n", runtime.NumGoroutine())
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
