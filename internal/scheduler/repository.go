package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
)

const scheduleColumns = `id, name, job_type, interval_seconds, active_hours_start, active_hours_end,
	active_days, skip_holidays, is_active, max_retries, consecutive_failures, config_json,
	last_run_at, next_run_at, created_at, updated_at`

// ScheduleRepository persists schedules and their execution history in
// cache.db.
type ScheduleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewScheduleRepository(db *sql.DB, log zerolog.Logger) *ScheduleRepository {
	return &ScheduleRepository{
		db:  db,
		log: log.With().Str("repo", "schedules").Logger(),
	}
}

// Seed inserts any of the given schedules that do not exist yet. Existing
// rows are left untouched so operator edits survive restarts. Returns the
// number of rows inserted.
func (r *ScheduleRepository) Seed(schedules []Schedule) (int, error) {
	inserted := 0
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return inserted, fmt.Errorf("failed to seed schedule %s: %w", s.Name, err)
		}
		now := nowUTC()
		res, err := r.db.Exec(`
			INSERT INTO schedules (name, job_type, interval_seconds, active_hours_start, active_hours_end,
				active_days, skip_holidays, is_active, max_retries, config_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING`,
			s.Name, string(s.Kind), int(s.Interval.Seconds()), s.ActiveStart, s.ActiveEnd,
			s.Days.String(), boolToInt(s.SkipHolidays), boolToInt(s.IsActive), s.MaxRetries,
			nullIfEmpty(s.ConfigJSON), now, now,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to seed schedule %s: %w", s.Name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to seed schedule %s: %w", s.Name, err)
		}
		inserted += int(n)
	}
	if inserted > 0 {
		r.log.Info().Int("inserted", inserted).Msg("Seeded default schedules")
	}
	return inserted, nil
}

// All returns every non-deleted schedule ordered by name.
func (r *ScheduleRepository) All() ([]Schedule, error) {
	rows, err := r.db.Query(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE is_deleted = 0
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ByName returns the named schedule, or nil when it does not exist.
func (r *ScheduleRepository) ByName(name string) (*Schedule, error) {
	row := r.db.QueryRow(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE name = ? AND is_deleted = 0`, name)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule %s: %w", name, err)
	}
	return &s, nil
}

// ByID returns the schedule with the given id, or nil when it does not exist.
func (r *ScheduleRepository) ByID(id int64) (*Schedule, error) {
	row := r.db.QueryRow(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE id = ? AND is_deleted = 0`, id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule %d: %w", id, err)
	}
	return &s, nil
}

// Due returns active schedules whose next run is unset or at/before now.
func (r *ScheduleRepository) Due(now time.Time) ([]Schedule, error) {
	rows, err := r.db.Query(`
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE is_deleted = 0 AND is_active = 1
		  AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY name`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// MarkSuccess records a completed run and the aligned next boundary, and
// resets the failure streak.
func (r *ScheduleRepository) MarkSuccess(id int64, ranAt, next time.Time) error {
	_, err := r.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, consecutive_failures = 0, updated_at = ?
		WHERE id = ?`,
		ranAt.UTC().Format(time.RFC3339), formatNullableTime(next), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark schedule %d successful: %w", id, err)
	}
	return nil
}

// MarkFailure records a failed run, advances to the next boundary, and
// returns the updated failure streak.
func (r *ScheduleRepository) MarkFailure(id int64, ranAt, next time.Time) (int, error) {
	_, err := r.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, consecutive_failures = consecutive_failures + 1, updated_at = ?
		WHERE id = ?`,
		ranAt.UTC().Format(time.RFC3339), formatNullableTime(next), nowUTC(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark schedule %d failed: %w", id, err)
	}
	var streak int
	if err := r.db.QueryRow(`SELECT consecutive_failures FROM schedules WHERE id = ?`, id).Scan(&streak); err != nil {
		return 0, fmt.Errorf("failed to read failure streak for schedule %d: %w", id, err)
	}
	return streak, nil
}

// Advance moves next_run_at without recording a run. Used when the tick
// lands outside the schedule's active window.
func (r *ScheduleRepository) Advance(id int64, next time.Time) error {
	_, err := r.db.Exec(`
		UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		formatNullableTime(next), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to advance schedule %d: %w", id, err)
	}
	return nil
}

// Update rewrites the editable fields of a schedule and clears next_run_at
// so the next tick realigns it under the new cadence.
func (r *ScheduleRepository) Update(s Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	res, err := r.db.Exec(`
		UPDATE schedules
		SET job_type = ?, interval_seconds = ?, active_hours_start = ?, active_hours_end = ?,
		    active_days = ?, skip_holidays = ?, is_active = ?, max_retries = ?, config_json = ?,
		    next_run_at = NULL, updated_at = ?
		WHERE id = ? AND is_deleted = 0`,
		string(s.Kind), int(s.Interval.Seconds()), s.ActiveStart, s.ActiveEnd,
		s.Days.String(), boolToInt(s.SkipHolidays), boolToInt(s.IsActive), s.MaxRetries,
		nullIfEmpty(s.ConfigJSON), nowUTC(), s.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", s.ID, err)
	}
	if n == 0 {
		return domain.NewMalformedError(fmt.Sprintf("schedule %d not found", s.ID))
	}
	return nil
}

// StartExecution opens an execution row and returns its id.
func (r *ScheduleRepository) StartExecution(scheduleID int64, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := r.db.Exec(`
		INSERT INTO executions (id, schedule_id, started_at, status)
		VALUES (?, ?, ?, ?)`,
		id, scheduleID, at.UTC().Format(time.RFC3339), ExecutionRunning)
	if err != nil {
		return "", fmt.Errorf("failed to start execution for schedule %d: %w", scheduleID, err)
	}
	return id, nil
}

// FinishExecution closes an execution row with its result.
func (r *ScheduleRepository) FinishExecution(id, status string, items int, errText string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE executions
		SET finished_at = ?, status = ?, items_processed = ?, error = ?
		WHERE id = ?`,
		at.UTC().Format(time.RFC3339), status, items, nullIfEmpty(errText), id)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", id, err)
	}
	return nil
}

// RecentExecutions returns the newest executions for a schedule.
func (r *ScheduleRepository) RecentExecutions(scheduleID int64, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, schedule_id, started_at, finished_at, status, items_processed, error
		FROM executions
		WHERE schedule_id = ? AND is_deleted = 0
		ORDER BY started_at DESC
		LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions for schedule %d: %w", scheduleID, err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		var (
			e        Execution
			started  string
			finished sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ScheduleID, &started, &finished, &e.Status, &e.ItemsProcessed, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.StartedAt, err = parseStoredTime(started)
		if err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := parseStoredTime(finished.String)
			if err != nil {
				return nil, err
			}
			e.FinishedAt = &t
		}
		e.Error = errText.String
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// PruneExecutions deletes execution rows that started before the cutoff.
// Returns the number of rows removed.
func (r *ScheduleRepository) PruneExecutions(before time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM executions WHERE started_at < ?`,
		before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	if n > 0 {
		r.log.Debug().Int64("removed", n).Msg("Pruned old executions")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var schedules []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var (
		s               Schedule
		kind            string
		intervalSeconds int
		days            string
		skipHolidays    int
		isActive        int
		configJSON      sql.NullString
		lastRun         sql.NullString
		nextRun         sql.NullString
		createdAt       string
		updatedAt       string
	)
	err := row.Scan(&s.ID, &s.Name, &kind, &intervalSeconds, &s.ActiveStart, &s.ActiveEnd,
		&days, &skipHolidays, &isActive, &s.MaxRetries, &s.ConsecutiveFailures, &configJSON,
		&lastRun, &nextRun, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Schedule{}, err
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to scan schedule: %w", err)
	}

	s.Kind = Kind(kind)
	s.Interval = time.Duration(intervalSeconds) * time.Second
	s.Days, err = ParseWeekdays(days)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to scan schedule %s: %w", s.Name, err)
	}
	s.SkipHolidays = skipHolidays != 0
	s.IsActive = isActive != 0
	s.ConfigJSON = configJSON.String

	if lastRun.Valid {
		t, err := parseStoredTime(lastRun.String)
		if err != nil {
			return Schedule{}, err
		}
		s.LastRunAt = &t
	}
	if nextRun.Valid {
		t, err := parseStoredTime(nextRun.String)
		if err != nil {
			return Schedule{}, err
		}
		s.NextRunAt = &t
	}
	if s.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return Schedule{}, err
	}
	if s.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Tolerate SQLite's datetime() format for rows edited by hand.
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}, domain.NewMalformedError(fmt.Sprintf("unparseable stored time %q", s))
		}
	}
	return t.UTC(), nil
}

func formatNullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
