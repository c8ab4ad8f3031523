package signals

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wojtczak/sygnal/internal/domain"
)

// signalColumns is the canonical select list for the signals table, aliased
// as s. Keep in sync with signalRow.dests.
const signalColumns = `
	s.id, s.user_id, s.symbol, s.session_date, s.created_at, s.type,
	s.confidence, s.price_at_signal, s.target_price, s.stop_loss_price,
	s.position_size, s.reason_json, s.news_json, s.modified_by_news,
	s.is_dispatched, s.dispatched_at`

// outcomeColumns is the select list for a LEFT JOINed outcomes row, aliased
// as o. Keep in sync with outcomeRow.dests.
const outcomeColumns = `
	o.resolution, o.exit_price, o.realised_return_pct, o.resolved_at,
	o.duration_minutes`

// SignalRepository persists trading signals and their outcomes to ledger.db.
// Outcomes are write-once: every write path inserts through a NOT EXISTS
// guard, so a resolved signal can never be re-resolved.
type SignalRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ domain.SignalStore = (*SignalRepository)(nil)

// NewSignalRepository creates a signal repository.
func NewSignalRepository(db *sql.DB, log zerolog.Logger) *SignalRepository {
	return &SignalRepository{
		db:  db,
		log: log.With().Str("repo", "signals").Logger(),
	}
}

// Insert persists a validated signal. When supersede names a prior signal,
// the prior is finalised as cancelled (exit at the new signal's entry price)
// and the new row is inserted in the same transaction, so observers never
// see two open signals for the pair.
func (r *SignalRepository) Insert(signal domain.TradingSignal, supersede *string) error {
	if signal.ID == "" {
		return domain.NewInvariantError("signal id is required")
	}
	if err := signal.Validate(); err != nil {
		return err
	}

	reasonJSON, err := json.Marshal(signal.Reason)
	if err != nil {
		return fmt.Errorf("failed to encode reason for signal %s: %w", signal.ID, err)
	}

	var newsJSON []byte
	if signal.NewsImpact != nil {
		if newsJSON, err = json.Marshal(signal.NewsImpact); err != nil {
			return fmt.Errorf("failed to encode news aggregate for signal %s: %w", signal.ID, err)
		}
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin signal insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if supersede != nil {
		if err := r.cancelSuperseded(tx, *supersede, signal); err != nil {
			return err
		}
	}

	var dispatchedAt any
	if signal.DispatchedAt != nil {
		dispatchedAt = signal.DispatchedAt.UTC().Format(time.RFC3339)
	}

	_, err = tx.Exec(`
		INSERT INTO signals (
			id, user_id, symbol, session_date, created_at, type,
			confidence, price_at_signal, target_price, stop_loss_price,
			position_size, reason_json, news_json, modified_by_news,
			is_dispatched, dispatched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		signal.ID,
		signal.UserID,
		signal.Symbol,
		signal.SessionKey,
		signal.CreatedAt.UTC().Format(time.RFC3339),
		string(signal.Type),
		signal.Confidence,
		signal.PriceAtSignal.String(),
		signal.TargetPrice.String(),
		signal.StopLossPrice.String(),
		signal.PositionSize,
		reasonJSON,
		newsJSON,
		boolToInt(signal.ModifiedByNews),
		boolToInt(signal.IsDispatched),
		dispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", signal.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit signal insert: %w", err)
	}
	return nil
}

// cancelSuperseded finalises the prior open signal as cancelled, exiting at
// the successor's entry price. A prior that resolved since the caller's open
// check is left untouched; the guard insert writes nothing.
func (r *SignalRepository) cancelSuperseded(tx *sql.Tx, oldID string, successor domain.TradingSignal) error {
	row := tx.QueryRow(
		`SELECT type, price_at_signal, created_at FROM signals WHERE id = ? AND is_deleted = 0`,
		oldID,
	)

	var sigType, priceStr, createdStr string
	if err := row.Scan(&sigType, &priceStr, &createdStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewInvariantError(fmt.Sprintf("superseded signal %s not found", oldID))
		}
		return fmt.Errorf("failed to load superseded signal %s: %w", oldID, err)
	}

	entry, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.NewMalformedError(fmt.Sprintf("signal %s entry price %q is not a decimal", oldID, priceStr))
	}
	createdAt, err := time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return domain.NewMalformedError(fmt.Sprintf("signal %s created_at %q is not a timestamp", oldID, createdStr))
	}

	exitAt := successor.CreatedAt.UTC()
	realised := domain.RealisedReturnPct(domain.SignalType(sigType), entry, successor.PriceAtSignal)

	res, err := tx.Exec(`
		INSERT INTO outcomes (
			signal_id, resolution, exit_price, realised_return_pct,
			resolved_at, duration_minutes
		)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM outcomes WHERE signal_id = ? AND is_deleted = 0
		)`,
		oldID,
		string(domain.ResolutionCancelled),
		successor.PriceAtSignal.String(),
		realised.String(),
		exitAt.Format(time.RFC3339),
		int64(exitAt.Sub(createdAt).Minutes()),
		oldID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel signal %s: %w", oldID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read cancel result: %w", err)
	}
	if n == 0 {
		r.log.Debug().Str("signal_id", oldID).Msg("Supersede skipped, prior signal already resolved")
	}
	return nil
}

// OpenSignal returns the latest non-hold signal for the pair that has no
// outcome yet, or nil when the pair has nothing open.
func (r *SignalRepository) OpenSignal(userID int64, symbol string) (*domain.TradingSignal, error) {
	row := r.db.QueryRow(`
		SELECT `+signalColumns+` FROM signals s
		WHERE s.user_id = ? AND s.symbol = ? AND s.type != 'hold' AND s.is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM outcomes o WHERE o.signal_id = s.id AND o.is_deleted = 0
		  )
		ORDER BY s.created_at DESC
		LIMIT 1`,
		userID, symbol,
	)

	var w signalRow
	if err := row.Scan(w.dests()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open signal for user %d %s: %w", userID, symbol, err)
	}
	return w.toSignal()
}

// Undispatched returns unresolved non-hold signals awaiting dispatch, oldest
// first. Signals that resolved before dispatch never show up again; the
// session-close sweep marks them expired instead.
func (r *SignalRepository) Undispatched(limit int) ([]domain.TradingSignal, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(`
		SELECT `+signalColumns+` FROM signals s
		WHERE s.is_dispatched = 0 AND s.type != 'hold' AND s.is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM outcomes o WHERE o.signal_id = s.id AND o.is_deleted = 0
		  )
		ORDER BY s.created_at ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query undispatched signals: %w", err)
	}
	defer rows.Close()

	return collectSignals(rows)
}

// UndispatchedForSession returns every undispatched non-hold signal of a
// session, for the close-of-session expiry sweep.
func (r *SignalRepository) UndispatchedForSession(sessionKey string) ([]domain.TradingSignal, error) {
	rows, err := r.db.Query(`
		SELECT `+signalColumns+` FROM signals s
		WHERE s.session_date = ? AND s.is_dispatched = 0 AND s.type != 'hold' AND s.is_deleted = 0
		ORDER BY s.created_at ASC`,
		sessionKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query undispatched signals for %s: %w", sessionKey, err)
	}
	defer rows.Close()

	return collectSignals(rows)
}

// Unresolved returns non-hold signals with no outcome, oldest first.
func (r *SignalRepository) Unresolved(limit int) ([]domain.TradingSignal, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(`
		SELECT `+signalColumns+` FROM signals s
		WHERE s.type != 'hold' AND s.is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM outcomes o WHERE o.signal_id = s.id AND o.is_deleted = 0
		  )
		ORDER BY s.created_at ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved signals: %w", err)
	}
	defer rows.Close()

	return collectSignals(rows)
}

// UnresolvedForSession returns a session's non-hold signals with no outcome,
// oldest first, for the close-of-session resolution sweep.
func (r *SignalRepository) UnresolvedForSession(sessionKey string) ([]domain.TradingSignal, error) {
	rows, err := r.db.Query(`
		SELECT `+signalColumns+` FROM signals s
		WHERE s.session_date = ? AND s.type != 'hold' AND s.is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM outcomes o WHERE o.signal_id = s.id AND o.is_deleted = 0
		  )
		ORDER BY s.created_at ASC`,
		sessionKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved signals for %s: %w", sessionKey, err)
	}
	defer rows.Close()

	return collectSignals(rows)
}

// ForSession returns every user's signals for a session with outcomes
// attached, oldest first. Used by the outcome metrics.
func (r *SignalRepository) ForSession(sessionKey string) ([]domain.TradingSignal, error) {
	rows, err := r.db.Query(`
		SELECT `+signalColumns+`, `+outcomeColumns+` FROM signals s
		LEFT JOIN outcomes o ON o.signal_id = s.id AND o.is_deleted = 0
		WHERE s.session_date = ? AND s.is_deleted = 0
		ORDER BY s.created_at ASC`,
		sessionKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals for session %s: %w", sessionKey, err)
	}
	defer rows.Close()

	return collectSignalsWithOutcome(rows)
}

// MarkDispatched records the dispatch instant on a signal.
func (r *SignalRepository) MarkDispatched(signalID string, at time.Time) error {
	res, err := r.db.Exec(
		`UPDATE signals SET is_dispatched = 1, dispatched_at = ? WHERE id = ? AND is_deleted = 0`,
		at.UTC().Format(time.RFC3339), signalID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark signal %s dispatched: %w", signalID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read dispatch result: %w", err)
	}
	if n == 0 {
		return domain.NewInvariantError(fmt.Sprintf("signal %s not found", signalID))
	}
	return nil
}

// AttachOutcome records the terminal state of a signal. Outcomes are
// write-once; attaching to an already resolved or unknown signal returns an
// invariant error.
func (r *SignalRepository) AttachOutcome(outcome domain.SignalOutcome) error {
	if outcome.SignalID == "" {
		return domain.NewInvariantError("outcome signal id is required")
	}
	switch outcome.Resolution {
	case domain.ResolutionTargetHit, domain.ResolutionStopHit,
		domain.ResolutionSessionClose, domain.ResolutionCancelled:
	default:
		return domain.NewInvariantError(fmt.Sprintf("unknown resolution %q", outcome.Resolution))
	}

	res, err := r.db.Exec(`
		INSERT INTO outcomes (
			signal_id, resolution, exit_price, realised_return_pct,
			resolved_at, duration_minutes
		)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (
			SELECT 1 FROM signals WHERE id = ? AND is_deleted = 0
		) AND NOT EXISTS (
			SELECT 1 FROM outcomes WHERE signal_id = ? AND is_deleted = 0
		)`,
		outcome.SignalID,
		string(outcome.Resolution),
		outcome.ExitPrice.String(),
		outcome.RealisedPct.String(),
		outcome.ExitAt.UTC().Format(time.RFC3339),
		outcome.HoldingMinutes,
		outcome.SignalID,
		outcome.SignalID,
	)
	if err != nil {
		return fmt.Errorf("failed to attach outcome to signal %s: %w", outcome.SignalID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read outcome result: %w", err)
	}
	if n == 0 {
		var resolved int
		row := r.db.QueryRow(`SELECT COUNT(*) FROM outcomes WHERE signal_id = ? AND is_deleted = 0`, outcome.SignalID)
		if err := row.Scan(&resolved); err != nil {
			return fmt.Errorf("failed to check outcome for signal %s: %w", outcome.SignalID, err)
		}
		if resolved > 0 {
			return domain.NewInvariantError(fmt.Sprintf("signal %s already resolved", outcome.SignalID))
		}
		return domain.NewInvariantError(fmt.Sprintf("signal %s not found", outcome.SignalID))
	}
	return nil
}

// CountForUserOnDate counts the user's non-hold signals for the session that
// are still open or were dispatched, which is what the per-day cap limits.
func (r *SignalRepository) CountForUserOnDate(userID int64, sessionKey string) (int, error) {
	row := r.db.QueryRow(`
		SELECT COUNT(*) FROM signals s
		WHERE s.user_id = ? AND s.session_date = ? AND s.type != 'hold' AND s.is_deleted = 0
		  AND (
			s.is_dispatched = 1
			OR NOT EXISTS (
				SELECT 1 FROM outcomes o WHERE o.signal_id = s.id AND o.is_deleted = 0
			)
		  )`,
		userID, sessionKey,
	)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count signals for user %d on %s: %w", userID, sessionKey, err)
	}
	return n, nil
}

// ForUserOnDate returns the user's signals for a session with outcomes
// attached, oldest first. Used by the daily summary and the API.
func (r *SignalRepository) ForUserOnDate(userID int64, sessionKey string) ([]domain.TradingSignal, error) {
	rows, err := r.db.Query(`
		SELECT `+signalColumns+`, `+outcomeColumns+` FROM signals s
		LEFT JOIN outcomes o ON o.signal_id = s.id AND o.is_deleted = 0
		WHERE s.user_id = ? AND s.session_date = ? AND s.is_deleted = 0
		ORDER BY s.created_at ASC`,
		userID, sessionKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals for user %d on %s: %w", userID, sessionKey, err)
	}
	defer rows.Close()

	return collectSignalsWithOutcome(rows)
}

// ByID returns one signal with its outcome attached, or nil when unknown.
func (r *SignalRepository) ByID(id string) (*domain.TradingSignal, error) {
	rows, err := r.db.Query(`
		SELECT `+signalColumns+`, `+outcomeColumns+` FROM signals s
		LEFT JOIN outcomes o ON o.signal_id = s.id AND o.is_deleted = 0
		WHERE s.id = ? AND s.is_deleted = 0`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal %s: %w", id, err)
	}
	defer rows.Close()

	signals, err := collectSignalsWithOutcome(rows)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, nil
	}
	return &signals[0], nil
}

// Recent returns the newest signals with outcomes attached.
func (r *SignalRepository) Recent(limit int) ([]domain.TradingSignal, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(`
		SELECT `+signalColumns+`, `+outcomeColumns+` FROM signals s
		LEFT JOIN outcomes o ON o.signal_id = s.id AND o.is_deleted = 0
		WHERE s.is_deleted = 0
		ORDER BY s.created_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent signals: %w", err)
	}
	defer rows.Close()

	return collectSignalsWithOutcome(rows)
}

// signalRow receives one scanned signals row before conversion.
type signalRow struct {
	id           string
	userID       int64
	symbol       string
	sessionDate  string
	createdAt    string
	sigType      string
	confidence   float64
	price        string
	target       sql.NullString
	stop         sql.NullString
	positionSize int64
	reasonJSON   []byte
	newsJSON     []byte
	modified     int
	dispatched   int
	dispatchedAt sql.NullString
}

func (w *signalRow) dests() []any {
	return []any{
		&w.id, &w.userID, &w.symbol, &w.sessionDate, &w.createdAt, &w.sigType,
		&w.confidence, &w.price, &w.target, &w.stop,
		&w.positionSize, &w.reasonJSON, &w.newsJSON, &w.modified,
		&w.dispatched, &w.dispatchedAt,
	}
}

func (w *signalRow) toSignal() (*domain.TradingSignal, error) {
	createdAt, err := time.Parse(time.RFC3339, w.createdAt)
	if err != nil {
		return nil, domain.NewMalformedError(fmt.Sprintf("signal %s created_at %q is not a timestamp", w.id, w.createdAt))
	}

	price, err := parsePrice(w.id, w.price)
	if err != nil {
		return nil, err
	}
	target, err := parseNullPrice(w.id, w.target)
	if err != nil {
		return nil, err
	}
	stop, err := parseNullPrice(w.id, w.stop)
	if err != nil {
		return nil, err
	}

	s := domain.TradingSignal{
		ID:             w.id,
		UserID:         w.userID,
		Symbol:         w.symbol,
		SessionKey:     w.sessionDate,
		CreatedAt:      createdAt,
		Type:           domain.SignalType(w.sigType),
		Confidence:     w.confidence,
		PriceAtSignal:  price,
		TargetPrice:    target,
		StopLossPrice:  stop,
		PositionSize:   w.positionSize,
		ModifiedByNews: w.modified != 0,
		IsDispatched:   w.dispatched != 0,
	}

	if err := json.Unmarshal(w.reasonJSON, &s.Reason); err != nil {
		return nil, domain.NewMalformedError(fmt.Sprintf("signal %s reason payload: %v", w.id, err))
	}
	if len(w.newsJSON) > 0 {
		var agg domain.NewsAggregate
		if err := json.Unmarshal(w.newsJSON, &agg); err != nil {
			return nil, domain.NewMalformedError(fmt.Sprintf("signal %s news payload: %v", w.id, err))
		}
		s.NewsImpact = &agg
	}
	if w.dispatchedAt.Valid {
		at, err := time.Parse(time.RFC3339, w.dispatchedAt.String)
		if err != nil {
			return nil, domain.NewMalformedError(fmt.Sprintf("signal %s dispatched_at %q is not a timestamp", w.id, w.dispatchedAt.String))
		}
		s.DispatchedAt = &at
	}

	return &s, nil
}

// outcomeRow receives one LEFT JOINed outcomes row; every field is nullable.
type outcomeRow struct {
	resolution sql.NullString
	exitPrice  sql.NullString
	realised   sql.NullString
	resolvedAt sql.NullString
	minutes    sql.NullInt64
}

func (w *outcomeRow) dests() []any {
	return []any{&w.resolution, &w.exitPrice, &w.realised, &w.resolvedAt, &w.minutes}
}

func (w *outcomeRow) toOutcome(signalID string) (*domain.SignalOutcome, error) {
	if !w.resolution.Valid {
		return nil, nil
	}

	exit, err := parsePrice(signalID, w.exitPrice.String)
	if err != nil {
		return nil, err
	}
	realised, err := parsePrice(signalID, w.realised.String)
	if err != nil {
		return nil, err
	}
	resolvedAt, err := time.Parse(time.RFC3339, w.resolvedAt.String)
	if err != nil {
		return nil, domain.NewMalformedError(fmt.Sprintf("outcome for %s resolved_at %q is not a timestamp", signalID, w.resolvedAt.String))
	}

	return &domain.SignalOutcome{
		SignalID:       signalID,
		Resolution:     domain.Resolution(w.resolution.String),
		ExitPrice:      exit,
		ExitAt:         resolvedAt,
		RealisedPct:    realised,
		HoldingMinutes: w.minutes.Int64,
	}, nil
}

func collectSignals(rows *sql.Rows) ([]domain.TradingSignal, error) {
	var out []domain.TradingSignal
	for rows.Next() {
		var w signalRow
		if err := rows.Scan(w.dests()...); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		s, err := w.toSignal()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func collectSignalsWithOutcome(rows *sql.Rows) ([]domain.TradingSignal, error) {
	var out []domain.TradingSignal
	for rows.Next() {
		var w signalRow
		var o outcomeRow
		if err := rows.Scan(append(w.dests(), o.dests()...)...); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		s, err := w.toSignal()
		if err != nil {
			return nil, err
		}
		if s.Outcome, err = o.toOutcome(s.ID); err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func parsePrice(signalID, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, domain.NewMalformedError(fmt.Sprintf("signal %s value %q is not a decimal", signalID, raw))
	}
	return d, nil
}

func parseNullPrice(signalID string, raw sql.NullString) (decimal.Decimal, error) {
	if !raw.Valid {
		return decimal.Decimal{}, nil
	}
	return parsePrice(signalID, raw.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
