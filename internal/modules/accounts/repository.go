// Package accounts manages signal recipients and their trading preferences,
// stored in accounts.db. Preferences are read once per user per generation
// cycle, so the repository keeps a short-lived in-memory cache that writes
// through this process invalidate immediately.
package accounts

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wojtczak/sygnal/internal/domain"
)

// prefsCacheTTL bounds how stale a cached preference row may get. Edits made
// outside this process become visible within the TTL.
const prefsCacheTTL = 5 * time.Minute

const userColumns = `id, email, telegram_chat_id, is_active`

const prefColumns = `user_id, target_profit_pct, stop_loss_pct, min_confidence,
	max_position_size_pct, min_position_value, min_daily_volume, available_capital,
	trading_style, channels, max_signals_per_day, daily_summary_opt_in`

// UserRepository handles user and preference operations against accounts.db.
type UserRepository struct {
	db    *sql.DB
	clock domain.Clock
	log   zerolog.Logger

	mu    sync.RWMutex
	prefs map[int64]prefsEntry
}

type prefsEntry struct {
	prefs     domain.UserPreferences
	fetchedAt time.Time
}

var _ domain.UserStore = (*UserRepository)(nil)

// NewUserRepository creates a new user repository.
func NewUserRepository(db *sql.DB, clock domain.Clock, log zerolog.Logger) *UserRepository {
	return &UserRepository{
		db:    db,
		clock: clock,
		log:   log.With().Str("repo", "accounts").Logger(),
		prefs: make(map[int64]prefsEntry),
	}
}

// UpsertUser inserts or updates a user keyed by email and returns the user id.
// Emails are normalized to lower case.
func (r *UserRepository) UpsertUser(user domain.User) (int64, error) {
	email := normalizeEmail(user.Email)
	if email == "" {
		return 0, domain.NewInvariantError("user email is empty")
	}

	now := r.clock.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`
		INSERT INTO users (email, telegram_chat_id, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			telegram_chat_id = excluded.telegram_chat_id,
			is_active = excluded.is_active,
			is_deleted = 0,
			updated_at = excluded.updated_at`,
		email, user.TelegramChatID, boolToInt(user.IsActive), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert user %s: %w", email, err)
	}

	var id int64
	if err := r.db.QueryRow("SELECT id FROM users WHERE email = ?", email).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to resolve user id for %s: %w", email, err)
	}
	return id, nil
}

// GetByEmail returns a user by email, or nil when unknown.
func (r *UserRepository) GetByEmail(email string) (*domain.User, error) {
	row := r.db.QueryRow(
		"SELECT "+userColumns+" FROM users WHERE email = ? AND is_deleted = 0",
		normalizeEmail(email),
	)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by email: %w", err)
	}
	return user, nil
}

// ActiveUsers lists users eligible for signal generation, ordered by id for
// deterministic cycles.
func (r *UserRepository) ActiveUsers() ([]domain.User, error) {
	rows, err := r.db.Query(
		"SELECT " + userColumns + " FROM users WHERE is_active = 1 AND is_deleted = 0 ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// Deactivate removes a user from signal generation without deleting history.
func (r *UserRepository) Deactivate(userID int64) error {
	res, err := r.db.Exec(
		"UPDATE users SET is_active = 0, updated_at = ? WHERE id = ? AND is_deleted = 0",
		r.clock.Now().UTC().Format(time.RFC3339), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate user %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

// Preferences returns the user's trading preferences. When no row is stored,
// or the stored row no longer parses or validates, the defaults apply.
func (r *UserRepository) Preferences(userID int64) (domain.UserPreferences, error) {
	now := r.clock.Now()
	if cached, ok := r.cachedPrefs(userID, now); ok {
		return cached, nil
	}

	row := r.db.QueryRow(
		"SELECT "+prefColumns+" FROM preferences WHERE user_id = ? AND is_deleted = 0",
		userID,
	)

	prefs, err := scanPreferences(row)
	switch {
	case err == sql.ErrNoRows:
		return r.fallbackPrefs(userID, now, nil), nil
	case domain.KindOf(err) == domain.KindMalformed:
		return r.fallbackPrefs(userID, now, err), nil
	case err != nil:
		return domain.UserPreferences{}, fmt.Errorf("failed to query preferences for user %d: %w", userID, err)
	}

	if err := prefs.Validate(); err != nil {
		return r.fallbackPrefs(userID, now, err), nil
	}

	r.storePrefs(userID, *prefs, now)
	return *prefs, nil
}

// SavePreferences validates and upserts the preference row, then invalidates
// the cache entry so the next read sees it.
func (r *UserRepository) SavePreferences(p domain.UserPreferences) error {
	if p.UserID <= 0 {
		return domain.NewInvariantError("preferences user id is not set")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	now := r.clock.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`
		INSERT INTO preferences (
			user_id, target_profit_pct, stop_loss_pct, min_confidence,
			max_position_size_pct, min_position_value, min_daily_volume,
			available_capital, trading_style, channels, max_signals_per_day,
			daily_summary_opt_in, is_deleted, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			target_profit_pct = excluded.target_profit_pct,
			stop_loss_pct = excluded.stop_loss_pct,
			min_confidence = excluded.min_confidence,
			max_position_size_pct = excluded.max_position_size_pct,
			min_position_value = excluded.min_position_value,
			min_daily_volume = excluded.min_daily_volume,
			available_capital = excluded.available_capital,
			trading_style = excluded.trading_style,
			channels = excluded.channels,
			max_signals_per_day = excluded.max_signals_per_day,
			daily_summary_opt_in = excluded.daily_summary_opt_in,
			is_deleted = 0,
			updated_at = excluded.updated_at`,
		p.UserID,
		p.TargetProfitPct.InexactFloat64(),
		p.MaxLossPct.InexactFloat64(),
		p.MinConfidenceThreshold,
		p.MaxPositionSizePct.InexactFloat64(),
		p.MinPositionValue.String(),
		p.MinDailyVolume,
		p.AvailableCapital.String(),
		string(p.TradingStyle),
		encodeChannels(p.Channels),
		p.MaxSignalsPerDay,
		boolToInt(p.DailySummaryOptIn),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save preferences for user %d: %w", p.UserID, err)
	}

	r.invalidatePrefs(p.UserID)
	return nil
}

// EnsureSeeded inserts the given users if the table is empty, so a fresh
// install has at least one recipient. It reports whether it inserted
// anything; a non-empty table is left alone. Preferences stay on defaults
// until saved explicitly.
func (r *UserRepository) EnsureSeeded(defaults []domain.User) (bool, error) {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM users WHERE is_deleted = 0").Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	for _, u := range defaults {
		if _, err := r.UpsertUser(u); err != nil {
			return false, err
		}
	}
	r.log.Info().Int("count", len(defaults)).Msg("Seeded user accounts")
	return len(defaults) > 0, nil
}

func (r *UserRepository) fallbackPrefs(userID int64, now time.Time, cause error) domain.UserPreferences {
	if cause != nil {
		r.log.Warn().Err(cause).Int64("user_id", userID).Msg("Stored preferences unusable, using defaults")
	}
	defaults := domain.DefaultPreferences(userID)
	r.storePrefs(userID, defaults, now)
	return defaults
}

func (r *UserRepository) cachedPrefs(userID int64, now time.Time) (domain.UserPreferences, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.prefs[userID]
	if !ok || now.Sub(entry.fetchedAt) >= prefsCacheTTL {
		return domain.UserPreferences{}, false
	}
	return entry.prefs, true
}

func (r *UserRepository) storePrefs(userID int64, p domain.UserPreferences, now time.Time) {
	r.mu.Lock()
	r.prefs[userID] = prefsEntry{prefs: p, fetchedAt: now}
	r.mu.Unlock()
}

func (r *UserRepository) invalidatePrefs(userID int64) {
	r.mu.Lock()
	delete(r.prefs, userID)
	r.mu.Unlock()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(s scanner) (*domain.User, error) {
	var (
		user   domain.User
		chatID sql.NullString
		active int
	)
	if err := s.Scan(&user.ID, &user.Email, &chatID, &active); err != nil {
		return nil, err
	}
	user.TelegramChatID = chatID.String
	user.IsActive = active == 1
	return &user, nil
}

func scanPreferences(s scanner) (*domain.UserPreferences, error) {
	var (
		p            domain.UserPreferences
		targetPct    float64
		stopPct      float64
		posSizePct   float64
		minPosValue  string
		capital      string
		style        string
		channels     string
		summaryOptIn int
	)
	if err := s.Scan(
		&p.UserID, &targetPct, &stopPct, &p.MinConfidenceThreshold,
		&posSizePct, &minPosValue, &p.MinDailyVolume, &capital,
		&style, &channels, &p.MaxSignalsPerDay, &summaryOptIn,
	); err != nil {
		return nil, err
	}

	p.TargetProfitPct = decimal.NewFromFloat(targetPct)
	p.MaxLossPct = decimal.NewFromFloat(stopPct)
	p.MaxPositionSizePct = decimal.NewFromFloat(posSizePct)
	p.TradingStyle = domain.TradingStyle(style)
	p.Channels = parseChannels(channels)
	p.DailySummaryOptIn = summaryOptIn == 1

	var err error
	if p.MinPositionValue, err = decimal.NewFromString(minPosValue); err != nil {
		return nil, domain.NewMalformedError("min position value " + minPosValue + " is not a decimal")
	}
	if p.AvailableCapital, err = decimal.NewFromString(capital); err != nil {
		return nil, domain.NewMalformedError("available capital " + capital + " is not a decimal")
	}
	return &p, nil
}

// parseChannels decodes the comma-separated channels column. Unknown tokens
// and duplicates are dropped.
func parseChannels(raw string) []domain.NotificationChannel {
	var (
		channels []domain.NotificationChannel
		seen     = make(map[domain.NotificationChannel]bool)
	)
	for _, token := range strings.Split(raw, ",") {
		ch := domain.NotificationChannel(strings.TrimSpace(token))
		switch ch {
		case domain.ChannelTelegram, domain.ChannelEmail:
			if !seen[ch] {
				channels = append(channels, ch)
				seen[ch] = true
			}
		}
	}
	return channels
}

func encodeChannels(channels []domain.NotificationChannel) string {
	tokens := make([]string, 0, len(channels))
	for _, c := range channels {
		tokens = append(tokens, string(c))
	}
	return strings.Join(tokens, ",")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
