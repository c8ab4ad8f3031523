// Package marketdata acquires and stores intraday OHLCV bars.
package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/wojtczak/sygnal/internal/domain"
)

const barColumns = `symbol, ts, open, high, low, close, volume`

// BarRepository stores OHLCV bars in history.db. Bars are append-only;
// a (symbol, timestamp) pair is written at most once.
type BarRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// Compile-time interface check.
var _ domain.OHLCVStore = (*BarRepository)(nil)

// NewBarRepository creates a new bar repository.
func NewBarRepository(db *sql.DB, log zerolog.Logger) *BarRepository {
	return &BarRepository{
		db:  db,
		log: log.With().Str("repo", "bars").Logger(),
	}
}

// Append inserts a bar if (symbol, timestamp) is new. Returns false without
// error when the bar already exists. Invalid bars are rejected before any
// write.
func (r *BarRepository) Append(bar domain.OHLCVBar) (bool, error) {
	if err := bar.Validate(); err != nil {
		return false, err
	}

	res, err := r.db.Exec(`
		INSERT INTO bars (symbol, ts, open, high, low, close, volume, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, ts) DO NOTHING`,
		bar.Symbol,
		bar.Timestamp.UTC().Format(time.RFC3339),
		bar.Open.String(),
		bar.High.String(),
		bar.Low.String(),
		bar.Close.String(),
		bar.Volume,
		"stooq",
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("failed to append bar %s@%s: %w", bar.Symbol, bar.Timestamp, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// LatestBars returns up to n most recent bars for a symbol, oldest first.
func (r *BarRepository) LatestBars(symbol string, n int) ([]domain.OHLCVBar, error) {
	if n <= 0 {
		return nil, nil
	}

	// Fetch newest-first with the index, then reverse into ascending order.
	rows, err := r.db.Query(`
		SELECT `+barColumns+` FROM bars
		WHERE symbol = ? AND is_deleted = 0
		ORDER BY ts DESC LIMIT ?`,
		symbol, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// BarsBetween returns bars with from < timestamp <= to, ascending.
func (r *BarRepository) BarsBetween(symbol string, from, to time.Time) ([]domain.OHLCVBar, error) {
	rows, err := r.db.Query(`
		SELECT `+barColumns+` FROM bars
		WHERE symbol = ? AND is_deleted = 0 AND ts > ? AND ts <= ?
		ORDER BY ts ASC`,
		symbol, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars between for %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// AverageDailyVolume returns the mean of per-day traded volume over the most
// recent `days` calendar days that have bars. Zero when no bars exist.
func (r *BarRepository) AverageDailyVolume(symbol string, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}

	row := r.db.QueryRow(`
		SELECT COALESCE(AVG(day_volume), 0) FROM (
			SELECT SUM(volume) AS day_volume
			FROM bars
			WHERE symbol = ? AND is_deleted = 0
			GROUP BY substr(ts, 1, 10)
			ORDER BY substr(ts, 1, 10) DESC
			LIMIT ?
		)`,
		symbol, days,
	)

	var avg float64
	if err := row.Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to compute average daily volume for %s: %w", symbol, err)
	}
	return int64(avg), nil
}

// LatestBar returns the most recent bar for a symbol, or nil when the symbol
// has no bars yet.
func (r *BarRepository) LatestBar(symbol string) (*domain.OHLCVBar, error) {
	bars, err := r.LatestBars(symbol, 1)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	return &bars[0], nil
}

func scanBars(rows *sql.Rows) ([]domain.OHLCVBar, error) {
	var bars []domain.OHLCVBar
	for rows.Next() {
		var (
			bar                        domain.OHLCVBar
			ts                         string
			openS, highS, lowS, closeS string
		)
		if err := rows.Scan(&bar.Symbol, &ts, &openS, &highS, &lowS, &closeS, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bar timestamp %q: %w", ts, err)
		}
		bar.Timestamp = parsed

		if bar.Open, err = decimal.NewFromString(openS); err != nil {
			return nil, fmt.Errorf("failed to parse open price %q: %w", openS, err)
		}
		if bar.High, err = decimal.NewFromString(highS); err != nil {
			return nil, fmt.Errorf("failed to parse high price %q: %w", highS, err)
		}
		if bar.Low, err = decimal.NewFromString(lowS); err != nil {
			return nil, fmt.Errorf("failed to parse low price %q: %w", lowS, err)
		}
		if bar.Close, err = decimal.NewFromString(closeS); err != nil {
			return nil, fmt.Errorf("failed to parse close price %q: %w", closeS, err)
		}

		bars = append(bars, bar)
	}
	return bars, rows.Err()
}
