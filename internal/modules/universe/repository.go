// Package universe manages the set of GPW instruments the engine watches.
package universe

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
)

// stockColumns is the column list for the stocks table. Kept explicit so a
// schema change breaks loudly instead of silently shifting scans.
const stockColumns = `symbol, name, market, industry, is_monitored, created_at, updated_at`

// StockRepository handles stock database operations against universe.db.
type StockRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStockRepository creates a new stock repository.
func NewStockRepository(db *sql.DB, log zerolog.Logger) *StockRepository {
	return &StockRepository{
		db:  db,
		log: log.With().Str("repo", "stocks").Logger(),
	}
}

// Upsert inserts or updates a stock keyed by symbol.
func (r *StockRepository) Upsert(stock domain.Stock) error {
	symbol := normalizeSymbol(stock.Symbol)
	if symbol == "" {
		return domain.NewInvariantError("stock symbol is empty")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`
		INSERT INTO stocks (symbol, name, market, industry, is_monitored, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			market = excluded.market,
			industry = excluded.industry,
			is_monitored = excluded.is_monitored,
			is_deleted = 0,
			updated_at = excluded.updated_at`,
		symbol, stock.Name, stock.Market, stock.Industry, boolToInt(stock.IsMonitored), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stock %s: %w", symbol, err)
	}
	return nil
}

// GetBySymbol returns a stock by symbol, or nil when unknown.
func (r *StockRepository) GetBySymbol(symbol string) (*domain.Stock, error) {
	row := r.db.QueryRow(
		"SELECT "+stockColumns+" FROM stocks WHERE symbol = ? AND is_deleted = 0",
		normalizeSymbol(symbol),
	)

	stock, err := scanStock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stock by symbol: %w", err)
	}
	return stock, nil
}

// Monitored returns all stocks with the monitoring flag set, ordered by
// symbol for deterministic cycles.
func (r *StockRepository) Monitored() ([]domain.Stock, error) {
	rows, err := r.db.Query(
		"SELECT " + stockColumns + " FROM stocks WHERE is_monitored = 1 AND is_deleted = 0 ORDER BY symbol",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitored stocks: %w", err)
	}
	defer rows.Close()

	var stocks []domain.Stock
	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		stocks = append(stocks, *stock)
	}
	return stocks, rows.Err()
}

// All returns every non-deleted stock.
func (r *StockRepository) All() ([]domain.Stock, error) {
	rows, err := r.db.Query("SELECT " + stockColumns + " FROM stocks WHERE is_deleted = 0 ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to query stocks: %w", err)
	}
	defer rows.Close()

	var stocks []domain.Stock
	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		stocks = append(stocks, *stock)
	}
	return stocks, rows.Err()
}

// SetMonitored flips the monitoring flag for a symbol.
func (r *StockRepository) SetMonitored(symbol string, monitored bool) error {
	res, err := r.db.Exec(
		"UPDATE stocks SET is_monitored = ?, updated_at = ? WHERE symbol = ? AND is_deleted = 0",
		boolToInt(monitored), time.Now().UTC().Format(time.RFC3339), normalizeSymbol(symbol),
	)
	if err != nil {
		return fmt.Errorf("failed to update monitoring flag for %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stock %s not found", symbol)
	}
	return nil
}

// SoftDelete marks a stock deleted without removing its history.
func (r *StockRepository) SoftDelete(symbol string) error {
	_, err := r.db.Exec(
		"UPDATE stocks SET is_deleted = 1, is_monitored = 0, updated_at = ? WHERE symbol = ?",
		time.Now().UTC().Format(time.RFC3339), normalizeSymbol(symbol),
	)
	if err != nil {
		return fmt.Errorf("failed to soft delete stock %s: %w", symbol, err)
	}
	return nil
}

// EnsureSeeded inserts the given stocks if the table is empty. Used on first
// start so the collectors have a universe to work from.
func (r *StockRepository) EnsureSeeded(defaults []domain.Stock) error {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM stocks WHERE is_deleted = 0").Scan(&count); err != nil {
		return fmt.Errorf("failed to count stocks: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, s := range defaults {
		if err := r.Upsert(s); err != nil {
			return err
		}
	}
	r.log.Info().Int("count", len(defaults)).Msg("Seeded stock universe")
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStock(s scanner) (*domain.Stock, error) {
	var (
		stock     domain.Stock
		industry  sql.NullString
		monitored int
		createdAt string
		updatedAt string
	)
	if err := s.Scan(&stock.Symbol, &stock.Name, &stock.Market, &industry, &monitored, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	stock.Industry = industry.String
	stock.IsMonitored = monitored == 1
	return &stock, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
