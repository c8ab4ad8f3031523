package indicators

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/pkg/formulas"
)

// snapshotPayload is the msgpack shape stored in indicator_snapshots.payload.
// Values are quantized to 4 fractional digits, banker's rounding, and kept as
// strings so the stored form is exact.
type snapshotPayload struct {
	BarCount int    `msgpack:"bar_count"`
	Close    string `msgpack:"close"`

	RSI      *string `msgpack:"rsi,omitempty"`
	SMAShort *string `msgpack:"sma_short,omitempty"`
	SMALong  *string `msgpack:"sma_long,omitempty"`
	EMAFast  *string `msgpack:"ema_fast,omitempty"`
	EMASlow  *string `msgpack:"ema_slow,omitempty"`

	MACD      *macdPayload  `msgpack:"macd,omitempty"`
	Bollinger *bandsPayload `msgpack:"bollinger,omitempty"`

	PrevSMAShort *string      `msgpack:"prev_sma_short,omitempty"`
	PrevSMALong  *string      `msgpack:"prev_sma_long,omitempty"`
	PrevMACD     *macdPayload `msgpack:"prev_macd,omitempty"`
}

type macdPayload struct {
	Line      string `msgpack:"line"`
	Signal    string `msgpack:"signal"`
	Histogram string `msgpack:"histogram"`
}

type bandsPayload struct {
	Upper  string `msgpack:"upper"`
	Middle string `msgpack:"middle"`
	Lower  string `msgpack:"lower"`
}

// SnapshotRepository persists indicator snapshots to history.db.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a snapshot repository.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "indicator_snapshots").Logger(),
	}
}

// Save persists one snapshot keyed by (symbol, latest-bar timestamp).
// Recomputing the same bar is a no-op; the bool result reports whether a row
// was written.
func (r *SnapshotRepository) Save(set *IndicatorSet) (bool, error) {
	if set == nil || set.Symbol == "" || set.ComputedAt.IsZero() {
		return false, domain.NewMalformedError("snapshot missing symbol or timestamp")
	}

	payload, err := msgpack.Marshal(payloadFromSet(set))
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot for %s: %w", set.Symbol, err)
	}

	res, err := r.db.Exec(
		`INSERT INTO indicator_snapshots (symbol, ts, payload, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(symbol, ts) DO NOTHING`,
		set.Symbol,
		set.ComputedAt.UTC().Format(time.RFC3339),
		payload,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert snapshot for %s: %w", set.Symbol, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n > 0, nil
}

// Latest returns the most recent snapshot for symbol, nil when none exists.
func (r *SnapshotRepository) Latest(symbol string) (*IndicatorSet, error) {
	row := r.db.QueryRow(
		`SELECT ts, payload FROM indicator_snapshots
		 WHERE symbol = ? AND is_deleted = 0
		 ORDER BY ts DESC LIMIT 1`,
		symbol,
	)

	var ts string
	var payload []byte
	if err := row.Scan(&ts, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", symbol, err)
	}

	computedAt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot timestamp %q: %w", ts, err)
	}

	var p snapshotPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", symbol, err)
	}

	return setFromPayload(symbol, computedAt, p)
}

func payloadFromSet(set *IndicatorSet) snapshotPayload {
	return snapshotPayload{
		BarCount:     set.BarCount,
		Close:        quant(set.Close),
		RSI:          quantPtr(set.RSI),
		SMAShort:     quantPtr(set.SMAShort),
		SMALong:      quantPtr(set.SMALong),
		EMAFast:      quantPtr(set.EMAFast),
		EMASlow:      quantPtr(set.EMASlow),
		MACD:         macdFrom(set.MACD),
		Bollinger:    bandsFrom(set.Bollinger),
		PrevSMAShort: quantPtr(set.PrevSMAShort),
		PrevSMALong:  quantPtr(set.PrevSMALong),
		PrevMACD:     macdFrom(set.PrevMACD),
	}
}

func setFromPayload(symbol string, computedAt time.Time, p snapshotPayload) (*IndicatorSet, error) {
	set := &IndicatorSet{
		Symbol:     symbol,
		ComputedAt: computedAt,
		BarCount:   p.BarCount,
	}

	var err error
	if set.Close, err = parseQuant(p.Close); err != nil {
		return nil, err
	}
	if set.RSI, err = parseQuantPtr(p.RSI); err != nil {
		return nil, err
	}
	if set.SMAShort, err = parseQuantPtr(p.SMAShort); err != nil {
		return nil, err
	}
	if set.SMALong, err = parseQuantPtr(p.SMALong); err != nil {
		return nil, err
	}
	if set.EMAFast, err = parseQuantPtr(p.EMAFast); err != nil {
		return nil, err
	}
	if set.EMASlow, err = parseQuantPtr(p.EMASlow); err != nil {
		return nil, err
	}
	if set.MACD, err = macdTo(p.MACD); err != nil {
		return nil, err
	}
	if set.Bollinger, err = bandsTo(p.Bollinger); err != nil {
		return nil, err
	}
	if set.PrevSMAShort, err = parseQuantPtr(p.PrevSMAShort); err != nil {
		return nil, err
	}
	if set.PrevSMALong, err = parseQuantPtr(p.PrevSMALong); err != nil {
		return nil, err
	}
	if set.PrevMACD, err = macdTo(p.PrevMACD); err != nil {
		return nil, err
	}

	return set, nil
}

// quant renders a value with 4 fractional digits, banker's rounding.
func quant(v float64) string {
	return decimal.NewFromFloat(v).RoundBank(4).String()
}

func quantPtr(v *float64) *string {
	if v == nil {
		return nil
	}
	s := quant(*v)
	return &s
}

func parseQuant(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse snapshot value %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}

func parseQuantPtr(s *string) (*float64, error) {
	if s == nil {
		return nil, nil
	}
	v, err := parseQuant(*s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func macdFrom(m *formulas.MACD) *macdPayload {
	if m == nil {
		return nil
	}
	return &macdPayload{
		Line:      quant(m.Line),
		Signal:    quant(m.Signal),
		Histogram: quant(m.Histogram),
	}
}

func macdTo(p *macdPayload) (*formulas.MACD, error) {
	if p == nil {
		return nil, nil
	}
	line, err := parseQuant(p.Line)
	if err != nil {
		return nil, err
	}
	sig, err := parseQuant(p.Signal)
	if err != nil {
		return nil, err
	}
	hist, err := parseQuant(p.Histogram)
	if err != nil {
		return nil, err
	}
	return &formulas.MACD{Line: line, Signal: sig, Histogram: hist}, nil
}

func bandsFrom(b *formulas.BollingerBands) *bandsPayload {
	if b == nil {
		return nil
	}
	return &bandsPayload{
		Upper:  quant(b.Upper),
		Middle: quant(b.Middle),
		Lower:  quant(b.Lower),
	}
}

func bandsTo(p *bandsPayload) (*formulas.BollingerBands, error) {
	if p == nil {
		return nil, nil
	}
	upper, err := parseQuant(p.Upper)
	if err != nil {
		return nil, err
	}
	middle, err := parseQuant(p.Middle)
	if err != nil {
		return nil, err
	}
	lower, err := parseQuant(p.Lower)
	if err != nil {
		return nil, err
	}
	return &formulas.BollingerBands{Upper: upper, Middle: middle, Lower: lower}, nil
}
