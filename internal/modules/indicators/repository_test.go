package indicators

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/pkg/formulas"
)

func setupSnapshotDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE indicator_snapshots (
			id INTEGER PRIMARY KEY,
			symbol TEXT NOT NULL,
			ts TEXT NOT NULL,
			payload BLOB NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE(symbol, ts)
		)
	`)
	require.NoError(t, err)

	return db
}

func newSnapRepo(t *testing.T) *SnapshotRepository {
	t.Helper()
	return NewSnapshotRepository(setupSnapshotDB(t), zerolog.New(nil).Level(zerolog.Disabled))
}

func sampleSet(symbol string, at time.Time) *IndicatorSet {
	return &IndicatorSet{
		Symbol:       symbol,
		ComputedAt:   at,
		BarCount:     50,
		Close:        265.20,
		RSI:          fp(27.4),
		SMAShort:     fp(264.9),
		SMALong:      fp(263.15),
		EMAFast:      fp(264.5),
		EMASlow:      fp(263.8),
		MACD:         &formulas.MACD{Line: 0.42, Signal: 0.3, Histogram: 0.12},
		Bollinger:    &formulas.BollingerBands{Upper: 266.0, Middle: 265.4, Lower: 264.8},
		PrevSMAShort: fp(263.0),
		PrevSMALong:  fp(263.4),
		PrevMACD:     &formulas.MACD{Line: 0.28, Signal: 0.31, Histogram: -0.03},
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	repo := newSnapRepo(t)
	at := time.Date(2026, 2, 2, 11, 30, 0, 0, time.UTC)

	saved, err := repo.Save(sampleSet("CDR", at))
	require.NoError(t, err)
	assert.True(t, saved)

	got, err := repo.Latest("CDR")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "CDR", got.Symbol)
	assert.True(t, got.ComputedAt.Equal(at))
	assert.Equal(t, 50, got.BarCount)
	assert.InDelta(t, 265.20, got.Close, 1e-9)
	require.NotNil(t, got.RSI)
	assert.InDelta(t, 27.4, *got.RSI, 1e-9)
	require.NotNil(t, got.MACD)
	assert.InDelta(t, 0.12, got.MACD.Histogram, 1e-9)
	require.NotNil(t, got.Bollinger)
	assert.InDelta(t, 264.8, got.Bollinger.Lower, 1e-9)
	require.NotNil(t, got.PrevMACD)
	assert.InDelta(t, -0.03, got.PrevMACD.Histogram, 1e-9)
	assert.True(t, got.MACDCrossedAbove())
}

func TestSnapshot_SameBarIsNoOp(t *testing.T) {
	repo := newSnapRepo(t)
	at := time.Date(2026, 2, 2, 11, 30, 0, 0, time.UTC)

	saved, err := repo.Save(sampleSet("CDR", at))
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = repo.Save(sampleSet("CDR", at))
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestSnapshot_LatestPicksNewest(t *testing.T) {
	repo := newSnapRepo(t)
	at := time.Date(2026, 2, 2, 11, 30, 0, 0, time.UTC)

	_, err := repo.Save(sampleSet("CDR", at))
	require.NoError(t, err)

	newer := sampleSet("CDR", at.Add(5*time.Minute))
	newer.Close = 266.45
	_, err = repo.Save(newer)
	require.NoError(t, err)

	got, err := repo.Latest("CDR")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 266.45, got.Close, 1e-9)
}

func TestSnapshot_MissingSymbol(t *testing.T) {
	repo := newSnapRepo(t)

	got, err := repo.Latest("GHOST")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshot_RejectsIncompleteKey(t *testing.T) {
	repo := newSnapRepo(t)

	_, err := repo.Save(&IndicatorSet{ComputedAt: time.Now()})
	assert.Equal(t, domain.KindMalformed, domain.KindOf(err))

	_, err = repo.Save(&IndicatorSet{Symbol: "CDR"})
	assert.Equal(t, domain.KindMalformed, domain.KindOf(err))
}

func TestSnapshot_CorruptPayload(t *testing.T) {
	db := setupSnapshotDB(t)
	repo := NewSnapshotRepository(db, zerolog.New(nil).Level(zerolog.Disabled))

	_, err := db.Exec(
		`INSERT INTO indicator_snapshots (symbol, ts, payload, created_at) VALUES (?, ?, ?, ?)`,
		"CDR", "2026-02-02T11:30:00Z", []byte{0xc1, 0xff, 0x00}, "2026-02-02T11:30:00Z",
	)
	require.NoError(t, err)

	_, err = repo.Latest("CDR")
	assert.Error(t, err)
}

func TestQuantUsesBankersRounding(t *testing.T) {
	assert.Equal(t, "10.1235", quant(10.123456))
	assert.Equal(t, "0.0002", quant(0.00015))
	assert.Equal(t, "0.0002", quant(0.00025))
	assert.Equal(t, "265.2", quant(265.20))
	assert.Equal(t, "-0.03", quant(-0.03))
}
