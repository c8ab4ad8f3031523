package indicators

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/pkg/formulas"
)

// EngineConfig holds the indicator periods. Zero values fall back to the
// defaults the signal cycle votes on.
type EngineConfig struct {
	RSIPeriod       int
	SMAShortPeriod  int
	SMALongPeriod   int
	EMAFastPeriod   int
	EMASlowPeriod   int
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	BollingerPeriod int
	BollingerK      float64

	// Window is how many latest bars are loaded per evaluation. It must
	// cover the slow MACD warm-up plus one bar for cross detection.
	Window int
}

func (c *EngineConfig) applyDefaults() {
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = formulas.DefaultRSIPeriod
	}
	if c.SMAShortPeriod <= 0 {
		c.SMAShortPeriod = 5
	}
	if c.SMALongPeriod <= 0 {
		c.SMALongPeriod = formulas.DefaultSMAPeriod
	}
	if c.EMAFastPeriod <= 0 {
		c.EMAFastPeriod = formulas.DefaultEMAPeriod
	}
	if c.EMASlowPeriod <= 0 {
		c.EMASlowPeriod = formulas.DefaultMACDSlow
	}
	if c.MACDFast <= 0 {
		c.MACDFast = formulas.DefaultMACDFast
	}
	if c.MACDSlow <= 0 {
		c.MACDSlow = formulas.DefaultMACDSlow
	}
	if c.MACDSignal <= 0 {
		c.MACDSignal = formulas.DefaultMACDSignal
	}
	if c.BollingerPeriod <= 0 {
		c.BollingerPeriod = formulas.DefaultBollingerPeriod
	}
	if c.BollingerK <= 0 {
		c.BollingerK = formulas.DefaultBollingerK
	}
	if c.Window <= 0 {
		c.Window = 120
	}
}

// Engine evaluates the indicator set over the latest bars of a symbol. It
// holds no state between calls; every evaluation reloads the window.
type Engine struct {
	bars domain.OHLCVStore
	cfg  EngineConfig
	log  zerolog.Logger
}

// NewEngine creates an indicator engine over the bar store.
func NewEngine(cfg EngineConfig, bars domain.OHLCVStore, log zerolog.Logger) *Engine {
	cfg.applyDefaults()

	return &Engine{
		bars: bars,
		cfg:  cfg,
		log:  log.With().Str("component", "indicator_engine").Logger(),
	}
}

// Compute evaluates the battery at the latest bar of symbol. A symbol with
// no bars yields a set with BarCount 0 and every indicator nil.
func (e *Engine) Compute(symbol string) (*IndicatorSet, error) {
	bars, err := e.bars.LatestBars(symbol, e.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}

	set := &IndicatorSet{Symbol: symbol, BarCount: len(bars)}
	if len(bars) == 0 {
		return set, nil
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
	}

	last := bars[len(bars)-1]
	set.ComputedAt = last.Timestamp
	set.Close = closes[len(closes)-1]

	set.RSI = formulas.CalculateRSI(closes, e.cfg.RSIPeriod)
	set.SMAShort = formulas.CalculateSMA(closes, e.cfg.SMAShortPeriod)
	set.SMALong = formulas.CalculateSMA(closes, e.cfg.SMALongPeriod)
	set.EMAFast = formulas.CalculateEMA(closes, e.cfg.EMAFastPeriod)
	set.EMASlow = formulas.CalculateEMA(closes, e.cfg.EMASlowPeriod)
	set.MACD = formulas.CalculateMACD(closes, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
	set.Bollinger = formulas.CalculateBollingerBands(closes, e.cfg.BollingerPeriod, e.cfg.BollingerK)

	if prev := closes[:len(closes)-1]; len(prev) > 0 {
		set.PrevSMAShort = formulas.CalculateSMA(prev, e.cfg.SMAShortPeriod)
		set.PrevSMALong = formulas.CalculateSMA(prev, e.cfg.SMALongPeriod)
		set.PrevMACD = formulas.CalculateMACD(prev, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
	}

	return set, nil
}
