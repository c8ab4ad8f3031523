// Package indicators evaluates the technical indicator set over a window of
// price bars and persists per-symbol snapshots for audit.
package indicators

import (
	"time"

	"github.com/wojtczak/sygnal/pkg/formulas"
)

// IndicatorSet is one evaluation of the indicator battery at the latest bar.
// Nil fields mean the window was too short for that indicator; callers treat
// a nil as a missing vote, never as zero. Prev* values are taken one bar
// earlier so crossings can be detected.
type IndicatorSet struct {
	Symbol     string    `json:"symbol"`
	ComputedAt time.Time `json:"computed_at"` // timestamp of the latest bar
	BarCount   int       `json:"bar_count"`
	Close      float64   `json:"close"`

	RSI      *float64 `json:"rsi,omitempty"`
	SMAShort *float64 `json:"sma_short,omitempty"`
	SMALong  *float64 `json:"sma_long,omitempty"`
	EMAFast  *float64 `json:"ema_fast,omitempty"`
	EMASlow  *float64 `json:"ema_slow,omitempty"`

	MACD      *formulas.MACD           `json:"macd,omitempty"`
	Bollinger *formulas.BollingerBands `json:"bollinger,omitempty"`

	PrevSMAShort *float64       `json:"prev_sma_short,omitempty"`
	PrevSMALong  *float64       `json:"prev_sma_long,omitempty"`
	PrevMACD     *formulas.MACD `json:"prev_macd,omitempty"`
}

// MACDCrossedAbove reports whether the MACD histogram crossed from at-or-below
// zero to above zero on the latest bar.
func (s *IndicatorSet) MACDCrossedAbove() bool {
	return s.MACD != nil && s.PrevMACD != nil &&
		s.PrevMACD.Histogram <= 0 && s.MACD.Histogram > 0
}

// MACDCrossedBelow is the bearish mirror of MACDCrossedAbove.
func (s *IndicatorSet) MACDCrossedBelow() bool {
	return s.MACD != nil && s.PrevMACD != nil &&
		s.PrevMACD.Histogram >= 0 && s.MACD.Histogram < 0
}

// SMACrossedAbove reports whether the short SMA crossed from at-or-below the
// long SMA to above it on the latest bar.
func (s *IndicatorSet) SMACrossedAbove() bool {
	if s.SMAShort == nil || s.SMALong == nil || s.PrevSMAShort == nil || s.PrevSMALong == nil {
		return false
	}
	return *s.PrevSMAShort <= *s.PrevSMALong && *s.SMAShort > *s.SMALong
}

// SMACrossedBelow is the bearish mirror of SMACrossedAbove.
func (s *IndicatorSet) SMACrossedBelow() bool {
	if s.SMAShort == nil || s.SMALong == nil || s.PrevSMAShort == nil || s.PrevSMALong == nil {
		return false
	}
	return *s.PrevSMAShort >= *s.PrevSMALong && *s.SMAShort < *s.SMALong
}

// Complete reports whether every indicator the signal generator votes on is
// available.
func (s *IndicatorSet) Complete() bool {
	return s.RSI != nil && s.SMAShort != nil && s.SMALong != nil &&
		s.MACD != nil && s.PrevMACD != nil && s.Bollinger != nil &&
		s.PrevSMAShort != nil && s.PrevSMALong != nil
}
