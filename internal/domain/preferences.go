package domain

import (
	"github.com/shopspring/decimal"
)

// TradingStyle selects the user's risk posture. Effective risk parameters
// are derived from the style, then overridden by explicit preference fields.
type TradingStyle string

const (
	StyleConservative TradingStyle = "conservative"
	StyleModerate     TradingStyle = "moderate"
	StyleAggressive   TradingStyle = "aggressive"
	StyleScalping     TradingStyle = "scalping"
	StyleSwing        TradingStyle = "swing"
)

// stopLossModifiers scale the user's base max-loss percentage per style.
var stopLossModifiers = map[TradingStyle]float64{
	StyleConservative: 0.8,
	StyleModerate:     1.0,
	StyleAggressive:   1.2,
	StyleScalping:     0.5,
	StyleSwing:        1.5,
}

// takeProfitModifiers scale the user's base target percentage per style.
var takeProfitModifiers = map[TradingStyle]float64{
	StyleConservative: 0.8,
	StyleModerate:     1.0,
	StyleAggressive:   1.5,
	StyleScalping:     0.4,
	StyleSwing:        2.0,
}

// NotificationChannel identifies a dispatch transport.
type NotificationChannel string

const (
	ChannelTelegram NotificationChannel = "telegram"
	ChannelEmail    NotificationChannel = "email"
)

// User is an active recipient of signals.
type User struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	TelegramChatID string `json:"telegram_chat_id"`
	IsActive       bool   `json:"is_active"`
}

// HasTelegram reports whether the user can receive Telegram messages.
func (u User) HasTelegram() bool {
	return u.TelegramChatID != ""
}

// UserPreferences drives per-user signal generation and dispatch.
type UserPreferences struct {
	UserID                 int64               `json:"user_id"`
	AvailableCapital       decimal.Decimal     `json:"available_capital"` // PLN
	TargetProfitPct        decimal.Decimal     `json:"target_profit_pct"` // percent, e.g. 3.0
	MaxLossPct             decimal.Decimal     `json:"max_loss_pct"`      // percent, e.g. 2.0
	MinConfidenceThreshold float64             `json:"min_confidence_threshold"`
	MaxPositionSizePct     decimal.Decimal     `json:"max_position_size_pct"`
	MinPositionValue       decimal.Decimal     `json:"min_position_value"`
	MinDailyVolume         int64               `json:"min_daily_volume"`
	TradingStyle           TradingStyle        `json:"trading_style"`
	Channels               []NotificationChannel `json:"channels"`
	MaxSignalsPerDay       int                 `json:"max_signals_per_day"`
	DailySummaryOptIn      bool                `json:"daily_summary_opt_in"`
}

// DefaultPreferences mirrors the defaults applied when a user has not
// configured anything yet: 3% target, 2% stop, confidence 60, 10% position
// cap, 500 PLN floor, moderate style, 5 signals per day.
func DefaultPreferences(userID int64) UserPreferences {
	return UserPreferences{
		UserID:                 userID,
		TargetProfitPct:        decimal.NewFromFloat(3.0),
		MaxLossPct:             decimal.NewFromFloat(2.0),
		MinConfidenceThreshold: 60,
		MaxPositionSizePct:     decimal.NewFromFloat(10.0),
		MinPositionValue:       decimal.NewFromFloat(500.0),
		MinDailyVolume:         10000,
		TradingStyle:           StyleModerate,
		Channels:               []NotificationChannel{ChannelEmail},
		MaxSignalsPerDay:       5,
	}
}

// Validate checks preference ranges.
func (p UserPreferences) Validate() error {
	if _, ok := stopLossModifiers[p.TradingStyle]; !ok {
		return NewInvariantError("unknown trading style: " + string(p.TradingStyle))
	}
	if p.MinConfidenceThreshold < 30 || p.MinConfidenceThreshold > 95 {
		return NewInvariantError("min confidence threshold outside [30, 95]")
	}
	if p.TargetProfitPct.LessThanOrEqual(decimal.Zero) {
		return NewInvariantError("target profit percentage must be positive")
	}
	if p.MaxLossPct.LessThanOrEqual(decimal.Zero) {
		return NewInvariantError("max loss percentage must be positive")
	}
	if p.MaxSignalsPerDay < 1 {
		return NewInvariantError("max signals per day must be at least 1")
	}
	return nil
}

// EffectiveStopLossPct returns the style-adjusted stop-loss percentage as a
// fraction (0.02 for 2%).
func (p UserPreferences) EffectiveStopLossPct() decimal.Decimal {
	mod, ok := stopLossModifiers[p.TradingStyle]
	if !ok {
		mod = 1.0
	}
	return p.MaxLossPct.Mul(decimal.NewFromFloat(mod)).Div(decimal.NewFromInt(100))
}

// EffectiveTargetProfitPct returns the style-adjusted target percentage as a
// fraction (0.03 for 3%).
func (p UserPreferences) EffectiveTargetProfitPct() decimal.Decimal {
	mod, ok := takeProfitModifiers[p.TradingStyle]
	if !ok {
		mod = 1.0
	}
	return p.TargetProfitPct.Mul(decimal.NewFromFloat(mod)).Div(decimal.NewFromInt(100))
}

// PositionValue computes the capital to commit to one position:
// availableCapital scaled by the position-size percentage, capped at the
// available capital. Returns zero when no capital is configured.
func (p UserPreferences) PositionValue() decimal.Decimal {
	if p.AvailableCapital.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	value := p.AvailableCapital.Mul(p.MaxPositionSizePct.Div(decimal.NewFromInt(100)))
	if value.GreaterThan(p.AvailableCapital) {
		value = p.AvailableCapital
	}
	return value
}

// SharesFor quantises a position value into whole shares at the given price,
// rounding down. Fractional shares are never emitted.
func SharesFor(positionValue, price decimal.Decimal) int64 {
	if price.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return positionValue.Div(price).IntPart()
}
