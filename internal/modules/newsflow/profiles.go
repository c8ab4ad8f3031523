package newsflow

import (
	"fmt"
	"math"
	"time"

	"github.com/wojtczak/sygnal/internal/domain"
)

// Named analyzer profiles. The short aliases default, aggressive and
// conservative resolve to their intraday variants.
const (
	ProfileIntradayDefault      = "intraday_default"
	ProfileIntradayAggressive   = "intraday_aggressive"
	ProfileIntradayConservative = "intraday_conservative"
	ProfileSwing                = "swing"
)

// Profile bundles the decay and period constants of one trading style.
// The four period weights cover publication-age buckets (15 minutes, 1 hour,
// 4 hours, rest of the window) and must sum to one.
type Profile struct {
	Name            string
	HalfLifeMinutes int

	Last15MinWeight float64
	LastHourWeight  float64
	Last4HourWeight float64
	TodayWeight     float64

	BreakingMultiplier    float64
	MarketHoursMultiplier float64
	PreMarketMultiplier   float64

	// Articles whose final weight lands below this are dropped from the
	// aggregate entirely.
	MinWeightThreshold float64
}

var profiles = map[string]Profile{
	ProfileIntradayDefault: {
		Name:                  ProfileIntradayDefault,
		HalfLifeMinutes:       120,
		Last15MinWeight:       0.4,
		LastHourWeight:        0.3,
		Last4HourWeight:       0.2,
		TodayWeight:           0.1,
		BreakingMultiplier:    2.0,
		MarketHoursMultiplier: 1.5,
		PreMarketMultiplier:   1.2,
		MinWeightThreshold:    0.05,
	},
	ProfileIntradayAggressive: {
		Name:                  ProfileIntradayAggressive,
		HalfLifeMinutes:       90,
		Last15MinWeight:       0.5,
		LastHourWeight:        0.3,
		Last4HourWeight:       0.15,
		TodayWeight:           0.05,
		BreakingMultiplier:    2.5,
		MarketHoursMultiplier: 1.8,
		PreMarketMultiplier:   1.4,
		MinWeightThreshold:    0.03,
	},
	ProfileIntradayConservative: {
		Name:                  ProfileIntradayConservative,
		HalfLifeMinutes:       180,
		Last15MinWeight:       0.3,
		LastHourWeight:        0.3,
		Last4HourWeight:       0.25,
		TodayWeight:           0.15,
		BreakingMultiplier:    1.5,
		MarketHoursMultiplier: 1.2,
		PreMarketMultiplier:   1.1,
		MinWeightThreshold:    0.1,
	},
	ProfileSwing: {
		Name:                  ProfileSwing,
		HalfLifeMinutes:       720,
		Last15MinWeight:       0.2,
		LastHourWeight:        0.25,
		Last4HourWeight:       0.3,
		TodayWeight:           0.25,
		BreakingMultiplier:    1.8,
		MarketHoursMultiplier: 1.3,
		PreMarketMultiplier:   1.15,
		MinWeightThreshold:    0.07,
	},
}

// ProfileByName resolves a named profile.
func ProfileByName(name string) (Profile, error) {
	switch name {
	case "default":
		name = ProfileIntradayDefault
	case "aggressive":
		name = ProfileIntradayAggressive
	case "conservative":
		name = ProfileIntradayConservative
	case "swing_trading":
		name = ProfileSwing
	}

	p, ok := profiles[name]
	if !ok {
		return Profile{}, domain.NewConfigError(fmt.Sprintf("unknown analyzer profile %q", name))
	}
	return p, nil
}

// Validate checks the profile invariants: period weights sum to 1 within a
// 0.05 tolerance, half-life stays in [15, 1440] minutes, multipliers never
// attenuate, and the weight threshold stays in [0, 1).
func (p Profile) Validate() error {
	sum := p.Last15MinWeight + p.LastHourWeight + p.Last4HourWeight + p.TodayWeight
	if math.Abs(sum-1) > 0.05 {
		return domain.NewConfigError(fmt.Sprintf("profile %s period weights sum to %.3f, want 1 within 0.05", p.Name, sum))
	}
	if p.HalfLifeMinutes < 15 || p.HalfLifeMinutes > 1440 {
		return domain.NewConfigError(fmt.Sprintf("profile %s half-life %d outside [15, 1440] minutes", p.Name, p.HalfLifeMinutes))
	}
	if p.BreakingMultiplier < 1 || p.MarketHoursMultiplier < 1 || p.PreMarketMultiplier < 1 {
		return domain.NewConfigError(fmt.Sprintf("profile %s multipliers must not be below 1", p.Name))
	}
	if p.MinWeightThreshold < 0 || p.MinWeightThreshold >= 1 {
		return domain.NewConfigError(fmt.Sprintf("profile %s weight threshold outside [0, 1)", p.Name))
	}
	return nil
}

// periodWeight returns the piecewise weight for an article of the given age.
func (p Profile) periodWeight(age time.Duration) float64 {
	switch {
	case age <= 15*time.Minute:
		return p.Last15MinWeight
	case age <= time.Hour:
		return p.LastHourWeight
	case age <= 4*time.Hour:
		return p.Last4HourWeight
	default:
		return p.TodayWeight
	}
}

// decay returns the exponential half-life factor for the given age. Articles
// stamped in the future count as age zero.
func (p Profile) decay(age time.Duration) float64 {
	minutes := age.Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return math.Exp(-math.Ln2 * minutes / float64(p.HalfLifeMinutes))
}
