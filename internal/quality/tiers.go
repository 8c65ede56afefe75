package quality

import (
	"github.com/shopspring/decimal"

	"hyperwatch/internal/config"
	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TIER DECISION
// ═══════════════════════════════════════════════════════════════════════════════

// Metrics carries everything the tier rules look at
type Metrics struct {
	AccountValue      decimal.Decimal
	Pnl7d             decimal.Decimal
	Pnl30d            decimal.Decimal
	Roi7dPct          float64
	WinRate           float64
	ProfitFactor      float64
	TotalTrades       int
	MaxDrawdown30dPct float64
	ConsistencyScore  float64
}

// Meets reports whether every check of a tier's threshold set passes.
// Performance is satisfied by either the ROI gate or the absolute-PnL gate.
func Meets(m Metrics, th config.TierThresholds) bool {
	performance := m.Roi7dPct >= th.MinRoi7dPct || m.Pnl7d.GreaterThanOrEqual(th.MinPnl7dAlt)
	return performance &&
		m.WinRate >= th.MinWinRate &&
		m.ProfitFactor >= th.MinProfitFactor &&
		m.TotalTrades >= th.MinTrades &&
		m.AccountValue.GreaterThanOrEqual(th.MinAccountValue)
}

// eliteExtra is the additional bar on top of the elite threshold set:
// sustained quality (positive month, modest drawdown, consistent) or an
// exceptional week (double the elite ROI gate).
func eliteExtra(m Metrics, cfg *config.Config) bool {
	sustained := m.Pnl30d.IsPositive() &&
		m.MaxDrawdown30dPct <= cfg.EliteMaxDrawdown30d &&
		m.ConsistencyScore >= cfg.EliteMinConsistency
	exceptional := m.Roi7dPct >= 2*cfg.EliteThresholds.MinRoi7dPct
	return sustained || exceptional
}

// DecideTier classifies a wallet from its fresh metrics. Wallets with no
// recent trading and no meaningful equity read as inactive.
func DecideTier(m Metrics, cfg *config.Config) types.Tier {
	if m.TotalTrades == 0 && m.AccountValue.LessThan(decimal.NewFromInt(100)) {
		return types.TierInactive
	}
	if Meets(m, cfg.EliteThresholds) && eliteExtra(m, cfg) {
		return types.TierElite
	}
	if Meets(m, cfg.GoodThresholds) {
		return types.TierGood
	}
	return types.TierWeak
}

// DecideTierWithHysteresis applies the demote-only rule set on top of the
// fresh decision: a wallet already holding a tier keeps it as long as it
// still clears the looser demotion thresholds, so tiers don't flap on the
// margin. Promotions always use the strict decision.
func DecideTierWithHysteresis(current types.Tier, m Metrics, cfg *config.Config) types.Tier {
	fresh := DecideTier(m, cfg)
	if rank(fresh) >= rank(current) {
		return fresh
	}

	switch current {
	case types.TierElite:
		if Meets(m, cfg.DemoteElite) {
			return types.TierElite
		}
		if Meets(m, cfg.DemoteGood) && fresh != types.TierInactive {
			return types.TierGood
		}
	case types.TierGood:
		if Meets(m, cfg.DemoteGood) && fresh != types.TierInactive {
			return types.TierGood
		}
	}
	return fresh
}

func rank(t types.Tier) int {
	switch t {
	case types.TierElite:
		return 3
	case types.TierGood:
		return 2
	case types.TierWeak:
		return 1
	default:
		return 0
	}
}
