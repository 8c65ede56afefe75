package quality

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"hyperwatch/internal/hyperliquid"
	"hyperwatch/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS - pure computations over fills and equity snapshots
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxHoldTimeHours = 720 // pairing cap, 30 days
	annualization    = 365
)

// TradeStats aggregates the closed trades inside one window
type TradeStats struct {
	TotalTrades          int
	Wins                 int
	Losses               int
	WinRate              float64
	ProfitFactor         float64
	AvgWinnerPct         float64
	AvgLoserPct          float64
	MaxWinStreak         int
	MaxLossStreak        int
	AvgHoldTimeHours     float64
	TradeFrequencyPerDay float64
}

// EquityStats aggregates drawdown and risk-adjusted returns from snapshots
type EquityStats struct {
	MaxDrawdown7dPct   float64
	MaxDrawdown30dPct  float64
	CurrentDrawdownPct float64
	PeakEquity         decimal.Decimal
	Sharpe             float64
	Sortino            float64
}

// WindowPnl sums realised PnL of fills at or after the cutoff
func WindowPnl(fills []hyperliquid.Fill, cutoff time.Time) decimal.Decimal {
	total := decimal.Zero
	cutoffMs := cutoff.UnixMilli()
	for _, f := range fills {
		if f.Time >= cutoffMs {
			total = total.Add(f.ClosedPnl)
		}
	}
	return total
}

// ROIPct converts window PnL into a return on the equity base that produced
// it. The base is floored at 100 so dust accounts don't explode the ratio,
// and the result is clamped to [-100, 1000].
func ROIPct(pnl, accountValue decimal.Decimal) float64 {
	base := accountValue.Sub(pnl)
	if base.LessThan(decimal.NewFromInt(100)) {
		base = decimal.NewFromInt(100)
	}
	roi := pnl.Div(base).InexactFloat64() * 100
	return math.Min(math.Max(roi, -100), 1000)
}

// ComputeTradeStats aggregates closed trades (fills with realised PnL) from a
// window of fills. Hold times pair each exit against the earliest unmatched
// entry on the same coin; unpaired exits contribute no hold time.
func ComputeTradeStats(fills []hyperliquid.Fill, windowDays int) TradeStats {
	sorted := make([]hyperliquid.Fill, len(fills))
	copy(sorted, fills)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	var stats TradeStats
	grossWins, grossLosses := decimal.Zero, decimal.Zero
	winnerPctSum, loserPctSum := 0.0, 0.0
	winStreak, lossStreak := 0, 0
	holdSum, holdN := 0.0, 0

	entries := make(map[string][]int64) // coin -> entry fill times, FIFO

	for _, f := range sorted {
		if !f.IsExit() {
			entries[f.Coin] = append(entries[f.Coin], f.Time)
			continue
		}

		stats.TotalTrades++
		notional := f.Px.Mul(f.Sz)
		pnlPct := 0.0
		if notional.IsPositive() {
			pnlPct = f.ClosedPnl.Div(notional).InexactFloat64() * 100
		}

		if f.ClosedPnl.IsPositive() {
			stats.Wins++
			grossWins = grossWins.Add(f.ClosedPnl)
			winnerPctSum += pnlPct
			winStreak++
			lossStreak = 0
		} else {
			stats.Losses++
			grossLosses = grossLosses.Add(f.ClosedPnl.Abs())
			loserPctSum += pnlPct
			lossStreak++
			winStreak = 0
		}
		if winStreak > stats.MaxWinStreak {
			stats.MaxWinStreak = winStreak
		}
		if lossStreak > stats.MaxLossStreak {
			stats.MaxLossStreak = lossStreak
		}

		if q := entries[f.Coin]; len(q) > 0 {
			hold := float64(f.Time-q[0]) / float64(time.Hour.Milliseconds())
			entries[f.Coin] = q[1:]
			if hold > maxHoldTimeHours {
				hold = maxHoldTimeHours
			}
			if hold >= 0 {
				holdSum += hold
				holdN++
			}
		}
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}
	if stats.Wins > 0 {
		stats.AvgWinnerPct = winnerPctSum / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoserPct = loserPctSum / float64(stats.Losses)
	}
	if holdN > 0 {
		stats.AvgHoldTimeHours = holdSum / float64(holdN)
	}
	if windowDays > 0 {
		stats.TradeFrequencyPerDay = float64(stats.TotalTrades) / float64(windowDays)
	}

	stats.ProfitFactor = profitFactor(grossWins, grossLosses)
	return stats
}

// profitFactor is grossWins/grossLosses, capped at 100, with the
// all-winners case pinned to 10
func profitFactor(grossWins, grossLosses decimal.Decimal) float64 {
	if grossLosses.IsZero() {
		if grossWins.IsPositive() {
			return 10
		}
		return 0
	}
	pf := grossWins.Div(grossLosses).InexactFloat64()
	return math.Min(pf, 100)
}

// ComputeEquityStats derives drawdowns and risk-adjusted returns from the
// wallet's snapshot history (oldest first).
func ComputeEquityStats(history []storage.EquitySnapshot, now time.Time) EquityStats {
	var stats EquityStats
	if len(history) == 0 {
		return stats
	}

	stats.MaxDrawdown7dPct = maxDrawdownPct(history, now.AddDate(0, 0, -7))
	stats.MaxDrawdown30dPct = maxDrawdownPct(history, now.AddDate(0, 0, -30))

	peak := history[0].AccountValue
	for _, s := range history {
		if s.AccountValue.GreaterThan(peak) {
			peak = s.AccountValue
		}
	}
	stats.PeakEquity = peak

	last := history[len(history)-1].AccountValue
	if peak.IsPositive() && last.LessThan(peak) {
		stats.CurrentDrawdownPct = peak.Sub(last).Div(peak).InexactFloat64() * 100
	}

	returns := dailyReturns(history)
	stats.Sharpe = clampRatio(sharpe(returns))
	stats.Sortino = clampRatio(sortino(returns))
	return stats
}

func maxDrawdownPct(history []storage.EquitySnapshot, since time.Time) float64 {
	cutoff := since.UTC().Format("2006-01-02")
	maxDD := 0.0
	var peak decimal.Decimal
	for _, s := range history {
		if s.SnapshotDate < cutoff {
			continue
		}
		if s.AccountValue.GreaterThan(peak) {
			peak = s.AccountValue
		}
		if peak.IsPositive() {
			dd := peak.Sub(s.AccountValue).Div(peak).InexactFloat64() * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func dailyReturns(history []storage.EquitySnapshot) []float64 {
	var out []float64
	for i := 1; i < len(history); i++ {
		prev := history[i-1].AccountValue.InexactFloat64()
		if prev <= 0 {
			continue
		}
		out = append(out, (history[i].AccountValue.InexactFloat64()-prev)/prev)
	}
	return out
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, sd := meanStd(returns)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(annualization)
}

func sortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, _ := meanStd(returns)

	downSum, downN := 0.0, 0
	for _, r := range returns {
		if r < 0 {
			downSum += r * r
			downN++
		}
	}
	if downN == 0 {
		if mean > 0 {
			return 10
		}
		return 0
	}
	downside := math.Sqrt(downSum / float64(downN))
	if downside == 0 {
		return 0
	}
	return mean / downside * math.Sqrt(annualization)
}

func meanStd(values []float64) (float64, float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func clampRatio(v float64) float64 {
	return math.Min(math.Max(v, -10), 10)
}

// ClassifyStrategy buckets a trader by hold time and cadence
func ClassifyStrategy(avgHoldHours, tradesPerDay, winRate float64) string {
	switch {
	case avgHoldHours < 1 && tradesPerDay >= 5:
		return "scalper"
	case avgHoldHours >= 168:
		return "position"
	case avgHoldHours >= 24:
		return "swing"
	case winRate >= 0.5:
		return "momentum"
	default:
		return "mean_reversion"
	}
}

// ConsistencyScore sums banded contributions of win rate, profit factor,
// inverted drawdown and Sharpe, minus a thin-sample penalty. Range [0, 100].
func ConsistencyScore(winRate, profitFactor, maxDrawdown30Pct, sharpeRatio float64, totalTrades int) float64 {
	score := 0.0

	switch {
	case winRate >= 0.60:
		score += 30
	case winRate >= 0.50:
		score += 25
	case winRate >= 0.45:
		score += 15
	case winRate >= 0.35:
		score += 5
	}

	switch {
	case profitFactor >= 2.0:
		score += 25
	case profitFactor >= 1.5:
		score += 20
	case profitFactor >= 1.2:
		score += 10
	case profitFactor >= 1.0:
		score += 5
	}

	switch {
	case maxDrawdown30Pct <= 5:
		score += 25
	case maxDrawdown30Pct <= 10:
		score += 20
	case maxDrawdown30Pct <= 20:
		score += 15
	case maxDrawdown30Pct <= 30:
		score += 5
	}

	switch {
	case sharpeRatio >= 2:
		score += 20
	case sharpeRatio >= 1:
		score += 15
	case sharpeRatio >= 0.5:
		score += 10
	case sharpeRatio > 0:
		score += 5
	}

	if totalTrades < 10 {
		score -= 15
	}

	return math.Min(math.Max(score, 0), 100)
}
