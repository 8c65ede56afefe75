package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hyperwatch/internal/config"
	"hyperwatch/internal/hyperliquid"
	"hyperwatch/storage"
	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADER QUALITY EVALUATOR - fills + equity snapshots -> tier per wallet
// ═══════════════════════════════════════════════════════════════════════════════

var pnlWindows = []int{7, 30, 60, 90}

// Evaluator classifies wallets from their trading history
type Evaluator struct {
	client *hyperliquid.Client
	db     *storage.Database
	cfg    *config.Config
}

// New creates an evaluator
func New(client *hyperliquid.Client, db *storage.Database, cfg *config.Config) *Evaluator {
	return &Evaluator{client: client, db: db, cfg: cfg}
}

// Analyze runs the full evaluation for one wallet and persists the verdict.
// The tier decision is strict; re-evaluation hysteresis lives in Reevaluate.
func (e *Evaluator) Analyze(ctx context.Context, addr string) (*storage.TraderQuality, error) {
	return e.analyze(ctx, addr, false)
}

// Reevaluate re-runs the evaluation with the demote-only rule set plus the
// sustained-drawdown checks from live positions.
func (e *Evaluator) Reevaluate(ctx context.Context, addr string) (*storage.TraderQuality, error) {
	return e.analyze(ctx, addr, true)
}

func (e *Evaluator) analyze(ctx context.Context, addr string, hysteresis bool) (*storage.TraderQuality, error) {
	state, err := e.client.ClearinghouseState(ctx, addr)
	if err != nil {
		return nil, err
	}
	accountValue := state.MarginSummary.AccountValue
	now := time.Now().UTC()

	if err := e.db.UpsertWallet(addr); err != nil {
		return nil, err
	}
	if err := e.db.UpsertEquitySnapshot(addr, now, accountValue); err != nil {
		log.Error().Err(err).Str("address", addr).Msg("Equity snapshot upsert failed")
	}

	// The endpoint ignores startTime, so fetch once and filter per window
	fills, err := e.client.UserFills(ctx, addr)
	if err != nil {
		return nil, err
	}
	allFills := hyperliquid.FilterFillsSince(fills, now.AddDate(0, 0, -90))

	prev, err := e.db.GetTraderQuality(addr)
	if err != nil {
		return nil, err
	}

	q := &storage.TraderQuality{Address: addr, AccountValue: accountValue}
	if prev != nil {
		q.TierChangeCount = prev.TierChangeCount
		q.UnrealizedDrawdownSince = prev.UnrealizedDrawdownSince
	}

	for _, days := range pnlWindows {
		pnl, method := e.windowPnl(addr, accountValue, allFills, days, now)
		roi := ROIPct(pnl, accountValue)
		switch days {
		case 7:
			q.Pnl7d, q.Roi7dPct, q.PnlCalculationMethod = pnl, roi, method
		case 30:
			q.Pnl30d, q.Roi30dPct = pnl, roi
		case 60:
			q.Pnl60d, q.Roi60dPct = pnl, roi
		case 90:
			q.Pnl90d, q.Roi90dPct = pnl, roi
		}
	}

	fills30 := hyperliquid.FilterFillsSince(allFills, now.AddDate(0, 0, -30))
	stats := ComputeTradeStats(fills30, 30)
	q.WinRate = stats.WinRate
	q.ProfitFactor = stats.ProfitFactor
	q.TotalTrades = stats.TotalTrades
	q.AvgWinnerPct = stats.AvgWinnerPct
	q.AvgLoserPct = stats.AvgLoserPct
	q.MaxWinStreak = stats.MaxWinStreak
	q.MaxLossStreak = stats.MaxLossStreak
	q.AvgHoldTimeHours = stats.AvgHoldTimeHours
	q.TradeFrequencyPerDay = stats.TradeFrequencyPerDay

	history, err := e.db.EquityHistory(addr, now.AddDate(0, 0, -90))
	if err != nil {
		return nil, err
	}
	eq := ComputeEquityStats(history, now)
	q.MaxDrawdown7dPct = eq.MaxDrawdown7dPct
	q.MaxDrawdown30dPct = eq.MaxDrawdown30dPct
	q.CurrentDrawdownPct = eq.CurrentDrawdownPct
	q.PeakEquity = eq.PeakEquity
	q.Sharpe = eq.Sharpe
	q.Sortino = eq.Sortino

	q.Strategy = ClassifyStrategy(stats.AvgHoldTimeHours, stats.TradeFrequencyPerDay, stats.WinRate)
	q.ConsistencyScore = ConsistencyScore(stats.WinRate, stats.ProfitFactor, eq.MaxDrawdown30dPct, eq.Sharpe, stats.TotalTrades)

	metrics := Metrics{
		AccountValue:      accountValue,
		Pnl7d:             q.Pnl7d,
		Pnl30d:            q.Pnl30d,
		Roi7dPct:          q.Roi7dPct,
		WinRate:           q.WinRate,
		ProfitFactor:      q.ProfitFactor,
		TotalTrades:       q.TotalTrades,
		MaxDrawdown30dPct: q.MaxDrawdown30dPct,
		ConsistencyScore:  q.ConsistencyScore,
	}

	reason := "analysis"
	if hysteresis && prev != nil {
		q.Tier = DecideTierWithHysteresis(prev.Tier, metrics, e.cfg)
		reason = "reevaluation"
	} else {
		q.Tier = DecideTier(metrics, e.cfg)
	}

	if hysteresis {
		if demoted, ddReason := e.checkDrawdownDemotion(addr, q, accountValue, now); demoted {
			reason = ddReason
		}
	}

	q.IsTracked = q.Tier.Tracked()
	q.AnalyzedAt = now

	if prev != nil && prev.Tier != q.Tier {
		q.TierChangeCount++
		if err := e.db.AppendTierChange(addr, prev.Tier, q.Tier, reason); err != nil {
			log.Error().Err(err).Str("address", addr).Msg("Tier change append failed")
		}
		log.Info().Str("address", addr).
			Str("from", string(prev.Tier)).Str("to", string(q.Tier)).Str("reason", reason).
			Msg("🏷️ Tier change")
	} else if prev == nil {
		if err := e.db.AppendTierChange(addr, "", q.Tier, "initial_evaluation"); err != nil {
			log.Error().Err(err).Str("address", addr).Msg("Tier change append failed")
		}
	}

	if err := e.db.SaveTraderQuality(q); err != nil {
		return nil, err
	}
	return q, nil
}

// windowPnl prefers equity-change PnL when at least two snapshots span the
// window; otherwise it falls back to summing realised fills inside it.
func (e *Evaluator) windowPnl(addr string, accountValue decimal.Decimal, fills []hyperliquid.Fill, days int, now time.Time) (decimal.Decimal, string) {
	windowStart := now.AddDate(0, 0, -days)

	history, err := e.db.EquityHistory(addr, windowStart)
	if err == nil && len(history) >= 2 {
		base, err := e.db.SnapshotAtOrBefore(addr, windowStart)
		if err == nil && base != nil {
			return accountValue.Sub(base.AccountValue), "equity_change"
		}
	}

	return WindowPnl(fills, windowStart), "realized_sum_filtered"
}

// checkDrawdownDemotion applies the live unrealized-drawdown rules: a deep
// drawdown demotes immediately, a moderate one only once it has been
// sustained past the configured age. Returns whether a demotion fired.
func (e *Evaluator) checkDrawdownDemotion(addr string, q *storage.TraderQuality, accountValue decimal.Decimal, now time.Time) (bool, string) {
	if !q.Tier.Tracked() {
		q.UnrealizedDrawdownSince = nil
		return false, ""
	}

	positions, err := e.db.PositionsForAddress(addr)
	if err != nil || len(positions) == 0 || !accountValue.IsPositive() {
		q.UnrealizedDrawdownSince = nil
		return false, ""
	}

	totalUnrealized := decimal.Zero
	for _, p := range positions {
		totalUnrealized = totalUnrealized.Add(p.UnrealizedPnl)
	}
	if !totalUnrealized.IsNegative() {
		q.UnrealizedDrawdownSince = nil
		return false, ""
	}

	ddPct := totalUnrealized.Neg().Div(accountValue).InexactFloat64() * 100

	if ddPct >= e.cfg.ImmediateDemodePct {
		q.Tier = types.TierWeak
		q.UnrealizedDrawdownSince = nil
		return true, "immediate_drawdown"
	}

	if ddPct >= e.cfg.SustainedDemotePct {
		if q.UnrealizedDrawdownSince == nil {
			since := now
			q.UnrealizedDrawdownSince = &since
			return false, ""
		}
		if now.Sub(*q.UnrealizedDrawdownSince) >= e.cfg.SustainedDemoteAfter {
			q.Tier = types.TierWeak
			q.UnrealizedDrawdownSince = nil
			return true, "sustained_drawdown"
		}
		return false, ""
	}

	q.UnrealizedDrawdownSince = nil
	return false, ""
}

// AnalyzeBatch evaluates wallets in small concurrent batches, tolerating
// per-wallet failures. The exchange client's limiter spaces the requests
// inside a batch; a short pause separates batches.
func (e *Evaluator) AnalyzeBatch(ctx context.Context, addrs []string) {
	batch := e.cfg.BatchSize
	if batch < 1 {
		batch = 1
	}

	for start := 0; start < len(addrs); start += batch {
		if ctx.Err() != nil {
			return
		}
		end := min(start+batch, len(addrs))

		var wg sync.WaitGroup
		for _, addr := range addrs[start:end] {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				if _, err := e.Analyze(ctx, addr); err != nil {
					log.Warn().Err(err).Str("address", addr).Msg("Analysis failed, skipping wallet")
				}
			}(addr)
		}
		wg.Wait()

		if end < len(addrs) && e.cfg.DelayBetweenRequests > 0 {
			time.Sleep(e.cfg.DelayBetweenRequests)
		}
	}
}

// ReanalyzeTier re-analyzes the stalest wallets of one tier
func (e *Evaluator) ReanalyzeTier(ctx context.Context, tier types.Tier) error {
	rows, err := e.db.ListByTier(tier, e.cfg.ReanalysisBatchSize)
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(rows))
	for _, r := range rows {
		addrs = append(addrs, r.Address)
	}
	e.AnalyzeBatch(ctx, addrs)
	return nil
}

// ReevaluateAll runs the weekly full pass over every evaluated wallet
func (e *Evaluator) ReevaluateAll(ctx context.Context) error {
	wallets, err := e.db.ListWallets()
	if err != nil {
		return err
	}

	for _, w := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.Reevaluate(ctx, w.Address); err != nil {
			log.Warn().Err(err).Str("address", w.Address).Msg("Re-evaluation failed, skipping wallet")
		}
	}

	cutoff := time.Now().AddDate(0, 0, -e.cfg.RetentionDays)
	if err := e.db.PruneEquitySnapshots(cutoff); err != nil {
		log.Error().Err(err).Msg("Equity snapshot pruning failed")
	}
	if err := e.db.PruneTierChanges(cutoff); err != nil {
		log.Error().Err(err).Msg("Tier history pruning failed")
	}
	if err := e.db.PruneRealtimeFills(cutoff); err != nil {
		log.Error().Err(err).Msg("Realtime fill pruning failed")
	}

	log.Info().Int("wallets", len(wallets)).Msg("🔄 Weekly re-evaluation complete")
	return nil
}

// SnapshotEquity records today's account value for every tracked wallet that
// doesn't have a snapshot yet. Runs hourly; effectively once per UTC day.
func (e *Evaluator) SnapshotEquity(ctx context.Context) error {
	tracked, err := e.db.ListTracked()
	if err != nil {
		return err
	}

	today := time.Now().UTC()
	taken := 0
	for _, t := range tracked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		has, err := e.db.HasSnapshotFor(t.Address, today)
		if err != nil || has {
			continue
		}
		state, err := e.client.ClearinghouseState(ctx, t.Address)
		if err != nil {
			log.Warn().Err(err).Str("address", t.Address).Msg("Snapshot fetch failed, skipping wallet")
			continue
		}
		if err := e.db.UpsertEquitySnapshot(t.Address, today, state.MarginSummary.AccountValue); err != nil {
			log.Error().Err(err).Str("address", t.Address).Msg("Snapshot upsert failed")
			continue
		}
		taken++
	}

	if taken > 0 {
		log.Info().Int("wallets", taken).Msg("📸 Daily equity snapshots taken")
	}
	return nil
}
