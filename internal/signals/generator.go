package signals

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hyperwatch/internal/config"
	"hyperwatch/internal/funding"
	"hyperwatch/internal/volatility"
	"hyperwatch/storage"
	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL GENERATOR - consensus of quality traders -> directional signals
// ═══════════════════════════════════════════════════════════════════════════════
//
// Event-driven: drains the position tracker's change stream serially, which
// keeps per-(coin, direction) ordering. A key mutex protects the same paths
// reached from the fill stream's exit hook and the tier sync sweep.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Generator owns signal creation, update and invalidation
type Generator struct {
	db      *storage.Database
	vol     *volatility.Tracker
	funding *funding.Tracker
	cfg     *config.Config

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New creates a signal generator
func New(db *storage.Database, vol *volatility.Tracker, fund *funding.Tracker, cfg *config.Config) *Generator {
	return &Generator{
		db:       db,
		vol:      vol,
		funding:  fund,
		cfg:      cfg,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// Run drains position change events until the context ends
func (g *Generator) Run(ctx context.Context, events <-chan types.PositionChange) {
	log.Info().Msg("🎯 Signal generator started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.Handle(ctx, ev)
		}
	}
}

// Handle processes one position change event
func (g *Generator) Handle(ctx context.Context, ev types.PositionChange) {
	switch ev.EventType {
	case types.ChangeOpen:
		g.handleOpen(ctx, ev)
	case types.ChangeFlip:
		// The old side is an exit, the new side a fresh open
		g.OnTraderExit(ctx, ev.Address, ev.Coin, ev.Prev.Direction)
		g.handleOpen(ctx, ev)
	case types.ChangeIncrease:
		g.handleIncrease(ev)
	case types.ChangeDecrease, types.ChangeClose:
		coin, dir := ev.Key()
		g.OnTraderExit(ctx, ev.Address, coin, dir)
	}
}

func (g *Generator) lock(coin string, dir types.Direction) func() {
	key := coin + ":" + string(dir)
	g.mu.Lock()
	l, ok := g.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		g.keyLocks[key] = l
	}
	g.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// handleOpen applies the consensus rules on a fresh open by a quality wallet
func (g *Generator) handleOpen(ctx context.Context, ev types.PositionChange) {
	if ev.New == nil {
		return
	}
	coin, dir := ev.Coin, ev.New.Direction

	q, err := g.db.GetTraderQuality(ev.Address)
	if err != nil || q == nil || !q.Tier.Tracked() {
		return
	}
	if ev.New.ConvictionPct < g.cfg.LowConvictionPct {
		return
	}

	unlock := g.lock(coin, dir)
	defer unlock()

	active, err := g.db.ActiveSignal(coin, dir)
	if err != nil {
		log.Error().Err(err).Str("coin", coin).Msg("Active signal lookup failed")
		return
	}

	if active == nil {
		// A fresh opinion on the other side retires the stale one
		if opp, err := g.db.ActiveSignal(coin, dir.Opposite()); err == nil && opp != nil {
			g.invalidate(opp, types.ReplacedByReason(dir))
		}
	}

	roster, opposing, err := g.loadRoster(coin, dir)
	if err != nil {
		log.Error().Err(err).Str("coin", coin).Msg("Roster load failed")
		return
	}
	if len(roster) == 0 {
		return
	}

	elites, goods := countTiers(roster)
	if !eligible(elites, goods) {
		return
	}

	// Directional agreement across the whole tracked population
	agreement := float64(len(roster)) / float64(len(roster)+opposing)
	if agreement < g.cfg.MinDirectionalAgree {
		log.Debug().Str("coin", coin).Str("direction", string(dir)).Float64("agreement", agreement).
			Msg("Directional agreement too low, no signal")
		return
	}

	if active != nil {
		g.refreshRoster(active, roster, agreement)
		if err := g.db.SaveSignal(active); err != nil {
			log.Error().Err(err).Str("signal", active.ID).Msg("Signal update failed")
		}
		return
	}

	sig := g.buildSignal(coin, dir, ev, roster, elites, goods, agreement)
	if err := g.db.SaveSignal(sig); err != nil {
		log.Error().Err(err).Str("coin", coin).Msg("Signal create failed")
		return
	}

	log.Info().Str("coin", coin).Str("direction", string(dir)).
		Str("tier", sig.SignalTier).Str("strength", sig.SignalStrength).
		Int("elites", elites).Int("goods", goods).
		Str("entry", sig.EntryPrice.StringFixed(4)).Str("stop", sig.StopLoss.StringFixed(4)).
		Float64("confidence", sig.Confidence).
		Msg("🚨 Signal created")
}

// contributor pairs a live position with its wallet's quality verdict
type contributor struct {
	pos     storage.Position
	quality storage.TraderQuality
}

// loadRoster returns the fresh quality positions on (coin, dir) and the count
// of fresh quality positions on the opposite side.
func (g *Generator) loadRoster(coin string, dir types.Direction) ([]contributor, int, error) {
	cutoff := time.Now().Add(-g.cfg.FreshnessWindow)

	side, err := g.db.PositionsByCoinDirection(coin, dir)
	if err != nil {
		return nil, 0, err
	}
	opposite, err := g.db.PositionsByCoinDirection(coin, dir.Opposite())
	if err != nil {
		return nil, 0, err
	}

	addrs := make([]string, 0, len(side)+len(opposite))
	for _, p := range side {
		addrs = append(addrs, p.Address)
	}
	for _, p := range opposite {
		addrs = append(addrs, p.Address)
	}
	qualities, err := g.db.GetTraderQualities(addrs)
	if err != nil {
		return nil, 0, err
	}

	roster := make([]contributor, 0, len(side))
	for _, p := range side {
		q, ok := qualities[p.Address]
		if !ok || !q.Tier.Tracked() || p.OpenedAt.Before(cutoff) {
			continue
		}
		roster = append(roster, contributor{pos: p, quality: q})
	}

	opposing := 0
	for _, p := range opposite {
		q, ok := qualities[p.Address]
		if ok && q.Tier.Tracked() && !p.OpenedAt.Before(cutoff) {
			opposing++
		}
	}

	return roster, opposing, nil
}

// buildSignal assembles a brand-new signal from the current roster
func (g *Generator) buildSignal(coin string, dir types.Direction, ev types.PositionChange, roster []contributor, elites, goods int, agreement float64) *storage.Signal {
	now := time.Now().UTC()

	entry := vwapEntry(roster)
	stop := g.vol.StopLoss(coin, dir, entry)
	tp1, tp2, tp3 := takeProfits(entry, stop, dir)

	avgConviction, avgWinRate := 0.0, 0.0
	combinedPnl7d, totalValue := decimal.Zero, decimal.Zero
	for _, c := range roster {
		avgConviction += c.pos.ConvictionPct
		avgWinRate += c.quality.WinRate
		combinedPnl7d = combinedPnl7d.Add(c.quality.Pnl7d)
		totalValue = totalValue.Add(c.pos.ValueUSD)
	}
	avgConviction /= float64(len(roster))
	avgWinRate /= float64(len(roster))

	strength := strengthOf(elites, goods)

	sig := &storage.Signal{
		ID:        uuid.NewString(),
		Coin:      coin,
		Direction: dir,
		IsActive:  true,

		EliteCount:   elites,
		GoodCount:    goods,
		TotalTraders: len(roster),

		EntryPrice:   entry,
		CurrentPrice: ev.PriceAtEvent,
		StopLoss:     stop,
		TakeProfit1:  tp1,
		TakeProfit2:  tp2,
		TakeProfit3:  tp3,

		FundingContext:     g.funding.ClassifyFor(coin, dir),
		AvgConvictionPct:   avgConviction,
		AvgWinRate:         avgWinRate,
		CombinedPnl7d:      combinedPnl7d,
		TotalPositionValue: totalValue,
		SignalStrength:     strength,
		SignalTier:         signalTier(elites, goods),
		Confidence:         g.confidence(agreement, avgConviction, elites, strength),

		PeakPrice:   entry,
		TroughPrice: entry,
	}

	for _, c := range roster {
		sig.Traders = append(sig.Traders, storage.SignalTrader{
			SignalID:      sig.ID,
			Address:       c.pos.Address,
			Tier:          c.quality.Tier,
			EntryPrice:    c.pos.EntryPrice,
			PositionValue: c.pos.ValueUSD,
			ConvictionPct: c.pos.ConvictionPct,
			Pnl7d:         c.quality.Pnl7d,
			WinRate:       c.quality.WinRate,
			OpenedAt:      c.pos.OpenedAt,
			DetectedAt:    now,
		})
	}

	return sig
}

// refreshRoster folds the latest roster into an already-active signal.
// Entry, stop and take-profits stay pinned to their birth values.
func (g *Generator) refreshRoster(sig *storage.Signal, roster []contributor, agreement float64) {
	now := time.Now().UTC()
	known := make(map[string]int, len(sig.Traders))
	for i, t := range sig.Traders {
		known[t.Address] = i
	}

	avgConviction := 0.0
	totalValue := decimal.Zero
	for _, c := range roster {
		avgConviction += c.pos.ConvictionPct
		totalValue = totalValue.Add(c.pos.ValueUSD)

		if i, ok := known[c.pos.Address]; ok {
			sig.Traders[i].PositionValue = c.pos.ValueUSD
			sig.Traders[i].ConvictionPct = c.pos.ConvictionPct
			sig.Traders[i].Exited = false
			sig.Traders[i].ExitedAt = nil
			continue
		}
		sig.Traders = append(sig.Traders, storage.SignalTrader{
			SignalID:      sig.ID,
			Address:       c.pos.Address,
			Tier:          c.quality.Tier,
			EntryPrice:    c.pos.EntryPrice,
			PositionValue: c.pos.ValueUSD,
			ConvictionPct: c.pos.ConvictionPct,
			Pnl7d:         c.quality.Pnl7d,
			WinRate:       c.quality.WinRate,
			OpenedAt:      c.pos.OpenedAt,
			DetectedAt:    now,
		})
	}
	avgConviction /= float64(len(roster))

	elites, goods := activeCounts(sig)
	sig.EliteCount = elites
	sig.GoodCount = goods
	sig.TotalTraders = elites + goods
	sig.AvgConvictionPct = avgConviction
	sig.TotalPositionValue = totalValue
	sig.SignalStrength = strengthOf(elites, goods)
	sig.Confidence = g.confidence(agreement, avgConviction, elites, sig.SignalStrength)
}

// handleIncrease updates the contributing trader's stake on an active signal
func (g *Generator) handleIncrease(ev types.PositionChange) {
	if ev.New == nil {
		return
	}
	coin, dir := ev.Coin, ev.New.Direction

	unlock := g.lock(coin, dir)
	defer unlock()

	sig, err := g.db.ActiveSignal(coin, dir)
	if err != nil || sig == nil {
		return
	}

	found := false
	avgConviction := 0.0
	totalValue := decimal.Zero
	activeN := 0
	for i := range sig.Traders {
		t := &sig.Traders[i]
		if t.Address == ev.Address && !t.Exited {
			t.PositionValue = ev.New.ValueUSD
			t.ConvictionPct = ev.New.ConvictionPct
			found = true
		}
		if !t.Exited {
			avgConviction += t.ConvictionPct
			totalValue = totalValue.Add(t.PositionValue)
			activeN++
		}
	}
	if !found || activeN == 0 {
		return
	}

	sig.AvgConvictionPct = avgConviction / float64(activeN)
	sig.TotalPositionValue = totalValue
	if err := g.db.SaveSignal(sig); err != nil {
		log.Error().Err(err).Str("signal", sig.ID).Msg("Signal increase update failed")
	}
}

// OnTraderExit marks a contributor exited on the active (coin, direction)
// signal. Called from decrease/close/flip events and from the fill stream's
// realised-exit hook.
func (g *Generator) OnTraderExit(_ context.Context, addr, coin string, dir types.Direction) {
	unlock := g.lock(coin, dir)
	defer unlock()

	sig, err := g.db.ActiveSignal(coin, dir)
	if err != nil || sig == nil {
		return
	}

	now := time.Now().UTC()
	changed := false
	for i := range sig.Traders {
		t := &sig.Traders[i]
		if t.Address == addr && !t.Exited {
			t.Exited = true
			t.ExitedAt = &now
			changed = true
		}
	}
	if !changed {
		return
	}

	g.applyRosterShrink(sig, types.ReasonAllTradersExited)
}

// SyncTiers sweeps active signals after a re-analysis pass: contributors that
// no longer hold a quality tier are dropped, and a roster that falls below
// eligibility invalidates the signal.
func (g *Generator) SyncTiers(ctx context.Context) error {
	sigs, err := g.db.ActiveSignals()
	if err != nil {
		return err
	}

	for i := range sigs {
		sig := &sigs[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}

		unlock := g.lock(sig.Coin, sig.Direction)

		addrs := make([]string, 0, len(sig.Traders))
		for _, t := range sig.Traders {
			addrs = append(addrs, t.Address)
		}
		qualities, err := g.db.GetTraderQualities(addrs)
		if err != nil {
			unlock()
			continue
		}

		now := time.Now().UTC()
		dropped := false
		for j := range sig.Traders {
			t := &sig.Traders[j]
			if t.Exited {
				continue
			}
			q, ok := qualities[t.Address]
			if !ok || !q.Tier.Tracked() {
				t.Exited = true
				t.ExitedAt = &now
				dropped = true
			} else if q.Tier != t.Tier {
				t.Tier = q.Tier
				dropped = true
			}
		}
		if dropped {
			g.applyRosterShrink(sig, types.ReasonTradersDisquality)
		}
		unlock()
	}
	return nil
}

// applyRosterShrink recomputes counts after contributors left and decides
// whether the signal survives. Saves the signal either way.
func (g *Generator) applyRosterShrink(sig *storage.Signal, emptyReason string) {
	elites, goods := activeCounts(sig)
	sig.EliteCount = elites
	sig.GoodCount = goods
	sig.TotalTraders = elites + goods

	switch {
	case sig.TotalTraders == 0:
		g.invalidate(sig, emptyReason)
		return
	case !eligible(elites, goods):
		g.invalidate(sig, types.ReasonBelowMinimum)
		return
	default:
		sig.SignalStrength = strengthOf(elites, goods)
	}

	if err := g.db.SaveSignal(sig); err != nil {
		log.Error().Err(err).Str("signal", sig.ID).Msg("Signal roster update failed")
	}
}

// invalidate flags a signal for closure; the signal tracker finalises the
// outcome and PnL on its next tick.
func (g *Generator) invalidate(sig *storage.Signal, reason string) {
	sig.Invalidated = true
	sig.InvalidationReason = reason
	if err := g.db.SaveSignal(sig); err != nil {
		log.Error().Err(err).Str("signal", sig.ID).Msg("Signal invalidation failed")
		return
	}
	log.Info().Str("coin", sig.Coin).Str("direction", string(sig.Direction)).Str("reason", reason).
		Msg("❌ Signal invalidated")
}

// ──────────────────────────────────────────────────────────────────────────────
// Consensus rules
// ──────────────────────────────────────────────────────────────────────────────

// eligible: one elite, or two goods, carry a signal
func eligible(elites, goods int) bool {
	return elites >= 1 || goods >= 2
}

func strengthOf(elites, goods int) string {
	if elites >= 2 || goods >= 4 || (elites >= 1 && goods >= 2) {
		return types.StrengthStrong
	}
	return types.StrengthMedium
}

func signalTier(elites, goods int) string {
	switch {
	case elites >= 2 || (elites >= 1 && goods >= 1):
		return types.SignalTierConfirmed
	case elites == 1:
		return types.SignalTierEliteEntry
	default:
		return types.SignalTierConsensus
	}
}

func countTiers(roster []contributor) (elites, goods int) {
	for _, c := range roster {
		switch c.quality.Tier {
		case types.TierElite:
			elites++
		case types.TierGood:
			goods++
		}
	}
	return elites, goods
}

func activeCounts(sig *storage.Signal) (elites, goods int) {
	for _, t := range sig.Traders {
		if t.Exited {
			continue
		}
		switch t.Tier {
		case types.TierElite:
			elites++
		case types.TierGood:
			goods++
		}
	}
	return elites, goods
}

// vwapEntry is the volume-weighted mean of contributor entry prices
func vwapEntry(roster []contributor) decimal.Decimal {
	weighted, totalSize := decimal.Zero, decimal.Zero
	for _, c := range roster {
		weighted = weighted.Add(c.pos.EntryPrice.Mul(c.pos.Size))
		totalSize = totalSize.Add(c.pos.Size)
	}
	if totalSize.IsZero() {
		return decimal.Zero
	}
	return weighted.Div(totalSize)
}

// takeProfits ladders three targets at 1x/2x/3x the stop distance
func takeProfits(entry, stop decimal.Decimal, dir types.Direction) (tp1, tp2, tp3 decimal.Decimal) {
	risk := entry.Sub(stop).Abs()
	if dir == types.Long {
		return entry.Add(risk), entry.Add(risk.Mul(decimal.NewFromInt(2))), entry.Add(risk.Mul(decimal.NewFromInt(3)))
	}
	return entry.Sub(risk), entry.Sub(risk.Mul(decimal.NewFromInt(2))), entry.Sub(risk.Mul(decimal.NewFromInt(3)))
}

// confidence sums banded contributions of agreement, conviction, elite count
// and strength, with a bonus for high average conviction. Range [0, 100].
func (g *Generator) confidence(agreement, avgConviction float64, elites int, strength string) float64 {
	score := 0.0

	switch {
	case agreement >= 0.90:
		score += 30
	case agreement >= 0.80:
		score += 25
	case agreement >= 0.70:
		score += 20
	default:
		score += 15
	}

	switch {
	case avgConviction >= g.cfg.HighConvictionPct:
		score += 20
	case avgConviction >= g.cfg.MediumConvictionPct:
		score += 15
	case avgConviction >= g.cfg.LowConvictionPct:
		score += 10
	default:
		score += 5
	}

	switch {
	case elites >= 3:
		score += 25
	case elites == 2:
		score += 20
	case elites == 1:
		score += 15
	default:
		score += 5
	}

	if strength == types.StrengthStrong {
		score += 15
	} else {
		score += 10
	}

	if avgConviction >= g.cfg.HighConvictionPct {
		score += 10
	} else if avgConviction >= g.cfg.MediumConvictionPct {
		score += 5
	}

	return math.Min(math.Max(score, 0), 100)
}
