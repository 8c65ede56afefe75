package signals

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hyperwatch/internal/config"
	"hyperwatch/internal/hyperliquid"
	"hyperwatch/storage"
	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL TRACKER - marks active signals to market and settles outcomes
// ═══════════════════════════════════════════════════════════════════════════════

// Tracker resolves active signals against live mid prices
type Tracker struct {
	client *hyperliquid.Client
	db     *storage.Database
	cfg    *config.Config
}

// NewTracker creates a signal tracker
func NewTracker(client *hyperliquid.Client, db *storage.Database, cfg *config.Config) *Tracker {
	return &Tracker{client: client, db: db, cfg: cfg}
}

// Tick runs one mark-to-market pass over all active signals
func (t *Tracker) Tick(ctx context.Context) error {
	sigs, err := t.db.ActiveSignals()
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		return nil
	}

	mids, err := t.client.AllMids(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range sigs {
		sig := &sigs[i]

		if sig.Invalidated {
			t.close(sig, types.OutcomeClosed, sig.InvalidationReason, now)
			continue
		}

		price, ok := mids[sig.Coin]
		if !ok || !price.IsPositive() {
			continue
		}
		t.mark(sig, price)

		switch {
		case stopHit(sig, price):
			sig.HitStop = true
			t.close(sig, types.OutcomeStopped, types.ReasonStopLossHit, now)
			continue
		case tpHit(sig, price, sig.TakeProfit3):
			sig.HitTP1, sig.HitTP2, sig.HitTP3 = true, true, true
			t.close(sig, types.OutcomeTP3, "", now)
			continue
		case tpHit(sig, price, sig.TakeProfit2):
			sig.HitTP1, sig.HitTP2 = true, true
		case tpHit(sig, price, sig.TakeProfit1):
			sig.HitTP1 = true
		}

		if now.Sub(sig.CreatedAt).Hours() >= t.cfg.MaxSignalHours {
			t.close(sig, types.OutcomeExpired, "", now)
			continue
		}

		if err := t.db.SaveSignal(sig); err != nil {
			log.Error().Err(err).Str("signal", sig.ID).Msg("Signal mark update failed")
		}
	}
	return nil
}

// mark updates price extremes and the running PnL range
func (t *Tracker) mark(sig *storage.Signal, price decimal.Decimal) {
	sig.CurrentPrice = price

	if price.GreaterThan(sig.PeakPrice) {
		sig.PeakPrice = price
	}
	if sig.TroughPrice.IsZero() || price.LessThan(sig.TroughPrice) {
		sig.TroughPrice = price
	}

	pnl := pnlPct(sig, price)
	if pnl > sig.MaxPnlPct {
		sig.MaxPnlPct = pnl
	}
	if pnl < sig.MinPnlPct {
		sig.MinPnlPct = pnl
	}
}

// pnlPct is the signal's mark-to-market return at a price
func pnlPct(sig *storage.Signal, price decimal.Decimal) float64 {
	if !sig.EntryPrice.IsPositive() {
		return 0
	}
	change := price.Sub(sig.EntryPrice).Div(sig.EntryPrice).InexactFloat64() * 100
	if sig.Direction == types.Short {
		return -change
	}
	return change
}

func stopHit(sig *storage.Signal, price decimal.Decimal) bool {
	if sig.Direction == types.Long {
		return price.LessThanOrEqual(sig.StopLoss)
	}
	return price.GreaterThanOrEqual(sig.StopLoss)
}

func tpHit(sig *storage.Signal, price, target decimal.Decimal) bool {
	if sig.Direction == types.Long {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

// close finalises a signal and folds it into the coin's rolling performance
func (t *Tracker) close(sig *storage.Signal, outcome, reason string, now time.Time) {
	final := pnlPct(sig, sig.CurrentPrice)

	sig.IsActive = false
	sig.Outcome = outcome
	sig.InvalidationReason = reason
	sig.FinalPnlPct = &final
	sig.DurationHours = now.Sub(sig.CreatedAt).Hours()
	sig.ClosedAt = &now

	if err := t.db.SaveSignal(sig); err != nil {
		log.Error().Err(err).Str("signal", sig.ID).Msg("Signal close failed")
		return
	}

	if err := t.recordPerformance(sig.Coin, final, sig.DurationHours); err != nil {
		log.Error().Err(err).Str("coin", sig.Coin).Msg("Asset performance update failed")
	}

	log.Info().Str("coin", sig.Coin).Str("direction", string(sig.Direction)).
		Str("outcome", outcome).Float64("pnl_pct", final).
		Float64("duration_h", sig.DurationHours).
		Msg("🏁 Signal closed")
}

// recordPerformance folds one closed signal into the per-coin aggregate
func (t *Tracker) recordPerformance(coin string, pnl, durationHours float64) error {
	perf, err := t.db.GetAssetPerformance(coin)
	if err != nil {
		return err
	}

	n := float64(perf.TotalSignals)
	perf.TotalSignals++
	if pnl > 0 {
		perf.WinningSignals++
	}
	perf.WinRate = float64(perf.WinningSignals) / float64(perf.TotalSignals)
	perf.TotalPnlPct += pnl
	perf.AvgPnlPct = perf.TotalPnlPct / float64(perf.TotalSignals)
	perf.AvgDurationHours = (perf.AvgDurationHours*n + durationHours) / float64(perf.TotalSignals)

	if perf.TotalSignals == 1 {
		perf.BestSignalPnlPct = pnl
		perf.WorstSignalPnlPct = pnl
	} else {
		if pnl > perf.BestSignalPnlPct {
			perf.BestSignalPnlPct = pnl
		}
		if pnl < perf.WorstSignalPnlPct {
			perf.WorstSignalPnlPct = pnl
		}
	}

	return t.db.SaveAssetPerformance(perf)
}
