package funding

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"hyperwatch/internal/config"
	"hyperwatch/internal/hyperliquid"
	"hyperwatch/storage"
	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FUNDING TRACKER - per-coin funding rate, classified against signal direction
// ═══════════════════════════════════════════════════════════════════════════════

// Tracker caches the current funding rate per coin
type Tracker struct {
	client *hyperliquid.Client
	db     *storage.Database
	cfg    *config.Config

	mu    sync.RWMutex
	rates map[string]float64 // 8h rate
}

// New creates a funding tracker
func New(client *hyperliquid.Client, db *storage.Database, cfg *config.Config) *Tracker {
	return &Tracker{
		client: client,
		db:     db,
		cfg:    cfg,
		rates:  make(map[string]float64),
	}
}

// Refresh pulls the live asset contexts and rebuilds the funding cache.
// The exchange reports an hourly rate; everything downstream speaks per-8h.
func (t *Tracker) Refresh(ctx context.Context) error {
	meta, ctxs, err := t.client.MetaAndAssetCtxs(ctx)
	if err != nil {
		return err
	}
	if len(ctxs) < len(meta.Universe) {
		log.Warn().Int("universe", len(meta.Universe)).Int("contexts", len(ctxs)).
			Msg("Asset context count mismatch, truncating")
	}

	now := time.Now().UTC()
	updated := 0
	for i, asset := range meta.Universe {
		if i >= len(ctxs) {
			break
		}
		rate8h := ctxs[i].Funding.InexactFloat64() * 8

		t.mu.Lock()
		t.rates[asset.Name] = rate8h
		t.mu.Unlock()

		row := &storage.FundingContext{
			Coin:           asset.Name,
			FundingRate8h:  rate8h,
			Classification: Classify(rate8h, types.Long, t.cfg.FundingThreshold8h),
			UpdatedAt:      now,
		}
		if err := t.db.SaveFundingContext(row); err != nil {
			log.Error().Err(err).Str("coin", asset.Name).Msg("Funding save failed, skipping row")
			continue
		}
		updated++
	}

	log.Info().Int("coins", updated).Msg("💸 Funding refreshed")
	return nil
}

// ClassifyFor returns the funding favorability for a position direction on a
// coin. Unknown coins read as neutral.
func (t *Tracker) ClassifyFor(coin string, dir types.Direction) types.FundingClass {
	t.mu.RLock()
	rate, ok := t.rates[coin]
	t.mu.RUnlock()

	if !ok {
		if stored, err := t.db.GetFundingContext(coin); err == nil && stored != nil {
			rate = stored.FundingRate8h
			t.mu.Lock()
			t.rates[coin] = rate
			t.mu.Unlock()
		} else {
			return types.FundingNeutral
		}
	}

	return Classify(rate, dir, t.cfg.FundingThreshold8h)
}

// Classify buckets a funding rate relative to a direction. A position that
// would receive funding is favorable: shorts when the rate is above
// +threshold, longs when below -threshold. The symmetric payer side is
// unfavorable, anything between the thresholds is neutral.
func Classify(rate8h float64, dir types.Direction, threshold float64) types.FundingClass {
	switch {
	case rate8h > threshold:
		if dir == types.Short {
			return types.FundingFavorable
		}
		return types.FundingUnfavorable
	case rate8h < -threshold:
		if dir == types.Long {
			return types.FundingFavorable
		}
		return types.FundingUnfavorable
	default:
		return types.FundingNeutral
	}
}
