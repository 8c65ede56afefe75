package volatility

import (
	"context"
	"math"
	"sort"
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
// VOLATILITY TRACKER - per-coin ATR and daily-range rank from 1d candles
// ═══════════════════════════════════════════════════════════════════════════════

// majors are always refreshed even when no tracked wallet holds them
var majors = []string{"BTC", "ETH", "SOL", "AVAX", "DOGE", "LINK", "ARB", "OP"}

const (
	candleBufferDays = 5
	rangeWindowDays  = 7
	candleTimeout    = 30 * time.Second
)

// Stats is the computed volatility profile for one coin
type Stats struct {
	ATR14d            float64
	ATR7d             float64
	DailyRangeAvgPct  float64
	LastPrice         decimal.Decimal
	PriceChange24hPct float64
}

// Tracker computes and caches per-coin volatility
type Tracker struct {
	client *hyperliquid.Client
	db     *storage.Database
	cfg    *config.Config

	mu    sync.RWMutex
	cache map[string]storage.CoinVolatility
}

// New creates a volatility tracker
func New(client *hyperliquid.Client, db *storage.Database, cfg *config.Config) *Tracker {
	return &Tracker{
		client: client,
		db:     db,
		cfg:    cfg,
		cache:  make(map[string]storage.CoinVolatility),
	}
}

// Refresh recomputes volatility for every coin of interest: all coins held by
// tracked wallets plus the built-in major list.
func (t *Tracker) Refresh(ctx context.Context) error {
	coins := map[string]struct{}{}
	for _, c := range majors {
		coins[c] = struct{}{}
	}
	held, err := t.db.DistinctPositionCoins()
	if err != nil {
		return err
	}
	for _, c := range held {
		coins[c] = struct{}{}
	}

	ordered := make([]string, 0, len(coins))
	for c := range coins {
		ordered = append(ordered, c)
	}
	sort.Strings(ordered)

	period := t.cfg.VolatilityPeriodDays
	start := time.Now().AddDate(0, 0, -(period + candleBufferDays))

	computed := make(map[string]Stats, len(ordered))
	for _, coin := range ordered {
		cctx, cancel := context.WithTimeout(ctx, candleTimeout)
		candles, err := t.client.CandleSnapshot(cctx, coin, "1d", start, time.Time{})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("coin", coin).Msg("Candle fetch failed, keeping stale volatility")
			continue
		}

		stats, ok := ComputeStats(candles)
		if !ok {
			log.Warn().Str("coin", coin).Int("candles", len(candles)).Msg("Not enough candles for volatility")
			continue
		}
		computed[coin] = stats
	}

	ranks := RankByDailyRange(computed)

	now := time.Now().UTC()
	for coin, stats := range computed {
		row := storage.CoinVolatility{
			Coin:              coin,
			ATR14d:            stats.ATR14d,
			ATR7d:             stats.ATR7d,
			DailyRangeAvgPct:  stats.DailyRangeAvgPct,
			VolatilityRank:    ranks[coin],
			LastPrice:         stats.LastPrice,
			PriceChange24hPct: stats.PriceChange24hPct,
			UpdatedAt:         now,
		}
		if err := t.db.SaveCoinVolatility(&row); err != nil {
			log.Error().Err(err).Str("coin", coin).Msg("Volatility save failed, skipping row")
			continue
		}
		t.mu.Lock()
		t.cache[coin] = row
		t.mu.Unlock()
	}

	log.Info().Int("coins", len(computed)).Msg("📊 Volatility refreshed")
	return nil
}

// Get returns the cached volatility row for a coin, falling back to the
// database when the in-memory cache is cold.
func (t *Tracker) Get(coin string) *storage.CoinVolatility {
	t.mu.RLock()
	row, ok := t.cache[coin]
	t.mu.RUnlock()
	if ok {
		return &row
	}

	stored, err := t.db.GetCoinVolatility(coin)
	if err != nil || stored == nil {
		return nil
	}
	t.mu.Lock()
	t.cache[coin] = *stored
	t.mu.Unlock()
	return stored
}

// StopLoss returns the volatility-adjusted stop for an entry: ATR14 times the
// configured multiple away from entry, clamped to [StopMinPct, StopMaxPct] of
// entry. Falls back to FallbackStopPct when the coin has no volatility data.
func (t *Tracker) StopLoss(coin string, dir types.Direction, entry decimal.Decimal) decimal.Decimal {
	stopPct := t.cfg.FallbackStopPct

	if v := t.Get(coin); v != nil && v.ATR14d > 0 && entry.IsPositive() {
		dist := v.ATR14d * t.cfg.ATRMultiple
		pct := dist / entry.InexactFloat64() * 100
		stopPct = math.Min(math.Max(pct, t.cfg.StopMinPct), t.cfg.StopMaxPct)
	}

	offset := entry.Mul(decimal.NewFromFloat(stopPct / 100))
	if dir == types.Long {
		return entry.Sub(offset)
	}
	return entry.Add(offset)
}

// ComputeStats derives ATRs, daily range and last price from 1d candles.
// The final candle is treated as the in-progress day: it supplies the last
// price but is excluded from the range average.
func ComputeStats(candles []Candle) (Stats, bool) {
	if len(candles) < 2 {
		return Stats{}, false
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime < candles[j].OpenTime })

	// True range per candle: max(high-low, |high-prevClose|, |low-prevClose|)
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		h := candles[i].High.InexactFloat64()
		l := candles[i].Low.InexactFloat64()
		pc := candles[i-1].Close.InexactFloat64()
		tr := math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		trs = append(trs, tr)
	}

	completed := candles[:len(candles)-1]
	rangeStart := len(completed) - rangeWindowDays
	if rangeStart < 0 {
		rangeStart = 0
	}
	rangeSum, rangeN := 0.0, 0
	for _, c := range completed[rangeStart:] {
		h := c.High.InexactFloat64()
		l := c.Low.InexactFloat64()
		mid := (h + l) / 2
		if mid > 0 {
			rangeSum += (h - l) / mid * 100
			rangeN++
		}
	}
	if rangeN == 0 {
		return Stats{}, false
	}

	last := candles[len(candles)-1]
	stats := Stats{
		ATR14d:           meanTail(trs, 14),
		ATR7d:            meanTail(trs, 7),
		DailyRangeAvgPct: rangeSum / float64(rangeN),
		LastPrice:        last.Close,
	}
	if len(candles) >= 2 {
		prevClose := candles[len(candles)-2].Close.InexactFloat64()
		if prevClose > 0 {
			stats.PriceChange24hPct = (last.Close.InexactFloat64() - prevClose) / prevClose * 100
		}
	}
	return stats, true
}

// RankByDailyRange assigns each coin the percentile of its daily range among
// the cycle's coins: 0 = lowest, 100 = highest. Ties break by coin name so
// the ordering is total.
func RankByDailyRange(stats map[string]Stats) map[string]float64 {
	type entry struct {
		coin  string
		value float64
	}
	entries := make([]entry, 0, len(stats))
	for coin, s := range stats {
		entries = append(entries, entry{coin, s.DailyRangeAvgPct})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].value != entries[j].value {
			return entries[i].value < entries[j].value
		}
		return entries[i].coin < entries[j].coin
	})

	ranks := make(map[string]float64, len(entries))
	for i, e := range entries {
		if len(entries) == 1 {
			ranks[e.coin] = 50
			continue
		}
		ranks[e.coin] = float64(i) / float64(len(entries)-1) * 100
	}
	return ranks
}

// Candle aliases the exchange candle so tests can build bars without the client
type Candle = hyperliquid.Candle

func meanTail(values []float64, n int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) > n {
		values = values[len(values)-n:]
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
