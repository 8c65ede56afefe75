package signals

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"hyperwatch/internal/config"
	"hyperwatch/internal/funding"
	"hyperwatch/internal/volatility"
	"hyperwatch/storage"
	"hyperwatch/types"
)

const (
	walletA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	walletB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	walletC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func testDB(t *testing.T, name string) *storage.Database {
	t.Helper()
	db, err := storage.Open(sqlite.Open(fmt.Sprintf("file:sig_%s?mode=memory&cache=shared", name)))
	require.NoError(t, err)
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		FreshnessWindow:     4 * time.Hour,
		LowConvictionPct:    5,
		MediumConvictionPct: 15,
		HighConvictionPct:   30,
		MinDirectionalAgree: 0.65,
		MaxSignalHours:      168,
		ATRMultiple:         1.5,
		StopMinPct:          1,
		StopMaxPct:          10,
		FallbackStopPct:     3,
		FundingThreshold8h:  0.0001,
	}
}

func newTestGenerator(t *testing.T, name string) (*Generator, *storage.Database) {
	t.Helper()
	db := testDB(t, name)
	cfg := testConfig()
	return New(db, volatility.New(nil, db, cfg), funding.New(nil, db, cfg), cfg), db
}

func seedQuality(t *testing.T, db *storage.Database, addr string, tier types.Tier) {
	t.Helper()
	require.NoError(t, db.SaveTraderQuality(&storage.TraderQuality{
		Address:   addr,
		Tier:      tier,
		IsTracked: tier.Tracked(),
		WinRate:   0.55,
		Pnl7d:     decimal.NewFromInt(2000),
	}))
}

func seedPositions(t *testing.T, db *storage.Database, addr string, rows ...storage.Position) {
	t.Helper()
	for i := range rows {
		rows[i].Address = addr
		if rows[i].OpenedAt.IsZero() {
			rows[i].OpenedAt = time.Now().UTC()
		}
	}
	require.NoError(t, db.ReplacePositions([]string{addr}, rows))
}

func position(coin string, dir types.Direction, conviction float64) storage.Position {
	return storage.Position{
		Coin:          coin,
		Direction:     dir,
		Size:          decimal.NewFromInt(2),
		EntryPrice:    decimal.NewFromInt(50000),
		ValueUSD:      decimal.NewFromInt(100000),
		ConvictionPct: conviction,
		OpenedAt:      time.Now().UTC(),
	}
}

func openEvent(addr, coin string, dir types.Direction, conviction float64) types.PositionChange {
	p := types.TrackedPosition{
		Address:       addr,
		Coin:          coin,
		Direction:     dir,
		Size:          decimal.NewFromInt(2),
		EntryPrice:    decimal.NewFromInt(50000),
		ValueUSD:      decimal.NewFromInt(100000),
		ConvictionPct: conviction,
		OpenedAt:      time.Now().UTC(),
	}
	return types.PositionChange{
		Address:      addr,
		Coin:         coin,
		EventType:    types.ChangeOpen,
		New:          &p,
		SizeChange:   p.Size,
		PriceAtEvent: decimal.NewFromInt(50100),
		DetectedAt:   time.Now().UTC(),
	}
}

func TestSignalCreationFromEliteOpen(t *testing.T) {
	g, db := newTestGenerator(t, "elite_open")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierElite)
	seedPositions(t, db, walletA, position("BTC", types.Long, 20))

	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

	sig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, types.SignalTierEliteEntry, sig.SignalTier)
	assert.Equal(t, types.StrengthMedium, sig.SignalStrength)
	assert.Equal(t, 1, sig.EliteCount)
	assert.Equal(t, 0, sig.GoodCount)
	assert.Equal(t, 1, sig.TotalTraders)
	require.Len(t, sig.Traders, 1)
	assert.Equal(t, walletA, sig.Traders[0].Address)

	// no volatility data: 3% fallback stop, TPs ladder the stop distance
	assert.True(t, sig.EntryPrice.Equal(decimal.NewFromInt(50000)), "entry %s", sig.EntryPrice)
	assert.True(t, sig.StopLoss.Equal(decimal.NewFromInt(48500)), "stop %s", sig.StopLoss)
	assert.True(t, sig.TakeProfit1.Equal(decimal.NewFromInt(51500)))
	assert.True(t, sig.TakeProfit2.Equal(decimal.NewFromInt(53000)))
	assert.True(t, sig.TakeProfit3.Equal(decimal.NewFromInt(54500)))

	assert.Greater(t, sig.Confidence, 0.0)
	assert.LessOrEqual(t, sig.Confidence, 100.0)
	assert.Equal(t, types.FundingNeutral, sig.FundingContext)
}

func TestNoSignalBelowEligibility(t *testing.T) {
	g, db := newTestGenerator(t, "eligibility")
	ctx := context.Background()

	t.Run("single good is not enough", func(t *testing.T) {
		seedQuality(t, db, walletA, types.TierGood)
		seedPositions(t, db, walletA, position("BTC", types.Long, 20))

		g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

		sig, err := db.ActiveSignal("BTC", types.Long)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("second good crosses the bar", func(t *testing.T) {
		seedQuality(t, db, walletB, types.TierGood)
		seedPositions(t, db, walletB, position("BTC", types.Long, 25))

		g.Handle(ctx, openEvent(walletB, "BTC", types.Long, 25))

		sig, err := db.ActiveSignal("BTC", types.Long)
		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.Equal(t, types.SignalTierConsensus, sig.SignalTier)
		assert.Equal(t, 2, sig.GoodCount)
	})
}

func TestNoSignalFromUntrackedOrTimidTraders(t *testing.T) {
	g, db := newTestGenerator(t, "gates")
	ctx := context.Background()

	t.Run("weak trader is ignored", func(t *testing.T) {
		seedQuality(t, db, walletA, types.TierWeak)
		seedPositions(t, db, walletA, position("BTC", types.Long, 20))

		g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

		sig, err := db.ActiveSignal("BTC", types.Long)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("conviction below the floor is ignored", func(t *testing.T) {
		seedQuality(t, db, walletB, types.TierElite)
		seedPositions(t, db, walletB, position("ETH", types.Long, 2))

		g.Handle(ctx, openEvent(walletB, "ETH", types.Long, 2))

		sig, err := db.ActiveSignal("ETH", types.Long)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})
}

func TestNoSignalWithoutDirectionalAgreement(t *testing.T) {
	g, db := newTestGenerator(t, "agreement")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierElite)
	seedQuality(t, db, walletB, types.TierElite)
	seedPositions(t, db, walletA, position("BTC", types.Long, 20))
	seedPositions(t, db, walletB, position("BTC", types.Short, 20))

	// one tracked long vs one tracked short: 50% agreement, below 65%
	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

	sig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestStalePositionsDoNotCount(t *testing.T) {
	g, db := newTestGenerator(t, "stale")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierElite)
	old := position("BTC", types.Long, 20)
	old.OpenedAt = time.Now().UTC().Add(-6 * time.Hour) // outside the 4h window
	seedPositions(t, db, walletA, old)

	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

	sig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestOppositeSignalReplacement(t *testing.T) {
	g, db := newTestGenerator(t, "replacement")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierElite)
	seedQuality(t, db, walletB, types.TierElite)

	seedPositions(t, db, walletA, position("BTC", types.Long, 20))
	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))
	longSig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, longSig)

	// the long closes, then an elite opens a short
	require.NoError(t, db.ReplacePositions([]string{walletA}, nil))
	seedPositions(t, db, walletB, position("BTC", types.Short, 25))
	g.Handle(ctx, openEvent(walletB, "BTC", types.Short, 25))

	shortSig, err := db.ActiveSignal("BTC", types.Short)
	require.NoError(t, err)
	require.NotNil(t, shortSig)

	replaced, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, replaced, "long stays active until the tracker settles it")
	assert.True(t, replaced.Invalidated)
	assert.Equal(t, "replaced_by_short_signal", replaced.InvalidationReason)
}

func TestAllTradersExitedInvalidates(t *testing.T) {
	g, db := newTestGenerator(t, "all_exited")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierElite)
	seedPositions(t, db, walletA, position("BTC", types.Long, 20))
	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

	g.OnTraderExit(ctx, walletA, "BTC", types.Long)

	sig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.Invalidated)
	assert.Equal(t, types.ReasonAllTradersExited, sig.InvalidationReason)
	assert.Equal(t, 0, sig.TotalTraders)
	require.Len(t, sig.Traders, 1)
	assert.True(t, sig.Traders[0].Exited)
	assert.NotNil(t, sig.Traders[0].ExitedAt)
}

func TestRosterShrinkBelowMinimum(t *testing.T) {
	g, db := newTestGenerator(t, "below_min")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierGood)
	seedQuality(t, db, walletB, types.TierGood)
	seedPositions(t, db, walletA, position("BTC", types.Long, 20))
	seedPositions(t, db, walletB, position("BTC", types.Long, 25))

	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))
	sig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, 2, sig.GoodCount)

	// one good leaves: a single good no longer carries the signal
	g.OnTraderExit(ctx, walletB, "BTC", types.Long)

	sig, err = db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.Invalidated)
	assert.Equal(t, types.ReasonBelowMinimum, sig.InvalidationReason)
}

func TestSyncTiersDropsDisqualifiedContributors(t *testing.T) {
	g, db := newTestGenerator(t, "tier_sync")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierElite)
	seedPositions(t, db, walletA, position("BTC", types.Long, 20))
	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

	// re-analysis demotes the only contributor
	seedQuality(t, db, walletA, types.TierWeak)
	require.NoError(t, g.SyncTiers(ctx))

	sig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.Invalidated)
	assert.Equal(t, types.ReasonTradersDisquality, sig.InvalidationReason)
}

func TestSyncTiersRefreshesPromotedContributor(t *testing.T) {
	g, db := newTestGenerator(t, "tier_promote")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierGood)
	seedQuality(t, db, walletB, types.TierGood)
	seedPositions(t, db, walletA, position("BTC", types.Long, 20))
	seedPositions(t, db, walletB, position("BTC", types.Long, 20))
	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

	// re-analysis promotes one contributor; the sweep refreshes its label
	seedQuality(t, db, walletA, types.TierElite)
	require.NoError(t, g.SyncTiers(ctx))

	sig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.IsActive)
	assert.False(t, sig.Invalidated)
	assert.Equal(t, 1, sig.EliteCount)
	assert.Equal(t, 1, sig.GoodCount)

	for _, tr := range sig.Traders {
		if tr.Address == walletA {
			assert.Equal(t, types.TierElite, tr.Tier)
		}
	}
}

func TestIncreaseUpdatesContributorStake(t *testing.T) {
	g, db := newTestGenerator(t, "increase")
	ctx := context.Background()

	seedQuality(t, db, walletA, types.TierElite)
	seedPositions(t, db, walletA, position("BTC", types.Long, 20))
	g.Handle(ctx, openEvent(walletA, "BTC", types.Long, 20))

	ev := openEvent(walletA, "BTC", types.Long, 40)
	ev.EventType = types.ChangeIncrease
	ev.New.ValueUSD = decimal.NewFromInt(200000)
	g.Handle(ctx, ev)

	sig, err := db.ActiveSignal("BTC", types.Long)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.InDelta(t, 40, sig.AvgConvictionPct, 0.001)
	assert.True(t, sig.TotalPositionValue.Equal(decimal.NewFromInt(200000)))
}

func TestConfidenceBands(t *testing.T) {
	g, _ := newTestGenerator(t, "confidence")

	t.Run("maximum profile", func(t *testing.T) {
		score := g.confidence(0.95, 35, 3, types.StrengthStrong)
		assert.Equal(t, 100.0, score)
	})

	t.Run("minimum profile", func(t *testing.T) {
		score := g.confidence(0.66, 1, 0, types.StrengthMedium)
		assert.Equal(t, 35.0, score)
	})

	t.Run("monotonic in agreement", func(t *testing.T) {
		low := g.confidence(0.70, 10, 1, types.StrengthMedium)
		high := g.confidence(0.92, 10, 1, types.StrengthMedium)
		assert.Greater(t, high, low)
	})
}
