package quality

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"hyperwatch/internal/config"
	"hyperwatch/types"
)

func tierConfig() *config.Config {
	return &config.Config{
		EliteThresholds: config.TierThresholds{
			MinRoi7dPct:     5,
			MinPnl7dAlt:     decimal.NewFromInt(5000),
			MinWinRate:      0.55,
			MinProfitFactor: 1.8,
			MinTrades:       10,
			MinAccountValue: decimal.NewFromInt(25000),
		},
		GoodThresholds: config.TierThresholds{
			MinRoi7dPct:     2,
			MinPnl7dAlt:     decimal.NewFromInt(1000),
			MinWinRate:      0.45,
			MinProfitFactor: 1.3,
			MinTrades:       5,
			MinAccountValue: decimal.NewFromInt(5000),
		},
		DemoteElite: config.TierThresholds{
			MinRoi7dPct:     0,
			MinPnl7dAlt:     decimal.NewFromInt(-2500),
			MinWinRate:      0.45,
			MinProfitFactor: 1.2,
			MinTrades:       3,
			MinAccountValue: decimal.NewFromInt(10000),
		},
		DemoteGood: config.TierThresholds{
			MinRoi7dPct:     -2,
			MinPnl7dAlt:     decimal.NewFromInt(-5000),
			MinWinRate:      0.35,
			MinProfitFactor: 1.0,
			MinTrades:       2,
			MinAccountValue: decimal.NewFromInt(2500),
		},
		EliteMaxDrawdown30d: 25,
		EliteMinConsistency: 50,
	}
}

func eliteMetrics() Metrics {
	return Metrics{
		AccountValue:      decimal.NewFromInt(100000),
		Pnl7d:             decimal.NewFromInt(8000),
		Pnl30d:            decimal.NewFromInt(20000),
		Roi7dPct:          8,
		WinRate:           0.6,
		ProfitFactor:      2.2,
		TotalTrades:       40,
		MaxDrawdown30dPct: 10,
		ConsistencyScore:  70,
	}
}

func TestMeets(t *testing.T) {
	cfg := tierConfig()

	t.Run("either performance gate satisfies", func(t *testing.T) {
		m := eliteMetrics()
		m.Roi7dPct = 1 // below the ROI gate
		m.Pnl7d = decimal.NewFromInt(6000)
		assert.True(t, Meets(m, cfg.EliteThresholds))

		m.Pnl7d = decimal.NewFromInt(100) // below the alt gate too
		assert.False(t, Meets(m, cfg.EliteThresholds))
	})

	t.Run("every other check is mandatory", func(t *testing.T) {
		m := eliteMetrics()
		m.WinRate = 0.5
		assert.False(t, Meets(m, cfg.EliteThresholds))
	})
}

func TestDecideTier(t *testing.T) {
	cfg := tierConfig()

	t.Run("inactive when no trades and dust equity", func(t *testing.T) {
		m := Metrics{AccountValue: decimal.NewFromInt(50)}
		assert.Equal(t, types.TierInactive, DecideTier(m, cfg))
	})

	t.Run("no trades but real equity is weak not inactive", func(t *testing.T) {
		m := Metrics{AccountValue: decimal.NewFromInt(50000)}
		assert.Equal(t, types.TierWeak, DecideTier(m, cfg))
	})

	t.Run("elite needs the extra bar", func(t *testing.T) {
		m := eliteMetrics()
		assert.Equal(t, types.TierElite, DecideTier(m, cfg))

		// losing month with drawdown kills sustained; week not exceptional
		m.Pnl30d = decimal.NewFromInt(-1000)
		m.Roi7dPct = 8
		assert.Equal(t, types.TierGood, DecideTier(m, cfg))
	})

	t.Run("exceptional week rescues the extra bar", func(t *testing.T) {
		m := eliteMetrics()
		m.Pnl30d = decimal.NewFromInt(-1000)
		m.Roi7dPct = 12 // >= 2x elite ROI gate
		assert.Equal(t, types.TierElite, DecideTier(m, cfg))
	})

	t.Run("good tier", func(t *testing.T) {
		m := Metrics{
			AccountValue: decimal.NewFromInt(10000),
			Pnl7d:        decimal.NewFromInt(1500),
			Roi7dPct:     3,
			WinRate:      0.5,
			ProfitFactor: 1.5,
			TotalTrades:  8,
		}
		assert.Equal(t, types.TierGood, DecideTier(m, cfg))
	})

	t.Run("weak tier", func(t *testing.T) {
		m := Metrics{
			AccountValue: decimal.NewFromInt(10000),
			Pnl7d:        decimal.NewFromInt(-500),
			Roi7dPct:     -3,
			WinRate:      0.3,
			ProfitFactor: 0.8,
			TotalTrades:  20,
		}
		assert.Equal(t, types.TierWeak, DecideTier(m, cfg))
	})
}

func TestDecideTierWithHysteresis(t *testing.T) {
	cfg := tierConfig()

	t.Run("promotion always uses the strict decision", func(t *testing.T) {
		m := eliteMetrics()
		assert.Equal(t, types.TierElite, DecideTierWithHysteresis(types.TierWeak, m, cfg))
	})

	t.Run("elite holds through a soft patch", func(t *testing.T) {
		m := eliteMetrics()
		m.Roi7dPct = 1 // fails elite, clears demote-elite
		m.Pnl7d = decimal.NewFromInt(500)
		m.WinRate = 0.5
		assert.Equal(t, types.TierElite, DecideTierWithHysteresis(types.TierElite, m, cfg))
	})

	t.Run("elite drops one step when only demote-good holds", func(t *testing.T) {
		m := eliteMetrics()
		m.Roi7dPct = -1
		m.Pnl7d = decimal.NewFromInt(-3000)
		m.WinRate = 0.40
		m.ProfitFactor = 1.1
		assert.Equal(t, types.TierGood, DecideTierWithHysteresis(types.TierElite, m, cfg))
	})

	t.Run("collapse falls straight through", func(t *testing.T) {
		m := Metrics{
			AccountValue: decimal.NewFromInt(1000),
			Pnl7d:        decimal.NewFromInt(-8000),
			Roi7dPct:     -50,
			WinRate:      0.2,
			ProfitFactor: 0.3,
			TotalTrades:  30,
		}
		assert.Equal(t, types.TierWeak, DecideTierWithHysteresis(types.TierElite, m, cfg))
	})

	t.Run("good holds inside its demote band", func(t *testing.T) {
		m := Metrics{
			AccountValue: decimal.NewFromInt(4000),
			Pnl7d:        decimal.NewFromInt(-1000),
			Roi7dPct:     -1,
			WinRate:      0.4,
			ProfitFactor: 1.1,
			TotalTrades:  4,
		}
		assert.Equal(t, types.TierGood, DecideTierWithHysteresis(types.TierGood, m, cfg))
		assert.Equal(t, types.TierWeak, DecideTier(m, cfg))
	})
}
