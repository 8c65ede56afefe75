package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TierThresholds is the gate a wallet must fully pass to qualify for a tier.
// Performance is satisfied by EITHER MinRoi7dPct or MinPnl7dAlt.
type TierThresholds struct {
	MinRoi7dPct     float64
	MinPnl7dAlt     decimal.Decimal
	MinWinRate      float64
	MinProfitFactor float64
	MinTrades       int
	MinAccountValue decimal.Decimal
}

// Config holds all configuration for the watcher
type Config struct {
	// Mode
	Debug    bool
	LogLevel string

	// Exchange API
	InfoURL     string
	WSURL       string
	HTTPTimeout time.Duration

	// Rate limiting
	RequestsPerSecond    float64
	DelayBetweenRequests time.Duration
	BatchSize            int

	// Intervals
	PollInterval         time.Duration // position tracker
	SignalTickInterval   time.Duration // signal mark-to-market
	VolatilityInterval   time.Duration
	FundingInterval      time.Duration
	SubscriptionSync     time.Duration // WS userFills membership refresh
	EliteReanalysis      time.Duration
	GoodReanalysis       time.Duration
	WeakReanalysis       time.Duration
	ReanalysisBatchSize  int
	SnapshotCheckEvery   time.Duration // daily equity snapshot gate
	WeeklyReevalInterval time.Duration

	// Position tracking
	MinPositionValue decimal.Decimal
	OpenTimeLookback int // days of fills walked for opened_at back-fill

	// Signal generation
	FreshnessWindow      time.Duration
	LowConvictionPct     float64
	MediumConvictionPct  float64
	HighConvictionPct    float64
	MinDirectionalAgree  float64
	MaxSignalHours       float64
	SizeChangeTolerance  float64 // ±5% band around previous size
	ATRMultiple          float64
	StopMinPct           float64
	StopMaxPct           float64
	FallbackStopPct      float64
	FundingThreshold8h   float64
	VolatilityPeriodDays int

	// Quality evaluation
	EliteThresholds      TierThresholds
	GoodThresholds       TierThresholds
	DemoteElite          TierThresholds // looser set used by re-evaluation
	DemoteGood           TierThresholds
	EliteMaxDrawdown30d  float64
	EliteMinConsistency  float64
	ImmediateDemodePct   float64 // unrealized drawdown forcing demotion
	SustainedDemotePct   float64
	SustainedDemoteAfter time.Duration
	RetentionDays        int

	// Wallet discovery
	SeedWallets []string

	// Database
	DatabaseURL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Debug:    getEnvBool("DEBUG", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		InfoURL:     getEnv("HYPERLIQUID_INFO_URL", "https://api.hyperliquid.xyz/info"),
		WSURL:       getEnv("HYPERLIQUID_WS_URL", "wss://api.hyperliquid.xyz/ws"),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		RequestsPerSecond:    getEnvFloat("REQUESTS_PER_SECOND", 1.5),
		DelayBetweenRequests: getEnvDuration("DELAY_BETWEEN_REQUESTS", 750*time.Millisecond),
		BatchSize:            getEnvInt("BATCH_SIZE", 10),

		PollInterval:         getEnvDuration("POLL_INTERVAL", 60*time.Second),
		SignalTickInterval:   getEnvDuration("SIGNAL_TICK_INTERVAL", 30*time.Second),
		VolatilityInterval:   getEnvDuration("VOLATILITY_INTERVAL", 4*time.Hour),
		FundingInterval:      getEnvDuration("FUNDING_INTERVAL", 30*time.Minute),
		SubscriptionSync:     getEnvDuration("SUBSCRIPTION_SYNC", 5*time.Minute),
		EliteReanalysis:      getEnvDuration("ELITE_REANALYSIS", time.Hour),
		GoodReanalysis:       getEnvDuration("GOOD_REANALYSIS", 4*time.Hour),
		WeakReanalysis:       getEnvDuration("WEAK_REANALYSIS", 24*time.Hour),
		ReanalysisBatchSize:  getEnvInt("REANALYSIS_BATCH_SIZE", 10),
		SnapshotCheckEvery:   getEnvDuration("SNAPSHOT_CHECK_EVERY", time.Hour),
		WeeklyReevalInterval: getEnvDuration("WEEKLY_REEVAL_INTERVAL", 7*24*time.Hour),

		MinPositionValue: getEnvDecimal("MIN_POSITION_VALUE", decimal.NewFromInt(1000)),
		OpenTimeLookback: getEnvInt("OPEN_TIME_LOOKBACK_DAYS", 14),

		FreshnessWindow:      getEnvDuration("FRESHNESS_WINDOW", 4*time.Hour),
		LowConvictionPct:     getEnvFloat("LOW_CONVICTION_PCT", 5),
		MediumConvictionPct:  getEnvFloat("MEDIUM_CONVICTION_PCT", 15),
		HighConvictionPct:    getEnvFloat("HIGH_CONVICTION_PCT", 30),
		MinDirectionalAgree:  getEnvFloat("MIN_DIRECTIONAL_AGREEMENT", 0.65),
		MaxSignalHours:       getEnvFloat("MAX_SIGNAL_HOURS", 168),
		SizeChangeTolerance:  getEnvFloat("SIZE_CHANGE_TOLERANCE", 0.05),
		ATRMultiple:          getEnvFloat("ATR_MULTIPLE", 1.5),
		StopMinPct:           getEnvFloat("STOP_MIN_PCT", 1),
		StopMaxPct:           getEnvFloat("STOP_MAX_PCT", 10),
		FallbackStopPct:      getEnvFloat("FALLBACK_STOP_PCT", 3),
		FundingThreshold8h:   getEnvFloat("FUNDING_THRESHOLD_8H", 0.0001),
		VolatilityPeriodDays: getEnvInt("VOLATILITY_PERIOD_DAYS", 14),

		EliteThresholds: TierThresholds{
			MinRoi7dPct:     getEnvFloat("ELITE_MIN_ROI_7D_PCT", 5),
			MinPnl7dAlt:     getEnvDecimal("ELITE_MIN_PNL_7D_ALT", decimal.NewFromInt(5000)),
			MinWinRate:      getEnvFloat("ELITE_MIN_WIN_RATE", 0.55),
			MinProfitFactor: getEnvFloat("ELITE_MIN_PROFIT_FACTOR", 1.8),
			MinTrades:       getEnvInt("ELITE_MIN_TRADES", 10),
			MinAccountValue: getEnvDecimal("ELITE_MIN_ACCOUNT_VALUE", decimal.NewFromInt(25000)),
		},
		GoodThresholds: TierThresholds{
			MinRoi7dPct:     getEnvFloat("GOOD_MIN_ROI_7D_PCT", 2),
			MinPnl7dAlt:     getEnvDecimal("GOOD_MIN_PNL_7D_ALT", decimal.NewFromInt(1000)),
			MinWinRate:      getEnvFloat("GOOD_MIN_WIN_RATE", 0.45),
			MinProfitFactor: getEnvFloat("GOOD_MIN_PROFIT_FACTOR", 1.3),
			MinTrades:       getEnvInt("GOOD_MIN_TRADES", 5),
			MinAccountValue: getEnvDecimal("GOOD_MIN_ACCOUNT_VALUE", decimal.NewFromInt(5000)),
		},
		DemoteElite: TierThresholds{
			MinRoi7dPct:     getEnvFloat("DEMOTE_ELITE_MIN_ROI_7D_PCT", 0),
			MinPnl7dAlt:     getEnvDecimal("DEMOTE_ELITE_MIN_PNL_7D_ALT", decimal.NewFromInt(-2500)),
			MinWinRate:      getEnvFloat("DEMOTE_ELITE_MIN_WIN_RATE", 0.45),
			MinProfitFactor: getEnvFloat("DEMOTE_ELITE_MIN_PROFIT_FACTOR", 1.2),
			MinTrades:       getEnvInt("DEMOTE_ELITE_MIN_TRADES", 3),
			MinAccountValue: getEnvDecimal("DEMOTE_ELITE_MIN_ACCOUNT_VALUE", decimal.NewFromInt(10000)),
		},
		DemoteGood: TierThresholds{
			MinRoi7dPct:     getEnvFloat("DEMOTE_GOOD_MIN_ROI_7D_PCT", -2),
			MinPnl7dAlt:     getEnvDecimal("DEMOTE_GOOD_MIN_PNL_7D_ALT", decimal.NewFromInt(-5000)),
			MinWinRate:      getEnvFloat("DEMOTE_GOOD_MIN_WIN_RATE", 0.35),
			MinProfitFactor: getEnvFloat("DEMOTE_GOOD_MIN_PROFIT_FACTOR", 1.0),
			MinTrades:       getEnvInt("DEMOTE_GOOD_MIN_TRADES", 2),
			MinAccountValue: getEnvDecimal("DEMOTE_GOOD_MIN_ACCOUNT_VALUE", decimal.NewFromInt(2500)),
		},
		EliteMaxDrawdown30d:  getEnvFloat("ELITE_MAX_DRAWDOWN_30D", 25),
		EliteMinConsistency:  getEnvFloat("ELITE_MIN_CONSISTENCY", 50),
		ImmediateDemodePct:   getEnvFloat("IMMEDIATE_DEMOTE_DRAWDOWN_PCT", 75),
		SustainedDemotePct:   getEnvFloat("SUSTAINED_DEMOTE_DRAWDOWN_PCT", 50),
		SustainedDemoteAfter: getEnvDuration("SUSTAINED_DEMOTE_AFTER", 24*time.Hour),
		RetentionDays:        getEnvInt("RETENTION_DAYS", 90),

		DatabaseURL: os.Getenv("DATABASE_URL"),
	}

	if seeds := os.Getenv("SEED_WALLETS"); seeds != "" {
		for _, s := range strings.Split(seeds, ",") {
			if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
				cfg.SeedWallets = append(cfg.SeedWallets, s)
			}
		}
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("BATCH_SIZE must be at least 1")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
