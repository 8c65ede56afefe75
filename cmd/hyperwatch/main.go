// Hyperwatch - Quality Trader Watcher for Hyperliquid
//
// Finds consistently profitable perp traders, tracks their live positions and
// turns their consensus into directional signals.
//
// Pipeline:
// 1. Evaluate wallets from fills + daily equity snapshots, assign tiers
// 2. Poll tracked (elite/good) wallets' positions every minute, diff cycles
// 3. Generate a signal when quality traders agree on a (coin, direction)
// 4. Mark active signals to market every 30s, settle stop/TP/expiry outcomes
// 5. Stream live fills over WebSocket for between-poll exit detection
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hyperwatch/internal/config"
	"hyperwatch/internal/fills"
	"hyperwatch/internal/funding"
	"hyperwatch/internal/hyperliquid"
	"hyperwatch/internal/quality"
	"hyperwatch/internal/scheduler"
	"hyperwatch/internal/signals"
	"hyperwatch/internal/tracker"
	"hyperwatch/internal/volatility"
	"hyperwatch/storage"
	"hyperwatch/types"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("info_url", cfg.InfoURL).
		Int("seed_wallets", len(cfg.SeedWallets)).
		Msg("👁️ Hyperwatch starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== CORE COMPONENTS ======

	client := hyperliquid.NewClient(hyperliquid.Options{
		InfoURL:           cfg.InfoURL,
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	evaluator := quality.New(client, db, cfg)
	volTracker := volatility.New(client, db, cfg)
	fundTracker := funding.New(client, db, cfg)

	posTracker, err := tracker.New(client, db, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed position tracker")
	}

	generator := signals.New(db, volTracker, fundTracker, cfg)
	sigTracker := signals.NewTracker(client, db, cfg)

	ws := hyperliquid.NewWSClient(cfg.WSURL)
	stream := fills.NewStream(ws, db, generator)

	// Seed wallets enter the pipeline unevaluated; the bootstrap job below
	// gives them their first tier.
	seeded := 0
	for _, addr := range cfg.SeedWallets {
		normalized, err := storage.NormalizeAddress(addr)
		if err != nil {
			log.Warn().Str("address", addr).Msg("Invalid seed wallet, skipping")
			continue
		}
		if err := db.UpsertWallet(normalized); err != nil {
			log.Error().Err(err).Str("address", normalized).Msg("Seed wallet upsert failed")
			continue
		}
		seeded++
	}
	if seeded > 0 {
		log.Info().Int("wallets", seeded).Msg("🌱 Seed wallets registered")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// SCHEDULED JOBS
	// ═══════════════════════════════════════════════════════════════════════════════

	sched := scheduler.New()

	sched.Add("bootstrap-analysis", cfg.WeeklyReevalInterval, true, func(ctx context.Context) error {
		return bootstrapAnalysis(ctx, db, evaluator)
	})
	sched.Add("position-poll", cfg.PollInterval, false, posTracker.Poll)
	sched.Add("signal-tick", cfg.SignalTickInterval, false, sigTracker.Tick)
	sched.Add("volatility-refresh", cfg.VolatilityInterval, true, volTracker.Refresh)
	sched.Add("funding-refresh", cfg.FundingInterval, true, fundTracker.Refresh)
	sched.Add("subscription-sync", cfg.SubscriptionSync, true, stream.SyncSubscriptions)
	sched.Add("equity-snapshots", cfg.SnapshotCheckEvery, false, evaluator.SnapshotEquity)
	sched.Add("elite-reanalysis", cfg.EliteReanalysis, false, func(ctx context.Context) error {
		if err := evaluator.ReanalyzeTier(ctx, types.TierElite); err != nil {
			return err
		}
		return generator.SyncTiers(ctx)
	})
	sched.Add("good-reanalysis", cfg.GoodReanalysis, false, func(ctx context.Context) error {
		if err := evaluator.ReanalyzeTier(ctx, types.TierGood); err != nil {
			return err
		}
		return generator.SyncTiers(ctx)
	})
	sched.Add("weak-reanalysis", cfg.WeakReanalysis, false, func(ctx context.Context) error {
		if err := evaluator.ReanalyzeTier(ctx, types.TierWeak); err != nil {
			return err
		}
		return generator.SyncTiers(ctx)
	})
	sched.Add("weekly-reevaluation", cfg.WeeklyReevalInterval, false, func(ctx context.Context) error {
		if err := evaluator.ReevaluateAll(ctx); err != nil {
			return err
		}
		return generator.SyncTiers(ctx)
	})

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	ws.Start()
	go stream.Run(ctx)
	go generator.Run(ctx, posTracker.Events())
	sched.Start(ctx)

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	cancel()
	sched.Stop()
	ws.Stop()

	log.Info().Msg("👋 Goodbye!")
}

// bootstrapAnalysis gives a first evaluation to every wallet that has none
// yet. New seeds get picked up here without restarting anything else.
func bootstrapAnalysis(ctx context.Context, db *storage.Database, evaluator *quality.Evaluator) error {
	wallets, err := db.ListWallets()
	if err != nil {
		return err
	}

	addrs := make([]string, 0, len(wallets))
	for _, w := range wallets {
		addrs = append(addrs, w.Address)
	}
	known, err := db.GetTraderQualities(addrs)
	if err != nil {
		return err
	}

	var pending []string
	for _, addr := range addrs {
		if _, ok := known[addr]; !ok {
			pending = append(pending, addr)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	log.Info().Int("wallets", len(pending)).Msg("🔬 First-time analysis starting")
	evaluator.AnalyzeBatch(ctx, pending)
	return nil
}
