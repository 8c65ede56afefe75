package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - row store behind every component
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInvalidAddress rejects anything that is not a 40-hex wallet address
var ErrInvalidAddress = errors.New("invalid wallet address")

// Database wraps the gorm handle with the operations each component needs
type Database struct {
	db *gorm.DB
}

// New opens the row store. postgres:// DSNs use the Postgres driver,
// anything else is treated as a SQLite path.
func New(dsn string) (*Database, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	return Open(dialector)
}

// Open connects with an explicit dialector. Tests pass sqlite in-memory here.
func Open(dialector gorm.Dialector) (*Database, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&Wallet{}, &TraderQuality{}, &EquitySnapshot{},
		&Position{}, &PositionChange{},
		&Signal{}, &SignalTrader{},
		&CoinVolatility{}, &FundingContext{},
		&RealtimeFill{}, &AssetPerformance{}, &TierChange{},
	); err != nil {
		return nil, err
	}

	log.Info().Str("dialect", dialector.Name()).Msg("💾 Database connected")
	return &Database{db: db}, nil
}

// NormalizeAddress validates and lowercases a wallet address
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Wallets
// ──────────────────────────────────────────────────────────────────────────────

// UpsertWallet records a discovered address; no-op if already known
func (d *Database) UpsertWallet(addr string) error {
	normalized, err := NormalizeAddress(addr)
	if err != nil {
		return err
	}
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Wallet{Address: normalized}).Error
}

// ListWallets returns every known address
func (d *Database) ListWallets() ([]Wallet, error) {
	var wallets []Wallet
	err := d.db.Find(&wallets).Error
	return wallets, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Trader quality
// ──────────────────────────────────────────────────────────────────────────────

// GetTraderQuality loads the verdict for one wallet, nil if never analyzed
func (d *Database) GetTraderQuality(addr string) (*TraderQuality, error) {
	var q TraderQuality
	err := d.db.First(&q, "address = ?", addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// GetTraderQualities loads verdicts for a set of wallets, keyed by address
func (d *Database) GetTraderQualities(addrs []string) (map[string]TraderQuality, error) {
	var rows []TraderQuality
	if err := d.db.Where("address IN ?", addrs).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]TraderQuality, len(rows))
	for _, r := range rows {
		out[r.Address] = r
	}
	return out, nil
}

// SaveTraderQuality upserts the full verdict row
func (d *Database) SaveTraderQuality(q *TraderQuality) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		UpdateAll: true,
	}).Create(q).Error
}

// ListTracked returns every wallet currently followed by the position tracker
func (d *Database) ListTracked() ([]TraderQuality, error) {
	var rows []TraderQuality
	err := d.db.Where("is_tracked = ?", true).Find(&rows).Error
	return rows, err
}

// ListByTier returns wallets in one tier, oldest analysis first so batch
// re-analysis works through the stalest entries
func (d *Database) ListByTier(tier types.Tier, limit int) ([]TraderQuality, error) {
	var rows []TraderQuality
	q := d.db.Where("tier = ?", tier).Order("analyzed_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// AppendTierChange records one tier transition
func (d *Database) AppendTierChange(addr string, from, to types.Tier, reason string) error {
	return d.db.Create(&TierChange{
		Address:   addr,
		FromTier:  from,
		ToTier:    to,
		Reason:    reason,
		ChangedAt: time.Now().UTC(),
	}).Error
}

// TierChangesFor returns the transition history for one wallet, newest first
func (d *Database) TierChangesFor(addr string, limit int) ([]TierChange, error) {
	var rows []TierChange
	err := d.db.Where("address = ?", addr).Order("changed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// PruneTierChanges deletes history older than cutoff
func (d *Database) PruneTierChanges(cutoff time.Time) error {
	return d.db.Where("changed_at < ?", cutoff).Delete(&TierChange{}).Error
}

// ──────────────────────────────────────────────────────────────────────────────
// Equity snapshots
// ──────────────────────────────────────────────────────────────────────────────

// UpsertEquitySnapshot records the day's account value, at most one row per day
func (d *Database) UpsertEquitySnapshot(addr string, day time.Time, accountValue decimal.Decimal) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}, {Name: "snapshot_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_value"}),
	}).Create(&EquitySnapshot{
		Address:      addr,
		SnapshotDate: day.UTC().Format("2006-01-02"),
		AccountValue: accountValue,
	}).Error
}

// EquityHistory returns snapshots since a date, oldest first
func (d *Database) EquityHistory(addr string, since time.Time) ([]EquitySnapshot, error) {
	var rows []EquitySnapshot
	err := d.db.Where("address = ? AND snapshot_date >= ?", addr, since.UTC().Format("2006-01-02")).
		Order("snapshot_date ASC").Find(&rows).Error
	return rows, err
}

// SnapshotAtOrBefore returns the latest snapshot on or before a date, nil if none
func (d *Database) SnapshotAtOrBefore(addr string, day time.Time) (*EquitySnapshot, error) {
	var row EquitySnapshot
	err := d.db.Where("address = ? AND snapshot_date <= ?", addr, day.UTC().Format("2006-01-02")).
		Order("snapshot_date DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// HasSnapshotFor reports whether a snapshot exists for the given day
func (d *Database) HasSnapshotFor(addr string, day time.Time) (bool, error) {
	var count int64
	err := d.db.Model(&EquitySnapshot{}).
		Where("address = ? AND snapshot_date = ?", addr, day.UTC().Format("2006-01-02")).
		Count(&count).Error
	return count > 0, err
}

// PruneEquitySnapshots deletes snapshots older than cutoff
func (d *Database) PruneEquitySnapshots(cutoff time.Time) error {
	return d.db.Where("snapshot_date < ?", cutoff.UTC().Format("2006-01-02")).
		Delete(&EquitySnapshot{}).Error
}

// ──────────────────────────────────────────────────────────────────────────────
// Positions
// ──────────────────────────────────────────────────────────────────────────────

// ReplacePositions atomically replaces the position rows for every address
// polled this cycle. Addresses that failed their poll are untouched, so a
// fetch failure never wipes a wallet's known positions.
func (d *Database) ReplacePositions(polled []string, rows []Position) error {
	if len(polled) == 0 {
		return nil
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("address IN ?", polled).Delete(&Position{}).Error; err != nil {
			return err
		}
		for i := range rows {
			if err := tx.Create(&rows[i]).Error; err != nil {
				log.Error().Err(err).Str("address", rows[i].Address).Str("coin", rows[i].Coin).
					Msg("Position insert failed, skipping row")
			}
		}
		return nil
	})
}

// AllPositions returns the whole current-positions table
func (d *Database) AllPositions() ([]Position, error) {
	var rows []Position
	err := d.db.Find(&rows).Error
	return rows, err
}

// PositionsForAddress returns one wallet's current positions
func (d *Database) PositionsForAddress(addr string) ([]Position, error) {
	var rows []Position
	err := d.db.Where("address = ?", addr).Find(&rows).Error
	return rows, err
}

// PositionsByCoinDirection returns every current position on one side of a coin
func (d *Database) PositionsByCoinDirection(coin string, dir types.Direction) ([]Position, error) {
	var rows []Position
	err := d.db.Where("coin = ? AND direction = ?", coin, dir).Find(&rows).Error
	return rows, err
}

// DistinctPositionCoins returns every coin with at least one tracked position
func (d *Database) DistinctPositionCoins() ([]string, error) {
	var coins []string
	err := d.db.Model(&Position{}).Distinct("coin").Pluck("coin", &coins).Error
	return coins, err
}

// AppendPositionChanges writes the change log, row by row so one bad row
// doesn't drop the rest
func (d *Database) AppendPositionChanges(changes []PositionChange) {
	for i := range changes {
		if err := d.db.Create(&changes[i]).Error; err != nil {
			log.Error().Err(err).Str("address", changes[i].Address).Str("coin", changes[i].Coin).
				Msg("Position change insert failed, skipping row")
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Signals
// ──────────────────────────────────────────────────────────────────────────────

// ActiveSignal loads the single active signal for (coin, direction), nil if none
func (d *Database) ActiveSignal(coin string, dir types.Direction) (*Signal, error) {
	var sig Signal
	err := d.db.Preload("Traders").
		Where("coin = ? AND direction = ? AND is_active = ?", coin, dir, true).
		First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// ActiveSignals loads every active signal with contributors
func (d *Database) ActiveSignals() ([]Signal, error) {
	var sigs []Signal
	err := d.db.Preload("Traders").Where("is_active = ?", true).Find(&sigs).Error
	return sigs, err
}

// SaveSignal upserts a signal together with its trader snapshot
func (d *Database) SaveSignal(sig *Signal) error {
	return d.db.Session(&gorm.Session{FullSaveAssociations: true}).Save(sig).Error
}

// RecentClosedSignals returns the newest closed signals
func (d *Database) RecentClosedSignals(limit int) ([]Signal, error) {
	var sigs []Signal
	err := d.db.Preload("Traders").Where("is_active = ?", false).
		Order("closed_at DESC").Limit(limit).Find(&sigs).Error
	return sigs, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Volatility / funding caches
// ──────────────────────────────────────────────────────────────────────────────

// SaveCoinVolatility upserts the volatility cache row for a coin
func (d *Database) SaveCoinVolatility(v *CoinVolatility) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "coin"}},
		UpdateAll: true,
	}).Create(v).Error
}

// GetCoinVolatility loads the cached volatility for a coin, nil if unknown
func (d *Database) GetCoinVolatility(coin string) (*CoinVolatility, error) {
	var v CoinVolatility
	err := d.db.First(&v, "coin = ?", coin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SaveFundingContext upserts the funding cache row for a coin
func (d *Database) SaveFundingContext(f *FundingContext) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "coin"}},
		UpdateAll: true,
	}).Create(f).Error
}

// GetFundingContext loads the cached funding for a coin, nil if unknown
func (d *Database) GetFundingContext(coin string) (*FundingContext, error) {
	var f FundingContext
	err := d.db.First(&f, "coin = ?", coin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Realtime fills / asset performance
// ──────────────────────────────────────────────────────────────────────────────

// InsertRealtimeFill appends a live fill, idempotent on (tx_hash, oid).
// Returns true when the row was actually inserted.
func (d *Database) InsertRealtimeFill(f *RealtimeFill) (bool, error) {
	res := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(f)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AllRealtimeFills returns the stored live fills, oldest first
func (d *Database) AllRealtimeFills() ([]RealtimeFill, error) {
	var rows []RealtimeFill
	err := d.db.Order("fill_time ASC").Find(&rows).Error
	return rows, err
}

// PruneRealtimeFills deletes live fills older than cutoff
func (d *Database) PruneRealtimeFills(cutoff time.Time) error {
	return d.db.Where("fill_time < ?", cutoff).Delete(&RealtimeFill{}).Error
}

// GetAssetPerformance loads the rolling aggregate for a coin, zero row if new
func (d *Database) GetAssetPerformance(coin string) (*AssetPerformance, error) {
	var perf AssetPerformance
	err := d.db.Where(AssetPerformance{Coin: coin}).FirstOrInit(&perf).Error
	if err != nil {
		return nil, err
	}
	return &perf, nil
}

// SaveAssetPerformance upserts the rolling aggregate
func (d *Database) SaveAssetPerformance(perf *AssetPerformance) error {
	perf.UpdatedAt = time.Now().UTC()
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "coin"}},
		UpdateAll: true,
	}).Create(perf).Error
}
