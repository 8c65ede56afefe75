package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS - row store entities
// ═══════════════════════════════════════════════════════════════════════════════

// Wallet is a discovered address. Created on first discovery, never deleted.
type Wallet struct {
	Address   string `gorm:"primaryKey"` // 40-hex lowercase
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TraderQuality is the evaluator's verdict for one wallet
type TraderQuality struct {
	Address   string     `gorm:"primaryKey"`
	Tier      types.Tier `gorm:"index"`
	IsTracked bool       `gorm:"index"` // invariant: tier in {elite, good}

	AccountValue decimal.Decimal `gorm:"type:decimal(30,10)"`

	Pnl7d                decimal.Decimal `gorm:"type:decimal(30,10)"`
	Pnl30d               decimal.Decimal `gorm:"type:decimal(30,10)"`
	Pnl60d               decimal.Decimal `gorm:"type:decimal(30,10)"`
	Pnl90d               decimal.Decimal `gorm:"type:decimal(30,10)"`
	Roi7dPct             float64
	Roi30dPct            float64
	Roi60dPct            float64
	Roi90dPct            float64
	PnlCalculationMethod string // "equity_change" or "realized_sum_filtered"

	WinRate              float64 // [0,1], 30-day window
	ProfitFactor         float64
	TotalTrades          int
	AvgWinnerPct         float64
	AvgLoserPct          float64
	MaxWinStreak         int
	MaxLossStreak        int
	AvgHoldTimeHours     float64
	TradeFrequencyPerDay float64

	MaxDrawdown7dPct   float64
	MaxDrawdown30dPct  float64
	CurrentDrawdownPct float64
	PeakEquity         decimal.Decimal `gorm:"type:decimal(30,10)"`
	Sharpe             float64
	Sortino            float64

	Strategy         string // scalper, swing, position, momentum, mean_reversion
	ConsistencyScore float64

	TierChangeCount         int
	UnrealizedDrawdownSince *time.Time // sustained-drawdown demotion clock

	AnalyzedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EquitySnapshot is one daily account_value record. Kept 90 days.
type EquitySnapshot struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	Address      string          `gorm:"uniqueIndex:idx_equity_addr_date"`
	SnapshotDate string          `gorm:"uniqueIndex:idx_equity_addr_date"` // "2006-01-02" UTC
	AccountValue decimal.Decimal `gorm:"type:decimal(30,10)"`
	CreatedAt    time.Time
}

// Date returns the snapshot day as a time at UTC midnight
func (s EquitySnapshot) Date() time.Time {
	t, _ := time.Parse("2006-01-02", s.SnapshotDate)
	return t
}

// Position mirrors the last successful poll for each tracked wallet
type Position struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Address   string          `gorm:"uniqueIndex:idx_pos_addr_coin;index"`
	Coin      string          `gorm:"uniqueIndex:idx_pos_addr_coin;index"`
	Direction types.Direction `gorm:"index"`

	Size             decimal.Decimal `gorm:"type:decimal(30,10)"` // > 0
	EntryPrice       decimal.Decimal `gorm:"type:decimal(30,10)"`
	ValueUSD         decimal.Decimal `gorm:"type:decimal(30,10)"`
	Leverage         int
	UnrealizedPnl    decimal.Decimal  `gorm:"type:decimal(30,10)"`
	MarginUsed       decimal.Decimal  `gorm:"type:decimal(30,10)"`
	LiquidationPrice *decimal.Decimal `gorm:"type:decimal(30,10)"`
	ConvictionPct    float64

	HasPendingEntry bool
	HasStopOrder    bool
	HasTPOrder      bool

	OpenedAt            time.Time
	PeakUnrealizedPnl   decimal.Decimal `gorm:"type:decimal(30,10)"`
	TroughUnrealizedPnl decimal.Decimal `gorm:"type:decimal(30,10)"`
	LastSeen            time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PositionChange is the append-only change log
type PositionChange struct {
	ID            uint             `gorm:"primaryKey;autoIncrement"`
	Address       string           `gorm:"index"`
	Coin          string           `gorm:"index"`
	EventType     types.ChangeType `gorm:"index"`
	PrevDirection types.Direction
	NewDirection  types.Direction
	PrevSize      decimal.Decimal `gorm:"type:decimal(30,10)"`
	NewSize       decimal.Decimal `gorm:"type:decimal(30,10)"`
	SizeChange    decimal.Decimal `gorm:"type:decimal(30,10)"`
	PriceAtEvent  decimal.Decimal `gorm:"type:decimal(30,10)"`
	DetectedAt    time.Time       `gorm:"index"`
}

// Signal is a directional recommendation; at most one active per (coin, direction)
type Signal struct {
	ID        string          `gorm:"primaryKey"` // uuid
	Coin      string          `gorm:"index:idx_signal_coin_dir"`
	Direction types.Direction `gorm:"index:idx_signal_coin_dir"`
	IsActive  bool            `gorm:"index"`

	EliteCount   int
	GoodCount    int
	TotalTraders int

	EntryPrice   decimal.Decimal `gorm:"type:decimal(30,10)"` // VWAP of contributor entries at birth
	CurrentPrice decimal.Decimal `gorm:"type:decimal(30,10)"`
	StopLoss     decimal.Decimal `gorm:"type:decimal(30,10)"`
	TakeProfit1  decimal.Decimal `gorm:"type:decimal(30,10)"`
	TakeProfit2  decimal.Decimal `gorm:"type:decimal(30,10)"`
	TakeProfit3  decimal.Decimal `gorm:"type:decimal(30,10)"`

	FundingContext     types.FundingClass
	AvgConvictionPct   float64
	AvgWinRate         float64
	CombinedPnl7d      decimal.Decimal `gorm:"type:decimal(30,10)"`
	TotalPositionValue decimal.Decimal `gorm:"type:decimal(30,10)"`
	Confidence         float64         // [0,100]
	SignalStrength     string          // medium, strong
	SignalTier         string          // elite_entry, confirmed, consensus

	// Mark-to-market tracking (signal tracker only)
	MaxPnlPct   float64
	MinPnlPct   float64
	PeakPrice   decimal.Decimal `gorm:"type:decimal(30,10)"`
	TroughPrice decimal.Decimal `gorm:"type:decimal(30,10)"`
	HitStop     bool
	HitTP1      bool
	HitTP2      bool
	HitTP3      bool

	Invalidated        bool
	InvalidationReason string
	Outcome            string // stopped, tp3, expired, closed
	FinalPnlPct        *float64
	DurationHours      float64

	Traders []SignalTrader `gorm:"foreignKey:SignalID"`

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// SignalTrader snapshots one contributing wallet at signal membership time.
// Identities only, never pointers into live TraderQuality rows.
type SignalTrader struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	SignalID string `gorm:"index"`
	Address  string `gorm:"index"`

	Tier          types.Tier
	EntryPrice    decimal.Decimal `gorm:"type:decimal(30,10)"`
	PositionValue decimal.Decimal `gorm:"type:decimal(30,10)"`
	ConvictionPct float64
	Pnl7d         decimal.Decimal `gorm:"type:decimal(30,10)"`
	WinRate       float64
	OpenedAt      time.Time
	DetectedAt    time.Time

	Exited   bool
	ExitedAt *time.Time
}

// CoinVolatility caches per-coin ATR and range stats
type CoinVolatility struct {
	Coin              string `gorm:"primaryKey"`
	ATR14d            float64
	ATR7d             float64
	DailyRangeAvgPct  float64
	VolatilityRank    float64         // percentile [0,100] among tracked coins
	LastPrice         decimal.Decimal `gorm:"type:decimal(30,10)"`
	PriceChange24hPct float64
	UpdatedAt         time.Time
}

// FundingContext caches the per-coin funding rate. Classification here is the
// raw sign bucket; direction-relative favorability is computed on demand.
type FundingContext struct {
	Coin           string `gorm:"primaryKey"`
	FundingRate8h  float64
	Classification types.FundingClass // favorability for a long position
	UpdatedAt      time.Time
}

// RealtimeFill is one live fill for a tracked wallet, deduped on (tx_hash, oid)
type RealtimeFill struct {
	TxHash    string          `gorm:"primaryKey"`
	Oid       int64           `gorm:"primaryKey;autoIncrement:false"`
	Address   string          `gorm:"index"`
	Coin      string          `gorm:"index"`
	Side      string          // "B" or "A"
	Px        decimal.Decimal `gorm:"type:decimal(30,10)"`
	Sz        decimal.Decimal `gorm:"type:decimal(30,10)"`
	ClosedPnl decimal.Decimal `gorm:"type:decimal(30,10)"`
	IsExit    bool
	Tier      types.Tier
	FillTime  time.Time
	CreatedAt time.Time
}

// AssetPerformance is the rolling aggregate of closed signals per coin
type AssetPerformance struct {
	Coin              string `gorm:"primaryKey"`
	TotalSignals      int
	WinningSignals    int
	WinRate           float64
	AvgPnlPct         float64
	TotalPnlPct       float64
	AvgDurationHours  float64
	BestSignalPnlPct  float64
	WorstSignalPnlPct float64
	UpdatedAt         time.Time
}

// TierChange is the append-only tier transition history
type TierChange struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Address   string `gorm:"index"`
	FromTier  types.Tier
	ToTier    types.Tier
	Reason    string
	ChangedAt time.Time `gorm:"index"`
}
