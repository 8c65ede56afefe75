package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a perp position or signal
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Tier is the quality label assigned to a wallet
type Tier string

const (
	TierElite    Tier = "elite"
	TierGood     Tier = "good"
	TierWeak     Tier = "weak"
	TierInactive Tier = "inactive"
)

// Tracked reports whether wallets of this tier have their positions polled
func (t Tier) Tracked() bool {
	return t == TierElite || t == TierGood
}

// ChangeType classifies a position change between two poll cycles
type ChangeType string

const (
	ChangeOpen     ChangeType = "open"
	ChangeIncrease ChangeType = "increase"
	ChangeDecrease ChangeType = "decrease"
	ChangeClose    ChangeType = "close"
	ChangeFlip     ChangeType = "flip"
)

// TrackedPosition is the in-memory view of one wallet's position on one coin,
// rebuilt from clearinghouseState on every poll cycle.
type TrackedPosition struct {
	Address          string
	Coin             string
	Direction        Direction
	Size             decimal.Decimal // always positive, sign lives in Direction
	EntryPrice       decimal.Decimal
	ValueUSD         decimal.Decimal
	Leverage         int
	UnrealizedPnl    decimal.Decimal
	MarginUsed       decimal.Decimal
	LiquidationPrice *decimal.Decimal
	AccountValue     decimal.Decimal
	ConvictionPct    float64 // position value as % of account value, capped at 100

	HasPendingEntry bool
	HasStopOrder    bool
	HasTPOrder      bool

	OpenedAt            time.Time
	PeakUnrealizedPnl   decimal.Decimal
	TroughUnrealizedPnl decimal.Decimal
}

// PositionChange is the event published by the position tracker when a
// wallet's position differs from the previous poll cycle.
type PositionChange struct {
	Address      string
	Coin         string
	EventType    ChangeType
	Prev         *TrackedPosition // nil on open
	New          *TrackedPosition // nil on close
	SizeChange   decimal.Decimal
	PriceAtEvent decimal.Decimal
	DetectedAt   time.Time
}

// Key returns the (coin, direction) the event applies to. For closes and
// flips this is the direction of the position that went away.
func (c PositionChange) Key() (string, Direction) {
	if c.EventType == ChangeClose || c.EventType == ChangeFlip {
		return c.Coin, c.Prev.Direction
	}
	return c.Coin, c.New.Direction
}

// FundingClass is the funding-rate classification relative to a direction
type FundingClass string

const (
	FundingFavorable   FundingClass = "favorable"
	FundingUnfavorable FundingClass = "unfavorable"
	FundingNeutral     FundingClass = "neutral"
)

// Signal strength buckets
const (
	StrengthMedium = "medium"
	StrengthStrong = "strong"
)

// Signal tiers by contributor mix
const (
	SignalTierEliteEntry = "elite_entry"
	SignalTierConfirmed  = "confirmed"
	SignalTierConsensus  = "consensus"
)

// Signal outcomes
const (
	OutcomeStopped = "stopped"
	OutcomeTP3     = "tp3"
	OutcomeExpired = "expired"
	OutcomeClosed  = "closed" // invalidated
)

// Invalidation reasons
const (
	ReasonAllTradersExited  = "all_traders_exited"
	ReasonBelowMinimum      = "below_minimum_traders"
	ReasonTradersDisquality = "traders_no_longer_qualify"
	ReasonStopLossHit       = "stop_loss_hit"
)

// ReplacedByReason builds the invalidation reason used when an opposite
// direction signal takes over a coin.
func ReplacedByReason(d Direction) string {
	return "replaced_by_" + string(d) + "_signal"
}
