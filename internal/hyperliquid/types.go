package hyperliquid

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INFO API TYPES - one request/response shape per "type" field
// ═══════════════════════════════════════════════════════════════════════════════
//
// Numeric fields arrive as JSON strings; decimal.Decimal parses them once at
// the boundary so everything downstream carries typed numbers.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MarginSummary is the account-level slice of clearinghouseState
type MarginSummary struct {
	AccountValue    decimal.Decimal `json:"accountValue"`
	TotalNtlPos     decimal.Decimal `json:"totalNtlPos"`
	TotalRawUsd     decimal.Decimal `json:"totalRawUsd"`
	TotalMarginUsed decimal.Decimal `json:"totalMarginUsed"`
}

// Leverage as reported per position
type Leverage struct {
	Type  string `json:"type"` // "cross" or "isolated"
	Value int    `json:"value"`
}

// RawPosition is one perp position as the exchange reports it.
// Szi is signed: negative means short.
type RawPosition struct {
	Coin           string           `json:"coin"`
	Szi            decimal.Decimal  `json:"szi"`
	EntryPx        decimal.Decimal  `json:"entryPx"`
	PositionValue  decimal.Decimal  `json:"positionValue"`
	UnrealizedPnl  decimal.Decimal  `json:"unrealizedPnl"`
	MarginUsed     decimal.Decimal  `json:"marginUsed"`
	LiquidationPx  *decimal.Decimal `json:"liquidationPx"`
	ReturnOnEquity decimal.Decimal  `json:"returnOnEquity"`
	Leverage       Leverage         `json:"leverage"`
}

// AssetPosition wraps a position with its mode tag
type AssetPosition struct {
	Type     string      `json:"type"`
	Position RawPosition `json:"position"`
}

// ClearinghouseState is the full account snapshot for one wallet
type ClearinghouseState struct {
	MarginSummary  MarginSummary   `json:"marginSummary"`
	AssetPositions []AssetPosition `json:"assetPositions"`
	Time           int64           `json:"time"`
}

// Fill is one execution, from userFills or the userFills WS channel
type Fill struct {
	Coin        string          `json:"coin"`
	Px          decimal.Decimal `json:"px"`
	Sz          decimal.Decimal `json:"sz"`
	Side        string          `json:"side"` // "B" buy, "A" sell
	Time        int64           `json:"time"` // ms since epoch
	StartPos    decimal.Decimal `json:"startPosition"`
	Dir         string          `json:"dir"` // "Open Long", "Close Short", ...
	ClosedPnl   decimal.Decimal `json:"closedPnl"`
	Hash        string          `json:"hash"`
	Oid         int64           `json:"oid"`
	Crossed     bool            `json:"crossed"`
	Fee         decimal.Decimal `json:"fee"`
	Liquidation json.RawMessage `json:"liquidation,omitempty"`
}

// TimeT returns the fill time as time.Time
func (f Fill) TimeT() time.Time {
	return time.UnixMilli(f.Time)
}

// IsExit reports whether this fill realised PnL, i.e. closed (part of) a position
func (f Fill) IsExit() bool {
	return !f.ClosedPnl.IsZero()
}

// SignedSize is the position delta of the fill: positive for buys
func (f Fill) SignedSize() decimal.Decimal {
	if f.Side == "B" {
		return f.Sz
	}
	return f.Sz.Neg()
}

// OpenOrder is one resting order from openOrders
type OpenOrder struct {
	Coin       string          `json:"coin"`
	Side       string          `json:"side"` // "B" or "A"
	LimitPx    decimal.Decimal `json:"limitPx"`
	Sz         decimal.Decimal `json:"sz"`
	Oid        int64           `json:"oid"`
	Timestamp  int64           `json:"timestamp"`
	OrigSz     decimal.Decimal `json:"origSz"`
	OrderType  string          `json:"orderType"`
	ReduceOnly bool            `json:"reduceOnly"`
	IsTrigger  bool            `json:"isTrigger"`
	TriggerPx  decimal.Decimal `json:"triggerPx"`
}

// Candle is one OHLCV bar from candleSnapshot
type Candle struct {
	OpenTime  int64           `json:"t"`
	CloseTime int64           `json:"T"`
	Coin      string          `json:"s"`
	Interval  string          `json:"i"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Trades    int             `json:"n"`
}

// AssetMeta describes one listed perp
type AssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

// Meta is the universe listing
type Meta struct {
	Universe []AssetMeta `json:"universe"`
}

// AssetCtx is the live market context for one perp, index-aligned with
// Meta.Universe in the metaAndAssetCtxs response.
type AssetCtx struct {
	Funding      decimal.Decimal `json:"funding"` // hourly rate
	OpenInterest decimal.Decimal `json:"openInterest"`
	PrevDayPx    decimal.Decimal `json:"prevDayPx"`
	DayNtlVlm    decimal.Decimal `json:"dayNtlVlm"`
	Premium      decimal.Decimal `json:"premium"`
	OraclePx     decimal.Decimal `json:"oraclePx"`
	MarkPx       decimal.Decimal `json:"markPx"`
	MidPx        decimal.Decimal `json:"midPx"`
}

// FundingRate is one entry from fundingHistory
type FundingRate struct {
	Coin        string          `json:"coin"`
	FundingRate decimal.Decimal `json:"fundingRate"`
	Premium     decimal.Decimal `json:"premium"`
	Time        int64           `json:"time"`
}

// LedgerUpdate is one entry from userFunding or userNonFundingLedgerUpdates.
// Delta shape varies by type, so the extras stay raw.
type LedgerUpdate struct {
	Time  int64           `json:"time"`
	Hash  string          `json:"hash"`
	Delta json.RawMessage `json:"delta"`
}

// L2Level is one price level of the book
type L2Level struct {
	Px decimal.Decimal `json:"px"`
	Sz decimal.Decimal `json:"sz"`
	N  int             `json:"n"`
}

// L2Book is the two-sided book snapshot: levels[0] bids, levels[1] asks
type L2Book struct {
	Coin   string      `json:"coin"`
	Time   int64       `json:"time"`
	Levels [][]L2Level `json:"levels"`
}
