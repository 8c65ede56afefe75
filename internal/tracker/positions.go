package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hyperwatch/internal/config"
	"hyperwatch/internal/hyperliquid"
	"hyperwatch/storage"
	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION TRACKER - polls tracked wallets, diffs against last-known state
// ═══════════════════════════════════════════════════════════════════════════════
//
// Persistence order matters: positions are replaced in the table BEFORE the
// change events go out, so a consumer reacting to an event always sees both
// opens and closes already reflected in the row store.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	eventBuffer    = 256
	freshOpenAge   = time.Hour
	unknownOpenAge = 48 * time.Hour
)

// Store is the slice of the row store the tracker needs
type Store interface {
	ListTracked() ([]storage.TraderQuality, error)
	AllPositions() ([]storage.Position, error)
	ReplacePositions(polled []string, rows []storage.Position) error
	AppendPositionChanges(changes []storage.PositionChange)
}

// Tracker polls all tracked wallets and emits typed change events
type Tracker struct {
	client *hyperliquid.Client
	db     Store
	cfg    *config.Config

	// Single-owner caches, only touched from Poll
	prev map[string]map[string]types.TrackedPosition // addr -> coin -> position
	seen map[string]bool

	events chan types.PositionChange
}

// New creates a tracker, seeding the caches from the positions table so a
// restart doesn't re-emit opens for everything already held.
func New(client *hyperliquid.Client, db Store, cfg *config.Config) (*Tracker, error) {
	t := &Tracker{
		client: client,
		db:     db,
		cfg:    cfg,
		prev:   make(map[string]map[string]types.TrackedPosition),
		seen:   make(map[string]bool),
		events: make(chan types.PositionChange, eventBuffer),
	}

	rows, err := db.AllPositions()
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t.seen[r.Address] = true
		if t.prev[r.Address] == nil {
			t.prev[r.Address] = make(map[string]types.TrackedPosition)
		}
		t.prev[r.Address][r.Coin] = fromRow(r)
	}

	log.Info().Int("wallets", len(t.seen)).Int("positions", len(rows)).Msg("👁️ Position tracker seeded")
	return t, nil
}

// Events returns the change stream. Single consumer; the tracker blocks on a
// full buffer so events are never silently dropped.
func (t *Tracker) Events() <-chan types.PositionChange {
	return t.events
}

// Poll runs one full cycle over every tracked wallet
func (t *Tracker) Poll(ctx context.Context) error {
	tracked, err := t.db.ListTracked()
	if err != nil {
		return err
	}

	mids, err := t.client.AllMids(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("allMids unavailable, event prices fall back to entry")
		mids = nil
	}

	var (
		polled  []string
		rows    []storage.Position
		changes []types.PositionChange
	)
	updated := make(map[string]map[string]types.TrackedPosition)
	now := time.Now().UTC()

	for _, wallet := range tracked {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		current, ok := t.pollWallet(ctx, wallet.Address)
		if !ok {
			continue // transient failure, keep prior state for this wallet
		}

		newlySeen := !t.seen[wallet.Address]
		prevPositions := t.prev[wallet.Address]

		for coin := range current {
			pos := current[coin]
			t.resolveOpenedAt(ctx, &pos, prevPositions, newlySeen, now)
			current[coin] = pos
		}

		if !newlySeen {
			changes = append(changes, diff(prevPositions, current, mids, t.cfg.SizeChangeTolerance, now)...)
		}

		updated[wallet.Address] = current
		polled = append(polled, wallet.Address)

		for _, pos := range current {
			rows = append(rows, toRow(pos, now))
		}
	}

	// Persist before publish: the table must show this cycle's opens and
	// closes before any subscriber reacts to the events. The caches wait for
	// the persist too, so a failed cycle re-derives the same events next tick.
	if err := t.db.ReplacePositions(polled, rows); err != nil {
		return err
	}
	for addr, current := range updated {
		t.prev[addr] = current
		t.seen[addr] = true
	}
	t.db.AppendPositionChanges(toChangeRows(changes))

	for _, ev := range changes {
		select {
		case t.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Debug().Int("wallets", len(polled)).Int("positions", len(rows)).Int("changes", len(changes)).
		Msg("Poll cycle complete")
	return nil
}

// pollWallet fetches state + orders for one wallet. Both must succeed for the
// wallet to count as polled this cycle.
func (t *Tracker) pollWallet(ctx context.Context, addr string) (map[string]types.TrackedPosition, bool) {
	state, err := t.client.ClearinghouseState(ctx, addr)
	if err != nil {
		if !errors.Is(err, hyperliquid.ErrUnavailable) {
			log.Warn().Err(err).Str("address", addr).Msg("clearinghouseState failed")
		}
		return nil, false
	}
	orders, err := t.client.OpenOrders(ctx, addr)
	if err != nil {
		if !errors.Is(err, hyperliquid.ErrUnavailable) {
			log.Warn().Err(err).Str("address", addr).Msg("openOrders failed")
		}
		return nil, false
	}

	accountValue := state.MarginSummary.AccountValue
	current := make(map[string]types.TrackedPosition)

	for _, ap := range state.AssetPositions {
		raw := ap.Position
		if raw.Szi.IsZero() || raw.PositionValue.LessThan(t.cfg.MinPositionValue) {
			continue
		}

		dir := types.Long
		if raw.Szi.IsNegative() {
			dir = types.Short
		}

		conviction := 0.0
		if accountValue.IsPositive() {
			conviction = raw.PositionValue.Div(accountValue).InexactFloat64() * 100
			if conviction > 100 {
				conviction = 100
			}
		}

		pos := types.TrackedPosition{
			Address:             addr,
			Coin:                raw.Coin,
			Direction:           dir,
			Size:                raw.Szi.Abs(),
			EntryPrice:          raw.EntryPx,
			ValueUSD:            raw.PositionValue,
			Leverage:            raw.Leverage.Value,
			UnrealizedPnl:       raw.UnrealizedPnl,
			MarginUsed:          raw.MarginUsed,
			LiquidationPrice:    raw.LiquidationPx,
			AccountValue:        accountValue,
			ConvictionPct:       conviction,
			PeakUnrealizedPnl:   raw.UnrealizedPnl,
			TroughUnrealizedPnl: raw.UnrealizedPnl,
		}

		pos.HasPendingEntry, pos.HasStopOrder, pos.HasTPOrder = orderFlags(orders, pos)

		// Carry running peak/trough across cycles of a continuous position
		if prev, ok := t.prev[addr][raw.Coin]; ok && prev.Direction == dir {
			if prev.PeakUnrealizedPnl.GreaterThan(pos.PeakUnrealizedPnl) {
				pos.PeakUnrealizedPnl = prev.PeakUnrealizedPnl
			}
			if prev.TroughUnrealizedPnl.LessThan(pos.TroughUnrealizedPnl) {
				pos.TroughUnrealizedPnl = prev.TroughUnrealizedPnl
			}
		}

		current[raw.Coin] = pos
	}

	return current, true
}

// resolveOpenedAt keeps opened_at stable across polls for a continuous
// position and back-fills it from fill history otherwise.
func (t *Tracker) resolveOpenedAt(ctx context.Context, pos *types.TrackedPosition, prevPositions map[string]types.TrackedPosition, newlySeen bool, now time.Time) {
	if prev, ok := prevPositions[pos.Coin]; ok && prev.Direction == pos.Direction {
		pos.OpenedAt = prev.OpenedAt
		return
	}

	openedAt, found, err := t.client.FindPositionOpenTime(ctx, pos.Address, pos.Coin, pos.Direction, t.cfg.OpenTimeLookback)
	if err != nil {
		found = false
	}

	if newlySeen {
		// First sighting of this wallet: back-fill, or stamp the position
		// old enough that it can never read as a fresh open.
		if found {
			pos.OpenedAt = openedAt
		} else {
			pos.OpenedAt = now.Add(-unknownOpenAge)
		}
		return
	}

	// Known wallet, new position: a derived time under an hour old means we
	// caught the open promptly; older means delayed discovery, keep it.
	switch {
	case found && now.Sub(openedAt) < freshOpenAge:
		pos.OpenedAt = now
	case found:
		pos.OpenedAt = openedAt
	default:
		pos.OpenedAt = now
	}
}

// orderFlags derives pending-entry / stop / take-profit flags from the
// wallet's resting orders for this coin.
func orderFlags(orders []hyperliquid.OpenOrder, pos types.TrackedPosition) (pending, stop, tp bool) {
	closingSide, openingSide := "A", "B"
	if pos.Direction == types.Short {
		closingSide, openingSide = "B", "A"
	}

	for _, o := range orders {
		if o.Coin != pos.Coin {
			continue
		}
		switch {
		case o.ReduceOnly && o.IsTrigger && o.Side == closingSide:
			if isStopTrigger(o, pos) {
				stop = true
			} else {
				tp = true
			}
		case !o.ReduceOnly && o.Side == openingSide:
			pending = true
		}
	}
	return pending, stop, tp
}

// isStopTrigger separates stops from take-profits by which side of entry the
// trigger sits on: losing side is a stop, winning side a take-profit.
func isStopTrigger(o hyperliquid.OpenOrder, pos types.TrackedPosition) bool {
	if o.TriggerPx.IsZero() {
		return true
	}
	if pos.Direction == types.Long {
		return o.TriggerPx.LessThan(pos.EntryPrice)
	}
	return o.TriggerPx.GreaterThan(pos.EntryPrice)
}

// diff compares a wallet's current positions with the previous cycle and
// produces change events. Size moves inside the tolerance band produce nothing.
func diff(prev, current map[string]types.TrackedPosition, mids map[string]decimal.Decimal, tolerance float64, now time.Time) []types.PositionChange {
	var out []types.PositionChange
	upper := decimal.NewFromFloat(1 + tolerance)
	lower := decimal.NewFromFloat(1 - tolerance)

	for coin, cur := range current {
		c := cur
		old, existed := prev[coin]
		price := eventPrice(mids, coin, c.EntryPrice)

		switch {
		case !existed:
			out = append(out, types.PositionChange{
				Address: c.Address, Coin: coin, EventType: types.ChangeOpen,
				New: &c, SizeChange: c.Size, PriceAtEvent: price, DetectedAt: now,
			})
		case old.Direction != c.Direction:
			o := old
			out = append(out, types.PositionChange{
				Address: c.Address, Coin: coin, EventType: types.ChangeFlip,
				Prev: &o, New: &c, SizeChange: c.Size.Add(old.Size), PriceAtEvent: price, DetectedAt: now,
			})
		case c.Size.GreaterThan(old.Size.Mul(upper)):
			o := old
			out = append(out, types.PositionChange{
				Address: c.Address, Coin: coin, EventType: types.ChangeIncrease,
				Prev: &o, New: &c, SizeChange: c.Size.Sub(old.Size), PriceAtEvent: price, DetectedAt: now,
			})
		case c.Size.LessThan(old.Size.Mul(lower)):
			o := old
			out = append(out, types.PositionChange{
				Address: c.Address, Coin: coin, EventType: types.ChangeDecrease,
				Prev: &o, New: &c, SizeChange: c.Size.Sub(old.Size), PriceAtEvent: price, DetectedAt: now,
			})
		}
	}

	for coin, old := range prev {
		if _, still := current[coin]; still {
			continue
		}
		o := old
		out = append(out, types.PositionChange{
			Address: o.Address, Coin: coin, EventType: types.ChangeClose,
			Prev: &o, SizeChange: o.Size.Neg(), PriceAtEvent: eventPrice(mids, coin, o.EntryPrice), DetectedAt: now,
		})
	}

	return out
}

func eventPrice(mids map[string]decimal.Decimal, coin string, fallback decimal.Decimal) decimal.Decimal {
	if mids != nil {
		if px, ok := mids[coin]; ok {
			return px
		}
	}
	return fallback
}

func toRow(p types.TrackedPosition, now time.Time) storage.Position {
	return storage.Position{
		Address:             p.Address,
		Coin:                p.Coin,
		Direction:           p.Direction,
		Size:                p.Size,
		EntryPrice:          p.EntryPrice,
		ValueUSD:            p.ValueUSD,
		Leverage:            p.Leverage,
		UnrealizedPnl:       p.UnrealizedPnl,
		MarginUsed:          p.MarginUsed,
		LiquidationPrice:    p.LiquidationPrice,
		ConvictionPct:       p.ConvictionPct,
		HasPendingEntry:     p.HasPendingEntry,
		HasStopOrder:        p.HasStopOrder,
		HasTPOrder:          p.HasTPOrder,
		OpenedAt:            p.OpenedAt,
		PeakUnrealizedPnl:   p.PeakUnrealizedPnl,
		TroughUnrealizedPnl: p.TroughUnrealizedPnl,
		LastSeen:            now,
	}
}

func fromRow(r storage.Position) types.TrackedPosition {
	return types.TrackedPosition{
		Address:             r.Address,
		Coin:                r.Coin,
		Direction:           r.Direction,
		Size:                r.Size,
		EntryPrice:          r.EntryPrice,
		ValueUSD:            r.ValueUSD,
		Leverage:            r.Leverage,
		UnrealizedPnl:       r.UnrealizedPnl,
		MarginUsed:          r.MarginUsed,
		LiquidationPrice:    r.LiquidationPrice,
		ConvictionPct:       r.ConvictionPct,
		HasPendingEntry:     r.HasPendingEntry,
		HasStopOrder:        r.HasStopOrder,
		HasTPOrder:          r.HasTPOrder,
		OpenedAt:            r.OpenedAt,
		PeakUnrealizedPnl:   r.PeakUnrealizedPnl,
		TroughUnrealizedPnl: r.TroughUnrealizedPnl,
	}
}

func toChangeRows(changes []types.PositionChange) []storage.PositionChange {
	rows := make([]storage.PositionChange, 0, len(changes))
	for _, c := range changes {
		row := storage.PositionChange{
			Address:      c.Address,
			Coin:         c.Coin,
			EventType:    c.EventType,
			SizeChange:   c.SizeChange,
			PriceAtEvent: c.PriceAtEvent,
			DetectedAt:   c.DetectedAt,
		}
		if c.Prev != nil {
			row.PrevDirection = c.Prev.Direction
			row.PrevSize = c.Prev.Size
		}
		if c.New != nil {
			row.NewDirection = c.New.Direction
			row.NewSize = c.New.Size
		}
		rows = append(rows, row)
	}
	return rows
}
