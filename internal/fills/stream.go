package fills

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"

	"hyperwatch/internal/hyperliquid"
	"hyperwatch/storage"
	"hyperwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FILL STREAM - live fills for tracked wallets via the userFills channel
// ═══════════════════════════════════════════════════════════════════════════════
//
// The exchange replays recent fills on (re)subscribe, so every fill passes a
// bounded dedup set keyed on (hash, oid). The set is dropped whenever the
// socket reconnects; the primary key on the fills table backstops anything
// that slips through.
//
// ═══════════════════════════════════════════════════════════════════════════════

const dedupCapacity = 1000

// ExitHook is notified when a tracked wallet realises PnL on a coin, closing
// at least part of a position. Lets signal bookkeeping react between polls.
type ExitHook interface {
	OnTraderExit(ctx context.Context, addr, coin string, dir types.Direction)
}

// Stream consumes the WebSocket fill events for tracked wallets
type Stream struct {
	ws   *hyperliquid.WSClient
	db   *storage.Database
	hook ExitHook

	dedup map[string]struct{}
	order []string // insertion order, oldest first
}

// NewStream creates a fill stream consumer
func NewStream(ws *hyperliquid.WSClient, db *storage.Database, hook ExitHook) *Stream {
	return &Stream{
		ws:    ws,
		db:    db,
		hook:  hook,
		dedup: make(map[string]struct{}, dedupCapacity),
	}
}

// Run drains stream events until the context ends
func (s *Stream) Run(ctx context.Context) {
	log.Info().Msg("🌊 Fill stream started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.ws.Events():
			if !ok {
				return
			}
			if ev.Reconnected {
				s.resetDedup()
				continue
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Stream) handle(ctx context.Context, ev hyperliquid.StreamEvent) {
	addr, err := storage.NormalizeAddress(ev.User)
	if err != nil {
		return
	}

	q, err := s.db.GetTraderQuality(addr)
	if err != nil {
		log.Error().Err(err).Str("address", addr).Msg("Quality lookup failed for fill")
		return
	}
	tier := types.TierInactive
	if q != nil {
		tier = q.Tier
	}

	for _, f := range ev.Fills {
		if !s.firstSeen(f) {
			continue
		}

		row := &storage.RealtimeFill{
			TxHash:    f.Hash,
			Oid:       f.Oid,
			Address:   addr,
			Coin:      f.Coin,
			Side:      f.Side,
			Px:        f.Px,
			Sz:        f.Sz,
			ClosedPnl: f.ClosedPnl,
			IsExit:    f.IsExit(),
			Tier:      tier,
			FillTime:  f.TimeT(),
		}
		inserted, err := s.db.InsertRealtimeFill(row)
		if err != nil {
			log.Error().Err(err).Str("address", addr).Str("coin", f.Coin).Msg("Fill insert failed")
			continue
		}
		if !inserted {
			continue
		}

		log.Debug().Str("address", addr).Str("coin", f.Coin).Str("side", f.Side).
			Str("size", f.Sz.String()).Str("closed_pnl", f.ClosedPnl.String()).
			Msg("Fill recorded")

		// Snapshot frames replay history; only live exits feed the hook
		if ev.IsSnapshot || !f.IsExit() || s.hook == nil {
			continue
		}
		s.hook.OnTraderExit(ctx, addr, f.Coin, closedDirection(f))
	}
}

// closedDirection maps an exit fill to the side of the position it reduced:
// a sell realising PnL closed a long, a buy closed a short.
func closedDirection(f hyperliquid.Fill) types.Direction {
	if f.Side == "A" {
		return types.Long
	}
	return types.Short
}

// firstSeen records the fill key, evicting the oldest once at capacity
func (s *Stream) firstSeen(f hyperliquid.Fill) bool {
	key := f.Hash + ":" + strconv.FormatInt(f.Oid, 10)
	if _, ok := s.dedup[key]; ok {
		return false
	}
	if len(s.order) >= dedupCapacity {
		delete(s.dedup, s.order[0])
		s.order = s.order[1:]
	}
	s.dedup[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}

func (s *Stream) resetDedup() {
	s.dedup = make(map[string]struct{}, dedupCapacity)
	s.order = nil
}

// SyncSubscriptions reconciles the WebSocket membership with the tracked set
func (s *Stream) SyncSubscriptions(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	tracked, err := s.db.ListTracked()
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(tracked))
	for _, t := range tracked {
		want[t.Address] = struct{}{}
	}

	have := make(map[string]struct{})
	for _, u := range s.ws.SubscribedUsers() {
		have[u] = struct{}{}
	}

	added, removed := 0, 0
	for addr := range want {
		if _, ok := have[addr]; !ok {
			s.ws.SubscribeUserFills(addr)
			added++
		}
	}
	for addr := range have {
		if _, ok := want[addr]; !ok {
			s.ws.UnsubscribeUserFills(addr)
			removed++
		}
	}

	if added > 0 || removed > 0 {
		log.Info().Int("added", added).Int("removed", removed).Int("total", len(want)).
			Msg("🔁 Fill subscriptions synced")
	}
	return nil
}
