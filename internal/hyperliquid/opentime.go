package hyperliquid

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"hyperwatch/types"
)

// FindPositionOpenTime walks the wallet's recent fills in chronological order,
// maintains a running signed position size for the coin, and returns the fill
// time at which the currently open position in the given direction started.
//
// Used to back-fill opened_at for positions discovered on newly tracked
// wallets, where no poll history exists.
func (c *Client) FindPositionOpenTime(ctx context.Context, addr, coin string, dir types.Direction, lookbackDays int) (time.Time, bool, error) {
	fills, err := c.UserFills(ctx, addr)
	if err != nil {
		return time.Time{}, false, err
	}

	cutoff := time.Now().AddDate(0, 0, -lookbackDays)
	filtered := FilterFillsSince(fills, cutoff)

	running := decimal.Zero
	var openedAt time.Time

	for _, f := range filtered {
		if f.Coin != coin {
			continue
		}

		prev := running
		running = running.Add(f.SignedSize())

		switch dir {
		case types.Long:
			if prev.LessThanOrEqual(decimal.Zero) && running.GreaterThan(decimal.Zero) {
				openedAt = f.TimeT()
			}
			if running.LessThanOrEqual(decimal.Zero) {
				openedAt = time.Time{}
			}
		case types.Short:
			if prev.GreaterThanOrEqual(decimal.Zero) && running.LessThan(decimal.Zero) {
				openedAt = f.TimeT()
			}
			if running.GreaterThanOrEqual(decimal.Zero) {
				openedAt = time.Time{}
			}
		}
	}

	if openedAt.IsZero() {
		return time.Time{}, false, nil
	}
	return openedAt, true, nil
}
