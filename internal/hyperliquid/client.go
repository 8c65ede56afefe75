package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE CLIENT - typed request/reply over the info endpoint
// ═══════════════════════════════════════════════════════════════════════════════
//
// One HTTPS POST endpoint multiplexed by a "type" field. 429s get exponential
// back-off; everything else degrades to ErrUnavailable so callers can skip
// the address this cycle and keep prior state.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxRetries  = 3
	backoffBase = time.Second
)

// ErrUnavailable tags any exchange failure the caller should tolerate
var ErrUnavailable = errors.New("exchange unavailable")

var errRateLimited = errors.New("rate limited")

// Client talks to the exchange info endpoint
type Client struct {
	infoURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Options tunes the client; zero values fall back to sane defaults
type Options struct {
	InfoURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewClient creates an info-endpoint client
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 1.5
	}
	if opts.Burst == 0 {
		opts.Burst = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "hyperliquid-info",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("⚡ Circuit breaker state change")
		},
	})

	return &Client{
		infoURL: opts.InfoURL,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker: breaker,
	}
}

// post sends one info request and decodes the response into out
func (c *Client) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		raw, err := c.breaker.Execute(func() (any, error) {
			return c.doOnce(ctx, body)
		})
		if err == nil {
			if err := json.Unmarshal(raw.([]byte), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		if errors.Is(err, errRateLimited) && attempt < maxRetries {
			delay := backoffBase * time.Duration(1<<attempt)
			log.Warn().Int("attempt", attempt+1).Dur("delay", delay).Msg("429 from exchange, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return fmt.Errorf("%w: retries exhausted", ErrUnavailable)
}

func (c *Client) doOnce(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.infoURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// ClearinghouseState fetches the account snapshot for a wallet
func (c *Client) ClearinghouseState(ctx context.Context, addr string) (*ClearinghouseState, error) {
	var out ClearinghouseState
	err := c.post(ctx, map[string]string{"type": "clearinghouseState", "user": addr}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UserFills fetches recent fills for a wallet. The endpoint returns up to the
// last ~2000 fills and ignores any requested startTime, so callers must
// filter client-side with FilterFillsSince.
func (c *Client) UserFills(ctx context.Context, addr string) ([]Fill, error) {
	var out []Fill
	err := c.post(ctx, map[string]string{"type": "userFills", "user": addr}, &out)
	return out, err
}

// OpenOrders fetches resting orders for a wallet
func (c *Client) OpenOrders(ctx context.Context, addr string) ([]OpenOrder, error) {
	var out []OpenOrder
	err := c.post(ctx, map[string]string{"type": "openOrders", "user": addr}, &out)
	return out, err
}

// UserFunding fetches funding payments for a wallet since startTime
func (c *Client) UserFunding(ctx context.Context, addr string, startTime time.Time) ([]LedgerUpdate, error) {
	var out []LedgerUpdate
	err := c.post(ctx, map[string]any{
		"type": "userFunding", "user": addr, "startTime": startTime.UnixMilli(),
	}, &out)
	return out, err
}

// UserNonFundingLedgerUpdates fetches deposits/withdrawals/transfers since startTime
func (c *Client) UserNonFundingLedgerUpdates(ctx context.Context, addr string, startTime time.Time) ([]LedgerUpdate, error) {
	var out []LedgerUpdate
	err := c.post(ctx, map[string]any{
		"type": "userNonFundingLedgerUpdates", "user": addr, "startTime": startTime.UnixMilli(),
	}, &out)
	return out, err
}

// AllMids fetches the current mid price for every listed coin
func (c *Client) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	var out map[string]decimal.Decimal
	err := c.post(ctx, map[string]string{"type": "allMids"}, &out)
	return out, err
}

// Meta fetches the perp universe
func (c *Client) Meta(ctx context.Context) (*Meta, error) {
	var out Meta
	err := c.post(ctx, map[string]string{"type": "meta"}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MetaAndAssetCtxs fetches the universe plus live per-asset market context.
// The response is a two-element array: [meta, contexts].
func (c *Client) MetaAndAssetCtxs(ctx context.Context) (*Meta, []AssetCtx, error) {
	var raw []json.RawMessage
	if err := c.post(ctx, map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, nil, err
	}
	if len(raw) < 2 {
		return nil, nil, fmt.Errorf("metaAndAssetCtxs: expected 2 elements, got %d", len(raw))
	}

	var meta Meta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, nil, fmt.Errorf("decode meta: %w", err)
	}
	var ctxs []AssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, nil, fmt.Errorf("decode asset contexts: %w", err)
	}
	return &meta, ctxs, nil
}

// FundingHistory fetches historical funding rates for a coin
func (c *Client) FundingHistory(ctx context.Context, coin string, startTime time.Time) ([]FundingRate, error) {
	var out []FundingRate
	err := c.post(ctx, map[string]any{
		"type": "fundingHistory", "coin": coin, "startTime": startTime.UnixMilli(),
	}, &out)
	return out, err
}

// CandleSnapshot fetches OHLCV bars for a coin. endTime zero means "now".
func (c *Client) CandleSnapshot(ctx context.Context, coin, interval string, startTime, endTime time.Time) ([]Candle, error) {
	req := map[string]any{
		"coin":      coin,
		"interval":  interval,
		"startTime": startTime.UnixMilli(),
	}
	if !endTime.IsZero() {
		req["endTime"] = endTime.UnixMilli()
	}

	var out []Candle
	err := c.post(ctx, map[string]any{"type": "candleSnapshot", "req": req}, &out)
	return out, err
}

// L2Book fetches the current book snapshot for a coin
func (c *Client) L2Book(ctx context.Context, coin string) (*L2Book, error) {
	var out L2Book
	err := c.post(ctx, map[string]string{"type": "l2Book", "coin": coin}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FilterFillsSince drops fills older than cutoff and returns the rest in
// chronological order. This is the mandatory client-side replacement for the
// startTime parameter the endpoint ignores.
func FilterFillsSince(fills []Fill, cutoff time.Time) []Fill {
	out := make([]Fill, 0, len(fills))
	cutoffMs := cutoff.UnixMilli()
	for _, f := range fills {
		if f.Time >= cutoffMs {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}
