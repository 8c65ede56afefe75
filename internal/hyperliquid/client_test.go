package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperwatch/types"
)

func testClient(url string) *Client {
	return NewClient(Options{InfoURL: url, RequestsPerSecond: 1000, Burst: 100})
}

func infoServer(t *testing.T, handler func(reqType string, req map[string]any) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reqType, _ := req["type"].(string)

		status, body := handler(reqType, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			require.NoError(t, json.NewEncoder(w).Encode(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClearinghouseStateDecodesStringNumbers(t *testing.T) {
	srv := infoServer(t, func(reqType string, req map[string]any) (int, any) {
		assert.Equal(t, "clearinghouseState", reqType)
		assert.Equal(t, "0xabc", req["user"])
		return http.StatusOK, map[string]any{
			"marginSummary": map[string]string{
				"accountValue": "125000.55",
				"totalNtlPos":  "80000",
			},
			"assetPositions": []map[string]any{{
				"type": "oneWay",
				"position": map[string]any{
					"coin":          "BTC",
					"szi":           "-1.5",
					"entryPx":       "50000",
					"positionValue": "75000",
					"unrealizedPnl": "-1200.5",
					"marginUsed":    "7500",
					"leverage":      map[string]any{"type": "cross", "value": 10},
				},
			}},
			"time": 1756100000000,
		}
	})

	state, err := testClient(srv.URL).ClearinghouseState(context.Background(), "0xabc")
	require.NoError(t, err)

	assert.True(t, state.MarginSummary.AccountValue.Equal(decimal.NewFromFloat(125000.55)))
	require.Len(t, state.AssetPositions, 1)
	p := state.AssetPositions[0].Position
	assert.True(t, p.Szi.Equal(decimal.NewFromFloat(-1.5)))
	assert.True(t, p.Szi.IsNegative(), "short position keeps its sign")
	assert.Equal(t, 10, p.Leverage.Value)
}

func TestAllMids(t *testing.T) {
	srv := infoServer(t, func(reqType string, req map[string]any) (int, any) {
		return http.StatusOK, map[string]string{"BTC": "50123.5", "ETH": "3050"}
	})

	mids, err := testClient(srv.URL).AllMids(context.Background())
	require.NoError(t, err)
	assert.True(t, mids["BTC"].Equal(decimal.NewFromFloat(50123.5)))
	assert.True(t, mids["ETH"].Equal(decimal.NewFromInt(3050)))
}

func TestRateLimitBackoffThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := infoServer(t, func(reqType string, req map[string]any) (int, any) {
		if calls.Add(1) == 1 {
			return http.StatusTooManyRequests, nil
		}
		return http.StatusOK, map[string]string{"BTC": "50000"}
	})

	start := time.Now()
	mids, err := testClient(srv.URL).AllMids(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "first retry backs off a full second")
	assert.True(t, mids["BTC"].Equal(decimal.NewFromInt(50000)))
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := infoServer(t, func(reqType string, req map[string]any) (int, any) {
		return http.StatusInternalServerError, nil
	})

	_, err := testClient(srv.URL).AllMids(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestMetaAndAssetCtxs(t *testing.T) {
	srv := infoServer(t, func(reqType string, req map[string]any) (int, any) {
		return http.StatusOK, []any{
			map[string]any{"universe": []map[string]any{
				{"name": "BTC", "szDecimals": 5, "maxLeverage": 50},
				{"name": "ETH", "szDecimals": 4, "maxLeverage": 50},
			}},
			[]map[string]string{
				{"funding": "0.0000125", "markPx": "50000"},
				{"funding": "-0.00003", "markPx": "3000"},
			},
		}
	})

	meta, ctxs, err := testClient(srv.URL).MetaAndAssetCtxs(context.Background())
	require.NoError(t, err)
	require.Len(t, meta.Universe, 2)
	require.Len(t, ctxs, 2)
	assert.Equal(t, "BTC", meta.Universe[0].Name)
	assert.True(t, ctxs[1].Funding.IsNegative())
}

func TestFilterFillsSince(t *testing.T) {
	now := time.Now()
	fills := []Fill{
		{Coin: "BTC", Time: now.Add(-time.Hour).UnixMilli()},
		{Coin: "BTC", Time: now.AddDate(0, 0, -40).UnixMilli()},
		{Coin: "BTC", Time: now.Add(-3 * time.Hour).UnixMilli()},
	}

	got := FilterFillsSince(fills, now.AddDate(0, 0, -30))
	require.Len(t, got, 2)
	assert.Less(t, got[0].Time, got[1].Time, "output is chronological")
}

func TestFindPositionOpenTime(t *testing.T) {
	now := time.Now()
	mkFill := func(coin, side string, sz float64, at time.Time) map[string]any {
		return map[string]any{
			"coin": coin, "side": side,
			"sz": decimal.NewFromFloat(sz).String(), "px": "50000",
			"time": at.UnixMilli(), "closedPnl": "0", "hash": "0xh", "oid": 1,
		}
	}

	t.Run("finds the transition into the direction", func(t *testing.T) {
		opened := now.Add(-30 * time.Hour)
		srv := infoServer(t, func(reqType string, req map[string]any) (int, any) {
			return http.StatusOK, []map[string]any{
				mkFill("BTC", "B", 1, now.Add(-72*time.Hour)),  // long 1
				mkFill("BTC", "A", 1, now.Add(-48*time.Hour)),  // flat again
				mkFill("BTC", "B", 2, opened),                  // current long opens here
				mkFill("BTC", "B", 1, now.Add(-10*time.Hour)),  // add
				mkFill("ETH", "A", 5, now.Add(-5*time.Hour)),   // other coin, ignored
			}
		})

		got, found, err := testClient(srv.URL).FindPositionOpenTime(context.Background(), "0xabc", "BTC", types.Long, 14)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, opened.UnixMilli(), got.UnixMilli())
	})

	t.Run("position closed in history is not found", func(t *testing.T) {
		srv := infoServer(t, func(reqType string, req map[string]any) (int, any) {
			return http.StatusOK, []map[string]any{
				mkFill("BTC", "B", 1, now.Add(-20*time.Hour)),
				mkFill("BTC", "A", 1, now.Add(-10*time.Hour)),
			}
		})

		_, found, err := testClient(srv.URL).FindPositionOpenTime(context.Background(), "0xabc", "BTC", types.Long, 14)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("flip marks the short open", func(t *testing.T) {
		flipped := now.Add(-6 * time.Hour)
		srv := infoServer(t, func(reqType string, req map[string]any) (int, any) {
			return http.StatusOK, []map[string]any{
				mkFill("BTC", "B", 1, now.Add(-20*time.Hour)), // long 1
				mkFill("BTC", "A", 3, flipped),                // sell 3: now short 2
			}
		})

		got, found, err := testClient(srv.URL).FindPositionOpenTime(context.Background(), "0xabc", "BTC", types.Short, 14)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, flipped.UnixMilli(), got.UnixMilli())
	})
}
