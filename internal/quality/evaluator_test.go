package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"hyperwatch/internal/hyperliquid"
	"hyperwatch/storage"
)

const (
	evalAddr  = "0xdddddddddddddddddddddddddddddddddddddddd"
	evalAddr2 = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	evalAddr3 = "0xffffffffffffffffffffffffffffffffffffffff"
)

func evalHarness(t *testing.T, name, accountValue string, fills []map[string]any) (*Evaluator, *storage.Database) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var body any
		switch req["type"] {
		case "clearinghouseState":
			body = map[string]any{
				"marginSummary":  map[string]string{"accountValue": accountValue},
				"assetPositions": []any{},
			}
		case "userFills":
			body = fills
		default:
			t.Errorf("unexpected request type %v", req["type"])
			body = map[string]any{}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	t.Cleanup(srv.Close)

	db, err := storage.Open(sqlite.Open(fmt.Sprintf("file:eval_%s?mode=memory&cache=shared", name)))
	require.NoError(t, err)

	client := hyperliquid.NewClient(hyperliquid.Options{InfoURL: srv.URL, RequestsPerSecond: 1000, Burst: 100})
	cfg := tierConfig()
	cfg.BatchSize = 1
	return New(client, db, cfg), db
}

func realizedFill(coin string, at time.Time, closedPnl string) map[string]any {
	return map[string]any{
		"coin": coin, "side": "A", "px": "50000", "sz": "1",
		"time": at.UnixMilli(), "closedPnl": closedPnl, "hash": "0xh", "oid": 1,
	}
}

func TestAnalyzePrefersEquityChangePnl(t *testing.T) {
	now := time.Now().UTC()
	e, db := evalHarness(t, "equity", "11000", []map[string]any{
		realizedFill("BTC", now.Add(-48*time.Hour), "200"),
	})

	// two snapshots span the 7d window, plus a base just outside it
	require.NoError(t, db.UpsertEquitySnapshot(evalAddr, now.AddDate(0, 0, -10), decimal.NewFromInt(10000)))
	require.NoError(t, db.UpsertEquitySnapshot(evalAddr, now.AddDate(0, 0, -3), decimal.NewFromInt(10500)))

	q, err := e.Analyze(context.Background(), evalAddr)
	require.NoError(t, err)
	assert.Equal(t, "equity_change", q.PnlCalculationMethod)
	assert.True(t, q.Pnl7d.Equal(decimal.NewFromInt(1000)),
		"account 11000 against the 10000 base, not the 200 realised; got %s", q.Pnl7d)
}

func TestAnalyzeFallsBackToRealizedSum(t *testing.T) {
	now := time.Now().UTC()
	e, _ := evalHarness(t, "realized", "11000", []map[string]any{
		realizedFill("BTC", now.Add(-48*time.Hour), "200"),
		realizedFill("BTC", now.AddDate(0, 0, -9), "999"),
	})

	q, err := e.Analyze(context.Background(), evalAddr)
	require.NoError(t, err)
	assert.Equal(t, "realized_sum_filtered", q.PnlCalculationMethod)
	assert.True(t, q.Pnl7d.Equal(decimal.NewFromInt(200)), "only fills inside the window count")
}

func TestAnalyzeBatchCoversEveryWallet(t *testing.T) {
	e, db := evalHarness(t, "batch", "50000", nil)
	e.cfg.DelayBetweenRequests = time.Millisecond

	addrs := []string{evalAddr, evalAddr2, evalAddr3}
	e.AnalyzeBatch(context.Background(), addrs)

	for _, a := range addrs {
		q, err := db.GetTraderQuality(a)
		require.NoError(t, err)
		require.NotNil(t, q, a)
	}
}
