package ledger_test

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/adapters/ledger"
	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/alejandrodnm/lpkeeper/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *ledger.Client {
	return ledger.NewClient(srv.URL, ledger.WithRateLimits(1000, 1000))
}

func TestAddLiquidity_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/positions/mint", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0xowner", body["owner"])
		assert.Equal(t, float64(3000), body["fee"])
		assert.Equal(t, float64(-29940), body["tickLower"])
		assert.Equal(t, "1000", body["amount0Desired"])
		assert.NotContains(t, body, "tokenId")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tokenId":"42","liquidity":"123.5","amount0":"999.1","amount1":"49.9"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv).AddLiquidity(context.Background(), ports.AddLiquidityRequest{
		Owner:          "0xowner",
		Token0:         "A",
		Token1:         "B",
		Fee:            domain.FeeTier030,
		TickLower:      -29940,
		TickUpper:      -28980,
		Amount0Desired: decimal.NewFromInt(1000),
		Amount1Desired: decimal.NewFromInt(50),
		Deadline:       time.Unix(1_700_000_000, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.PositionID)
	assert.True(t, res.Liquidity.Equal(decimal.RequireFromString("123.5")))
	assert.True(t, res.Amount1.Equal(decimal.RequireFromString("49.9")))
}

func TestClient_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"tick not aligned"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 3}, func(ctx context.Context) (ports.TokenAmounts, error) {
		return c.CollectFees(ctx, ports.CollectFeesRequest{PositionID: "42"})
	})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, ledger.ErrStatus)
	assert.Contains(t, err.Error(), "tick not aligned")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"amount0":"1","amount1":"2"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	got, err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 3}, func(ctx context.Context) (ports.TokenAmounts, error) {
		return c.RemoveLiquidity(ctx, ports.RemoveLiquidityRequest{PositionID: "42", Liquidity: decimal.NewFromInt(10)})
	})
	require.NoError(t, err)
	assert.True(t, got.Amount1.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetUserPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/owners/0xowner/positions", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("pageSize"))
		w.Write([]byte(`{"positions":[
			{"tokenId":"7","owner":"0xowner","token0":"A","token1":"B","fee":500,"tickLower":-100,"tickUpper":100,
			 "liquidity":"1000","tokensOwed0":"0.5","tokensOwed1":"0"}
		]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv).GetUserPositions(context.Background(), "0xowner", 2, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "7", got[0].ID)
	assert.Equal(t, domain.FeeTier005, got[0].Fee)
	assert.Equal(t, -100, got[0].TickLower)
	assert.True(t, got[0].TokensOwed0.Equal(decimal.RequireFromString("0.5")))
}

func TestSpotPrice_FromPool(t *testing.T) {
	// sqrtPriceX96 = 2·2^96 → raw price 4; decimals 18/6 shift it by 10^12.
	sqrtX96 := new(big.Int).Lsh(big.NewInt(2), 96)
	var tokenCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pools":
			assert.Equal(t, "3000", r.URL.Query().Get("fee"))
			w.Write([]byte(`{"token0":"WETH","token1":"USDC","fee":3000,"sqrtPriceX96":"` + sqrtX96.String() + `","liquidity":"1","tick":13863}`))
		case "/tokens/WETH":
			tokenCalls.Add(1)
			w.Write([]byte(`{"address":"WETH","symbol":"WETH","decimals":18,"priceUsd":"3000.5"}`))
		case "/tokens/USDC":
			tokenCalls.Add(1)
			w.Write([]byte(`{"address":"USDC","symbol":"USDC","decimals":6,"priceUsd":"1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := newTestClient(srv)
	pool, err := c.GetPoolData(ctx, "WETH", "USDC", domain.FeeTier030)
	require.NoError(t, err)
	assert.Equal(t, 13863, pool.Tick)

	price, err := c.CalculateSpotPrice(ctx, "WETH", "USDC", pool.SqrtPrice)
	require.NoError(t, err)
	assert.InDelta(t, 4e12, price, 1)

	_, err = c.CalculateSpotPrice(ctx, "WETH", "USDC", pool.SqrtPrice)
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokenCalls.Load(), "decimals are cached")

	usd, err := c.TokenPriceUSD(ctx, "WETH")
	require.NoError(t, err)
	assert.InDelta(t, 3000.5, usd, 1e-9)

	_, err = c.CalculateSpotPrice(ctx, "WETH", "USDC", decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv).GetPoolData(ctx, "A", "B", domain.FeeTier030)
	assert.Error(t, err)
}
