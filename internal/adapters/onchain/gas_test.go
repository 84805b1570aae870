package onchain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/adapters/onchain"
	"github.com/alejandrodnm/lpkeeper/internal/adapters/paper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	price *big.Int
	err   error
	calls int
}

func (f *fakeRPC) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.price), nil
}

func gwei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000)) }

func TestEstimateGasCostUSD(t *testing.T) {
	oracle := paper.NewLedger()
	oracle.SetTokenPriceUSD("ETH", 2000)
	rpc := &fakeRPC{price: gwei(10)}

	g := onchain.NewGasEstimator(rpc, oracle, "ETH", onchain.WithGasLimit(100_000))
	cost, err := g.EstimateGasCostUSD(context.Background())
	require.NoError(t, err)
	// 10 gwei · 1.1 · 100k gas = 0.0011 ETH
	assert.InDelta(t, 2.2, cost, 1e-9)
}

func TestEstimateGasCostUSD_Caching(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	oracle := paper.NewLedger()
	oracle.SetTokenPriceUSD("ETH", 2000)
	rpc := &fakeRPC{price: gwei(10)}
	g := onchain.NewGasEstimator(rpc, oracle, "ETH", onchain.WithClock(func() time.Time { return now }))

	ctx := context.Background()
	first, err := g.EstimateGasCostUSD(ctx)
	require.NoError(t, err)

	rpc.price = gwei(50)
	second, err := g.EstimateGasCostUSD(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, rpc.calls)

	now = now.Add(6 * time.Minute)
	third, err := g.EstimateGasCostUSD(ctx)
	require.NoError(t, err)
	assert.InDelta(t, first*5, third, 1e-9)
	assert.Equal(t, 2, rpc.calls)
}

func TestEstimateGasCostUSD_Fallbacks(t *testing.T) {
	oracle := paper.NewLedger()
	rpc := &fakeRPC{err: errors.New("connection refused")}
	g := onchain.NewGasEstimator(rpc, oracle, "ETH", onchain.WithGasLimit(100_000))

	_, err := g.EstimateGasCostUSD(context.Background())
	assert.Error(t, err, "no native price at all")

	oracle.SetTokenPriceUSD("ETH", 1000)
	cost, err := g.EstimateGasCostUSD(context.Background())
	require.NoError(t, err)
	// 30 gwei fallback · 100k gas = 0.003 ETH
	assert.InDelta(t, 3.0, cost, 1e-9)
}
