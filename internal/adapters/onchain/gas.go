// Package onchain estimates transaction costs from an EVM RPC node.
package onchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
)

const (
	gasPriceUpdateInterval = 5 * time.Minute
	nativePriceInterval    = 15 * time.Minute

	// DefaultGasLimit covers a mint or a decrease+collect on a CL position manager.
	DefaultGasLimit = 300_000

	fallbackGasPriceGwei = 30
)

// GasPricer is the part of ethclient.Client the estimator uses.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasEstimator implements ports.GasEstimator: suggested gas price · gas
// limit, valued in USD through the price oracle. Both prices are cached.
type GasEstimator struct {
	rpc         GasPricer
	prices      ports.PriceOracle
	nativeToken string
	gasLimit    uint64
	log         *slog.Logger
	now         func() time.Time

	mu          sync.RWMutex
	cachedGas   *big.Int
	gasAt       time.Time
	nativeUSD   float64
	nativeUSDAt time.Time
}

// Option customises a GasEstimator.
type Option func(*GasEstimator)

// WithGasLimit overrides DefaultGasLimit.
func WithGasLimit(limit uint64) Option {
	return func(g *GasEstimator) {
		if limit > 0 {
			g.gasLimit = limit
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *GasEstimator) {
		if l != nil {
			g.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *GasEstimator) { g.now = now }
}

// Dial connects to rpcURL and returns an estimator pricing gas in nativeToken.
func Dial(rpcURL string, prices ports.PriceOracle, nativeToken string, opts ...Option) (*GasEstimator, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.Dial: rpc %s: %w", rpcURL, err)
	}
	return NewGasEstimator(client, prices, nativeToken, opts...), nil
}

// NewGasEstimator builds an estimator over an existing RPC client.
func NewGasEstimator(rpc GasPricer, prices ports.PriceOracle, nativeToken string, opts ...Option) *GasEstimator {
	g := &GasEstimator{
		rpc:         rpc,
		prices:      prices,
		nativeToken: nativeToken,
		gasLimit:    DefaultGasLimit,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EstimateGasCostUSD implements ports.GasEstimator.
func (g *GasEstimator) EstimateGasCostUSD(ctx context.Context) (float64, error) {
	native, err := g.nativePriceUSD(ctx)
	if err != nil {
		return 0, fmt.Errorf("onchain.EstimateGasCostUSD: %w", err)
	}

	wei := new(big.Int).Mul(g.gasPrice(ctx), new(big.Int).SetUint64(g.gasLimit))
	cost := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))
	costNative, _ := cost.Float64()
	return costNative * native, nil
}

// gasPrice returns the cached suggestion, refreshing it when stale. RPC
// failures fall back to the last value, then to 30 gwei.
func (g *GasEstimator) gasPrice(ctx context.Context) *big.Int {
	g.mu.RLock()
	cached := g.cachedGas
	updatedAt := g.gasAt
	g.mu.RUnlock()

	if cached != nil && g.now().Sub(updatedAt) < gasPriceUpdateInterval {
		return cached
	}

	price, err := g.rpc.SuggestGasPrice(ctx)
	if err != nil {
		g.log.Warn("onchain: gas price unavailable, using fallback", "err", err)
		if cached != nil {
			return cached
		}
		return new(big.Int).Mul(big.NewInt(fallbackGasPriceGwei), big.NewInt(params.GWei))
	}

	// +10% para inclusión rápida (copia para no mutar el valor devuelto).
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	g.mu.Lock()
	g.cachedGas = buffered
	g.gasAt = g.now()
	g.mu.Unlock()

	g.log.Debug("onchain: gas price refreshed", "gwei", new(big.Int).Div(buffered, big.NewInt(params.GWei)))
	return buffered
}

// nativePriceUSD returns the cached native token price, refreshing it from
// the oracle when stale.
func (g *GasEstimator) nativePriceUSD(ctx context.Context) (float64, error) {
	g.mu.RLock()
	price := g.nativeUSD
	updatedAt := g.nativeUSDAt
	g.mu.RUnlock()

	if price > 0 && g.now().Sub(updatedAt) < nativePriceInterval {
		return price, nil
	}

	fetched, err := g.prices.TokenPriceUSD(ctx, g.nativeToken)
	if err != nil {
		if price > 0 {
			g.log.Warn("onchain: native price refresh failed, using cached", "token", g.nativeToken, "err", err)
			return price, nil
		}
		return 0, fmt.Errorf("native token %s price: %w", g.nativeToken, err)
	}

	g.mu.Lock()
	g.nativeUSD = fetched
	g.nativeUSDAt = g.now()
	g.mu.Unlock()
	return fetched, nil
}
