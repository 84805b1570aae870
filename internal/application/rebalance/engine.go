// Package rebalance evaluates tracked positions against the configured
// strategies, turns signals into prioritized actions and executes them one at
// a time through the position registry and the fee optimizer.
package rebalance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/domain/strategy"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/shopspring/decimal"
)

const (
	defaultExecutionInterval = 10 * time.Second
	defaultQueueCap          = 100
	defaultHistoryCap        = 1000
	defaultSignalRetention   = time.Hour
	defaultSignalCap         = 1000
)

// ErrAlreadyRunning is returned by Start on a running engine.
var ErrAlreadyRunning = errors.New("rebalance engine already running")

// Positions is the subset of the registry the engine reads and mutates.
type Positions interface {
	GetAllPositions() []domain.Position
	GetPosition(id string) (domain.Position, bool)
	CurrentPrice(ctx context.Context, token0, token1 string, fee domain.FeeTier) (float64, error)
	RebalancePosition(ctx context.Context, id string, newMinPrice, newMaxPrice, slippageTolerance float64) (string, error)
	RemoveLiquidity(ctx context.Context, id string, liquidity decimal.Decimal, slippageTolerance float64) (ports.TokenAmounts, error)
}

// FeeService is the subset of the fee optimizer the engine needs.
type FeeService interface {
	CalculateAccruedFees(ctx context.Context, positionID string) (domain.FeeAnalytics, error)
	CollectIfWorthwhile(ctx context.Context, positionID string) (bool, domain.CollectionOptimization, error)
	GasCostUSD(ctx context.Context) float64
}

// Config holds the engine settings.
type Config struct {
	ExecutionInterval time.Duration
	QueueCap          int
	HistoryCap        int
	SignalRetention   time.Duration
	SignalCap         int
}

// Engine is the rebalancing decision engine.
type Engine struct {
	cfg        Config
	strategies strategy.Registry
	positions  Positions
	fees       FeeService
	log        *slog.Logger
	now        func() time.Time
	exclude    func(positionID string) bool

	mu         sync.Mutex
	queue      []*domain.RebalanceAction // sorted by descending priority
	history    []domain.RebalanceAction
	signals    []domain.RebalanceSignal
	rebalances map[string][]time.Time // executed adjust_range per position
	lastRun    map[string]time.Time   // per strategy
	counters   counters

	// execMu serialises action execution; Stop waits on it.
	execMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

type counters struct {
	signals   int
	queued    int
	executed  int
	completed int
	failed    int
	cancelled int
	lastCheck time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithExclude skips positions for which fn returns true, e.g. the narrow
// positions backing range orders.
func WithExclude(fn func(positionID string) bool) Option {
	return func(e *Engine) { e.exclude = fn }
}

// New creates a rebalance engine.
func New(positions Positions, fees FeeService, strategies strategy.Registry, cfg Config, opts ...Option) *Engine {
	if cfg.ExecutionInterval <= 0 {
		cfg.ExecutionInterval = defaultExecutionInterval
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = defaultQueueCap
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = defaultHistoryCap
	}
	if cfg.SignalRetention <= 0 {
		cfg.SignalRetention = defaultSignalRetention
	}
	if cfg.SignalCap <= 0 {
		cfg.SignalCap = defaultSignalCap
	}
	e := &Engine{
		cfg:        cfg,
		strategies: strategies,
		positions:  positions,
		fees:       fees,
		log:        slog.Default(),
		now:        time.Now,
		rebalances: make(map[string][]time.Time),
		lastRun:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the monitoring and execution loops. They run until Stop is
// called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	monitorEvery := e.monitorInterval()
	e.running.Add(2)
	go func() {
		defer e.running.Done()
		e.loop(ctx, monitorEvery, e.monitorTick)
	}()
	go func() {
		defer e.running.Done()
		e.loop(ctx, e.cfg.ExecutionInterval, e.executeTick)
	}()

	e.log.Info("rebalance: engine started",
		"strategies", len(e.strategies.Enabled()),
		"monitor_interval", monitorEvery,
		"execution_interval", e.cfg.ExecutionInterval,
	)
	return nil
}

// Stop halts both loops and waits for an in-flight action to finish.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.running.Wait()
	e.log.Info("rebalance: engine stopped")
}

func (e *Engine) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// monitorInterval is the shortest interval among enabled strategies.
func (e *Engine) monitorInterval() time.Duration {
	var every time.Duration
	for _, s := range e.strategies.Enabled() {
		if iv := s.Settings().RebalanceInterval; iv > 0 && (every == 0 || iv < every) {
			every = iv
		}
	}
	if every == 0 {
		every = time.Minute
	}
	return every
}

// monitorTick evaluates the strategies whose interval has elapsed.
func (e *Engine) monitorTick(ctx context.Context) {
	now := e.now()
	var due []strategy.Strategy
	e.mu.Lock()
	for _, s := range e.strategies.Enabled() {
		if last, ok := e.lastRun[s.Name()]; !ok || now.Sub(last) >= s.Settings().RebalanceInterval {
			due = append(due, s)
		}
	}
	e.mu.Unlock()
	if len(due) == 0 {
		return
	}
	if _, err := e.check(ctx, due); err != nil {
		e.log.Error("rebalance: signal check failed", "err", err)
	}
}

// executeTick runs the highest-priority pending action, if any. The action
// runs on a context that ignores cancellation so Stop never interrupts a
// rebalance between its remove and add steps.
func (e *Engine) executeTick(ctx context.Context) {
	// Errors are logged by execute.
	_, _, _ = e.ExecuteNext(context.WithoutCancel(ctx))
}
