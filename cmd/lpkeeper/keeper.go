package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/application/fees"
	"github.com/alejandrodnm/lpkeeper/internal/application/rangeorder"
	"github.com/alejandrodnm/lpkeeper/internal/application/rebalance"
	"github.com/alejandrodnm/lpkeeper/internal/application/registry"
	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
)

// keeper agrupa los componentes para el ciclo único y el informe periódico.
type keeper struct {
	registry   *registry.Registry
	optimizer  *fees.Optimizer
	orders     *rangeorder.Engine
	rebalancer *rebalance.Engine
	notifier   ports.Notifier
}

// runOnce: reconcile → órdenes → señales → ejecutar la cola → informe.
func (k *keeper) runOnce(ctx context.Context) error {
	if _, err := k.registry.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if n := k.orders.UpdateOrderStatuses(ctx); n > 0 {
		slog.Info("range orders updated", "changed", n)
	}

	signals, err := k.rebalancer.CheckRebalanceSignals(ctx)
	if err != nil {
		return fmt.Errorf("check signals: %w", err)
	}
	slog.Info("signals evaluated", "count", len(signals), "pending", len(k.rebalancer.PendingActions()))

	for {
		a, ok, err := k.rebalancer.ExecuteNext(ctx)
		if !ok {
			break
		}
		if err != nil {
			slog.Warn("action failed", "action", a.ID, "type", a.Type, "position", a.PositionID, "err", err)
			continue
		}
		slog.Info("action executed", "action", a.ID, "type", a.Type, "status", a.Status)
	}

	return k.notifier.NotifyPortfolio(ctx, k.snapshot(ctx))
}

// report imprime un snapshot al arrancar y luego en cada tick.
func (k *keeper) report(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := k.notifier.NotifyPortfolio(ctx, k.snapshot(ctx)); err != nil {
			slog.Warn("notifier error", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (k *keeper) snapshot(ctx context.Context) domain.PortfolioReport {
	return domain.PortfolioReport{
		GeneratedAt: time.Now(),
		Positions:   k.registry.GetAllPositions(),
		Fees:        k.optimizer.PortfolioSummary(ctx),
		Orders:      k.orders.GetStatistics(),
		Rebalance:   k.rebalancer.GetMetrics(),
		Stranded:    k.registry.Stranded(),
	}
}
