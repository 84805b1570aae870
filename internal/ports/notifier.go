package ports

import (
	"context"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
)

// Notifier presents the portfolio state to the operator.
type Notifier interface {
	// NotifyPortfolio renders one periodic snapshot. The console implementation
	// prints formatted tables.
	NotifyPortfolio(ctx context.Context, report domain.PortfolioReport) error
}
