package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyPortfolio imprime el snapshot en el modo configurado.
func (c *Console) NotifyPortfolio(_ context.Context, r domain.PortfolioReport) error {
	if c.table {
		c.printFull(r)
	} else {
		c.printCompact(r)
	}
	c.printStranded(r.Stranded)
	return nil
}

// printCompact imprime lo esencial en una línea.
func (c *Console) printCompact(r domain.PortfolioReport) {
	inRange := 0
	for _, p := range r.Positions {
		if p.InRange {
			inRange++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %d pos (%d in range) | value $%.2f | fees $%.2f ($%.2f/day, APR %.1f%%)",
		r.GeneratedAt.Format("15:04:05"),
		len(r.Positions), inRange,
		r.Fees.TotalValueUSD, r.Fees.TotalFeesUSD, r.Fees.DailyFeeRateUSD, r.Fees.WeightedAPR,
	)
	fmt.Fprintf(&sb, " | orders %d active/%d filled", r.Orders.Active, r.Orders.Filled)
	fmt.Fprintf(&sb, " | actions %d ok/%d failed", r.Rebalance.ActionsCompleted, r.Rebalance.ActionsFailed)
	if r.Fees.Failed > 0 {
		fmt.Fprintf(&sb, " | %d unpriced", r.Fees.Failed)
	}
	fmt.Fprintln(c.out, sb.String())
}

// printFull imprime las tablas de posiciones y los resúmenes.
func (c *Console) printFull(r domain.PortfolioReport) {
	fmt.Fprintf(c.out, "\n========================================================\n")
	fmt.Fprintf(c.out, "  PORTFOLIO %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(c.out, "========================================================\n\n")

	if len(r.Positions) == 0 {
		fmt.Fprintln(c.out, "  No open positions.")
	} else {
		c.printPositions(r)
	}

	fmt.Fprintf(c.out, "\n  --- FEES ---\n")
	fmt.Fprintf(c.out, "  Position value:        $%.2f\n", r.Fees.TotalValueUSD)
	fmt.Fprintf(c.out, "  Uncollected fees:      $%.4f\n", r.Fees.TotalFeesUSD)
	fmt.Fprintf(c.out, "  Daily fee rate:        $%.4f/day\n", r.Fees.DailyFeeRateUSD)
	fmt.Fprintf(c.out, "  Weighted APR:          %.1f%%\n", r.Fees.WeightedAPR)
	if r.Fees.Failed > 0 {
		fmt.Fprintf(c.out, "  Unpriced positions:    %d of %d\n", r.Fees.Failed, r.Fees.Total)
	}

	fmt.Fprintf(c.out, "\n  --- RANGE ORDERS ---\n")
	fmt.Fprintf(c.out, "  Active / filled:       %d / %d\n", r.Orders.Active, r.Orders.Filled)
	fmt.Fprintf(c.out, "  Cancelled / expired:   %d / %d\n", r.Orders.Cancelled, r.Orders.Expired)
	fmt.Fprintf(c.out, "  Volume:                %s\n", r.Orders.TotalVolume.StringFixed(4))
	fmt.Fprintf(c.out, "  Success rate:          %.1f%%\n", r.Orders.SuccessRate*100)

	m := r.Rebalance
	fmt.Fprintf(c.out, "\n  --- REBALANCING ---\n")
	fmt.Fprintf(c.out, "  Signals generated:     %d\n", m.SignalsGenerated)
	fmt.Fprintf(c.out, "  Actions queued:        %d\n", m.ActionsQueued)
	fmt.Fprintf(c.out, "  Completed / failed:    %d / %d\n", m.ActionsCompleted, m.ActionsFailed)
	fmt.Fprintf(c.out, "  Cancelled:             %d\n", m.ActionsCancelled)
	fmt.Fprintf(c.out, "  Success rate:          %.1f%%\n", m.SuccessRate*100)
	fmt.Fprintf(c.out, "  Avg benefit/cost:      %.2f\n", m.AvgBenefitCostRatio)
	if !m.LastCheck.IsZero() {
		fmt.Fprintf(c.out, "  Last check:            %s\n", m.LastCheck.Format("15:04:05"))
	}
	fmt.Fprintln(c.out)
}

func (c *Console) printPositions(r domain.PortfolioReport) {
	fees := make(map[string]domain.FeeAnalytics, len(r.Fees.Positions))
	for _, f := range r.Fees.Positions {
		fees[f.PositionID] = f
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Pool", "Range", "Liquidity", "In range", "Util", "Value$", "Fees$", "APR")
	for _, p := range r.Positions {
		f, priced := fees[p.ID]
		value, feesUSD, apr := "-", "-", "-"
		if priced {
			value = fmt.Sprintf("$%.2f", f.PositionValueUSD)
			feesUSD = fmt.Sprintf("$%.4f", f.TotalFeesUSD)
			apr = fmt.Sprintf("%.1f%%", f.EstimatedAPR)
		}
		inRange := "no"
		if p.InRange {
			inRange = "yes"
		}
		table.Append(
			truncate(p.ID, 18),
			fmt.Sprintf("%s/%s %.2f%%", p.Token0, p.Token1, p.Fee.Rate()*100),
			fmt.Sprintf("%.6g-%.6g", p.MinPrice, p.MaxPrice),
			p.Liquidity.StringFixed(2),
			inRange,
			fmt.Sprintf("%.0f%%", p.Utilization()*100),
			value,
			feesUSD,
			apr,
		)
	}
	table.Render()

	fmt.Fprintln(c.out, "  Util = tiempo en rango / tiempo observado")
}

// printStranded avisa de capital retirado que no se pudo volver a depositar.
func (c *Console) printStranded(stranded []domain.PartialRebalanceError) {
	for _, s := range stranded {
		fmt.Fprintf(c.out, "  !! MANUAL ACTION: %s stranded at %s with %s / %s withdrawn\n",
			s.PositionID, s.Stage, s.Amount0.String(), s.Amount1.String())
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
