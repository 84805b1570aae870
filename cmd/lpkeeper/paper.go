package main

import (
	"log/slog"

	"github.com/alejandrodnm/lpkeeper/config"
	"github.com/alejandrodnm/lpkeeper/internal/adapters/paper"
	"github.com/alejandrodnm/lpkeeper/internal/domain"
)

// newPaperLedger siembra el ledger simulado con los pools y precios del config.
func newPaperLedger(cfg config.PaperConfig) (*paper.Ledger, paper.FixedGas) {
	l := paper.NewLedger()
	for _, p := range cfg.Pools {
		l.SetPrice(p.Token0, p.Token1, domain.FeeTier(p.Fee), p.Price)
	}
	for token, usd := range cfg.PricesUSD {
		l.SetTokenPriceUSD(token, usd)
	}
	slog.Info("=== PAPER MODE: simulated DEX ===", "pools", len(cfg.Pools), "priced_tokens", len(cfg.PricesUSD), "gas_usd", cfg.GasUSD)
	return l, paper.FixedGas(cfg.GasUSD)
}
