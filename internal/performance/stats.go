// Package performance derives trading statistics and reports from the
// ledger, the in-memory trade log and the persisted journal.
package performance

import (
	"github.com/shopspring/decimal"

	"polypulse/internal/history"
	"polypulse/internal/ledger"
)

// TradingStats is recomputed on every query. Trade counts include only
// closing trades.
type TradingStats struct {
	Balance          decimal.Decimal `json:"balance"`
	InitialBalance   decimal.Decimal `json:"initialBalance"`
	RealizedProfit   decimal.Decimal `json:"realizedProfit"`
	UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
	TotalProfit      decimal.Decimal `json:"totalProfit"`
	NetWorth         decimal.Decimal `json:"netWorth"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	LosingTrades     int             `json:"losingTrades"`
	ActivePositions  int             `json:"activePositions"`
	// WinRate is a fraction in [0, 1].
	WinRate     float64      `json:"winRate"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

// Diagnostics describes the engine rather than the portfolio.
type Diagnostics struct {
	EngineRunning    bool   `json:"engineRunning"`
	Trades           int    `json:"trades"`
	Analyses         int    `json:"analyses"`
	Positions        int    `json:"positions"`
	InsightAvailable bool   `json:"insightAvailable"`
	SourceAvailable  bool   `json:"sourceAvailable"`
	SourceName       string `json:"sourceName"`
}

// Compute derives stats from a ledger snapshot and the trade log. A closing
// trade with profit above zero is a win; everything else is a loss.
func Compute(snap ledger.Snapshot, log *history.Log) TradingStats {
	s := TradingStats{
		Balance:          snap.Balance,
		InitialBalance:   snap.InitialBalance,
		RealizedProfit:   snap.RealizedProfit,
		UnrealizedProfit: snap.UnrealizedProfit,
		TotalProfit:      snap.RealizedProfit.Add(snap.UnrealizedProfit),
		NetWorth:         snap.NetWorth,
		ActivePositions:  len(snap.Positions),
	}
	if log == nil {
		return s
	}

	for _, t := range log.Closed() {
		s.TotalTrades++
		if t.Profit.IsPositive() {
			s.WinningTrades++
		} else {
			s.LosingTrades++
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	}
	return s
}
