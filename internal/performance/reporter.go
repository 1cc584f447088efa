package performance

import (
	"log/slog"
	"sort"
)

// LogReport logs the performance report as structured JSON.
func LogReport(r *Report) {
	slog.Info("performance report",
		"total_trades", r.TotalTrades,
		"closing_trades", r.ClosingTrades,
		"wagered", r.Wagered,
		"realized_profit", r.RealizedProfit,
		"roi", r.ROI,
		"win_rate", r.WinRate,
		"peak_equity", r.PeakEquity,
		"max_drawdown", r.MaxDrawdown,
	)

	names := make([]string, 0, len(r.Strategies))
	for name := range r.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stats := r.Strategies[name]
		slog.Info("strategy performance",
			"strategy", name,
			"trades", stats.Trades,
			"closing_trades", stats.ClosingTrades,
			"wagered", stats.Wagered,
			"profit", stats.Profit,
			"roi", stats.ROI,
			"win_rate", stats.WinRate,
		)
	}
}
