package performance

import (
	"math"
	"time"

	"polypulse/internal/history"
)

// Report contains all performance metrics.
type Report struct {
	GeneratedAt    time.Time                `json:"generatedAt"`
	TotalTrades    int                      `json:"totalTrades"`
	ClosingTrades  int                      `json:"closingTrades"`
	Wagered        float64                  `json:"wagered"`
	RealizedProfit float64                  `json:"realizedProfit"`
	ROI            float64                  `json:"roi"`
	WinRate        float64                  `json:"winRate"`
	PeakEquity     float64                  `json:"peakEquity"`
	MaxDrawdown    float64                  `json:"maxDrawdown"`
	Strategies     map[string]StrategyStats `json:"strategies"`
}

// StrategyStats contains per-strategy performance.
type StrategyStats struct {
	Trades        int     `json:"trades"`
	ClosingTrades int     `json:"closingTrades"`
	Wagered       float64 `json:"wagered"`
	Profit        float64 `json:"profit"`
	ROI           float64 `json:"roi"`
	WinRate       float64 `json:"winRate"`
}

// BuildReport computes the report from the in-memory log. Drawdown is
// measured on equity (initial balance plus total P&L) across the P&L history.
func BuildReport(log *history.Log, initialBalance float64, now time.Time) *Report {
	r := &Report{GeneratedAt: now, Strategies: make(map[string]StrategyStats)}
	if log == nil {
		return r
	}

	acc := newAccumulator()
	for _, t := range log.Recent(0) {
		var profit *float64
		if t.IsClosing() {
			p := t.Profit.InexactFloat64()
			profit = &p
		}
		acc.add(t.Strategy, string(t.Action), t.Size.InexactFloat64(), profit)
	}
	acc.finish(r)

	var equity []float64
	for _, s := range log.Snapshots(0) {
		equity = append(equity, initialBalance+s.PnL.InexactFloat64())
	}
	r.PeakEquity, r.MaxDrawdown = drawdown(equity)
	return r
}

// accumulator folds trades into overall and per-strategy totals. It is
// shared by the in-memory and SQL report paths.
type accumulator struct {
	overall    tally
	strategies map[string]*tally
}

type tally struct {
	trades, closing, wins int
	wagered, profit       float64
}

func newAccumulator() *accumulator {
	return &accumulator{strategies: make(map[string]*tally)}
}

func (a *accumulator) add(strategy, action string, size float64, profit *float64) {
	st, ok := a.strategies[strategy]
	if !ok {
		st = &tally{}
		a.strategies[strategy] = st
	}
	for _, t := range []*tally{&a.overall, st} {
		t.trades++
		if action == string(history.Buy) {
			t.wagered += size
		}
		if profit != nil {
			t.closing++
			t.profit += *profit
			if *profit > 0 {
				t.wins++
			}
		}
	}
}

func (a *accumulator) finish(r *Report) {
	o := a.overall
	r.TotalTrades = o.trades
	r.ClosingTrades = o.closing
	r.Wagered = o.wagered
	r.RealizedProfit = o.profit
	r.ROI = ratio(o.profit, o.wagered)
	r.WinRate = ratio(float64(o.wins), float64(o.closing))

	for name, t := range a.strategies {
		r.Strategies[name] = StrategyStats{
			Trades:        t.trades,
			ClosingTrades: t.closing,
			Wagered:       t.wagered,
			Profit:        t.profit,
			ROI:           ratio(t.profit, t.wagered),
			WinRate:       ratio(float64(t.wins), float64(t.closing)),
		}
	}
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// drawdown returns the running peak and the largest peak-to-trough decline
// as a fraction of the peak.
func drawdown(values []float64) (peak, maxDD float64) {
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			maxDD = math.Max(maxDD, (peak-v)/peak)
		}
	}
	return peak, maxDD
}
