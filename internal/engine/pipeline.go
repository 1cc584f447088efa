// Package engine runs one tick of the trading pipeline: record prices,
// analyze, reprice, decide, apply and sample P&L. The live scheduler and the
// backtest replay drive the same pipeline.
package engine

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polypulse/internal/analysis"
	"polypulse/internal/decision"
	"polypulse/internal/execution"
	"polypulse/internal/history"
	"polypulse/internal/ledger"
	"polypulse/internal/market"
	"polypulse/internal/metrics"
	"polypulse/internal/risk"
	"polypulse/internal/stream"
)

// Hooks receive pipeline output. Nil hooks are skipped.
type Hooks struct {
	Price    func(stream.PriceUpdate) bool
	Snapshot func(s history.PnLSnapshot, equity decimal.Decimal)
}

type Pipeline struct {
	analyzer   *analysis.Engine
	decider    decision.Engine
	ledger     *ledger.Ledger
	log        *history.Log
	executor   *execution.Executor
	budget     *risk.Manager
	series     *market.Series
	maxMarkets int
	hooks      Hooks

	mu       sync.RWMutex
	analyses map[string]analysis.MarketAnalysis

	lastPrices map[string]float64
}

type Options struct {
	Analyzer   *analysis.Engine
	Decider    decision.Engine
	Ledger     *ledger.Ledger
	Log        *history.Log
	Executor   *execution.Executor
	Budget     *risk.Manager
	Series     *market.Series
	MaxMarkets int
	Hooks      Hooks
}

func New(o Options) *Pipeline {
	return &Pipeline{
		analyzer:   o.Analyzer,
		decider:    o.Decider,
		ledger:     o.Ledger,
		log:        o.Log,
		executor:   o.Executor,
		budget:     o.Budget,
		series:     o.Series,
		maxMarkets: o.MaxMarkets,
		hooks:      o.Hooks,
		analyses:   make(map[string]analysis.MarketAnalysis),
		lastPrices: make(map[string]float64),
	}
}

// StepResult summarizes one tick.
type StepResult struct {
	Markets  int
	Analyzed int
	Repriced int
	Trades   []history.Trade
	Rejected int
	Snapshot history.PnLSnapshot
}

// Step runs the pipeline over one batch of market snapshots. All open
// positions are repriced before any decision is made, and the P&L sample is
// taken after every trade of the tick.
func (p *Pipeline) Step(ctx context.Context, markets []market.Market, at time.Time) StepResult {
	res := StepResult{Markets: len(markets)}

	byID := make(map[string]market.Market, len(markets))
	for _, m := range markets {
		byID[m.ID] = m
		p.series.Record(m)
	}

	open := make(map[string]struct{})
	for _, pos := range p.ledger.Snapshot().Positions {
		open[pos.MarketID] = struct{}{}
	}

	selected := p.selectMarkets(markets, open)
	analyses := make(map[string]analysis.MarketAnalysis, len(selected))
	for _, m := range selected {
		a := p.analyzer.Analyze(p.series.Window(m.ID))
		a.Question = m.Question
		analyses[m.ID] = a
	}
	res.Analyzed = len(analyses)
	p.mu.Lock()
	p.analyses = analyses
	p.mu.Unlock()

	for id := range open {
		m, ok := byID[id]
		if !ok {
			continue
		}
		res.Repriced += p.ledger.Reprice(id, decimalPrices(m))
	}

	p.executor.BeginCycle()
	res.Trades = append(res.Trades, p.settleClosed(byID)...)

	p.budget.BeginCycle()
	for _, m := range orderByConviction(selected, analyses, open) {
		if ctx.Err() != nil {
			break
		}
		_, hasPosition := open[m.ID]
		if !hasPosition && !p.budget.CanTrade() {
			continue
		}

		d, err := p.decider.Decide(ctx, decision.Input{
			Analysis: analyses[m.ID],
			Market:   m,
			Ledger:   p.ledger.Snapshot(),
		})
		if err != nil {
			metrics.Recovered("decision")
			slog.Warn("decision failed", "market", m.ID, "error", err)
			continue
		}
		metrics.DecisionsTotal.WithLabelValues(string(d.Action), d.Strategy).Inc()

		r := p.executor.Apply(d, m.Question)
		if r.Err != nil {
			res.Rejected++
			continue
		}
		if r.Trade != nil {
			res.Trades = append(res.Trades, *r.Trade)
			if r.Trade.Action == history.Buy {
				p.budget.RecordTrade()
			}
		}
	}

	snap := p.ledger.Snapshot()
	sample := history.PnLSnapshot{
		Timestamp: at,
		PnL:       snap.RealizedProfit.Add(snap.UnrealizedProfit),
		Balance:   snap.Balance,
		NetWorth:  snap.NetWorth,
	}
	if p.log != nil {
		sample = p.log.AppendSnapshot(sample)
	}
	res.Snapshot = sample
	if p.hooks.Snapshot != nil {
		p.hooks.Snapshot(sample, snap.InitialBalance.Add(sample.PnL))
	}

	p.publishPrices(markets, at)

	keep := make(map[string]struct{}, len(byID)+len(snap.Positions))
	for id := range byID {
		keep[id] = struct{}{}
	}
	for _, pos := range snap.Positions {
		keep[pos.MarketID] = struct{}{}
	}
	p.series.Retain(keep)
	p.executor.Forget(keep)
	for id := range p.lastPrices {
		if _, ok := keep[id]; !ok {
			delete(p.lastPrices, id)
		}
	}

	metrics.ActiveMarkets.Set(float64(res.Analyzed))
	metrics.OpenPositions.Set(float64(len(snap.Positions)))
	metrics.Balance.Set(snap.Balance.InexactFloat64())
	metrics.NetWorth.Set(snap.NetWorth.InexactFloat64())
	return res
}

// settleClosed exits every position whose market has closed at the market's
// final price for that outcome. Closed markets are never selected for
// analysis, so nothing else would release the stake.
func (p *Pipeline) settleClosed(byID map[string]market.Market) []history.Trade {
	var trades []history.Trade
	for _, pos := range p.ledger.Snapshot().Positions {
		m, ok := byID[pos.MarketID]
		if !ok || !m.Closed {
			continue
		}
		price, ok := m.Price(pos.Outcome)
		if !ok {
			slog.Warn("closed market has no price for held outcome", "market", m.ID, "outcome", pos.Outcome)
			continue
		}
		r := p.executor.Apply(decision.Decision{
			Action:   decision.Sell,
			MarketID: pos.MarketID,
			Outcome:  pos.Outcome,
			Side:     pos.Side,
			Price:    decimal.NewFromFloat(price),
			Reason:   "market closed",
			Strategy: pos.Strategy,
		}, m.Question)
		if r.Trade != nil {
			trades = append(trades, *r.Trade)
		}
	}
	return trades
}

// OpenMarkets returns the ids of markets holding at least one position.
func (p *Pipeline) OpenMarkets() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, pos := range p.ledger.Snapshot().Positions {
		if _, ok := seen[pos.MarketID]; ok {
			continue
		}
		seen[pos.MarketID] = struct{}{}
		ids = append(ids, pos.MarketID)
	}
	sort.Strings(ids)
	return ids
}

// selectMarkets keeps open, priced markets, highest volume first, capped at
// maxMarkets. Markets holding a position are always included.
func (p *Pipeline) selectMarkets(markets []market.Market, open map[string]struct{}) []market.Market {
	candidates := make([]market.Market, 0, len(markets))
	for _, m := range markets {
		if m.Closed {
			continue
		}
		if _, ok := m.Price(m.Primary()); !ok {
			continue
		}
		candidates = append(candidates, m)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Volume != candidates[j].Volume {
			return candidates[i].Volume > candidates[j].Volume
		}
		return candidates[i].ID < candidates[j].ID
	})

	if p.maxMarkets <= 0 || len(candidates) <= p.maxMarkets {
		return candidates
	}
	out := candidates[:p.maxMarkets:p.maxMarkets]
	for _, m := range candidates[p.maxMarkets:] {
		if _, ok := open[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

// orderByConviction puts markets holding a position first so exits are not
// starved by the trade budget, then the strongest signals.
func orderByConviction(markets []market.Market, analyses map[string]analysis.MarketAnalysis, open map[string]struct{}) []market.Market {
	out := append([]market.Market(nil), markets...)
	sort.SliceStable(out, func(i, j int) bool {
		_, oi := open[out[i].ID]
		_, oj := open[out[j].ID]
		if oi != oj {
			return oi
		}
		return math.Abs(analyses[out[i].ID].Score) > math.Abs(analyses[out[j].ID].Score)
	})
	return out
}

func (p *Pipeline) publishPrices(markets []market.Market, at time.Time) {
	for _, m := range markets {
		price, ok := m.Price(m.Primary())
		if !ok {
			continue
		}
		prev, seen := p.lastPrices[m.ID]
		p.lastPrices[m.ID] = price
		if !seen || prev == price || p.hooks.Price == nil {
			continue
		}
		p.hooks.Price(stream.NewPriceUpdate(m.ID, m.Question, prev, price, at))
	}
}

func decimalPrices(m market.Market) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.Prices))
	for o, v := range m.Prices {
		out[o] = decimal.NewFromFloat(v)
	}
	return out
}

// Analyses returns the latest analyses ordered by absolute score, strongest
// first.
func (p *Pipeline) Analyses() []analysis.MarketAnalysis {
	p.mu.RLock()
	out := make([]analysis.MarketAnalysis, 0, len(p.analyses))
	for _, a := range p.analyses {
		out = append(out, a)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := math.Abs(out[i].Score), math.Abs(out[j].Score)
		if si != sj {
			return si > sj
		}
		return out[i].MarketID < out[j].MarketID
	})
	return out
}

// AnalysisCount is the number of markets analyzed in the last tick.
func (p *Pipeline) AnalysisCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.analyses)
}
