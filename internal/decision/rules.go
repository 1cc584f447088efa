package decision

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"polypulse/internal/config"
	"polypulse/internal/ledger"
	"polypulse/internal/risk"
)

const RulesName = "algorithmic"

// Rules is the deterministic fallback engine: thresholds on the analysis
// score for entries, take-profit and stop-loss on signed return for exits.
type Rules struct {
	entryScore  float64
	neutralBand float64
	takeProfit  decimal.Decimal
	stopLoss    decimal.Decimal
	bearishMode string
	sizer       *risk.Manager
}

func NewRules(cfg config.DecisionConfig, sizer *risk.Manager) *Rules {
	return &Rules{
		entryScore:  cfg.EntryScore,
		neutralBand: cfg.NeutralBand,
		takeProfit:  decimal.NewFromFloat(cfg.TakeProfit),
		stopLoss:    decimal.NewFromFloat(cfg.StopLoss),
		bearishMode: cfg.BearishMode,
		sizer:       sizer,
	}
}

func (r *Rules) Name() string { return RulesName }

func (r *Rules) Decide(_ context.Context, in Input) (Decision, error) {
	m, a := in.Market, in.Analysis

	if open := in.Ledger.PositionsFor(m.ID); len(open) > 0 {
		return r.manage(in, open[0]), nil
	}

	if math.Abs(a.Score) < r.entryScore {
		return hold(m.ID, "no signal", RulesName), nil
	}

	outcome, side := m.Primary(), ledger.Long
	direction := "bullish"
	if a.Score < 0 {
		direction = "bearish"
		if r.bearishMode == "short_primary" {
			side = ledger.Short
		} else {
			outcome = m.Opposite()
		}
	}
	if outcome == "" {
		return hold(m.ID, "no opposite outcome", RulesName), nil
	}

	price, ok := priceOf(m, outcome)
	if !ok {
		return hold(m.ID, "no tradable price", RulesName), nil
	}
	size, ok := r.sizer.Size(in.Ledger.Balance)
	if !ok {
		return hold(m.ID, "insufficient balance for minimum trade", RulesName), nil
	}

	return Decision{
		Action:   Buy,
		MarketID: m.ID,
		Outcome:  outcome,
		Side:     side,
		Size:     size,
		Price:    price,
		Reason: fmt.Sprintf("strong %s signal (score %.1f, trend %.2f, momentum %.2f, volume $%.0f)",
			direction, a.Score, a.Trend, a.Momentum, m.Volume),
		Strategy: RulesName,
	}, nil
}

// manage decides whether an open position should be closed.
func (r *Rules) manage(in Input, pos ledger.Position) Decision {
	price := pos.CurrentPrice
	if p, ok := in.Market.Price(pos.Outcome); ok {
		price = decimal.NewFromFloat(p)
	}
	ret := ledger.SignedReturn(pos.Side, pos.EntryPrice, price)

	var reason string
	switch {
	case ret.GreaterThanOrEqual(r.takeProfit):
		reason = "take profit"
	case ret.LessThanOrEqual(r.stopLoss.Neg()):
		reason = "stop loss"
	case math.Abs(in.Analysis.Score) < r.neutralBand:
		reason = "signal faded"
	default:
		return hold(pos.MarketID, "holding position", RulesName)
	}

	return Decision{
		Action:   Sell,
		MarketID: pos.MarketID,
		Outcome:  pos.Outcome,
		Side:     pos.Side,
		Size:     pos.Size,
		Price:    price,
		Reason:   reason,
		Strategy: RulesName,
	}
}
