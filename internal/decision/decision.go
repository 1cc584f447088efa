// Package decision turns market analyses into BUY, SELL or HOLD decisions.
// Engines read a ledger snapshot and never mutate the ledger.
package decision

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"polypulse/internal/analysis"
	"polypulse/internal/ledger"
	"polypulse/internal/market"
)

// ErrMalformedResponse is returned when an insight reply fails validation.
var ErrMalformedResponse = errors.New("malformed insight response")

type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// Engine decides what to do with one market.
type Engine interface {
	Name() string
	Decide(ctx context.Context, in Input) (Decision, error)
}

// Input is everything an engine may look at for one market.
type Input struct {
	Analysis analysis.MarketAnalysis
	Market   market.Market
	Ledger   ledger.Snapshot
}

type Decision struct {
	Action   Action          `json:"action"`
	MarketID string          `json:"marketId"`
	Outcome  string          `json:"outcome,omitempty"`
	Side     ledger.Side     `json:"side,omitempty"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason"`
	Strategy string          `json:"strategy"`
}

func hold(marketID, reason, strategy string) Decision {
	return Decision{Action: Hold, MarketID: marketID, Reason: reason, Strategy: strategy}
}

// priceOf returns the outcome's price as a decimal, ok only for a tradable
// quote strictly inside (0, 1).
func priceOf(m market.Market, outcome string) (decimal.Decimal, bool) {
	p, ok := m.Price(outcome)
	if !ok || p <= 0 || p >= 1 {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(p), true
}
