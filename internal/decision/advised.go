package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"polypulse/internal/insight"
	"polypulse/internal/ledger"
	"polypulse/internal/metrics"
)

const InsightName = "insight"

var hundred = decimal.NewFromInt(100)

// Advised asks the insight service first and falls back to Rules on any
// transport error, timeout or reply that fails validation.
type Advised struct {
	client insight.Client
	rules  *Rules
	schema *jsonschema.Schema
}

func NewAdvised(client insight.Client, rules *Rules) (*Advised, error) {
	schema, err := compileReplySchema()
	if err != nil {
		return nil, err
	}
	return &Advised{client: client, rules: rules, schema: schema}, nil
}

func (a *Advised) Name() string { return InsightName }

// Available reports whether decisions will go to the insight service.
func (a *Advised) Available() bool {
	return a.client != nil && a.client.Available()
}

func (a *Advised) Decide(ctx context.Context, in Input) (Decision, error) {
	if !a.Available() {
		return a.rules.Decide(ctx, in)
	}

	d, err := a.advise(ctx, in)
	if err != nil {
		metrics.Recovered(failureKind(err))
		slog.Warn("insight decision failed, falling back to rules",
			"market", in.Market.ID,
			"error", err,
		)
		return a.rules.Decide(ctx, in)
	}
	return d, nil
}

func (a *Advised) advise(ctx context.Context, in Input) (Decision, error) {
	start := time.Now()
	raw, err := a.client.Complete(ctx, systemPrompt, buildPrompt(in, a.rules))
	metrics.InsightLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return Decision{}, err
	}

	r, err := parseReply(a.schema, raw)
	if err != nil {
		return Decision{}, err
	}
	return a.toDecision(in, r)
}

func (a *Advised) toDecision(in Input, r reply) (Decision, error) {
	m := in.Market

	switch r.Action {
	case Hold:
		return hold(m.ID, r.Reason, InsightName), nil

	case Buy:
		if !hasOutcome(m.Outcomes, r.Outcome) {
			return Decision{}, fmt.Errorf("%w: unknown outcome %q", ErrMalformedResponse, r.Outcome)
		}
		if len(in.Ledger.PositionsFor(m.ID)) > 0 {
			return Decision{}, fmt.Errorf("%w: buy on market with open position", ErrMalformedResponse)
		}
		if r.Size <= 0 {
			return Decision{}, fmt.Errorf("%w: buy without size", ErrMalformedResponse)
		}
		price, ok := priceOf(m, r.Outcome)
		if !ok {
			return hold(m.ID, "no tradable price", InsightName), nil
		}
		size, ok := a.rules.sizer.Cap(decimal.NewFromFloat(r.Size), in.Ledger.Balance)
		if !ok {
			return hold(m.ID, "stake below minimum trade", InsightName), nil
		}
		return Decision{
			Action:   Buy,
			MarketID: m.ID,
			Outcome:  r.Outcome,
			Side:     ledger.Long,
			Size:     size,
			Price:    price,
			Reason:   r.Reason,
			Strategy: InsightName,
		}, nil

	case Sell:
		for _, p := range in.Ledger.PositionsFor(m.ID) {
			if p.Outcome != r.Outcome {
				continue
			}
			price := p.CurrentPrice
			if q, ok := m.Price(p.Outcome); ok {
				price = decimal.NewFromFloat(q)
			}
			return Decision{
				Action:   Sell,
				MarketID: m.ID,
				Outcome:  p.Outcome,
				Side:     p.Side,
				Size:     p.Size,
				Price:    price,
				Reason:   r.Reason,
				Strategy: InsightName,
			}, nil
		}
		return Decision{}, fmt.Errorf("%w: sell without open position on %q", ErrMalformedResponse, r.Outcome)
	}
	return Decision{}, fmt.Errorf("%w: action %q", ErrMalformedResponse, r.Action)
}

func hasOutcome(outcomes []string, o string) bool {
	for _, x := range outcomes {
		if x == o {
			return true
		}
	}
	return false
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, insight.ErrUpstreamTimeout):
		return "insight_timeout"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "insight_unavailable"
	}
}
