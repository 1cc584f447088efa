package execution

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"polypulse/internal/decision"
	"polypulse/internal/history"
	"polypulse/internal/ledger"
	"polypulse/internal/metrics"
)

// ErrSkipped is returned for decisions on a market outcome that failed too
// many times in a row.
var ErrSkipped = errors.New("skipped after repeated failures")

const (
	maxConsecutiveFailures = 3
	// failureCooldown is how many cycles a skipped market outcome waits
	// before it is retried.
	failureCooldown = 5
)

// Sink receives every executed trade.
type Sink func(history.Trade)

// Executor applies decisions to the ledger. It is not safe for concurrent
// use; the tick loop is its only caller.
type Executor struct {
	ledger   *ledger.Ledger
	sinks    []Sink
	failures map[failureKey]failure
	cycle    uint64
}

type failureKey struct {
	marketID, outcome string
}

// failure remembers when a market outcome last failed and the balance at
// that time. A changed balance means the ledger moved and the decision may
// now succeed.
type failure struct {
	count   int
	cycle   uint64
	balance decimal.Decimal
}

func NewExecutor(l *ledger.Ledger, sinks ...Sink) *Executor {
	return &Executor{
		ledger:   l,
		sinks:    sinks,
		failures: make(map[failureKey]failure),
	}
}

// BeginCycle marks the start of a tick. Failure counts older than
// failureCooldown cycles expire.
func (e *Executor) BeginCycle() {
	e.cycle++
}

// Result records what happened when a decision was applied.
type Result struct {
	Decision decision.Decision
	Trade    *history.Trade
	Err      error
}

// Apply executes a BUY or SELL. HOLD is a no-op with a nil trade.
func (e *Executor) Apply(d decision.Decision, marketTitle string) Result {
	if d.Action == decision.Hold {
		return Result{Decision: d}
	}

	key := failureKey{d.MarketID, d.Outcome}
	if f, ok := e.failures[key]; ok && f.count >= maxConsecutiveFailures {
		if e.cycle-f.cycle < failureCooldown && e.ledger.Balance().Equal(f.balance) {
			slog.Debug("skipping repeatedly failed decision", "market", d.MarketID, "outcome", d.Outcome, "failures", f.count)
			return Result{Decision: d, Err: fmt.Errorf("%w: %s/%s failed %d times", ErrSkipped, d.MarketID, d.Outcome, f.count)}
		}
		delete(e.failures, key)
	}

	var (
		trade history.Trade
		err   error
	)
	switch d.Action {
	case decision.Buy:
		_, trade, err = e.ledger.Open(ledger.Order{
			MarketID:    d.MarketID,
			MarketTitle: marketTitle,
			Outcome:     d.Outcome,
			Side:        d.Side,
			Price:       d.Price,
			Size:        d.Size,
			Strategy:    d.Strategy,
			Reason:      d.Reason,
		})
	case decision.Sell:
		trade, err = e.ledger.Close(d.MarketID, d.Outcome, d.Price, d.Reason)
	default:
		err = fmt.Errorf("%w: unknown action %q", ledger.ErrInvalidOrder, d.Action)
	}

	if err != nil {
		f := e.failures[key]
		f.count++
		f.cycle = e.cycle
		f.balance = e.ledger.Balance()
		e.failures[key] = f
		metrics.Recovered(errorKind(err))
		slog.Warn("decision rejected by ledger",
			"market", d.MarketID,
			"outcome", d.Outcome,
			"action", d.Action,
			"error", err,
			"consecutive_failures", f.count,
		)
		return Result{Decision: d, Err: err}
	}
	delete(e.failures, key)

	metrics.TradesTotal.WithLabelValues(string(trade.Action), trade.Strategy).Inc()
	slog.Info("trade executed",
		"market", trade.MarketID,
		"action", trade.Action,
		"outcome", trade.Outcome,
		"side", trade.Side,
		"price", trade.Price.String(),
		"size", trade.Size.String(),
		"strategy", trade.Strategy,
		"reason", trade.Reason,
	)
	for _, sink := range e.sinks {
		sink(trade)
	}
	return Result{Decision: d, Trade: &trade}
}

// Forget clears failure counts for markets no longer tracked.
func (e *Executor) Forget(active map[string]struct{}) {
	for key := range e.failures {
		if _, ok := active[key.marketID]; !ok {
			delete(e.failures, key)
		}
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrDuplicatePosition):
		return "duplicate_position"
	case errors.Is(err, ledger.ErrNoOpenPosition):
		return "no_open_position"
	case errors.Is(err, ledger.ErrInvalidOrder):
		return "invalid_order"
	}
	return "execution"
}
