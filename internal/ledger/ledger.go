// Package ledger holds the simulated cash balance and open positions. All
// mutations go through one write lock; readers take consistent snapshots.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polypulse/internal/history"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicatePosition   = errors.New("position already open")
	ErrNoOpenPosition      = errors.New("no open position")
	ErrInvalidOrder        = errors.New("invalid order")
)

// Side is the direction of a position relative to its outcome price.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

func (s Side) Valid() bool { return s == Long || s == Short }

// SignedReturn is the fractional return of a position: (current-entry)/entry
// for Long, negated for Short. A zero entry yields zero.
func SignedReturn(side Side, entry, current decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	r := current.Sub(entry).Div(entry)
	if side == Short {
		return r.Neg()
	}
	return r
}

type Position struct {
	MarketID      string          `json:"marketId"`
	MarketTitle   string          `json:"marketTitle"`
	Outcome       string          `json:"outcome"`
	Side          Side            `json:"side"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	Size          decimal.Decimal `json:"size"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	EntryTime     time.Time       `json:"entryTime"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Strategy      string          `json:"strategy"`
}

// Return is the position's signed return at its current price.
func (p Position) Return() decimal.Decimal {
	return SignedReturn(p.Side, p.EntryPrice, p.CurrentPrice)
}

// pnl is size times the signed return, floored at losing the whole stake.
func pnl(side Side, size, entry, current decimal.Decimal) decimal.Decimal {
	v := size.Mul(SignedReturn(side, entry, current))
	if floor := size.Neg(); v.LessThan(floor) {
		return floor
	}
	return v
}

type key struct {
	marketID string
	outcome  string
}

// Order describes a position to open.
type Order struct {
	MarketID    string
	MarketTitle string
	Outcome     string
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	Strategy    string
	Reason      string
}

func (o Order) validate() error {
	switch {
	case o.MarketID == "" || o.Outcome == "":
		return fmt.Errorf("%w: market and outcome required", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	case !o.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	case !o.Price.IsPositive() || o.Price.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: price %s outside (0, 1]", ErrInvalidOrder, o.Price)
	}
	return nil
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	initial   decimal.Decimal
	balance   decimal.Decimal
	realized  decimal.Decimal
	positions map[key]*Position
	log       *history.Log
	now       func() time.Time
}

func New(initialBalance decimal.Decimal, log *history.Log) *Ledger {
	return &Ledger{
		initial:   initialBalance,
		balance:   initialBalance,
		positions: make(map[key]*Position),
		log:       log,
		now:       time.Now,
	}
}

// WithClock replaces the ledger's time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Open debits the order size, records the position and appends a BUY trade.
func (l *Ledger) Open(o Order) (Position, history.Trade, error) {
	if err := o.validate(); err != nil {
		return Position{}, history.Trade{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{o.MarketID, o.Outcome}
	if _, ok := l.positions[k]; ok {
		return Position{}, history.Trade{}, fmt.Errorf("%w: %s/%s", ErrDuplicatePosition, o.MarketID, o.Outcome)
	}
	if o.Size.GreaterThan(l.balance) {
		return Position{}, history.Trade{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, o.Size, l.balance)
	}

	now := l.now()
	pos := &Position{
		MarketID:      o.MarketID,
		MarketTitle:   o.MarketTitle,
		Outcome:       o.Outcome,
		Side:          o.Side,
		EntryPrice:    o.Price,
		Size:          o.Size,
		CurrentPrice:  o.Price,
		EntryTime:     now,
		UnrealizedPnL: decimal.Zero,
		Strategy:      o.Strategy,
	}
	l.positions[k] = pos
	l.balance = l.balance.Sub(o.Size)

	trade := history.Trade{
		ID:          uuid.NewString(),
		MarketID:    o.MarketID,
		MarketTitle: o.MarketTitle,
		Timestamp:   now,
		Action:      history.Buy,
		Outcome:     o.Outcome,
		Side:        string(o.Side),
		Price:       o.Price,
		Size:        o.Size,
		Reason:      o.Reason,
		Strategy:    o.Strategy,
	}
	if l.log != nil {
		l.log.AppendTrade(trade)
	}
	return *pos, trade, nil
}

// Close realizes the position at price, credits stake plus profit and
// appends a SELL trade carrying the profit.
func (l *Ledger) Close(marketID, outcome string, price decimal.Decimal, reason string) (history.Trade, error) {
	if price.IsNegative() {
		return history.Trade{}, fmt.Errorf("%w: negative price", ErrInvalidOrder)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{marketID, outcome}
	pos, ok := l.positions[k]
	if !ok {
		return history.Trade{}, fmt.Errorf("%w: %s/%s", ErrNoOpenPosition, marketID, outcome)
	}

	profit := pnl(pos.Side, pos.Size, pos.EntryPrice, price)
	l.balance = l.balance.Add(pos.Size).Add(profit)
	l.realized = l.realized.Add(profit)
	delete(l.positions, k)

	trade := history.Trade{
		ID:          uuid.NewString(),
		MarketID:    pos.MarketID,
		MarketTitle: pos.MarketTitle,
		Timestamp:   l.now(),
		Action:      history.Sell,
		Outcome:     pos.Outcome,
		Side:        string(pos.Side),
		Price:       price,
		Size:        pos.Size,
		Reason:      reason,
		Profit:      &profit,
		Strategy:    pos.Strategy,
	}
	if l.log != nil {
		l.log.AppendTrade(trade)
	}
	return trade, nil
}

// Reprice marks every open position on marketID to the given outcome prices.
// It returns how many positions were updated. Balance is never touched.
func (l *Ledger) Reprice(marketID string, prices map[string]decimal.Decimal) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	updated := 0
	for k, pos := range l.positions {
		if k.marketID != marketID {
			continue
		}
		price, ok := prices[k.outcome]
		if !ok {
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = pnl(pos.Side, pos.Size, pos.EntryPrice, price)
		updated++
	}
	return updated
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	Balance          decimal.Decimal `json:"balance"`
	InitialBalance   decimal.Decimal `json:"initialBalance"`
	RealizedProfit   decimal.Decimal `json:"realizedProfit"`
	UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
	// NetWorth is balance plus unrealized P&L; open stakes are in Invested.
	NetWorth  decimal.Decimal `json:"netWorth"`
	Invested  decimal.Decimal `json:"invested"`
	Positions []Position      `json:"positions"`
}

// PositionsFor returns the open positions on one market.
func (s Snapshot) PositionsFor(marketID string) []Position {
	var out []Position
	for _, p := range s.Positions {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out
}

// Balance returns the cash balance.
func (l *Ledger) Balance() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Snapshot{
		Balance:          l.balance,
		InitialBalance:   l.initial,
		RealizedProfit:   l.realized,
		UnrealizedProfit: decimal.Zero,
		Invested:         decimal.Zero,
		Positions:        make([]Position, 0, len(l.positions)),
	}
	for _, p := range l.positions {
		s.Positions = append(s.Positions, *p)
		s.UnrealizedProfit = s.UnrealizedProfit.Add(p.UnrealizedPnL)
	}
	sort.Slice(s.Positions, func(i, j int) bool {
		a, b := s.Positions[i], s.Positions[j]
		if !a.EntryTime.Equal(b.EntryTime) {
			return a.EntryTime.Before(b.EntryTime)
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Outcome < b.Outcome
	})
	for _, p := range s.Positions {
		s.Invested = s.Invested.Add(p.Size)
	}
	s.NetWorth = s.Balance.Add(s.UnrealizedProfit)
	return s
}
