// Package history is the authoritative, append-only record of simulated
// trades and P&L samples for the life of the process.
package history

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// Trade is immutable once appended. Profit is set only on SELL.
type Trade struct {
	ID          string           `json:"id"`
	MarketID    string           `json:"marketId"`
	MarketTitle string           `json:"marketTitle"`
	Timestamp   time.Time        `json:"timestamp"`
	Action      Action           `json:"action"`
	Outcome     string           `json:"outcome"`
	Side        string           `json:"side"`
	Price       decimal.Decimal  `json:"price"`
	Size        decimal.Decimal  `json:"size"`
	Reason      string           `json:"reason"`
	Profit      *decimal.Decimal `json:"profit,omitempty"`
	Strategy    string           `json:"strategy"`
}

// IsClosing reports whether the trade realized a profit or loss.
func (t Trade) IsClosing() bool {
	return t.Action == Sell && t.Profit != nil
}

type PnLSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	PnL       decimal.Decimal `json:"pnl"`
	Balance   decimal.Decimal `json:"balance"`
	NetWorth  decimal.Decimal `json:"netWorth"`
}

// Log holds trades in append order and P&L snapshots with strictly
// increasing timestamps.
type Log struct {
	mu        sync.RWMutex
	trades    []Trade
	snapshots []PnLSnapshot
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) AppendTrade(t Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = append(l.trades, t)
}

// Recent returns up to limit trades, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.trades[i])
	}
	return out
}

// RecentForMarket returns up to limit trades on one market, oldest first.
func (l *Log) RecentForMarket(marketID string, limit int) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Trade
	for i := len(l.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if l.trades[i].MarketID == marketID {
			out = append(out, l.trades[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Closed returns every closing trade in append order.
func (l *Log) Closed() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Trade
	for _, t := range l.trades {
		if t.IsClosing() {
			out = append(out, t)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}

// AppendSnapshot records a P&L sample. A timestamp not after the previous one
// is nudged forward by a nanosecond past it. The stored snapshot is returned.
func (l *Log) AppendSnapshot(s PnLSnapshot) PnLSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.snapshots); n > 0 {
		prev := l.snapshots[n-1].Timestamp
		if !s.Timestamp.After(prev) {
			s.Timestamp = prev.Add(time.Nanosecond)
		}
	}
	l.snapshots = append(l.snapshots, s)
	return s
}

// Snapshots returns the most recent limit samples in chronological order.
// limit <= 0 returns all.
func (l *Log) Snapshots(limit int) []PnLSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(l.snapshots) {
		start = len(l.snapshots) - limit
	}
	out := make([]PnLSnapshot, len(l.snapshots)-start)
	copy(out, l.snapshots[start:])
	return out
}
