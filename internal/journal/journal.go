// Package journal persists trades and P&L samples behind the in-memory log
// and optionally mirrors them to Redis pub/sub.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"polypulse/internal/db"
	"polypulse/internal/history"
	"polypulse/internal/metrics"
)

const queueSize = 1024

// Mirror receives a copy of every journaled record.
type Mirror interface {
	Publish(ctx context.Context, payload []byte) error
}

// Record is the envelope written to the mirror.
type Record struct {
	Kind     string               `json:"kind"`
	Run      string               `json:"run"`
	Trade    *history.Trade       `json:"trade,omitempty"`
	Snapshot *history.PnLSnapshot `json:"snapshot,omitempty"`
	Equity   *decimal.Decimal     `json:"equity,omitempty"`
}

// Journal writes records on its own goroutine so the tick loop never waits
// on disk or network.
type Journal struct {
	db     *sql.DB
	run    string
	mirror Mirror
	queue  chan Record
}

func New(database *sql.DB, run string, mirror Mirror) *Journal {
	return &Journal{
		db:     database,
		run:    run,
		mirror: mirror,
		queue:  make(chan Record, queueSize),
	}
}

// RecordTrade queues a trade. A full queue drops the record.
func (j *Journal) RecordTrade(t history.Trade) {
	j.enqueue(Record{Kind: "trade", Run: j.run, Trade: &t})
}

// RecordSnapshot queues a P&L sample with its equity.
func (j *Journal) RecordSnapshot(s history.PnLSnapshot, equity decimal.Decimal) {
	j.enqueue(Record{Kind: "pnl", Run: j.run, Snapshot: &s, Equity: &equity})
}

func (j *Journal) enqueue(r Record) {
	select {
	case j.queue <- r:
	default:
		metrics.Recovered("journal_queue_full")
		slog.Warn("journal queue full, dropping record", "kind", r.Kind)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	// Writes already dequeued finish even after shutdown starts.
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case r := <-j.queue:
			j.write(wctx, r)
		case <-ctx.Done():
			j.flush(wctx)
			return nil
		}
	}
}

func (j *Journal) flush(ctx context.Context) {
	for {
		select {
		case r := <-j.queue:
			j.write(ctx, r)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, r Record) {
	var err error
	switch r.Kind {
	case "trade":
		err = j.WriteTrade(ctx, *r.Trade)
	case "pnl":
		err = j.WriteSnapshot(ctx, *r.Snapshot, *r.Equity)
	}
	if err != nil {
		metrics.Recovered("journal_write")
		slog.Warn("journal write failed", "kind", r.Kind, "error", err)
	}

	if j.mirror == nil {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		slog.Warn("encoding journal record", "kind", r.Kind, "error", err)
		return
	}
	if err := j.mirror.Publish(ctx, payload); err != nil {
		metrics.Recovered("journal_mirror")
		slog.Warn("journal mirror publish failed", "kind", r.Kind, "error", err)
	}
}

// WriteTrade inserts a trade synchronously.
func (j *Journal) WriteTrade(ctx context.Context, t history.Trade) error {
	var profit *string
	if t.Profit != nil {
		s := t.Profit.String()
		profit = &s
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (id, run, market_id, market_title, action, outcome, side, price, size, profit, reason, strategy, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, j.run, t.MarketID, t.MarketTitle, string(t.Action), t.Outcome, t.Side,
		t.Price.String(), t.Size.String(), profit, t.Reason, t.Strategy, db.FormatTime(t.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting trade %s: %w", t.ID, err)
	}
	return nil
}

// WriteSnapshot inserts a P&L sample synchronously.
func (j *Journal) WriteSnapshot(ctx context.Context, s history.PnLSnapshot, equity decimal.Decimal) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO pnl_snapshots (run, pnl, balance, net_worth, equity, snapshot_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.run, s.PnL.String(), s.Balance.String(), s.NetWorth.String(), equity.String(), db.FormatTime(s.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting pnl snapshot: %w", err)
	}
	return nil
}

// Trades loads journaled trades for this run, oldest first.
func (j *Journal) Trades(ctx context.Context, limit int) ([]history.Trade, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, market_id, market_title, action, outcome, side, price, size, profit, reason, strategy, executed_at
		FROM (
			SELECT * FROM trades WHERE run = ? ORDER BY executed_at DESC LIMIT ?
		) ORDER BY executed_at ASC`, j.run, limit)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []history.Trade
	for rows.Next() {
		var (
			t                history.Trade
			action, price    string
			size, executedAt string
			profit           sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.MarketID, &t.MarketTitle, &action, &t.Outcome, &t.Side,
			&price, &size, &profit, &t.Reason, &t.Strategy, &executedAt); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Action = history.Action(action)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}
		if t.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("trade %s size: %w", t.ID, err)
		}
		if profit.Valid {
			p, err := decimal.NewFromString(profit.String)
			if err != nil {
				return nil, fmt.Errorf("trade %s profit: %w", t.ID, err)
			}
			t.Profit = &p
		}
		if t.Timestamp, err = db.ParseTime(executedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
