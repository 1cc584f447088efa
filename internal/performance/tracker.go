package performance

import (
	"database/sql"
	"fmt"
	"time"
)

// Tracker computes the report from journaled rows, so it covers every
// session recorded in the database rather than just this process.
type Tracker struct {
	db  *sql.DB
	run string
	now func() time.Time
}

func NewTracker(db *sql.DB, run string) *Tracker {
	return &Tracker{db: db, run: run, now: time.Now}
}

// Generate computes the full performance report.
func (t *Tracker) Generate() (*Report, error) {
	r := &Report{
		GeneratedAt: t.now(),
		Strategies:  make(map[string]StrategyStats),
	}

	if err := t.computeTrades(r); err != nil {
		return nil, fmt.Errorf("computing trade stats: %w", err)
	}
	if err := t.computeDrawdown(r); err != nil {
		return nil, fmt.Errorf("computing drawdown: %w", err)
	}

	return r, nil
}

func (t *Tracker) computeTrades(r *Report) error {
	rows, err := t.db.Query(`
		SELECT strategy, action, CAST(size AS REAL), CAST(profit AS REAL)
		FROM trades WHERE run = ?
		ORDER BY executed_at`, t.run)
	if err != nil {
		return err
	}
	defer rows.Close()

	acc := newAccumulator()
	for rows.Next() {
		var (
			strategy, action string
			size             float64
			profit           sql.NullFloat64
		)
		if err := rows.Scan(&strategy, &action, &size, &profit); err != nil {
			return err
		}
		var p *float64
		if profit.Valid {
			p = &profit.Float64
		}
		acc.add(strategy, action, size, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	acc.finish(r)
	return nil
}

func (t *Tracker) computeDrawdown(r *Report) error {
	rows, err := t.db.Query(`
		SELECT CAST(equity AS REAL) FROM pnl_snapshots
		WHERE run = ? ORDER BY snapshot_at ASC`, t.run)
	if err != nil {
		return err
	}
	defer rows.Close()

	var equity []float64
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return err
		}
		equity = append(equity, value)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	r.PeakEquity, r.MaxDrawdown = drawdown(equity)
	return nil
}
