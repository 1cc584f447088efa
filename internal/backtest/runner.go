package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polypulse/internal/analysis"
	"polypulse/internal/config"
	"polypulse/internal/db"
	"polypulse/internal/decision"
	"polypulse/internal/engine"
	"polypulse/internal/execution"
	"polypulse/internal/history"
	"polypulse/internal/journal"
	"polypulse/internal/ledger"
	"polypulse/internal/market"
	"polypulse/internal/performance"
	"polypulse/internal/risk"
)

// Runner replays collected market snapshots through the trading pipeline
// with a fresh ledger and the rules engine.
type Runner struct {
	db           *sql.DB
	cfg          config.Config
	startBalance float64
}

func NewRunner(database *sql.DB, cfg config.Config, startBalance float64) *Runner {
	return &Runner{
		db:           database,
		cfg:          cfg,
		startBalance: startBalance,
	}
}

// Run executes the backtest over the given date range and returns its report.
// Trades and P&L samples are journaled under the backtest run label,
// replacing any previous backtest.
func (r *Runner) Run(ctx context.Context, fromStr, toStr string) (*performance.Report, error) {
	from, to, err := parseDateRange(fromStr, toStr)
	if err != nil {
		return nil, err
	}

	slog.Info("backtest starting", "from", from.Format("2006-01-02"), "to", to.Format("2006-01-02"), "balance", r.startBalance)

	timestamps, err := r.loadSnapshotTimestamps(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot timestamps: %w", err)
	}
	if len(timestamps) == 0 {
		return nil, fmt.Errorf("no market snapshots found in range %s to %s", fromStr, toStr)
	}

	slog.Info("loaded snapshot timestamps", "count", len(timestamps))

	if err := r.reset(ctx); err != nil {
		return nil, err
	}

	log := history.NewLog()
	book := ledger.New(decimal.NewFromFloat(r.startBalance), log)
	jr := journal.New(r.db, db.RunBacktest, nil)
	budget := risk.NewManager(r.cfg.Decision)

	pipeline := engine.New(engine.Options{
		Analyzer: analysis.NewEngine(r.cfg.Analysis),
		Decider:  decision.NewRules(r.cfg.Decision, budget),
		Ledger:   book,
		Log:      log,
		Executor: execution.NewExecutor(book, func(t history.Trade) {
			if err := jr.WriteTrade(ctx, t); err != nil {
				slog.Warn("failed to record backtest trade", "error", err)
			}
		}),
		Budget:     budget,
		Series:     market.NewSeries(r.cfg.Analysis.HistoryLength),
		MaxMarkets: r.cfg.Analysis.MaxMarkets,
		Hooks: engine.Hooks{
			Snapshot: func(s history.PnLSnapshot, equity decimal.Decimal) {
				if err := jr.WriteSnapshot(ctx, s, equity); err != nil {
					slog.Warn("failed to record backtest pnl", "error", err)
				}
			},
		},
	})

	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		markets, err := r.loadMarketsAtTimestamp(ctx, ts)
		if err != nil {
			slog.Warn("failed to load markets at timestamp", "timestamp", ts, "error", err)
			continue
		}
		at, err := db.ParseTime(ts)
		if err != nil {
			slog.Warn("skipping snapshot with bad timestamp", "timestamp", ts, "error", err)
			continue
		}
		pipeline.Step(ctx, markets, at)
	}

	snap := book.Snapshot()
	report := performance.BuildReport(log, r.startBalance, time.Now())
	slog.Info("backtest results",
		"period", fmt.Sprintf("%s to %s", from.Format("2006-01-02"), to.Format("2006-01-02")),
		"snapshots_processed", len(timestamps),
		"trades", report.TotalTrades,
		"starting_balance", r.startBalance,
		"final_balance", snap.Balance.String(),
		"net_worth", snap.NetWorth.String(),
		"open_positions", len(snap.Positions),
	)
	performance.LogReport(report)
	return report, nil
}

func parseDateRange(fromStr, toStr string) (time.Time, time.Time, error) {
	var from, to time.Time

	if fromStr == "" {
		from = time.Now().AddDate(-1, 0, 0)
	} else {
		var err error
		from, err = time.Parse("2006-01-02", fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing from date: %w", err)
		}
	}

	if toStr == "" {
		to = time.Now()
	} else {
		var err error
		to, err = time.Parse("2006-01-02", toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing to date: %w", err)
		}
		// The end date is inclusive.
		to = to.Add(24*time.Hour - time.Microsecond)
	}

	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest range ends before it starts: %s > %s", fromStr, toStr)
	}
	return from, to, nil
}

func (r *Runner) reset(ctx context.Context) error {
	for _, table := range []string{"trades", "pnl_snapshots"} {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE run = ?`, db.RunBacktest); err != nil {
			return fmt.Errorf("clearing previous backtest %s: %w", table, err)
		}
	}
	return nil
}

func (r *Runner) loadSnapshotTimestamps(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT snapshot_at FROM market_snapshots
		WHERE snapshot_at >= ? AND snapshot_at <= ?
		ORDER BY snapshot_at`,
		db.FormatTime(from),
		db.FormatTime(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timestamps []string
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		timestamps = append(timestamps, ts)
	}
	return timestamps, rows.Err()
}

func (r *Runner) loadMarketsAtTimestamp(ctx context.Context, ts string) ([]market.Market, error) {
	at, err := db.ParseTime(ts)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.question, m.slug, m.outcomes,
		       s.prices, s.volume, s.volume_24h, s.liquidity
		FROM market_snapshots s
		JOIN markets m ON m.id = s.market_id
		WHERE s.snapshot_at = ?`,
		ts,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []market.Market
	for rows.Next() {
		var (
			m        market.Market
			outcomes string
			prices   string
		)
		if err := rows.Scan(
			&m.ID, &m.Question, &m.Slug, &outcomes,
			&prices, &m.Volume, &m.Volume24h, &m.Liquidity,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
			return nil, fmt.Errorf("decoding outcomes for %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(prices), &m.Prices); err != nil {
			return nil, fmt.Errorf("decoding prices for %s: %w", m.ID, err)
		}
		m.FetchedAt = at
		m.Normalize()
		markets = append(markets, m)
	}

	return markets, rows.Err()
}
