package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"polypulse/internal/config"
	"polypulse/internal/db"
	"polypulse/internal/market"
)

// Collector periodically snapshots market data for backtesting.
type Collector struct {
	source market.Source
	db     *sql.DB
	cfg    config.CollectorConfig
	limit  int
	now    func() time.Time
}

func NewCollector(source market.Source, database *sql.DB, cfg config.CollectorConfig, limit int) *Collector {
	return &Collector{source: source, db: database, cfg: cfg, limit: limit, now: time.Now}
}

// Collect fetches markets and stores one snapshot per market. All snapshots
// from one call share a timestamp so a backtest can replay them as a tick.
func (c *Collector) Collect(ctx context.Context) error {
	markets, err := c.source.FetchMarkets(ctx, c.limit)
	if err != nil {
		return fmt.Errorf("fetching markets: %w", err)
	}
	return c.Store(ctx, markets)
}

// Store writes markets passing the liquidity filter.
func (c *Collector) Store(ctx context.Context, markets []market.Market) error {
	at := db.FormatTime(c.now())
	inserted, snapshotted := 0, 0
	for _, m := range markets {
		if m.Closed || m.Liquidity < c.cfg.MinLiquidity {
			continue
		}

		if err := c.upsertMarket(ctx, m); err != nil {
			slog.Warn("failed to upsert market", "id", m.ID, "error", err)
			continue
		}
		inserted++

		if err := c.snapshot(ctx, m, at); err != nil {
			slog.Warn("failed to snapshot market", "id", m.ID, "error", err)
			continue
		}
		snapshotted++
	}

	slog.Info("collection complete",
		"source", c.source.Name(),
		"markets_upserted", inserted,
		"snapshots_taken", snapshotted,
	)
	return nil
}

func (c *Collector) upsertMarket(ctx context.Context, m market.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("encoding outcomes: %w", err)
	}
	var endDate *string
	if !m.EndDate.IsZero() {
		s := db.FormatTime(m.EndDate)
		endDate = &s
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO markets (id, source, question, slug, outcomes, end_date, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			outcomes = excluded.outcomes,
			end_date = excluded.end_date,
			closed = excluded.closed,
			last_updated_at = datetime('now')`,
		m.ID, c.source.Name(), m.Question, m.Slug, string(outcomes), endDate, boolToInt(m.Closed),
	)
	return err
}

func (c *Collector) snapshot(ctx context.Context, m market.Market, at string) error {
	prices, err := json.Marshal(m.Prices)
	if err != nil {
		return fmt.Errorf("encoding prices: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO market_snapshots (market_id, prices, volume, volume_24h, liquidity, snapshot_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, string(prices), m.Volume, m.Volume24h, m.Liquidity, at,
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
