package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"polypulse/internal/collector"
	"polypulse/internal/config"
	"polypulse/internal/engine"
	"polypulse/internal/market"
	"polypulse/internal/metrics"
	"polypulse/internal/performance"
)

// Scheduler drives the trading loop. The tick goroutine is the only writer
// to the ledger; collection and reporting run on cron goroutines and only
// read shared state.
type Scheduler struct {
	source    market.Source
	cache     *market.Cache
	pipeline  *engine.Pipeline
	collector *collector.Collector
	tracker   *performance.Tracker
	cfg       config.ScheduleConfig
	fetch     config.SourceConfig
	now       func() time.Time

	running   atomic.Bool
	sourceOK  atomic.Bool
	lastTick  atomic.Int64
	tickCount atomic.Uint64
}

// New creates a new Scheduler. coll and tracker may be nil to disable those
// jobs.
func New(
	source market.Source,
	cache *market.Cache,
	pipeline *engine.Pipeline,
	coll *collector.Collector,
	tracker *performance.Tracker,
	cfg config.ScheduleConfig,
	fetch config.SourceConfig,
) *Scheduler {
	return &Scheduler{
		source:    source,
		cache:     cache,
		pipeline:  pipeline,
		collector: coll,
		tracker:   tracker,
		cfg:       cfg,
		fetch:     fetch,
		now:       time.Now,
	}
}

// Run starts the tick loop and cron jobs and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting",
		"tick_interval", s.cfg.TickInterval.Duration,
		"source", s.source.Name(),
		"collector_spec", s.cfg.CollectorSpec,
		"performance_spec", s.cfg.PerformanceSpec,
	)

	jobs := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if s.collector != nil && s.cfg.CollectorSpec != "" {
		if _, err := jobs.AddFunc(s.cfg.CollectorSpec, func() { s.runCollection(ctx) }); err != nil {
			return fmt.Errorf("scheduling collector %q: %w", s.cfg.CollectorSpec, err)
		}
	}
	if s.tracker != nil && s.cfg.PerformanceSpec != "" {
		if _, err := jobs.AddFunc(s.cfg.PerformanceSpec, s.runPerformanceReport); err != nil {
			return fmt.Errorf("scheduling performance report %q: %w", s.cfg.PerformanceSpec, err)
		}
	}
	jobs.Start()
	defer func() {
		<-jobs.Stop().Done()
	}()

	s.running.Store(true)
	defer s.running.Store(false)

	// Run first tick immediately.
	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler shutting down", "ticks", s.tickCount.Load())
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fetches markets and runs one pipeline step. A failed or slow fetch
// reuses the last good snapshots from the cache.
func (s *Scheduler) Tick(ctx context.Context) engine.StepResult {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	markets := s.fetchMarkets(ctx)
	markets = append(markets, s.fetchHeld(ctx, markets)...)
	res := s.pipeline.Step(ctx, markets, s.now())

	s.tickCount.Add(1)
	s.lastTick.Store(s.now().UnixNano())
	slog.Debug("tick complete",
		"markets", res.Markets,
		"analyzed", res.Analyzed,
		"repriced", res.Repriced,
		"trades", len(res.Trades),
		"rejected", res.Rejected,
		"net_worth", res.Snapshot.NetWorth.String(),
		"elapsed", time.Since(start),
	)
	return res
}

func (s *Scheduler) fetchMarkets(ctx context.Context) []market.Market {
	fctx, cancel := context.WithTimeout(ctx, s.fetch.Timeout.Duration)
	defer cancel()

	markets, err := s.source.FetchMarkets(fctx, s.fetch.Limit)
	if err == nil {
		s.sourceOK.Store(true)
		s.cache.SetAll(markets)
		s.cache.Prune()
		return markets
	}

	s.sourceOK.Store(false)
	kind := "upstream_unavailable"
	if errors.Is(err, market.ErrUpstreamTimeout) {
		kind = "upstream_timeout"
	}
	metrics.Recovered(kind)

	s.cache.Prune()
	stale := s.cache.All()
	slog.Warn("market fetch failed, using cached snapshots",
		"source", s.source.Name(),
		"error", err,
		"cached", len(stale),
	)
	return stale
}

// fetchHeld loads markets that hold a position but fell out of the batch,
// typically because they closed or dropped below the volume cut. Without them
// the position would never be repriced or settled.
func (s *Scheduler) fetchHeld(ctx context.Context, batch []market.Market) []market.Market {
	inBatch := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		inBatch[m.ID] = struct{}{}
	}
	var missing []string
	for _, id := range s.pipeline.OpenMarkets() {
		if _, ok := inBatch[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.fetch.Timeout.Duration)
	defer cancel()

	found := make([]market.Market, len(missing))
	fresh := make([]bool, len(missing))
	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup
	for i, id := range missing {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			m, err := s.source.FetchMarket(fctx, id)
			if err != nil {
				slog.Warn("failed to fetch held market", "market", id, "error", err)
				return
			}
			found[i], fresh[i] = m, true
		}(i, id)
	}
	wg.Wait()

	var fetched, out []market.Market
	for i, id := range missing {
		if fresh[i] {
			fetched = append(fetched, found[i])
			continue
		}
		// Stale snapshots are served but not re-cached.
		if m, ok := s.cache.Get(id); ok {
			out = append(out, m)
		}
	}
	s.cache.SetAll(fetched)
	out = append(out, fetched...)
	slog.Debug("fetched held markets", "missing", len(missing), "fetched", len(fetched), "cached", len(out)-len(fetched))
	return out
}

func (s *Scheduler) runCollection(ctx context.Context) {
	slog.Info("starting data collection")

	var err error
	if cached := s.cache.All(); len(cached) > 0 {
		err = s.collector.Store(ctx, cached)
	} else {
		fctx, cancel := context.WithTimeout(ctx, s.fetch.Timeout.Duration)
		err = s.collector.Collect(fctx)
		cancel()
	}
	if err != nil {
		metrics.Recovered("collector")
		slog.Error("collection failed", "error", err)
	}
}

func (s *Scheduler) runPerformanceReport() {
	report, err := s.tracker.Generate()
	if err != nil {
		metrics.Recovered("performance_report")
		slog.Error("performance report failed", "error", err)
		return
	}
	performance.LogReport(report)
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// SourceAvailable reports whether the last fetch succeeded.
func (s *Scheduler) SourceAvailable() bool { return s.sourceOK.Load() }

func (s *Scheduler) SourceName() string { return s.source.Name() }

// LastTick returns when the last tick finished, or the zero time.
func (s *Scheduler) LastTick() time.Time {
	n := s.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
