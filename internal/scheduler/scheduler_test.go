package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polypulse/internal/analysis"
	"polypulse/internal/collector"
	"polypulse/internal/config"
	"polypulse/internal/db"
	"polypulse/internal/decision"
	"polypulse/internal/engine"
	"polypulse/internal/execution"
	"polypulse/internal/history"
	"polypulse/internal/ledger"
	"polypulse/internal/market"
	"polypulse/internal/risk"
)

type fakeSource struct {
	markets []market.Market
	err     error
	calls   int

	mu      sync.Mutex
	byID    map[string]market.Market
	lookups []string
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchMarkets(context.Context, int) ([]market.Market, error) {
	f.calls++
	return f.markets, f.err
}

func (f *fakeSource) FetchMarket(_ context.Context, id string) (market.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, id)
	if f.err != nil {
		return market.Market{}, f.err
	}
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return market.Market{}, market.ErrMarketNotFound
}

func testMarket(id string, yes float64) market.Market {
	m := market.Market{
		ID:        id,
		Question:  "Question " + id,
		Prices:    map[string]float64{"Yes": yes},
		Volume:    5000,
		Liquidity: 5000,
	}
	m.Normalize()
	return m
}

func newScheduler(t *testing.T, src market.Source) (*Scheduler, *market.Cache) {
	s, cache, _ := newSchedulerWithLedger(t, src)
	return s, cache
}

func newSchedulerWithLedger(t *testing.T, src market.Source) (*Scheduler, *market.Cache, *ledger.Ledger) {
	t.Helper()
	cfg := config.DefaultConfig()
	log := history.NewLog()
	book := ledger.New(decimal.NewFromFloat(cfg.Ledger.InitialBalance), log)
	budget := risk.NewManager(cfg.Decision)
	pipeline := engine.New(engine.Options{
		Analyzer: analysis.NewEngine(cfg.Analysis),
		Decider:  decision.NewRules(cfg.Decision, budget),
		Ledger:   book,
		Log:      log,
		Executor: execution.NewExecutor(book),
		Budget:   budget,
		Series:   market.NewSeries(cfg.Analysis.HistoryLength),
	})
	cache := market.NewCache(cfg.Source.StaleAfter.Duration)
	return New(src, cache, pipeline, nil, nil, cfg.Schedule, cfg.Source), cache, book
}

func TestTick_CachesFetchedMarkets(t *testing.T) {
	src := &fakeSource{markets: []market.Market{testMarket("m1", 0.5), testMarket("m2", 0.3)}}
	s, cache := newScheduler(t, src)

	res := s.Tick(context.Background())
	if res.Markets != 2 || res.Analyzed != 2 {
		t.Errorf("markets %d analyzed %d, want 2 and 2", res.Markets, res.Analyzed)
	}
	if !s.SourceAvailable() {
		t.Error("source should be available after a good fetch")
	}
	if got := len(cache.All()); got != 2 {
		t.Errorf("cached markets = %d, want 2", got)
	}
	if s.LastTick().IsZero() {
		t.Error("last tick not recorded")
	}
}

func TestTick_FallsBackToCacheOnFetchError(t *testing.T) {
	src := &fakeSource{markets: []market.Market{testMarket("m1", 0.5)}}
	s, _ := newScheduler(t, src)
	s.Tick(context.Background())

	src.markets = nil
	src.err = market.ErrUpstreamTimeout
	res := s.Tick(context.Background())

	if res.Markets != 1 {
		t.Errorf("markets = %d, want cached 1", res.Markets)
	}
	if s.SourceAvailable() {
		t.Error("source should be unavailable after a failed fetch")
	}
	if s.SourceName() != "fake" {
		t.Errorf("source name = %q", s.SourceName())
	}
}

func TestRunCollection_StoresCachedMarkets(t *testing.T) {
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.Migrate(database); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{markets: []market.Market{testMarket("m1", 0.5)}}
	s, _ := newScheduler(t, src)
	s.collector = collector.NewCollector(src, database, config.CollectorConfig{MinLiquidity: 1000}, 50)

	s.Tick(context.Background())
	s.runCollection(context.Background())

	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1 (collection reuses the cache)", src.calls)
	}
	var n int
	if err := database.QueryRow(`SELECT COUNT(*) FROM market_snapshots`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("snapshots = %d, want 1", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := &fakeSource{err: errors.New("offline")}
	s, _ := newScheduler(t, src)
	s.cfg.TickInterval = config.Duration{Duration: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Running() {
		t.Fatal("scheduler never started")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Running() {
		t.Error("still running after Run returned")
	}
}

func TestRun_RejectsBadCronSpec(t *testing.T) {
	src := &fakeSource{}
	s, _ := newScheduler(t, src)
	s.tracker = nil
	s.collector = &collector.Collector{}
	s.cfg.CollectorSpec = "not a spec"

	if err := s.Run(context.Background()); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestTick_FetchesHeldMarketsMissingFromBatch(t *testing.T) {
	src := &fakeSource{markets: []market.Market{testMarket("m2", 0.3)}}
	s, cache, book := newSchedulerWithLedger(t, src)

	_, _, err := book.Open(ledger.Order{
		MarketID: "m1", Outcome: "Yes", Side: ledger.Long,
		Price: decimal.RequireFromString("0.50"), Size: decimal.NewFromInt(100), Strategy: "rules",
	})
	if err != nil {
		t.Fatal(err)
	}
	src.byID = map[string]market.Market{"m1": testMarket("m1", 0.52)}

	res := s.Tick(context.Background())
	if res.Repriced != 1 {
		t.Errorf("repriced = %d, want 1", res.Repriced)
	}
	if len(src.lookups) != 1 || src.lookups[0] != "m1" {
		t.Errorf("lookups = %v, want [m1]", src.lookups)
	}
	if _, ok := cache.Get("m1"); !ok {
		t.Error("held market not cached")
	}
	pos := book.Snapshot().PositionsFor("m1")
	if len(pos) != 1 || !pos[0].CurrentPrice.Equal(decimal.RequireFromString("0.52")) {
		t.Errorf("position not repriced: %+v", pos)
	}

	// Once the market resolves the position is settled.
	closed := testMarket("m1", 1)
	closed.Closed = true
	src.byID["m1"] = closed
	res = s.Tick(context.Background())
	if len(res.Trades) != 1 || res.Trades[0].Reason != "market closed" {
		t.Fatalf("trades = %+v, want one settlement", res.Trades)
	}
	if n := len(book.Snapshot().Positions); n != 0 {
		t.Errorf("positions = %d after settlement, want 0", n)
	}
}
