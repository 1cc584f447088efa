package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonnyspicer/mango"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"polypulse/internal/analysis"
	"polypulse/internal/api"
	"polypulse/internal/backtest"
	"polypulse/internal/collector"
	"polypulse/internal/config"
	"polypulse/internal/db"
	"polypulse/internal/decision"
	"polypulse/internal/engine"
	"polypulse/internal/execution"
	"polypulse/internal/history"
	"polypulse/internal/insight"
	"polypulse/internal/journal"
	"polypulse/internal/ledger"
	"polypulse/internal/market"
	"polypulse/internal/performance"
	"polypulse/internal/risk"
	"polypulse/internal/scheduler"
	"polypulse/internal/stream"
)

func main() {
	backtestMode := flag.Bool("backtest", false, "Replay collected snapshots instead of trading live")
	backtestFrom := flag.String("from", "", "Backtest start date (YYYY-MM-DD)")
	backtestTo := flag.String("to", "", "Backtest end date (YYYY-MM-DD), inclusive")
	backtestBalance := flag.Float64("balance", 0, "Starting balance for backtest (default ledger.initial_balance)")
	watchURL := flag.String("watch", "", "Follow a running engine's WebSocket stream, e.g. ws://localhost:8000/ws/trades")
	configFlag := flag.String("config", "", "Path to config file (overrides POLYPULSE_CONFIG_PATH)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}

	configPath := "config.toml"
	if p := os.Getenv("POLYPULSE_CONFIG_PATH"); p != "" {
		configPath = p
	}
	if *configFlag != "" {
		configPath = *configFlag
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.General.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watchURL != "" {
		if err := watch(ctx, *watchURL, cfg.Stream.ReconnectDelay.Duration); err != nil {
			slog.Error("watch failed", "error", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("polypulse starting", "config", configPath)

	database, err := db.Open(cfg.General.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database initialized", "path", cfg.General.DBPath)

	if *backtestMode {
		balance := *backtestBalance
		if balance <= 0 {
			balance = cfg.Ledger.InitialBalance
		}
		runner := backtest.NewRunner(database, *cfg, balance)
		if _, err := runner.Run(ctx, *backtestFrom, *backtestTo); err != nil {
			slog.Error("backtest failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runLive(ctx, cfg, database); err != nil {
		slog.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("polypulse stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})))
}

func newSource(cfg config.SourceConfig) market.Source {
	if cfg.Provider == "manifold" {
		slog.Info("using manifold market source")
		return market.NewManifoldSource(mango.DefaultClientInstance(), cfg.Timeout.Duration)
	}
	slog.Info("using polymarket market source", "url", cfg.GammaURL)
	return market.NewPolymarketSource(cfg.GammaURL, cfg.Timeout.Duration)
}

func runLive(ctx context.Context, cfg *config.Config, database *sql.DB) error {
	source := newSource(cfg.Source)
	cache := market.NewCache(cfg.Source.StaleAfter.Duration)

	log := history.NewLog()
	book := ledger.New(decimal.NewFromFloat(cfg.Ledger.InitialBalance), log)
	hub := stream.NewHub(cfg.Stream, log.RecentForMarket)
	defer hub.Close()

	var mirror journal.Mirror
	if cfg.Redis.URL != "" {
		rm, err := journal.NewRedisMirror(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis mirror disabled", "error", err)
		} else {
			defer rm.Close()
			mirror = rm
			slog.Info("redis mirror enabled", "channel", cfg.Redis.Channel)
		}
	}
	jr := journal.New(database, db.RunLive, mirror)

	budget := risk.NewManager(cfg.Decision)
	rules := decision.NewRules(cfg.Decision, budget)
	var (
		decider     decision.Engine = rules
		insightDiag interface{ Available() bool }
	)
	if cfg.Insight.Enabled {
		client := insight.NewAnthropicClient(cfg.Insight)
		if client == nil {
			slog.Warn("insight enabled but ANTHROPIC_API_KEY is not set, using rules engine")
		} else {
			advised, err := decision.NewAdvised(client, rules)
			if err != nil {
				return fmt.Errorf("building insight engine: %w", err)
			}
			decider = advised
			insightDiag = advised
			slog.Info("insight engine enabled", "model", cfg.Insight.Model)
		}
	}

	pipeline := engine.New(engine.Options{
		Analyzer:   analysis.NewEngine(cfg.Analysis),
		Decider:    decider,
		Ledger:     book,
		Log:        log,
		Executor:   execution.NewExecutor(book, hub.PublishTrade, jr.RecordTrade),
		Budget:     budget,
		Series:     market.NewSeries(cfg.Analysis.HistoryLength),
		MaxMarkets: cfg.Analysis.MaxMarkets,
		Hooks: engine.Hooks{
			Price:    hub.PublishPrice,
			Snapshot: jr.RecordSnapshot,
		},
	})

	var coll *collector.Collector
	if cfg.Collector.Enabled {
		coll = collector.NewCollector(source, database, cfg.Collector, cfg.Source.Limit)
	}
	sched := scheduler.New(
		source, cache, pipeline, coll,
		performance.NewTracker(database, db.RunLive),
		cfg.Schedule, cfg.Source,
	)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Deps{
			Ledger:         book,
			Log:            log,
			Pipeline:       pipeline,
			Cache:          cache,
			Source:         source,
			Transport:      stream.NewTransport(hub, cfg.Stream, cfg.Server.AllowedOrigins),
			Status:         sched,
			Insight:        insightDiag,
			InitialBalance: cfg.Ledger.InitialBalance,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jr.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down http server")
		// Ending subscriptions sends a close frame to every WebSocket client.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func watch(ctx context.Context, url string, delay time.Duration) error {
	client := stream.NewClient(url, delay, func(m stream.Message) {
		slog.Info("stream event", "type", m.Type, "message", m.Message, "data", string(m.Data))
	})
	client.OnStateChange(func(s stream.State) {
		slog.Info("stream connection", "state", s.String(), "url", url)
	})
	return client.Run(ctx)
}
