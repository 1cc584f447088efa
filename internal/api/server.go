// Package api exposes the read-only HTTP and WebSocket surface of the engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"polypulse/internal/engine"
	"polypulse/internal/history"
	"polypulse/internal/ledger"
	"polypulse/internal/market"
	"polypulse/internal/metrics"
	"polypulse/internal/performance"
	"polypulse/internal/stream"
)

const (
	defaultTradeLimit = 100
	maxTradeLimit     = 500
	defaultPnLLimit   = 100
	maxPnLLimit       = 1000
	maxMarketLimit    = 500
)

// Status reports engine health for the stats diagnostics block.
type Status interface {
	Running() bool
	SourceAvailable() bool
	SourceName() string
}

// Deps are the components the API reads from. Source, Status, Insight and
// Transport may be nil.
type Deps struct {
	Ledger         *ledger.Ledger
	Log            *history.Log
	Pipeline       *engine.Pipeline
	Cache          *market.Cache
	Source         market.Source
	Transport      *stream.Transport
	Status         Status
	Insight        interface{ Available() bool }
	InitialBalance float64
	AllowedOrigins []string
}

type Server struct {
	deps    Deps
	origins map[string]struct{}
	anyOrig bool
	now     func() time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		origins: make(map[string]struct{}, len(deps.AllowedOrigins)),
		now:     time.Now,
	}
	for _, o := range deps.AllowedOrigins {
		if o == "*" {
			s.anyOrig = true
		}
		s.origins[o] = struct{}{}
	}
	if len(deps.AllowedOrigins) == 0 {
		s.anyOrig = true
	}
	return s
}

// Router builds the chi router. WebSocket routes sit outside the request
// timeout.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&slogFormatter{}))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(s.cors)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", s.health)
		r.Handle("/metrics", metrics.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Get("/markets", s.markets)
			r.Get("/markets/{marketID}", s.market)
			r.Get("/markets/{marketID}/trades", s.marketTrades)
			r.Route("/trading", func(r chi.Router) {
				r.Get("/stats", s.stats)
				r.Get("/positions", s.positions)
				r.Get("/trades", s.trades)
				r.Get("/analyses", s.analyses)
				r.Get("/pnl-history", s.pnlHistory)
				r.Get("/report", s.report)
			})
		})
	})

	if s.deps.Transport != nil {
		r.Get("/ws/trades", s.stream(stream.ChannelTrades))
		r.Get("/ws/prices", s.stream(stream.ChannelPrices))
		r.Get("/ws/markets/{marketID}", func(w http.ResponseWriter, r *http.Request) {
			s.deps.Transport.Serve(w, r, stream.MarketChannel(chi.URLParam(r, "marketID")))
		})
	}
	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case s.anyOrig:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := s.origins[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) stream(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.deps.Transport.Serve(w, r, channel)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.deps.Status != nil && !s.deps.Status.Running() {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"service":   "polypulse",
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Ledger.Snapshot()
	stats := performance.Compute(snap, s.deps.Log)

	diag := &performance.Diagnostics{
		Trades:    s.deps.Log.Len(),
		Analyses:  s.deps.Pipeline.AnalysisCount(),
		Positions: len(snap.Positions),
	}
	if s.deps.Status != nil {
		diag.EngineRunning = s.deps.Status.Running()
		diag.SourceAvailable = s.deps.Status.SourceAvailable()
		diag.SourceName = s.deps.Status.SourceName()
	}
	if s.deps.Insight != nil {
		diag.InsightAvailable = s.deps.Insight.Available()
	}
	stats.Diagnostics = diag

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Ledger.Snapshot().Positions)
}

func (s *Server) trades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultTradeLimit, maxTradeLimit)
	if err != nil {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Log.Recent(limit))
}

func (s *Server) analyses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Analyses())
}

func (s *Server) pnlHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultPnLLimit, maxPnLLimit)
	if err != nil {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Log.Snapshots(limit))
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, performance.BuildReport(s.deps.Log, s.deps.InitialBalance, s.now()))
}

// markets pages through cached snapshots, highest volume first.
func (s *Server) markets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, maxMarketLimit, maxMarketLimit)
	if err != nil {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := queryOffset(r)
	if err != nil {
		writeError(w, "invalid offset", http.StatusBadRequest)
		return
	}

	var all []market.Market
	if s.deps.Cache != nil {
		all = s.deps.Cache.All()
	}
	markets := []market.Market{}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		markets = append(markets, all[offset:end]...)
	}
	writeJSON(w, http.StatusOK, markets)
}

// market serves one market from the cache, falling back to the source for
// markets outside the scanned set.
func (s *Server) market(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "marketID")
	if s.deps.Cache != nil {
		if m, ok := s.deps.Cache.Get(id); ok {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	if s.deps.Source == nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	m, err := s.deps.Source.FetchMarket(r.Context(), id)
	switch {
	case errors.Is(err, market.ErrMarketNotFound):
		writeError(w, "market not found", http.StatusNotFound)
	case errors.Is(err, market.ErrUpstreamTimeout):
		writeError(w, "market source timed out", http.StatusGatewayTimeout)
	case err != nil:
		slog.Warn("market lookup failed", "market", id, "error", err)
		writeError(w, "market source unavailable", http.StatusBadGateway)
	default:
		writeJSON(w, http.StatusOK, m)
	}
}

func (s *Server) marketTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultTradeLimit, maxTradeLimit)
	if err != nil {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	trades := s.deps.Log.RecentForMarket(chi.URLParam(r, "marketID"), limit)
	if trades == nil {
		trades = []history.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// queryLimit parses ?limit=, clamping it to [1, max].
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n, nil
}

// queryOffset parses ?offset=, rejecting negatives.
func queryOffset(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative offset %d", n)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
