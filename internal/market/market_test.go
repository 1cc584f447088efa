package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNormalize_DerivesBinaryComplement(t *testing.T) {
	m := Market{ID: "m1", Prices: map[string]float64{"Yes": 0.3}}
	m.Normalize()

	if len(m.Outcomes) != 2 || m.Outcomes[0] != "Yes" || m.Outcomes[1] != "No" {
		t.Fatalf("expected default outcomes, got %v", m.Outcomes)
	}
	if p, _ := m.Price("No"); p < 0.6999 || p > 0.7001 {
		t.Errorf("expected No price 0.7, got %f", p)
	}
}

func TestNormalize_ClampsPrices(t *testing.T) {
	m := Market{ID: "m1", Outcomes: []string{"A", "B"}, Prices: map[string]float64{"A": 1.4, "B": -0.2}}
	m.Normalize()
	if m.Prices["A"] != 1 || m.Prices["B"] != 0 {
		t.Errorf("expected clamped prices, got %v", m.Prices)
	}
}

const gammaFixture = `[
  {"id":"101","question":"Will it rain?","slug":"rain","image":"https://img/1.png",
   "volumeNum":1500.5,"volume24hr":120,"liquidityNum":900,
   "outcomes":"[\"Yes\", \"No\"]","outcomePrices":"[\"0.62\", \"0.38\"]",
   "endDate":"2030-01-01T00:00:00Z","closed":false},
  {"id":"102","question":"No outcomes listed","volumeNum":10,"outcomePrices":"[\"0.2\"]"},
  {"question":"missing id"}
]`

func TestParseGammaMarkets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	markets, err := parseGammaMarkets([]byte(gammaFixture), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(markets))
	}

	m := markets[0]
	if m.ID != "101" || m.Question != "Will it rain?" || m.Slug != "rain" {
		t.Errorf("unexpected identity fields: %+v", m)
	}
	if m.Volume != 1500.5 || m.Volume24h != 120 || m.Liquidity != 900 {
		t.Errorf("unexpected volume fields: %+v", m)
	}
	if m.Prices["Yes"] != 0.62 || m.Prices["No"] != 0.38 {
		t.Errorf("unexpected prices: %v", m.Prices)
	}
	if !m.FetchedAt.Equal(now) {
		t.Errorf("expected fetchedAt %s, got %s", now, m.FetchedAt)
	}

	// Defaults apply when outcomes are missing.
	m = markets[1]
	if m.Primary() != "Yes" || m.Opposite() != "No" {
		t.Errorf("expected default outcomes, got %v", m.Outcomes)
	}
	if p := m.Prices["No"]; p < 0.7999 || p > 0.8001 {
		t.Errorf("expected derived No price 0.8, got %f", p)
	}
}

func TestParseGammaMarkets_Invalid(t *testing.T) {
	if _, err := parseGammaMarkets([]byte("{not json"), time.Now()); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestPolymarketSource_FetchMarkets(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(gammaFixture))
	}))
	defer srv.Close()

	src := NewPolymarketSource(srv.URL+"/", time.Second)
	markets, err := src.FetchMarkets(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(markets))
	}
	for _, want := range []string{"limit=30", "active=true", "closed=false", "order=volumeNum", "ascending=false"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestPolymarketSource_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	src := NewPolymarketSource(srv.URL, 50*time.Millisecond)
	_, err := src.FetchMarkets(context.Background(), 10)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("expected ErrUpstreamTimeout, got %v", err)
	}
}

func TestPolymarketSource_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewPolymarketSource(srv.URL, time.Second)
	_, err := src.FetchMarkets(context.Background(), 10)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestPolymarketSource_FetchMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/123" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"123","question":"Resolved?","closed":true,
			"outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"1\",\"0\"]","volumeNum":10}`))
	}))
	defer srv.Close()

	src := NewPolymarketSource(srv.URL, time.Second)
	m, err := src.FetchMarket(context.Background(), "123")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Closed || m.Prices["Yes"] != 1 {
		t.Errorf("unexpected market %+v", m)
	}

	_, err = src.FetchMarket(context.Background(), "missing")
	if !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}
