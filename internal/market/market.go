package market

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUpstreamTimeout is returned when the market data source does not
	// answer within the configured timeout.
	ErrUpstreamTimeout = errors.New("market source timed out")
	// ErrUpstreamUnavailable is returned for transport failures and non-2xx
	// responses.
	ErrUpstreamUnavailable = errors.New("market source unavailable")
	// ErrMarketNotFound is returned by FetchMarket for an unknown id.
	ErrMarketNotFound = errors.New("market not found")
)

// DefaultOutcomes is used when a source omits the outcome list.
var DefaultOutcomes = []string{"Yes", "No"}

// Source fetches the current set of active markets, or one market by id.
type Source interface {
	Name() string
	FetchMarkets(ctx context.Context, limit int) ([]Market, error)
	FetchMarket(ctx context.Context, id string) (Market, error)
}

// Market is a point-in-time view of a prediction market.
type Market struct {
	ID        string             `json:"id"`
	Question  string             `json:"question"`
	Slug      string             `json:"slug,omitempty"`
	Image     string             `json:"image,omitempty"`
	Outcomes  []string           `json:"outcomes"`
	Prices    map[string]float64 `json:"prices"`
	Volume    float64            `json:"volume"`
	Volume24h float64            `json:"volume24h"`
	Liquidity float64            `json:"liquidity"`
	EndDate   time.Time          `json:"endDate,omitempty"`
	Closed    bool               `json:"closed"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

// Primary returns the first listed outcome, the one the price series tracks.
func (m Market) Primary() string {
	if len(m.Outcomes) == 0 {
		return DefaultOutcomes[0]
	}
	return m.Outcomes[0]
}

// Opposite returns the second listed outcome, or "" for single-outcome markets.
func (m Market) Opposite() string {
	if len(m.Outcomes) < 2 {
		return ""
	}
	return m.Outcomes[1]
}

// Price returns the current price of outcome.
func (m Market) Price(outcome string) (float64, bool) {
	p, ok := m.Prices[outcome]
	return p, ok
}

// Normalize fills default outcomes, clamps prices to [0,1] and derives the
// missing side of a binary market as 1 - other.
func (m *Market) Normalize() {
	if len(m.Outcomes) == 0 {
		m.Outcomes = append([]string(nil), DefaultOutcomes...)
	}
	if m.Prices == nil {
		m.Prices = make(map[string]float64, len(m.Outcomes))
	}
	for k, v := range m.Prices {
		m.Prices[k] = clamp01(v)
	}

	if len(m.Outcomes) == 2 {
		a, b := m.Outcomes[0], m.Outcomes[1]
		pa, okA := m.Prices[a]
		pb, okB := m.Prices[b]
		switch {
		case okA && !okB:
			m.Prices[b] = clamp01(1 - pa)
		case okB && !okA:
			m.Prices[a] = clamp01(1 - pb)
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
