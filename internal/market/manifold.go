package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonnyspicer/mango"
)

// ManifoldSource reads open Manifold markets through the mango client. Binary
// markets map to Yes/No outcomes; multiple-choice markets use answer texts.
type ManifoldSource struct {
	client  *mango.Client
	timeout time.Duration
}

func NewManifoldSource(client *mango.Client, timeout time.Duration) *ManifoldSource {
	return &ManifoldSource{client: client, timeout: timeout}
}

func (s *ManifoldSource) Name() string { return "manifold" }

// FetchMarkets searches open markets by liquidity. mango is not context
// aware, so the call runs in a goroutine and is abandoned on timeout.
func (s *ManifoldSource) FetchMarkets(ctx context.Context, limit int) ([]Market, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	type result struct {
		markets []Market
		err     error
	}
	done := make(chan result, 1)
	go func() {
		markets, err := s.search(int64(limit))
		done <- result{markets, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("searching manifold markets: %w", ErrUpstreamTimeout)
	case r := <-done:
		return r.markets, r.err
	}
}

// FetchMarket loads a single market, open or resolved, by ID.
func (s *ManifoldSource) FetchMarket(ctx context.Context, id string) (Market, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	type result struct {
		fm  *mango.FullMarket
		err error
	}
	done := make(chan result, 1)
	go func() {
		fm, err := s.client.GetMarketByID(id)
		done <- result{fm, err}
	}()

	select {
	case <-ctx.Done():
		return Market{}, fmt.Errorf("fetching manifold market %s: %w", id, ErrUpstreamTimeout)
	case r := <-done:
		if r.err != nil {
			if strings.Contains(r.err.Error(), "404") {
				return Market{}, fmt.Errorf("manifold market %s: %w", id, ErrMarketNotFound)
			}
			return Market{}, fmt.Errorf("fetching manifold market %s: %w: %v", id, ErrUpstreamUnavailable, r.err)
		}
		if r.fm == nil || r.fm.Id == "" {
			return Market{}, fmt.Errorf("manifold market %s: %w", id, ErrMarketNotFound)
		}
		return fullMarketToMarket(*r.fm, time.Now().UTC()), nil
	}
}

func (s *ManifoldSource) search(limit int64) ([]Market, error) {
	found, err := s.client.SearchMarkets(mango.SearchMarketsRequest{
		Filter: "open",
		Sort:   "liquidity",
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("searching manifold markets: %w: %v", ErrUpstreamUnavailable, err)
	}
	if found == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	result := make([]Market, 0, len(*found))
	var multi []int
	for _, fm := range *found {
		m := fullMarketToMarket(fm, now)
		if fm.OutcomeType == mango.MultipleChoice && len(fm.Answers) == 0 {
			multi = append(multi, len(result))
		}
		result = append(result, m)
	}

	// Search results omit answers for multiple-choice markets.
	s.enrichAnswers(result, multi, now)

	slog.Debug("scanned manifold markets", "count", len(result), "multi_choice", len(multi))
	return result, nil
}

func (s *ManifoldSource) enrichAnswers(markets []Market, idx []int, now time.Time) {
	if len(idx) == 0 {
		return
	}

	type fetchResult struct {
		idx    int
		market Market
	}
	results := make(chan fetchResult, len(idx))
	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, i := range idx {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fm, err := s.client.GetMarketByID(markets[i].ID)
			if err != nil {
				slog.Warn("failed to fetch market answers", "market", markets[i].ID, "error", err)
				return
			}
			if fm == nil {
				return
			}
			results <- fetchResult{idx: i, market: fullMarketToMarket(*fm, now)}
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		markets[r.idx] = r.market
	}
}

func fullMarketToMarket(fm mango.FullMarket, fetchedAt time.Time) Market {
	m := Market{
		ID:        fm.Id,
		Question:  fm.Question,
		Volume:    fm.Volume,
		Volume24h: fm.Volume24Hours,
		Liquidity: fm.TotalLiquidity,
		Closed:    fm.IsResolved,
		FetchedAt: fetchedAt,
	}
	if fm.CloseTime > 0 {
		m.EndDate = time.UnixMilli(fm.CloseTime).UTC()
	}

	if len(fm.Answers) > 0 {
		m.Prices = make(map[string]float64, len(fm.Answers))
		for _, a := range fm.Answers {
			m.Outcomes = append(m.Outcomes, a.Text)
			m.Prices[a.Text] = a.Probability
		}
	} else {
		m.Outcomes = append([]string(nil), DefaultOutcomes...)
		m.Prices = map[string]float64{DefaultOutcomes[0]: fm.Probability}
	}

	m.Normalize()
	return m
}
