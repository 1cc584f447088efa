package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PolymarketSource reads active markets from the public Gamma API.
type PolymarketSource struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	now     func() time.Time
}

func NewPolymarketSource(baseURL string, timeout time.Duration) *PolymarketSource {
	return &PolymarketSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *PolymarketSource) Name() string { return "polymarket" }

// FetchMarkets returns open markets ordered by total volume, highest first.
func (s *PolymarketSource) FetchMarkets(ctx context.Context, limit int) ([]Market, error) {
	now := s.now().UTC()
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", "0")
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("order", "volumeNum")
	q.Set("ascending", "false")
	q.Set("end_date_min", now.Format(time.RFC3339))

	body, err := s.get(ctx, "/markets?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetching gamma markets: %w", err)
	}
	return parseGammaMarkets(body, now)
}

// FetchMarket returns one market by id, closed or not.
func (s *PolymarketSource) FetchMarket(ctx context.Context, id string) (Market, error) {
	now := s.now().UTC()
	body, err := s.get(ctx, "/markets/"+url.PathEscape(id))
	if err != nil {
		return Market{}, fmt.Errorf("fetching gamma market %s: %w", id, err)
	}
	if !gjson.ValidBytes(body) {
		return Market{}, fmt.Errorf("gamma market %s is not valid json: %w", id, ErrUpstreamUnavailable)
	}
	m, ok := parseGammaMarket(gjson.ParseBytes(body), now)
	if !ok {
		return Market{}, fmt.Errorf("gamma market %s: %w", id, ErrMarketNotFound)
	}
	return m, nil
}

func (s *PolymarketSource) get(ctx context.Context, path string) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building gamma request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w: %v", ErrUpstreamUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrMarketNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("gamma returned %d: %w", resp.StatusCode, ErrUpstreamUnavailable)
	}
	return body, nil
}

func parseGammaMarkets(body []byte, fetchedAt time.Time) ([]Market, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("gamma response is not valid json: %w", ErrUpstreamUnavailable)
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		// Some deployments wrap the list as {"data": [...]}.
		root = root.Get("data")
		if !root.IsArray() {
			return nil, fmt.Errorf("gamma response has no market list: %w", ErrUpstreamUnavailable)
		}
	}

	var markets []Market
	root.ForEach(func(_, item gjson.Result) bool {
		m, ok := parseGammaMarket(item, fetchedAt)
		if ok {
			markets = append(markets, m)
		}
		return true
	})
	return markets, nil
}

func parseGammaMarket(item gjson.Result, fetchedAt time.Time) (Market, bool) {
	id := item.Get("id").String()
	if id == "" {
		return Market{}, false
	}

	m := Market{
		ID:        id,
		Question:  item.Get("question").String(),
		Slug:      item.Get("slug").String(),
		Image:     item.Get("image").String(),
		Volume:    firstNumber(item, "volumeNum", "volume"),
		Volume24h: firstNumber(item, "volume24hr", "volume24hrClob"),
		Liquidity: firstNumber(item, "liquidityNum", "liquidity"),
		Closed:    item.Get("closed").Bool(),
		FetchedAt: fetchedAt,
	}
	if end := item.Get("endDate").String(); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			m.EndDate = t
		}
	}

	for _, o := range embeddedArray(item.Get("outcomes")) {
		m.Outcomes = append(m.Outcomes, o.String())
	}
	if len(m.Outcomes) == 0 {
		m.Outcomes = append([]string(nil), DefaultOutcomes...)
	}

	prices := embeddedArray(item.Get("outcomePrices"))
	m.Prices = make(map[string]float64, len(m.Outcomes))
	for i, outcome := range m.Outcomes {
		if i < len(prices) {
			m.Prices[outcome] = prices[i].Float()
		}
	}

	m.Normalize()
	return m, true
}

// embeddedArray decodes fields Gamma sends as JSON-encoded strings
// ("[\"Yes\",\"No\"]") as well as plain arrays.
func embeddedArray(r gjson.Result) []gjson.Result {
	if r.Type == gjson.String {
		r = gjson.Parse(r.Str)
	}
	if !r.IsArray() {
		return nil
	}
	return r.Array()
}

func firstNumber(item gjson.Result, paths ...string) float64 {
	for _, p := range paths {
		if v := item.Get(p); v.Exists() {
			return v.Float()
		}
	}
	return 0
}
