package market

import (
	"sync"
	"time"
)

// Sample is one observation of a market's primary outcome.
type Sample struct {
	Price  float64
	Volume float64
	At     time.Time
}

// Window is a chronological run of samples for one market.
type Window struct {
	MarketID string
	Samples  []Sample
}

// Prices returns the sample prices in order.
func (w Window) Prices() []float64 {
	out := make([]float64, len(w.Samples))
	for i, s := range w.Samples {
		out[i] = s.Price
	}
	return out
}

// Last returns the newest sample.
func (w Window) Last() (Sample, bool) {
	if len(w.Samples) == 0 {
		return Sample{}, false
	}
	return w.Samples[len(w.Samples)-1], true
}

// Series keeps a bounded price and volume history per market.
type Series struct {
	mu      sync.RWMutex
	limit   int
	samples map[string][]Sample
}

func NewSeries(limit int) *Series {
	if limit < 2 {
		limit = 2
	}
	return &Series{
		limit:   limit,
		samples: make(map[string][]Sample),
	}
}

// Record appends the market's primary price. Samples not newer than the last
// recorded one are ignored so replays stay chronological.
func (s *Series) Record(m Market) {
	price, ok := m.Price(m.Primary())
	if !ok {
		return
	}
	at := m.FetchedAt
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.samples[m.ID]
	if n := len(hist); n > 0 && !at.After(hist[n-1].At) {
		return
	}
	hist = append(hist, Sample{Price: price, Volume: m.Volume, At: at})
	if len(hist) > s.limit {
		hist = append(hist[:0:0], hist[len(hist)-s.limit:]...)
	}
	s.samples[m.ID] = hist
}

// Window returns a copy of the market's history.
func (s *Series) Window(id string) Window {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.samples[id]
	out := make([]Sample, len(hist))
	copy(out, hist)
	return Window{MarketID: id, Samples: out}
}

// Retain forgets markets not in ids.
func (s *Series) Retain(ids map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.samples {
		if _, ok := ids[id]; !ok {
			delete(s.samples, id)
		}
	}
}

func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}
