// Package stream fans trade and price events out to many long-lived
// subscribers without ever blocking the publisher.
package stream

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"polypulse/internal/config"
	"polypulse/internal/history"
	"polypulse/internal/metrics"
)

const (
	ChannelTrades = "trades"
	ChannelPrices = "prices"
	marketPrefix  = "market:"
)

// Event types sent to subscribers.
const (
	TypeConnected    = "connected"
	TypeNewTrade     = "new_trade"
	TypePriceUpdate  = "price_update"
	TypeRecentTrades = "recent_trades"
	TypeError        = "error"
)

// ErrSubscriberDisconnected marks a subscriber removed after its connection
// failed. It is counted and never propagated to publishers.
var ErrSubscriberDisconnected = errors.New("subscriber disconnected")

// MarketChannel names the per-market channel.
func MarketChannel(marketID string) string { return marketPrefix + marketID }

type Event struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type PriceDirection string

const (
	Up      PriceDirection = "up"
	Down    PriceDirection = "down"
	Neutral PriceDirection = "neutral"
)

// PriceUpdate is emitted only when a market's price actually moves.
type PriceUpdate struct {
	MarketID       string         `json:"marketId"`
	Question       string         `json:"question"`
	CurrentPrice   float64        `json:"currentPrice"`
	PreviousPrice  float64        `json:"previousPrice"`
	PriceChange    float64        `json:"priceChange"`
	PriceDirection PriceDirection `json:"priceDirection"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewPriceUpdate fills the change and direction fields.
func NewPriceUpdate(marketID, question string, previous, current float64, at time.Time) PriceUpdate {
	u := PriceUpdate{
		MarketID:       marketID,
		Question:       question,
		CurrentPrice:   current,
		PreviousPrice:  previous,
		PriceChange:    current - previous,
		PriceDirection: Neutral,
		Timestamp:      at,
	}
	switch {
	case current > previous:
		u.PriceDirection = Up
	case current < previous:
		u.PriceDirection = Down
	}
	return u
}

// MarketHistory supplies the recent trades replayed on a market channel.
type MarketHistory func(marketID string, limit int) []history.Trade

// Subscription receives events for one channel through a bounded buffer.
// When the buffer is full the oldest event is dropped.
type Subscription struct {
	hub     *Hub
	channel string
	ch      chan Event
	closed  bool
	dropped atomic.Uint64

	// replayed holds IDs of trades sent in the recent_trades batch. A live
	// publish of one of them is skipped once. Guarded by the hub lock.
	replayed map[string]struct{}
}

// C is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Channel() string { return s.channel }

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe is idempotent.
func (s *Subscription) Unsubscribe() { s.hub.remove(s) }

type channel struct {
	subs    map[*Subscription]struct{}
	backlog []Event
}

// Hub is the channel registry. It has its own lock and never touches ledger
// state.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
	closed   bool

	bufferSize  int
	backlogSize int
	history     MarketHistory

	dedupMu     sync.Mutex
	dedupWindow time.Duration
	lastSeen    map[string]time.Time
	now         func() time.Time

	published  atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
}

func NewHub(cfg config.StreamConfig, hist MarketHistory) *Hub {
	h := &Hub{
		channels:    make(map[string]*channel),
		bufferSize:  cfg.SubscriberBuffer,
		backlogSize: cfg.Backlog,
		history:     hist,
		dedupWindow: cfg.DedupWindow.Duration,
		lastSeen:    make(map[string]time.Time),
		now:         time.Now,
	}
	if h.bufferSize < 1 {
		h.bufferSize = 1
	}
	// Global channels always exist so their backlog survives idle periods.
	h.channels[ChannelTrades] = &channel{subs: make(map[*Subscription]struct{})}
	h.channels[ChannelPrices] = &channel{subs: make(map[*Subscription]struct{})}
	return h
}

// WithClock replaces the clock used by the price dedup window.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.dedupMu.Lock()
	h.now = now
	h.dedupMu.Unlock()
	return h
}

// Subscribe registers a subscriber and returns the channel backlog, oldest
// first. Market channels are created on first subscribe; their backlog is a
// single recent_trades event built from the history source.
func (h *Hub) Subscribe(name string) (*Subscription, []Event) {
	sub := &Subscription{hub: h, channel: name, ch: make(chan Event, h.bufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.closed = true
		close(sub.ch)
		return sub, nil
	}
	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{subs: make(map[*Subscription]struct{})}
		h.channels[name] = ch
	}
	ch.subs[sub] = struct{}{}
	backlog := append([]Event(nil), ch.backlog...)

	// The history read shares the critical section with registration so a
	// trade is either in the batch or delivered live, never both.
	if marketID, ok := strings.CutPrefix(name, marketPrefix); ok {
		trades := []history.Trade{}
		if h.history != nil {
			trades = append(trades, h.history(marketID, h.backlogSize)...)
		}
		sub.replayed = make(map[string]struct{}, len(trades))
		for _, t := range trades {
			sub.replayed[t.ID] = struct{}{}
		}
		backlog = []Event{{Type: TypeRecentTrades, Data: trades}}
	}
	h.mu.Unlock()
	return sub, backlog
}

// seen reports whether ev is a trade already sent in the replay batch.
func (s *Subscription) seen(ev Event) bool {
	if len(s.replayed) == 0 || ev.Type != TypeNewTrade {
		return false
	}
	t, ok := ev.Data.(history.Trade)
	if !ok {
		return false
	}
	if _, dup := s.replayed[t.ID]; !dup {
		return false
	}
	delete(s.replayed, t.ID)
	return true
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	ch, ok := h.channels[sub.channel]
	if !ok {
		return
	}
	delete(ch.subs, sub)
	if len(ch.subs) == 0 && strings.HasPrefix(sub.channel, marketPrefix) {
		delete(h.channels, sub.channel)
	}
}

// Publish delivers ev to every subscriber of the channel and appends it to
// the channel backlog. It never blocks.
func (h *Hub) Publish(name string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	ch, ok := h.channels[name]
	if !ok {
		return
	}

	label := name
	if strings.HasPrefix(name, marketPrefix) {
		label = "market"
	} else if h.backlogSize > 0 {
		ch.backlog = append(ch.backlog, ev)
		if over := len(ch.backlog) - h.backlogSize; over > 0 {
			ch.backlog = append(ch.backlog[:0:0], ch.backlog[over:]...)
		}
	}
	h.published.Add(1)
	metrics.EventsPublished.WithLabelValues(label).Inc()

	for sub := range ch.subs {
		if sub.seen(ev) {
			continue
		}
		if !deliver(sub, ev) {
			h.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(label).Inc()
		}
	}
}

// deliver is called with the hub lock held, so it is the only sender on
// sub.ch. It reports false when an older event had to be dropped.
func deliver(sub *Subscription, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
	}
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
	return false
}

// PublishTrade sends a trade to the global trade channel and its market
// channel.
func (h *Hub) PublishTrade(t history.Trade) {
	ev := Event{Type: TypeNewTrade, Data: t}
	h.Publish(ChannelTrades, ev)
	h.Publish(MarketChannel(t.MarketID), ev)
}

// PublishPrice sends a price update unless the price did not move or the
// same market moved the same direction within the dedup window. It reports
// whether the update was published.
func (h *Hub) PublishPrice(u PriceUpdate) bool {
	if u.PriceDirection == Neutral || u.CurrentPrice == u.PreviousPrice {
		return false
	}
	if h.suppress(u) {
		h.suppressed.Add(1)
		metrics.PriceUpdatesSuppressed.Inc()
		return false
	}
	ev := Event{Type: TypePriceUpdate, Data: u}
	h.Publish(ChannelPrices, ev)
	h.Publish(MarketChannel(u.MarketID), ev)
	return true
}

func (h *Hub) suppress(u PriceUpdate) bool {
	h.dedupMu.Lock()
	defer h.dedupMu.Unlock()

	now := h.now()
	key := u.MarketID + "|" + string(u.PriceDirection)
	if last, ok := h.lastSeen[key]; ok && now.Sub(last) < h.dedupWindow {
		return true
	}
	h.lastSeen[key] = now

	if len(h.lastSeen) > 4096 {
		for k, t := range h.lastSeen {
			if now.Sub(t) >= h.dedupWindow {
				delete(h.lastSeen, k)
			}
		}
	}
	return false
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.channels {
		for sub := range ch.subs {
			sub.closed = true
			close(sub.ch)
		}
	}
	h.channels = make(map[string]*channel)
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Channels    int            `json:"channels"`
	Subscribers map[string]int `json:"subscribers"`
	Published   uint64         `json:"published"`
	Dropped     uint64         `json:"dropped"`
	Suppressed  uint64         `json:"suppressed"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{
		Channels:    len(h.channels),
		Subscribers: make(map[string]int, len(h.channels)),
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Suppressed:  h.suppressed.Load(),
	}
	for name, ch := range h.channels {
		s.Subscribers[name] = len(ch.subs)
	}
	return s
}
