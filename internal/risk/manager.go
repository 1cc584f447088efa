package risk

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"polypulse/internal/config"
)

// Manager sizes new positions and caps how many trades one tick may place.
// It is owned by the tick goroutine and is not safe for concurrent use.
type Manager struct {
	fraction    decimal.Decimal
	maxTrade    decimal.Decimal
	minTrade    decimal.Decimal
	maxPerCycle int
	cycleTrades int
}

func NewManager(cfg config.DecisionConfig) *Manager {
	return &Manager{
		fraction:    decimal.NewFromFloat(cfg.MaxPositionFraction),
		maxTrade:    decimal.NewFromFloat(cfg.MaxTradeSize),
		minTrade:    decimal.NewFromFloat(cfg.MinTradeSize),
		maxPerCycle: cfg.MaxTradesPerTick,
	}
}

// Size returns the stake for a new position out of the free balance:
// min(balance * fraction, max trade), rounded down to cents. ok is false when
// the stake would fall under the minimum trade or exceed the balance.
func (m *Manager) Size(balance decimal.Decimal) (decimal.Decimal, bool) {
	amount := balance.Mul(m.fraction)
	if amount.GreaterThan(m.maxTrade) {
		amount = m.maxTrade
	}
	return m.check(amount.Truncate(2), balance)
}

// Cap clamps a requested stake to the sizing policy.
func (m *Manager) Cap(requested, balance decimal.Decimal) (decimal.Decimal, bool) {
	limit, ok := m.Size(balance)
	if !ok {
		return decimal.Zero, false
	}
	if requested.GreaterThan(limit) {
		requested = limit
	}
	return m.check(requested.Truncate(2), balance)
}

func (m *Manager) check(amount, balance decimal.Decimal) (decimal.Decimal, bool) {
	if amount.LessThan(m.minTrade) || amount.GreaterThan(balance) || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

// BeginCycle resets the per-tick trade budget.
func (m *Manager) BeginCycle() {
	m.cycleTrades = 0
}

// CanTrade reports whether the tick still has trade budget left.
func (m *Manager) CanTrade() bool {
	if m.maxPerCycle > 0 && m.cycleTrades >= m.maxPerCycle {
		slog.Debug("trade budget exhausted for tick", "limit", m.maxPerCycle)
		return false
	}
	return true
}

// RecordTrade consumes one unit of the tick's trade budget.
func (m *Manager) RecordTrade() {
	m.cycleTrades++
}
