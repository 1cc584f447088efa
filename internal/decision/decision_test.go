package decision

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"polypulse/internal/analysis"
	"polypulse/internal/config"
	"polypulse/internal/insight"
	"polypulse/internal/ledger"
	"polypulse/internal/market"
	"polypulse/internal/risk"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRules(mutate func(*config.DecisionConfig)) *Rules {
	cfg := config.DefaultConfig().Decision
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRules(cfg, risk.NewManager(cfg))
}

func testMarket(yes float64) market.Market {
	m := market.Market{
		ID:       "m1",
		Question: "Will it rain?",
		Outcomes: []string{"Yes", "No"},
		Prices:   map[string]float64{"Yes": yes},
		Volume:   25000,
	}
	m.Normalize()
	return m
}

func snapshot(balance string, positions ...ledger.Position) ledger.Snapshot {
	return ledger.Snapshot{Balance: dec(balance), InitialBalance: dec("2000"), Positions: positions}
}

func position(outcome string, side ledger.Side, entry string) ledger.Position {
	return ledger.Position{
		MarketID:     "m1",
		Outcome:      outcome,
		Side:         side,
		EntryPrice:   dec(entry),
		CurrentPrice: dec(entry),
		Size:         dec("50"),
		EntryTime:    time.Now(),
	}
}

func TestRules_OpensOnBullishScore(t *testing.T) {
	r := newRules(nil)
	d, err := r.Decide(context.Background(), Input{
		Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: 55, Trend: 0.4},
		Market:   testMarket(0.40),
		Ledger:   snapshot("2000"),
	})
	require.NoError(t, err)
	assert.Equal(t, Buy, d.Action)
	assert.Equal(t, "Yes", d.Outcome)
	assert.Equal(t, ledger.Long, d.Side)
	assert.True(t, d.Size.Equal(dec("50")), "size %s", d.Size)
	assert.True(t, d.Price.Equal(dec("0.4")))
	assert.Equal(t, RulesName, d.Strategy)
	assert.Contains(t, d.Reason, "bullish")
}

func TestRules_BearishBuysOpposite(t *testing.T) {
	r := newRules(nil)
	d, err := r.Decide(context.Background(), Input{
		Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: -60},
		Market:   testMarket(0.70),
		Ledger:   snapshot("2000"),
	})
	require.NoError(t, err)
	assert.Equal(t, Buy, d.Action)
	assert.Equal(t, "No", d.Outcome)
	assert.Equal(t, ledger.Long, d.Side)
	assert.InDelta(t, 0.3, d.Price.InexactFloat64(), 1e-9)
}

func TestRules_BearishShortPrimary(t *testing.T) {
	r := newRules(func(c *config.DecisionConfig) { c.BearishMode = "short_primary" })
	d, err := r.Decide(context.Background(), Input{
		Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: -60},
		Market:   testMarket(0.70),
		Ledger:   snapshot("2000"),
	})
	require.NoError(t, err)
	assert.Equal(t, Buy, d.Action)
	assert.Equal(t, "Yes", d.Outcome)
	assert.Equal(t, ledger.Short, d.Side)
}

func TestRules_HoldsBelowEntry(t *testing.T) {
	r := newRules(nil)
	d, err := r.Decide(context.Background(), Input{
		Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: 39.9},
		Market:   testMarket(0.40),
		Ledger:   snapshot("2000"),
	})
	require.NoError(t, err)
	assert.Equal(t, Hold, d.Action)
}

func TestRules_HoldsWhenStakeBelowMinimum(t *testing.T) {
	r := newRules(nil)
	d, err := r.Decide(context.Background(), Input{
		Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: 80},
		Market:   testMarket(0.40),
		Ledger:   snapshot("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, Hold, d.Action)
}

func TestRules_ManagesOpenPosition(t *testing.T) {
	tests := []struct {
		name   string
		side   ledger.Side
		yes    float64
		score  float64
		action Action
		reason string
	}{
		{"take profit long", ledger.Long, 0.44, 50, Sell, "take profit"},
		{"stop loss long", ledger.Long, 0.38, 50, Sell, "stop loss"},
		{"take profit short", ledger.Short, 0.36, -50, Sell, "take profit"},
		{"stop loss short", ledger.Short, 0.42, -50, Sell, "stop loss"},
		{"signal faded", ledger.Long, 0.41, 5, Sell, "signal faded"},
		{"hold", ledger.Long, 0.41, 50, Hold, "holding position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRules(nil)
			d, err := r.Decide(context.Background(), Input{
				Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: tt.score},
				Market:   testMarket(tt.yes),
				Ledger:   snapshot("1950", position("Yes", tt.side, "0.40")),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
			if tt.action == Sell {
				assert.Equal(t, "Yes", d.Outcome)
				assert.True(t, d.Size.Equal(dec("50")))
			}
		})
	}
}

type mockInsight struct {
	mock.Mock
}

func (m *mockInsight) Complete(ctx context.Context, system, prompt string) (string, error) {
	args := m.Called(ctx, system, prompt)
	return args.String(0), args.Error(1)
}

func (m *mockInsight) Available() bool { return true }

func newAdvised(t *testing.T, reply string, err error) (*Advised, *mockInsight) {
	t.Helper()
	client := &mockInsight{}
	client.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return(reply, err)
	a, aerr := NewAdvised(client, newRules(nil))
	require.NoError(t, aerr)
	return a, client
}

func bullishInput() Input {
	return Input{
		Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: 55},
		Market:   testMarket(0.40),
		Ledger:   snapshot("2000"),
	}
}

func TestAdvised_UsesValidReply(t *testing.T) {
	a, client := newAdvised(t, "Here you go:\n```json\n{\"action\":\"BUY\",\"outcome\":\"No\",\"size\":30,\"reason\":\"crowd overreacting\"}\n```", nil)

	d, err := a.Decide(context.Background(), bullishInput())
	require.NoError(t, err)
	assert.Equal(t, Buy, d.Action)
	assert.Equal(t, "No", d.Outcome)
	assert.True(t, d.Size.Equal(dec("30")))
	assert.Equal(t, InsightName, d.Strategy)
	assert.Equal(t, "crowd overreacting", d.Reason)
	client.AssertNumberOfCalls(t, "Complete", 1)
}

func TestAdvised_CapsOversizedStake(t *testing.T) {
	a, _ := newAdvised(t, `{"action":"BUY","outcome":"Yes","size":5000,"reason":"all in"}`, nil)

	d, err := a.Decide(context.Background(), bullishInput())
	require.NoError(t, err)
	assert.Equal(t, Buy, d.Action)
	assert.True(t, d.Size.Equal(dec("50")), "size %s", d.Size)
}

func TestAdvised_SchemaViolationFallsBackToRules(t *testing.T) {
	replies := []string{
		`{"action":"BUY","outcome":"Yes","size":30,"reason":"x","leverage":10}`,
		`{"action":"MAYBE","outcome":"Yes","size":30,"reason":"x"}`,
		`{"action":"BUY","outcome":"Yes","reason":"x"}`,
		`{"action":"BUY","outcome":"Yes","size":-3,"reason":"x"}`,
		`not json at all`,
		`{"action":"BUY","outcome":"Maybe","size":30,"reason":"unknown outcome"}`,
		`{"action":"SELL","outcome":"Yes","size":30,"reason":"nothing to sell"}`,
	}
	for _, reply := range replies {
		a, _ := newAdvised(t, reply, nil)
		d, err := a.Decide(context.Background(), bullishInput())
		require.NoError(t, err)
		assert.Equal(t, RulesName, d.Strategy, "reply %q", reply)
		assert.Equal(t, Buy, d.Action)
		assert.Equal(t, "Yes", d.Outcome)
	}
}

func TestAdvised_TimeoutFallsBackToRules(t *testing.T) {
	a, _ := newAdvised(t, "", insight.ErrUpstreamTimeout)

	d, err := a.Decide(context.Background(), bullishInput())
	require.NoError(t, err)
	assert.Equal(t, RulesName, d.Strategy)
}

func TestAdvised_UnavailableClientSkipsCall(t *testing.T) {
	var nilClient *insight.AnthropicClient
	a, err := NewAdvised(nilClient, newRules(nil))
	require.NoError(t, err)
	assert.False(t, a.Available())

	d, err := a.Decide(context.Background(), bullishInput())
	require.NoError(t, err)
	assert.Equal(t, RulesName, d.Strategy)
}

func TestAdvised_SellClosesNamedPosition(t *testing.T) {
	a, _ := newAdvised(t, `{"action":"SELL","outcome":"Yes","size":0,"reason":"locking gains"}`, nil)

	in := Input{
		Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: 55},
		Market:   testMarket(0.42),
		Ledger:   snapshot("1950", position("Yes", ledger.Long, "0.40")),
	}
	d, err := a.Decide(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, Sell, d.Action)
	assert.Equal(t, InsightName, d.Strategy)
	assert.True(t, d.Size.Equal(dec("50")))
}

func TestExtractObject(t *testing.T) {
	got, ok := extractObject(`prefix {"reason":"brace } inside","a":{"b":1}} suffix`)
	require.True(t, ok)
	assert.Equal(t, `{"reason":"brace } inside","a":{"b":1}}`, got)

	_, ok = extractObject("no object")
	assert.False(t, ok)
}

func TestBuildPrompt_MentionsPosition(t *testing.T) {
	in := Input{
		Analysis: analysis.MarketAnalysis{MarketID: "m1", Score: 55, Samples: 11},
		Market:   testMarket(0.42),
		Ledger:   snapshot("1950", position("Yes", ledger.Long, "0.40")),
	}
	p := buildPrompt(in, newRules(nil))
	assert.Contains(t, p, "Will it rain?")
	assert.Contains(t, p, "Open position: long Yes")
	assert.Contains(t, p, "take profit at +10%")
}
