package history

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecent_NewestFirst(t *testing.T) {
	l := NewLog()
	for _, id := range []string{"t1", "t2", "t3"} {
		l.AppendTrade(Trade{ID: id, MarketID: "m", Action: Buy})
	}

	got := l.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "t3", got[0].ID)
	assert.Equal(t, "t2", got[1].ID)

	assert.Len(t, l.Recent(0), 3)
	assert.Len(t, l.Recent(100), 3)
	assert.Equal(t, 3, l.Len())
}

func TestRecentForMarket_Chronological(t *testing.T) {
	l := NewLog()
	l.AppendTrade(Trade{ID: "a1", MarketID: "a"})
	l.AppendTrade(Trade{ID: "b1", MarketID: "b"})
	l.AppendTrade(Trade{ID: "a2", MarketID: "a"})
	l.AppendTrade(Trade{ID: "a3", MarketID: "a"})

	got := l.RecentForMarket("a", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, "a3", got[1].ID)
}

func TestClosed_OnlySellsWithProfit(t *testing.T) {
	l := NewLog()
	p := decimal.NewFromInt(5)
	l.AppendTrade(Trade{ID: "open", Action: Buy})
	l.AppendTrade(Trade{ID: "close", Action: Sell, Profit: &p})

	closed := l.Closed()
	require.Len(t, closed, 1)
	assert.Equal(t, "close", closed[0].ID)
}

func TestAppendSnapshot_StrictlyIncreasing(t *testing.T) {
	l := NewLog()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	l.AppendSnapshot(PnLSnapshot{Timestamp: ts})
	second := l.AppendSnapshot(PnLSnapshot{Timestamp: ts})
	third := l.AppendSnapshot(PnLSnapshot{Timestamp: ts.Add(-time.Second)})

	assert.True(t, second.Timestamp.After(ts))
	assert.True(t, third.Timestamp.After(second.Timestamp))

	snaps := l.Snapshots(0)
	require.Len(t, snaps, 3)
	for i := 1; i < len(snaps); i++ {
		assert.True(t, snaps[i].Timestamp.After(snaps[i-1].Timestamp))
	}

	last := l.Snapshots(2)
	require.Len(t, last, 2)
	assert.Equal(t, third.Timestamp, last[1].Timestamp)
}
