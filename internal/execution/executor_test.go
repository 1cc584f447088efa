package execution

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"polypulse/internal/decision"
	"polypulse/internal/history"
	"polypulse/internal/ledger"
)

func buy(size string) decision.Decision {
	return decision.Decision{
		Action:   decision.Buy,
		MarketID: "m1",
		Outcome:  "Yes",
		Side:     ledger.Long,
		Price:    decimal.RequireFromString("0.40"),
		Size:     decimal.RequireFromString(size),
		Reason:   "test",
		Strategy: "rules",
	}
}

func TestApply_BuyThenSellNotifiesSinks(t *testing.T) {
	book := ledger.New(decimal.NewFromInt(2000), history.NewLog())
	var sunk []history.Trade
	e := NewExecutor(book, func(tr history.Trade) { sunk = append(sunk, tr) })

	res := e.Apply(buy("200"), "Will it rain?")
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Trade == nil || res.Trade.MarketTitle != "Will it rain?" {
		t.Fatalf("unexpected trade %+v", res.Trade)
	}

	res = e.Apply(decision.Decision{
		Action: decision.Sell, MarketID: "m1", Outcome: "Yes",
		Price: decimal.RequireFromString("0.50"), Reason: "take profit",
	}, "Will it rain?")
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Trade.Profit == nil || !res.Trade.Profit.Equal(decimal.NewFromInt(50)) {
		t.Errorf("profit = %v, want 50", res.Trade.Profit)
	}
	if len(sunk) != 2 {
		t.Errorf("sinks saw %d trades, want 2", len(sunk))
	}
	if !book.Snapshot().Balance.Equal(decimal.NewFromInt(2050)) {
		t.Errorf("balance = %s, want 2050", book.Snapshot().Balance)
	}
}

func TestApply_HoldIsNoop(t *testing.T) {
	book := ledger.New(decimal.NewFromInt(2000), history.NewLog())
	e := NewExecutor(book)

	res := e.Apply(decision.Decision{Action: decision.Hold, MarketID: "m1"}, "")
	if res.Err != nil || res.Trade != nil {
		t.Errorf("hold produced %+v", res)
	}
}

func TestApply_SkipsAfterRepeatedFailures(t *testing.T) {
	book := ledger.New(decimal.NewFromInt(100), history.NewLog())
	e := NewExecutor(book)

	for i := 0; i < maxConsecutiveFailures; i++ {
		res := e.Apply(buy("500"), "")
		if !errors.Is(res.Err, ledger.ErrInsufficientBalance) {
			t.Fatalf("attempt %d: err = %v, want insufficient balance", i, res.Err)
		}
	}

	res := e.Apply(buy("50"), "")
	if !errors.Is(res.Err, ErrSkipped) {
		t.Fatalf("err = %v, want skipped", res.Err)
	}
	if !book.Snapshot().Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance changed to %s", book.Snapshot().Balance)
	}

	e.Forget(map[string]struct{}{})
	if res := e.Apply(buy("50"), ""); res.Err != nil {
		t.Errorf("after Forget: %v", res.Err)
	}
}

func TestApply_FailuresExpireAfterCooldown(t *testing.T) {
	book := ledger.New(decimal.NewFromInt(100), history.NewLog())
	e := NewExecutor(book)

	for i := 0; i < maxConsecutiveFailures; i++ {
		e.Apply(buy("500"), "")
	}
	for i := 0; i < failureCooldown-1; i++ {
		e.BeginCycle()
		if res := e.Apply(buy("50"), ""); !errors.Is(res.Err, ErrSkipped) {
			t.Fatalf("cycle %d: err = %v, want skipped", i+1, res.Err)
		}
	}

	e.BeginCycle()
	if res := e.Apply(buy("50"), ""); res.Err != nil {
		t.Errorf("after cooldown: %v", res.Err)
	}
}

func TestApply_FailuresResetWhenBalanceChanges(t *testing.T) {
	book := ledger.New(decimal.NewFromInt(300), history.NewLog())
	e := NewExecutor(book)

	other := buy("100")
	other.MarketID = "m2"
	if res := e.Apply(other, "Other"); res.Err != nil {
		t.Fatal(res.Err)
	}

	for i := 0; i < maxConsecutiveFailures; i++ {
		e.Apply(buy("250"), "")
	}
	if res := e.Apply(buy("250"), ""); !errors.Is(res.Err, ErrSkipped) {
		t.Fatalf("err = %v, want skipped", res.Err)
	}

	// Closing m2 returns its stake, so the skipped buy is retried.
	sell := decision.Decision{
		Action: decision.Sell, MarketID: "m2", Outcome: "Yes",
		Price: decimal.RequireFromString("0.40"), Reason: "exit",
	}
	if res := e.Apply(sell, "Other"); res.Err != nil {
		t.Fatal(res.Err)
	}
	if res := e.Apply(buy("250"), ""); res.Err != nil {
		t.Errorf("after balance change: %v", res.Err)
	}
}
