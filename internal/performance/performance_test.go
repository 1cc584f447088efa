package performance

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polypulse/internal/db"
	"polypulse/internal/history"
	"polypulse/internal/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCompute_NoClosingTrades(t *testing.T) {
	log := history.NewLog()
	l := ledger.New(d("2000"), log)
	if _, _, err := l.Open(ledger.Order{
		MarketID: "m1", Outcome: "Yes", Side: ledger.Long,
		Price: d("0.40"), Size: d("200"), Strategy: "algorithmic",
	}); err != nil {
		t.Fatal(err)
	}

	s := Compute(l.Snapshot(), log)
	if s.TotalTrades != 0 || s.WinRate != 0 {
		t.Errorf("got total %d win rate %v, want 0 and 0", s.TotalTrades, s.WinRate)
	}
	if s.ActivePositions != 1 {
		t.Errorf("active positions = %d, want 1", s.ActivePositions)
	}
	if !s.Balance.Equal(d("1800")) {
		t.Errorf("balance = %s, want 1800", s.Balance)
	}
}

func TestCompute_WinsAndLosses(t *testing.T) {
	log := history.NewLog()
	l := ledger.New(d("2000"), log)

	open := func(id string) {
		t.Helper()
		if _, _, err := l.Open(ledger.Order{
			MarketID: id, Outcome: "Yes", Side: ledger.Long,
			Price: d("0.50"), Size: d("100"), Strategy: "algorithmic",
		}); err != nil {
			t.Fatal(err)
		}
	}
	open("win")
	open("loss")
	open("flat")
	open("open")

	for id, price := range map[string]string{"win": "0.60", "loss": "0.40", "flat": "0.50"} {
		if _, err := l.Close(id, "Yes", d(price), "test"); err != nil {
			t.Fatal(err)
		}
	}
	l.Reprice("open", map[string]decimal.Decimal{"Yes": d("0.55")})

	s := Compute(l.Snapshot(), log)
	if s.TotalTrades != 3 {
		t.Fatalf("total trades = %d, want 3", s.TotalTrades)
	}
	if s.WinningTrades != 1 || s.LosingTrades != 2 {
		t.Errorf("wins %d losses %d, want 1 and 2", s.WinningTrades, s.LosingTrades)
	}
	if !approx(s.WinRate, 1.0/3) {
		t.Errorf("win rate = %v", s.WinRate)
	}
	if !s.RealizedProfit.Equal(decimal.Zero) {
		t.Errorf("realized = %s, want 0", s.RealizedProfit)
	}
	if !s.UnrealizedProfit.Equal(d("10")) {
		t.Errorf("unrealized = %s, want 10", s.UnrealizedProfit)
	}
	if !s.NetWorth.Equal(s.Balance.Add(s.UnrealizedProfit)) {
		t.Errorf("net worth %s != balance %s + unrealized %s", s.NetWorth, s.Balance, s.UnrealizedProfit)
	}
	if !s.TotalProfit.Equal(d("10")) {
		t.Errorf("total profit = %s, want 10", s.TotalProfit)
	}
}

func TestBuildReport(t *testing.T) {
	log := history.NewLog()
	profit := d("20")
	loss := d("-10")
	log.AppendTrade(history.Trade{Action: history.Buy, Size: d("100"), Strategy: "algorithmic"})
	log.AppendTrade(history.Trade{Action: history.Sell, Size: d("100"), Strategy: "algorithmic", Profit: &profit})
	log.AppendTrade(history.Trade{Action: history.Buy, Size: d("50"), Strategy: "insight"})
	log.AppendTrade(history.Trade{Action: history.Sell, Size: d("50"), Strategy: "insight", Profit: &loss})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, pnl := range []string{"0", "100", "-100", "50"} {
		log.AppendSnapshot(history.PnLSnapshot{Timestamp: start.Add(time.Duration(i) * time.Minute), PnL: d(pnl)})
	}

	r := BuildReport(log, 1000, start)
	if r.TotalTrades != 4 || r.ClosingTrades != 2 {
		t.Errorf("trades %d closing %d", r.TotalTrades, r.ClosingTrades)
	}
	if !approx(r.Wagered, 150) || !approx(r.RealizedProfit, 10) {
		t.Errorf("wagered %v profit %v", r.Wagered, r.RealizedProfit)
	}
	if !approx(r.WinRate, 0.5) {
		t.Errorf("win rate = %v", r.WinRate)
	}
	if !approx(r.PeakEquity, 1100) {
		t.Errorf("peak = %v, want 1100", r.PeakEquity)
	}
	if !approx(r.MaxDrawdown, 200.0/1100) {
		t.Errorf("max drawdown = %v", r.MaxDrawdown)
	}

	algo := r.Strategies["algorithmic"]
	if algo.Trades != 2 || !approx(algo.ROI, 0.2) || algo.WinRate != 1 {
		t.Errorf("algorithmic stats = %+v", algo)
	}
	if r.Strategies["insight"].WinRate != 0 {
		t.Errorf("insight win rate = %v", r.Strategies["insight"].WinRate)
	}
}

func TestTracker_Generate(t *testing.T) {
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.Migrate(database); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	insertTrade := func(id, run, action, size string, profit any) {
		t.Helper()
		_, err := database.Exec(`
			INSERT INTO trades (id, run, market_id, action, outcome, side, price, size, profit, strategy, executed_at)
			VALUES (?, ?, 'm1', ?, 'Yes', 'long', '0.5', ?, ?, 'algorithmic', ?)`,
			id, run, action, size, profit, db.FormatTime(at))
		if err != nil {
			t.Fatal(err)
		}
		at = at.Add(time.Second)
	}
	insertTrade("t1", db.RunLive, "BUY", "100", nil)
	insertTrade("t2", db.RunLive, "SELL", "100", "25")
	insertTrade("t3", db.RunBacktest, "BUY", "999", nil)

	for i, equity := range []string{"1000", "1025", "1010"} {
		if _, err := database.Exec(`
			INSERT INTO pnl_snapshots (run, pnl, balance, net_worth, equity, snapshot_at)
			VALUES (?, '0', '0', '0', ?, ?)`,
			db.RunLive, equity, db.FormatTime(at.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	r, err := NewTracker(database, db.RunLive).Generate()
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalTrades != 2 || r.ClosingTrades != 1 {
		t.Errorf("trades %d closing %d, want 2 and 1", r.TotalTrades, r.ClosingTrades)
	}
	if !approx(r.ROI, 0.25) {
		t.Errorf("roi = %v, want 0.25", r.ROI)
	}
	if !approx(r.PeakEquity, 1025) || !approx(r.MaxDrawdown, 15.0/1025) {
		t.Errorf("peak %v drawdown %v", r.PeakEquity, r.MaxDrawdown)
	}
	LogReport(r)
}
