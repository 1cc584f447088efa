package decision

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a disciplined prediction-market trader running a paper portfolio.
Reply with exactly one JSON object and nothing else:
{"action":"BUY"|"SELL"|"HOLD","outcome":"<outcome name>","size":<stake in dollars>,"reason":"<one sentence>"}
BUY opens a position on the named outcome. SELL closes the open position on the named outcome. HOLD does nothing; use size 0.`

func buildPrompt(in Input, rules *Rules) string {
	m, a := in.Market, in.Analysis
	var b strings.Builder

	fmt.Fprintf(&b, "Market: %s\n", m.Question)
	fmt.Fprintf(&b, "Market ID: %s\n", m.ID)
	b.WriteString("Outcomes:\n")
	for _, o := range m.Outcomes {
		p, _ := m.Price(o)
		fmt.Fprintf(&b, "  - %s: %.3f\n", o, p)
	}
	fmt.Fprintf(&b, "Volume: $%.0f (24h $%.0f), liquidity $%.0f\n", m.Volume, m.Volume24h, m.Liquidity)

	fmt.Fprintf(&b, "\nAnalysis over %d samples:\n", a.Samples)
	fmt.Fprintf(&b, "  trend %.3f, momentum %.3f, sentiment %.3f, score %.1f (range -100..100)\n",
		a.Trend, a.Momentum, a.Sentiment, a.Score)
	fmt.Fprintf(&b, "  smoothed price %.3f, last price %.3f\n", a.Smoothed, a.Price)

	fmt.Fprintf(&b, "\nPortfolio: balance $%s, net worth $%s, %d open positions\n",
		in.Ledger.Balance.StringFixed(2), in.Ledger.NetWorth.StringFixed(2), len(in.Ledger.Positions))
	if open := in.Ledger.PositionsFor(m.ID); len(open) > 0 {
		for _, p := range open {
			fmt.Fprintf(&b, "Open position: %s %s, stake $%s at %s, now %s, return %s%%\n",
				p.Side, p.Outcome, p.Size.StringFixed(2), p.EntryPrice.StringFixed(3),
				p.CurrentPrice.StringFixed(3), p.Return().Mul(hundred).StringFixed(1))
		}
	} else {
		b.WriteString("No open position on this market.\n")
	}

	if rules != nil {
		if size, ok := rules.sizer.Size(in.Ledger.Balance); ok {
			fmt.Fprintf(&b, "\nMaximum stake for a new position: $%s\n", size.StringFixed(2))
		} else {
			b.WriteString("\nBalance is too low to open a new position.\n")
		}
		fmt.Fprintf(&b, "Guidelines: take profit at +%s%%, stop loss at -%s%%, only enter when |score| >= %.0f.\n",
			rules.takeProfit.Mul(hundred).StringFixed(0), rules.stopLoss.Mul(hundred).StringFixed(0), rules.entryScore)
	}
	return b.String()
}
