// Package analysis scores markets from their recent price and volume series.
package analysis

import (
	"math"
	"time"

	talib "github.com/markcheno/go-talib"

	"polypulse/internal/config"
	"polypulse/internal/market"
)

// MarketAnalysis is the current score for one market.
type MarketAnalysis struct {
	MarketID  string    `json:"marketId"`
	Question  string    `json:"question,omitempty"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Trend     float64   `json:"trend"`
	Momentum  float64   `json:"momentum"`
	Sentiment float64   `json:"sentiment"`
	Score     float64   `json:"score"`
	Smoothed  float64   `json:"smoothed"`
	Samples   int       `json:"samples"`
	At        time.Time `json:"at"`
}

// Neutral reports whether the analysis carries no signal.
func (a MarketAnalysis) Neutral() bool {
	return a.Score == 0 && a.Trend == 0 && a.Momentum == 0
}

// Engine is deterministic: the same window always yields the same analysis.
type Engine struct {
	lookback        int
	momentumWindow  int
	trendWeight     float64
	momentumWeight  float64
	sentimentWeight float64
}

func NewEngine(cfg config.AnalysisConfig) *Engine {
	return &Engine{
		lookback:        cfg.Lookback,
		momentumWindow:  cfg.MomentumWindow,
		trendWeight:     cfg.TrendWeight,
		momentumWeight:  cfg.MomentumWeight,
		sentimentWeight: cfg.SentimentWeight,
	}
}

// MinSamples is the history length needed for a non-neutral analysis.
func (e *Engine) MinSamples() int { return e.lookback + 1 }

// Analyze scores the window. Short windows return neutral values.
func (e *Engine) Analyze(w market.Window) MarketAnalysis {
	a := MarketAnalysis{
		MarketID:  w.MarketID,
		Sentiment: 0.5,
		Samples:   len(w.Samples),
	}
	if last, ok := w.Last(); ok {
		a.Price = last.Price
		a.Volume = last.Volume
		a.At = last.At
		a.Smoothed = last.Price
	}
	if len(w.Samples) < e.MinSamples() {
		return a
	}

	samples := w.Samples[len(w.Samples)-e.MinSamples():]
	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
	}

	a.Trend = e.trend(prices[1:])
	a.Momentum = e.momentum(prices)
	a.Sentiment = sentiment(samples)
	a.Score = 100 * (e.trendWeight*a.Trend +
		e.momentumWeight*a.Momentum +
		e.sentimentWeight*(2*a.Sentiment-1))
	a.Score = clamp(a.Score, -100, 100)

	if ema := talib.Ema(prices, e.lookback); len(ema) > 0 {
		a.Smoothed = ema[len(ema)-1]
	}
	return a
}

// trend is the regression slope normalized by mean price and scaled by the
// window length, so a move of the whole mean across the window reads as 1.
func (e *Engine) trend(prices []float64) float64 {
	mean := 0.0
	for _, p := range prices {
		mean += p
	}
	mean /= float64(len(prices))
	if mean == 0 {
		return 0
	}
	slope := talib.LinearRegSlope(prices, len(prices))
	if len(slope) == 0 {
		return 0
	}
	return clamp(slope[len(slope)-1]/mean*float64(len(prices)), -1, 1)
}

func (e *Engine) momentum(prices []float64) float64 {
	base := prices[len(prices)-1-e.momentumWindow]
	if base == 0 {
		return 0
	}
	roc := talib.Roc(prices, e.momentumWindow)
	if len(roc) == 0 {
		return 0
	}
	// talib reports percent.
	return clamp(roc[len(roc)-1]/100, -1, 1)
}

// sentiment attributes each volume increase to the direction of the price
// move that accompanied it.
func sentiment(samples []market.Sample) float64 {
	var up, down float64
	for i := 1; i < len(samples); i++ {
		dv := samples[i].Volume - samples[i-1].Volume
		if dv <= 0 {
			continue
		}
		switch dp := samples[i].Price - samples[i-1].Price; {
		case dp > 0:
			up += dv
		case dp < 0:
			down += dv
		}
	}
	if up+down == 0 {
		return 0.5
	}
	return clamp(0.5+0.5*(up-down)/(up+down), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
