package feature

import (
	"math"
	"testing"
	"time"
)

func TestReturnsUndefinedWithoutEnoughSamples(t *testing.T) {
	if got := returns([]float64{100}, 5); got != 0 {
		t.Errorf("returns with insufficient samples = %v, want 0", got)
	}
}

func TestReturnsComputed(t *testing.T) {
	prices := []float64{100, 110}
	got := returns(prices, 1)
	want := 0.1
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("returns(1) = %v, want %v", got, want)
	}
}

func TestMovingAverageInsufficientData(t *testing.T) {
	if got := movingAverage([]float64{1, 2, 3}, 20); got != 0 {
		t.Errorf("MA with insufficient data = %v, want 0", got)
	}
}

func TestRSIBoundsAndNeutralFallback(t *testing.T) {
	if got := rsi([]float64{100, 101}, 14); got != 50 {
		t.Errorf("RSI with insufficient data = %v, want 50 (neutral)", got)
	}

	closes := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		closes = append(closes, 100+float64(i))
	}
	if got := rsi(closes, 14); got != 100 {
		t.Errorf("RSI on a strictly rising series = %v, want 100 (avg_loss=0)", got)
	}
}

func TestRSIMatchesGoTalib(t *testing.T) {
	closes := []float64{
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42,
		45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28, 46.00,
		46.03, 46.41, 46.22, 45.64,
	}
	ours := rsi(closes, 14)
	ref := talibRSI(closes, 14)
	last := ref[len(ref)-1]
	if math.Abs(ours-last) > 1.0 {
		t.Errorf("rsi() = %v, go-talib Rsi() last = %v, diverged by more than 1.0", ours, last)
	}
}

func TestATRFallsBackToLastRangeWithInsufficientData(t *testing.T) {
	highs := []float64{105}
	lows := []float64{95}
	closes := []float64{100}
	if got := atr(highs, lows, closes, 14); got != 10 {
		t.Errorf("ATR fallback = %v, want 10", got)
	}
}

func TestATRMatchesGoTalib(t *testing.T) {
	highs := []float64{48.70, 48.72, 48.90, 48.87, 48.82, 49.05, 49.20, 49.35, 49.92, 50.19, 50.12, 49.66, 49.88, 50.19, 50.36}
	lows := []float64{47.79, 48.14, 48.39, 48.37, 48.24, 48.64, 48.94, 48.86, 49.50, 49.87, 49.20, 48.90, 49.43, 49.73, 49.26}
	closes := []float64{48.16, 48.61, 48.75, 48.63, 48.74, 49.03, 49.07, 49.32, 49.91, 50.13, 49.53, 49.50, 49.75, 50.03, 50.31}

	ours := atr(highs, lows, closes, 14)
	ref := talibATR(highs, lows, closes, 14)
	last := ref[len(ref)-1]
	if math.Abs(ours-last) > 0.5 {
		t.Errorf("atr() = %v, go-talib Atr() last = %v, diverged by more than 0.5", ours, last)
	}
}

func TestVolatilityAndZScore(t *testing.T) {
	if got := volatility([]float64{100, 101}, 20); got != 0 {
		t.Errorf("volatility with insufficient data = %v, want 0", got)
	}
	if got := zScore([]float64{100, 101}, 60); got != 0 {
		t.Errorf("zScore with insufficient data = %v, want 0", got)
	}

	prices := make([]float64, 61)
	for i := range prices {
		prices[i] = 100 + float64(i%3)
	}
	if got := zScore(prices, 60); math.IsNaN(got) {
		t.Error("zScore should not be NaN with varying prices")
	}
}

func TestCacheUpdateAndStaleness(t *testing.T) {
	c := New(time.Minute)
	now := time.Now()

	v, ok := c.Get("BTCUSDT", now)
	if ok {
		t.Fatalf("expected no vector before first update, got %+v", v)
	}

	c.Update("BTCUSDT", 100, 101, 99, now)
	v, ok = c.Get("BTCUSDT", now)
	if !ok {
		t.Fatal("expected vector after update")
	}
	if v.Stale {
		t.Error("freshly updated vector should not be stale")
	}

	staleAt := now.Add(2 * time.Minute)
	v, ok = c.Get("BTCUSDT", staleAt)
	if !ok || !v.Stale {
		t.Errorf("vector queried past staleness limit should be marked stale, got %+v, %v", v, ok)
	}
}

func TestCacheIsolatedPerSymbol(t *testing.T) {
	c := New(time.Minute)
	now := time.Now()

	c.Update("BTCUSDT", 100, 101, 99, now)
	c.Update("ETHUSDT", 2000, 2010, 1990, now)

	btc, _ := c.Get("BTCUSDT", now)
	eth, _ := c.Get("ETHUSDT", now)

	if btc.WindowSize != 1 || eth.WindowSize != 1 {
		t.Errorf("expected independent window sizes, got btc=%d eth=%d", btc.WindowSize, eth.WindowSize)
	}
}
