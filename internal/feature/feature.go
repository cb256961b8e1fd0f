// Package feature implements the Feature Cache & Indicators (C4):
// per-symbol rolling state and derived features needed by strategies and by
// the risk path.
//
// Design rules (from spec §4.4):
//   - State per symbol: a ring of the most recent N prices (default 100),
//     last update timestamp, incrementally maintained RSI_14/MA_20,
//     rolling volatility, and ATR_14. ATR_14 advances once per Update call
//     from the high/low/close the caller passes; the cache has no bar
//     interval setting of its own.
//   - Numeric semantics are fixed for reproducibility; see each method's
//     doc comment for the exact formula.
//   - A symbol's features are never shared with another symbol's state.
//
// Each indicator exists twice: as a pure, slice-based reference
// implementation (unit-tested directly and cross-checked against
// github.com/markcheno/go-talib), and as incremental per-symbol state —
// running sums (MA_20), Wilder-smoothed averages (RSI_14, ATR_14), and
// sliding sum/sum-of-squares windows (volatility, z_score_60) — advanced
// in O(1) per tick on the live path rather than rescanning the ring.
package feature

import (
	"math"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

const (
	defaultRingSize = 100
	maPeriod        = 20
	rsiPeriod       = 14
	atrPeriod       = 14
	volReturnWindow = 20
	zScoreWindow    = 60
)

// Vector is the per-symbol snapshot returned by Cache.Get (domain
// .FeatureVector without the symbol/staleness bookkeeping, which the
// caller already knows).
type Vector struct {
	ComputedAt time.Time
	WindowSize int
	Returns1   float64
	Returns5   float64
	Returns10  float64
	MA20       float64
	RSI14      float64
	Volatility float64
	ZScore60   float64
	ATR14      float64
	Stale      bool
}

// symbolState is the ring of recent prices/bars for one symbol, plus the
// incrementally maintained running state for each derived feature.
type symbolState struct {
	mu sync.Mutex

	prices     []float64 // ring, most recent last, capped at ringSize; backs returns(k)
	lastUpdate time.Time
	ringSize   int

	// MA_20: running sum over a fixed-size FIFO window.
	maWindow []float64
	maSum    float64

	// RSI_14: Wilder-smoothed average gain/loss, seeded over the first
	// rsiPeriod changes then updated one change at a time.
	rsiPrevClose   float64
	rsiHasPrev     bool
	rsiReady       bool
	rsiSeedCount   int
	rsiSeedGainSum float64
	rsiSeedLossSum float64
	rsiAvgGain     float64
	rsiAvgLoss     float64

	// Volatility: sliding sum/sum-of-squares of the last volReturnWindow
	// 1-step returns.
	volWindow []float64
	volSum    float64
	volSumSq  float64

	// ZScore60: sliding sum/sum-of-squares of the last zScoreWindow prices.
	zWindow []float64
	zSum    float64
	zSumSq  float64

	// ATR_14: Wilder-smoothed true range, seeded over the first atrPeriod
	// bars then updated one bar at a time.
	atrPrevClose float64
	atrHasPrev   bool
	atrReady     bool
	atrSeedCount int
	atrSeedSum   float64
	atrValue     float64

	last Vector // most recent computed vector, sans Stale
}

func newSymbolState(ringSize int) *symbolState {
	return &symbolState{ringSize: ringSize}
}

func pushCapped(ring []float64, v float64, cap int) []float64 {
	ring = append(ring, v)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}

// update pushes a new price observation (and, for ATR, the bar's high/low)
// and advances every incremental indicator by exactly one step. It takes
// s.mu itself.
func (s *symbolState) update(price, high, low float64, at time.Time) Vector {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices = pushCapped(s.prices, price, s.ringSize)
	s.lastUpdate = at

	s.updateMA(price)
	s.updateRSI(price)
	s.updateVolatility(price)
	s.updateZScore(price)
	s.updateATR(high, low, price)

	s.last = Vector{
		ComputedAt: at,
		WindowSize: len(s.prices),
		Returns1:   returns(s.prices, 1),
		Returns5:   returns(s.prices, 5),
		Returns10:  returns(s.prices, 10),
		MA20:       s.maValue(),
		RSI14:      s.rsiValue(),
		Volatility: s.volValue(),
		ZScore60:   s.zValue(),
		ATR14:      s.atrValue,
	}
	return s.last
}

func (s *symbolState) updateMA(price float64) {
	s.maWindow = append(s.maWindow, price)
	s.maSum += price
	if len(s.maWindow) > maPeriod {
		evicted := s.maWindow[0]
		s.maWindow = s.maWindow[1:]
		s.maSum -= evicted
	}
}

func (s *symbolState) maValue() float64 {
	if len(s.maWindow) < maPeriod {
		return 0
	}
	return s.maSum / float64(maPeriod)
}

// updateRSI advances the Wilder-smoothed RSI_14 by one price change: a
// simple average over the first rsiPeriod gains/losses seeds it, Wilder
// smoothing takes over thereafter.
func (s *symbolState) updateRSI(price float64) {
	if !s.rsiHasPrev {
		s.rsiPrevClose = price
		s.rsiHasPrev = true
		return
	}

	change := price - s.rsiPrevClose
	s.rsiPrevClose = price

	var gain, loss float64
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if !s.rsiReady {
		s.rsiSeedCount++
		s.rsiSeedGainSum += gain
		s.rsiSeedLossSum += loss
		if s.rsiSeedCount == rsiPeriod {
			s.rsiAvgGain = s.rsiSeedGainSum / rsiPeriod
			s.rsiAvgLoss = s.rsiSeedLossSum / rsiPeriod
			s.rsiReady = true
		}
		return
	}

	s.rsiAvgGain = (s.rsiAvgGain*float64(rsiPeriod-1) + gain) / float64(rsiPeriod)
	s.rsiAvgLoss = (s.rsiAvgLoss*float64(rsiPeriod-1) + loss) / float64(rsiPeriod)
}

func (s *symbolState) rsiValue() float64 {
	if !s.rsiReady {
		return 50 // neutral if insufficient data, matching rsi()
	}
	if s.rsiAvgLoss == 0 {
		return 100
	}
	rsVal := s.rsiAvgGain / s.rsiAvgLoss
	return 100 - 100/(1+rsVal)
}

// updateVolatility maintains a sliding sum/sum-of-squares of 1-step returns
// over volReturnWindow samples.
func (s *symbolState) updateVolatility(price float64) {
	if len(s.prices) < 2 {
		return
	}
	prev := s.prices[len(s.prices)-2]
	if prev == 0 {
		return
	}
	ret := (price - prev) / prev

	s.volWindow = append(s.volWindow, ret)
	s.volSum += ret
	s.volSumSq += ret * ret
	if len(s.volWindow) > volReturnWindow {
		evicted := s.volWindow[0]
		s.volWindow = s.volWindow[1:]
		s.volSum -= evicted
		s.volSumSq -= evicted * evicted
	}
}

func (s *symbolState) volValue() float64 {
	n := len(s.volWindow)
	if n < 2 {
		return 0
	}
	mean := s.volSum / float64(n)
	// Sample variance via sum-of-squares identity, clamped at 0 to absorb
	// floating-point drift.
	variance := (s.volSumSq - float64(n)*mean*mean) / float64(n-1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// updateZScore maintains a sliding sum/sum-of-squares of the last
// zScoreWindow prices.
func (s *symbolState) updateZScore(price float64) {
	s.zWindow = append(s.zWindow, price)
	s.zSum += price
	s.zSumSq += price * price
	if len(s.zWindow) > zScoreWindow {
		evicted := s.zWindow[0]
		s.zWindow = s.zWindow[1:]
		s.zSum -= evicted
		s.zSumSq -= evicted * evicted
	}
}

func (s *symbolState) zValue() float64 {
	n := len(s.zWindow)
	if n < zScoreWindow {
		return 0
	}
	mean := s.zSum / float64(n)
	variance := (s.zSumSq - float64(n)*mean*mean) / float64(n-1)
	if variance < 0 {
		variance = 0
	}
	sd := math.Sqrt(variance)
	if sd == 0 {
		return 0
	}
	return (s.zWindow[n-1] - mean) / sd
}

// updateATR advances the Wilder-smoothed ATR_14 by one bar, seeded as a
// simple average of the first atrPeriod true ranges then Wilder-smoothed
// thereafter.
func (s *symbolState) updateATR(high, low, close float64) {
	trueRange := high - low
	if s.atrHasPrev {
		trueRange = math.Max(trueRange, math.Max(math.Abs(high-s.atrPrevClose), math.Abs(low-s.atrPrevClose)))
	}
	s.atrPrevClose = close
	s.atrHasPrev = true

	if !s.atrReady {
		s.atrSeedCount++
		s.atrSeedSum += trueRange
		s.atrValue = trueRange // fallback value while seeding, mirrors atr()'s "last range" fallback
		if s.atrSeedCount == atrPeriod {
			s.atrValue = s.atrSeedSum / float64(atrPeriod)
			s.atrReady = true
		}
		return
	}

	s.atrValue = (s.atrValue*float64(atrPeriod-1) + trueRange) / float64(atrPeriod)
}

func (s *symbolState) stalenessSeconds(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUpdate.IsZero() {
		return math.Inf(1)
	}
	return now.Sub(s.lastUpdate).Seconds()
}

// Cache is the process-wide Feature Cache (C4), one symbolState per symbol.
type Cache struct {
	ringSize       int
	stalenessLimit time.Duration

	mu     sync.RWMutex
	states map[string]*symbolState
}

// New builds an empty Cache. stalenessLimit is the threshold past which Get
// reports Stale=true (default 60s per §4.4).
func New(stalenessLimit time.Duration) *Cache {
	if stalenessLimit <= 0 {
		stalenessLimit = 60 * time.Second
	}
	return &Cache{
		ringSize:       defaultRingSize,
		stalenessLimit: stalenessLimit,
		states:         make(map[string]*symbolState),
	}
}

func (c *Cache) stateFor(symbol string) *symbolState {
	c.mu.RLock()
	s, ok := c.states[symbol]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.states[symbol]; ok {
		return s
	}
	s = newSymbolState(c.ringSize)
	c.states[symbol] = s
	return s
}

// Update refreshes symbol's feature state on a new tick/bar close.
func (c *Cache) Update(symbol string, price, high, low float64, at time.Time) Vector {
	return c.stateFor(symbol).update(price, high, low, at)
}

// Get returns the current feature vector for symbol along with whether it
// is stale (now - last update > stalenessLimit); downstream must either
// fall back or abstain when Stale is true, per §4.4. The vector itself is
// whatever Update last computed incrementally; Get never recomputes it.
func (c *Cache) Get(symbol string, now time.Time) (Vector, bool) {
	c.mu.RLock()
	s, ok := c.states[symbol]
	c.mu.RUnlock()
	if !ok {
		return Vector{}, false
	}

	s.mu.Lock()
	v := s.last
	s.mu.Unlock()

	v.Stale = now.Sub(v.ComputedAt) > c.stalenessLimit
	return v, true
}

// ────────────────────────────────────────────────────────────────────
// indicator math (§4.4 numeric semantics) — pure, slice-based reference
// implementations. Not on the live Update/Get path (see symbolState's
// incremental methods above); kept for direct unit testing and for
// cross-checking against github.com/markcheno/go-talib.
// ────────────────────────────────────────────────────────────────────

// returns(k) = (p[t] - p[t-k]) / p[t-k]; 0 if k samples not yet present.
func returns(prices []float64, k int) float64 {
	n := len(prices)
	if n <= k || k <= 0 {
		return 0
	}
	past := prices[n-1-k]
	if past == 0 {
		return 0
	}
	return (prices[n-1] - past) / past
}

// movingAverage is the arithmetic mean of the last `period` closes.
func movingAverage(closes []float64, period int) float64 {
	n := len(closes)
	if n < period {
		return 0
	}
	window := closes[n-period:]
	return stat.Mean(window, nil)
}

// rsi implements Wilder-smoothed RSI_14: seed average gain/loss over the
// first `period` changes, then apply Wilder smoothing for the remainder.
// rsi = 100 if avg_loss=0.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50 // neutral if insufficient data
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gainSum += change
		} else {
			lossSum += -change
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		var gain, loss float64
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// volatility is the sample standard deviation of the last-20 1-step
// returns.
func volatility(prices []float64, window int) float64 {
	n := len(prices)
	if n < window+1 {
		return 0
	}
	rets := make([]float64, 0, window)
	start := n - window
	for i := start; i < n; i++ {
		if i == 0 {
			continue
		}
		if prices[i-1] == 0 {
			continue
		}
		rets = append(rets, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(rets) < 2 {
		return 0
	}
	return stat.StdDev(rets, nil)
}

// zScore returns (p[t] - mean_60) / stddev_60.
func zScore(prices []float64, window int) float64 {
	n := len(prices)
	if n < window {
		return 0
	}
	sample := prices[n-window:]
	mean := stat.Mean(sample, nil)
	sd := stat.StdDev(sample, nil)
	if sd == 0 {
		return 0
	}
	return (prices[n-1] - mean) / sd
}

// atr is the mean true range over the last `period` bars: true range =
// max(high-low, |high-prevClose|, |low-prevClose|).
func atr(highs, lows, closes []float64, period int) float64 {
	n := len(highs)
	if n == 0 || len(lows) != n || len(closes) != n {
		return 0
	}
	if n < period+1 {
		return highs[n-1] - lows[n-1]
	}

	var total float64
	for i := n - period; i < n; i++ {
		tr1 := highs[i] - lows[i]
		tr2 := math.Abs(highs[i] - closes[i-1])
		tr3 := math.Abs(lows[i] - closes[i-1])
		total += math.Max(tr1, math.Max(tr2, tr3))
	}
	return total / float64(period)
}

// talibRSI and talibATR are used only by the test suite to cross-check the
// reference implementations above against go-talib's reference
// implementation on identical input slices.
func talibRSI(closes []float64, period int) []float64 {
	return talib.Rsi(closes, period)
}

func talibATR(highs, lows, closes []float64, period int) []float64 {
	return talib.Atr(highs, lows, closes, period)
}
