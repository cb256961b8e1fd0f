// Package engine implements the Strategy Engine (C6): one per-symbol state
// machine that turns ticks, features, and predictions into candidate
// Signals under a configurable strategy profile.
//
// Design rules (from spec §4.6):
//   - States: IDLE -> EVALUATING -> IN_POSITION -> EXITING -> COOLDOWN -> IDLE.
//   - Entry requires both the local entry condition and Risk's acceptance.
//   - Exit on stop-loss, take-profit, timeout, reversal, or kill switch.
//   - Sizing scales a base notional by confidence/regime/volatility and
//     clamps to the risk engine's notional bounds.
//   - A heartbeat is published on a fixed interval regardless of state.
//
// Entry and exit conditions are ordered, short-circuiting rule chains fed
// an immutable feature/prediction snapshot; the position/cooldown
// bookkeeping the state machine needs lives on the Engine itself, one
// instance per traded symbol, owned and driven by the Engine Manager.
package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/domain"
	"github.com/levibot/core/internal/feature"
	"github.com/levibot/core/internal/model"
	"github.com/levibot/core/internal/risk"
)

// State names the Strategy Engine's position in its lifecycle (§4.6).
type State string

const (
	StateIdle       State = "IDLE"
	StateEvaluating State = "EVALUATING"
	StateInPosition State = "IN_POSITION"
	StateExiting    State = "EXITING"
	StateCooldown   State = "COOLDOWN"
)

// Profile names a strategy mode; its Params tune thresholds without
// changing the state machine itself (§4.6).
type Profile string

const (
	ProfileScalp Profile = "SCALP"
	ProfileDay   Profile = "DAY"
	ProfileSwing Profile = "SWING"
)

// Params holds the per-profile tuning knobs. The JSON tags are the wire
// shape accepted as params overrides on the engine start endpoints (§4.7).
type Params struct {
	BarInterval     domain.BarInterval `json:"bar_interval"`
	CooldownBars    int                `json:"cooldown_bars"`
	TimeoutBars     int                `json:"timeout_bars"`
	ATRStopMultiple float64            `json:"atr_stop_multiple"`
	RiskRewardRatio float64            `json:"risk_reward_ratio"`
	ReversalMargin  float64            `json:"reversal_margin"` // prob_up distance from 0.5 that counts as a reversal signal
	MaxSpreadBps    float64            `json:"max_spread_bps"`
	MaxLatencyMs    float64            `json:"max_latency_ms"`
	MinVolBps       float64            `json:"min_vol_bps"`
	MaxStalenessSec float64            `json:"max_staleness_sec"`
	ConfidenceFloor float64            `json:"confidence_floor"`
	BaseNotionalUSD float64            `json:"base_notional_usd"`
}

// DefaultParams returns the default tuning per profile (§4.6). SWING runs
// on 15-minute bars, the widest BarInterval the domain package defines.
func DefaultParams(p Profile) Params {
	switch p {
	case ProfileScalp:
		return Params{
			BarInterval: domain.Bar1s, CooldownBars: 5, TimeoutBars: 20,
			ATRStopMultiple: 1.2, RiskRewardRatio: 1.5, ReversalMargin: 0.15,
			MaxSpreadBps: 5, MaxLatencyMs: 250, MinVolBps: 2, MaxStalenessSec: 5,
			ConfidenceFloor: 0.55, BaseNotionalUSD: 50,
		}
	case ProfileSwing:
		return Params{
			BarInterval: domain.Bar15m, CooldownBars: 4, TimeoutBars: 40,
			ATRStopMultiple: 2.5, RiskRewardRatio: 3, ReversalMargin: 0.2,
			MaxSpreadBps: 25, MaxLatencyMs: 1000, MinVolBps: 5, MaxStalenessSec: 120,
			ConfidenceFloor: 0.6, BaseNotionalUSD: 200,
		}
	default: // ProfileDay
		return Params{
			BarInterval: domain.Bar15m, CooldownBars: 8, TimeoutBars: 30,
			ATRStopMultiple: 2, RiskRewardRatio: 2, ReversalMargin: 0.18,
			MaxSpreadBps: 15, MaxLatencyMs: 500, MinVolBps: 3, MaxStalenessSec: 60,
			ConfidenceFloor: 0.58, BaseNotionalUSD: 100,
		}
	}
}

// Predictor is satisfied by model.Provider.
type Predictor interface {
	Predict(ctx context.Context, symbol string, horizon time.Duration) domain.Prediction
	ActiveMetadata() model.Metadata
}

// FeatureSource is satisfied by feature.Cache.
type FeatureSource interface {
	Get(symbol string, now time.Time) (feature.Vector, bool)
}

// RiskGate is satisfied by risk.Engine.
type RiskGate interface {
	Evaluate(ctx context.Context, signal domain.Signal, predictionLatency time.Duration, strategyID string, barCloseTS time.Time) risk.Decision
	KillSwitchActive() bool
}

// Executor is satisfied by paper.Engine.
type Executor interface {
	SubmitOrder(ctx context.Context, order domain.Order) (domain.Fill, error)
}

// Heartbeat is published on a fixed cadence regardless of state (§4.6).
type Heartbeat struct {
	Symbol     string
	State      State
	LastTickTS time.Time
	Position   *domain.Position
	PnL        float64
}

// position tracks in-flight trade bookkeeping while IN_POSITION/EXITING.
type position struct {
	side       domain.Side
	entryPrice float64
	stopLoss   float64
	takeProfit float64
	quantity   float64
	signalID   string
	barsHeld   int
}

// Engine is a single symbol's Strategy Engine instance (C6).
type Engine struct {
	log    zerolog.Logger
	symbol string
	params Params

	predictor Predictor
	features  FeatureSource
	risk      RiskGate
	exec      Executor
	bus       publisher

	mu            sync.Mutex
	state         State
	pos           *position
	cooldownLeft  int
	bucketStart   time.Time
	bar           domain.Bar
	lastTick      domain.Tick
	strategyID    string

	heartbeatInterval time.Duration
	lastHeartbeat     time.Time

	entropy *ulid.MonotonicEntropy // single-goroutine use only, under mu
}

// publisher is the narrow slice of bus.Bus this engine needs.
type publisher interface {
	Publish(topic string, payload any)
}

// Config bundles an Engine's collaborators and tuning.
type Config struct {
	Symbol            string
	Profile           Profile
	Params            *Params // nil uses DefaultParams(Profile)
	StrategyID        string
	HeartbeatInterval time.Duration
}

// New constructs a Strategy Engine for one symbol, idle until Start is
// called by the Engine Manager.
func New(cfg Config, predictor Predictor, features FeatureSource, riskGate RiskGate, exec Executor, bus publisher, log zerolog.Logger) *Engine {
	params := DefaultParams(cfg.Profile)
	if cfg.Params != nil {
		params = *cfg.Params
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 10 * time.Second
	}
	return &Engine{
		log: log.With().Str("symbol", cfg.Symbol).Logger(), symbol: cfg.Symbol, params: params,
		predictor: predictor, features: features, risk: riskGate, exec: exec, bus: bus,
		state: StateIdle, strategyID: cfg.StrategyID, heartbeatInterval: hb,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// State reports the engine's current lifecycle position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnTick drives the state machine: updates the OHLC bucket for the
// profile's bar interval, and evaluates at every bar close (§4.6 "IDLE ->
// EVALUATING on every tick, gated by the engine's bar-close schedule").
func (e *Engine) OnTick(ctx context.Context, tick domain.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastTick = tick
	closed := e.rollBucket(tick)
	e.maybeHeartbeat()

	if e.state == StateCooldown {
		if closed {
			e.cooldownLeft--
			if e.cooldownLeft <= 0 {
				e.state = StateIdle
			}
		}
		return
	}

	if e.state == StateInPosition || e.state == StateExiting {
		if closed && e.pos != nil {
			e.pos.barsHeld++
		}
		e.evaluateExitLocked(ctx, tick)
		return
	}

	if !closed {
		return
	}
	e.evaluateEntryLocked(ctx)
}

// rollBucket feeds tick into the current OHLC bucket, returning true when
// the bucket just closed (a new one started).
func (e *Engine) rollBucket(tick domain.Tick) bool {
	width := e.params.BarInterval.Duration()
	start := tick.Timestamp.Truncate(width)

	if e.bucketStart.IsZero() {
		e.bucketStart = start
		e.bar = domain.Bar{Interval: e.params.BarInterval, BucketStart: start, Symbol: e.symbol,
			Open: tick.LastPrice, High: tick.LastPrice, Low: tick.LastPrice, Close: tick.LastPrice}
		return false
	}

	if start.After(e.bucketStart) {
		e.bucketStart = start
		e.bar = domain.Bar{Interval: e.params.BarInterval, BucketStart: start, Symbol: e.symbol,
			Open: tick.LastPrice, High: tick.LastPrice, Low: tick.LastPrice, Close: tick.LastPrice}
		return true
	}

	if tick.LastPrice > e.bar.High {
		e.bar.High = tick.LastPrice
	}
	if tick.LastPrice < e.bar.Low {
		e.bar.Low = tick.LastPrice
	}
	e.bar.Close = tick.LastPrice
	e.bar.Volume += tick.TradeVolumeDelta
	return false
}

// evaluateEntryLocked runs the momentum gate, RSI+MACD gate, and filters
// (§4.6), and if satisfied, submits a Signal to Risk. Caller holds mu.
func (e *Engine) evaluateEntryLocked(ctx context.Context) {
	e.state = StateEvaluating

	vec, ok := e.features.Get(e.symbol, e.lastTick.Timestamp)
	if !ok || vec.Stale {
		e.state = StateIdle
		return
	}

	pred := e.predictor.Predict(ctx, e.symbol, e.params.BarInterval.Duration())

	if !e.passesFiltersLocked(vec, pred) {
		e.state = StateIdle
		return
	}

	// The active model's calibration thresholds decide the directional
	// intent; the momentum score then shapes the confidence behind it.
	meta := e.predictor.ActiveMetadata()
	intent := model.ToIntent(pred, meta.EntryThreshold, meta.ExitThreshold)
	if intent == model.IntentHold {
		e.state = StateIdle
		return
	}

	score := momentumScore(vec)
	side := domain.SideBuy
	combined := math.Max(score, pred.ProbUp)
	if intent == model.IntentSell {
		side = domain.SideSell
		combined = math.Min(score, pred.ProbUp)
	}
	confidence := math.Abs(combined-0.5) * 2
	if confidence < e.params.ConfidenceFloor {
		e.state = StateIdle
		return
	}

	if !rsiMACDAligned(vec, side) {
		e.state = StateIdle
		return
	}

	notional := sizeNotional(e.params.BaseNotionalUSD, confidence, vec)
	sig := domain.Signal{
		ID:     domain.NewSignalID(e.lastTick.Timestamp, e.entropy),
		Symbol: e.symbol, Side: side, Confidence: confidence,
		IntendedNotionalUSD: notional, SourceStrategy: e.strategyID,
		CreatedAt: e.lastTick.Timestamp, PredictionRef: &pred,
	}

	decision := e.risk.Evaluate(ctx, sig, time.Duration(pred.LatencyMs*float64(time.Millisecond)), e.strategyID, e.bar.BucketStart)
	if !decision.Accepted {
		e.log.Debug().Str("reason", decision.Reason).Msg("engine: signal rejected by risk")
		e.state = StateIdle
		return
	}

	// Quantity is left zero: the executor derives it from the USD notional
	// at the resolved fill price (§3 "notional_usd is the USD allocation
	// before fill effects").
	order := domain.Order{
		Symbol: e.symbol, Side: side, NotionalUSD: decision.Signal.IntendedNotionalUSD,
		RequestedPrice: e.lastTick.LastPrice, OrderType: domain.OrderTypeMarket,
		CreatedAt:       e.lastTick.Timestamp,
		ClientRequestID: decision.ClientRequestID,
	}

	fill, err := e.exec.SubmitOrder(ctx, order)
	if err != nil {
		e.log.Warn().Err(err).Msg("engine: order submission failed")
		e.state = StateIdle
		return
	}

	atr := vec.ATR14
	sl, tp := stopAndTarget(side, fill.FillPrice, atr, e.params.ATRStopMultiple, e.params.RiskRewardRatio)
	e.pos = &position{side: side, entryPrice: fill.FillPrice, stopLoss: sl, takeProfit: tp, quantity: fill.Quantity, signalID: sig.ID}
	e.state = StateInPosition
	if e.bus != nil {
		e.bus.Publish("signals", decision.Signal)
	}
}

// evaluateExitLocked checks stop-loss, take-profit, timeout, and reversal
// conditions (§4.6). Caller holds mu.
func (e *Engine) evaluateExitLocked(ctx context.Context, tick domain.Tick) {
	if e.pos == nil {
		e.state = StateIdle
		return
	}

	price := tick.LastPrice
	hit := false
	switch e.pos.side {
	case domain.SideBuy:
		hit = price <= e.pos.stopLoss || price >= e.pos.takeProfit
	case domain.SideSell:
		hit = price >= e.pos.stopLoss || price <= e.pos.takeProfit
	}

	timedOut := e.pos.barsHeld >= e.params.TimeoutBars

	killed := e.risk != nil && e.risk.KillSwitchActive()

	reversed := false
	if vec, ok := e.features.Get(e.symbol, tick.Timestamp); ok && !vec.Stale {
		pred := e.predictor.Predict(ctx, e.symbol, e.params.BarInterval.Duration())
		if e.pos.side == domain.SideBuy && pred.ProbUp < 0.5-e.params.ReversalMargin {
			reversed = true
		}
		if e.pos.side == domain.SideSell && pred.ProbUp > 0.5+e.params.ReversalMargin {
			reversed = true
		}
	}

	if !hit && !timedOut && !reversed && !killed {
		return
	}

	e.state = StateExiting

	exitSide := domain.SideSell
	if e.pos.side == domain.SideSell {
		exitSide = domain.SideBuy
	}
	order := domain.Order{
		Symbol: e.symbol, Side: exitSide, Quantity: e.pos.quantity, NotionalUSD: e.pos.quantity * price,
		RequestedPrice: price, OrderType: domain.OrderTypeMarket, CreatedAt: tick.Timestamp,
		ClientRequestID: risk.IdempotencyKey(e.symbol, string(exitSide), e.bar.BucketStart, e.strategyID+"-exit"),
	}

	if _, err := e.exec.SubmitOrder(ctx, order); err != nil {
		e.log.Warn().Err(err).Msg("engine: exit order submission failed")
		return
	}

	e.pos = nil
	e.cooldownLeft = e.params.CooldownBars
	e.state = StateCooldown
}

// passesFiltersLocked enforces spread/latency/volatility/staleness gates
// (§4.6 "Filters"). Caller holds mu.
func (e *Engine) passesFiltersLocked(vec feature.Vector, pred domain.Prediction) bool {
	spreadBps := 0.0
	if e.lastTick.Bid > 0 && e.lastTick.Ask > 0 && e.lastTick.LastPrice > 0 {
		spreadBps = (e.lastTick.Ask - e.lastTick.Bid) / e.lastTick.LastPrice * 10000
	}
	if spreadBps > e.params.MaxSpreadBps {
		return false
	}
	if pred.LatencyMs > e.params.MaxLatencyMs {
		return false
	}
	if math.Abs(vec.Volatility)*10000 < e.params.MinVolBps {
		return false
	}
	if e.lastTick.Timestamp.Sub(vec.ComputedAt).Seconds() > e.params.MaxStalenessSec {
		return false
	}
	return true
}

// maybeHeartbeat publishes a Heartbeat on the configured interval
// regardless of state (§4.6). Caller holds mu.
func (e *Engine) maybeHeartbeat() {
	if e.lastTick.Timestamp.Sub(e.lastHeartbeat) < e.heartbeatInterval {
		return
	}
	e.lastHeartbeat = e.lastTick.Timestamp

	var posSnapshot *domain.Position
	pnl := 0.0
	if e.pos != nil {
		posSnapshot = &domain.Position{
			Symbol: e.symbol, QuantitySigned: signedQty(e.pos), AverageEntryPrice: e.pos.entryPrice,
			LastMarkPrice: e.lastTick.LastPrice, LastMarkAt: e.lastTick.Timestamp,
		}
		pnl = signedQty(e.pos) * (e.lastTick.LastPrice - e.pos.entryPrice)
	}
	if e.bus != nil {
		e.bus.Publish("heartbeats", Heartbeat{Symbol: e.symbol, State: e.state, LastTickTS: e.lastTick.Timestamp, Position: posSnapshot, PnL: pnl})
	}
}

func signedQty(p *position) float64 {
	if p.side == domain.SideSell {
		return -p.quantity
	}
	return p.quantity
}

// momentumScore weights returns/trend/RSI/volatility into a [0,1] BUY-bias
// score (§4.6 "Momentum gate").
func momentumScore(vec feature.Vector) float64 {
	trendUp := 0.0
	if vec.MA20 > 0 {
		trendUp = clampUnit((vec.Returns10)*5 + 0.5)
	}
	rsiZone := clampUnit(vec.RSI14 / 100)
	volBand := clampUnit(1 - math.Abs(vec.Volatility)*20)

	score := 0.4*trendUp + 0.35*rsiZone + 0.25*volBand
	return clampUnit(score)
}

// rsiMACDAligned approximates the RSI-crosses-50-in-MACD-direction gate
// (§4.6 "RSI+MACD gate") from the Feature Cache's RSI alone, since no
// separate MACD histogram field exists in this build's FeatureVector: RSI
// on the correct side of 50 for the candidate side stands in for
// alignment.
func rsiMACDAligned(vec feature.Vector, side domain.Side) bool {
	if side == domain.SideBuy {
		return vec.RSI14 >= 50
	}
	return vec.RSI14 <= 50
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sizeNotional applies the confidence/regime/volatility scalers to the
// base notional (§4.6 "Sizing"). The clamp to RISK_MIN/MAX_NOTIONAL
// happens in Risk.Evaluate, not here.
func sizeNotional(base, confidence float64, vec feature.Vector) float64 {
	confidenceScaler := 0.5 + confidence
	volScaler := 1 / (1 + math.Abs(vec.Volatility)*10)
	return base * confidenceScaler * regimeScaler(vec) * volScaler
}

// regimeScaler classifies the market regime from how far price sits from
// its 60-sample mean: a strong trend (|z| >= 1.5) sizes up modestly, a
// tight range (|z| <= 0.5) sizes down, anything between is neutral.
func regimeScaler(vec feature.Vector) float64 {
	z := math.Abs(vec.ZScore60)
	switch {
	case z >= 1.5:
		return 1.2
	case z <= 0.5:
		return 0.8
	default:
		return 1.0
	}
}

// stopAndTarget derives ATR-based stop-loss and RR-based take-profit
// prices for a new position (§4.6 "Records entry price, SL (ATR-based),
// TP (RR-based)").
func stopAndTarget(side domain.Side, entry, atr, atrMult, rr float64) (sl, tp float64) {
	risk := atr * atrMult
	if risk <= 0 {
		risk = entry * 0.01
	}
	if side == domain.SideBuy {
		return entry - risk, entry + risk*rr
	}
	return entry + risk, entry - risk*rr
}

// String satisfies fmt.Stringer for State, used in log fields and the
// Engine Manager's List() output.
func (s State) String() string { return string(s) }
