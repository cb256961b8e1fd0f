// Package domain defines the core entities shared across every component:
// Tick, Bar, FeatureVector, Prediction, Signal, Guardrails, Order, Fill,
// Position, Trade, EquitySnapshot, FlagsSnapshot and AuditEntry (spec §3).
//
// These are plain data structs. Components own the behavior; this package
// owns only the shape and the few invariant-checking helpers that are cheap
// to colocate with the type (e.g. Tick.Valid).
package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Side identifies a trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideFlat Side = "flat"
)

// OrderType enumerates supported order types. The core is market-only (§3).
type OrderType string

const OrderTypeMarket OrderType = "market"

// Tick is a single normalized market data point for a symbol.
//
// Invariants (§3): bid <= last <= ask when both sides are present;
// duplicates are suppressed by the (Symbol, Timestamp, LastPrice) triple.
type Tick struct {
	Symbol           string
	Timestamp        time.Time // monotonic source, stored as UTC
	LastPrice        float64
	Bid              float64
	Ask              float64
	BidSize          float64
	AskSize          float64
	TradeVolumeDelta float64
}

// Valid reports whether the tick satisfies the bid/last/ask ordering
// invariant. Ticks with a zero bid or ask (not yet observed) are exempt.
func (t Tick) Valid() bool {
	if t.Bid > 0 && t.Ask > 0 {
		return t.Bid <= t.LastPrice && t.LastPrice <= t.Ask
	}
	return true
}

// DedupKey returns the triple used to suppress duplicate ticks.
func (t Tick) DedupKey() [3]any {
	return [3]any{t.Symbol, t.Timestamp.UnixNano(), t.LastPrice}
}

// BarInterval names one of the supported OHLC bucket widths.
type BarInterval string

const (
	Bar1s  BarInterval = "1s"
	Bar5s  BarInterval = "5s"
	Bar1m  BarInterval = "1m"
	Bar5m  BarInterval = "5m"
	Bar15m BarInterval = "15m"
)

// Duration returns the wall-clock width of the bucket.
func (b BarInterval) Duration() time.Duration {
	switch b {
	case Bar1s:
		return time.Second
	case Bar5s:
		return 5 * time.Second
	case Bar1m:
		return time.Minute
	case Bar5m:
		return 5 * time.Minute
	case Bar15m:
		return 15 * time.Minute
	default:
		return time.Minute
	}
}

// Bar is an OHLCV bar derived from Ticks by time-bucketing.
type Bar struct {
	Interval    BarInterval
	BucketStart time.Time
	Symbol      string
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
}

// FeatureVector is the Feature Cache's per-symbol snapshot, refreshed on
// every tick. It is never shared across symbols (§3).
type FeatureVector struct {
	Symbol          string
	ComputedAt      time.Time
	WindowSize      int
	PriceHistory    []float64
	Returns1        float64
	Returns5        float64
	Returns10       float64
	MA20            float64
	RSI14           float64
	Volatility      float64
	ZScore60        float64
	ATR14           float64
	StalenessSecond float64
}

// Prediction is the Model Provider's verdict for a symbol/horizon pair.
// Immutable once produced (§3).
type Prediction struct {
	Symbol         string
	Horizon        time.Duration
	ProbUp         float64
	Confidence     float64
	ModelName      string
	IsFallback     bool
	FallbackReason string
	StalenessSec   float64
	ComputedAt     time.Time
	LatencyMs      float64
}

// Signal is a candidate trade produced by a Strategy Engine instance. It may
// be rejected by Risk before ever reaching execution.
type Signal struct {
	ID                  string // ULID
	Symbol              string
	Side                Side
	Confidence          float64
	IntendedNotionalUSD float64
	SourceStrategy      string
	CreatedAt           time.Time
	PredictionRef       *Prediction
}

// NewSignalID mints a new ULID-based Signal identifier using t as the
// timestamp component and the provided entropy source for randomness.
func NewSignalID(t time.Time, entropy *ulid.MonotonicEntropy) string {
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// CooldownCause records what started the active cooldown window. The daily
// reset clears a cooldown only when its sole cause was the daily-loss
// limit; a manually triggered cooldown survives midnight.
type CooldownCause string

const (
	CooldownCauseDailyLoss CooldownCause = "daily_loss"
	CooldownCauseManual    CooldownCause = "manual"
)

// Guardrails is the process-wide, singleton risk configuration. It is
// mutated only through a write API that appends an AuditEntry (§3).
type Guardrails struct {
	ConfidenceThreshold   float64
	MaxTradeUSD           float64
	MaxDailyLossUSD       float64 // negative
	CooldownMinutes       int
	CircuitBreakerEnabled bool
	CircuitBreakerLatency time.Duration
	SymbolAllowlist       map[string]struct{}
	KillSwitch            bool
	CooldownUntil         *time.Time
	CooldownCause         CooldownCause // empty when no cooldown is active
}

// Allowed reports whether symbol is present in the allowlist. An empty
// allowlist permits every symbol.
func (g Guardrails) Allowed(symbol string) bool {
	if len(g.SymbolAllowlist) == 0 {
		return true
	}
	_, ok := g.SymbolAllowlist[symbol]
	return ok
}

// Order is a request to execute, derived from an accepted Signal (or,
// rarely, submitted manually with no SignalRef).
type Order struct {
	ID              string // ULID
	Symbol          string
	Side            Side
	Quantity        float64
	NotionalUSD     float64
	RequestedPrice  float64
	OrderType       OrderType
	CreatedAt       time.Time
	ClientRequestID string // idempotency key
	SignalRef       *string
}

// Fill records the execution of an Order.
type Fill struct {
	OrderID     string
	Symbol      string
	Side        Side
	Quantity    float64
	FillPrice   float64
	SlippageBps float64
	FeeUSD      float64
	FilledAt    time.Time
}

// Position is the current holding in a symbol. One per (account, symbol);
// closed when QuantitySigned returns to zero (§3).
type Position struct {
	Symbol             string
	QuantitySigned     float64
	AverageEntryPrice  float64
	UnrealizedPnLUSD   float64
	OpenedAt           time.Time
	LastMarkPrice      float64
	LastMarkAt         time.Time
}

// Flat reports whether the position has no open quantity.
func (p Position) Flat() bool {
	return p.QuantitySigned == 0
}

// Trade is an immutable record of a completed round trip.
type Trade struct {
	Symbol        string
	OpenFillRef   Fill
	CloseFillRef  Fill
	RealizedPnL   float64
	RRMultiple    *float64
	ClosedAt      time.Time
}

// EquitySnapshot is appended periodically (at most every 10s, §3) by the
// Paper Execution Engine.
type EquitySnapshot struct {
	TS                  time.Time
	CashBalance         float64
	UnrealizedPnL       float64
	RealizedPnLToDate   float64
	Equity              float64
	DrawdownPct         float64
}

// FlagsSnapshot is an append-only, restorable capture of the Flags Store.
type FlagsSnapshot struct {
	TakenAt time.Time
	Content map[string]any
	Reason  string
}

// AuditEntry is an append-only record of a mutation to shared, process-wide
// state (Guardrails, Flags, kill switch).
type AuditEntry struct {
	TS       time.Time
	Actor    string
	Action   string
	Before   any
	After    any
	IP       string
	TraceID  string
}
