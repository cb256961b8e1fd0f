// Package risk implements Risk & Guardrails (C8): the pre-trade gate every
// Signal passes through before it may reach execution.
//
// Design rules (from spec §4.8):
//   - Checks run in a fixed order; the first failure short-circuits the
//     rest (kill switch, allowlist, cooldown, confidence, notional clamp,
//     daily loss, circuit breaker).
//   - The notional clamp never rejects — it mutates the signal.
//   - Daily-loss rejection atomically sets a cooldown and emits an alert.
//   - Guardrails mutations go through SetGuardrails(patch, actor) and
//     always produce an AuditEntry.
//   - The daily-loss counter resets at a configured local-midnight
//     boundary, idempotently.
//   - Repeated Model Provider backend failures (consecutive or within a
//     rolling hour) force fallback predictions until a cooldown deadline.
package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/domain"
)

// Reason codes emitted by Evaluate (§4.8).
const (
	ReasonKilled                = "killed"
	ReasonSymbolNotAllowed      = "symbol_not_allowed"
	ReasonCooldownActive        = "cooldown_active"
	ReasonLowConfidence         = "low_confidence"
	ReasonDailyLossLimit        = "daily_loss_limit"
	ReasonCircuitBreakerLatency = "circuit_breaker_latency"
)

// Decision is the outcome of Evaluate. On accept, ClientRequestID carries
// the idempotency key the executor dedupes on (§4.8 step 8).
type Decision struct {
	Accepted        bool
	Reason          string
	Signal          domain.Signal // mutated notional on accept
	ClientRequestID string
}

// AuditSink receives every mutation to shared state for durable logging
// (append-only AuditEntry per §3) and alerting.
type AuditSink interface {
	Record(entry domain.AuditEntry)
	Alert(reason, message string)
}

// Engine is the Risk & Guardrails (C8) singleton. Guardrails mutation is
// single-writer (serialized by mu); readers take a snapshot copy.
type Engine struct {
	log   zerolog.Logger
	audit AuditSink

	minNotional, maxNotional float64

	mu         sync.RWMutex
	guardrails domain.Guardrails

	realizedPnLToday   float64
	unrealizedPnL      float64
	forcedFallbackLeft int

	// Model backend health, tracked under the same single-writer mu as the
	// guardrails: a run of consecutive failures or too many within a
	// rolling hour forces fallback predictions until a cooldown deadline
	// passes (§4.8 step 7).
	backendConsecutive  int
	backendFailureTimes []time.Time
	backendTrippedUntil time.Time
	backendTripReason   string

	cron *cron.Cron
}

// Backend failure thresholds: trip on this many errors in a row, or this
// many within any rolling hour.
const (
	backendMaxConsecutive = 5
	backendMaxPerHour     = 10
)

// Config seeds the initial Guardrails and the risk clamps from §6.
type Config struct {
	ConfidenceThreshold   float64
	MaxTradeUSD           float64
	MaxDailyLossUSD       float64
	CooldownMinutes       int
	CircuitBreakerEnabled bool
	CircuitBreakerLatency time.Duration
	SymbolAllowlist       []string
	MinNotional           float64
	MaxNotional           float64
	LocalMidnightTZ       string
}

// New builds an Engine and starts its daily-loss reset scheduler, bound to
// cfg.LocalMidnightTZ (§4.8, §8 "daily reset idempotence").
func New(cfg Config, audit AuditSink, log zerolog.Logger) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.LocalMidnightTZ)
	if err != nil {
		return nil, fmt.Errorf("risk: invalid LOCAL_MIDNIGHT_TZ: %w", err)
	}

	allow := make(map[string]struct{}, len(cfg.SymbolAllowlist))
	for _, s := range cfg.SymbolAllowlist {
		allow[s] = struct{}{}
	}

	e := &Engine{
		log:         log,
		audit:       audit,
		minNotional: cfg.MinNotional,
		maxNotional: cfg.MaxNotional,
		guardrails: domain.Guardrails{
			ConfidenceThreshold:   cfg.ConfidenceThreshold,
			MaxTradeUSD:           cfg.MaxTradeUSD,
			MaxDailyLossUSD:       cfg.MaxDailyLossUSD,
			CooldownMinutes:       cfg.CooldownMinutes,
			CircuitBreakerEnabled: cfg.CircuitBreakerEnabled,
			CircuitBreakerLatency: cfg.CircuitBreakerLatency,
			SymbolAllowlist:       allow,
		},
	}

	e.cron = cron.New(cron.WithLocation(loc))
	if _, err := e.cron.AddFunc("0 0 * * *", e.ResetDaily); err != nil {
		return nil, fmt.Errorf("risk: scheduling daily reset: %w", err)
	}
	e.cron.Start()

	return e, nil
}

// Stop halts the daily-reset scheduler.
func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

// Snapshot returns a read-only copy of the current guardrails.
func (e *Engine) Snapshot() domain.Guardrails {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g := e.guardrails
	allow := make(map[string]struct{}, len(g.SymbolAllowlist))
	for k := range g.SymbolAllowlist {
		allow[k] = struct{}{}
	}
	g.SymbolAllowlist = allow
	return g
}

// Evaluate runs the ordered guardrail pipeline against a candidate signal,
// given the prediction latency that produced it (for the circuit breaker
// check) and the current realized/unrealized P&L.
func (e *Engine) Evaluate(_ context.Context, signal domain.Signal, predictionLatency time.Duration, strategyID string, barCloseTS time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := e.guardrails
	now := time.Now()

	if g.KillSwitch {
		return e.reject(signal, ReasonKilled)
	}
	if !g.Allowed(signal.Symbol) {
		return e.reject(signal, ReasonSymbolNotAllowed)
	}
	if g.CooldownUntil != nil && now.Before(*g.CooldownUntil) {
		return e.reject(signal, ReasonCooldownActive)
	}
	if signal.Confidence < g.ConfidenceThreshold {
		return e.reject(signal, ReasonLowConfidence)
	}

	// Notional clamp never rejects; it mutates (§4.8 step 5).
	cap := g.MaxTradeUSD
	if e.maxNotional < cap {
		cap = e.maxNotional
	}
	signal.IntendedNotionalUSD = clamp(signal.IntendedNotionalUSD, e.minNotional, cap)

	if e.realizedPnLToday+e.unrealizedPnL <= g.MaxDailyLossUSD {
		until := now.Add(time.Duration(g.CooldownMinutes) * time.Minute)
		e.guardrails.CooldownUntil = &until
		e.guardrails.CooldownCause = domain.CooldownCauseDailyLoss
		e.audit.Alert(ReasonDailyLossLimit, fmt.Sprintf(
			"realized+unrealized pnl %.2f breached max daily loss %.2f; cooldown until %s",
			e.realizedPnLToday+e.unrealizedPnL, g.MaxDailyLossUSD, until.Format(time.RFC3339)))
		return e.reject(signal, ReasonDailyLossLimit)
	}

	if g.CircuitBreakerEnabled && predictionLatency >= g.CircuitBreakerLatency {
		e.audit.Alert(ReasonCircuitBreakerLatency, fmt.Sprintf(
			"prediction latency %s >= circuit breaker threshold %s", predictionLatency, g.CircuitBreakerLatency))
		e.forcedFallbackLeft = 5
		return e.reject(signal, ReasonCircuitBreakerLatency)
	}

	return Decision{
		Accepted:        true,
		Signal:          signal,
		ClientRequestID: IdempotencyKey(signal.Symbol, string(signal.Side), barCloseTS, strategyID),
	}
}

func (e *Engine) reject(signal domain.Signal, reason string) Decision {
	e.audit.Record(domain.AuditEntry{
		TS: time.Now(), Actor: "risk", Action: "reject",
		Before: signal, After: reason, TraceID: uuid.NewString(),
	})
	return Decision{Accepted: false, Reason: reason, Signal: signal}
}

// ForceFallback reports whether the Model Provider should be forced into
// fallback mode for the next prediction, decrementing the remaining count.
// Used when the circuit breaker has just tripped (§4.8 step 7, "optionally
// force fallback for the next N predictions") or while the backend breaker
// deadline has not yet passed. Installed into model.Provider as its
// force-fallback callback.
func (e *Engine) ForceFallback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Now().Before(e.backendTrippedUntil) {
		return true
	}
	if e.forcedFallbackLeft <= 0 {
		return false
	}
	e.forcedFallbackLeft--
	return true
}

// RecordBackendFailure notes a live Model Provider backend error or
// timeout. Crossing the consecutive or rolling-hour threshold trips the
// backend breaker: the trip deadline is set one cooldown window ahead,
// forcedFallbackLeft is armed, and the counters restart from zero. New
// failures arriving while already tripped do not extend the deadline.
// Installed into model.Provider as its backend health reporter.
func (e *Engine) RecordBackendFailure(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if now.Before(e.backendTrippedUntil) {
		return
	}

	e.backendConsecutive++
	e.backendFailureTimes = append(e.backendFailureTimes, now)

	cutoff := now.Add(-time.Hour)
	kept := e.backendFailureTimes[:0]
	for _, ts := range e.backendFailureTimes {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.backendFailureTimes = kept

	switch {
	case e.backendConsecutive >= backendMaxConsecutive:
		e.tripBackendLocked(now, "consecutive failures: "+reason)
	case len(e.backendFailureTimes) >= backendMaxPerHour:
		e.tripBackendLocked(now, "hourly failures: "+reason)
	}
}

// tripBackendLocked arms forced fallback until one cooldown window from
// now. Caller holds mu.
func (e *Engine) tripBackendLocked(now time.Time, reason string) {
	cooldown := time.Duration(e.guardrails.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	e.backendTrippedUntil = now.Add(cooldown)
	e.backendTripReason = reason
	e.forcedFallbackLeft = 5
	e.backendConsecutive = 0
	e.backendFailureTimes = nil
	e.log.Warn().Str("reason", reason).Time("until", e.backendTrippedUntil).Msg("risk: model backend breaker tripped")
}

// RecordBackendSuccess clears the consecutive failure run after a
// successful live prediction; the rolling-hour window is unaffected.
func (e *Engine) RecordBackendSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backendConsecutive = 0
}

// BackendTripped reports whether the backend breaker's deadline is still
// in the future, and why it tripped.
func (e *Engine) BackendTripped() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if time.Now().Before(e.backendTrippedUntil) {
		return true, e.backendTripReason
	}
	return false, ""
}

// SetGuardrails applies a partial patch to the guardrails, serialized by
// the single writer, and appends an AuditEntry.
func (e *Engine) SetGuardrails(patch func(*domain.Guardrails), actor string) {
	e.mu.Lock()
	before := e.guardrails
	patch(&e.guardrails)
	after := e.guardrails
	e.mu.Unlock()

	e.audit.Record(domain.AuditEntry{
		TS: time.Now(), Actor: actor, Action: "set_guardrails",
		Before: before, After: after, TraceID: uuid.NewString(),
	})
}

// TriggerCooldown manually starts a cooldown window. A manual cooldown is
// not cleared by the daily reset.
func (e *Engine) TriggerCooldown(minutes int, actor string) {
	until := time.Now().Add(time.Duration(minutes) * time.Minute)
	e.SetGuardrails(func(g *domain.Guardrails) {
		g.CooldownUntil = &until
		g.CooldownCause = domain.CooldownCauseManual
	}, actor)
}

// ClearCooldown ends any active cooldown immediately, whatever its cause.
func (e *Engine) ClearCooldown(actor string) {
	e.SetGuardrails(func(g *domain.Guardrails) {
		g.CooldownUntil = nil
		g.CooldownCause = ""
	}, actor)
}

// KillSwitchActive reports the current kill-switch state. Strategy Engines
// read it at evaluation boundaries to force an exit of open positions
// (§4.6 "global kill switch active"); flipping it never kills in-flight
// fills (§5).
func (e *Engine) KillSwitchActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.guardrails.KillSwitch
}

// SetKillSwitch flips the global kill switch.
func (e *Engine) SetKillSwitch(on bool, actor string) {
	e.SetGuardrails(func(g *domain.Guardrails) { g.KillSwitch = on }, actor)
}

// RecordTradeOutcome updates today's realized/unrealized P&L tallies, used
// by the daily-loss check.
func (e *Engine) RecordTradeOutcome(realizedDelta, unrealizedNow float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.realizedPnLToday += realizedDelta
	e.unrealizedPnL = unrealizedNow
}

// ResetDaily zeros the daily-loss counter and clears the cooldown only if
// its sole cause was the daily-loss limit; a manual cooldown survives.
// Idempotent: calling it multiple times on the same day (or concurrently)
// is safe (§3, §8 "daily reset idempotence").
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.realizedPnLToday = 0
	if e.guardrails.CooldownCause == domain.CooldownCauseDailyLoss {
		e.guardrails.CooldownUntil = nil
		e.guardrails.CooldownCause = ""
	}
	e.log.Info().Msg("risk: daily loss counter reset")
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// IdempotencyKey derives the order dedupe key per §4.8 step 8:
// hash(symbol, side, bar_close_ts, strategy_id).
func IdempotencyKey(symbol, side string, barCloseTS time.Time, strategyID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", symbol, side, barCloseTS.UnixNano(), strategyID)
	return hex.EncodeToString(h.Sum(nil))
}
