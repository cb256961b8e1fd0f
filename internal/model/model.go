// Package model implements the Model Provider (C5): a single prediction
// capability with strict latency and freshness policies and a deterministic
// fallback.
//
// Design rules (from spec §4.5):
//   - Predict must return within a configured timeout; on underlying model
//     unavailability, timeout, error, or feature staleness, the provider
//     falls back to a deterministic stub (sine wave keyed on symbol +
//     bucketed timestamp) so the rest of the pipeline stays testable.
//   - Active/Select expose and atomically swap the active model; Select
//     emits a ModelSwitched event and increments model_switches_total.
//   - entry_threshold/exit_threshold/ECE are opaque calibration metadata
//     used only to map a Prediction to a BUY/SELL/HOLD signal intent.
//
// Backends are registered by name; Select swaps the active one under a
// mutex, and Predict always goes through the same timeout/fallback
// envelope regardless of which Backend is active.
package model

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/domain"
)

// Intent is the BUY/SELL/HOLD signal intent derived from a Prediction and
// its model's calibration thresholds (§4.5).
type Intent string

const (
	IntentBuy  Intent = "BUY"
	IntentSell Intent = "SELL"
	IntentHold Intent = "HOLD"
)

// Backend is a pluggable prediction implementation. Real backends call out
// to an external model-serving process; the stub backend is always
// registered and used as the fallback.
type Backend interface {
	Name() string
	Predict(ctx context.Context, symbol string, horizon time.Duration) (prob float64, err error)
}

// Metadata describes a backend's calibration policy, opaque to the core
// beyond the threshold comparison used to derive an Intent (§4.5).
type Metadata struct {
	EntryThreshold float64
	ExitThreshold  float64
	ECE            float64
	LoadedAt       time.Time
	Version        string
}

// Provider is the Model Provider (C5) singleton.
type Provider struct {
	log     zerolog.Logger
	timeout time.Duration

	featureStale  func(symbol string) (staleSeconds float64, stale bool)
	onSwitch      func(name string)
	forceFallback func() bool
	reportHealth  func(err error)

	mu       sync.RWMutex
	backends map[string]Backend
	meta     map[string]Metadata
	active   string
	switches int64
}

// New builds a Provider. timeout bounds every Predict call (default 500ms
// per §4.5 / §6 MODEL_TIMEOUT_MS). featureStale lets the provider consult
// the Feature Cache's staleness verdict before trusting a live backend;
// onSwitch is invoked (e.g. to publish ModelSwitched to the Event Bus) on
// every successful Select.
func New(log zerolog.Logger, timeout time.Duration, featureStale func(string) (float64, bool), onSwitch func(string)) *Provider {
	p := &Provider{
		log:          log,
		timeout:      timeout,
		featureStale: featureStale,
		onSwitch:     onSwitch,
		backends:     make(map[string]Backend),
		meta:         make(map[string]Metadata),
	}
	stub := stubBackend{}
	p.Register(stub, Metadata{EntryThreshold: 0.6, ExitThreshold: 0.4, LoadedAt: time.Time{}, Version: "stub-v1"})
	p.active = stub.Name()
	return p
}

// Register adds or replaces a named backend. It does not make it active;
// call Select to do that.
func (p *Provider) Register(b Backend, meta Metadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends[b.Name()] = b
	p.meta[b.Name()] = meta
}

// Active returns the currently selected model's identity.
func (p *Provider) Active() (name string, version string, loadedAt time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := p.meta[p.active]
	return p.active, m.Version, m.LoadedAt
}

// ActiveMetadata returns the calibration metadata of the currently
// selected model, consulted by strategies to map a Prediction to a
// BUY/SELL/HOLD intent (§4.5).
func (p *Provider) ActiveMetadata() Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meta[p.active]
}

// Select atomically swaps the active model. It is an error to select an
// unregistered name.
func (p *Provider) Select(name string) error {
	p.mu.Lock()
	if _, ok := p.backends[name]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("model: unknown backend %q", name)
	}
	p.active = name
	m := p.meta[name]
	m.LoadedAt = time.Now()
	p.meta[name] = m
	p.switches++
	p.mu.Unlock()

	p.log.Info().Str("model", name).Msg("model switched")
	if p.onSwitch != nil {
		p.onSwitch(name)
	}
	return nil
}

// SetForceFallback installs a callback consulted before every live backend
// call; when it reports true, Predict skips the backend and falls back
// immediately (§4.8 step 7, "optionally force fallback for the next N
// predictions"). Typically backed by risk.Engine.ForceFallback.
func (p *Provider) SetForceFallback(fn func() bool) {
	p.forceFallback = fn
}

// SetHealthReporter installs a callback invoked with the live backend's
// Predict outcome on every call (nil error on success), so failure tracking
// outside the provider stays in sync with real backend health. Typically
// backed by risk.Engine.RecordBackendFailure/RecordBackendSuccess.
func (p *Provider) SetHealthReporter(fn func(err error)) {
	p.reportHealth = fn
}

// Switches returns model_switches_total.
func (p *Provider) Switches() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.switches
}

// Predict returns a Prediction for symbol at horizon, honoring the
// configured timeout and falling back to the deterministic stub whenever
// the active backend is unavailable, errors, times out, or features are
// stale beyond policy.
func (p *Provider) Predict(ctx context.Context, symbol string, horizon time.Duration) domain.Prediction {
	start := time.Now()

	p.mu.RLock()
	activeName := p.active
	backend := p.backends[activeName]
	p.mu.RUnlock()

	staleSec, stale := p.staleness(symbol)
	if stale {
		return p.fallback(symbol, horizon, start, staleSec, fmt.Sprintf("features stale (%.1fs)", staleSec))
	}

	if activeName == stubName {
		prob, _ := backend.Predict(ctx, symbol, horizon)
		return p.toPrediction(symbol, horizon, activeName, prob, false, "", staleSec, start)
	}

	if p.forceFallback != nil && p.forceFallback() {
		return p.fallback(symbol, horizon, start, staleSec, "forced fallback")
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		prob float64
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		prob, err := backend.Predict(cctx, symbol, horizon)
		resCh <- result{prob: prob, err: err}
	}()

	select {
	case <-cctx.Done():
		p.reportBackendHealth(fmt.Errorf("predict timeout"))
		return p.fallback(symbol, horizon, start, staleSec, "predict timeout")
	case r := <-resCh:
		if r.err != nil {
			p.reportBackendHealth(r.err)
			return p.fallback(symbol, horizon, start, staleSec, fmt.Sprintf("predict error: %v", r.err))
		}
		p.reportBackendHealth(nil)
		return p.toPrediction(symbol, horizon, activeName, r.prob, false, "", staleSec, start)
	}
}

func (p *Provider) reportBackendHealth(err error) {
	if p.reportHealth != nil {
		p.reportHealth(err)
	}
}

func (p *Provider) staleness(symbol string) (float64, bool) {
	if p.featureStale == nil {
		return 0, false
	}
	return p.featureStale(symbol)
}

func (p *Provider) fallback(symbol string, horizon time.Duration, start time.Time, staleSec float64, reason string) domain.Prediction {
	prob := stubProbUp(symbol, time.Now())
	return p.toPrediction(symbol, horizon, stubName, prob, true, reason, staleSec, start)
}

func (p *Provider) toPrediction(symbol string, horizon time.Duration, modelName string, prob float64, isFallback bool, reason string, staleSec float64, start time.Time) domain.Prediction {
	confidence := math.Abs(prob-0.5) * 2 // 0 at prob=0.5, 1 at prob=0 or 1
	return domain.Prediction{
		Symbol:         symbol,
		Horizon:        horizon,
		ProbUp:         prob,
		Confidence:     confidence,
		ModelName:      modelName,
		IsFallback:     isFallback,
		FallbackReason: reason,
		StalenessSec:   staleSec,
		ComputedAt:     start,
		LatencyMs:      float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

// ToIntent maps a Prediction to a BUY/SELL/HOLD signal intent using the
// model's calibration thresholds: prob_up >= entry -> BUY; prob_up <= exit
// -> SELL; else HOLD (§4.5).
func ToIntent(p domain.Prediction, entryThreshold, exitThreshold float64) Intent {
	switch {
	case p.ProbUp >= entryThreshold:
		return IntentBuy
	case p.ProbUp <= exitThreshold:
		return IntentSell
	default:
		return IntentHold
	}
}

// ────────────────────────────────────────────────────────────────────
// deterministic stub backend
// ────────────────────────────────────────────────────────────────────

const stubName = "stub"

type stubBackend struct{}

func (stubBackend) Name() string { return stubName }

func (stubBackend) Predict(_ context.Context, symbol string, _ time.Duration) (float64, error) {
	return stubProbUp(symbol, time.Now()), nil
}

// stubProbUp is a deterministic function of symbol + bucketed timestamp: a
// sine wave so the fallback path stays operational and testable without
// ever calling out to a real model (§4.5).
func stubProbUp(symbol string, at time.Time) float64 {
	bucket := at.Unix() / 60 // 1-minute buckets
	seed := hashSeed(symbol) + float64(bucket)
	return (math.Sin(seed) + 1) / 2
}

func hashSeed(s string) float64 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return float64(h%1000) / 100.0
}
