// Package manager implements the Engine Manager (C7): owns the set of
// running Strategy Engines, exposes start/stop/restart/batch operations,
// and auto-recovers engines whose goroutine has died or gone silent.
//
// Design rules (from spec §4.7):
//   - Start is idempotent: starting an already-running engine with the
//     same mode and no params override leaves it running and returns nil.
//     Start returns no handle; List reports each engine's state.
//   - Stop is graceful by default; force=true skips draining.
//   - RestartFailed scans failed/stale engines and restarts them on the
//     shared backoff policy (1s initial, x1.8, 30s cap, 5 attempts), then
//     marks them permanently_failed and alerts.
//   - The manager is single-writer over its engines map; readers take a
//     snapshot. An engine's failure never crashes the manager.
//
// Each engine runs as its own goroutine over a dynamically managed,
// individually restartable map entry; the restart schedule reuses the
// shared internal/backoff policy rather than a bespoke counter.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/backoff"
	"github.com/levibot/core/internal/engine"
)

// RunState is the Engine Manager's view of one engine's lifecycle,
// distinct from the Strategy Engine's own internal State (§4.7).
type RunState string

const (
	RunStarting          RunState = "starting"
	RunRunning           RunState = "running"
	RunStopped           RunState = "stopped"
	RunFailed            RunState = "failed"
	RunPermanentlyFailed RunState = "permanently_failed"
)

// AlertSink receives out-of-band notifications (e.g. backed by the same
// AuditSink the Risk Engine uses).
type AlertSink interface {
	Alert(reason, message string)
}

// Handle is the externally visible state of one managed engine (§4.7
// "List").
type Handle struct {
	Symbol      string
	Profile     engine.Profile
	State       RunState
	EngineState engine.State
	StartedAt   time.Time
	Restarts    int
	HeartbeatTS time.Time
}

// runner is the manager's internal bookkeeping for one engine goroutine.
type runner struct {
	eng       *engine.Engine
	profile   engine.Profile
	params    *engine.Params
	state     RunState
	startedAt time.Time
	restarts  int
	heartbeat time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// EngineFactory builds a fresh Strategy Engine instance for (symbol,
// profile), with an optional params override replacing the profile's
// defaults. The manager calls this on every Start/restart rather than
// reusing engine instances, since a Strategy Engine holds position state
// that must not survive a genuine restart.
type EngineFactory func(symbol string, profile engine.Profile, params *engine.Params) (*engine.Engine, error)

// RunLoop drives one engine's goroutine: subscribe to ticks for symbol and
// call eng.OnTick until ctx is canceled or the feed ends in error.
type RunLoop func(ctx context.Context, symbol string, eng *engine.Engine) error

// Manager is the Engine Manager (C7) singleton.
type Manager struct {
	log     zerolog.Logger
	factory EngineFactory
	runLoop RunLoop
	alerts  AlertSink
	retry   backoff.Policy

	heartbeatGap time.Duration

	mu      sync.Mutex
	engines map[string]*runner
}

// New builds a Manager. factory constructs engines; runLoop is the
// goroutine body driving one engine from its tick feed.
func New(factory EngineFactory, runLoop RunLoop, alerts AlertSink, log zerolog.Logger) *Manager {
	return &Manager{
		log: log, factory: factory, runLoop: runLoop, alerts: alerts,
		retry: backoff.Default(), heartbeatGap: defaultHeartbeatGap,
		engines: make(map[string]*runner),
	}
}

// SetHeartbeatGap overrides the staleness threshold RestartFailed uses
// (HEARTBEAT_GAP_S, §6).
func (m *Manager) SetHeartbeatGap(d time.Duration) {
	if d > 0 {
		m.heartbeatGap = d
	}
}

// Start launches symbol under profile, with an optional params override.
// Idempotent: if already running with the same profile and no new
// override, returns without restarting it (§4.7).
func (m *Manager) Start(symbol string, profile engine.Profile, params *engine.Params) error {
	m.mu.Lock()
	if r, ok := m.engines[symbol]; ok && r.state == RunRunning && r.profile == profile && params == nil {
		m.mu.Unlock()
		return nil
	}
	if r, ok := m.engines[symbol]; ok && r.cancel != nil {
		r.cancel()
	}
	m.mu.Unlock()

	return m.start(symbol, profile, params, 0)
}

func (m *Manager) start(symbol string, profile engine.Profile, params *engine.Params, priorRestarts int) error {
	eng, err := m.factory(symbol, profile, params)
	if err != nil {
		return fmt.Errorf("manager: building engine for %s: %w", symbol, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		eng: eng, profile: profile, params: params, state: RunStarting,
		startedAt: time.Now(), restarts: priorRestarts, cancel: cancel, done: make(chan struct{}),
	}

	m.mu.Lock()
	m.engines[symbol] = r
	m.mu.Unlock()

	go m.runEngine(ctx, symbol, r)
	return nil
}

// runEngine owns the goroutine for one engine; its failure is contained
// here and never propagates to the manager (§4.7 "Engine failures never
// crash the manager").
func (m *Manager) runEngine(ctx context.Context, symbol string, r *runner) {
	defer close(r.done)

	m.mu.Lock()
	r.state = RunRunning
	m.mu.Unlock()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return m.runLoop(ctx, symbol, r.eng)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		r.state = RunStopped
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("manager: engine run loop exited with error")
		r.state = RunFailed
	} else {
		r.state = RunStopped
	}
}

// Stop halts symbol's engine. Graceful unless force is true; this
// implementation's graceful/force distinction is whether the caller waits
// for the run loop to observe ctx cancellation before returning.
func (m *Manager) Stop(symbol string, force bool) error {
	m.mu.Lock()
	r, ok := m.engines[symbol]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: no engine running for %s", symbol)
	}

	r.cancel()
	if force {
		return nil
	}

	select {
	case <-r.done:
	case <-time.After(30 * time.Second):
		m.log.Warn().Str("symbol", symbol).Msg("manager: graceful stop timed out")
	}
	return nil
}

// BatchResult is one symbol's outcome from a Batch call (§4.7).
type BatchResult struct {
	Symbol string
	Err    error
}

// BatchAction names a Batch operation.
type BatchAction string

const (
	BatchStart BatchAction = "start"
	BatchStop  BatchAction = "stop"
)

// Batch applies action to every symbol, best-effort, and reports a
// per-symbol result (§4.7).
func (m *Manager) Batch(symbols []string, action BatchAction, profile engine.Profile, params *engine.Params) []BatchResult {
	results := make([]BatchResult, 0, len(symbols))
	for _, symbol := range symbols {
		var err error
		switch action {
		case BatchStart:
			err = m.Start(symbol, profile, params)
		case BatchStop:
			err = m.Stop(symbol, false)
		default:
			err = fmt.Errorf("manager: unknown batch action %q", action)
		}
		results = append(results, BatchResult{Symbol: symbol, Err: err})
	}
	return results
}

// List returns a snapshot of every known engine (§4.7).
func (m *Manager) List() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Handle, 0, len(m.engines))
	for symbol, r := range m.engines {
		out = append(out, Handle{
			Symbol: symbol, Profile: r.profile, State: r.state,
			EngineState: r.eng.State(), StartedAt: r.startedAt,
			Restarts: r.restarts, HeartbeatTS: r.heartbeat,
		})
	}
	return out
}

// RecordHeartbeat is called by the wiring layer when a Heartbeat arrives
// on the Event Bus for symbol, so List() can report staleness.
func (m *Manager) RecordHeartbeat(symbol string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.engines[symbol]; ok {
		r.heartbeat = at
	}
}

// defaultHeartbeatGap is the threshold past which a running engine with no
// recent heartbeat is treated as failed by RestartFailed (§4.6, §4.7).
const defaultHeartbeatGap = 60 * time.Second

// RestartFailed scans for engines in RunFailed state or whose heartbeat
// has gone stale, and restarts each with the shared backoff policy up to
// 5 attempts, then marks it permanently_failed and alerts (§4.7).
func (m *Manager) RestartFailed() {
	now := time.Now()

	m.mu.Lock()
	var candidates []string
	for symbol, r := range m.engines {
		stale := r.state == RunRunning && !r.heartbeat.IsZero() && now.Sub(r.heartbeat) > m.heartbeatGap
		if r.state == RunFailed || stale {
			candidates = append(candidates, symbol)
		}
	}
	m.mu.Unlock()

	for _, symbol := range candidates {
		go m.restartOne(symbol)
	}
}

func (m *Manager) restartOne(symbol string) {
	m.mu.Lock()
	r, ok := m.engines[symbol]
	if !ok {
		m.mu.Unlock()
		return
	}
	profile := r.profile
	params := r.params
	restarts := r.restarts
	m.mu.Unlock()

	const maxAttempts = 5
	if restarts >= maxAttempts {
		m.mu.Lock()
		if r, ok := m.engines[symbol]; ok {
			r.state = RunPermanentlyFailed
		}
		m.mu.Unlock()
		m.alerts.Alert("engine_permanently_failed", fmt.Sprintf("%s exceeded %d restart attempts", symbol, maxAttempts))
		return
	}

	time.Sleep(m.retry.Duration(restarts))

	if err := m.start(symbol, profile, params, restarts+1); err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("manager: restart attempt failed")
	}
}
