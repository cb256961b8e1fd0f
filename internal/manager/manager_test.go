package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/engine"
)

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeAlerts) Alert(reason, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, reason)
}

func newBlockingManager(alerts AlertSink) *Manager {
	factory := func(symbol string, profile engine.Profile, _ *engine.Params) (*engine.Engine, error) {
		return engine.New(engine.Config{Symbol: symbol, Profile: profile, StrategyID: "test"}, nil, nil, nil, nil, nil, zerolog.Nop()), nil
	}
	runLoop := func(ctx context.Context, _ string, _ *engine.Engine) error {
		<-ctx.Done()
		return nil
	}
	return New(factory, runLoop, alerts, zerolog.Nop())
}

func TestStartIsIdempotentForSameProfile(t *testing.T) {
	m := newBlockingManager(&fakeAlerts{})
	if err := m.Start("BTCUSDT", engine.ProfileScalp, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Start("BTCUSDT", engine.ProfileScalp, nil); err != nil {
		t.Fatal(err)
	}

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("expected exactly one engine entry, got %d", len(list))
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	m := newBlockingManager(&fakeAlerts{})
	if err := m.Start("ETHUSDT", engine.ProfileDay, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.Stop("ETHUSDT", false); err != nil {
		t.Fatal(err)
	}

	list := m.List()
	if len(list) != 1 || list[0].State != RunStopped {
		t.Fatalf("expected stopped state, got %+v", list)
	}
}

func TestBatchIsBestEffort(t *testing.T) {
	m := newBlockingManager(&fakeAlerts{})
	results := m.Batch([]string{"BTCUSDT", "ETHUSDT"}, BatchStart, engine.ProfileScalp, nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("symbol %s: unexpected error %v", r.Symbol, r.Err)
		}
	}
}

func TestRestartFailedRetriesThenGivesUp(t *testing.T) {
	alerts := &fakeAlerts{}
	attempts := 0
	var mu sync.Mutex

	factory := func(symbol string, profile engine.Profile, _ *engine.Params) (*engine.Engine, error) {
		return engine.New(engine.Config{Symbol: symbol, Profile: profile, StrategyID: "test"}, nil, nil, nil, nil, nil, zerolog.Nop()), nil
	}
	runLoop := func(ctx context.Context, _ string, _ *engine.Engine) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	}
	m := New(factory, runLoop, alerts, zerolog.Nop())
	m.retry.Max = time.Millisecond
	m.retry.Initial = time.Millisecond

	if err := m.Start("BTCUSDT", engine.ProfileScalp, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.RestartFailed()
		time.Sleep(20 * time.Millisecond)

		m.mu.Lock()
		r := m.engines["BTCUSDT"]
		permFailed := r != nil && r.state == RunPermanentlyFailed
		m.mu.Unlock()
		if permFailed {
			break
		}
	}

	m.mu.Lock()
	finalState := m.engines["BTCUSDT"].state
	m.mu.Unlock()
	if finalState != RunPermanentlyFailed {
		t.Fatalf("expected permanently_failed after exhausting restarts, got %s", finalState)
	}
	if len(alerts.alerts) == 0 {
		t.Error("expected an alert on permanent failure")
	}
}
