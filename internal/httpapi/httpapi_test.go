package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/domain"
	"github.com/levibot/core/internal/engine"
	"github.com/levibot/core/internal/manager"
	"github.com/levibot/core/internal/paper"
)

type fakePredictor struct {
	prediction domain.Prediction
	selectErr  error
	selected   string
}

func (f *fakePredictor) Predict(_ context.Context, _ string, _ time.Duration) domain.Prediction {
	return f.prediction
}

func (f *fakePredictor) Select(name string) error {
	if f.selectErr != nil {
		return f.selectErr
	}
	f.selected = name
	return nil
}

type fakeRisk struct {
	guardrails domain.Guardrails
	cooldownAt *time.Time
	killed     bool
}

func (f *fakeRisk) Snapshot() domain.Guardrails {
	g := f.guardrails
	g.CooldownUntil = f.cooldownAt
	g.KillSwitch = f.killed
	return g
}

func (f *fakeRisk) SetGuardrails(patch func(*domain.Guardrails), _ string) {
	patch(&f.guardrails)
}

func (f *fakeRisk) TriggerCooldown(minutes int, _ string) {
	until := time.Now().Add(time.Duration(minutes) * time.Minute)
	f.cooldownAt = &until
}

func (f *fakeRisk) ClearCooldown(_ string) { f.cooldownAt = nil }
func (f *fakeRisk) SetKillSwitch(on bool, _ string) { f.killed = on }

type fakeEngines struct {
	handles    []manager.Handle
	startCalls []string
	stopCalls  []string
}

func (f *fakeEngines) List() []manager.Handle { return f.handles }
func (f *fakeEngines) Start(symbol string, _ engine.Profile, _ *engine.Params) error {
	f.startCalls = append(f.startCalls, symbol)
	return nil
}
func (f *fakeEngines) Stop(symbol string, _ bool) error {
	f.stopCalls = append(f.stopCalls, symbol)
	return nil
}
func (f *fakeEngines) Batch(symbols []string, action manager.BatchAction, _ engine.Profile, _ *engine.Params) []manager.BatchResult {
	results := make([]manager.BatchResult, 0, len(symbols))
	for _, s := range symbols {
		results = append(results, manager.BatchResult{Symbol: s})
	}
	_ = action
	return results
}
func (f *fakeEngines) RestartFailed() {}

type fakeExec struct {
	fill    domain.Fill
	err     error
	summary paper.Summary
	lastOrd domain.Order
}

func (f *fakeExec) SubmitOrder(_ context.Context, order domain.Order) (domain.Fill, error) {
	f.lastOrd = order
	return f.fill, f.err
}
func (f *fakeExec) GetSummary() paper.Summary    { return f.summary }
func (f *fakeExec) Positions() []domain.Position { return nil }
func (f *fakeExec) Trades() []domain.Trade       { return nil }
func (f *fakeExec) Portfolio() paper.Portfolio {
	return paper.Portfolio{Summary: f.summary, Positions: f.Positions()}
}

func newTestServer() (*Server, *fakePredictor, *fakeRisk, *fakeEngines, *fakeExec) {
	pred := &fakePredictor{prediction: domain.Prediction{Symbol: "BTCUSDT", ProbUp: 0.6}}
	risk := &fakeRisk{guardrails: domain.Guardrails{ConfidenceThreshold: 0.55, MaxTradeUSD: 1000}}
	engines := &fakeEngines{}
	exec := &fakeExec{fill: domain.Fill{OrderID: "ord-1", Symbol: "BTCUSDT"}}
	s := New(Config{Addr: ":0"}, pred, risk, engines, exec, zerolog.Nop())
	return s, pred, risk, engines, exec
}

func (s *Server) router() http.Handler { return s.httpServer.Handler }

func TestHealthReturnsOK(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestPredictReturnsPrediction(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/ai/predict?symbol=BTCUSDT&h=30s", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var pred domain.Prediction
	if err := json.NewDecoder(w.Body).Decode(&pred); err != nil {
		t.Fatal(err)
	}
	if pred.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", pred.Symbol)
	}
}

func TestPredictRequiresSymbol(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/ai/predict", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSelectModelSwitchesActive(t *testing.T) {
	s, pred, _, _, _ := newTestServer()
	body, _ := json.Marshal(map[string]string{"name": "ridge-v2"})
	req := httptest.NewRequest(http.MethodPost, "/ai/select", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if pred.selected != "ridge-v2" {
		t.Errorf("selected = %q, want ridge-v2", pred.selected)
	}
}

func TestGetGuardrailsReportsCooldown(t *testing.T) {
	s, _, risk, _, _ := newTestServer()
	until := time.Now().Add(5 * time.Minute)
	risk.cooldownAt = &until

	req := httptest.NewRequest(http.MethodGet, "/risk/guardrails", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	var view guardrailsView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if !view.CooldownActive {
		t.Error("expected CooldownActive true")
	}
	if view.CooldownSecondsLeft <= 0 {
		t.Errorf("CooldownSecondsLeft = %v, want > 0", view.CooldownSecondsLeft)
	}
}

func TestPatchGuardrailsUpdatesOnlyProvidedFields(t *testing.T) {
	s, _, risk, _, _ := newTestServer()
	body, _ := json.Marshal(map[string]float64{"max_trade_usd": 2500})
	req := httptest.NewRequest(http.MethodPost, "/risk/guardrails", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if risk.guardrails.MaxTradeUSD != 2500 {
		t.Errorf("MaxTradeUSD = %v, want 2500", risk.guardrails.MaxTradeUSD)
	}
	if risk.guardrails.ConfidenceThreshold != 0.55 {
		t.Errorf("unrelated field ConfidenceThreshold changed to %v", risk.guardrails.ConfidenceThreshold)
	}
}

func TestTriggerAndClearCooldown(t *testing.T) {
	s, _, risk, _, _ := newTestServer()

	body, _ := json.Marshal(map[string]int{"minutes": 10})
	req := httptest.NewRequest(http.MethodPost, "/risk/guardrails/trigger-cooldown", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	if risk.cooldownAt == nil {
		t.Fatal("expected cooldown set")
	}

	req2 := httptest.NewRequest(http.MethodPost, "/risk/guardrails/clear-cooldown", nil)
	w2 := httptest.NewRecorder()
	s.router().ServeHTTP(w2, req2)
	if risk.cooldownAt != nil {
		t.Error("expected cooldown cleared")
	}
}

func TestKillAndUnkillToggleSwitch(t *testing.T) {
	s, _, risk, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/admin/kill", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	if !risk.killed {
		t.Fatal("expected kill switch on")
	}

	req2 := httptest.NewRequest(http.MethodPost, "/admin/unkill", nil)
	w2 := httptest.NewRecorder()
	s.router().ServeHTTP(w2, req2)
	if risk.killed {
		t.Error("expected kill switch off")
	}
}

func TestListEnginesReturnsHandles(t *testing.T) {
	s, _, _, engines, _ := newTestServer()
	engines.handles = []manager.Handle{{Symbol: "BTCUSDT", State: manager.RunRunning}}

	req := httptest.NewRequest(http.MethodGet, "/engines", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	var handles []manager.Handle
	if err := json.NewDecoder(w.Body).Decode(&handles); err != nil {
		t.Fatal(err)
	}
	if len(handles) != 1 || handles[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected handles: %+v", handles)
	}
}

func TestEngineStartStopRouteSymbol(t *testing.T) {
	s, _, _, engines, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/engines/BTCUSDT/start", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(engines.startCalls) != 1 || engines.startCalls[0] != "BTCUSDT" {
		t.Fatalf("expected start called for BTCUSDT, got %+v (code %d)", engines.startCalls, w.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/engines/BTCUSDT/stop", nil)
	w2 := httptest.NewRecorder()
	s.router().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK || len(engines.stopCalls) != 1 {
		t.Fatalf("expected stop called, got %+v (code %d)", engines.stopCalls, w2.Code)
	}
}

func TestEngineBatchDispatchesAllSymbols(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	body, _ := json.Marshal(map[string]any{"symbols": []string{"BTCUSDT", "ETHUSDT"}, "action": "start"})
	req := httptest.NewRequest(http.MethodPost, "/engines/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	var results []manager.BatchResult
	if err := json.NewDecoder(w.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 batch results, got %d", len(results))
	}
}

func TestPaperOrderSubmitsAndReturnsFill(t *testing.T) {
	s, _, _, _, exec := newTestServer()
	body, _ := json.Marshal(map[string]any{"symbol": "BTCUSDT", "side": "BUY", "notional_usd": 100.0})
	req := httptest.NewRequest(http.MethodPost, "/paper/order", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if exec.lastOrd.Symbol != "BTCUSDT" {
		t.Errorf("order forwarded with Symbol = %q, want BTCUSDT", exec.lastOrd.Symbol)
	}
	var fill domain.Fill
	if err := json.NewDecoder(w.Body).Decode(&fill); err != nil {
		t.Fatal(err)
	}
	if fill.OrderID != "ord-1" {
		t.Errorf("OrderID = %q, want ord-1", fill.OrderID)
	}
}

func TestPaperOrderRejectsInvalidSide(t *testing.T) {
	s, _, _, _, exec := newTestServer()
	body, _ := json.Marshal(map[string]any{"symbol": "BTCUSDT", "side": "short", "notional_usd": 100.0})
	req := httptest.NewRequest(http.MethodPost, "/paper/order", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if exec.lastOrd.Symbol != "" {
		t.Error("expected no order forwarded for an invalid side")
	}
}

func TestErrorResponsesUseFixedShape(t *testing.T) {
	s, _, _, _, exec := newTestServer()
	exec.err = paper.ErrStalePrice

	body, _ := json.Marshal(map[string]any{"symbol": "BTCUSDT", "side": "buy", "notional_usd": 100.0})
	req := httptest.NewRequest(http.MethodPost, "/paper/order", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.OK {
		t.Error("expected ok=false in error envelope")
	}
	if resp.Error != "stale_price" {
		t.Errorf("error kind = %q, want stale_price", resp.Error)
	}
}

func TestPaperSummaryReturnsCurrentState(t *testing.T) {
	s, _, _, _, exec := newTestServer()
	exec.summary = paper.Summary{Cash: 950, Equity: 1000}

	req := httptest.NewRequest(http.MethodGet, "/paper/summary", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	var summary paper.Summary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.Equity != 1000 {
		t.Errorf("Equity = %v, want 1000", summary.Equity)
	}
}

func TestServerStartShutdown(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	s.httpServer.Addr = "127.0.0.1:0"
	s.Start()

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
