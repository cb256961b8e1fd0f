// Package httpapi implements the §6 representative HTTP surface: health,
// prediction, risk/guardrails administration, engine control, and paper
// trading endpoints.
//
// The router is go-chi/chi/v5 with go-chi/cors; the underlying
// http.Server runs in a background goroutine behind a Start/Shutdown
// lifecycle, and handlers depend only on narrow local interfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/domain"
	"github.com/levibot/core/internal/engine"
	"github.com/levibot/core/internal/manager"
	"github.com/levibot/core/internal/paper"
)

// Predictor is satisfied by model.Provider.
type Predictor interface {
	Predict(ctx context.Context, symbol string, horizon time.Duration) domain.Prediction
	Select(name string) error
}

// RiskAdmin is satisfied by risk.Engine.
type RiskAdmin interface {
	Snapshot() domain.Guardrails
	SetGuardrails(patch func(*domain.Guardrails), actor string)
	TriggerCooldown(minutes int, actor string)
	ClearCooldown(actor string)
	SetKillSwitch(on bool, actor string)
}

// EngineAdmin is satisfied by manager.Manager.
type EngineAdmin interface {
	List() []manager.Handle
	Start(symbol string, profile engine.Profile, params *engine.Params) error
	Stop(symbol string, force bool) error
	Batch(symbols []string, action manager.BatchAction, profile engine.Profile, params *engine.Params) []manager.BatchResult
	RestartFailed()
}

// PaperAdmin is satisfied by paper.Engine.
type PaperAdmin interface {
	SubmitOrder(ctx context.Context, order domain.Order) (domain.Fill, error)
	GetSummary() paper.Summary
	Positions() []domain.Position
	Trades() []domain.Trade
	Portfolio() paper.Portfolio
}

// Server wires the HTTP surface to its collaborators and owns the
// underlying http.Server's lifecycle.
type Server struct {
	log       zerolog.Logger
	predictor Predictor
	risk      RiskAdmin
	engines   EngineAdmin
	exec      PaperAdmin

	httpServer *http.Server
}

// Config configures the listener.
type Config struct {
	Addr string
}

// New builds a Server; call Start to begin listening.
func New(cfg Config, predictor Predictor, riskAdmin RiskAdmin, engines EngineAdmin, exec PaperAdmin, log zerolog.Logger) *Server {
	s := &Server{log: log, predictor: predictor, risk: riskAdmin, engines: engines, exec: exec}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ai/predict", s.handlePredict)
	r.Post("/ai/select", s.handleSelect)

	r.Get("/risk/guardrails", s.handleGetGuardrails)
	r.Post("/risk/guardrails", s.handlePatchGuardrails)
	r.Post("/risk/guardrails/trigger-cooldown", s.handleTriggerCooldown)
	r.Post("/risk/guardrails/clear-cooldown", s.handleClearCooldown)

	r.Post("/admin/kill", s.handleKill(true))
	r.Post("/admin/unkill", s.handleKill(false))

	r.Get("/engines", s.handleListEngines)
	r.Post("/engines/{symbol}/start", s.handleEngineAction("start"))
	r.Post("/engines/{symbol}/stop", s.handleEngineAction("stop"))
	r.Post("/engines/{symbol}/restart", s.handleEngineAction("restart"))
	r.Post("/engines/batch", s.handleEngineBatch)

	r.Post("/paper/order", s.handlePaperOrder)
	r.Get("/paper/summary", s.handlePaperSummary)
	r.Get("/paper/positions", s.handlePaperPositions)
	r.Get("/paper/trades", s.handlePaperTrades)
	r.Get("/paper/portfolio", s.handlePaperPortfolio)

	s.httpServer = &http.Server{
		Addr: cfg.Addr, Handler: r,
		ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start begins listening in a background goroutine; errors other than a
// clean shutdown are logged, not returned.
func (s *Server) Start() {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("httpapi: starting server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("httpapi: server error")
		}
	}()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a failure in the fixed §7 surface shape:
// {ok: false, error: <kind>, detail?: <string>}.
func writeError(w http.ResponseWriter, status int, kind, detail string) {
	body := map[string]any{"ok": false, "error": kind}
	if detail != "" {
		body["detail"] = detail
	}
	writeJSON(w, status, body)
}

// errorKind maps an internal error to its §7 taxonomy kind for the wire;
// the underlying error chain itself is never surfaced to callers.
func errorKind(err error) string {
	switch {
	case errors.Is(err, paper.ErrStalePrice):
		return "stale_price"
	default:
		return "invalid_request"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "symbol is required")
		return
	}
	horizon := 60 * time.Second
	if h := r.URL.Query().Get("h"); h != "" {
		if d, err := time.ParseDuration(h); err == nil {
			horizon = d
		}
	}
	pred := s.predictor.Predict(r.Context(), symbol, horizon)
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid body")
		return
	}
	if err := s.predictor.Select(body.Name); err != nil {
		writeError(w, http.StatusBadRequest, errorKind(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": body.Name})
}

// guardrailsView is the Guardrails + derived cooldown state (§6).
type guardrailsView struct {
	domain.Guardrails
	CooldownActive      bool    `json:"cooldown_active"`
	CooldownSecondsLeft float64 `json:"cooldown_seconds_left"`
}

func (s *Server) handleGetGuardrails(w http.ResponseWriter, _ *http.Request) {
	g := s.risk.Snapshot()
	view := guardrailsView{Guardrails: g}
	if g.CooldownUntil != nil {
		left := time.Until(*g.CooldownUntil)
		view.CooldownActive = left > 0
		if left > 0 {
			view.CooldownSecondsLeft = left.Seconds()
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// guardrailsPatch is the partial-update body for POST /risk/guardrails.
type guardrailsPatch struct {
	ConfidenceThreshold   *float64 `json:"confidence_threshold"`
	MaxTradeUSD           *float64 `json:"max_trade_usd"`
	MaxDailyLossUSD       *float64 `json:"max_daily_loss_usd"`
	CooldownMinutes       *int     `json:"cooldown_minutes"`
	CircuitBreakerEnabled *bool    `json:"circuit_breaker_enabled"`
	SymbolAllowlist       []string `json:"symbol_allowlist"`
}

func (s *Server) handlePatchGuardrails(w http.ResponseWriter, r *http.Request) {
	var patch guardrailsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid body")
		return
	}
	s.risk.SetGuardrails(func(g *domain.Guardrails) {
		if patch.ConfidenceThreshold != nil {
			g.ConfidenceThreshold = *patch.ConfidenceThreshold
		}
		if patch.MaxTradeUSD != nil {
			g.MaxTradeUSD = *patch.MaxTradeUSD
		}
		if patch.MaxDailyLossUSD != nil {
			g.MaxDailyLossUSD = *patch.MaxDailyLossUSD
		}
		if patch.CooldownMinutes != nil {
			g.CooldownMinutes = *patch.CooldownMinutes
		}
		if patch.CircuitBreakerEnabled != nil {
			g.CircuitBreakerEnabled = *patch.CircuitBreakerEnabled
		}
		if patch.SymbolAllowlist != nil {
			allow := make(map[string]struct{}, len(patch.SymbolAllowlist))
			for _, sym := range patch.SymbolAllowlist {
				allow[sym] = struct{}{}
			}
			g.SymbolAllowlist = allow
		}
	}, actorFromRequest(r))
	writeJSON(w, http.StatusOK, s.risk.Snapshot())
}

func (s *Server) handleTriggerCooldown(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Minutes int `json:"minutes"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.risk.TriggerCooldown(body.Minutes, actorFromRequest(r))
	writeJSON(w, http.StatusOK, s.risk.Snapshot())
}

func (s *Server) handleClearCooldown(w http.ResponseWriter, r *http.Request) {
	s.risk.ClearCooldown(actorFromRequest(r))
	writeJSON(w, http.StatusOK, s.risk.Snapshot())
}

func (s *Server) handleKill(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.risk.SetKillSwitch(on, actorFromRequest(r))
		writeJSON(w, http.StatusOK, map[string]bool{"kill_switch": on})
	}
}

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.List())
}

func (s *Server) handleEngineAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := chi.URLParam(r, "symbol")
		var body struct {
			Mode   string         `json:"mode"`
			Params *engine.Params `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		profile := engine.ProfileDay
		if body.Mode != "" {
			profile = engine.Profile(body.Mode)
		}

		var err error
		switch action {
		case "start":
			err = s.engines.Start(symbol, profile, body.Params)
		case "stop":
			err = s.engines.Stop(symbol, false)
		case "restart":
			if err = s.engines.Stop(symbol, false); err == nil {
				err = s.engines.Start(symbol, profile, body.Params)
			}
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, errorKind(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "action": action})
	}
}

func (s *Server) handleEngineBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbols []string       `json:"symbols"`
		Action  string         `json:"action"`
		Mode    string         `json:"mode"`
		Params  *engine.Params `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid body")
		return
	}
	profile := engine.ProfileDay
	if body.Mode != "" {
		profile = engine.Profile(body.Mode)
	}
	results := s.engines.Batch(body.Symbols, manager.BatchAction(body.Action), profile, body.Params)
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handlePaperOrder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol          string  `json:"symbol"`
		Side            string  `json:"side"`
		NotionalUSD     float64 `json:"notional_usd"`
		ClientRequestID string  `json:"client_request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid body")
		return
	}
	side := domain.Side(strings.ToLower(body.Side))
	if side != domain.SideBuy && side != domain.SideSell {
		writeError(w, http.StatusBadRequest, "invalid_request", "side must be buy or sell")
		return
	}
	if body.NotionalUSD <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "notional_usd must be positive")
		return
	}
	order := domain.Order{
		Symbol: body.Symbol, Side: side, NotionalUSD: body.NotionalUSD,
		OrderType: domain.OrderTypeMarket, CreatedAt: time.Now(), ClientRequestID: body.ClientRequestID,
	}
	fill, err := s.exec.SubmitOrder(r.Context(), order)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorKind(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fill)
}

func (s *Server) handlePaperSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.GetSummary())
}

func (s *Server) handlePaperPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Positions())
}

func (s *Server) handlePaperTrades(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Trades())
}

func (s *Server) handlePaperPortfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Portfolio())
}

func actorFromRequest(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}
