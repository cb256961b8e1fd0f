// Command core is the live execution core's process entry point: it loads
// configuration, wires the Market Feed, Tick Store, Event Bus, Feature
// Cache, Model Provider, Risk & Guardrails, Paper Execution Engine, Engine
// Manager, Flags Store, and the §6 HTTP surface into one process, then
// starts the strategy engines for the configured symbol universe.
//
// Components are built leaves-first (config -> storage -> risk/model ->
// execution -> engines -> feed -> HTTP surface), shutdown is driven by
// signal.NotifyContext, and exit codes follow the §6 convention
// (0 normal, 2 fatal startup failure, 130 on SIGINT).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/levibot/core/internal/bus"
	"github.com/levibot/core/internal/config"
	"github.com/levibot/core/internal/domain"
	"github.com/levibot/core/internal/engine"
	"github.com/levibot/core/internal/feature"
	"github.com/levibot/core/internal/feed"
	"github.com/levibot/core/internal/flags"
	"github.com/levibot/core/internal/httpapi"
	"github.com/levibot/core/internal/logging"
	"github.com/levibot/core/internal/manager"
	"github.com/levibot/core/internal/model"
	"github.com/levibot/core/internal/paper"
	"github.com/levibot/core/internal/risk"
	"github.com/levibot/core/internal/symbol"
	"github.com/levibot/core/internal/tickstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logging.New(logging.Options{Level: getenv("LOG_LEVEL", "info"), Pretty: os.Getenv("LOG_PRETTY") == "true"})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("core: failed to load configuration")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New(logging.Component(log, "bus"), bus.WithRingLen(cfg.StreamMaxLen))
	if cfg.DatabaseURL != "" {
		eventBus.EnableDurable(cfg.DatabaseURL, []string{bus.TopicTicks, bus.TopicSignals, bus.TopicEvents})
	}

	audit := newAuditSink(eventBus, logging.Component(log, "audit"))

	flagsStore, err := flags.New(cfg.FlagsPath, audit, eventBus)
	if err != nil {
		log.Error().Err(err).Msg("core: failed to load flags store")
		return 2
	}

	var store *tickstore.Store
	if cfg.DatabaseURL != "" {
		store, err = tickstore.Connect(ctx, cfg.DatabaseURL, 60*time.Second, logging.Component(log, "tickstore"))
		if err != nil {
			log.Error().Err(err).Msg("core: failed to connect tick store")
			return 2
		}
		defer store.Close()
		go runRetentionLoop(ctx, store, time.Hour, log)
	}

	features := feature.New(cfg.FeatureStaleness)

	riskEngine, err := risk.New(risk.Config{
		ConfidenceThreshold:   flagFloat(flagsStore, "confidence_threshold", 0.6),
		MaxTradeUSD:           cfg.RiskMaxNotional,
		MaxDailyLossUSD:       cfg.MaxDailyLoss,
		CooldownMinutes:       flagInt(flagsStore, "cooldown_minutes", 30),
		CircuitBreakerEnabled: true,
		CircuitBreakerLatency: cfg.ModelTimeout,
		SymbolAllowlist:       cfg.Symbols,
		MinNotional:           cfg.RiskMinNotional,
		MaxNotional:           cfg.RiskMaxNotional,
		LocalMidnightTZ:       cfg.LocalMidnightTZ,
	}, audit, logging.Component(log, "risk"))
	if err != nil {
		log.Error().Err(err).Msg("core: failed to start risk engine")
		return 2
	}
	defer riskEngine.Stop()

	modelProvider := model.New(logging.Component(log, "model"), cfg.ModelTimeout,
		func(sym string) (float64, bool) {
			v, ok := features.Get(sym, time.Now())
			return time.Since(v.ComputedAt).Seconds(), ok && v.Stale
		},
		func(name string) { eventBus.Publish(bus.TopicEvents, ModelSwitched{Name: name, At: time.Now()}) },
	)
	modelProvider.SetForceFallback(riskEngine.ForceFallback)
	modelProvider.SetHealthReporter(func(err error) {
		if err != nil {
			riskEngine.RecordBackendFailure(err.Error())
			return
		}
		riskEngine.RecordBackendSuccess()
	})

	paperEngine := paper.New(cfg.StartingCash, paper.FeeSchedule{
		SlippageBps: decimal.NewFromFloat(cfg.SlippageBps),
		TakerFeeBps: decimal.NewFromFloat(cfg.FeeTakerBps),
		MakerFeeBps: decimal.NewFromFloat(cfg.FeeMakerBps),
	}, 60*time.Second, eventBus)
	paperEngine.OnFill(func(f domain.Fill) { eventBus.Publish(bus.TopicFills, f) })
	paperEngine.OnTrade(func(tr domain.Trade) {
		riskEngine.RecordTradeOutcome(tr.RealizedPnL, paperEngine.GetSummary().UnrealizedPnL)
		eventBus.Publish(bus.TopicEvents, tr)
	})
	paperEngine.OnSnapshot(func(s domain.EquitySnapshot) {
		riskEngine.RecordTradeOutcome(0, s.UnrealizedPnL)
		eventBus.Publish(bus.TopicEvents, s)
	})

	registry := buildSymbolRegistry(cfg.Symbols)

	engineFactory := func(sym string, profile engine.Profile, params *engine.Params) (*engine.Engine, error) {
		return engine.New(engine.Config{
			Symbol:            sym,
			Profile:           profile,
			Params:            params,
			StrategyID:        fmt.Sprintf("%s-%s", sym, profile),
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, modelProvider, features, riskEngine, paperEngine, eventBus, logging.Component(log, "engine")), nil
	}

	runLoop := func(ctx context.Context, sym string, eng *engine.Engine) error {
		stream := eventBus.Subscribe(bus.TopicTicks, "")
		defer stream.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-stream.C:
				if !ok {
					return nil
				}
				tick, ok := msg.(domain.Tick)
				if !ok || tick.Symbol != sym {
					continue
				}
				eng.OnTick(ctx, tick)
			}
		}
	}

	mgr := manager.New(engineFactory, runLoop, audit, logging.Component(log, "manager"))
	mgr.SetHeartbeatGap(cfg.HeartbeatGap)

	heartbeatStream := eventBus.Subscribe("heartbeats", "")
	go func() {
		for msg := range heartbeatStream.C {
			if hb, ok := msg.(engine.Heartbeat); ok {
				mgr.RecordHeartbeat(hb.Symbol, hb.LastTickTS)
			}
		}
	}()

	for _, sym := range cfg.Symbols {
		if err := mgr.Start(sym, engine.ProfileDay, nil); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("core: failed to start engine")
		}
	}

	go runRestartLoop(ctx, mgr, 30*time.Second)

	exchangeSubs := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		exchangeSubs = append(exchangeSubs, registry.ToExchange(sym))
	}

	var tickWriter feed.BatchWriter
	if store != nil {
		tickWriter = store
	} else {
		tickWriter = noopBatchWriter{}
	}

	marketFeed := feed.New(feed.Config{
		URL:               cfg.ExchangeWSURL,
		Subscriptions:     exchangeSubs,
		HeartbeatInterval: 25 * time.Second,
		FlushCount:        cfg.DBBatchSize,
		FlushInterval:     cfg.DBFlushInterval,
	}, feed.JSONDecoder{}, registry, tickSinkAdapter{bus: eventBus, features: features}, tickWriter, logging.Component(log, "feed"))

	feedErrCh := make(chan error, 1)
	go func() { feedErrCh <- marketFeed.Run(ctx) }()

	markToMarketStream := eventBus.Subscribe(bus.TopicTicks, "")
	go func() {
		for msg := range markToMarketStream.C {
			if tick, ok := msg.(domain.Tick); ok {
				paperEngine.MarkToMarket(tick.Symbol, tick.LastPrice, tick.Timestamp)
			}
		}
	}()

	server := httpapi.New(httpapi.Config{Addr: cfg.HTTPAddr}, modelProvider, riskEngine, mgr, paperEngine, logging.Component(log, "httpapi"))
	server.Start()

	log.Info().Strs("symbols", cfg.Symbols).Str("addr", cfg.HTTPAddr).Msg("core: started")

	select {
	case <-ctx.Done():
		log.Info().Msg("core: shutdown signal received")
	case err := <-feedErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("core: market feed exited")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("core: http server shutdown error")
	}
	for _, h := range mgr.List() {
		_ = mgr.Stop(h.Symbol, false)
	}

	if ctx.Err() != nil {
		return 130
	}
	return 0
}

// runRestartLoop periodically scans for failed/stale engines (§4.7
// RestartFailed) until ctx is canceled.
func runRestartLoop(ctx context.Context, mgr *manager.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.RestartFailed()
		}
	}
}

// runRetentionLoop applies the Tick Store's retention policy on a coarse
// schedule (§4.1).
func runRetentionLoop(ctx context.Context, store *tickstore.Store, every time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PruneExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("core: retention prune failed")
			}
		}
	}
}

// ModelSwitched is published on the events topic whenever the Model
// Provider's active backend changes (§4.5).
type ModelSwitched struct {
	Name string
	At   time.Time
}

// auditSink forwards AuditEntry records onto the Event Bus's audit topic
// and alerts onto the events topic, in addition to logging both.
type auditSink struct {
	bus *bus.Bus
	log zerolog.Logger
}

func newAuditSink(b *bus.Bus, log zerolog.Logger) *auditSink {
	return &auditSink{bus: b, log: log}
}

func (a *auditSink) Record(entry domain.AuditEntry) {
	a.bus.Publish(bus.TopicAudit, entry)
	a.log.Info().Str("actor", entry.Actor).Str("action", entry.Action).Msg("audit")
}

func (a *auditSink) Alert(reason, message string) {
	a.bus.Publish(bus.TopicEvents, AlertEvent{Reason: reason, Message: message, At: time.Now()})
	a.log.Warn().Str("reason", reason).Msg(message)
}

// AlertEvent is a fire-and-forget operational notification (§1 "out of
// scope": Slack/Discord/Telegram delivery is a downstream sink consuming
// this topic, not owned by the core).
type AlertEvent struct {
	Reason  string
	Message string
	At      time.Time
}

// tickSinkAdapter satisfies feed.TickSink by fanning a normalized tick out
// to the Event Bus's hot cache/ticks topic and refreshing the Feature
// Cache for its symbol (§4.3 step 5).
type tickSinkAdapter struct {
	bus      *bus.Bus
	features *feature.Cache
}

func (t tickSinkAdapter) SetLastTick(tick domain.Tick) {
	t.bus.SetLastTick(tick)
	// Tick-level updates have no bar high/low yet; the Strategy Engine's
	// own OHLC bucket (engine.rollBucket) supplies the true per-bar
	// high/low it needs, so the Feature Cache tracks price-only here.
	t.features.Update(tick.Symbol, tick.LastPrice, tick.LastPrice, tick.LastPrice, tick.Timestamp)
}

func (t tickSinkAdapter) Publish(topic string, payload any) {
	t.bus.Publish(topic, payload)
}

// noopBatchWriter is used when DATABASE_URL is unset: the core still runs
// (feed -> bus -> features -> engines -> paper) without durable tick
// persistence, matching §4.1's "queue in the Market Feed's in-memory ring
// on AppendBatch failure" degrade path generalized to "store absent".
type noopBatchWriter struct{}

func (noopBatchWriter) AppendBatch(_ context.Context, _ []domain.Tick) error { return nil }

// buildSymbolRegistry builds a symbol.Registry mapping each configured
// canonical symbol to its exchange wire form. The core's default exchange
// uses unseparated forms, so canonical and exchange forms coincide; a
// deployment targeting a different exchange would supply explicit pairs
// via a richer config surface.
func buildSymbolRegistry(symbols []string) *symbol.Registry {
	pairs := make(map[string]string, len(symbols))
	for _, s := range symbols {
		c := symbol.Canonical(s)
		pairs[c] = c
	}
	return symbol.NewRegistry(pairs)
}

func flagFloat(s *flags.Store, key string, def float64) float64 {
	v := s.Get(key, def)
	if f, ok := v.(float64); ok {
		return f
	}
	return def
}

func flagInt(s *flags.Store, key string, def int) int {
	v := s.Get(key, def)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

