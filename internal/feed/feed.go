// Package feed implements the Market Feed (C3): a self-healing WebSocket
// client that turns raw exchange frames into a clean, deduplicated,
// outlier-filtered Tick stream.
//
// Design rules (from spec §4.3):
//   - State machine: disconnected -> connecting -> connected ->
//     subscribing -> streaming -> (degraded | disconnected). Streaming
//     degrades when the persistence retry queue overflows (the socket is
//     healthy but ticks are being lost downstream) and recovers once the
//     queue drains; any fatal socket error goes to disconnected.
//   - A missing heartbeat frame for heartbeat_interval forces a reconnect.
//   - Pipeline: parse -> normalize symbol -> dedup (last 1000/symbol) ->
//     outlier filter (5-minute trailing median, +/-10% band) -> push to
//     the Feature Cache's SetLastTick -> batch for persistence (flush at
//     >=500 ticks or >=250ms).
//   - Per-symbol metrics: running totals of ticks, duplicates and
//     outliers, inter-arrival p95, reconnect count; malformed frames and
//     the persistence queue depth are tracked under the "*" bucket only.
//     Rates (ticks/minute, outlier rate) are not computed.
//
// The transport is github.com/gorilla/websocket; the reconnect loop uses
// the shared internal/backoff policy and reissues subscriptions on every
// new connection.
package feed

import (
	"container/ring"
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/backoff"
	"github.com/levibot/core/internal/domain"
	"github.com/levibot/core/internal/symbol"
)

// State names the feed connection's lifecycle position (§4.3).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSubscribing  State = "subscribing"
	StateStreaming    State = "streaming"
	StateDegraded     State = "degraded"
)

// Decoder parses one raw exchange frame into a Tick. Unknown/malformed
// frames return an error, counted under feed.malformed (§4.3 step 1).
type Decoder interface {
	Decode(raw []byte) (domain.Tick, error)
}

// TickSink receives the normalized tick stream, e.g. bus.Bus.
type TickSink interface {
	SetLastTick(tick domain.Tick)
	Publish(topic string, payload any)
}

// BatchWriter persists batches of accepted ticks, e.g. tickstore.Store.
type BatchWriter interface {
	AppendBatch(ctx context.Context, ticks []domain.Tick) error
}

// Config tunes the feed's reconnect and pipeline behavior (§4.3, §6).
type Config struct {
	URL               string
	Subscriptions     []string      // raw exchange-form symbols
	HeartbeatInterval time.Duration
	OutlierBandPct    float64       // default 0.10
	FlushCount        int           // default 500
	FlushInterval     time.Duration // default 250ms
	DedupWindow       int           // default 1000
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.OutlierBandPct <= 0 {
		c.OutlierBandPct = 0.10
	}
	if c.FlushCount <= 0 {
		c.FlushCount = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 1000
	}
}

// Metrics is the per-symbol counter set (§4.3 "Metrics exposed").
type Metrics struct {
	TicksTotal       int64
	MalformedTotal   int64
	OutlierTotal     int64
	DuplicateTotal   int64
	InterArrivalP95  time.Duration
	ReconnectCount   int64
	QueueDepth       int
}

type symbolState struct {
	dedup         *ring.Ring // holds [3]any dedupe keys
	dedupSeen     map[[3]any]struct{}
	priceWindow   []priceSample // 5-minute trailing window for the outlier median
	lastArrival   time.Time
	interArrivals []time.Duration
	metrics       Metrics
}

type priceSample struct {
	at    time.Time
	price float64
}

// Feed is the Market Feed (C3) instance for one exchange connection.
type Feed struct {
	cfg      Config
	dialer   *websocket.Dialer
	decoder  Decoder
	registry *symbol.Registry
	sink     TickSink
	writer   BatchWriter
	log      zerolog.Logger
	retry    backoff.Policy

	mu      sync.Mutex
	state   State
	states  map[string]*symbolState
	buffer  []domain.Tick
	pending [][]domain.Tick // batches whose AppendBatch failed, retried on the next flush
}

// maxPendingBatches bounds the failed-batch retry queue; on overflow the
// oldest batch is dropped and a TickBatchDropped event is emitted (§4.1).
const maxPendingBatches = 32

// TickBatchDropped is published on the events topic when the persistence
// retry queue overflows and the oldest batch has to be discarded.
type TickBatchDropped struct {
	Batches int
	Ticks   int
	At      time.Time
}

// New builds a Feed, idle until Run is called.
func New(cfg Config, decoder Decoder, registry *symbol.Registry, sink TickSink, writer BatchWriter, log zerolog.Logger) *Feed {
	cfg.withDefaults()
	return &Feed{
		cfg: cfg, dialer: websocket.DefaultDialer, decoder: decoder, registry: registry,
		sink: sink, writer: writer, log: log, retry: backoff.Default(),
		state: StateDisconnected, states: make(map[string]*symbolState),
	}
}

// State reports the feed's current connection state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Metrics returns a copy of symbol's current metrics.
func (f *Feed) Metrics(sym string) Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[sym]
	if !ok {
		return Metrics{}
	}
	return st.metrics
}

// Run drives the reconnect loop until ctx is canceled (§4.3 state
// machine). Each connection attempt blocks until the socket closes or the
// heartbeat sentinel expires, then backs off and retries.
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.setState(StateConnecting)
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.setState(StateDisconnected)
		f.mu.Lock()
		for _, st := range f.states {
			st.metrics.ReconnectCount++
		}
		f.mu.Unlock()

		if err != nil {
			f.log.Warn().Err(err).Msg("feed: connection lost, reconnecting")
		}

		wait := f.retry.Duration(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runOnce performs one connect-subscribe-stream cycle.
func (f *Feed) runOnce(ctx context.Context) error {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return fmt.Errorf("feed: invalid URL: %w", err)
	}

	conn, _, err := f.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()

	f.setState(StateConnected)
	f.setState(StateSubscribing)
	for _, sub := range f.cfg.Subscriptions {
		if err := conn.WriteJSON(map[string]string{"action": "subscribe", "symbol": sub}); err != nil {
			return fmt.Errorf("feed: subscribe %s: %w", sub, err)
		}
	}
	f.setState(StateStreaming)

	frames := make(chan []byte, 256)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			frames <- msg
		}
	}()

	flushTicker := time.NewTicker(f.cfg.FlushInterval)
	defer flushTicker.Stop()
	heartbeat := time.NewTimer(f.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return fmt.Errorf("feed: connection closed")
				}
			}
			heartbeat.Reset(f.cfg.HeartbeatInterval)
			f.handleFrame(ctx, msg)
		case <-flushTicker.C:
			f.flush(ctx)
		case <-heartbeat.C:
			return fmt.Errorf("feed: heartbeat sentinel expired after %s", f.cfg.HeartbeatInterval)
		}
	}
}

// handleFrame runs one frame through the full pipeline (§4.3 steps 1-6).
func (f *Feed) handleFrame(ctx context.Context, raw []byte) {
	tick, err := f.decoder.Decode(raw)
	if err != nil {
		f.mu.Lock()
		f.globalMetrics().MalformedTotal++
		f.mu.Unlock()
		return
	}

	tick.Symbol = f.registry.ToCanonical(tick.Symbol)
	if !f.registry.Known(tick.Symbol) {
		return
	}
	if !tick.Valid() {
		return
	}

	f.mu.Lock()
	st := f.stateFor(tick.Symbol)

	now := time.Now()
	if !st.lastArrival.IsZero() {
		st.interArrivals = append(st.interArrivals, now.Sub(st.lastArrival))
		if len(st.interArrivals) > 200 {
			st.interArrivals = st.interArrivals[1:]
		}
		st.metrics.InterArrivalP95 = p95(st.interArrivals)
	}
	st.lastArrival = now

	key := tick.DedupKey()
	if _, seen := st.dedupSeen[key]; seen {
		st.metrics.DuplicateTotal++
		f.mu.Unlock()
		return
	}
	f.recordDedup(st, key)

	if f.isOutlier(st, tick, now) {
		st.metrics.OutlierTotal++
		f.mu.Unlock()
		if f.sink != nil {
			f.sink.Publish("events", fmt.Sprintf("feed: outlier rejected for %s at %.4f", tick.Symbol, tick.LastPrice))
		}
		return
	}
	st.priceWindow = append(st.priceWindow, priceSample{at: now, price: tick.LastPrice})
	st.priceWindow = trimWindow(st.priceWindow, now, 5*time.Minute)
	st.metrics.TicksTotal++

	f.buffer = append(f.buffer, tick)
	shouldFlush := len(f.buffer) >= f.cfg.FlushCount
	f.mu.Unlock()

	if f.sink != nil {
		// SetLastTick is write-through: the sink publishes to the ticks
		// topic itself (§4.2), so no separate Publish here.
		f.sink.SetLastTick(tick)
	}
	if shouldFlush {
		f.flush(ctx)
	}
}

// globalMetrics is a catch-all bucket for counters not tied to a
// successfully normalized symbol (e.g. malformed frames). Caller holds mu.
func (f *Feed) globalMetrics() *Metrics {
	st := f.stateFor("*")
	return &st.metrics
}

func (f *Feed) stateFor(sym string) *symbolState {
	st, ok := f.states[sym]
	if !ok {
		st = &symbolState{dedupSeen: make(map[[3]any]struct{})}
		f.states[sym] = st
	}
	return st
}

// recordDedup records key as seen, evicting the oldest once the window
// (default 1000) is full (§4.3 step 3). Caller holds mu.
func (f *Feed) recordDedup(st *symbolState, key [3]any) {
	st.dedupSeen[key] = struct{}{}
	if st.dedup == nil {
		st.dedup = ring.New(f.cfg.DedupWindow)
	}
	if st.dedup.Value != nil {
		delete(st.dedupSeen, st.dedup.Value.([3]any))
	}
	st.dedup.Value = key
	st.dedup = st.dedup.Next()
}

// isOutlier rejects ticks deviating from the 5-minute trailing median by
// more than OutlierBandPct (§4.3 step 4). Caller holds mu.
func (f *Feed) isOutlier(st *symbolState, tick domain.Tick, now time.Time) bool {
	window := trimWindow(st.priceWindow, now, 5*time.Minute)
	if len(window) < 5 {
		return false
	}
	med := median(window)
	if med == 0 {
		return false
	}
	deviation := (tick.LastPrice - med) / med
	if deviation < 0 {
		deviation = -deviation
	}
	return deviation > f.cfg.OutlierBandPct
}

func trimWindow(window []priceSample, now time.Time, width time.Duration) []priceSample {
	cutoff := now.Add(-width)
	i := 0
	for i < len(window) && window[i].at.Before(cutoff) {
		i++
	}
	return window[i:]
}

func median(window []priceSample) float64 {
	prices := make([]float64, len(window))
	for i, s := range window {
		prices[i] = s.price
	}
	sort.Float64s(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 0 {
		return (prices[mid-1] + prices[mid]) / 2
	}
	return prices[mid]
}

func p95(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// flush persists the buffered ticks plus any batches whose earlier write
// failed (§4.3 step 6). A failed batch is requeued in a bounded in-memory
// ring; on overflow the oldest batch is dropped and TickBatchDropped is
// emitted on the events topic (§4.1 failure policy).
func (f *Feed) flush(ctx context.Context) {
	f.mu.Lock()
	if len(f.buffer) > 0 {
		f.pending = append(f.pending, f.buffer)
		f.buffer = nil
	}
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if f.writer == nil {
		return
	}

	for i, batch := range pending {
		if err := f.writer.AppendBatch(ctx, batch); err != nil {
			f.log.Warn().Err(err).Int("count", len(batch)).Msg("feed: batch persistence flush failed, requeueing")
			f.requeue(pending[i:])
			return
		}
	}

	f.mu.Lock()
	f.globalMetrics().QueueDepth = len(f.pending)
	if f.state == StateDegraded && len(f.pending) == 0 {
		f.state = StateStreaming
	}
	f.mu.Unlock()
}

// requeue puts unwritten batches back at the head of the retry queue,
// dropping the oldest on overflow. An overflow while streaming marks the
// feed degraded: the socket is alive, but ticks are being lost.
func (f *Feed) requeue(batches [][]domain.Tick) {
	f.mu.Lock()
	f.pending = append(batches, f.pending...)

	var droppedBatches, droppedTicks int
	for len(f.pending) > maxPendingBatches {
		droppedBatches++
		droppedTicks += len(f.pending[0])
		f.pending = f.pending[1:]
	}
	f.globalMetrics().QueueDepth = len(f.pending)
	if droppedBatches > 0 && f.state == StateStreaming {
		f.state = StateDegraded
	}
	f.mu.Unlock()

	if droppedBatches > 0 {
		f.log.Warn().Int("batches", droppedBatches).Int("ticks", droppedTicks).Msg("feed: persistence retry queue overflow, dropping oldest")
		if f.sink != nil {
			f.sink.Publish("events", TickBatchDropped{Batches: droppedBatches, Ticks: droppedTicks, At: time.Now()})
		}
	}
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}
