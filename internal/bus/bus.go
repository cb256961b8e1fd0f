// Package bus implements the Event Bus (C2): one-to-many fanout of ticks,
// signals, orders, fills, equity snapshots, audit entries, and operational
// events, plus a hot per-symbol "last tick" cache.
//
// Design rules (from spec §4.2, §5):
//   - Publish is non-blocking; a full topic drops its oldest entry.
//   - Subscribe returns a Stream of best-effort broadcast messages, or, with
//     a consumer group, at-least-once delivery within that group.
//   - Cross-topic ordering is not guaranteed; within a topic, delivery is
//     FIFO as published.
//
// The in-process fanout is a register/unregister/broadcast loop with
// non-blocking per-consumer sends. An optional durable publisher mirrors
// selected topics to Postgres NOTIFY (lib/pq) so out-of-process
// subscribers can LISTEN without depending on the in-memory rings.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/backoff"
	"github.com/levibot/core/internal/domain"
)

// Topic names recognized by the bus (spec §4.2).
const (
	TopicTicks   = "ticks"
	TopicSignals = "signals"
	TopicOrders  = "orders"
	TopicFills   = "fills"
	TopicEvents  = "events"
	TopicAudit   = "audit"
)

const defaultRingLen = 10000

// consumer is one registered subscriber: a channel plus a group tag.
type consumer struct {
	id      uint64
	group   string // empty means best-effort broadcast
	ch      chan any
	dropped uint64
}

// topicState holds the registered consumers for one topic; each consumer's
// buffered channel is its own bounded ring.
type topicState struct {
	mu        sync.Mutex
	consumers []*consumer
	nextID    uint64
}

// Bus is the process-wide Event Bus singleton.
type Bus struct {
	log zerolog.Logger

	ringLen int

	mu     sync.RWMutex
	topics map[string]*topicState

	lastTickMu sync.RWMutex
	lastTick   map[string]domain.Tick

	durable *durablePublisher // nil if no DATABASE_URL configured
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithRingLen overrides the default per-topic/per-consumer buffer length.
func WithRingLen(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringLen = n
		}
	}
}

// New builds a Bus. log should already be tagged with component="bus".
func New(log zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		log:      log,
		ringLen:  defaultRingLen,
		topics:   make(map[string]*topicState),
		lastTick: make(map[string]domain.Tick),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnableDurable wires a Postgres LISTEN/NOTIFY-backed durable mirror for the
// given topics (typically ticks, signals, events per §6's "durable stream"
// requirement). Publish calls also push onto this mirror; it never blocks
// the in-process fanout.
func (b *Bus) EnableDurable(connString string, topics []string) {
	b.durable = newDurablePublisher(connString, topics, backoff.Default(), b.log)
	go b.durable.run(context.Background())
}

// Stream is a handle to a subscription. Messages arrive on C; Close
// unregisters the consumer.
type Stream struct {
	C     <-chan any
	close func()
}

// Close unregisters the consumer from its topic.
func (s *Stream) Close() {
	if s.close != nil {
		s.close()
	}
}

func (b *Bus) topic(name string) *topicState {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topicState{}
	b.topics[name] = t
	return t
}

// Publish delivers payload to every subscriber of topic. Publish never
// blocks: a subscriber whose buffer is full has its oldest pending message
// dropped to make room, and its drop counter is incremented.
func (b *Bus) Publish(topic string, payload any) {
	t := b.topic(topic)

	t.mu.Lock()
	consumers := make([]*consumer, len(t.consumers))
	copy(consumers, t.consumers)
	t.mu.Unlock()

	for _, c := range consumers {
		select {
		case c.ch <- payload:
		default:
			// Buffer full: drop the oldest entry to make room, then retry
			// once. If a racing receive already drained a slot, the retry
			// send succeeds without needing the drop.
			select {
			case <-c.ch:
				c.dropped++
			default:
			}
			select {
			case c.ch <- payload:
			default:
				c.dropped++
			}
		}
	}

	if b.durable != nil {
		b.durable.publish(topic, payload)
	}
}

// Subscribe registers a new consumer on topic. An empty group subscribes
// best-effort broadcast; a non-empty group name is recorded for future
// at-least-once group semantics but does not currently deduplicate across
// group members (single-process bus — every member receives every
// message).
func (b *Bus) Subscribe(topic, group string) *Stream {
	t := b.topic(topic)

	t.mu.Lock()
	t.nextID++
	c := &consumer{id: t.nextID, group: group, ch: make(chan any, b.ringLen)}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	return &Stream{
		C: c.ch,
		close: func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, existing := range t.consumers {
				if existing == c {
					t.consumers = append(t.consumers[:i], t.consumers[i+1:]...)
					close(c.ch)
					return
				}
			}
		},
	}
}

// SetLastTick updates the hot per-symbol cache and publishes the tick to
// the ticks topic (write-through, per §4.2).
func (b *Bus) SetLastTick(tick domain.Tick) {
	b.lastTickMu.Lock()
	b.lastTick[tick.Symbol] = tick
	b.lastTickMu.Unlock()

	b.Publish(TopicTicks, tick)
}

// GetLastTick returns the most recent tick observed for symbol.
func (b *Bus) GetLastTick(symbol string) (domain.Tick, bool) {
	b.lastTickMu.RLock()
	defer b.lastTickMu.RUnlock()
	t, ok := b.lastTick[symbol]
	return t, ok
}

// ────────────────────────────────────────────────────────────────────
// durable mirror (lib/pq LISTEN/NOTIFY)
// ────────────────────────────────────────────────────────────────────

// durablePublisher mirrors selected topics to Postgres via `pg_notify` so
// out-of-process subscribers (e.g. an operational dashboard) can LISTEN
// without depending on the core's in-memory fanout. Reconnects with the
// shared backoff policy on any connection or exec failure.
type durablePublisher struct {
	connString string
	topics     map[string]struct{}
	retry      backoff.Policy
	log        zerolog.Logger

	mu    sync.Mutex
	queue []notifyMsg
	db    *sql.DB
}

type notifyMsg struct {
	topic   string
	payload string
}

func newDurablePublisher(connString string, topics []string, retry backoff.Policy, log zerolog.Logger) *durablePublisher {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return &durablePublisher{connString: connString, topics: set, retry: retry, log: log}
}

// publish enqueues payload for mirroring if topic is one of the configured
// durable topics. The caller (Bus.Publish) never blocks on this.
func (p *durablePublisher) publish(topic string, payload any) {
	if _, ok := p.topics[topic]; !ok {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("durable bus: payload not JSON-encodable, dropping")
		return
	}

	p.mu.Lock()
	p.queue = append(p.queue, notifyMsg{topic: topic, payload: string(encoded)})
	if len(p.queue) > defaultRingLen {
		p.queue = p.queue[len(p.queue)-defaultRingLen:]
	}
	p.mu.Unlock()
}

// run maintains a lazily-opened libpq connection and drains the queue by
// issuing `select pg_notify($1, $2)` per message, reconnecting with the
// shared backoff policy on failure.
func (p *durablePublisher) run(ctx context.Context) {
	retrier := backoff.NewRetrier(p.retry)

	for {
		select {
		case <-ctx.Done():
			if p.db != nil {
				p.db.Close()
			}
			return
		default:
		}

		if p.db == nil {
			db, err := sql.Open("postgres", p.connString)
			if err != nil || db.PingContext(ctx) != nil {
				p.log.Warn().Err(err).Msg("durable bus: connect failed")
				time.Sleep(retrier.Next())
				continue
			}
			p.db = db
			retrier.Reset()
		}

		p.mu.Lock()
		pending := p.queue
		p.queue = nil
		p.mu.Unlock()

		if len(pending) == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		for _, msg := range pending {
			if _, err := p.db.ExecContext(ctx, `select pg_notify($1, $2)`, msg.topic, msg.payload); err != nil {
				p.log.Warn().Err(err).Str("topic", msg.topic).Msg("durable bus notify failed")
				p.db.Close()
				p.db = nil
				time.Sleep(retrier.Next())
				break
			}
		}
	}
}
