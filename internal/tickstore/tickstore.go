// Package tickstore implements the Tick Store (C1): durable, queryable
// storage for ticks and OHLC materializations.
//
// Design rules (from spec §4.1):
//   - AppendBatch is idempotent w.r.t. the (symbol, ts, last_price) dedup
//     triple; it fails with ErrWriteUnavailable on storage outage, and the
//     Market Feed keeps the failed batch in a bounded queue and retries it
//     on its next flush.
//   - LatestPrice falls back: tick store -> hot cache -> ErrStalePrice.
//   - Window serves raw ticks or materialized rollups depending on the
//     requested granularity.
//   - Staleness is now - latest tick timestamp.
//
// Backed by the hypertable layout named in spec §6 (market_ticks plus the
// candle_1s/candle_5s continuous aggregates) through jackc/pgx/v5, with
// an in-memory hot cache covering reads while the database is slow or
// unavailable.
package tickstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/domain"
)

// Errors returned by the Tick Store contract (spec §4.1).
var (
	ErrWriteUnavailable = errors.New("tickstore: write unavailable")
	ErrNotFound         = errors.New("tickstore: not found")
	ErrStalePrice       = errors.New("tickstore: stale price")
)

// Granularity selects the resolution served by Window.
type Granularity string

const (
	GranularityRaw Granularity = "raw"
	Granularity1s  Granularity = "1s"
	Granularity5s  Granularity = "5s"
	Granularity1m  Granularity = "1m"
	Granularity5m  Granularity = "5m"
	Granularity15m Granularity = "15m"
)

// RetentionPolicy configures how long each resolution is kept (§4.1).
type RetentionPolicy struct {
	RawTicks time.Duration
	Bars1s   time.Duration
	Bars5s   time.Duration
}

// DefaultRetention matches the defaults in spec §4.1.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		RawTicks: 7 * 24 * time.Hour,
		Bars1s:   30 * 24 * time.Hour,
		Bars5s:   90 * 24 * time.Hour,
	}
}

// hotEntry is the in-memory freshness cache backing the LatestPrice
// fallback path (store -> hot cache -> StalePrice) described in §4.1.
type hotEntry struct {
	price float64
	ts    time.Time
}

// Store is the Tick Store. It owns a Postgres/TimescaleDB-style hypertable
// for durable ticks plus an in-memory hot cache of each symbol's latest
// observed price, used when the database is slow or unavailable.
type Store struct {
	log  zerolog.Logger
	pool *pgxpool.Pool

	freshness time.Duration
	retention RetentionPolicy

	mu  sync.RWMutex
	hot map[string]hotEntry
}

// Connect opens a pgxpool connection to connString and returns a Store.
// freshness is the LatestPrice staleness window (default 60s per §4.1).
func Connect(ctx context.Context, connString string, freshness time.Duration, log zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("tickstore: connect: %w", err)
	}
	if freshness <= 0 {
		freshness = 60 * time.Second
	}
	return &Store{
		log:       log,
		pool:      pool,
		freshness: freshness,
		retention: DefaultRetention(),
		hot:       make(map[string]hotEntry),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AppendBatch writes ticks to the market_ticks hypertable. It is idempotent
// on (symbol, ts, last_price) via an upsert; a transport/storage failure
// returns ErrWriteUnavailable so the caller (Market Feed) can queue the
// batch and retry it on a later flush rather than losing it.
func (s *Store) AppendBatch(ctx context.Context, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	// Update the hot cache first: even if the durable write fails, readers
	// should still see the freshest observed price (§4.1 fallback chain).
	s.mu.Lock()
	for _, t := range ticks {
		if existing, ok := s.hot[t.Symbol]; !ok || t.Timestamp.After(existing.ts) {
			s.hot[t.Symbol] = hotEntry{price: t.LastPrice, ts: t.Timestamp}
		}
	}
	s.mu.Unlock()

	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(
			`insert into market_ticks (symbol, ts, last_price, bid, ask, bid_size, ask_size, trade_volume_delta)
			 values ($1, $2, $3, $4, $5, $6, $7, $8)
			 on conflict (symbol, ts, last_price) do nothing`,
			t.Symbol, t.Timestamp, t.LastPrice, t.Bid, t.Ask, t.BidSize, t.AskSize, t.TradeVolumeDelta,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ticks {
		if _, err := br.Exec(); err != nil {
			s.log.Warn().Err(err).Int("batch_size", len(ticks)).Msg("tickstore: append batch failed")
			return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
		}
	}
	return nil
}

// LatestPrice returns the most recent last_price for symbol. It prefers the
// durable store; on query failure or miss it falls back to the hot cache;
// if the freshest known price (from either source) is older than the
// configured freshness window, ErrStalePrice is returned.
func (s *Store) LatestPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	row := s.pool.QueryRow(ctx,
		`select last_price, ts from market_ticks where symbol = $1 order by ts desc limit 1`, symbol)

	var price float64
	var ts time.Time
	err := row.Scan(&price, &ts)
	if err == nil {
		if time.Since(ts) > s.freshness {
			return s.fallbackHot(symbol)
		}
		return price, ts, nil
	}

	s.log.Warn().Err(err).Str("symbol", symbol).Msg("tickstore: latest price query failed, falling back to hot cache")
	return s.fallbackHot(symbol)
}

func (s *Store) fallbackHot(symbol string) (float64, time.Time, error) {
	s.mu.RLock()
	e, ok := s.hot[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0, time.Time{}, ErrNotFound
	}
	if time.Since(e.ts) > s.freshness {
		return 0, e.ts, ErrStalePrice
	}
	return e.price, e.ts, nil
}

// Window returns bars (or raw ticks) for symbol between from and to at the
// requested granularity. Coarser granularities are served from materialized
// continuous aggregates (candle_1s, candle_5s); anything coarser than those
// is derived on read by bucketing the 5s rollup.
func (s *Store) Window(ctx context.Context, symbol string, from, to time.Time, gran Granularity) ([]domain.Bar, error) {
	switch gran {
	case GranularityRaw:
		return s.windowRaw(ctx, symbol, from, to)
	case Granularity1s, Granularity5s:
		return s.windowAggregate(ctx, symbol, from, to, gran)
	case Granularity1m, Granularity5m, Granularity15m:
		base, err := s.windowAggregate(ctx, symbol, from, to, Granularity5s)
		if err != nil {
			return nil, err
		}
		return rebucket(base, domain.BarInterval(gran)), nil
	default:
		return nil, fmt.Errorf("tickstore: unsupported granularity %q", gran)
	}
}

func (s *Store) windowRaw(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	rows, err := s.pool.Query(ctx,
		`select ts, last_price from market_ticks where symbol = $1 and ts >= $2 and ts < $3 order by ts`,
		symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("tickstore: window raw: %w", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var ts time.Time
		var price float64
		if err := rows.Scan(&ts, &price); err != nil {
			return nil, fmt.Errorf("tickstore: window raw scan: %w", err)
		}
		out = append(out, domain.Bar{
			Interval: domain.BarInterval("raw"), BucketStart: ts, Symbol: symbol,
			Open: price, High: price, Low: price, Close: price,
		})
	}
	return out, rows.Err()
}

func (s *Store) windowAggregate(ctx context.Context, symbol string, from, to time.Time, gran Granularity) ([]domain.Bar, error) {
	table := "candle_1s"
	if gran == Granularity5s {
		table = "candle_5s"
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`select bucket_start, open, high, low, close, volume from %s
		             where symbol = $1 and bucket_start >= $2 and bucket_start < $3 order by bucket_start`, table),
		symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("tickstore: window aggregate: %w", err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var b domain.Bar
		b.Symbol = symbol
		b.Interval = domain.BarInterval(gran)
		if err := rows.Scan(&b.BucketStart, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("tickstore: window aggregate scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// rebucket derives a coarser bar series from a finer one by grouping into
// interval-aligned buckets (used for granularities with no dedicated
// continuous aggregate, per §4.1 "coarser granularities are derived on
// read").
func rebucket(bars []domain.Bar, interval domain.BarInterval) []domain.Bar {
	if len(bars) == 0 {
		return nil
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].BucketStart.Before(bars[j].BucketStart) })

	width := interval.Duration()
	buckets := make(map[time.Time]*domain.Bar)
	var order []time.Time

	for _, b := range bars {
		bucketStart := b.BucketStart.Truncate(width)
		cur, ok := buckets[bucketStart]
		if !ok {
			cp := b
			cp.BucketStart = bucketStart
			cp.Interval = interval
			buckets[bucketStart] = &cp
			order = append(order, bucketStart)
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}

	out := make([]domain.Bar, 0, len(order))
	for _, ts := range order {
		out = append(out, *buckets[ts])
	}
	return out
}

// PruneExpired deletes rows past each resolution's retention horizon
// (§4.1 retention policy: raw 7d, 1s bars 30d, 5s bars 90d by default).
// Intended to be driven on a coarse schedule by the process entry point.
func (s *Store) PruneExpired(ctx context.Context) error {
	now := time.Now()
	targets := []struct {
		table  string
		tsCol  string
		maxAge time.Duration
	}{
		{"market_ticks", "ts", s.retention.RawTicks},
		{"candle_1s", "bucket_start", s.retention.Bars1s},
		{"candle_5s", "bucket_start", s.retention.Bars5s},
	}
	for _, t := range targets {
		if t.maxAge <= 0 {
			continue
		}
		cutoff := now.Add(-t.maxAge)
		tag, err := s.pool.Exec(ctx,
			fmt.Sprintf(`delete from %s where %s < $1`, t.table, t.tsCol), cutoff)
		if err != nil {
			return fmt.Errorf("tickstore: pruning %s: %w", t.table, err)
		}
		if n := tag.RowsAffected(); n > 0 {
			s.log.Info().Str("table", t.table).Int64("rows", n).Msg("tickstore: pruned expired rows")
		}
	}
	return nil
}

// Staleness returns seconds since the latest known tick for symbol, using
// the timestamp LatestPrice resolves (the durable store's latest row while
// it is fresh, otherwise the hot cache).
func (s *Store) Staleness(ctx context.Context, symbol string) (float64, error) {
	_, ts, err := s.LatestPrice(ctx, symbol)
	if err != nil && !errors.Is(err, ErrStalePrice) {
		return 0, err
	}
	if ts.IsZero() {
		return 0, ErrNotFound
	}
	return time.Since(ts).Seconds(), nil
}
