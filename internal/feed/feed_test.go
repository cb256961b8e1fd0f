package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/levibot/core/internal/domain"
	"github.com/levibot/core/internal/symbol"
)

type fakeDecoder struct {
	ticks []domain.Tick
	idx   int
	err   error
}

func (d *fakeDecoder) Decode(_ []byte) (domain.Tick, error) {
	if d.err != nil {
		return domain.Tick{}, d.err
	}
	t := d.ticks[d.idx]
	if d.idx < len(d.ticks)-1 {
		d.idx++
	}
	return t, nil
}

type fakeSink struct {
	ticks     []domain.Tick
	published []any
}

func (s *fakeSink) SetLastTick(tick domain.Tick)  { s.ticks = append(s.ticks, tick) }
func (s *fakeSink) Publish(_ string, payload any) { s.published = append(s.published, payload) }

type fakeWriter struct {
	batches [][]domain.Tick
	err     error
}

func (w *fakeWriter) AppendBatch(_ context.Context, ticks []domain.Tick) error {
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, ticks)
	return nil
}

func newTestFeed(decoder Decoder, sink TickSink, writer BatchWriter) *Feed {
	reg := symbol.NewRegistry(map[string]string{"BTCUSDT": "BTCUSDT"})
	return New(Config{URL: "wss://example.test", Subscriptions: []string{"BTCUSDT"}}, decoder, reg, sink, writer, zerolog.Nop())
}

func TestHandleFrameNormalizesAndForwardsValidTick(t *testing.T) {
	sink := &fakeSink{}
	decoder := &fakeDecoder{ticks: []domain.Tick{{Symbol: "btcusdt", LastPrice: 100, Timestamp: time.Now()}}}
	f := newTestFeed(decoder, sink, nil)

	f.handleFrame(context.Background(), []byte(`{}`))

	if len(sink.ticks) != 1 {
		t.Fatalf("expected one tick forwarded, got %d", len(sink.ticks))
	}
	if sink.ticks[0].Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want canonical BTCUSDT", sink.ticks[0].Symbol)
	}
}

func TestHandleFrameDropsUnknownSymbol(t *testing.T) {
	sink := &fakeSink{}
	decoder := &fakeDecoder{ticks: []domain.Tick{{Symbol: "DOGEUSDT", LastPrice: 1, Timestamp: time.Now()}}}
	f := newTestFeed(decoder, sink, nil)

	f.handleFrame(context.Background(), []byte(`{}`))

	if len(sink.ticks) != 0 {
		t.Fatalf("expected unknown symbol to be dropped, got %d ticks", len(sink.ticks))
	}
}

func TestHandleFrameCountsMalformed(t *testing.T) {
	sink := &fakeSink{}
	decoder := &fakeDecoder{err: errors.New("bad frame")}
	f := newTestFeed(decoder, sink, nil)

	f.handleFrame(context.Background(), []byte(`garbage`))

	if f.Metrics("*").MalformedTotal != 1 {
		t.Errorf("MalformedTotal = %d, want 1", f.Metrics("*").MalformedTotal)
	}
}

func TestHandleFrameDedupsRepeatedTick(t *testing.T) {
	sink := &fakeSink{}
	tick := domain.Tick{Symbol: "BTCUSDT", LastPrice: 100, Timestamp: time.Now()}
	decoder := &fakeDecoder{ticks: []domain.Tick{tick}}
	f := newTestFeed(decoder, sink, nil)

	f.handleFrame(context.Background(), []byte(`{}`))
	f.handleFrame(context.Background(), []byte(`{}`))

	if len(sink.ticks) != 1 {
		t.Fatalf("expected duplicate tick suppressed, got %d ticks forwarded", len(sink.ticks))
	}
	if f.Metrics("BTCUSDT").DuplicateTotal != 1 {
		t.Errorf("DuplicateTotal = %d, want 1", f.Metrics("BTCUSDT").DuplicateTotal)
	}
}

func TestHandleFrameRejectsPriceOutlier(t *testing.T) {
	sink := &fakeSink{}
	f := newTestFeed(&fakeDecoder{}, sink, nil)

	now := time.Now()
	st := f.stateFor("BTCUSDT")
	for i := 0; i < 10; i++ {
		st.priceWindow = append(st.priceWindow, priceSample{at: now.Add(time.Duration(i) * time.Second), price: 100})
	}

	decoder := &fakeDecoder{ticks: []domain.Tick{{Symbol: "BTCUSDT", LastPrice: 500, Timestamp: now.Add(20 * time.Second)}}}
	f.decoder = decoder

	f.handleFrame(context.Background(), []byte(`{}`))

	if len(sink.ticks) != 0 {
		t.Fatalf("expected outlier tick rejected, got %d forwarded", len(sink.ticks))
	}
	if f.Metrics("BTCUSDT").OutlierTotal != 1 {
		t.Errorf("OutlierTotal = %d, want 1", f.Metrics("BTCUSDT").OutlierTotal)
	}
}

func TestFlushWritesBufferedTicksAndClears(t *testing.T) {
	sink := &fakeSink{}
	writer := &fakeWriter{}
	tick := domain.Tick{Symbol: "BTCUSDT", LastPrice: 100, Timestamp: time.Now()}
	decoder := &fakeDecoder{ticks: []domain.Tick{tick}}
	f := newTestFeed(decoder, sink, writer)

	f.handleFrame(context.Background(), []byte(`{}`))
	f.flush(context.Background())

	if len(writer.batches) != 1 || len(writer.batches[0]) != 1 {
		t.Fatalf("expected one flushed batch of one tick, got %+v", writer.batches)
	}

	f.flush(context.Background())
	if len(writer.batches) != 1 {
		t.Errorf("expected no-op flush on empty buffer, got %d batches", len(writer.batches))
	}
}

func TestFlushRequeuesFailedBatchAndRetries(t *testing.T) {
	sink := &fakeSink{}
	writer := &fakeWriter{err: errors.New("db down")}
	tick := domain.Tick{Symbol: "BTCUSDT", LastPrice: 100, Timestamp: time.Now()}
	decoder := &fakeDecoder{ticks: []domain.Tick{tick}}
	f := newTestFeed(decoder, sink, writer)

	f.handleFrame(context.Background(), []byte(`{}`))
	f.flush(context.Background())

	if len(writer.batches) != 0 {
		t.Fatalf("expected no batch written while store is down, got %d", len(writer.batches))
	}
	if got := len(f.pending); got != 1 {
		t.Fatalf("expected failed batch requeued, pending = %d", got)
	}

	writer.err = nil
	f.flush(context.Background())
	if len(writer.batches) != 1 || len(writer.batches[0]) != 1 {
		t.Fatalf("expected requeued batch written on recovery, got %+v", writer.batches)
	}
	if len(f.pending) != 0 {
		t.Errorf("expected retry queue drained, pending = %d", len(f.pending))
	}
}

func TestRequeueDropsOldestOnOverflowAndEmitsEvent(t *testing.T) {
	sink := &fakeSink{}
	f := newTestFeed(&fakeDecoder{}, sink, &fakeWriter{})

	batches := make([][]domain.Tick, 0, maxPendingBatches+2)
	for i := 0; i < maxPendingBatches+2; i++ {
		batches = append(batches, []domain.Tick{{Symbol: "BTCUSDT", LastPrice: float64(i)}})
	}
	f.requeue(batches)

	if got := len(f.pending); got != maxPendingBatches {
		t.Fatalf("pending = %d, want capped at %d", got, maxPendingBatches)
	}
	var dropped *TickBatchDropped
	for _, p := range sink.published {
		if d, ok := p.(TickBatchDropped); ok {
			dropped = &d
		}
	}
	if dropped == nil || dropped.Batches != 2 {
		t.Fatalf("expected a TickBatchDropped event for 2 batches, got %+v", dropped)
	}
}

func TestOverflowDegradesStreamingUntilQueueDrains(t *testing.T) {
	sink := &fakeSink{}
	writer := &fakeWriter{}
	f := newTestFeed(&fakeDecoder{}, sink, writer)
	f.setState(StateStreaming)

	batches := make([][]domain.Tick, 0, maxPendingBatches+1)
	for i := 0; i < maxPendingBatches+1; i++ {
		batches = append(batches, []domain.Tick{{Symbol: "BTCUSDT", LastPrice: float64(i)}})
	}
	f.requeue(batches)

	if f.State() != StateDegraded {
		t.Fatalf("state = %s, want degraded after retry queue overflow", f.State())
	}

	f.flush(context.Background())
	if f.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming once the retry queue drains", f.State())
	}
}

func TestMedianOddAndEvenCounts(t *testing.T) {
	odd := []priceSample{{price: 1}, {price: 3}, {price: 2}}
	if m := median(odd); m != 2 {
		t.Errorf("median(odd) = %v, want 2", m)
	}
	even := []priceSample{{price: 1}, {price: 2}, {price: 3}, {price: 4}}
	if m := median(even); m != 2.5 {
		t.Errorf("median(even) = %v, want 2.5", m)
	}
}

func TestP95EmptyReturnsZero(t *testing.T) {
	if p95(nil) != 0 {
		t.Error("p95(nil) should be 0")
	}
}
