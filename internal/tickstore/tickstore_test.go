package tickstore

import (
	"testing"
	"time"

	"github.com/levibot/core/internal/domain"
)

func TestDefaultRetention(t *testing.T) {
	r := DefaultRetention()
	if r.RawTicks != 7*24*time.Hour {
		t.Errorf("RawTicks = %v, want 7d", r.RawTicks)
	}
	if r.Bars1s != 30*24*time.Hour {
		t.Errorf("Bars1s = %v, want 30d", r.Bars1s)
	}
	if r.Bars5s != 90*24*time.Hour {
		t.Errorf("Bars5s = %v, want 90d", r.Bars5s)
	}
}

func TestRebucketGroupsIntoWiderBuckets(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{BucketStart: base, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1},
		{BucketStart: base.Add(5 * time.Second), Open: 100, High: 103, Low: 98, Close: 102, Volume: 1},
		{BucketStart: base.Add(60 * time.Second), Open: 102, High: 104, Low: 101, Close: 103, Volume: 1},
	}

	out := rebucket(bars, domain.Bar1m)
	if len(out) != 2 {
		t.Fatalf("expected 2 one-minute buckets, got %d", len(out))
	}

	first := out[0]
	if first.Open != 100 || first.Close != 102 || first.High != 103 || first.Low != 98 {
		t.Errorf("first bucket OHLC = %+v", first)
	}
	if first.Volume != 2 {
		t.Errorf("first bucket volume = %v, want 2", first.Volume)
	}
}

func TestRebucketEmptyInput(t *testing.T) {
	if out := rebucket(nil, domain.Bar1m); out != nil {
		t.Errorf("expected nil for empty input, got %+v", out)
	}
}

func TestFallbackHotRespectsFreshnessWindow(t *testing.T) {
	s := &Store{freshness: time.Second, hot: make(map[string]hotEntry)}

	if _, _, err := s.fallbackHot("BTCUSDT"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown symbol, got %v", err)
	}

	s.hot["BTCUSDT"] = hotEntry{price: 100, ts: time.Now()}
	price, _, err := s.fallbackHot("BTCUSDT")
	if err != nil || price != 100 {
		t.Errorf("fallbackHot = %v, %v, want 100, nil", price, err)
	}

	s.hot["BTCUSDT"] = hotEntry{price: 100, ts: time.Now().Add(-time.Hour)}
	if _, _, err := s.fallbackHot("BTCUSDT"); err != ErrStalePrice {
		t.Errorf("expected ErrStalePrice for stale entry, got %v", err)
	}
}
