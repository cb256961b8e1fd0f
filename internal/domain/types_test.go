package domain

import "testing"

func TestTickValid(t *testing.T) {
	cases := []struct {
		name string
		tick Tick
		want bool
	}{
		{"ordered", Tick{Bid: 99, LastPrice: 100, Ask: 101}, true},
		{"last below bid", Tick{Bid: 99, LastPrice: 98, Ask: 101}, false},
		{"last above ask", Tick{Bid: 99, LastPrice: 102, Ask: 101}, false},
		{"no book yet", Tick{LastPrice: 100}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tick.Valid(); got != tc.want {
				t.Errorf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGuardrailsAllowed(t *testing.T) {
	empty := Guardrails{}
	if !empty.Allowed("BTCUSDT") {
		t.Error("empty allowlist should permit every symbol")
	}

	restricted := Guardrails{SymbolAllowlist: map[string]struct{}{"BTCUSDT": {}}}
	if !restricted.Allowed("BTCUSDT") {
		t.Error("expected BTCUSDT to be allowed")
	}
	if restricted.Allowed("ETHUSDT") {
		t.Error("expected ETHUSDT to be rejected")
	}
}

func TestPositionFlat(t *testing.T) {
	if !(Position{QuantitySigned: 0}).Flat() {
		t.Error("zero quantity should be flat")
	}
	if (Position{QuantitySigned: 1.5}).Flat() {
		t.Error("nonzero quantity should not be flat")
	}
}

func TestBarIntervalDuration(t *testing.T) {
	cases := map[BarInterval]int64{
		Bar1s:  1,
		Bar5s:  5,
		Bar1m:  60,
		Bar5m:  300,
		Bar15m: 900,
	}
	for interval, wantSeconds := range cases {
		if got := interval.Duration().Seconds(); got != float64(wantSeconds) {
			t.Errorf("%s.Duration() = %vs, want %ds", interval, got, wantSeconds)
		}
	}
}
