// Package paper implements the Paper Execution Engine (C9): deterministic,
// fair-fill simulation of orders, accurate position accounting, and
// mark-to-market on every tick.
//
// Design rules (from spec §4.9):
//   - SubmitOrder is idempotent on client_request_id: a repeat returns the
//     first Fill.
//   - Fill price includes slippage (adverse to the trader) and a
//     taker/maker fee.
//   - Position average entry price is volume-weighted on increases;
//     decreases realize P&L proportionally and flip sign/reset avg on
//     crossing zero.
//   - EquitySnapshot is appended at most once per 10s or on every fill.
//   - Reset() closes all positions fee-free at last price, zeros realized
//     P&L, reseeds cash.
//
// Orders, holdings, and cash live in in-memory maps guarded by a single
// mutex. Money math is done in github.com/shopspring/decimal, since
// accounting correctness is load-bearing here and decimal avoids
// floating-point drift across many fills; float64 is retained only for
// the quantity/price fields that flow in from ticks/indicators.
package paper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/levibot/core/internal/domain"
)

var (
	// ErrStalePrice is returned when no tick is available within the
	// freshness window to resolve a fill price (§4.9 step 2).
	ErrStalePrice = errors.New("paper: stale price")
)

// maxTradeHistory bounds the in-memory completed-trade log exposed via
// Trades/Portfolio; older trades are dropped oldest-first.
const maxTradeHistory = 1000

// PriceSource resolves the latest tradable price for a symbol, typically
// backed by the Event Bus's hot-tick cache.
type PriceSource interface {
	GetLastTick(symbol string) (domain.Tick, bool)
}

// FeeSchedule configures the fill model (§4.9 steps 3-4, §6 env vars).
type FeeSchedule struct {
	SlippageBps decimal.Decimal
	TakerFeeBps decimal.Decimal
	MakerFeeBps decimal.Decimal
}

type positionState struct {
	quantitySigned decimal.Decimal
	avgEntryPrice  decimal.Decimal
	openedAt       time.Time
	lastMarkPrice  decimal.Decimal
	lastMarkAt     time.Time
	openFill       domain.Fill
}

// Engine is the Paper Execution Engine (C9) singleton. Positions are
// single-writer (this struct), guarded by mu; readers take snapshots.
type Engine struct {
	prices PriceSource
	fees   FeeSchedule

	freshness time.Duration

	mu                sync.Mutex
	cash              decimal.Decimal
	startingCash      decimal.Decimal
	realizedPnLToDate decimal.Decimal
	equityPeak        decimal.Decimal
	positions         map[string]*positionState
	ordersByClientID  map[string]domain.Fill
	trades            []domain.Trade
	lastSnapshotAt    time.Time

	onFill     func(domain.Fill)
	onTrade    func(domain.Trade)
	onSnapshot func(domain.EquitySnapshot)
}

// New builds an Engine seeded with startingCash (§6 STARTING_CASH).
func New(startingCash float64, fees FeeSchedule, freshness time.Duration, prices PriceSource) *Engine {
	cash := decimal.NewFromFloat(startingCash)
	if freshness <= 0 {
		freshness = 60 * time.Second
	}
	return &Engine{
		prices:           prices,
		fees:             fees,
		freshness:        freshness,
		cash:             cash,
		startingCash:     cash,
		equityPeak:       cash,
		positions:        make(map[string]*positionState),
		ordersByClientID: make(map[string]domain.Fill),
	}
}

// OnFill/OnTrade/OnSnapshot register callbacks invoked synchronously as
// each event is produced (e.g. to publish onto the Event Bus).
func (e *Engine) OnFill(f func(domain.Fill))               { e.onFill = f }
func (e *Engine) OnTrade(f func(domain.Trade))             { e.onTrade = f }
func (e *Engine) OnSnapshot(f func(domain.EquitySnapshot)) { e.onSnapshot = f }

// SubmitOrder executes order.order against the latest tick for its symbol.
// If an order with the same ClientRequestID was already submitted, the
// original Fill is returned without side effects (§3, §4.9 step 1).
func (e *Engine) SubmitOrder(_ context.Context, order domain.Order) (domain.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if order.ClientRequestID != "" {
		if fill, ok := e.ordersByClientID[order.ClientRequestID]; ok {
			return fill, nil
		}
	}

	tick, ok := e.prices.GetLastTick(order.Symbol)
	if !ok || time.Since(tick.Timestamp) > e.freshness {
		return domain.Fill{}, ErrStalePrice
	}

	if order.ID == "" {
		order.ID = ulid.Make().String()
	}

	reference := decimal.NewFromFloat(tick.LastPrice)
	fillPrice := applySlippage(reference, e.fees.SlippageBps, order.Side)

	// An order carrying only a USD notional has its quantity resolved here,
	// at the slippage-adjusted fill price; notional_usd stays the
	// pre-fill-effect allocation (§3).
	qty := decimal.NewFromFloat(order.Quantity)
	if qty.IsZero() && order.NotionalUSD > 0 {
		qty = decimal.NewFromFloat(order.NotionalUSD).Div(fillPrice)
	}
	notional := fillPrice.Mul(qty)
	fee := notional.Mul(e.fees.TakerFeeBps).Div(decimal.NewFromInt(10000))

	fill := domain.Fill{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    qty.InexactFloat64(),
		FillPrice:   fillPrice.InexactFloat64(),
		SlippageBps: e.fees.SlippageBps.InexactFloat64(),
		FeeUSD:      fee.InexactFloat64(),
		FilledAt:    time.Now(),
	}

	trade := e.applyFill(order.Symbol, order.Side, qty, fillPrice, fee, fill)

	if order.ClientRequestID != "" {
		e.ordersByClientID[order.ClientRequestID] = fill
	}
	e.cash = e.cash.Sub(fee)
	if order.Side == domain.SideBuy {
		e.cash = e.cash.Sub(notional)
	} else {
		e.cash = e.cash.Add(notional)
	}

	if e.onFill != nil {
		e.onFill(fill)
	}
	if trade != nil && e.onTrade != nil {
		e.onTrade(*trade)
	}

	e.maybeSnapshot(true)

	return fill, nil
}

// applyFill updates position accounting per §4.9 step 5 and returns a
// Trade if a round trip was completed (position crossed or landed on
// zero). fill is the domain.Fill just produced by SubmitOrder, carried
// through so a completed Trade can reference the fills that opened and
// closed it (§3). Caller holds mu.
func (e *Engine) applyFill(symbol string, side domain.Side, qty, fillPrice, fee decimal.Decimal, fill domain.Fill) *domain.Trade {
	pos, ok := e.positions[symbol]
	if !ok {
		pos = &positionState{quantitySigned: decimal.Zero, avgEntryPrice: decimal.Zero}
		e.positions[symbol] = pos
	}

	signedDelta := qty
	if side == domain.SideSell {
		signedDelta = qty.Neg()
	}

	oldQty := pos.quantitySigned
	newQty := oldQty.Add(signedDelta)

	sameDirectionOrFlat := oldQty.Sign() == 0 || oldQty.Sign() == signedDelta.Sign()

	var trade *domain.Trade

	switch {
	case sameDirectionOrFlat:
		// Opening or increasing (§4.9 step 5, "opening or increasing").
		wasFlat := oldQty.Sign() == 0
		oldAbs := oldQty.Abs()
		newAbs := newQty.Abs()
		if newAbs.IsZero() {
			pos.avgEntryPrice = decimal.Zero
		} else {
			weighted := oldAbs.Mul(pos.avgEntryPrice).Add(qty.Mul(fillPrice))
			pos.avgEntryPrice = weighted.Div(newAbs)
		}
		pos.quantitySigned = newQty
		if pos.openedAt.IsZero() {
			pos.openedAt = time.Now()
		}
		if wasFlat {
			pos.openFill = fill
		}

	default:
		// Decreasing or closing/flipping (§4.9 step 5).
		closedQty := qty
		if closedQty.GreaterThan(oldQty.Abs()) {
			closedQty = oldQty.Abs()
		}
		sign := decimal.NewFromInt(int64(oldQty.Sign()))
		realized := closedQty.Mul(fillPrice.Sub(pos.avgEntryPrice)).Mul(sign).Sub(fee)
		e.realizedPnLToDate = e.realizedPnLToDate.Add(realized)

		trade = &domain.Trade{
			Symbol:       symbol,
			OpenFillRef:  pos.openFill,
			CloseFillRef: fill,
			RealizedPnL:  realized.InexactFloat64(),
			ClosedAt:     time.Now(),
		}
		e.trades = append(e.trades, *trade)
		if len(e.trades) > maxTradeHistory {
			e.trades = e.trades[len(e.trades)-maxTradeHistory:]
		}

		pos.quantitySigned = newQty
		if newQty.Sign() != oldQty.Sign() && !newQty.IsZero() {
			// Crossed zero: flip direction and reset avg entry to the
			// fill price for the new, smaller leg (§4.9 step 5); that
			// same fill also opens the new leg's position.
			pos.avgEntryPrice = fillPrice
			pos.openedAt = time.Now()
			pos.openFill = fill
		} else if newQty.IsZero() {
			pos.avgEntryPrice = decimal.Zero
			pos.openedAt = time.Time{}
			pos.openFill = domain.Fill{}
		}
	}

	return trade
}

// applySlippage returns fill_price = reference * (1 +/- slippage_bps/1e4),
// adverse to the trader: + for buys, - for sells (§4.9 step 3).
func applySlippage(reference, slippageBps decimal.Decimal, side domain.Side) decimal.Decimal {
	factor := slippageBps.Div(decimal.NewFromInt(10000))
	if side == domain.SideBuy {
		return reference.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return reference.Mul(decimal.NewFromInt(1).Sub(factor))
}

// MarkToMarket recomputes unrealized P&L for symbol given the latest
// price, per §4.9 "recompute unrealized_pnl = qty_signed * (last - avg_entry)".
func (e *Engine) MarkToMarket(symbol string, lastPrice float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[symbol]
	if !ok || pos.quantitySigned.IsZero() {
		return
	}
	pos.lastMarkPrice = decimal.NewFromFloat(lastPrice)
	pos.lastMarkAt = at

	e.maybeSnapshot(false)
}

// Position returns a read-only snapshot of symbol's current position.
func (e *Engine) Position(symbol string) domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked(symbol)
}

func (e *Engine) positionLocked(symbol string) domain.Position {
	pos, ok := e.positions[symbol]
	if !ok {
		return domain.Position{Symbol: symbol}
	}
	var unrealized decimal.Decimal
	if !pos.quantitySigned.IsZero() && !pos.lastMarkPrice.IsZero() {
		unrealized = pos.quantitySigned.Mul(pos.lastMarkPrice.Sub(pos.avgEntryPrice))
	}
	return domain.Position{
		Symbol:            symbol,
		QuantitySigned:    pos.quantitySigned.InexactFloat64(),
		AverageEntryPrice: pos.avgEntryPrice.InexactFloat64(),
		UnrealizedPnLUSD:  unrealized.InexactFloat64(),
		OpenedAt:          pos.openedAt,
		LastMarkPrice:     pos.lastMarkPrice.InexactFloat64(),
		LastMarkAt:        pos.lastMarkAt,
	}
}

// equityLocked computes cash + sum(position market value). Caller holds mu.
func (e *Engine) equityLocked() (equity, unrealized decimal.Decimal) {
	equity = e.cash
	for _, pos := range e.positions {
		if pos.quantitySigned.IsZero() {
			continue
		}
		marketValue := pos.quantitySigned.Mul(pos.lastMarkPrice)
		equity = equity.Add(marketValue)
		unrealized = unrealized.Add(pos.quantitySigned.Mul(pos.lastMarkPrice.Sub(pos.avgEntryPrice)))
	}
	return equity, unrealized
}

// maybeSnapshot appends an EquitySnapshot if force is true (a fill just
// happened) or at least 10s have elapsed since the last one (§4.9 step 7).
func (e *Engine) maybeSnapshot(force bool) {
	now := time.Now()
	if !force && now.Sub(e.lastSnapshotAt) < 10*time.Second {
		return
	}

	equity, unrealized := e.equityLocked()
	if equity.GreaterThan(e.equityPeak) {
		e.equityPeak = equity
	}

	var drawdown float64
	if !e.equityPeak.IsZero() {
		drawdown = equity.Sub(e.equityPeak).Div(e.equityPeak).InexactFloat64()
	}

	snap := domain.EquitySnapshot{
		TS:                now,
		CashBalance:       e.cash.InexactFloat64(),
		UnrealizedPnL:     unrealized.InexactFloat64(),
		RealizedPnLToDate: e.realizedPnLToDate.InexactFloat64(),
		Equity:            equity.InexactFloat64(),
		DrawdownPct:       drawdown,
	}
	e.lastSnapshotAt = now

	if e.onSnapshot != nil {
		e.onSnapshot(snap)
	}
}

// Summary reports the Paper Engine's current aggregate state.
type Summary struct {
	Cash              float64
	RealizedPnLToDate float64
	UnrealizedPnL     float64
	Equity            float64
	EquityPeak        float64
	DrawdownPct       float64
}

// GetSummary returns the current portfolio summary.
func (e *Engine) GetSummary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	equity, unrealized := e.equityLocked()
	var drawdown float64
	if !e.equityPeak.IsZero() {
		drawdown = equity.Sub(e.equityPeak).Div(e.equityPeak).InexactFloat64()
	}
	return Summary{
		Cash:              e.cash.InexactFloat64(),
		RealizedPnLToDate: e.realizedPnLToDate.InexactFloat64(),
		UnrealizedPnL:     unrealized.InexactFloat64(),
		Equity:            equity.InexactFloat64(),
		EquityPeak:        e.equityPeak.InexactFloat64(),
		DrawdownPct:       drawdown,
	}
}

// Positions returns a snapshot of every non-flat position.
func (e *Engine) Positions() []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Position, 0, len(e.positions))
	for symbol, pos := range e.positions {
		if pos.quantitySigned.IsZero() {
			continue
		}
		out = append(out, e.positionLocked(symbol))
	}
	return out
}

// Trades returns a snapshot of completed round-trip trades, most recent
// last, bounded to maxTradeHistory entries (§6 GET /paper/trades).
func (e *Engine) Trades() []domain.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// Portfolio is the combined view returned by GET /paper/portfolio: the
// aggregate summary alongside every open position.
type Portfolio struct {
	Summary   Summary           `json:"summary"`
	Positions []domain.Position `json:"positions"`
}

// Portfolio returns the current summary and open positions together.
func (e *Engine) Portfolio() Portfolio {
	e.mu.Lock()
	equity, unrealized := e.equityLocked()
	var drawdown float64
	if !e.equityPeak.IsZero() {
		drawdown = equity.Sub(e.equityPeak).Div(e.equityPeak).InexactFloat64()
	}
	summary := Summary{
		Cash:              e.cash.InexactFloat64(),
		RealizedPnLToDate: e.realizedPnLToDate.InexactFloat64(),
		UnrealizedPnL:     unrealized.InexactFloat64(),
		Equity:            equity.InexactFloat64(),
		EquityPeak:        e.equityPeak.InexactFloat64(),
		DrawdownPct:       drawdown,
	}
	positions := make([]domain.Position, 0, len(e.positions))
	for symbol, pos := range e.positions {
		if pos.quantitySigned.IsZero() {
			continue
		}
		positions = append(positions, e.positionLocked(symbol))
	}
	e.mu.Unlock()
	return Portfolio{Summary: summary, Positions: positions}
}

// Reset closes all positions at last mark price fee-free, zeros realized
// P&L, and reseeds cash to the configured starting balance (§4.9 "Reset").
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Positions close at last mark fee-free; the realized P&L they would
	// book is zeroed along with the running total, so it is not tallied.
	e.positions = make(map[string]*positionState)
	e.ordersByClientID = make(map[string]domain.Fill)
	e.realizedPnLToDate = decimal.Zero
	e.cash = e.startingCash
	e.equityPeak = e.startingCash
	e.lastSnapshotAt = time.Time{}
	// Trade history is an append-only log (§3) and survives Reset.
}
