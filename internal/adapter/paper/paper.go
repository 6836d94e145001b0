// Package paper implements a simulated venue. It accepts orders, applies the
// venue-side rejection rules (minimum size, available balance), and emits the
// same message stream a live connection would, which makes it the default
// venue for development and the harness for the execution tests.
package paper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/adapter"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/schema"
)

// Options configures the simulated venue.
type Options struct {
	// MinSizes maps symbol to the minimum absolute order amount. Orders
	// below the minimum are rejected with a minimum-size notification.
	MinSizes map[string]decimal.Decimal

	// Balances maps currency to available balance. A zero-length map
	// disables balance checking.
	Balances map[string]decimal.Decimal

	// AutoFill, when positive, fully fills every accepted order after the
	// given delay. Zero leaves orders ACTIVE until filled manually.
	AutoFill time.Duration

	// EventBuffer sizes the outbound message channel.
	EventBuffer int

	Clock func() time.Time
}

// Venue is the simulated venue.
type Venue struct {
	minSizes map[string]decimal.Decimal
	balances map[string]decimal.Decimal
	autoFill time.Duration
	clock    func() time.Time

	events chan adapter.Message

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	orders map[string]*schema.AtomicOrder
	subs   map[string]schema.ChannelSubscription
}

// New constructs a simulated venue with sane defaults.
func New(opts Options) *Venue {
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	v := new(Venue)
	v.minSizes = opts.MinSizes
	v.balances = make(map[string]decimal.Decimal, len(opts.Balances))
	for ccy, bal := range opts.Balances {
		v.balances[ccy] = bal
	}
	v.autoFill = opts.AutoFill
	v.clock = clock
	v.events = make(chan adapter.Message, buffer)
	v.orders = make(map[string]*schema.AtomicOrder)
	v.subs = make(map[string]schema.ChannelSubscription)
	return v
}

// Connect opens the simulated session and emits the open and order snapshot
// messages.
func (v *Venue) Connect(ctx context.Context) error {
	if !v.started.CompareAndSwap(false, true) {
		return errs.New("paper.Connect", errs.CodeConflict, errs.WithMessage("venue already connected"))
	}
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))
	v.push(adapter.Message{Type: adapter.MsgOpen})
	v.push(adapter.Message{Type: adapter.MsgAuthSuccess})
	v.push(adapter.Message{Type: adapter.MsgOrderSnapshot, Payload: v.OpenOrders()})
	return nil
}

// Close tears the session down and closes the event stream.
func (v *Venue) Close(context.Context) error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	if v.cancel != nil {
		v.cancel()
	}
	close(v.events)
	return nil
}

// Events returns the inbound message stream.
func (v *Venue) Events() <-chan adapter.Message {
	return v.events
}

// Subscribe records the subscription and acknowledges it asynchronously, the
// way a live venue does.
func (v *Venue) Subscribe(_ context.Context, channel schema.Channel, filter schema.ChannelFilter) error {
	if err := v.sessionErr("paper.Subscribe"); err != nil {
		return err
	}
	sub := schema.ChannelSubscription{Channel: channel, Filter: filter, Subscribed: true}
	v.mu.Lock()
	v.subs[sub.Key()] = sub.Clone()
	v.mu.Unlock()
	v.push(adapter.Message{Type: adapter.MsgSubscribed, Channel: channel, Filter: filter})
	return nil
}

// Unsubscribe drops the subscription and acknowledges the removal.
func (v *Venue) Unsubscribe(_ context.Context, channel schema.Channel, filter schema.ChannelFilter) error {
	if err := v.sessionErr("paper.Unsubscribe"); err != nil {
		return err
	}
	key := schema.SubscriptionKey(channel, filter)
	v.mu.Lock()
	_, known := v.subs[key]
	delete(v.subs, key)
	v.mu.Unlock()
	if !known {
		return errs.New("paper.Unsubscribe", errs.CodeNotFound,
			errs.WithMessage("no subscription for "+key))
	}
	v.push(adapter.Message{Type: adapter.MsgUnsubscribed, Channel: channel, Filter: filter})
	return nil
}

// SubmitOrder applies the venue acceptance rules. Rejections surface as
// notification messages, acceptance as an order_new message with the order
// ACTIVE, matching live venue behavior where submission is asynchronous.
func (v *Venue) SubmitOrder(_ context.Context, order *schema.AtomicOrder) error {
	const op = "paper.SubmitOrder"
	if err := v.sessionErr(op); err != nil {
		return err
	}
	if order == nil || order.ClientID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("order requires a client id"))
	}

	if min, ok := v.minSizes[order.Symbol]; ok && order.Amount.Abs().LessThan(min) {
		v.reject(order, fmt.Sprintf("minimum size for %s is %s", order.Symbol, min))
		return nil
	}
	if !v.reserveBalance(order) {
		v.reject(order, fmt.Sprintf("insufficient balance for order %s", order.ClientID))
		return nil
	}

	accepted := order.Clone()
	accepted.Status = "ACTIVE"
	accepted.AmountOrig = accepted.Amount
	now := v.clock()
	accepted.CreatedAt = now
	accepted.UpdatedAt = now

	v.mu.Lock()
	v.orders[accepted.ClientID] = accepted
	v.mu.Unlock()

	v.push(adapter.Message{Type: adapter.MsgOrderNew, Payload: accepted.Clone()})

	if v.autoFill > 0 {
		go v.fillLater(accepted.ClientID)
	}
	return nil
}

// CancelOrder removes the order from the simulated book and emits the close
// message with a cancellation status.
func (v *Venue) CancelOrder(_ context.Context, order *schema.AtomicOrder) error {
	const op = "paper.CancelOrder"
	if err := v.sessionErr(op); err != nil {
		return err
	}
	if order == nil || order.ClientID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("order requires a client id"))
	}
	v.mu.Lock()
	live, ok := v.orders[order.ClientID]
	if ok {
		delete(v.orders, order.ClientID)
	}
	v.mu.Unlock()
	if !ok {
		return errs.New(op, errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithMessage("unknown order "+order.ClientID))
	}

	closed := live.Clone()
	closed.Status = "CANCELED was: " + live.Status
	closed.UpdatedAt = v.clock()
	v.push(adapter.Message{Type: adapter.MsgOrderClose, Payload: closed})
	return nil
}

// Fill executes amount of the order at price. A remaining amount within dust
// of zero closes the order as EXECUTED, otherwise it stays live as
// PARTIALLY FILLED. Tests drive fills through here.
func (v *Venue) Fill(clientID string, amount, price decimal.Decimal) error {
	const op = "paper.Fill"
	v.mu.Lock()
	live, ok := v.orders[clientID]
	if !ok {
		v.mu.Unlock()
		return errs.New(op, errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithMessage("unknown order "+clientID))
	}
	if !schema.SameSign(live.Amount, amount) {
		v.mu.Unlock()
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("fill sign mismatch"))
	}

	live.AmountFilled = live.AmountFilled.Add(amount)
	live.Amount = live.Amount.Sub(amount)
	live.Price = &price
	live.UpdatedAt = v.clock()

	full := schema.AmountIsZero(live.Amount)
	if full {
		live.Status = fmt.Sprintf("EXECUTED @ %s(%s)", price, live.AmountFilled)
		delete(v.orders, clientID)
	} else {
		live.Status = fmt.Sprintf("PARTIALLY FILLED @ %s(%s)", price, amount)
	}
	snapshot := live.Clone()
	v.mu.Unlock()

	if full {
		v.push(adapter.Message{Type: adapter.MsgOrderClose, Payload: snapshot})
	} else {
		v.push(adapter.Message{Type: adapter.MsgOrderUpdate, Payload: snapshot})
	}
	return nil
}

// OpenOrders returns a copy of every live order.
func (v *Venue) OpenOrders() []*schema.AtomicOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*schema.AtomicOrder, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o.Clone())
	}
	return out
}

// EmitTrade publishes a public trade to subscribers of the trades channel.
func (v *Venue) EmitTrade(trade *schema.Trade) {
	v.emitData(adapter.MsgTrades, schema.ChannelTrades,
		schema.ChannelFilter{"symbol": trade.Symbol}, trade)
}

// EmitBook publishes an order book snapshot.
func (v *Venue) EmitBook(book *schema.BookSnapshot) {
	v.emitData(adapter.MsgBook, schema.ChannelBook,
		schema.ChannelFilter{"symbol": book.Symbol}, book)
}

// EmitCandle publishes a candle under the given subscription key.
func (v *Venue) EmitCandle(key string, candle *schema.Candle) {
	v.emitData(adapter.MsgCandles, schema.ChannelCandles,
		schema.ChannelFilter{"key": key}, candle)
}

// EmitTicker publishes a ticker.
func (v *Venue) EmitTicker(ticker *schema.Ticker) {
	v.emitData(adapter.MsgTicker, schema.ChannelTicker,
		schema.ChannelFilter{"symbol": ticker.Symbol}, ticker)
}

func (v *Venue) emitData(typ adapter.MessageType, channel schema.Channel, filter schema.ChannelFilter, payload any) {
	key := schema.SubscriptionKey(channel, filter)
	v.mu.Lock()
	_, subscribed := v.subs[key]
	v.mu.Unlock()
	if !subscribed {
		return
	}
	v.push(adapter.Message{Type: typ, Channel: channel, Filter: filter, Payload: payload})
}

func (v *Venue) fillLater(clientID string) {
	timer := time.NewTimer(v.autoFill)
	defer timer.Stop()
	select {
	case <-v.ctx.Done():
		return
	case <-timer.C:
	}
	v.mu.Lock()
	live, ok := v.orders[clientID]
	var remaining, price decimal.Decimal
	if ok {
		remaining = live.Amount
		if live.Price != nil {
			price = *live.Price
		} else {
			price = decimal.NewFromInt(100)
		}
	}
	v.mu.Unlock()
	if !ok || schema.AmountIsZero(remaining) {
		return
	}
	if err := v.Fill(clientID, remaining, price); err != nil {
		observability.Log().Error("paper auto-fill failed",
			observability.F("clientId", clientID), observability.F("error", err.Error()))
	}
}

func (v *Venue) reject(order *schema.AtomicOrder, message string) {
	v.push(adapter.Message{Type: adapter.MsgNotification, Payload: &schema.Notification{
		Type:     "on-req",
		Status:   "ERROR",
		Message:  message,
		TS:       v.clock(),
		ClientID: order.ClientID,
	}})
	observability.Log().Debug("paper rejected order",
		observability.F("clientId", order.ClientID), observability.F("reason", message))
}

// reserveBalance debits the quote balance for buys and the base balance for
// sells, using the order price when present. No configured balances means no
// balance checking.
func (v *Venue) reserveBalance(order *schema.AtomicOrder) bool {
	if len(v.balances) == 0 {
		return true
	}
	base, quote, ok := splitSymbol(order.Symbol)
	if !ok {
		return true
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if order.Amount.IsPositive() {
		price := decimal.NewFromInt(1)
		if order.Price != nil {
			price = *order.Price
		}
		cost := order.Amount.Mul(price)
		have, tracked := v.balances[quote]
		if !tracked || have.LessThan(cost) {
			return false
		}
		v.balances[quote] = have.Sub(cost)
		return true
	}
	need := order.Amount.Abs()
	have, tracked := v.balances[base]
	if !tracked || have.LessThan(need) {
		return false
	}
	v.balances[base] = have.Sub(need)
	return true
}

func (v *Venue) sessionErr(op string) error {
	if !v.started.Load() {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("venue not connected"))
	}
	if v.closed.Load() {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("venue closed"))
	}
	return nil
}

func (v *Venue) push(msg adapter.Message) {
	if v.closed.Load() {
		return
	}
	select {
	case v.events <- msg:
	default:
		observability.Log().Error("paper event buffer full, dropping message",
			observability.F("type", string(msg.Type)))
	}
}

func splitSymbol(symbol string) (base, quote string, ok bool) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' || symbol[i] == '/' {
			return symbol[:i], symbol[i+1:], true
		}
	}
	return "", "", false
}
