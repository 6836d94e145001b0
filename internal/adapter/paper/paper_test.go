package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfoundry/algoexec/internal/adapter"
	"github.com/quantfoundry/algoexec/internal/schema"
)

func drainUntil(t *testing.T, events <-chan adapter.Message, typ adapter.MessageType) adapter.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", typ)
			}
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func connectedVenue(t *testing.T, opts Options) *Venue {
	t.Helper()
	v := New(opts)
	if err := v.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = v.Close(context.Background()) })
	return v
}

func TestConnectEmitsSessionMessages(t *testing.T) {
	v := connectedVenue(t, Options{})
	drainUntil(t, v.Events(), adapter.MsgOpen)
	drainUntil(t, v.Events(), adapter.MsgAuthSuccess)
	msg := drainUntil(t, v.Events(), adapter.MsgOrderSnapshot)
	if orders, ok := msg.Payload.([]*schema.AtomicOrder); !ok || len(orders) != 0 {
		t.Fatalf("expected empty order snapshot, got %#v", msg.Payload)
	}
}

func TestSubmitBelowMinimumSizeRejects(t *testing.T) {
	v := connectedVenue(t, Options{
		MinSizes: map[string]decimal.Decimal{"BTC-USD": decimal.RequireFromString("0.01")},
	})
	err := v.SubmitOrder(context.Background(), &schema.AtomicOrder{
		ClientID: "g1-1",
		Symbol:   "BTC-USD",
		Amount:   decimal.RequireFromString("0.001"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	msg := drainUntil(t, v.Events(), adapter.MsgNotification)
	note := msg.Payload.(*schema.Notification)
	if note.Status != "ERROR" {
		t.Fatalf("expected rejection notification, got %+v", note)
	}
	if len(v.OpenOrders()) != 0 {
		t.Fatal("rejected order must not enter the book")
	}
}

func TestSubmitInsufficientBalanceRejects(t *testing.T) {
	v := connectedVenue(t, Options{
		Balances: map[string]decimal.Decimal{"USD": decimal.RequireFromString("5")},
	})
	price := decimal.RequireFromString("100")
	err := v.SubmitOrder(context.Background(), &schema.AtomicOrder{
		ClientID: "g1-1",
		Symbol:   "BTC-USD",
		Amount:   decimal.RequireFromString("0.1"),
		Price:    &price,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drainUntil(t, v.Events(), adapter.MsgNotification)
	if len(v.OpenOrders()) != 0 {
		t.Fatal("rejected order must not enter the book")
	}
}

func TestSubmitAcceptedGoesActive(t *testing.T) {
	v := connectedVenue(t, Options{})
	err := v.SubmitOrder(context.Background(), &schema.AtomicOrder{
		ClientID: "g1-1",
		GroupID:  "g1",
		Symbol:   "BTC-USD",
		Amount:   decimal.RequireFromString("-0.2"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	msg := drainUntil(t, v.Events(), adapter.MsgOrderNew)
	order := msg.Payload.(*schema.AtomicOrder)
	if !order.IsActive() || order.Status != "ACTIVE" {
		t.Fatalf("expected ACTIVE order, got %q", order.Status)
	}
	if !order.AmountOrig.Equal(decimal.RequireFromString("-0.2")) {
		t.Fatalf("original amount not recorded: %s", order.AmountOrig)
	}
}

func TestPartialThenFullFill(t *testing.T) {
	v := connectedVenue(t, Options{})
	_ = v.SubmitOrder(context.Background(), &schema.AtomicOrder{
		ClientID: "g1-1",
		Symbol:   "BTC-USD",
		Amount:   decimal.RequireFromString("-0.2"),
	})
	drainUntil(t, v.Events(), adapter.MsgOrderNew)

	price := decimal.RequireFromString("101.5")
	if err := v.Fill("g1-1", decimal.RequireFromString("-0.1"), price); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
	msg := drainUntil(t, v.Events(), adapter.MsgOrderUpdate)
	order := msg.Payload.(*schema.AtomicOrder)
	if !order.IsPartiallyFilled() {
		t.Fatalf("expected partial fill status, got %q", order.Status)
	}

	if err := v.Fill("g1-1", decimal.RequireFromString("-0.1"), price); err != nil {
		t.Fatalf("final fill: %v", err)
	}
	msg = drainUntil(t, v.Events(), adapter.MsgOrderClose)
	order = msg.Payload.(*schema.AtomicOrder)
	if !order.IsFilled() {
		t.Fatalf("expected executed status, got %q", order.Status)
	}
	if len(v.OpenOrders()) != 0 {
		t.Fatal("filled order must leave the book")
	}
}

func TestFillSignMismatchRejected(t *testing.T) {
	v := connectedVenue(t, Options{})
	_ = v.SubmitOrder(context.Background(), &schema.AtomicOrder{
		ClientID: "g1-1",
		Symbol:   "BTC-USD",
		Amount:   decimal.RequireFromString("-0.2"),
	})
	err := v.Fill("g1-1", decimal.RequireFromString("0.1"), decimal.RequireFromString("100"))
	if err == nil {
		t.Fatal("fill with opposite sign must fail")
	}
}

func TestCancelEmitsClose(t *testing.T) {
	v := connectedVenue(t, Options{})
	_ = v.SubmitOrder(context.Background(), &schema.AtomicOrder{
		ClientID: "g1-1",
		Symbol:   "BTC-USD",
		Amount:   decimal.RequireFromString("0.1"),
	})
	drainUntil(t, v.Events(), adapter.MsgOrderNew)

	if err := v.CancelOrder(context.Background(), &schema.AtomicOrder{ClientID: "g1-1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	msg := drainUntil(t, v.Events(), adapter.MsgOrderClose)
	order := msg.Payload.(*schema.AtomicOrder)
	if !order.IsCanceled() {
		t.Fatalf("expected cancellation status, got %q", order.Status)
	}

	if err := v.CancelOrder(context.Background(), &schema.AtomicOrder{ClientID: "g1-1"}); err == nil {
		t.Fatal("cancelling an unknown order must fail")
	}
}

func TestAutoFillClosesOrder(t *testing.T) {
	v := connectedVenue(t, Options{AutoFill: 10 * time.Millisecond})
	_ = v.SubmitOrder(context.Background(), &schema.AtomicOrder{
		ClientID: "g1-1",
		Symbol:   "BTC-USD",
		Amount:   decimal.RequireFromString("0.1"),
	})
	drainUntil(t, v.Events(), adapter.MsgOrderNew)
	msg := drainUntil(t, v.Events(), adapter.MsgOrderClose)
	order := msg.Payload.(*schema.AtomicOrder)
	if !order.IsFilled() {
		t.Fatalf("auto-fill must execute the order, got %q", order.Status)
	}
}

func TestMarketDataRequiresSubscription(t *testing.T) {
	v := connectedVenue(t, Options{})
	trade := &schema.Trade{ID: 1, Symbol: "BTC-USD", Price: decimal.RequireFromString("100"), TS: time.Now()}

	v.EmitTrade(trade)

	if err := v.Subscribe(context.Background(), schema.ChannelTrades, schema.ChannelFilter{"symbol": "BTC-USD"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	drainUntil(t, v.Events(), adapter.MsgSubscribed)

	v.EmitTrade(trade)
	msg := drainUntil(t, v.Events(), adapter.MsgTrades)
	if got := msg.Payload.(*schema.Trade); got.ID != 1 {
		t.Fatalf("unexpected trade payload: %+v", got)
	}

	if err := v.Unsubscribe(context.Background(), schema.ChannelTrades, schema.ChannelFilter{"symbol": "BTC-USD"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := v.Unsubscribe(context.Background(), schema.ChannelTrades, schema.ChannelFilter{"symbol": "BTC-USD"}); err == nil {
		t.Fatal("second unsubscribe must fail")
	}
}
