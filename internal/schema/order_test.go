package schema

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestStatusSubstringMatching(t *testing.T) {
	cases := []struct {
		status   string
		active   bool
		canceled bool
		filled   bool
		partial  bool
	}{
		{"ACTIVE", true, false, false, false},
		{"", true, false, false, false},
		{"PARTIALLY FILLED @ 101.5(0.05)", true, false, false, true},
		{"EXECUTED @ 101.5(0.1)", false, false, true, false},
		{"FILLED", false, false, true, false},
		{"CANCELED", false, true, false, false},
		{"CANCELLED was: ACTIVE", false, true, false, false},
	}

	for _, tc := range cases {
		order := &AtomicOrder{Status: tc.status}
		if got := order.IsActive(); got != tc.active {
			t.Errorf("IsActive(%q) = %v, want %v", tc.status, got, tc.active)
		}
		if got := order.IsCanceled(); got != tc.canceled {
			t.Errorf("IsCanceled(%q) = %v, want %v", tc.status, got, tc.canceled)
		}
		if got := order.IsFilled(); got != tc.filled {
			t.Errorf("IsFilled(%q) = %v, want %v", tc.status, got, tc.filled)
		}
		if got := order.IsPartiallyFilled(); got != tc.partial {
			t.Errorf("IsPartiallyFilled(%q) = %v, want %v", tc.status, got, tc.partial)
		}
	}
}

func TestAmountDustComparisons(t *testing.T) {
	tiny := decimal.RequireFromString("0.0000004")
	if !AmountIsZero(tiny) {
		t.Fatalf("expected %s to be dust", tiny)
	}
	if AmountIsZero(decimal.RequireFromString("0.00001")) {
		t.Fatalf("expected 0.00001 to be above dust")
	}

	a := decimal.RequireFromString("0.1000000001")
	b := decimal.RequireFromString("0.1")
	if !AmountEq(a, b) {
		t.Fatalf("expected %s and %s to be equal within dust", a, b)
	}
}

func TestSameSignPreservation(t *testing.T) {
	buy := decimal.RequireFromString("0.2")
	sell := decimal.RequireFromString("-0.1")
	if SameSign(buy, sell) {
		t.Fatal("expected opposite signs to mismatch")
	}
	if !SameSign(sell, decimal.RequireFromString("-0.2")) {
		t.Fatal("expected matching negative signs")
	}
	if !SameSign(decimal.Zero, buy) {
		t.Fatal("zero should match either sign")
	}
}

func TestApplyUpdateRetainsIdentity(t *testing.T) {
	price := decimal.RequireFromString("100")
	order := &AtomicOrder{
		ClientID: "gid-1-1",
		GroupID:  "gid-1",
		Symbol:   "BTC-USD",
		Amount:   decimal.RequireFromString("-0.2"),
		Status:   "ACTIVE",
	}
	update := &AtomicOrder{
		ClientID:     "gid-1-1",
		Amount:       decimal.RequireFromString("-0.1"),
		AmountFilled: decimal.RequireFromString("-0.1"),
		Status:       "PARTIALLY FILLED",
		Price:        &price,
	}

	order.ApplyUpdate(update)

	if order.GroupID != "gid-1" || order.Symbol != "BTC-USD" {
		t.Fatal("identity fields must not change on update")
	}
	if order.Status != "PARTIALLY FILLED" {
		t.Fatalf("status not applied: %s", order.Status)
	}
	if order.Price == nil || !order.Price.Equal(price) {
		t.Fatal("price not applied")
	}
}

func TestSubscriptionKeyIdentity(t *testing.T) {
	a := ChannelSubscription{Channel: ChannelCandles, Filter: ChannelFilter{"key": "trade:1m:BTC-USD", "symbol": "BTC-USD"}}
	b := ChannelSubscription{Channel: ChannelCandles, Filter: ChannelFilter{"symbol": "BTC-USD", "key": "trade:1m:BTC-USD"}}
	if a.Key() != b.Key() {
		t.Fatalf("filter ordering must not affect identity: %s vs %s", a.Key(), b.Key())
	}
	c := ChannelSubscription{Channel: ChannelTrades, Filter: ChannelFilter{"symbol": "BTC-USD"}}
	if a.Key() == c.Key() {
		t.Fatal("distinct channels must not collide")
	}
}
