package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType identifies the execution style of an atomic order.
type OrderType string

const (
	// OrderTypeLimit places the order at a fixed price.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeMarket executes immediately at the best available price.
	OrderTypeMarket OrderType = "MARKET"
)

// Dust is the epsilon used for amount equality and zero checks. Slice amounts
// are produced by repeated distortion and subtraction, so exact floating
// comparisons are never safe.
var Dust = decimal.RequireFromString("0.000001")

// AmountIsZero reports whether the amount is within dust of zero.
func AmountIsZero(amount decimal.Decimal) bool {
	return amount.Abs().LessThanOrEqual(Dust)
}

// AmountEq reports whether two amounts are equal within dust.
func AmountEq(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Dust)
}

// SameSign reports whether two amounts share a sign. Zero matches either sign.
func SameSign(a, b decimal.Decimal) bool {
	if AmountIsZero(a) || AmountIsZero(b) {
		return true
	}
	return a.Sign() == b.Sign()
}

// AtomicOrder is a single venue order belonging to one strategy instance.
// The amount sign encodes side: positive buys, negative sells.
type AtomicOrder struct {
	ClientID     string           `json:"clientId"`
	GroupID      string           `json:"groupId"`
	Symbol       string           `json:"symbol"`
	Type         OrderType        `json:"type"`
	Amount       decimal.Decimal  `json:"amount"`
	AmountOrig   decimal.Decimal  `json:"amountOrig"`
	AmountFilled decimal.Decimal  `json:"amountFilled"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Status       string           `json:"status"`
	Label        string           `json:"label,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy of the order.
func (o *AtomicOrder) Clone() *AtomicOrder {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Price != nil {
		price := *o.Price
		clone.Price = &price
	}
	return &clone
}

// ApplyUpdate copies the mutable fields of an incoming venue payload onto the
// locally tracked order record.
func (o *AtomicOrder) ApplyUpdate(update *AtomicOrder) {
	if o == nil || update == nil {
		return
	}
	o.Status = update.Status
	o.Amount = update.Amount
	if !update.AmountFilled.IsZero() {
		o.AmountFilled = update.AmountFilled
	}
	if update.Price != nil {
		price := *update.Price
		o.Price = &price
	}
	if !update.UpdatedAt.IsZero() {
		o.UpdatedAt = update.UpdatedAt
	}
}

// Venue status vocabulary is open-ended; the framework only distinguishes
// these three categories, by substring match on the status text.

// IsActive reports whether the order is live on the venue.
func (o *AtomicOrder) IsActive() bool {
	if o == nil {
		return false
	}
	status := strings.ToUpper(o.Status)
	return status == "" || strings.Contains(status, "ACTIVE") || strings.Contains(status, "PARTIALLY")
}

// IsCanceled reports whether the order was cancelled on the venue.
func (o *AtomicOrder) IsCanceled() bool {
	if o == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(o.Status), "CANCEL")
}

// IsFilled reports whether the order fully executed.
func (o *AtomicOrder) IsFilled() bool {
	if o == nil {
		return false
	}
	status := strings.ToUpper(o.Status)
	if strings.Contains(status, "PARTIALLY") {
		return false
	}
	return strings.Contains(status, "EXECUTED") || strings.Contains(status, "FILLED")
}

// IsPartiallyFilled reports whether the order has a partial execution.
func (o *AtomicOrder) IsPartiallyFilled() bool {
	if o == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(o.Status), "PARTIALLY")
}

// IsTerminal reports whether no further venue transitions are expected.
func (o *AtomicOrder) IsTerminal() bool {
	return o.IsCanceled() || o.IsFilled()
}
