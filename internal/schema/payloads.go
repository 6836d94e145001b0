package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single public trade print.
type Trade struct {
	ID     int64           `json:"id"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	TS     time.Time       `json:"ts"`
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// BookSnapshot carries the top of an order book for a symbol.
type BookSnapshot struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
	TS     time.Time   `json:"ts"`
}

// MidPrice returns the midpoint of the best bid and ask, or zero when either
// side is empty.
func (b *BookSnapshot) MidPrice() decimal.Decimal {
	if b == nil || len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price.Add(b.Asks[0].Price).Div(decimal.NewFromInt(2))
}

// Candle is a single OHLCV bar.
type Candle struct {
	Symbol string          `json:"symbol"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	MTS    time.Time       `json:"mts"`
}

// Ticker carries the current top-of-book summary for a symbol.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	TS        time.Time       `json:"ts"`
}

// Notification is a venue-issued informational message, including order
// rejection notices.
type Notification struct {
	Type    string    `json:"type"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`

	// ClientID names the order a rejection notice refers to, when the venue
	// echoes it back. Empty for venue-wide notices.
	ClientID string `json:"cid,omitempty"`
}
