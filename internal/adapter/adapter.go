// Package adapter defines the venue connection contract the engine routes
// orders and market data through. Implementations translate venue wire
// traffic into the typed messages the dispatcher consumes.
package adapter

import (
	"context"

	"github.com/quantfoundry/algoexec/internal/schema"
)

// MessageType identifies one inbound venue message.
type MessageType string

const (
	// MsgOpen signals the venue connection is established.
	MsgOpen MessageType = "open"
	// MsgAuthSuccess signals authentication succeeded.
	MsgAuthSuccess MessageType = "auth_success"
	// MsgAuthError signals authentication failed.
	MsgAuthError MessageType = "auth_error"
	// MsgReconnect signals the transport dropped and is reconnecting.
	MsgReconnect MessageType = "reconnect"

	// MsgOrderSnapshot carries the full set of open orders at connect time.
	MsgOrderSnapshot MessageType = "order_snapshot"
	// MsgOrderNew confirms an order was accepted by the venue.
	MsgOrderNew MessageType = "order_new"
	// MsgOrderUpdate carries a state change of a live order.
	MsgOrderUpdate MessageType = "order_update"
	// MsgOrderClose reports an order leaving the book, by fill or cancel.
	MsgOrderClose MessageType = "order_close"

	// MsgTrades carries public trade prints.
	MsgTrades MessageType = "trades"
	// MsgBook carries an order book snapshot or update.
	MsgBook MessageType = "book"
	// MsgCandles carries OHLCV candles.
	MsgCandles MessageType = "candles"
	// MsgTicker carries a top-of-book ticker.
	MsgTicker MessageType = "ticker"

	// MsgNotification carries venue notices, including order rejections.
	MsgNotification MessageType = "notification"
	// MsgSubscribed acknowledges a channel subscription.
	MsgSubscribed MessageType = "subscribed"
	// MsgUnsubscribed acknowledges a channel unsubscription.
	MsgUnsubscribed MessageType = "unsubscribed"
)

// Message is one inbound venue event. Payload holds the typed body for the
// message type: *schema.AtomicOrder for order messages, []*schema.AtomicOrder
// for snapshots, *schema.Trade, *schema.BookSnapshot, *schema.Candle,
// *schema.Ticker, or *schema.Notification for data messages.
type Message struct {
	Type    MessageType
	Channel schema.Channel
	Filter  schema.ChannelFilter
	Payload any
}

// Adapter is a venue connection. Implementations deliver every inbound event
// on the Events channel in venue order; the channel closes after Close.
type Adapter interface {
	// Connect establishes the venue session. It returns once the session is
	// usable; the MsgOpen message is also delivered on Events.
	Connect(ctx context.Context) error

	// Close tears the session down and closes the Events channel.
	Close(ctx context.Context) error

	// Subscribe opens a market data channel. The MsgSubscribed ack arrives
	// asynchronously on Events.
	Subscribe(ctx context.Context, channel schema.Channel, filter schema.ChannelFilter) error

	// Unsubscribe closes a market data channel.
	Unsubscribe(ctx context.Context, channel schema.Channel, filter schema.ChannelFilter) error

	// SubmitOrder sends a new order to the venue. Acceptance or rejection
	// arrives asynchronously as MsgOrderNew or MsgNotification.
	SubmitOrder(ctx context.Context, order *schema.AtomicOrder) error

	// CancelOrder requests cancellation of a live order.
	CancelOrder(ctx context.Context, order *schema.AtomicOrder) error

	// Events returns the inbound message stream.
	Events() <-chan Message
}
