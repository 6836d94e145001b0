package schema

import (
	"sort"
	"strings"
)

// Channel names a venue data stream.
type Channel string

const (
	// ChannelTrades streams public trades.
	ChannelTrades Channel = "trades"
	// ChannelBook streams order book updates.
	ChannelBook Channel = "book"
	// ChannelCandles streams OHLCV candles.
	ChannelCandles Channel = "candles"
	// ChannelTicker streams top-of-book tickers.
	ChannelTicker Channel = "ticker"
)

// ChannelFilter scopes a channel subscription, typically by symbol or
// candle resolution key.
type ChannelFilter map[string]string

// ChannelSubscription records one declared venue data subscription.
// Declaration happens synchronously while an instance is being constructed
// (assigned), before the subscribe command is guaranteed deliverable
// (subscribed), hence the two flags.
type ChannelSubscription struct {
	Channel    Channel       `json:"channel"`
	Filter     ChannelFilter `json:"filter,omitempty"`
	Assigned   bool          `json:"assigned"`
	Subscribed bool          `json:"subscribed"`
}

// Key returns the (channel, filter) identity used to match subscriptions for
// exactly-once unsubscription.
func (c ChannelSubscription) Key() string {
	return SubscriptionKey(c.Channel, c.Filter)
}

// SubscriptionKey builds the identity string for a channel and filter pair.
func SubscriptionKey(channel Channel, filter ChannelFilter) string {
	if len(filter) == 0 {
		return string(channel)
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(string(channel))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(filter[k])
	}
	return b.String()
}

// Clone returns a deep copy of the subscription.
func (c ChannelSubscription) Clone() ChannelSubscription {
	clone := c
	if c.Filter != nil {
		clone.Filter = make(ChannelFilter, len(c.Filter))
		for k, v := range c.Filter {
			clone.Filter[k] = v
		}
	}
	return clone
}
