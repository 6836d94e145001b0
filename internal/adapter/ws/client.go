// Package ws implements the venue adapter over a WebSocket session with
// automatic reconnection and subscription replay.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/adapter"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/schema"
)

// Options configures the WebSocket venue client.
type Options struct {
	URL    string
	APIKey string

	// ConnectTimeout bounds how long Connect waits for the first session.
	ConnectTimeout time.Duration

	// EventBuffer sizes the outbound message channel.
	EventBuffer int
}

// Client is a reconnecting WebSocket venue adapter.
type Client struct {
	url            string
	apiKey         string
	connectTimeout time.Duration

	conn   *websocket.Conn
	connMu sync.RWMutex

	writeMu sync.Mutex

	subs   map[string]subscription
	subsMu sync.Mutex

	events chan adapter.Message

	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once

	started atomic.Bool
	closed  atomic.Bool
}

type subscription struct {
	channel schema.Channel
	filter  schema.ChannelFilter
}

// frame is the wire envelope in both directions.
type frame struct {
	Event   string               `json:"event,omitempty"`
	Type    adapter.MessageType  `json:"type,omitempty"`
	Channel schema.Channel       `json:"channel,omitempty"`
	Filter  schema.ChannelFilter `json:"filter,omitempty"`
	APIKey  string               `json:"apiKey,omitempty"`
	Order   *schema.AtomicOrder  `json:"order,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
}

// New constructs a client for the given venue endpoint.
func New(opts Options) *Client {
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := new(Client)
	c.url = opts.URL
	c.apiKey = opts.APIKey
	c.connectTimeout = timeout
	c.subs = make(map[string]subscription)
	c.events = make(chan adapter.Message, buffer)
	c.ready = make(chan struct{})
	return c
}

// Connect dials the venue and blocks until the first session is established
// or the timeout elapses. The session is kept alive with exponential backoff
// reconnects until Close.
func (c *Client) Connect(ctx context.Context) error {
	const op = "ws.Connect"
	if !c.started.CompareAndSwap(false, true) {
		return errs.New(op, errs.CodeConflict, errs.WithMessage("client already connected"))
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	go c.run()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return errs.New(op, errs.CodeNetwork, errs.WithCause(ctx.Err()))
	case <-time.After(c.connectTimeout):
		c.cancel()
		return errs.New(op, errs.CodeTimeout,
			errs.WithMessage(fmt.Sprintf("no session within %s", c.connectTimeout)))
	}
}

// Close terminates the session and closes the event stream.
func (c *Client) Close(context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	close(c.events)
	return nil
}

// Events returns the inbound message stream.
func (c *Client) Events() <-chan adapter.Message {
	return c.events
}

// Subscribe opens a market data channel. The subscription is replayed after
// every reconnect until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, channel schema.Channel, filter schema.ChannelFilter) error {
	key := schema.SubscriptionKey(channel, filter)
	c.subsMu.Lock()
	_, exists := c.subs[key]
	if !exists {
		c.subs[key] = subscription{channel: channel, filter: filter}
	}
	c.subsMu.Unlock()
	if exists {
		return nil
	}
	return c.send(ctx, frame{Event: "subscribe", Channel: channel, Filter: filter})
}

// Unsubscribe closes a market data channel and stops replaying it.
func (c *Client) Unsubscribe(ctx context.Context, channel schema.Channel, filter schema.ChannelFilter) error {
	key := schema.SubscriptionKey(channel, filter)
	c.subsMu.Lock()
	_, exists := c.subs[key]
	delete(c.subs, key)
	c.subsMu.Unlock()
	if !exists {
		return errs.New("ws.Unsubscribe", errs.CodeNotFound,
			errs.WithMessage("no subscription for "+key))
	}
	return c.send(ctx, frame{Event: "unsubscribe", Channel: channel, Filter: filter})
}

// SubmitOrder sends a new order request over the session.
func (c *Client) SubmitOrder(ctx context.Context, order *schema.AtomicOrder) error {
	if order == nil || order.ClientID == "" {
		return errs.New("ws.SubmitOrder", errs.CodeInvalid, errs.WithMessage("order requires a client id"))
	}
	return c.send(ctx, frame{Event: "order_new", Order: order})
}

// CancelOrder sends a cancellation request over the session.
func (c *Client) CancelOrder(ctx context.Context, order *schema.AtomicOrder) error {
	if order == nil || order.ClientID == "" {
		return errs.New("ws.CancelOrder", errs.CodeInvalid, errs.WithMessage("order requires a client id"))
	}
	return c.send(ctx, frame{Event: "order_cancel", Order: order})
}

// run maintains the session with automatic reconnection and exponential
// backoff, replaying subscriptions after every successful dial.
func (c *Client) run() {
	backoffCfg := backoff.NewExponentialBackOff()
	first := true

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			observability.Log().Error("venue dial failed",
				observability.F("url", c.url), observability.F("error", err.Error()))
			if !c.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		backoffCfg.Reset()

		if first {
			first = false
			c.push(adapter.Message{Type: adapter.MsgOpen})
		} else {
			c.push(adapter.Message{Type: adapter.MsgReconnect})
		}

		if c.apiKey != "" {
			if err := c.send(c.ctx, frame{Event: "auth", APIKey: c.apiKey}); err != nil {
				observability.Log().Error("venue auth failed", observability.F("error", err.Error()))
			}
		}
		if err := c.replaySubscriptions(); err != nil {
			observability.Log().Error("subscription replay failed", observability.F("error", err.Error()))
		}

		c.readyOnce.Do(func() { close(c.ready) })

		if err := c.readLoop(conn); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			observability.Log().Error("venue read loop ended", observability.F("error", err.Error()))
		}

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		if !c.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		if err := c.handleFrame(data); err != nil {
			observability.Log().Error("dropping malformed venue frame",
				observability.F("error", err.Error()))
		}
	}
}

func (c *Client) handleFrame(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	msg := adapter.Message{Type: f.Type, Channel: f.Channel, Filter: f.Filter}
	switch f.Type {
	case adapter.MsgOrderSnapshot:
		var orders []*schema.AtomicOrder
		if err := json.Unmarshal(f.Payload, &orders); err != nil {
			return fmt.Errorf("decode order snapshot: %w", err)
		}
		msg.Payload = orders
	case adapter.MsgOrderNew, adapter.MsgOrderUpdate, adapter.MsgOrderClose:
		order := new(schema.AtomicOrder)
		if err := json.Unmarshal(f.Payload, order); err != nil {
			return fmt.Errorf("decode order: %w", err)
		}
		msg.Payload = order
	case adapter.MsgTrades:
		trade := new(schema.Trade)
		if err := json.Unmarshal(f.Payload, trade); err != nil {
			return fmt.Errorf("decode trade: %w", err)
		}
		msg.Payload = trade
	case adapter.MsgBook:
		book := new(schema.BookSnapshot)
		if err := json.Unmarshal(f.Payload, book); err != nil {
			return fmt.Errorf("decode book: %w", err)
		}
		msg.Payload = book
	case adapter.MsgCandles:
		candle := new(schema.Candle)
		if err := json.Unmarshal(f.Payload, candle); err != nil {
			return fmt.Errorf("decode candle: %w", err)
		}
		msg.Payload = candle
	case adapter.MsgTicker:
		ticker := new(schema.Ticker)
		if err := json.Unmarshal(f.Payload, ticker); err != nil {
			return fmt.Errorf("decode ticker: %w", err)
		}
		msg.Payload = ticker
	case adapter.MsgNotification:
		note := new(schema.Notification)
		if err := json.Unmarshal(f.Payload, note); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		msg.Payload = note
	case adapter.MsgOpen, adapter.MsgAuthSuccess, adapter.MsgAuthError,
		adapter.MsgSubscribed, adapter.MsgUnsubscribed, adapter.MsgReconnect:
		// Session messages carry no payload.
	default:
		return fmt.Errorf("unknown message type %q", f.Type)
	}

	c.push(msg)
	return nil
}

func (c *Client) replaySubscriptions() error {
	c.subsMu.Lock()
	pending := make([]subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		pending = append(pending, sub)
	}
	c.subsMu.Unlock()

	for _, sub := range pending {
		if err := c.send(c.ctx, frame{Event: "subscribe", Channel: sub.channel, Filter: sub.filter}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, f frame) error {
	const op = "ws.send"
	data, err := json.Marshal(f)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("no live session"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}
	return nil
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) push(msg adapter.Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- msg:
	default:
		observability.Log().Error("venue event buffer full, dropping message",
			observability.F("type", string(msg.Type)))
	}
}
