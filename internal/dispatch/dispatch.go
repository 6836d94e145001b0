// Package dispatch turns the raw venue message stream into the engine's
// internal events. Messages are processed strictly one at a time through an
// internal queue, so order events for the same instance can never interleave,
// and venue order-close messages are split into cancellation and fill events
// by their status text.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/adapter"
	"github.com/quantfoundry/algoexec/internal/bus"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/schema"
)

// Event names emitted on the dispatcher bus.
const (
	EvtOpen         = "open"
	EvtAuthSuccess  = "auth:success"
	EvtAuthError    = "auth:error"
	EvtReconnect    = "reconnect"
	EvtSubscribed   = "subscribed"
	EvtUnsubscribed = "unsubscribed"

	EvtOrderSnapshot = "order:snapshot"
	EvtOrderNew      = "order:new"
	EvtOrderUpdate   = "order:update"
	EvtOrderClose    = "order:close"
	EvtOrderFill     = "order:fill"
	EvtOrderCancel   = "order:cancel"

	EvtNotification = "notification"
	EvtError        = "error"

	dataPrefix = "data:"
)

// DataEvent returns the bus event name for a market data channel.
func DataEvent(channel schema.Channel) string {
	return dataPrefix + string(channel)
}

// Dispatcher serialises venue messages into bus events.
type Dispatcher struct {
	bus *bus.Bus

	mu       sync.Mutex
	queue    []adapter.Message
	draining bool

	msgCounter metric.Int64Counter
}

// New constructs a dispatcher emitting onto its own bus.
func New() *Dispatcher {
	d := new(Dispatcher)
	d.bus = bus.New()
	meter := otel.Meter("dispatch")
	d.msgCounter, _ = meter.Int64Counter("dispatch.messages",
		metric.WithDescription("Number of venue messages dispatched"),
		metric.WithUnit("{message}"))
	return d
}

// Bus returns the event bus the dispatcher emits on.
func (d *Dispatcher) Bus() *bus.Bus {
	return d.bus
}

// Run consumes the adapter stream until the context ends or the stream
// closes.
func (d *Dispatcher) Run(ctx context.Context, events <-chan adapter.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			d.Push(ctx, msg)
		}
	}
}

// Push enqueues one message and drains the queue unless a drain is already in
// progress. The caller that finds the queue idle performs the drain, which
// keeps processing strictly sequential without a dedicated goroutine.
func (d *Dispatcher) Push(ctx context.Context, msg adapter.Message) {
	d.mu.Lock()
	d.queue = append(d.queue, msg)
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.process(ctx, next)
	}
}

// process maps one venue message to bus events. Listener failures are logged
// and never stall the queue: a broken strategy handler must not stop order
// updates from reaching the others.
func (d *Dispatcher) process(ctx context.Context, msg adapter.Message) {
	if d.msgCounter != nil {
		d.msgCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(msg.Type))))
	}

	switch msg.Type {
	case adapter.MsgOpen:
		d.emit(ctx, EvtOpen)
	case adapter.MsgAuthSuccess:
		d.emit(ctx, EvtAuthSuccess)
	case adapter.MsgAuthError:
		d.emit(ctx, EvtAuthError)
	case adapter.MsgReconnect:
		d.emit(ctx, EvtReconnect)
	case adapter.MsgSubscribed:
		d.emit(ctx, EvtSubscribed, msg.Channel, msg.Filter)
	case adapter.MsgUnsubscribed:
		d.emit(ctx, EvtUnsubscribed, msg.Channel, msg.Filter)

	case adapter.MsgOrderSnapshot:
		orders, ok := msg.Payload.([]*schema.AtomicOrder)
		if !ok {
			d.badPayload(msg)
			return
		}
		d.emit(ctx, EvtOrderSnapshot, orders)

	case adapter.MsgOrderNew:
		order, ok := msg.Payload.(*schema.AtomicOrder)
		if !ok {
			d.badPayload(msg)
			return
		}
		d.emit(ctx, EvtOrderNew, order)

	case adapter.MsgOrderUpdate:
		order, ok := msg.Payload.(*schema.AtomicOrder)
		if !ok {
			d.badPayload(msg)
			return
		}
		d.emit(ctx, EvtOrderUpdate, order)
		if order.IsPartiallyFilled() {
			d.emit(ctx, EvtOrderFill, order)
		}

	case adapter.MsgOrderClose:
		order, ok := msg.Payload.(*schema.AtomicOrder)
		if !ok {
			d.badPayload(msg)
			return
		}
		d.emit(ctx, EvtOrderClose, order)
		if order.IsCanceled() {
			d.emit(ctx, EvtOrderCancel, order)
		} else {
			d.emit(ctx, EvtOrderFill, order)
		}

	case adapter.MsgNotification:
		note, ok := msg.Payload.(*schema.Notification)
		if !ok {
			d.badPayload(msg)
			return
		}
		if strings.EqualFold(note.Status, "ERROR") {
			d.emit(ctx, EvtError, ClassifyNotification(note.Message), note)
		} else {
			d.emit(ctx, EvtNotification, note)
		}

	case adapter.MsgTrades, adapter.MsgBook, adapter.MsgCandles, adapter.MsgTicker:
		d.emit(ctx, DataEvent(msg.Channel), msg.Payload, msg.Filter)

	default:
		observability.Log().Debug("ignoring venue message",
			observability.F("type", string(msg.Type)))
	}
}

func (d *Dispatcher) emit(ctx context.Context, name string, args ...any) {
	if err := d.bus.Emit(ctx, name, args...); err != nil {
		observability.Log().Error("dispatch handler failed",
			observability.F("event", name), observability.F("error", err.Error()))
	}
}

func (d *Dispatcher) badPayload(msg adapter.Message) {
	observability.Log().Error("venue message payload has wrong type",
		observability.F("type", string(msg.Type)))
}

// ClassifyNotification maps venue rejection text onto a canonical code. Venue
// wording varies, so matching is by substring.
func ClassifyNotification(message string) errs.CanonicalCode {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "minimum size") || strings.Contains(lower, "min size"):
		return errs.CanonicalMinimumSize
	case strings.Contains(lower, "balance") &&
		(strings.Contains(lower, "insufficient") || strings.Contains(lower, "not enough")):
		return errs.CanonicalInsufficientBalance
	case strings.Contains(lower, "evaluate"):
		return errs.CanonicalEvaluateBalance
	default:
		return errs.CanonicalUnknown
	}
}
