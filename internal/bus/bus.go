// Package bus implements the ordered, awaitable publish/subscribe primitive
// the engine is built on. One emission invokes every matching listener
// strictly sequentially, so two events emitted for the same instance can
// never interleave their side effects.
package bus

import (
	"context"
	"regexp"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// catchAll is the reserved name for listeners that receive every emission.
const catchAll = "*"

// Handler processes one emission. A non-nil error aborts the emission for
// all remaining listeners and propagates to the Emit caller.
type Handler func(ctx context.Context, args ...any) error

// Listener is the registration token returned by On/Once/OnAny. Handlers are
// func values and not comparable in Go, so removal is by token.
type Listener struct {
	id   uint64
	name string
	once bool
	fn   Handler
}

// Name returns the event name the listener is registered under.
func (l *Listener) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

// Bus is an ordered in-process event bus.
type Bus struct {
	mu        sync.Mutex
	seq       uint64
	listeners []*Listener

	emitCounter metric.Int64Counter
}

// New constructs an empty bus.
func New() *Bus {
	b := new(Bus)
	meter := otel.Meter("bus")
	b.emitCounter, _ = meter.Int64Counter("bus.emissions",
		metric.WithDescription("Number of events emitted on a bus"),
		metric.WithUnit("{event}"))
	return b
}

// On registers a handler for the given event name.
func (b *Bus) On(name string, fn Handler) *Listener {
	return b.register(name, fn, false)
}

// Once registers a handler that is removed from the listener set before its
// first invocation. Re-registering the same handler from inside that
// invocation survives the emission.
func (b *Bus) Once(name string, fn Handler) *Listener {
	return b.register(name, fn, true)
}

// OnAny registers a catch-all handler. Catch-all listeners run before
// name-specific listeners on every emission.
func (b *Bus) OnAny(fn Handler) *Listener {
	return b.register(catchAll, fn, false)
}

func (b *Bus) register(name string, fn Handler, once bool) *Listener {
	if fn == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	l := &Listener{id: b.seq, name: name, once: once, fn: fn}
	b.listeners = append(b.listeners, l)
	return l
}

// Off removes the listener identified by the token. Removing an absent
// listener is a no-op.
func (b *Bus) Off(l *Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.listeners {
		if cur.id == l.id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// RemoveMatching removes every listener whose event name matches the pattern.
// With invert set, it removes every listener that does NOT match, used to
// freeze an instance against everything except order-cancellation events
// during teardown. Catch-all listeners are treated by their literal "*" name.
func (b *Bus) RemoveMatching(re *regexp.Regexp, invert bool) {
	if re == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.listeners[:0]
	for _, l := range b.listeners {
		matched := re.MatchString(l.name)
		remove := matched != invert
		if !remove {
			kept = append(kept, l)
		}
	}
	b.listeners = kept
}

// RemoveAll drops every registered listener.
func (b *Bus) RemoveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = nil
}

// ListenerCount returns the number of listeners registered for the name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, l := range b.listeners {
		if l.name == name {
			n++
		}
	}
	return n
}

// Emit delivers the event to every matching listener: catch-all listeners
// first, then name-specific listeners, each awaited before the next starts.
// The first handler error aborts the emission and is returned to the caller;
// the bus never swallows errors.
func (b *Bus) Emit(ctx context.Context, name string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	var snapshot []*Listener
	for _, l := range b.listeners {
		if l.name == catchAll {
			snapshot = append(snapshot, l)
		}
	}
	for _, l := range b.listeners {
		if l.name == name {
			snapshot = append(snapshot, l)
		}
	}
	// Once listeners leave the registry before their handler runs, so a
	// re-registration from inside the handler persists past this emission.
	if len(snapshot) > 0 {
		kept := b.listeners[:0]
		for _, l := range b.listeners {
			if l.once && (l.name == name || l.name == catchAll) {
				continue
			}
			kept = append(kept, l)
		}
		b.listeners = kept
	}
	b.mu.Unlock()

	if b.emitCounter != nil {
		b.emitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
	}

	for _, l := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.fn(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}
