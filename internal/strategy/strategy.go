// Package strategy defines the declarative strategy contract: parameter
// hooks, the initial-state constructor, the handler table keyed by
// (section, name), and serialization hooks. Strategies are data the host
// interprets, not code paths baked into it.
package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/schema"
)

// Handler processes one routed event for an instance.
type Handler func(ctx context.Context, inst Instance, args ...any) error

// HandlerTable maps section and event name to the handler a strategy
// registered for it. Most strategies implement only a subset of sections.
type HandlerTable map[schema.Section]map[schema.EventName]Handler

// Lookup returns the handler for the key, or nil when the strategy does not
// handle it.
func (t HandlerTable) Lookup(section schema.Section, name schema.EventName) Handler {
	if t == nil {
		return nil
	}
	byName, ok := t[section]
	if !ok {
		return nil
	}
	return byName[name]
}

// Meta bundles the optional hooks a strategy definition may supply.
type Meta struct {
	// ValidateParams rejects invalid normalized parameters with an
	// *errs.Validation describing the offending field.
	ValidateParams func(args Params) error

	// ProcessParams normalizes raw operator input into typed parameters.
	ProcessParams func(raw map[string]any) (Params, error)

	// InitState builds the strategy-specific portion of a fresh state.
	InitState func(args Params) (map[string]any, error)

	// Serialize and Unserialize convert the custom state portion to and
	// from its persisted form. Nil hooks fall back to plain JSON of the
	// custom fields.
	Serialize   func(st *State) ([]byte, error)
	Unserialize func(data []byte) (*State, error)

	// DeclareEvents registers the instance's self-event listeners.
	DeclareEvents func(ctx context.Context, inst Instance) error

	// DeclareChannels records the market data subscriptions the instance
	// needs, via the helper surface.
	DeclareChannels func(ctx context.Context, inst Instance) error

	// GenOrderLabel renders the human-readable label stamped on every
	// atomic order the instance creates.
	GenOrderLabel func(st *State) string

	// GenPreview renders the atomic orders the parameters would produce,
	// without running the strategy.
	GenPreview func(args Params) ([]*schema.AtomicOrder, error)
}

// Definition is one immutable strategy definition.
type Definition struct {
	ID     string
	Meta   Meta
	Events HandlerTable
}

// Validate checks the definition is registrable: a non-empty id, an
// initial-state constructor, and only known handler sections.
func (d *Definition) Validate() error {
	const op = "strategy.Definition"
	if d == nil || d.ID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("definition requires an id"))
	}
	if d.Meta.InitState == nil {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("definition requires an initial-state constructor"),
			errs.WithField("strategy", d.ID))
	}
	for section := range d.Events {
		if err := section.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Instance is one running strategy as its handlers see it.
type Instance interface {
	GroupID() string
	StrategyID() string

	// State returns the current state snapshot. Handlers must not mutate
	// it; all mutation goes through Helpers.UpdateState.
	State() *State

	Helpers() Helpers
}

// Helpers is the only sanctioned way strategy handlers affect the outside
// world. It is bound once at instance creation and never reassigned.
type Helpers interface {
	// EmitSelf emits a strategy-defined event on the instance's private
	// bus, routed back into the instance's self section.
	EmitSelf(ctx context.Context, name schema.EventName, args ...any) error

	// UpdateState replaces the instance state through the host's update
	// protocol. A nil return from fn leaves the state untouched.
	UpdateState(ctx context.Context, fn func(st *State) *State) error

	// Notify surfaces an operator-facing notification.
	Notify(ctx context.Context, level, message string) error

	// DeclareChannel records a market data subscription on state. No
	// adapter traffic happens until the host activates the instance.
	DeclareChannel(ctx context.Context, channel schema.Channel, filter schema.ChannelFilter) error

	// NextClientID mints the next order client id for this instance.
	NextClientID(ctx context.Context) (string, error)

	// SubmitOrderWithDelay sends the order to the venue after the delay.
	SubmitOrderWithDelay(ctx context.Context, delay time.Duration, order *schema.AtomicOrder) error

	// CancelOrderWithDelay schedules the cancel. The order is recorded as
	// self-cancelled immediately, before the delay elapses.
	CancelOrderWithDelay(ctx context.Context, delay time.Duration, order *schema.AtomicOrder) error

	// CancelAllOrders cancels every live cancellable order of the instance.
	CancelAllOrders(ctx context.Context) error

	// Schedule arms a named timer. Arming a name that is already armed
	// replaces the previous timer. Every armed timer is cancelled at
	// teardown.
	Schedule(name string, delay time.Duration, fn func(ctx context.Context))

	// CancelTimer disarms the named timer; disarming an absent or already
	// fired timer is a no-op.
	CancelTimer(name string)

	// CancelAllTimers disarms every timer the instance armed.
	CancelAllTimers()

	// Stop requests teardown of the instance, as if the operator stopped
	// it. Fatal strategy errors call this themselves.
	Stop(ctx context.Context) error
}

// Params holds normalized strategy parameters.
type Params map[string]any

// Clone returns a shallow copy of the parameter map.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the string parameter or "" when absent.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Bool returns the boolean parameter or false when absent.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Decimal returns the decimal parameter, accepting decimal, string, and
// numeric representations. Absent or unparsable values yield zero.
func (p Params) Decimal(key string) decimal.Decimal {
	switch v := p[key].(type) {
	case decimal.Decimal:
		return v
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	default:
		return decimal.Zero
	}
}

// Duration returns the duration parameter, accepting time.Duration, a
// duration string, or milliseconds as a number.
func (p Params) Duration(key string) time.Duration {
	switch v := p[key].(type) {
	case time.Duration:
		return v
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}

// Float returns the float parameter or 0 when absent.
func (p Params) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case decimal.Decimal:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}
