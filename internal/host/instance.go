package host

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfoundry/algoexec/internal/bus"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// Instance is one running strategy: its state record plus the bound helper
// surface its handlers act through.
type Instance struct {
	host *Host
	def  *strategy.Definition

	groupID string

	// updateMu serializes WithUpdate calls for this group id. Reads go
	// through the atomic pointer and never block updates.
	updateMu sync.Mutex
	state    atomic.Pointer[strategy.State]

	// events is the instance's private bus. Bootstrap registers the intent
	// listeners on it; teardown freezes it down to cancellation intents.
	events *bus.Bus

	helpers *helperSurface

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	frozen  atomic.Bool
	stopped atomic.Bool
}

func newInstance(h *Host, def *strategy.Definition, st *strategy.State) *Instance {
	inst := new(Instance)
	inst.host = h
	inst.def = def
	inst.groupID = st.GroupID
	inst.state.Store(st)
	inst.events = bus.New()
	inst.timers = make(map[string]*time.Timer)
	inst.helpers = &helperSurface{inst: inst}
	return inst
}

// GroupID returns the instance's group identifier.
func (i *Instance) GroupID() string { return i.groupID }

// StrategyID returns the id of the definition the instance runs.
func (i *Instance) StrategyID() string { return i.def.ID }

// State returns the current state snapshot. Callers must treat it as
// read-only; replacement happens only through the update protocol.
func (i *Instance) State() *strategy.State { return i.state.Load() }

// Helpers returns the instance's bound helper surface.
func (i *Instance) Helpers() strategy.Helpers { return i.helpers }

// Events returns the instance's private bus. Tests observe the
// internal:{section}:{name} echoes emitted after each routed handler.
func (i *Instance) Events() *bus.Bus { return i.events }

// cancelEventRe matches the intents and echoes that must survive teardown.
var cancelEventRe = regexp.MustCompile(`order:cancel`)

// freeze blocks every future routing except order-cancellation traffic. In
// flight handlers finish naturally and find the instance frozen when they
// try to act further.
func (i *Instance) freeze() {
	i.frozen.Store(true)
	i.events.RemoveMatching(cancelEventRe, true)
}

// routeAllowed reports whether the key may still be routed to the instance.
func (i *Instance) routeAllowed(section schema.Section, name schema.EventName) bool {
	if !i.frozen.Load() {
		return true
	}
	if section == schema.SectionLife && name == schema.EventStop {
		return true
	}
	if section == schema.SectionOrders &&
		(name == schema.EventOrderCancel || name == schema.EventOrderClose) {
		return true
	}
	return false
}

// armTimer replaces any previous timer registered under the name. The timer
// handle stays reachable from the instance so teardown can cancel it.
func (i *Instance) armTimer(name string, delay time.Duration, fn func(ctx context.Context)) {
	i.timersMu.Lock()
	if prev, ok := i.timers[name]; ok {
		prev.Stop()
	}
	if i.stopped.Load() {
		i.timersMu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		i.timersMu.Lock()
		if i.timers[name] == timer {
			delete(i.timers, name)
		}
		stopped := i.stopped.Load()
		i.timersMu.Unlock()
		if stopped {
			return
		}
		fn(i.host.baseCtx)
	})
	i.timers[name] = timer
	i.timersMu.Unlock()
}

// disarmTimer stops the named timer. Disarming an absent or already fired
// timer is a no-op.
func (i *Instance) disarmTimer(name string) {
	i.timersMu.Lock()
	if timer, ok := i.timers[name]; ok {
		timer.Stop()
		delete(i.timers, name)
	}
	i.timersMu.Unlock()
}

// disarmAllTimers stops every armed timer.
func (i *Instance) disarmAllTimers() {
	i.timersMu.Lock()
	for name, timer := range i.timers {
		timer.Stop()
		delete(i.timers, name)
	}
	i.timersMu.Unlock()
}

// helperSurface implements strategy.Helpers for one instance. Side effects
// flow as intents over the private bus so the teardown freeze can cut off
// everything except cancellations.
type helperSurface struct {
	inst *Instance
}

var _ strategy.Helpers = (*helperSurface)(nil)

func (h *helperSurface) EmitSelf(ctx context.Context, name schema.EventName, args ...any) error {
	return h.inst.host.routeToInstance(ctx, h.inst, schema.SectionSelf, name, args...)
}

func (h *helperSurface) UpdateState(ctx context.Context, fn func(st *strategy.State) *strategy.State) error {
	return h.inst.events.Emit(ctx, intentStateUpdate, fn)
}

func (h *helperSurface) Notify(ctx context.Context, level, message string) error {
	return h.inst.events.Emit(ctx, intentNotify, level, message)
}

func (h *helperSurface) DeclareChannel(ctx context.Context, channel schema.Channel, filter schema.ChannelFilter) error {
	return h.inst.events.Emit(ctx, intentChannelAssign, channel, filter)
}

func (h *helperSurface) NextClientID(ctx context.Context) (string, error) {
	return h.inst.host.nextClientID(ctx, h.inst)
}

func (h *helperSurface) SubmitOrderWithDelay(ctx context.Context, delay time.Duration, order *schema.AtomicOrder) error {
	return h.inst.events.Emit(ctx, intentOrderSubmit, delay, order)
}

func (h *helperSurface) CancelOrderWithDelay(ctx context.Context, delay time.Duration, order *schema.AtomicOrder) error {
	return h.inst.events.Emit(ctx, intentOrderCancel, delay, order)
}

func (h *helperSurface) CancelAllOrders(ctx context.Context) error {
	return h.inst.events.Emit(ctx, intentOrderCancelAll)
}

func (h *helperSurface) Schedule(name string, delay time.Duration, fn func(ctx context.Context)) {
	h.inst.armTimer(name, delay, fn)
}

func (h *helperSurface) CancelTimer(name string) {
	h.inst.disarmTimer(name)
}

func (h *helperSurface) CancelAllTimers() {
	h.inst.disarmAllTimers()
}

func (h *helperSurface) Stop(ctx context.Context) error {
	if err := h.inst.events.Emit(ctx, intentStop); err != nil {
		observability.Log().Error("stop intent failed",
			observability.F("groupId", h.inst.groupID),
			observability.F("error", err.Error()))
		return err
	}
	return nil
}
