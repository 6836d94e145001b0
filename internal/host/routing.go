package host

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/dispatch"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
	"github.com/quantfoundry/algoexec/internal/telemetry"
)

// wireDispatcher registers the host's listeners on the dispatcher bus. The
// dispatcher guarantees one message at a time, so these handlers never race
// each other.
func (h *Host) wireDispatcher() {
	b := h.dispatcher.Bus()

	b.On(dispatch.EvtOrderNew, h.ownedOrderListener(schema.EventOrderNew))
	b.On(dispatch.EvtOrderUpdate, h.ownedOrderListener(schema.EventOrderUpdate))
	b.On(dispatch.EvtOrderClose, h.ownedOrderListener(schema.EventOrderClose))
	b.On(dispatch.EvtOrderFill, h.ownedOrderListener(schema.EventOrderFill))
	b.On(dispatch.EvtOrderCancel, h.ownedOrderListener(schema.EventOrderCancel))

	b.On(dispatch.EvtOrderSnapshot, func(ctx context.Context, args ...any) error {
		orders, ok := args[0].([]*schema.AtomicOrder)
		if !ok {
			return nil
		}
		h.routeToAll(ctx, schema.SectionOrders, schema.EventOrderSnapshot, orders)
		return nil
	})

	for _, channel := range []schema.Channel{
		schema.ChannelTrades, schema.ChannelBook, schema.ChannelCandles, schema.ChannelTicker,
	} {
		channel := channel
		b.On(dispatch.DataEvent(channel), func(ctx context.Context, args ...any) error {
			h.routeToAll(ctx, schema.SectionData, schema.EventName(channel), args...)
			return nil
		})
	}

	b.On(dispatch.EvtNotification, func(ctx context.Context, args ...any) error {
		h.routeToAll(ctx, schema.SectionData, schema.EventNotification, args...)
		return nil
	})

	b.On(dispatch.EvtError, func(ctx context.Context, args ...any) error {
		code, ok := args[0].(errs.CanonicalCode)
		if !ok {
			return nil
		}
		name := errorEventName(code)
		// Rejection notices that carry the client id go to the owning
		// instance alone; the refused order is cleared from its open set
		// first so the strategy never sees a phantom open order.
		if len(args) > 1 {
			if note, ok := args[1].(*schema.Notification); ok && note.ClientID != "" {
				if inst := h.regMu.ownerOf(note.ClientID); inst != nil {
					h.dropRejected(ctx, inst, note.ClientID)
					return h.routeToInstance(ctx, inst, schema.SectionErrors, name, args[1:]...)
				}
			}
		}
		h.routeToAll(ctx, schema.SectionErrors, name, args[1:]...)
		return nil
	})

	b.On(dispatch.EvtSubscribed, func(ctx context.Context, args ...any) error {
		channel, _ := args[0].(schema.Channel)
		filter, _ := args[1].(schema.ChannelFilter)
		h.ackRouter.resolve(schema.SubscriptionKey(channel, filter))
		return nil
	})

	b.On(dispatch.EvtReconnect, func(context.Context, ...any) error {
		observability.Log().Info("venue connection re-established")
		return nil
	})
}

func (h *Host) ownedOrderListener(name schema.EventName) func(context.Context, ...any) error {
	return func(ctx context.Context, args ...any) error {
		order, ok := args[0].(*schema.AtomicOrder)
		if !ok {
			return nil
		}
		return h.routeByOwnedOrder(ctx, name, order)
	}
}

// routeToInstance looks up the handler for (section, name); absence is a
// logged no-op, most instances implement only a subset of sections. After
// the handler completes, the key is echoed as internal:{section}:{name} on
// the instance's private bus for test and observability hooks.
func (h *Host) routeToInstance(ctx context.Context, inst *Instance, section schema.Section, name schema.EventName, args ...any) error {
	if current, ok := h.regMu.instance(inst.groupID); !ok || current != inst {
		// Stopped instances only receive their own life:stop.
		if !(section == schema.SectionLife && name == schema.EventStop) {
			return nil
		}
	}
	if !inst.routeAllowed(section, name) {
		observability.Log().Debug("route dropped for frozen instance",
			observability.F("groupId", inst.groupID),
			observability.F("event", schema.Key(section, name)))
		return nil
	}

	handler := inst.def.Events.Lookup(section, name)
	if handler == nil {
		observability.Log().Debug("no handler registered",
			observability.F("groupId", inst.groupID),
			observability.F("event", schema.Key(section, name)))
		return nil
	}

	handlerArgs := append([]any(nil), args...)
	if err := handler(ctx, inst, handlerArgs...); err != nil {
		return err
	}
	return inst.events.Emit(ctx, "internal:"+schema.Key(section, name), args...)
}

// routeToAll broadcasts to every active instance; each instance filters by
// its own interests. Instances are independent, so the fan-out runs
// concurrently and per-instance failures are logged without aborting the
// others.
func (h *Host) routeToAll(ctx context.Context, section schema.Section, name schema.EventName, args ...any) {
	instances := h.regMu.snapshot()
	if len(instances) == 0 {
		return
	}
	var wg conc.WaitGroup
	for _, inst := range instances {
		inst := inst
		wg.Go(func() {
			if err := h.routeToInstance(ctx, inst, section, name, args...); err != nil {
				observability.Log().Error("broadcast handler failed",
					observability.F("groupId", inst.groupID),
					observability.F("event", schema.Key(section, name)),
					observability.F("error", err.Error()))
			}
		})
	}
	wg.Wait()
}

// routeByOwnedOrder finds the single instance owning the order's client id,
// refreshes the order's local record, and routes the event to that instance
// alone. Cancellation confirmations for orders the framework cancelled
// itself are suppressed so strategies only ever see user cancellations.
func (h *Host) routeByOwnedOrder(ctx context.Context, name schema.EventName, order *schema.AtomicOrder) error {
	inst := h.regMu.ownerOf(order.ClientID)
	if inst == nil {
		observability.Log().Debug("order event without owner",
			observability.F("clientId", order.ClientID),
			observability.F("event", string(name)))
		return nil
	}

	_, selfCancelled := inst.State().CancelledOrders[order.ClientID]

	if err := h.WithUpdate(ctx, inst.groupID, func(in *Instance) (*strategy.State, error) {
		st := in.State().Clone()
		if existing, ok := st.AllOrders[order.ClientID]; ok {
			existing.ApplyUpdate(order)
		} else {
			st.AllOrders[order.ClientID] = order.Clone()
		}
		if open, ok := st.Orders[order.ClientID]; ok {
			open.ApplyUpdate(order)
			if open.IsTerminal() {
				delete(st.Orders, order.ClientID)
			}
		}
		if cancelled, ok := st.CancelledOrders[order.ClientID]; ok {
			cancelled.ApplyUpdate(order)
		}
		return st, nil
	}); err != nil {
		return err
	}

	if selfCancelled && (name == schema.EventOrderCancel || name == schema.EventOrderClose) {
		observability.Log().Debug("self-cancel confirmation suppressed",
			observability.F("groupId", inst.groupID),
			observability.F("clientId", order.ClientID))
		return nil
	}

	return h.routeToInstance(ctx, inst, schema.SectionOrders, name, order)
}

// registerIntents wires the private-bus intent listeners that translate
// helper calls into host actions. The teardown freeze later removes all of
// them except the cancellation intents.
func (h *Host) registerIntents(inst *Instance) {
	ev := inst.events

	ev.On(intentStateUpdate, func(ctx context.Context, args ...any) error {
		fn, ok := args[0].(func(st *strategy.State) *strategy.State)
		if !ok {
			return errs.New("host.stateUpdate", errs.CodeInvalid,
				errs.WithMessage("state update requires a transform func"))
		}
		return h.WithUpdate(ctx, inst.groupID, func(in *Instance) (*strategy.State, error) {
			return fn(in.State().Clone()), nil
		})
	})

	ev.On(intentChannelAssign, func(ctx context.Context, args ...any) error {
		channel, _ := args[0].(schema.Channel)
		filter, _ := args[1].(schema.ChannelFilter)
		return h.assignChannel(ctx, inst, channel, filter)
	})

	ev.On(intentNotify, func(ctx context.Context, args ...any) error {
		level, _ := args[0].(string)
		message, _ := args[1].(string)
		observability.Log().Info("strategy notification",
			observability.F("groupId", inst.groupID),
			observability.F("level", level),
			observability.F("message", message))
		return nil
	})

	ev.On(intentOrderSubmit, func(ctx context.Context, args ...any) error {
		delay, _ := args[0].(time.Duration)
		order, ok := args[1].(*schema.AtomicOrder)
		if !ok || order == nil {
			return errs.New("host.submit", errs.CodeInvalid, errs.WithMessage("order required"))
		}
		return h.submitOrder(ctx, inst, delay, order)
	})

	ev.On(intentOrderCancel, func(ctx context.Context, args ...any) error {
		delay, _ := args[0].(time.Duration)
		order, ok := args[1].(*schema.AtomicOrder)
		if !ok || order == nil {
			return errs.New("host.cancel", errs.CodeInvalid, errs.WithMessage("order required"))
		}
		return h.cancelOrder(ctx, inst, delay, order)
	})

	ev.On(intentOrderCancelAll, func(ctx context.Context, args ...any) error {
		return h.cancelAllOrders(ctx, inst)
	})

	ev.On(intentStop, func(ctx context.Context, args ...any) error {
		return h.Stop(ctx, inst.groupID)
	})
}

// submitOrder records the order on state immediately, mirroring cancelOrder's
// bookkeeping, so a venue confirmation racing the delayed submission still
// finds its owner. The command goes out after the delay under the host's
// submission rate limit; venue rejection surfaces as an errors-section event
// instead of an error return and clears the open record again.
func (h *Host) submitOrder(ctx context.Context, inst *Instance, delay time.Duration, order *schema.AtomicOrder) error {
	order = order.Clone()
	order.GroupID = inst.groupID
	if order.Label == "" && inst.def.Meta.GenOrderLabel != nil {
		order.Label = inst.def.Meta.GenOrderLabel(inst.State())
	}

	if err := h.WithUpdate(ctx, inst.groupID, func(in *Instance) (*strategy.State, error) {
		st := in.State().Clone()
		st.Orders[order.ClientID] = order.Clone()
		st.AllOrders[order.ClientID] = order.Clone()
		return st, nil
	}); err != nil {
		return err
	}

	return h.pool.SubmitAfter(ctx, delay, func(taskCtx context.Context) error {
		if err := h.limiter.Wait(taskCtx); err != nil {
			return err
		}
		if err := h.adapter.SubmitOrder(taskCtx, order); err != nil {
			h.dropRejected(taskCtx, inst, order.ClientID)
			h.surfaceSubmitError(taskCtx, inst, order, err)
			return nil
		}
		h.countOrder(taskCtx, inst, order.Symbol, "submitted")
		return nil
	})
}

// dropRejected clears a venue-refused order from the instance's open set. The
// all-orders record keeps the rejection for the audit trail.
func (h *Host) dropRejected(ctx context.Context, inst *Instance, clientID string) {
	symbol := ""
	if err := h.WithUpdate(ctx, inst.groupID, func(in *Instance) (*strategy.State, error) {
		st := in.State()
		if _, open := st.Orders[clientID]; !open {
			return nil, nil
		}
		st = st.Clone()
		delete(st.Orders, clientID)
		if record, ok := st.AllOrders[clientID]; ok {
			record.Status = "REJECTED"
			symbol = record.Symbol
		}
		return st, nil
	}); err != nil {
		observability.Log().Error("rejected order cleanup failed",
			observability.F("groupId", inst.groupID),
			observability.F("clientId", clientID),
			observability.F("error", err.Error()))
		return
	}
	if symbol != "" {
		h.countOrder(ctx, inst, symbol, "rejected")
	}
}

func (h *Host) countOrder(ctx context.Context, inst *Instance, symbol, result string) {
	if h.orderCounter == nil {
		return
	}
	h.orderCounter.Add(ctx, 1,
		metric.WithAttributes(telemetry.OrderAttributes(inst.def.ID, symbol, result)...))
}

// cancelOrder records the order as self-cancelled immediately, before the
// delayed command is even sent, so a venue confirmation racing the delay is
// still recognized as self-inflicted.
func (h *Host) cancelOrder(ctx context.Context, inst *Instance, delay time.Duration, order *schema.AtomicOrder) error {
	if err := h.WithUpdate(ctx, inst.groupID, func(in *Instance) (*strategy.State, error) {
		st := in.State().Clone()
		record, ok := st.Orders[order.ClientID]
		if !ok {
			record = order.Clone()
		}
		delete(st.Orders, order.ClientID)
		st.CancelledOrders[order.ClientID] = record
		return st, nil
	}); err != nil {
		return err
	}

	return h.pool.SubmitAfter(ctx, delay, func(taskCtx context.Context) error {
		if err := h.adapter.CancelOrder(taskCtx, order); err != nil {
			observability.Log().Error("order cancel failed",
				observability.F("groupId", inst.groupID),
				observability.F("clientId", order.ClientID),
				observability.F("error", err.Error()))
			return nil
		}
		h.countOrder(taskCtx, inst, order.Symbol, "cancelled")
		return nil
	})
}

// cancelAllOrders cancels every live order of the instance, skipping
// already-terminal orders and market orders, which cannot be cancelled.
func (h *Host) cancelAllOrders(ctx context.Context, inst *Instance) error {
	st := inst.State()
	for _, order := range st.Orders {
		if order.IsTerminal() || order.Type == schema.OrderTypeMarket {
			continue
		}
		if err := h.cancelOrder(ctx, inst, 0, order.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) surfaceSubmitError(ctx context.Context, inst *Instance, order *schema.AtomicOrder, err error) {
	var envelope *errs.E
	code := errs.CanonicalUnknown
	if errors.As(err, &envelope) {
		code = envelope.Canonical
	}
	observability.Log().Error("order submission rejected",
		observability.F("groupId", inst.groupID),
		observability.F("clientId", order.ClientID),
		observability.F("error", err.Error()))
	if routeErr := h.routeToInstance(ctx, inst, schema.SectionErrors, errorEventName(code), order, err); routeErr != nil {
		observability.Log().Error("error handler failed",
			observability.F("groupId", inst.groupID),
			observability.F("error", routeErr.Error()))
	}
}

func errorEventName(code errs.CanonicalCode) schema.EventName {
	switch code {
	case errs.CanonicalMinimumSize:
		return schema.EventMinimumSize
	case errs.CanonicalInsufficientBalance:
		return schema.EventInsufficientBalance
	case errs.CanonicalEvaluateBalance:
		return schema.EventEvaluateBalance
	default:
		return schema.EventUnknownError
	}
}
