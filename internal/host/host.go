// Package host owns the registry of running strategy instances, routes venue
// events to them, and drives each through its lifecycle. All instance state
// mutation funnels through the update protocol, the single choke point that
// makes concurrent handler execution safe.
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/adapter"
	"github.com/quantfoundry/algoexec/internal/dispatch"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/persistence"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
	"github.com/quantfoundry/algoexec/internal/telemetry"
	"github.com/quantfoundry/algoexec/lib/async"
)

// Private-bus intent names. Cancellation intents must keep matching the
// teardown freeze pattern in instance.go.
const (
	intentOrderSubmit    = "exec:order:submit"
	intentOrderCancel    = "exec:order:cancel"
	intentOrderCancelAll = "exec:order:cancel:all"
	intentStop           = "exec:stop"
	intentStateUpdate    = "state:update"
	intentChannelAssign  = "channel:assign"
	intentNotify         = "notify"
)

// Options configures a Host.
type Options struct {
	// Adapter is the venue connection orders and subscriptions go through.
	Adapter adapter.Adapter

	// Store receives instance snapshots. Nil disables persistence.
	Store persistence.Store

	// Pool runs delayed order submissions and cancellations. Nil creates a
	// private pool.
	Pool *async.Pool

	// SubmitRate caps order submissions per second. Zero means 10/s.
	SubmitRate rate.Limit
	// SubmitBurst is the limiter burst. Zero means 5.
	SubmitBurst int

	// AckTimeout bounds the wait for a channel subscription acknowledgment.
	// Zero means 10s.
	AckTimeout time.Duration
}

// Host orchestrates strategy instances over one venue connection.
type Host struct {
	adapter    adapter.Adapter
	store      persistence.Store
	pool       *async.Pool
	ownsPool   bool
	limiter    *rate.Limiter
	ackTimeout time.Duration

	dispatcher *dispatch.Dispatcher

	baseCtx    context.Context
	cancelBase context.CancelFunc

	regMu     instanceRegistry
	ackRouter ackRouter

	instGauge    metric.Int64UpDownCounter
	orderCounter metric.Int64Counter
}

// New constructs a Host and wires it to the dispatcher's event stream. Call
// Run to start consuming the adapter.
func New(opts Options) (*Host, error) {
	const op = "host.New"
	if opts.Adapter == nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("adapter required"))
	}

	h := new(Host)
	h.adapter = opts.Adapter
	h.store = opts.Store
	h.ackTimeout = opts.AckTimeout
	if h.ackTimeout <= 0 {
		h.ackTimeout = 10 * time.Second
	}
	submitRate := opts.SubmitRate
	if submitRate <= 0 {
		submitRate = 10
	}
	burst := opts.SubmitBurst
	if burst <= 0 {
		burst = 5
	}
	h.limiter = rate.NewLimiter(submitRate, burst)

	if opts.Pool != nil {
		h.pool = opts.Pool
	} else {
		pool, err := async.NewPool(8, 256)
		if err != nil {
			return nil, err
		}
		h.pool = pool
		h.ownsPool = true
	}

	h.baseCtx, h.cancelBase = context.WithCancel(context.Background())
	h.regMu.init()
	h.ackRouter.init()
	h.dispatcher = dispatch.New()
	h.wireDispatcher()

	meter := otel.Meter("host")
	h.instGauge, _ = meter.Int64UpDownCounter("host.instances",
		metric.WithDescription("Number of active strategy instances"),
		metric.WithUnit("{instance}"))
	h.orderCounter, _ = meter.Int64Counter("host.orders",
		metric.WithDescription("Orders by outcome: submitted, cancelled, rejected"),
		metric.WithUnit("{order}"))

	return h, nil
}

// Dispatcher exposes the host's dispatcher, mainly so tests and cmd wiring
// can feed it.
func (h *Host) Dispatcher() *dispatch.Dispatcher { return h.dispatcher }

// Run consumes the adapter event stream until the context ends or the stream
// closes.
func (h *Host) Run(ctx context.Context) {
	h.dispatcher.Run(ctx, h.adapter.Events())
}

// Close stops every instance and releases host resources.
func (h *Host) Close(ctx context.Context) error {
	for _, groupID := range h.ActiveGroupIDs() {
		if err := h.Stop(ctx, groupID); err != nil {
			observability.Log().Error("stop during close failed",
				observability.F("groupId", groupID),
				observability.F("error", err.Error()))
		}
	}
	h.cancelBase()
	if h.ownsPool {
		return h.pool.Shutdown(ctx)
	}
	return nil
}

// RegisterDefinition adds a strategy definition to the host's catalog.
func (h *Host) RegisterDefinition(def *strategy.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return h.regMu.addDefinition(def)
}

// Definition returns the registered definition for the strategy id.
func (h *Host) Definition(strategyID string) (*strategy.Definition, bool) {
	return h.regMu.definition(strategyID)
}

// ActiveGroupIDs returns the group ids of every running instance.
func (h *Host) ActiveGroupIDs() []string {
	return h.regMu.groupIDs()
}

// InstanceCount returns the number of running instances.
func (h *Host) InstanceCount() int {
	return len(h.regMu.groupIDs())
}

// Lookup returns the running instance for the group id.
func (h *Host) Lookup(groupID string) (*Instance, bool) {
	return h.regMu.instance(groupID)
}

// Start validates and normalizes params, builds initial state under a fresh
// group id, and bootstraps the instance. Unknown strategy ids fail
// synchronously.
func (h *Host) Start(ctx context.Context, strategyID string, raw map[string]any) (string, error) {
	const op = "host.Start"
	def, ok := h.regMu.definition(strategyID)
	if !ok {
		return "", errs.New(op, errs.CodeNotFound,
			errs.WithMessage("unknown strategy "+strategyID))
	}

	args, err := normalizeParams(def, raw)
	if err != nil {
		return "", err
	}

	groupID := uuid.NewString()
	st := strategy.NewState(groupID, def.ID, args)
	if def.Meta.InitState != nil {
		custom, err := def.Meta.InitState(args)
		if err != nil {
			return "", err
		}
		st.Custom = custom
	}

	if err := h.admit(ctx, def, st); err != nil {
		return "", err
	}
	return groupID, nil
}

// Load resumes an instance from serialized state under its original group
// id. Unknown strategy ids and already-running group ids fail synchronously.
func (h *Host) Load(ctx context.Context, strategyID, groupID string, serialized []byte) error {
	const op = "host.Load"
	def, ok := h.regMu.definition(strategyID)
	if !ok {
		return errs.New(op, errs.CodeNotFound,
			errs.WithMessage("unknown strategy "+strategyID))
	}
	if groupID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("group id required"))
	}

	st, err := def.UnserializeState(serialized)
	if err != nil {
		return err
	}
	st.GroupID = groupID
	st.StrategyID = def.ID
	if def.Meta.ValidateParams != nil {
		if err := def.Meta.ValidateParams(st.Args); err != nil {
			return err
		}
	}
	return h.admit(ctx, def, st)
}

// Resume loads every active snapshot from the store.
func (h *Host) Resume(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	snapshots, err := h.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		if err := h.Load(ctx, snap.StrategyID, snap.GroupID, snap.SerializedState); err != nil {
			observability.Log().Error("resume failed",
				observability.F("groupId", snap.GroupID),
				observability.F("strategy", snap.StrategyID),
				observability.F("error", err.Error()))
		}
	}
	return nil
}

func (h *Host) admit(ctx context.Context, def *strategy.Definition, st *strategy.State) error {
	inst := newInstance(h, def, st)
	if err := h.regMu.addInstance(inst); err != nil {
		return err
	}
	if h.instGauge != nil {
		h.instGauge.Add(ctx, 1,
			metric.WithAttributes(telemetry.InstanceAttributes(inst.def.ID)...))
	}
	if err := h.bootstrap(ctx, inst); err != nil {
		// A failed bootstrap never leaves a half-registered instance.
		h.regMu.removeInstance(inst.groupID)
		if h.instGauge != nil {
			h.instGauge.Add(ctx, -1,
				metric.WithAttributes(telemetry.InstanceAttributes(inst.def.ID)...))
		}
		return err
	}
	return nil
}

// bootstrap wires the instance's intent listeners, runs the declaration
// hooks, cancels any orders left open by a previous run, fires life:start,
// activates channel subscriptions, and emits the first persistence snapshot.
func (h *Host) bootstrap(ctx context.Context, inst *Instance) error {
	h.registerIntents(inst)

	if inst.def.Meta.DeclareEvents != nil {
		if err := inst.def.Meta.DeclareEvents(ctx, inst); err != nil {
			return err
		}
	}
	if inst.def.Meta.DeclareChannels != nil {
		if err := inst.def.Meta.DeclareChannels(ctx, inst); err != nil {
			return err
		}
	}

	// Orders still open under this group id are leftovers from a previous
	// run. Cancelling them first makes resume idempotent.
	for _, order := range inst.State().Orders {
		if order.IsTerminal() || order.Type == schema.OrderTypeMarket {
			continue
		}
		if err := inst.events.Emit(ctx, intentOrderCancel, time.Duration(0), order.Clone()); err != nil {
			observability.Log().Error("stale order cancel failed",
				observability.F("groupId", inst.groupID),
				observability.F("clientId", order.ClientID),
				observability.F("error", err.Error()))
		}
	}

	if err := h.routeToInstance(ctx, inst, schema.SectionLife, schema.EventStart); err != nil {
		return err
	}

	if err := h.activateSubscriptions(ctx, inst); err != nil {
		return err
	}

	h.persistNotify(ctx, inst)
	observability.Log().Info("instance started",
		observability.F("groupId", inst.groupID),
		observability.F("strategy", inst.def.ID))
	return nil
}

// Stop tears the instance down: freeze, life:stop, channel unsubscription,
// timer cancellation, final snapshot, registry removal. Stopping an unknown
// or already stopped group id is a no-op.
func (h *Host) Stop(ctx context.Context, groupID string) error {
	inst, ok := h.regMu.instance(groupID)
	if !ok {
		return nil
	}
	if !inst.stopped.CompareAndSwap(false, true) {
		return nil
	}

	inst.freeze()

	if err := h.routeToInstance(ctx, inst, schema.SectionLife, schema.EventStop); err != nil {
		observability.Log().Error("life:stop handler failed",
			observability.F("groupId", groupID),
			observability.F("error", err.Error()))
	}

	h.unsubscribeAll(ctx, inst)
	inst.disarmAllTimers()
	h.persistFinal(ctx, inst)

	h.regMu.removeInstance(groupID)
	if h.instGauge != nil {
		h.instGauge.Add(ctx, -1,
			metric.WithAttributes(telemetry.InstanceAttributes(inst.def.ID)...))
	}
	observability.Log().Info("instance stopped",
		observability.F("groupId", groupID),
		observability.F("strategy", inst.def.ID))
	return nil
}

// WithUpdate is the single state-mutation choke point. Calls for the same
// group id are serialized; a non-nil state returned by fn replaces the
// instance state wholesale and emits a persistence notification. An unknown
// group id is a silent no-op, the instance may have raced a stop.
func (h *Host) WithUpdate(ctx context.Context, groupID string, fn func(inst *Instance) (*strategy.State, error)) error {
	inst, ok := h.regMu.instance(groupID)
	if !ok {
		return nil
	}
	inst.updateMu.Lock()
	defer inst.updateMu.Unlock()

	st, err := fn(inst)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	inst.state.Store(st)
	h.persistNotify(ctx, inst)
	return nil
}

func (h *Host) nextClientID(ctx context.Context, inst *Instance) (string, error) {
	var id string
	err := h.WithUpdate(ctx, inst.groupID, func(in *Instance) (*strategy.State, error) {
		st := in.State().Clone()
		st.ClientIDSeq++
		id = fmt.Sprintf("%s-%d", in.groupID, st.ClientIDSeq)
		return st, nil
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errs.New("host.nextClientID", errs.CodeConflict,
			errs.WithMessage("instance no longer registered"))
	}
	return id, nil
}

// persistNotify emits a snapshot for the instance's current state. Store
// failures are logged, persistence never blocks trading.
func (h *Host) persistNotify(ctx context.Context, inst *Instance) {
	if h.store == nil {
		return
	}
	data, err := inst.def.SerializeState(inst.State())
	if err != nil {
		observability.Log().Error("state serialization failed",
			observability.F("groupId", inst.groupID),
			observability.F("error", err.Error()))
		return
	}
	snap := persistence.Snapshot{
		GroupID:         inst.groupID,
		StrategyID:      inst.def.ID,
		SerializedState: data,
		Active:          !inst.stopped.Load(),
	}
	if err := h.store.Save(ctx, snap); err != nil {
		observability.Log().Error("snapshot save failed",
			observability.F("groupId", inst.groupID),
			observability.F("error", err.Error()))
	}
}

func (h *Host) persistFinal(ctx context.Context, inst *Instance) {
	if h.store == nil {
		return
	}
	h.persistNotify(ctx, inst)
	if err := h.store.Deactivate(ctx, inst.groupID); err != nil {
		observability.Log().Error("snapshot deactivate failed",
			observability.F("groupId", inst.groupID),
			observability.F("error", err.Error()))
	}
}

func normalizeParams(def *strategy.Definition, raw map[string]any) (strategy.Params, error) {
	var args strategy.Params
	if def.Meta.ProcessParams != nil {
		processed, err := def.Meta.ProcessParams(raw)
		if err != nil {
			return nil, err
		}
		args = processed
	} else {
		args = strategy.Params(raw).Clone()
	}
	if def.Meta.ValidateParams != nil {
		if err := def.Meta.ValidateParams(args); err != nil {
			return nil, err
		}
	}
	return args, nil
}
