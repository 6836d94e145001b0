package strategies

import (
	"context"
	"fmt"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/exec"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// AccumulateID is the registry id of the accumulate definition.
const AccumulateID = "accumulate"

const accumTick = schema.EventName("tick")

// Accumulate builds the fill-driven slicing definition: each slice amount is
// randomized within the configured distortion and, in await-fill mode, the
// next slice goes out only after the previous one fills.
func Accumulate() *strategy.Definition {
	def := new(strategy.Definition)
	def.ID = AccumulateID
	def.Meta.ProcessParams = func(raw map[string]any) (strategy.Params, error) {
		args := normalizeSliceParams(raw)
		if _, ok := args["awaitFill"]; !ok {
			args["awaitFill"] = true
		}
		return args, nil
	}
	def.Meta.ValidateParams = func(args strategy.Params) error {
		if err := validateSliceParams(args); err != nil {
			return err
		}
		if d := args.Float("amountDistortion"); d < 0 || d >= 1 {
			return errs.NewValidation("amountDistortion", "amountDistortion must be within [0, 1)")
		}
		if args.Duration("submitDelay") < 0 {
			return errs.NewValidation("submitDelay", "submitDelay cannot be negative")
		}
		return nil
	}
	def.Meta.InitState = func(strategy.Params) (map[string]any, error) {
		return map[string]any{}, nil
	}
	def.Meta.GenOrderLabel = func(st *strategy.State) string {
		return fmt.Sprintf("Accumulate | %s %s | slice %s",
			st.Args.String("amount"), st.Args.String("symbol"), st.Args.String("sliceAmount"))
	}
	def.Meta.GenPreview = previewSlices
	def.Events = strategy.HandlerTable{
		schema.SectionLife: {
			schema.EventStart: accumStart,
			schema.EventStop:  accumStop,
		},
		schema.SectionSelf: {
			accumTick: accumOnTick,
		},
		schema.SectionOrders: {
			schema.EventOrderFill:   accumOnFill,
			schema.EventOrderCancel: stopOnUserCancel,
		},
		schema.SectionErrors: sliceRejectionHandlers(),
	}
	return def
}

func accumConfig(st *strategy.State) exec.TickConfig {
	return exec.TickConfig{
		Interval: st.Args.Duration("interval"),
		CatchUp:  st.Args.Bool("catchUp"),
	}
}

func accumStart(ctx context.Context, inst strategy.Instance, _ ...any) error {
	return inst.Helpers().EmitSelf(ctx, accumTick)
}

func accumStop(_ context.Context, inst strategy.Instance, _ ...any) error {
	exec.CancelTick(inst, accumConfig(inst.State()))
	return nil
}

// accumOnTick submits one distorted slice. In await-fill mode a still-open
// previous slice suspends the cadence entirely; the fill event resumes it.
func accumOnTick(ctx context.Context, inst strategy.Instance, _ ...any) error {
	st := inst.State()

	if len(st.Orders) > 0 {
		if st.Args.Bool("awaitFill") {
			return nil
		}
		if err := inst.Helpers().UpdateState(ctx, func(st *strategy.State) *strategy.State {
			st.OrdersBehind++
			return st
		}); err != nil {
			return err
		}
		rescheduleTick(inst, accumConfig(inst.State()), accumTick)
		return nil
	}

	remaining := remainingAmount(st)
	if schema.AmountIsZero(remaining) {
		return inst.Helpers().Stop(ctx)
	}

	slice := exec.DistortAmount(st.Args.Decimal("sliceAmount"), st.Args.Float("amountDistortion"))
	slice = exec.ClampToRemaining(slice, remaining)
	clientID, err := inst.Helpers().NextClientID(ctx)
	if err != nil {
		return err
	}
	order := sliceOrder(clientID, st.Args, slice)
	if err := inst.Helpers().SubmitOrderWithDelay(ctx, st.Args.Duration("submitDelay"), order); err != nil {
		return err
	}
	if !st.Args.Bool("awaitFill") {
		rescheduleTick(inst, accumConfig(inst.State()), accumTick)
	}
	return nil
}

func accumOnFill(ctx context.Context, inst strategy.Instance, args ...any) error {
	if inst.State().OrdersBehind > 0 {
		if err := inst.Helpers().UpdateState(ctx, func(st *strategy.State) *strategy.State {
			st.OrdersBehind--
			return st
		}); err != nil {
			return err
		}
	}

	st := inst.State()
	if schema.AmountIsZero(remainingAmount(st)) {
		return inst.Helpers().Stop(ctx)
	}

	if !st.Args.Bool("awaitFill") {
		return nil
	}
	order, ok := firstOrderArg(args)
	if !ok || !order.IsFilled() {
		// Partial fills keep the current slice working.
		return nil
	}
	rescheduleTick(inst, accumConfig(st), accumTick)
	return nil
}

func firstOrderArg(args []any) (*schema.AtomicOrder, bool) {
	if len(args) == 0 {
		return nil, false
	}
	order, ok := args[0].(*schema.AtomicOrder)
	return order, ok && order != nil
}
