// Package strategies holds the built-in strategy definitions. Each definition
// is pure data for the host: parameter hooks, an initial-state constructor,
// and a handler table.
package strategies

import (
	"context"
	"fmt"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/exec"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// TWAPID is the registry id of the TWAP definition.
const TWAPID = "twap"

const twapTick = schema.EventName("tick")

// TWAP builds the time-weighted execution definition: the configured amount
// is worked in fixed slices on a jittered interval, with optional catch-up
// pacing while a previous slice is still open.
func TWAP() *strategy.Definition {
	def := new(strategy.Definition)
	def.ID = TWAPID
	def.Meta.ProcessParams = func(raw map[string]any) (strategy.Params, error) {
		return normalizeSliceParams(raw), nil
	}
	def.Meta.ValidateParams = func(args strategy.Params) error {
		if err := validateSliceParams(args); err != nil {
			return err
		}
		if d := args.Float("distortion"); d < 0 || d >= 1 {
			return errs.NewValidation("distortion", "distortion must be within [0, 1)")
		}
		return nil
	}
	def.Meta.InitState = func(strategy.Params) (map[string]any, error) {
		return map[string]any{}, nil
	}
	def.Meta.GenOrderLabel = func(st *strategy.State) string {
		return fmt.Sprintf("TWAP | %s %s | slice %s",
			st.Args.String("amount"), st.Args.String("symbol"), st.Args.String("sliceAmount"))
	}
	def.Meta.GenPreview = previewSlices
	def.Events = strategy.HandlerTable{
		schema.SectionLife: {
			schema.EventStart: twapStart,
			schema.EventStop:  twapStop,
		},
		schema.SectionSelf: {
			twapTick: twapOnTick,
		},
		schema.SectionOrders: {
			schema.EventOrderFill:   twapOnFill,
			schema.EventOrderCancel: stopOnUserCancel,
		},
		schema.SectionErrors: sliceRejectionHandlers(),
	}
	return def
}

func twapConfig(st *strategy.State) exec.TickConfig {
	return exec.TickConfig{
		Interval:   st.Args.Duration("interval"),
		Distortion: st.Args.Float("distortion"),
		CatchUp:    st.Args.Bool("catchUp"),
	}
}

func twapStart(ctx context.Context, inst strategy.Instance, _ ...any) error {
	return inst.Helpers().EmitSelf(ctx, twapTick)
}

func twapStop(_ context.Context, inst strategy.Instance, _ ...any) error {
	exec.CancelTick(inst, twapConfig(inst.State()))
	return nil
}

// twapOnTick submits the next slice, or records the backlog when the previous
// slice is still working. Either way the next tick is armed before returning.
func twapOnTick(ctx context.Context, inst strategy.Instance, _ ...any) error {
	st := inst.State()

	if len(st.Orders) > 0 {
		if err := inst.Helpers().UpdateState(ctx, func(st *strategy.State) *strategy.State {
			st.OrdersBehind++
			return st
		}); err != nil {
			return err
		}
		rescheduleTick(inst, twapConfig(inst.State()), twapTick)
		return nil
	}

	remaining := remainingAmount(st)
	if schema.AmountIsZero(remaining) {
		return inst.Helpers().Stop(ctx)
	}

	slice := exec.ClampToRemaining(st.Args.Decimal("sliceAmount"), remaining)
	clientID, err := inst.Helpers().NextClientID(ctx)
	if err != nil {
		return err
	}
	if err := inst.Helpers().SubmitOrderWithDelay(ctx, 0, sliceOrder(clientID, st.Args, slice)); err != nil {
		return err
	}
	rescheduleTick(inst, twapConfig(inst.State()), twapTick)
	return nil
}

func twapOnFill(ctx context.Context, inst strategy.Instance, _ ...any) error {
	if inst.State().OrdersBehind > 0 {
		if err := inst.Helpers().UpdateState(ctx, func(st *strategy.State) *strategy.State {
			st.OrdersBehind--
			return st
		}); err != nil {
			return err
		}
	}
	if schema.AmountIsZero(remainingAmount(inst.State())) {
		return inst.Helpers().Stop(ctx)
	}
	return nil
}

// stopOnUserCancel stands the instance down when the operator cancels a slice
// at the venue directly.
func stopOnUserCancel(ctx context.Context, inst strategy.Instance, _ ...any) error {
	return inst.Helpers().Stop(ctx)
}

// sliceRejectionHandlers stands the instance down on any venue rejection: the
// slice size is fixed, so resubmitting the same slice would be refused again.
func sliceRejectionHandlers() map[schema.EventName]strategy.Handler {
	return map[schema.EventName]strategy.Handler{
		schema.EventMinimumSize:         stopOnRejection,
		schema.EventInsufficientBalance: stopOnRejection,
		schema.EventUnknownError:        stopOnRejection,
	}
}

func stopOnRejection(ctx context.Context, inst strategy.Instance, _ ...any) error {
	if err := inst.Helpers().Notify(ctx, "error", "venue rejected slice, stopping"); err != nil {
		return err
	}
	return inst.Helpers().Stop(ctx)
}

func rescheduleTick(inst strategy.Instance, cfg exec.TickConfig, name schema.EventName) {
	exec.ScheduleTick(inst, cfg, func(ctx context.Context) {
		if err := inst.Helpers().EmitSelf(ctx, name); err != nil {
			_ = inst.Helpers().Notify(ctx, "error", "tick failed: "+err.Error())
		}
	})
}
