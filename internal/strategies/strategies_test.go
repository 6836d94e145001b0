package strategies

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfoundry/algoexec/internal/exec"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// harness implements strategy.Instance and strategy.Helpers for handler unit
// tests. Submitted orders are recorded on state immediately, standing in for
// the host's asynchronous bookkeeping.
type harness struct {
	state     *strategy.State
	submitted []submission
	scheduled []timerArm
	cancelled []string
	emitted   []schema.EventName
	stopped   bool
}

type submission struct {
	delay time.Duration
	order *schema.AtomicOrder
}

type timerArm struct {
	name  string
	delay time.Duration
	fn    func(ctx context.Context)
}

func newHarness(t *testing.T, def *strategy.Definition, raw map[string]any) *harness {
	t.Helper()
	args, err := def.Meta.ProcessParams(raw)
	if err != nil {
		t.Fatalf("ProcessParams: %v", err)
	}
	if err := def.Meta.ValidateParams(args); err != nil {
		t.Fatalf("ValidateParams: %v", err)
	}
	h := new(harness)
	h.state = strategy.NewState("grp", def.ID, args)
	return h
}

func (h *harness) GroupID() string           { return h.state.GroupID }
func (h *harness) StrategyID() string        { return h.state.StrategyID }
func (h *harness) State() *strategy.State    { return h.state }
func (h *harness) Helpers() strategy.Helpers { return h }

func (h *harness) EmitSelf(_ context.Context, name schema.EventName, _ ...any) error {
	h.emitted = append(h.emitted, name)
	return nil
}

func (h *harness) UpdateState(_ context.Context, fn func(*strategy.State) *strategy.State) error {
	if next := fn(h.state.Clone()); next != nil {
		h.state = next
	}
	return nil
}

func (h *harness) Notify(context.Context, string, string) error { return nil }

func (h *harness) DeclareChannel(context.Context, schema.Channel, schema.ChannelFilter) error {
	return nil
}

func (h *harness) NextClientID(context.Context) (string, error) {
	h.state.ClientIDSeq++
	return fmt.Sprintf("%s-%d", h.state.GroupID, h.state.ClientIDSeq), nil
}

func (h *harness) SubmitOrderWithDelay(_ context.Context, delay time.Duration, order *schema.AtomicOrder) error {
	h.submitted = append(h.submitted, submission{delay: delay, order: order.Clone()})
	h.state.Orders[order.ClientID] = order.Clone()
	h.state.AllOrders[order.ClientID] = order.Clone()
	return nil
}

func (h *harness) CancelOrderWithDelay(context.Context, time.Duration, *schema.AtomicOrder) error {
	return nil
}

func (h *harness) CancelAllOrders(context.Context) error { return nil }

func (h *harness) Schedule(name string, delay time.Duration, fn func(ctx context.Context)) {
	h.scheduled = append(h.scheduled, timerArm{name: name, delay: delay, fn: fn})
}

func (h *harness) CancelTimer(name string) { h.cancelled = append(h.cancelled, name) }
func (h *harness) CancelAllTimers()        {}

func (h *harness) Stop(context.Context) error {
	h.stopped = true
	return nil
}

// fill marks the order filled by the given amount and routes the fill event.
func (h *harness) fill(t *testing.T, def *strategy.Definition, clientID string, amount decimal.Decimal, terminal bool) {
	t.Helper()
	order := h.state.AllOrders[clientID]
	if order == nil {
		t.Fatalf("no order %s to fill", clientID)
	}
	order.AmountFilled = order.AmountFilled.Add(amount)
	order.Amount = order.Amount.Sub(amount)
	if terminal {
		order.Status = "EXECUTED"
		delete(h.state.Orders, clientID)
	} else {
		order.Status = "PARTIALLY FILLED"
		if open := h.state.Orders[clientID]; open != nil {
			open.AmountFilled = order.AmountFilled
			open.Amount = order.Amount
		}
	}
	handler := def.Events.Lookup(schema.SectionOrders, schema.EventOrderFill)
	if handler == nil {
		t.Fatal("no order_fill handler")
	}
	if err := handler(context.Background(), h, order.Clone()); err != nil {
		t.Fatalf("order_fill handler: %v", err)
	}
}

func (h *harness) lastScheduled(t *testing.T) timerArm {
	t.Helper()
	if len(h.scheduled) == 0 {
		t.Fatal("nothing scheduled")
	}
	return h.scheduled[len(h.scheduled)-1]
}

func runTick(t *testing.T, def *strategy.Definition, h *harness) {
	t.Helper()
	handler := def.Events.Lookup(schema.SectionSelf, "tick")
	if handler == nil {
		t.Fatal("no self:tick handler")
	}
	if err := handler(context.Background(), h, nil); err != nil {
		t.Fatalf("tick handler: %v", err)
	}
}

func twapArgs() map[string]any {
	return map[string]any{
		"symbol":      "BTC-USD",
		"amount":      "-0.2",
		"sliceAmount": "-0.1",
		"interval":    float64(10000),
		"catchUp":     true,
	}
}

func TestTWAPStartEmitsFirstTick(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	start := def.Events.Lookup(schema.SectionLife, schema.EventStart)
	if err := start(context.Background(), h); err != nil {
		t.Fatalf("life:start: %v", err)
	}
	if len(h.emitted) != 1 || h.emitted[0] != twapTick {
		t.Fatalf("emitted = %v, want [tick]", h.emitted)
	}
}

func TestTWAPTickSubmitsSliceAndReschedules(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	runTick(t, def, h)

	if len(h.submitted) != 1 {
		t.Fatalf("submitted %d orders, want 1", len(h.submitted))
	}
	order := h.submitted[0].order
	if !order.Amount.Equal(decimal.RequireFromString("-0.1")) {
		t.Fatalf("slice amount = %s, want -0.1", order.Amount)
	}
	if order.Type != schema.OrderTypeMarket {
		t.Fatalf("order type = %s, want MARKET", order.Type)
	}
	if order.ClientID != "grp-1" {
		t.Fatalf("client id = %s, want grp-1", order.ClientID)
	}

	timer := h.lastScheduled(t)
	if timer.name != exec.DefaultTimerName {
		t.Fatalf("timer name = %q", timer.name)
	}
	if timer.delay != 10*time.Second {
		t.Fatalf("tick delay = %v, want 10s", timer.delay)
	}
}

func TestTWAPCatchUpWhileSliceStillOpen(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	runTick(t, def, h)

	// The first slice has not filled when the next tick fires.
	runTick(t, def, h)

	if len(h.submitted) != 1 {
		t.Fatalf("submitted %d orders, want 1", len(h.submitted))
	}
	if h.state.OrdersBehind != 1 {
		t.Fatalf("OrdersBehind = %d, want 1", h.state.OrdersBehind)
	}
	if timer := h.lastScheduled(t); timer.delay != exec.CatchUpDelay {
		t.Fatalf("catch-up delay = %v, want %v", timer.delay, exec.CatchUpDelay)
	}
}

func TestTWAPFillClearsBacklogAndResumesCadence(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	runTick(t, def, h)
	runTick(t, def, h)

	h.fill(t, def, "grp-1", decimal.RequireFromString("-0.1"), true)
	if h.state.OrdersBehind != 0 {
		t.Fatalf("OrdersBehind = %d, want 0", h.state.OrdersBehind)
	}
	if h.stopped {
		t.Fatal("stopped with amount remaining")
	}

	runTick(t, def, h)
	if len(h.submitted) != 2 {
		t.Fatalf("submitted %d orders, want 2", len(h.submitted))
	}
	if timer := h.lastScheduled(t); timer.delay != 10*time.Second {
		t.Fatalf("post-catch-up delay = %v, want 10s", timer.delay)
	}
}

func TestTWAPStopsWhenAmountExhausted(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	runTick(t, def, h)
	h.fill(t, def, "grp-1", decimal.RequireFromString("-0.1"), true)
	runTick(t, def, h)
	h.fill(t, def, "grp-2", decimal.RequireFromString("-0.1"), true)

	if !h.stopped {
		t.Fatal("strategy kept running after the full amount filled")
	}
}

func TestTWAPPartialFillKeepsRemainderWorking(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	runTick(t, def, h)
	h.fill(t, def, "grp-1", decimal.RequireFromString("-0.04"), false)

	if h.stopped {
		t.Fatal("stopped on a partial fill")
	}
	if _, open := h.state.Orders["grp-1"]; !open {
		t.Fatal("partially filled slice no longer tracked as open")
	}
}

func TestTWAPUserCancelStopsInstance(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	runTick(t, def, h)

	handler := def.Events.Lookup(schema.SectionOrders, schema.EventOrderCancel)
	if err := handler(context.Background(), h, h.submitted[0].order.Clone()); err != nil {
		t.Fatalf("order_cancel handler: %v", err)
	}
	if !h.stopped {
		t.Fatal("user cancellation did not stop the instance")
	}
}

func TestTWAPLimitPriceCarriedOntoSlices(t *testing.T) {
	def := TWAP()
	args := twapArgs()
	args["price"] = "42000.5"
	h := newHarness(t, def, args)
	runTick(t, def, h)

	order := h.submitted[0].order
	if order.Type != schema.OrderTypeLimit {
		t.Fatalf("order type = %s, want LIMIT", order.Type)
	}
	if order.Price == nil || !order.Price.Equal(decimal.RequireFromString("42000.5")) {
		t.Fatalf("order price = %v, want 42000.5", order.Price)
	}
}

func TestTWAPValidateParams(t *testing.T) {
	def := TWAP()
	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing symbol", func(m map[string]any) { delete(m, "symbol") }},
		{"zero amount", func(m map[string]any) { m["amount"] = "0" }},
		{"side mismatch", func(m map[string]any) { m["sliceAmount"] = "0.1" }},
		{"slice too large", func(m map[string]any) { m["sliceAmount"] = "-0.5" }},
		{"no interval", func(m map[string]any) { delete(m, "interval") }},
		{"distortion too high", func(m map[string]any) { m["distortion"] = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := twapArgs()
			tc.mutate(raw)
			args, err := def.Meta.ProcessParams(raw)
			if err != nil {
				t.Fatalf("ProcessParams: %v", err)
			}
			if def.Meta.ValidateParams(args) == nil {
				t.Fatal("invalid params accepted")
			}
		})
	}
}

func accumulateArgs() map[string]any {
	return map[string]any{
		"symbol":      "BTC-USD",
		"amount":      "1",
		"sliceAmount": "0.1",
		"interval":    "5s",
		"submitDelay": float64(1500),
	}
}

func TestAccumulateDefaultsToAwaitFill(t *testing.T) {
	def := Accumulate()
	args, err := def.Meta.ProcessParams(accumulateArgs())
	if err != nil {
		t.Fatalf("ProcessParams: %v", err)
	}
	if !args.Bool("awaitFill") {
		t.Fatal("awaitFill not defaulted on")
	}
}

func TestAccumulateTickHonorsSubmitDelay(t *testing.T) {
	def := Accumulate()
	h := newHarness(t, def, accumulateArgs())
	runTick(t, def, h)

	if len(h.submitted) != 1 {
		t.Fatalf("submitted %d orders, want 1", len(h.submitted))
	}
	if got := h.submitted[0].delay; got != 1500*time.Millisecond {
		t.Fatalf("submit delay = %v, want 1.5s", got)
	}
	// Await-fill mode never arms a timer alongside a working slice.
	if len(h.scheduled) != 0 {
		t.Fatalf("scheduled = %v, want none", h.scheduled)
	}
}

func TestAccumulateAwaitFillSuspendsTicks(t *testing.T) {
	def := Accumulate()
	h := newHarness(t, def, accumulateArgs())
	runTick(t, def, h)
	runTick(t, def, h)

	if len(h.submitted) != 1 {
		t.Fatalf("submitted %d orders while awaiting fill, want 1", len(h.submitted))
	}
	if h.state.OrdersBehind != 0 {
		t.Fatalf("OrdersBehind = %d, want 0 in await-fill mode", h.state.OrdersBehind)
	}
}

func TestAccumulateFillSchedulesNextSlice(t *testing.T) {
	def := Accumulate()
	h := newHarness(t, def, accumulateArgs())
	runTick(t, def, h)

	h.fill(t, def, "grp-1", decimal.RequireFromString("0.1"), true)
	if h.stopped {
		t.Fatal("stopped with amount remaining")
	}
	if timer := h.lastScheduled(t); timer.delay != 5*time.Second {
		t.Fatalf("next slice delay = %v, want 5s", timer.delay)
	}
}

func TestAccumulatePartialFillDoesNotAdvance(t *testing.T) {
	def := Accumulate()
	h := newHarness(t, def, accumulateArgs())
	runTick(t, def, h)

	h.fill(t, def, "grp-1", decimal.RequireFromString("0.05"), false)
	if len(h.scheduled) != 0 {
		t.Fatal("partial fill scheduled the next slice")
	}
}

func TestAccumulateAmountDistortionBounds(t *testing.T) {
	def := Accumulate()
	args := accumulateArgs()
	args["amount"] = "100"
	args["amountDistortion"] = 0.5
	lo := decimal.RequireFromString("0.05")
	hi := decimal.RequireFromString("0.15")

	for i := 0; i < 50; i++ {
		h := newHarness(t, def, args)
		runTick(t, def, h)
		got := h.submitted[0].order.Amount
		if got.LessThan(lo) || got.GreaterThan(hi) {
			t.Fatalf("distorted slice = %s, want within [0.05, 0.15]", got)
		}
	}
}

func TestPreviewSlicesCoversFullAmount(t *testing.T) {
	def := TWAP()
	args, err := def.Meta.ProcessParams(map[string]any{
		"symbol":      "BTC-USD",
		"amount":      "0.25",
		"sliceAmount": "0.1",
		"interval":    float64(10000),
	})
	if err != nil {
		t.Fatalf("ProcessParams: %v", err)
	}
	orders, err := def.Meta.GenPreview(args)
	if err != nil {
		t.Fatalf("GenPreview: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("preview has %d slices, want 3", len(orders))
	}
	total := decimal.Zero
	for _, order := range orders {
		total = total.Add(order.Amount)
	}
	if !total.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("preview total = %s, want 0.25", total)
	}
	if !orders[2].Amount.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("final slice = %s, want 0.05", orders[2].Amount)
	}
}

func TestArgsSurviveSerializeRoundTrip(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	runTick(t, def, h)

	data, err := def.SerializeState(h.state)
	if err != nil {
		t.Fatalf("SerializeState: %v", err)
	}
	restored, err := def.UnserializeState(data)
	if err != nil {
		t.Fatalf("UnserializeState: %v", err)
	}
	if got := restored.Args.Duration("interval"); got != 10*time.Second {
		t.Fatalf("interval after round trip = %v, want 10s", got)
	}
	if got := restored.Args.Decimal("sliceAmount"); !got.Equal(decimal.RequireFromString("-0.1")) {
		t.Fatalf("sliceAmount after round trip = %s, want -0.1", got)
	}
	if !remainingAmount(restored).Equal(remainingAmount(h.state)) {
		t.Fatalf("remaining diverged after round trip")
	}
}

func TestTWAPStopsWhenSliceRejected(t *testing.T) {
	def := TWAP()
	h := newHarness(t, def, twapArgs())
	runTick(t, def, h)

	handler := def.Events.Lookup(schema.SectionErrors, schema.EventMinimumSize)
	if handler == nil {
		t.Fatal("no errors:minimum_size handler")
	}
	note := &schema.Notification{Status: "ERROR", Message: "minimum size for BTC-USD is 0.01"}
	if err := handler(context.Background(), h, note); err != nil {
		t.Fatalf("minimum_size handler: %v", err)
	}
	if !h.stopped {
		t.Fatal("rejected slice did not stop the instance")
	}
}

func TestAccumulateStopsWhenSliceRejected(t *testing.T) {
	def := Accumulate()
	h := newHarness(t, def, accumulateArgs())

	handler := def.Events.Lookup(schema.SectionErrors, schema.EventInsufficientBalance)
	if handler == nil {
		t.Fatal("no errors:insufficient_balance handler")
	}
	if err := handler(context.Background(), h); err != nil {
		t.Fatalf("insufficient_balance handler: %v", err)
	}
	if !h.stopped {
		t.Fatal("rejected slice did not stop the instance")
	}
}
