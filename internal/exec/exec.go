// Package exec provides the scheduling and order-sizing primitives shared by
// the built-in strategies: interval distortion, catch-up pacing, and slice
// amount clamping.
package exec

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// CatchUpDelay is the shortened interval used while an instance has slices
// outstanding. It keeps catch-up fast without collapsing into a tight loop.
const CatchUpDelay = 2000 * time.Millisecond

// DefaultTimerName names the tick timer when the config leaves it blank.
const DefaultTimerName = "tick"

// TickConfig describes the recurring tick of a slicing strategy.
type TickConfig struct {
	// TimerName identifies the timer on the instance. Blank means "tick".
	TimerName string

	// Interval is the nominal time between ticks.
	Interval time.Duration

	// Distortion randomizes each interval by up to the given fraction in
	// either direction. Zero disables jitter.
	Distortion float64

	// CatchUp replaces the interval with CatchUpDelay while slices are
	// behind schedule.
	CatchUp bool
}

func (c TickConfig) timerName() string {
	if c.TimerName == "" {
		return DefaultTimerName
	}
	return c.TimerName
}

// NextDelay computes the delay until the next tick. Catch-up mode shortens
// the wait whenever previous slices are still outstanding.
func NextDelay(cfg TickConfig, ordersBehind int) time.Duration {
	if cfg.CatchUp && ordersBehind > 0 {
		return CatchUpDelay
	}
	if cfg.Interval <= 0 {
		return 0
	}
	return DistortDuration(cfg.Interval, cfg.Distortion)
}

// ScheduleTick arms the instance's tick timer for the next slice.
func ScheduleTick(inst strategy.Instance, cfg TickConfig, fn func(ctx context.Context)) {
	inst.Helpers().Schedule(cfg.timerName(), NextDelay(cfg, inst.State().OrdersBehind), fn)
}

// CancelTick disarms the instance's tick timer.
func CancelTick(inst strategy.Instance, cfg TickConfig) {
	inst.Helpers().CancelTimer(cfg.timerName())
}

// DistortDuration scales d by a random factor in [1-distortion, 1+distortion].
func DistortDuration(d time.Duration, distortion float64) time.Duration {
	if d <= 0 {
		return 0
	}
	out := time.Duration(float64(d) * distortFactor(distortion))
	if out < 0 {
		return 0
	}
	return out
}

// DistortAmount scales the amount by a random factor in
// [1-distortion, 1+distortion]. The sign is preserved.
func DistortAmount(amount decimal.Decimal, distortion float64) decimal.Decimal {
	if distortion <= 0 || amount.IsZero() {
		return amount
	}
	return amount.Mul(decimal.NewFromFloat(distortFactor(distortion)))
}

// ClampToRemaining caps a slice amount so repeated slicing never overshoots
// the remaining total. A slice that would overshoot, or would leave only dust
// behind, becomes the full remainder.
func ClampToRemaining(slice, remaining decimal.Decimal) decimal.Decimal {
	if schema.AmountIsZero(remaining) {
		return decimal.Zero
	}
	if !schema.SameSign(slice, remaining) {
		return remaining
	}
	if slice.Abs().GreaterThanOrEqual(remaining.Abs()) {
		return remaining
	}
	if schema.AmountIsZero(remaining.Sub(slice)) {
		return remaining
	}
	return slice
}

const unitBits = 53

// distortFactor returns a multiplier in [1-distortion, 1+distortion], with
// distortion clamped to [0, 1].
func distortFactor(distortion float64) float64 {
	if distortion <= 0 {
		return 1
	}
	if distortion > 1 {
		distortion = 1
	}
	return 1 - distortion + 2*distortion*randUnit()
}

func randUnit() float64 {
	value, err := rand.Int(rand.Reader, big.NewInt(1<<unitBits))
	if err != nil {
		// Fallback to the midpoint if crypto/rand fails
		return 0.5
	}
	return float64(value.Int64()) / (1 << unitBits)
}
