package strategies

import (
	"github.com/shopspring/decimal"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// normalizeSliceParams converts raw operator input into the serialization-safe
// representation shared by the slicing strategies: decimals as strings,
// intervals as millisecond numbers or duration strings.
func normalizeSliceParams(raw map[string]any) strategy.Params {
	in := strategy.Params(raw)
	out := strategy.Params{}

	if symbol := in.String("symbol"); symbol != "" {
		out["symbol"] = symbol
	}
	if amount := in.Decimal("amount"); !amount.IsZero() {
		out["amount"] = amount.String()
	}
	if slice := in.Decimal("sliceAmount"); !slice.IsZero() {
		out["sliceAmount"] = slice.String()
	}
	if price := in.Decimal("price"); !price.IsZero() {
		out["price"] = price.String()
	}
	if _, ok := raw["interval"]; ok {
		out["interval"] = raw["interval"]
	}
	if _, ok := raw["submitDelay"]; ok {
		out["submitDelay"] = raw["submitDelay"]
	}
	if _, ok := raw["distortion"]; ok {
		out["distortion"] = in.Float("distortion")
	}
	if _, ok := raw["amountDistortion"]; ok {
		out["amountDistortion"] = in.Float("amountDistortion")
	}
	if _, ok := raw["catchUp"]; ok {
		out["catchUp"] = in.Bool("catchUp")
	}
	if _, ok := raw["awaitFill"]; ok {
		out["awaitFill"] = in.Bool("awaitFill")
	}
	return out
}

// validateSliceParams checks the fields every slicing strategy shares.
func validateSliceParams(args strategy.Params) error {
	if args.String("symbol") == "" {
		return errs.NewValidation("symbol", "symbol is required")
	}
	amount := args.Decimal("amount")
	if schema.AmountIsZero(amount) {
		return errs.NewValidation("amount", "amount must be non-zero")
	}
	slice := args.Decimal("sliceAmount")
	if schema.AmountIsZero(slice) {
		return errs.NewValidation("sliceAmount", "sliceAmount must be non-zero")
	}
	if !schema.SameSign(amount, slice) {
		return errs.NewValidation("sliceAmount", "sliceAmount must match the amount side")
	}
	if slice.Abs().GreaterThan(amount.Abs()) {
		return errs.NewValidation("sliceAmount", "sliceAmount cannot exceed amount")
	}
	if args.Duration("interval") <= 0 {
		return errs.NewValidation("interval", "interval must be positive")
	}
	return nil
}

// remainingAmount reads the cumulative fill total off the order history and
// returns what is left of the configured amount. Recomputing from the order
// records keeps the figure correct across partial fills and resumes.
func remainingAmount(st *strategy.State) decimal.Decimal {
	total := st.Args.Decimal("amount")
	filled := decimal.Zero
	for _, order := range st.AllOrders {
		filled = filled.Add(order.AmountFilled)
	}
	return total.Sub(filled)
}

// sliceOrder builds one atomic slice order. A configured price makes it a
// limit order; otherwise the slice goes out at market.
func sliceOrder(clientID string, args strategy.Params, amount decimal.Decimal) *schema.AtomicOrder {
	order := &schema.AtomicOrder{
		ClientID: clientID,
		Symbol:   args.String("symbol"),
		Type:     schema.OrderTypeMarket,
		Amount:   amount,
	}
	if price := args.Decimal("price"); !price.IsZero() {
		order.Type = schema.OrderTypeLimit
		order.Price = &price
	}
	return order
}

// previewSlices renders the nominal slice sequence the parameters would
// produce. Distortion only applies live, previews show the undistorted plan.
func previewSlices(args strategy.Params) ([]*schema.AtomicOrder, error) {
	if err := validateSliceParams(args); err != nil {
		return nil, err
	}
	remaining := args.Decimal("amount")
	slice := args.Decimal("sliceAmount")
	var out []*schema.AtomicOrder
	for !schema.AmountIsZero(remaining) {
		amount := clampPreview(slice, remaining)
		out = append(out, sliceOrder("", args, amount))
		remaining = remaining.Sub(amount)
	}
	return out, nil
}

func clampPreview(slice, remaining decimal.Decimal) decimal.Decimal {
	if slice.Abs().GreaterThanOrEqual(remaining.Abs()) || schema.AmountIsZero(remaining.Sub(slice)) {
		return remaining
	}
	return slice
}
