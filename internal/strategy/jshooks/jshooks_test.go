package jshooks

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

const script = `
function validateParams(args) {
	if (!args.symbol) {
		return { field: "symbol", message: "symbol required" };
	}
	if (args.sliceCount <= 0) {
		return "sliceCount must be positive";
	}
	return null;
}

function processParams(raw) {
	return {
		symbol: String(raw.symbol || ""),
		amount: String(raw.amount),
		sliceCount: Number(raw.sliceCount || 1)
	};
}

function genPreview(args) {
	var orders = [];
	for (var i = 0; i < args.sliceCount; i++) {
		orders.push({ symbol: args.symbol, amount: args.amount, type: "LIMIT" });
	}
	return orders;
}
`

func compiled(t *testing.T) *Hooks {
	t.Helper()
	h, err := Compile("twap.js", script)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return h
}

func TestCompileRejectsInertScripts(t *testing.T) {
	if _, err := Compile("empty.js", `var x = 1;`); err == nil {
		t.Fatal("script without hooks must be rejected")
	}
	if _, err := Compile("broken.js", `function validateParams( {`); err == nil {
		t.Fatal("syntax error must be rejected")
	}
}

func TestValidateParams(t *testing.T) {
	h := compiled(t)

	if err := h.ValidateParams(strategy.Params{"symbol": "BTC-USD", "sliceCount": 2}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	err := h.ValidateParams(strategy.Params{"sliceCount": 2})
	var v *errs.Validation
	if !errors.As(err, &v) || v.Field != "symbol" {
		t.Fatalf("expected field validation error, got %v", err)
	}

	err = h.ValidateParams(strategy.Params{"symbol": "BTC-USD", "sliceCount": 0})
	if !errors.As(err, &v) || v.Field != "params" {
		t.Fatalf("expected string-form validation error, got %v", err)
	}
}

func TestProcessParams(t *testing.T) {
	h := compiled(t)
	params, err := h.ProcessParams(map[string]any{"symbol": "BTC-USD", "amount": -0.2, "sliceCount": "ignored"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if params.String("symbol") != "BTC-USD" {
		t.Fatalf("symbol not normalized: %v", params)
	}
	if !params.Decimal("amount").Equal(decimal.RequireFromString("-0.2")) {
		t.Fatalf("amount not normalized: %v", params)
	}
}

func TestGenPreview(t *testing.T) {
	h := compiled(t)
	orders, err := h.GenPreview(strategy.Params{"symbol": "BTC-USD", "amount": "-0.1", "sliceCount": 3})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 preview orders, got %d", len(orders))
	}
	for _, order := range orders {
		if order.Symbol != "BTC-USD" || !order.Amount.Equal(decimal.RequireFromString("-0.1")) {
			t.Fatalf("unexpected preview order %+v", order)
		}
	}
}

func TestApplyInstallsOnlyDefinedHooks(t *testing.T) {
	h, err := Compile("validate-only.js", `function validateParams(args) { return null; }`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	meta := new(strategy.Meta)
	h.Apply(meta)
	if meta.ValidateParams == nil {
		t.Fatal("validate hook must be installed")
	}
	if meta.ProcessParams != nil || meta.GenPreview != nil {
		t.Fatal("undefined hooks must stay nil")
	}
}
