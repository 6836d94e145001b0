// Package jshooks compiles operator-authored JavaScript into strategy
// parameter hooks. Scripts define any subset of the global functions
// validateParams(args), processParams(raw), and genPreview(args); the
// numeric handler logic itself stays in Go.
package jshooks

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/schema"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// Hooks wraps a compiled script exposing parameter hooks.
type Hooks struct {
	name string

	// goja runtimes are single-threaded; calls are serialized.
	mu sync.Mutex
	vm *goja.Runtime

	validate goja.Callable
	process  goja.Callable
	preview  goja.Callable
}

// Compile builds the hook set from JavaScript source. Scripts missing all
// three hook functions are rejected as inert.
func Compile(name, source string) (*Hooks, error) {
	const op = "jshooks.Compile"
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("compile "+name),
			errs.WithCause(err))
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := vm.RunProgram(program); err != nil {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("evaluate "+name),
			errs.WithCause(err))
	}

	h := new(Hooks)
	h.name = name
	h.vm = vm
	h.validate = callable(vm, "validateParams")
	h.process = callable(vm, "processParams")
	h.preview = callable(vm, "genPreview")
	if h.validate == nil && h.process == nil && h.preview == nil {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage(name+" defines no hook functions"))
	}
	return h, nil
}

func callable(vm *goja.Runtime, name string) goja.Callable {
	value := vm.Get(name)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil
	}
	return fn
}

// Apply installs the compiled hooks on a Meta, leaving hooks the script does
// not define untouched.
func (h *Hooks) Apply(meta *strategy.Meta) {
	if h.validate != nil {
		meta.ValidateParams = h.ValidateParams
	}
	if h.process != nil {
		meta.ProcessParams = h.ProcessParams
	}
	if h.preview != nil {
		meta.GenPreview = h.GenPreview
	}
}

// ValidateParams runs the script's validateParams. A null/undefined return
// passes; a string or {field, message} object fails validation.
func (h *Hooks) ValidateParams(args strategy.Params) error {
	const op = "jshooks.ValidateParams"
	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.validate(goja.Undefined(), h.vm.ToValue(map[string]any(args)))
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil
	}
	switch exported := result.Export().(type) {
	case string:
		return errs.NewValidation("params", exported)
	case map[string]any:
		field, _ := exported["field"].(string)
		message, _ := exported["message"].(string)
		if field == "" {
			field = "params"
		}
		return errs.NewValidation(field, message)
	default:
		return errs.NewValidation("params", fmt.Sprintf("%v", exported))
	}
}

// ProcessParams runs the script's processParams over raw operator input.
func (h *Hooks) ProcessParams(raw map[string]any) (strategy.Params, error) {
	const op = "jshooks.ProcessParams"
	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.process(goja.Undefined(), h.vm.ToValue(raw))
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	exported, ok := result.Export().(map[string]any)
	if !ok {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("processParams must return an object"))
	}
	return strategy.Params(exported), nil
}

// GenPreview runs the script's genPreview and decodes the returned order
// array through the JSON wire shape.
func (h *Hooks) GenPreview(args strategy.Params) ([]*schema.AtomicOrder, error) {
	const op = "jshooks.GenPreview"
	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.preview(goja.Undefined(), h.vm.ToValue(map[string]any(args)))
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}

	data, err := json.Marshal(result.Export())
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	var orders []*schema.AtomicOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("genPreview must return an order array"),
			errs.WithCause(err))
	}
	return orders, nil
}
