package gate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/agentfabric/aof/pkg/types"
)

// EvalContext is the read-only world a gate's `when` expression sees.
// Nothing else reaches the runtime: no host functions, no globals beyond
// the ECMAScript builtins of a fresh sandbox.
type EvalContext struct {
	Tags        []string                 `json:"tags"`
	Metadata    map[string]any           `json:"metadata"`
	GateHistory []types.GateHistoryEntry `json:"gateHistory"`
}

// Evaluate runs a `when` expression against the context and coerces the
// result to a boolean. The safety rules are strict:
//
//   - empty or whitespace-only expressions resolve to true
//   - syntax errors, runtime errors, and prototype-pollution attempts
//     resolve to false, never panic
//   - evaluation is interrupted at the wall-clock timeout and resolves
//     to false
//   - JS truthiness applies to the result (an empty array is truthy,
//     null/undefined are falsy)
func Evaluate(expr string, ctx EvalContext, timeout time.Duration) (result bool) {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	if timeout <= 0 {
		timeout = types.DefaultGateEvalTimeout
	}

	defer func() {
		if recover() != nil {
			result = false
		}
	}()

	if ctx.Tags == nil {
		ctx.Tags = []string{}
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	if ctx.GateHistory == nil {
		ctx.GateHistory = []types.GateHistoryEntry{}
	}
	// The context crosses into the VM as JSON so the expression works
	// against native arrays and objects, not reflected Go values.
	raw, err := json.Marshal(ctx)
	if err != nil {
		return false
	}

	vm := goja.New()
	if err := vm.Set("__ctx_json", string(raw)); err != nil {
		return false
	}
	if _, err := vm.RunString(
		`var __ctx = JSON.parse(__ctx_json);
		 var tags = __ctx.tags, metadata = __ctx.metadata, gateHistory = __ctx.gateHistory;`,
	); err != nil {
		return false
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("gate condition timeout")
	})
	defer timer.Stop()

	value, err := vm.RunString(expr)
	if err != nil {
		return false
	}
	if value == nil {
		return false
	}
	return value.ToBoolean()
}
