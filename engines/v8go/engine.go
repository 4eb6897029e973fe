//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	jszone "github.com/buke/js-zone"
	"github.com/buke/js-zone/transport"
	"github.com/tommie/v8go"
)

var (
	// Make these functions variables so they can be mocked in tests.
	v8NewIsolate  = v8go.NewIsolate
	v8NewContext  = v8go.NewContext
	jsonUnmarshal = json.Unmarshal
	v8NewValue    = v8go.NewValue
)

//go:embed engine_rpc.js
var rpcScript string

var errClosed = errors.New("engine is closed")

// Engine implements the jszone.JsEngine interface using the V8 engine.
// It encapsulates a V8 Isolate and Context. Arguments and results cross
// the engine boundary as JSON.
type Engine struct {
	// Iso is the V8 Isolate, representing a single-threaded VM instance.
	// It is exposed publicly to allow for advanced custom options.
	Iso *v8go.Isolate

	// Ctx is the V8 Context, representing the execution environment.
	// It is exposed publicly to allow for advanced custom options.
	Ctx *v8go.Context

	// Option holds the engine-specific configurations.
	Option *EngineOption

	// RpcScript contains the JavaScript code dispatching calls.
	RpcScript string

	rpc *v8go.Function // Dispatcher evaluated from RpcScript
}

// NewFactory creates a new jszone.JsEngineFactory for the V8 engine.
func NewFactory(opts ...Option) jszone.JsEngineFactory {
	return func() (jszone.JsEngine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates and initializes a new V8 Engine instance.
func newEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		Option:    &EngineOption{},
		RpcScript: rpcScript, // Set default RPC script
	}

	// Apply user-provided options
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Override default RPC script if provided in options
	if e.Option.RpcScript != "" {
		e.RpcScript = e.Option.RpcScript
	}

	// Create a new V8 Isolate
	iso := v8NewIsolate()
	if iso == nil {
		return nil, fmt.Errorf("failed to create v8 isolate")
	}
	e.Iso = iso

	// Create a new V8 Context
	ctx := v8NewContext(iso)
	if ctx == nil {
		iso.Dispose() // Clean up isolate if context creation fails
		e.Iso = nil
		return nil, fmt.Errorf("failed to create v8 context")
	}
	e.Ctx = ctx

	// Run the RPC script once to get the dispatcher
	rpcVal, err := e.Ctx.RunScript(e.RpcScript, "engine_rpc.js")
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to run rpc script: %w", err)
	}
	rpcFn, err := rpcVal.AsFunction()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("rpc script did not return a function: %w", err)
	}
	e.rpc = rpcFn

	return e, nil
}

// Run executes a script in the global scope.
func (e *Engine) Run(script *jszone.JsScript) error {
	if script == nil {
		return fmt.Errorf("script cannot be nil")
	}
	if e.Ctx == nil {
		return errClosed
	}
	if _, err := e.Ctx.RunScript(script.Content, script.FileName); err != nil {
		return fmt.Errorf("failed to execute script %s: %w", script.FileName, err)
	}
	return nil
}

// Define compiles a function expression into the function table.
func (e *Engine) Define(name, source string) error {
	key, err := json.Marshal(name)
	if err != nil {
		return err
	}
	code := fmt.Sprintf("globalThis.__zoneFunctions[%s] = (%s);", key, source)
	if err := e.Run(&jszone.JsScript{Content: code, FileName: "function:" + name}); err != nil {
		return fmt.Errorf("failed to compile function %s: %w", name, err)
	}
	return nil
}

// SetGlobal binds the JSON form of value to name.
func (e *Engine) SetGlobal(name string, value any) error {
	key, err := json.Marshal(name)
	if err != nil {
		return err
	}
	if err := transport.RequirePlain(value); err != nil {
		return fmt.Errorf("global %s: %w", name, err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal global %s: %w", name, err)
	}
	return e.Run(&jszone.JsScript{
		Content:  fmt.Sprintf("globalThis[%s] = %s;", key, data),
		FileName: "global:" + name,
	})
}

// Call dispatches module.function through the RPC script and waits for
// the returned promise to settle.
func (e *Engine) Call(call *jszone.JsCall) (any, error) {
	if call == nil {
		return nil, fmt.Errorf("call cannot be nil")
	}
	if e.Ctx == nil {
		return nil, errClosed
	}

	args := call.Args
	if args == nil {
		args = []any{}
	}
	// Locks and stores have no JSON form in this engine
	if err := transport.RequirePlain(args); err != nil {
		return nil, fmt.Errorf("unsupported argument: %w", err)
	}
	argsJson, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	jsArgs := make([]v8go.Valuer, 0, 3)
	for _, s := range []string{call.Module, call.Function, string(argsJson)} {
		v, err := v8NewValue(e.Iso, s)
		if err != nil {
			return nil, fmt.Errorf("failed to create v8 value: %w", err)
		}
		jsArgs = append(jsArgs, v)
	}

	// Call the async RPC function, which returns a Promise
	promiseVal, err := e.rpc.Call(e.Ctx.Global(), jsArgs...)
	if err != nil {
		return nil, fmt.Errorf("rpc function call failed: %w", err)
	}
	promise, err := promiseVal.AsPromise()
	if err != nil {
		return nil, fmt.Errorf("rpc call did not return a promise: %w", err)
	}

	// Drain the microtask queue so the promise can settle
	e.Ctx.PerformMicrotaskCheckpoint()

	switch promise.State() {
	case v8go.Rejected:
		// The result of a rejected promise is the error object itself.
		return nil, fmt.Errorf("js execution error: %s", promise.Result().String())
	case v8go.Pending:
		return nil, fmt.Errorf("js execution error: promise did not settle")
	}

	var result any
	if err := jsonUnmarshal([]byte(promise.Result().String()), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// Close releases all resources associated with the V8 engine.
func (e *Engine) Close() error {
	e.rpc = nil
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Iso != nil {
		e.Iso.Dispose()
		e.Iso = nil
	}
	return nil
}
