// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	jszone "github.com/buke/js-zone"
	"github.com/buke/js-zone/transport"
	"github.com/buke/quickjs-go"
)

//go:embed engine_rpc.js
var rpcScript string

var errClosed = errors.New("engine is closed")

// Engine represents a QuickJS engine instance with its runtime, context, and options.
// Arguments and results cross the engine boundary as JSON, so only plain
// data can be passed to and returned from calls.
type Engine struct {
	Runtime   *quickjs.Runtime // QuickJS runtime instance
	Ctx       *quickjs.Context // QuickJS context instance
	Option    *EngineOption    // Engine configuration options
	RpcScript string           // Embedded RPC script for dispatching calls
	rpc       *quickjs.Value   // Dispatcher evaluated from RpcScript
}

// Run evaluates a script in the global scope, awaiting a top-level promise.
func (e *Engine) Run(script *jszone.JsScript) error {
	if script == nil {
		return fmt.Errorf("script cannot be nil")
	}
	if e.Ctx == nil {
		return errClosed
	}
	result := e.Ctx.Eval(script.Content, quickjs.EvalFileName(script.FileName), quickjs.EvalAwait(true))
	defer result.Free()
	if result.IsException() {
		return fmt.Errorf("failed to execute script %s: %w", script.FileName, e.Ctx.Exception())
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

// Call dispatches module.function through the RPC script and awaits the result.
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

	jsModule, err := e.Ctx.Marshal(call.Module)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal module: %w", err)
	}
	defer jsModule.Free()
	jsFunction, err := e.Ctx.Marshal(call.Function)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal function: %w", err)
	}
	defer jsFunction.Free()
	jsArgs, err := e.Ctx.Marshal(string(argsJson))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	defer jsArgs.Free()

	// Call the RPC function and wait for its promise
	jsResp := e.rpc.Execute(e.Ctx.Null(), jsModule, jsFunction, jsArgs).Await()
	defer jsResp.Free()
	if jsResp.IsException() {
		return nil, fmt.Errorf("js execution error: %w", e.Ctx.Exception())
	}

	var resultJson string
	if err := e.Ctx.Unmarshal(jsResp, &resultJson); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	var result any
	if err := json.Unmarshal([]byte(resultJson), &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

// Close releases all resources associated with the engine, including context and runtime.
func (e *Engine) Close() error {
	if e.rpc != nil {
		e.rpc.Free()
		e.rpc = nil
	}
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Runtime != nil {
		e.Runtime.Close()
		e.Runtime = nil
	}
	return nil
}

// newEngine creates a new QuickJS engine instance with the given options.
// It initializes the runtime, context, and applies all provided engine options.
func newEngine(options ...Option) (*Engine, error) {
	// Create QuickJS runtime
	rt := quickjs.NewRuntime()

	// Create QuickJS context
	ctx := rt.NewContext()

	// Create engine instance with default options
	engine := &Engine{
		Runtime: rt,
		Ctx:     ctx,
		Option: &EngineOption{
			MemoryLimit:        0,     // Default memory limit (no limit)
			GCThreshold:        -1,    // Default GC threshold. -1 means no threshold
			Timeout:            0,     // Default timeout (no timeout)
			MaxStackSize:       0,     // Default max stack size
			CanBlock:           false, // Blocking not allowed by default
			EnableModuleImport: false, // Module import disabled by default
			Strip:              1,     // Default strip behavior
		},
		RpcScript: rpcScript, // Use embedded RpcScript
	}

	// Apply additional engine options
	for _, option := range options {
		if err := option(engine); err != nil {
			engine.Close()
			return nil, err
		}
	}

	// Evaluate the RPC script once; the dispatcher lives as long as the context
	fn := engine.Ctx.Eval(engine.RpcScript, quickjs.EvalFileName("engine_rpc.js"))
	if fn.IsException() {
		fn.Free()
		err := engine.Ctx.Exception()
		engine.Close()
		return nil, fmt.Errorf("failed to evaluate RPC script: %w", err)
	}
	if !fn.IsFunction() {
		fn.Free()
		engine.Close()
		return nil, fmt.Errorf("RPC script did not return a function")
	}
	engine.rpc = fn

	return engine, nil
}

// NewFactory returns a JsEngineFactory that creates QuickJS engines with the given options.
func NewFactory(options ...Option) jszone.JsEngineFactory {
	return func() (jszone.JsEngine, error) {
		return newEngine(options...)
	}
}
