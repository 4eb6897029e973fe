// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	jszone "github.com/buke/js-zone"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

//go:embed engine_rpc.js
var rpcScript string

var errClosed = errors.New("engine is closed")

// Engine implements the jszone.JsEngine interface using the Goja JS engine.
// It uses an event loop to ensure thread-safe execution of JavaScript.
// Go values such as locks and stores are passed to scripts as live objects.
type Engine struct {
	Loop   *eventloop.EventLoop // The event loop that owns and serializes access to the runtime.
	Option *EngineOption        // Engine configuration options.
	rpc    goja.Callable        // Dispatcher compiled from rpcScript, only touched on the loop.
}

// NewFactory returns a jszone.JsEngineFactory for creating Goja engines.
// The factory is configured with the provided options.
func NewFactory(opts ...Option) jszone.JsEngineFactory {
	return func() (jszone.JsEngine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates a new Goja engine instance.
// It initializes a full-featured event loop that supports timers.
func newEngine(opts ...Option) (*Engine, error) {
	// The eventloop creates its own internal goja.Runtime
	loop := eventloop.NewEventLoop()

	e := &Engine{
		Loop:   loop,
		Option: &EngineOption{}, // Initialize with default options
	}

	// Start the event loop *before* applying options
	loop.Start()

	// Apply the default FieldNameMapper first.
	// This can be overridden by user-provided options.
	if err := WithFieldNameMapper(goja.TagFieldNameMapper("json", true))(e); err != nil {
		loop.Stop()
		return nil, err
	}

	// Apply all provided options. Each option will block until it's applied.
	for _, opt := range opts {
		if err := opt(e); err != nil {
			loop.Stop() // Ensure loop is stopped on configuration error
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := e.runOnLoop(func(vm *goja.Runtime) error {
		fnValue, err := vm.RunScript("engine_rpc.js", rpcScript)
		if err != nil {
			return fmt.Errorf("failed to load rpc script: %w", err)
		}
		fn, ok := goja.AssertFunction(fnValue)
		if !ok {
			return fmt.Errorf("rpc script did not return a function")
		}
		e.rpc = fn
		return nil
	}); err != nil {
		loop.Stop()
		return nil, err
	}

	return e, nil
}

// runOnLoop runs fn on the event loop and waits for it.
func (e *Engine) runOnLoop(fn func(vm *goja.Runtime) error) error {
	if e.Loop == nil {
		return errClosed
	}
	done := make(chan error, 1)
	e.Loop.RunOnLoop(func(vm *goja.Runtime) {
		done <- fn(vm)
	})
	return <-done
}

// Run executes a script in the global scope.
func (e *Engine) Run(script *jszone.JsScript) error {
	if script == nil {
		return fmt.Errorf("script cannot be nil")
	}
	return e.runOnLoop(func(vm *goja.Runtime) error {
		if _, err := vm.RunScript(script.FileName, script.Content); err != nil {
			return fmt.Errorf("failed to execute script %s: %w", script.FileName, err)
		}
		return nil
	})
}

// Define compiles a function expression into the function table.
func (e *Engine) Define(name, source string) error {
	key, err := json.Marshal(name)
	if err != nil {
		return err
	}
	return e.runOnLoop(func(vm *goja.Runtime) error {
		code := fmt.Sprintf("globalThis.__zoneFunctions[%s] = (%s);", key, source)
		if _, err := vm.RunScript("function:"+name, code); err != nil {
			return fmt.Errorf("failed to compile function %s: %w", name, err)
		}
		return nil
	})
}

// SetGlobal binds value to name in the global scope.
func (e *Engine) SetGlobal(name string, value any) error {
	return e.runOnLoop(func(vm *goja.Runtime) error {
		return vm.Set(name, value)
	})
}

// Call invokes module.function with args and waits for the result,
// following promises to their settlement.
func (e *Engine) Call(call *jszone.JsCall) (any, error) {
	if call == nil {
		return nil, fmt.Errorf("call cannot be nil")
	}
	if e.Loop == nil {
		return nil, errClosed
	}

	resultChan := make(chan any, 1)
	errorChan := make(chan error, 1)

	// Schedule the job on the persistent event loop.
	e.Loop.RunOnLoop(func(vm *goja.Runtime) {
		args := make([]any, len(call.Args))
		copy(args, call.Args)

		res, err := e.rpc(goja.Undefined(), vm.ToValue(call.Module), vm.ToValue(call.Function), vm.ToValue(args))
		if err != nil {
			errorChan <- fmt.Errorf("js execution error: %w", err)
			return
		}

		// Plain values are returned as is.
		if goja.IsUndefined(res) || goja.IsNull(res) {
			resultChan <- nil
			return
		}
		obj, isObject := res.(*goja.Object)
		if !isObject {
			resultChan <- res.Export()
			return
		}
		then, ok := goja.AssertFunction(obj.Get("then"))
		if !ok {
			resultChan <- res.Export()
			return
		}

		onSuccess := func(c goja.FunctionCall) goja.Value {
			v := c.Argument(0)
			if goja.IsUndefined(v) || goja.IsNull(v) {
				resultChan <- nil
			} else {
				resultChan <- v.Export()
			}
			return goja.Undefined()
		}

		onError := func(c goja.FunctionCall) goja.Value {
			errorChan <- fmt.Errorf("js execution error: %s", c.Argument(0).String())
			return goja.Undefined()
		}

		// Correctly call the 'then' function on the promise object.
		if _, err := then(obj, vm.ToValue(onSuccess), vm.ToValue(onError)); err != nil {
			errorChan <- fmt.Errorf("failed to invoke promise.then: %w", err)
		}
	})

	// Wait for the result.
	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errorChan:
		return nil, err
	}
}

// Close stops the event loop and releases associated resources.
func (e *Engine) Close() error {
	if e.Loop != nil {
		e.Loop.Stop()
		e.Loop = nil
	}
	return nil
}
