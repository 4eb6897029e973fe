// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// Option configures an Engine while it is being created.
type Option func(*Engine) error

// EngineOption holds configuration for a Goja engine instance.
type EngineOption struct {
	MaxCallStackSize int
	EnableConsole    bool
	EnableRequire    bool
	Modules          []string
	FieldNameMapper  goja.FieldNameMapper
}

// Module is a CommonJS module served to require() under Name.
type Module struct {
	Name   string // Name passed to require()
	Source string // Module body, sees exports and module
}

// WithMaxCallStackSize sets the maximum call stack size for the runtime.
// A value of 0 or less means no limit.
func WithMaxCallStackSize(size int) Option {
	return func(e *Engine) error {
		e.Option.MaxCallStackSize = size
		return e.runOnLoop(func(vm *goja.Runtime) error {
			vm.SetMaxCallStackSize(size)
			return nil
		})
	}
}

// WithEnableConsole enables the console object (console.log, etc.) in the JS runtime.
func WithEnableConsole() Option {
	return func(e *Engine) error {
		e.Option.EnableConsole = true
		return e.runOnLoop(func(vm *goja.Runtime) error {
			console.Enable(vm)
			return nil
		})
	}
}

// WithRequire enables require() and serves the given modules from it.
// Calls to a module other than the global scope then go through require.
func WithRequire(modules ...Module) Option {
	return func(e *Engine) error {
		e.Option.EnableRequire = true
		registry := new(require.Registry)
		for _, m := range modules {
			registry.RegisterNativeModule(m.Name, commonJSLoader(m))
			e.Option.Modules = append(e.Option.Modules, m.Name)
		}
		return e.runOnLoop(func(vm *goja.Runtime) error {
			registry.Enable(vm)
			return nil
		})
	}
}

// commonJSLoader evaluates a module body with the usual exports and module bindings.
func commonJSLoader(m Module) require.ModuleLoader {
	return func(vm *goja.Runtime, module *goja.Object) {
		wrapper, err := vm.RunScript(m.Name, "(function (exports, module) {"+m.Source+"\n})")
		if err != nil {
			panic(vm.NewGoError(err))
		}
		fn, ok := goja.AssertFunction(wrapper)
		if !ok {
			panic(vm.NewTypeError("module %s did not compile to a function", m.Name))
		}
		if _, err := fn(goja.Undefined(), module.Get("exports"), module); err != nil {
			panic(vm.NewGoError(err))
		}
	}
}

// WithFieldNameMapper sets the field name mapper for Go-to-JS struct conversions.
// This controls how Go struct field names and methods are exposed in JavaScript.
func WithFieldNameMapper(mapper goja.FieldNameMapper) Option {
	return func(e *Engine) error {
		if mapper == nil {
			return nil
		}
		e.Option.FieldNameMapper = mapper
		return e.runOnLoop(func(vm *goja.Runtime) error {
			vm.SetFieldNameMapper(mapper)
			return nil
		})
	}
}
