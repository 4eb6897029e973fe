// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

// FunctionModule is the module name under which transported functions are
// dispatched; the function name is the function's content hash.
const FunctionModule = "__function"

// JsScript represents a JavaScript source to compile and run
type JsScript struct {
	Content  string // Script content
	FileName string // Script file name for debugging purposes
}

// JsCall represents a function invocation inside a worker
type JsCall struct {
	Module   string // Module name, "" for the global scope
	Function string // Function name within the module
	Args     []any  // Unmarshalled arguments
}

// JsEngine represents one isolated JavaScript heap owned by a single worker
type JsEngine interface {
	// Run compiles and runs a script in the global scope
	Run(script *JsScript) error

	// Define compiles a function expression and files it under name in the
	// FunctionModule table
	Define(name, source string) error

	// Call invokes a function and returns its (awaited) result
	Call(call *JsCall) (any, error)

	// SetGlobal binds a value to a global name
	SetGlobal(name string, value any) error

	// Close closes the engine and releases resources
	Close() error
}

// JsEngineFactory creates a new engine for each worker
type JsEngineFactory func() (JsEngine, error)
