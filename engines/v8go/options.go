//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

// Option configures an Engine before its isolate is created.
type Option func(*Engine) error

// EngineOption holds specific configurations for the V8 engine.
type EngineOption struct {
	RpcScript string // Replaces the embedded dispatcher when not empty
}

// WithRpcScript provides an option to override the default RPC handling script.
// The script must evaluate to a function taking (module, name, argsJson)
// and returning a promise of the JSON-encoded result. An empty script
// keeps the embedded one.
func WithRpcScript(script string) Option {
	return func(e *Engine) error {
		e.Option.RpcScript = script
		return nil
	}
}
