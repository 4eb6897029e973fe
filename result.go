// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"sync"

	"github.com/buke/js-zone/transport"
)

// ExecuteResult is the marshalled return value of an execute request
// together with the transport context of its round trip. Shared
// resources named in the payload stay alive until Value or Release.
type ExecuteResult struct {
	payload  string
	ctx      *transport.Context
	registry *transport.Registry

	once  sync.Once
	value any
	err   error
}

func newExecuteResult(payload string, ctx *transport.Context, reg *transport.Registry) *ExecuteResult {
	return &ExecuteResult{payload: payload, ctx: ctx, registry: reg}
}

// Payload returns the marshalled return value.
func (r *ExecuteResult) Payload() string {
	return r.payload
}

// TransportContext returns the context the payload was marshalled with.
func (r *ExecuteResult) TransportContext() *transport.Context {
	return r.ctx
}

// Value unmarshals the payload with the host registry on first use and
// then releases the transport context.
func (r *ExecuteResult) Value() (any, error) {
	r.once.Do(func() {
		if r.payload != "" {
			r.value, r.err = transport.Unmarshal(r.payload, r.ctx, r.registry)
		}
		r.ctx.Release()
	})
	return r.value, r.err
}

// Release drops the result without unmarshalling it.
func (r *ExecuteResult) Release() {
	r.once.Do(func() {
		r.ctx.Release()
	})
}
