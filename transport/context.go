// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"sync"
)

// contextState is the part of a Context shared by every unmarshal pass.
type contextState struct {
	mu       sync.Mutex
	held     map[Handle]*Shared
	released bool
}

// Context tracks the shared resources exchanged during one transport
// round trip. The same Context is used to marshal a call's arguments, to
// unmarshal them on the target worker, and to carry the return value back.
//
// A Context holds one reference per distinct handle it has seen until
// Release is called.
type Context struct {
	state  *contextState
	loaded map[Handle]Transportable // per unmarshal pass, nil outside one
}

// NewContext creates an empty transport context.
func NewContext() *Context {
	return &Context{
		state: &contextState{held: make(map[Handle]*Shared)},
	}
}

// pass returns a view of c used for a single unmarshal pass. Loads of the
// same handle within one pass resolve to the same wrapper.
func (c *Context) pass() *Context {
	return &Context{state: c.state, loaded: make(map[Handle]Transportable)}
}

// SaveShared records ref's resource in the context and returns its handle.
// The context takes its own reference the first time a handle is seen.
func (c *Context) SaveShared(ref *Ref) (Handle, error) {
	if c == nil {
		return Handle{}, fmt.Errorf("%w: shared value requires a transport context", ErrNotTransportable)
	}
	if ref == nil || ref.Released() {
		return Handle{}, ErrResourceReleased
	}
	s := ref.shared

	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.released {
		return Handle{}, fmt.Errorf("save shared %s: %w", s.handle, ErrResourceReleased)
	}
	if _, ok := c.state.held[s.handle]; ok {
		return s.handle, nil
	}
	if !s.retain() {
		return Handle{}, fmt.Errorf("save shared %s: %w", s.handle, ErrResourceReleased)
	}
	c.state.held[s.handle] = s
	return s.handle, nil
}

// LoadShared resolves h to a wrapper built by wrap around a new reference.
// Within one unmarshal pass every occurrence of h yields the same wrapper
// and takes a single reference.
func (c *Context) LoadShared(h Handle, wrap func(ref *Ref) Transportable) (Transportable, error) {
	if c == nil {
		return nil, fmt.Errorf("load shared %s: %w", h, ErrHandleNotFound)
	}
	if t, ok := c.loaded[h]; ok {
		return t, nil
	}

	c.state.mu.Lock()
	s, ok := c.state.held[h]
	c.state.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("load shared %s: %w", h, ErrHandleNotFound)
	}

	ref := s.Retain()
	if ref == nil {
		return nil, fmt.Errorf("load shared %s: %w", h, ErrResourceReleased)
	}
	t := wrap(ref)
	if c.loaded != nil {
		c.loaded[h] = t
	}
	return t, nil
}

// SharedCount returns the number of distinct shared resources held.
func (c *Context) SharedCount() int {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return len(c.state.held)
}

// Release drops every reference held by the context. It is safe to call
// more than once.
func (c *Context) Release() {
	c.state.mu.Lock()
	held := c.state.held
	c.state.held = make(map[Handle]*Shared)
	c.state.released = true
	c.state.mu.Unlock()

	for _, s := range held {
		s.release()
	}
}
