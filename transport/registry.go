// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor rehydrates a Transportable from its saved payload. Nested
// transportable values in payload are already rehydrated.
type Constructor func(payload map[string]any, ctx *Context) (Transportable, error)

// Registry maps constructor ids to constructors. Every worker owns one;
// a cid must be registered in the receiving worker before a value
// carrying it is unmarshalled there.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor for cid.
func (r *Registry) Register(cid string, ctor Constructor) error {
	if cid == "" {
		return fmt.Errorf("register: empty cid")
	}
	if ctor == nil {
		return fmt.Errorf("register %q: nil constructor", cid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[cid]; ok {
		return fmt.Errorf("register %q: %w", cid, ErrDuplicateRegistration)
	}
	r.ctors[cid] = ctor
	return nil
}

// Lookup returns the constructor registered for cid.
func (r *Registry) Lookup(cid string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[cid]
	return ctor, ok
}

// Has reports whether cid is registered.
func (r *Registry) Has(cid string) bool {
	_, ok := r.Lookup(cid)
	return ok
}

// Cids returns the registered constructor ids in sorted order.
func (r *Registry) Cids() []string {
	r.mu.RLock()
	cids := make([]string, 0, len(r.ctors))
	for cid := range r.ctors {
		cids = append(cids, cid)
	}
	r.mu.RUnlock()
	sort.Strings(cids)
	return cids
}
