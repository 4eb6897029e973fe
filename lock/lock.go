// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package lock provides a mutual-exclusion primitive that can be passed
// between workers as an execute or broadcast argument.
package lock

import (
	"fmt"
	"sync"

	"github.com/buke/js-zone/transport"
)

// Cid is the constructor id of Lock.
const Cid = "jszone.lock"

// Lock is a transportable wrapper around a mutex shared by every worker
// that holds a reference to it.
type Lock struct {
	ref *transport.Ref
	mu  *sync.Mutex
}

// New creates a lock with a single reference owned by the caller.
func New() *Lock {
	return wrap(transport.NewShared(new(sync.Mutex), nil))
}

func wrap(ref *transport.Ref) *Lock {
	return &Lock{ref: ref, mu: ref.Shared().Value().(*sync.Mutex)}
}

// GuardSync acquires the lock, runs fn with args and releases the lock,
// returning whatever fn returns. The lock is released even if fn fails or
// panics. Acquisition blocks the calling goroutine with no timeout.
func (l *Lock) GuardSync(fn func(args ...any) (any, error), args ...any) (any, error) {
	if fn == nil {
		return nil, fmt.Errorf("guardSync: nil function")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(args...)
}

// TryGuardSync is like GuardSync but reports false without running fn if
// the lock is held by someone else.
func (l *Lock) TryGuardSync(fn func(args ...any) (any, error), args ...any) (any, bool, error) {
	if fn == nil {
		return nil, false, fmt.Errorf("tryGuardSync: nil function")
	}
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	defer l.mu.Unlock()
	v, err := fn(args...)
	return v, true, err
}

// Handle returns the shared handle of the lock.
func (l *Lock) Handle() transport.Handle {
	return l.ref.Handle()
}

// RefCount returns the number of live references to the lock.
func (l *Lock) RefCount() int64 {
	return l.ref.RefCount()
}

// Release drops this wrapper's reference.
func (l *Lock) Release() {
	l.ref.Release()
}

// Cid implements transport.Transportable.
func (l *Lock) Cid() string {
	return Cid
}

// Ref implements transport.Shareable.
func (l *Lock) Ref() *transport.Ref {
	return l.ref
}

// Save implements transport.Transportable.
func (l *Lock) Save(payload map[string]any, ctx *transport.Context) error {
	return transport.SaveRef(payload, ctx, l.ref)
}

// Load rebuilds a Lock from a payload written by Save.
func Load(payload map[string]any, ctx *transport.Context) (transport.Transportable, error) {
	return transport.LoadRef(payload, ctx, func(ref *transport.Ref) transport.Transportable {
		l := wrap(ref)
		transport.ReleaseOnCollect(l, ref)
		return l
	})
}

// Register installs the Lock constructor in reg.
func Register(reg *transport.Registry) error {
	return reg.Register(Cid, Load)
}
