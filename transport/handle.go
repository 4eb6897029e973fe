// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Handle identifies a shared resource across workers. It is a pair of
// machine words and carries no meaning outside the Context that issued it.
type Handle struct {
	Low  uint32 `json:"low"`
	High uint32 `json:"high"`
}

// IsZero reports whether h is the reserved invalid handle.
func (h Handle) IsZero() bool {
	return h.Low == 0 && h.High == 0
}

// String returns the handle as a hex pair.
func (h Handle) String() string {
	return fmt.Sprintf("%08x:%08x", h.High, h.Low)
}

// handleCounter hands out process-unique handles. Zero is reserved.
var handleCounter atomic.Uint64

func nextHandle() Handle {
	n := handleCounter.Add(1)
	return Handle{Low: uint32(n), High: uint32(n >> 32)}
}

// Shared is a reference-counted native resource that may be referenced
// from any number of workers and the host at the same time.
type Shared struct {
	handle    Handle
	refs      atomic.Int64
	value     any
	onRelease func(value any)
}

// NewShared wraps value as a shared resource and returns the first
// reference to it. onRelease, if not nil, runs once when the last
// reference is released, on whichever goroutine released it.
func NewShared(value any, onRelease func(value any)) *Ref {
	s := &Shared{
		handle:    nextHandle(),
		value:     value,
		onRelease: onRelease,
	}
	s.refs.Store(1)
	return &Ref{shared: s}
}

// Handle returns the handle of the resource.
func (s *Shared) Handle() Handle {
	return s.handle
}

// RefCount returns the number of live references across all workers.
func (s *Shared) RefCount() int64 {
	return s.refs.Load()
}

// Value returns the wrapped native resource.
func (s *Shared) Value() any {
	return s.value
}

// IsNull reports whether the resource has been destroyed.
func (s *Shared) IsNull() bool {
	return s.refs.Load() <= 0
}

// retain adds a reference. It fails if the resource is already destroyed.
func (s *Shared) retain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Shared) release() {
	if s.refs.Add(-1) == 0 && s.onRelease != nil {
		s.onRelease(s.value)
	}
}

// Retain returns a new counted reference to the resource, or nil if the
// resource has already been destroyed.
func (s *Shared) Retain() *Ref {
	if !s.retain() {
		return nil
	}
	return &Ref{shared: s}
}

// Ref is one counted reference to a Shared resource. Wrappers exposed to
// scripts (locks, stores) each own exactly one Ref.
type Ref struct {
	shared   *Shared
	released atomic.Bool
}

// Shared returns the referenced resource.
func (r *Ref) Shared() *Shared {
	return r.shared
}

// Handle returns the handle of the referenced resource.
func (r *Ref) Handle() Handle {
	return r.shared.handle
}

// RefCount returns the reference count of the referenced resource.
func (r *Ref) RefCount() int64 {
	return r.shared.RefCount()
}

// Release drops this reference. Calling it more than once is a no-op.
func (r *Ref) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.shared.release()
	}
}

// Released reports whether Release has been called.
func (r *Ref) Released() bool {
	return r.released.Load()
}

// ReleaseOnCollect arranges for ref to be released once owner becomes
// unreachable, unless it was released explicitly before that.
func ReleaseOnCollect[T any](owner *T, ref *Ref) {
	runtime.AddCleanup(owner, func(r *Ref) { r.Release() }, ref)
}
