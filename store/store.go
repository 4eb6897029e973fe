// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package store implements named key/value tables shared by every worker
// in the process.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/buke/js-zone/transport"
)

// Cid is the constructor id of Store.
const Cid = "jszone.store"

var (
	// ErrStoreAlreadyExists is returned by Create when the id is live.
	ErrStoreAlreadyExists = errors.New("store already exists")

	// ErrStoreNotFound is returned by Get when no live store has the id.
	ErrStoreNotFound = errors.New("store not found")

	// ErrInvalidID is returned for an empty store id.
	ErrInvalidID = errors.New("invalid store id")
)

// entry is one stored value. Its context keeps any shared resource inside
// the value alive for as long as the entry exists.
type entry struct {
	payload string
	ctx     *transport.Context
}

// table is the shared resource behind every Store wrapper with the same id.
type table struct {
	id      string
	mu      sync.RWMutex
	entries map[string]*entry
}

// clear releases every entry. It runs when the last reference is dropped.
func (t *table) clear() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()
	for _, e := range entries {
		e.ctx.Release()
	}
}

type directoryState struct {
	mu     sync.Mutex
	stores map[string]*transport.Shared
}

// Directory is the process-wide table of live stores. Stores obtained
// through a Directory unmarshal values with its registry.
type Directory struct {
	state    *directoryState
	registry *transport.Registry
}

// NewDirectory creates an empty store directory bound to reg.
func NewDirectory(reg *transport.Registry) *Directory {
	return &Directory{
		state:    &directoryState{stores: make(map[string]*transport.Shared)},
		registry: reg,
	}
}

// WithRegistry returns a view of the same directory whose stores
// unmarshal values with reg.
func (d *Directory) WithRegistry(reg *transport.Registry) *Directory {
	return &Directory{state: d.state, registry: reg}
}

// Create creates a store. It fails if a store with id is live anywhere
// in the process.
func (d *Directory) Create(id string) (*Store, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if s, ok := d.state.stores[id]; ok && !s.IsNull() {
		return nil, fmt.Errorf("create store %q: %w", id, ErrStoreAlreadyExists)
	}
	return d.createLocked(id), nil
}

// Get returns a new reference to a live store.
func (d *Directory) Get(id string) (*Store, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if s, ok := d.state.stores[id]; ok {
		if ref := s.Retain(); ref != nil {
			return newStore(ref, d.registry), nil
		}
	}
	return nil, fmt.Errorf("get store %q: %w", id, ErrStoreNotFound)
}

// GetOrCreate returns the live store with id, creating it if needed.
func (d *Directory) GetOrCreate(id string) (*Store, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if s, ok := d.state.stores[id]; ok {
		if ref := s.Retain(); ref != nil {
			return newStore(ref, d.registry), nil
		}
	}
	return d.createLocked(id), nil
}

// Count returns the number of live stores.
func (d *Directory) Count() int {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	n := 0
	for _, s := range d.state.stores {
		if !s.IsNull() {
			n++
		}
	}
	return n
}

func (d *Directory) createLocked(id string) *Store {
	t := &table{id: id, entries: make(map[string]*entry)}
	ref := transport.NewShared(t, d.remove)
	d.state.stores[id] = ref.Shared()
	return newStore(ref, d.registry)
}

// remove is the release hook of every table.
func (d *Directory) remove(value any) {
	t := value.(*table)
	d.state.mu.Lock()
	if s, ok := d.state.stores[t.id]; ok && s.Value() == value {
		delete(d.state.stores, t.id)
	}
	d.state.mu.Unlock()
	t.clear()
}

// Store is a reference to a shared key/value table. Every operation is
// atomic with respect to every other operation on the same table.
type Store struct {
	ref      *transport.Ref
	t        *table
	registry *transport.Registry
}

func newStore(ref *transport.Ref, reg *transport.Registry) *Store {
	return &Store{ref: ref, t: ref.Shared().Value().(*table), registry: reg}
}

// ID returns the store id.
func (s *Store) ID() string {
	return s.t.id
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value any) error {
	ctx := transport.NewContext()
	payload, err := transport.Marshal(value, ctx)
	if err != nil {
		ctx.Release()
		return fmt.Errorf("store %q set %q: %w", s.t.id, key, err)
	}

	s.t.mu.Lock()
	old := s.t.entries[key]
	s.t.entries[key] = &entry{payload: payload, ctx: ctx}
	s.t.mu.Unlock()

	if old != nil {
		old.ctx.Release()
	}
	return nil
}

// Get returns the value stored under key, or nil if there is none.
func (s *Store) Get(key string) (any, error) {
	s.t.mu.RLock()
	defer s.t.mu.RUnlock()
	e, ok := s.t.entries[key]
	if !ok {
		return nil, nil
	}
	v, err := transport.Unmarshal(e.payload, e.ctx, s.registry)
	if err != nil {
		return nil, fmt.Errorf("store %q get %q: %w", s.t.id, key, err)
	}
	return v, nil
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	s.t.mu.RLock()
	defer s.t.mu.RUnlock()
	_, ok := s.t.entries[key]
	return ok
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.t.mu.Lock()
	e, ok := s.t.entries[key]
	delete(s.t.entries, key)
	s.t.mu.Unlock()
	if ok {
		e.ctx.Release()
	}
	return ok
}

// Size returns the number of keys.
func (s *Store) Size() int {
	s.t.mu.RLock()
	defer s.t.mu.RUnlock()
	return len(s.t.entries)
}

// Keys returns the keys in sorted order.
func (s *Store) Keys() []string {
	s.t.mu.RLock()
	keys := make([]string, 0, len(s.t.entries))
	for k := range s.t.entries {
		keys = append(keys, k)
	}
	s.t.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// RefCount returns the number of live references to the store.
func (s *Store) RefCount() int64 {
	return s.ref.RefCount()
}

// Release drops this wrapper's reference. The store is destroyed when no
// references remain anywhere in the process.
func (s *Store) Release() {
	s.ref.Release()
}

// Cid implements transport.Transportable.
func (s *Store) Cid() string {
	return Cid
}

// Ref implements transport.Shareable.
func (s *Store) Ref() *transport.Ref {
	return s.ref
}

// Save implements transport.Transportable.
func (s *Store) Save(payload map[string]any, ctx *transport.Context) error {
	payload["id"] = s.t.id
	return transport.SaveRef(payload, ctx, s.ref)
}

// Register installs the Store constructor in reg. Loaded stores unmarshal
// their values with reg.
func Register(reg *transport.Registry) error {
	return reg.Register(Cid, func(payload map[string]any, ctx *transport.Context) (transport.Transportable, error) {
		return transport.LoadRef(payload, ctx, func(ref *transport.Ref) transport.Transportable {
			s := newStore(ref, reg)
			transport.ReleaseOnCollect(s, ref)
			return s
		})
	})
}
