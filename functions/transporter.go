// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package functions moves function definitions between workers by content
// hash. Bodies are published once to a shared store and compiled at most
// once per worker.
package functions

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"unicode/utf16"

	"github.com/buke/js-zone/store"
)

// StoreID is the id of the shared store holding function bodies.
const StoreID = "__zone_marshalled_functions"

// ErrFunctionNotFound is returned when a hash has no published body.
var ErrFunctionNotFound = errors.New("function not found")

// Hash returns the DJB2 hash of source over its UTF-16 code units as an
// unsigned 32-bit hex string. Collisions are not detected.
func Hash(source string) string {
	h := uint32(5381)
	for _, c := range utf16.Encode([]rune(source)) {
		h = h*33 + uint32(c)
	}
	return strconv.FormatUint(uint64(h), 16)
}

// CompileFunc turns a function body into something callable under hash.
type CompileFunc func(hash, source string) error

// Transporter is the per-worker function cache. The zero value is not
// usable; create one with NewTransporter.
type Transporter struct {
	dir     *store.Directory
	compile CompileFunc

	mu       sync.Mutex
	store    *store.Store
	hashes   map[string]string // source -> hash
	sources  map[string]string // hash -> source
	compiled map[string]bool
}

// NewTransporter creates a transporter publishing to the function store
// in dir. compile may be nil on a side that never runs functions.
func NewTransporter(dir *store.Directory, compile CompileFunc) *Transporter {
	return &Transporter{
		dir:      dir,
		compile:  compile,
		hashes:   make(map[string]string),
		sources:  make(map[string]string),
		compiled: make(map[string]bool),
	}
}

// functionStore returns the shared store, creating it on first use.
// Callers hold t.mu.
func (t *Transporter) functionStore() (*store.Store, error) {
	if t.store == nil {
		s, err := t.dir.GetOrCreate(StoreID)
		if err != nil {
			return nil, err
		}
		t.store = s
	}
	return t.store, nil
}

// Save publishes source and returns its hash. Saving the same text twice
// returns the same hash and publishes once.
func (t *Transporter) Save(source string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("save function: empty source")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if hash, ok := t.hashes[source]; ok {
		return hash, nil
	}

	hash := Hash(source)
	s, err := t.functionStore()
	if err != nil {
		return "", fmt.Errorf("save function %s: %w", hash, err)
	}
	if err := s.Set(hash, source); err != nil {
		return "", fmt.Errorf("save function %s: %w", hash, err)
	}
	t.hashes[source] = hash
	t.sources[hash] = source
	return hash, nil
}

// Load returns the body published under hash, compiling it in this worker
// the first time it is seen.
func (t *Transporter) Load(hash string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if source, ok := t.sources[hash]; ok && (t.compiled[hash] || t.compile == nil) {
		return source, nil
	}

	source, ok := t.sources[hash]
	if !ok {
		s, err := t.functionStore()
		if err != nil {
			return "", fmt.Errorf("load function %s: %w", hash, err)
		}
		v, err := s.Get(hash)
		if err != nil {
			return "", fmt.Errorf("load function %s: %w", hash, err)
		}
		if source, ok = v.(string); !ok {
			return "", fmt.Errorf("load function %s: %w", hash, ErrFunctionNotFound)
		}
	}

	if t.compile != nil {
		if err := t.compile(hash, source); err != nil {
			return "", fmt.Errorf("compile function %s: %w", hash, err)
		}
		t.compiled[hash] = true
	}
	t.sources[hash] = source
	t.hashes[source] = hash
	return source, nil
}

// Close drops the transporter's reference to the function store.
func (t *Transporter) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store != nil {
		t.store.Release()
		t.store = nil
	}
}
