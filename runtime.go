// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buke/js-zone/functions"
	"github.com/buke/js-zone/lock"
	"github.com/buke/js-zone/store"
	"github.com/buke/js-zone/transport"
)

// RuntimeOption contains the dispatch settings shared by every zone.
type RuntimeOption struct {
	queueSize       uint32        // Size of the task queue per worker
	enqueueTimeout  time.Duration // Timeout for enqueuing tasks, 0 blocks
	executeTimeout  time.Duration // Default caller-side execute timeout, 0 waits forever
	selectThreshold float64       // Queue load threshold for skipping busy workers (0.0-1.0)
}

type transportable struct {
	cid  string
	ctor transport.Constructor
}

type global struct {
	name  string
	value any
}

// Runtime is the host process object: it owns the zones, the store
// directory and the host-side constructor registry.
type Runtime struct {
	options       *RuntimeOption  // Configuration options
	engineFactory JsEngineFactory // JavaScript engine factory function
	logger        *slog.Logger    // Logger instance

	// Use atomic pointer for lock-free reads of initScripts
	initScriptsPtr atomic.Pointer[[]*JsScript]

	transportables []transportable // User constructors installed in every registry
	globals        []global        // Globals installed in every worker
	config         *Config         // Zones to create on start
	optErr         error           // First error raised while applying options

	registry  *transport.Registry    // Host registry
	stores    *store.Directory       // Process-wide store directory
	functions *functions.Transporter // Host function transporter

	mu     sync.Mutex
	zones  map[string]*Zone
	closed bool
}

// getInitScripts returns the current initialization scripts (no copy, read-only)
func (rt *Runtime) getInitScripts() []*JsScript {
	ptr := rt.initScriptsPtr.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}

// setInitScripts atomically sets new initialization scripts
func (rt *Runtime) setInitScripts(scripts []*JsScript) {
	if len(scripts) == 0 {
		rt.initScriptsPtr.Store(nil)
		return
	}
	newScripts := make([]*JsScript, len(scripts))
	copy(newScripts, scripts)
	rt.initScriptsPtr.Store(&newScripts)
}

// newRegistry builds a registry holding the built-in and user constructors.
func (rt *Runtime) newRegistry() (*transport.Registry, error) {
	reg := transport.NewRegistry()
	if err := lock.Register(reg); err != nil {
		return nil, err
	}
	if err := store.Register(reg); err != nil {
		return nil, err
	}
	for _, t := range rt.transportables {
		if err := reg.Register(t.cid, t.ctor); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewRuntime creates a runtime with the given options. Zones described
// by WithConfig are created before it returns.
func NewRuntime(opts ...func(*Runtime)) (*Runtime, error) {
	rt := &Runtime{
		logger: slog.Default(), // Default logger
		options: &RuntimeOption{
			queueSize:       256,              // Default queue size
			enqueueTimeout:  30 * time.Second, // 30 second enqueue timeout
			executeTimeout:  60 * time.Second, // 60 second execution timeout
			selectThreshold: 0.75,             // Skip worker at 75% load
		},
		zones: make(map[string]*Zone),
	}

	// Apply configuration options
	for _, opt := range opts {
		opt(rt)
	}
	if rt.optErr != nil {
		return nil, rt.optErr
	}

	// JavaScript engine factory is required
	if rt.engineFactory == nil {
		return nil, fmt.Errorf("%w: JavaScript engine factory must be provided", ErrInvalidArgument)
	}

	registry, err := rt.newRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to build host registry: %w", err)
	}
	rt.registry = registry
	rt.stores = store.NewDirectory(registry)
	// The host never runs functions itself, it only files them for workers
	rt.functions = functions.NewTransporter(rt.stores, func(hash, source string) error { return nil })

	if rt.config != nil {
		for _, zc := range rt.config.Zones {
			if _, err := rt.CreateZone(zc.ID, zc.settings()); err != nil {
				_ = rt.Close()
				return nil, fmt.Errorf("failed to create configured zone %s: %w", zc.ID, err)
			}
		}
	}
	return rt, nil
}

// CreateZone creates and starts a zone. It fails with ErrZoneAlreadyExists
// while a zone with the same id is alive.
func (rt *Runtime) CreateZone(id string, settings ZoneSettings) (*Zone, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.createZoneLocked(id, settings, true)
}

// GetOrCreateZone returns the active zone with the given id, creating it
// with settings if there is none.
func (rt *Runtime) GetOrCreateZone(id string, settings ZoneSettings) (*Zone, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if z, ok := rt.zones[id]; ok {
		if z.State() != ZoneStateActive {
			return nil, fmt.Errorf("%w: %s", ErrZoneRecycled, id)
		}
		return z, nil
	}
	return rt.createZoneLocked(id, settings, true)
}

// Zone returns the zone with the given id.
func (rt *Runtime) Zone(id string) (*Zone, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	z, ok := rt.zones[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrZoneNotFound, id)
	}
	return z, nil
}

// HostZone returns the single-worker zone standing for the host process,
// creating it on first use. It cannot be recycled.
func (rt *Runtime) HostZone() (*Zone, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if z, ok := rt.zones[HostZoneId]; ok {
		return z, nil
	}
	return rt.createZoneLocked(HostZoneId, ZoneSettings{Workers: 1}, false)
}

func (rt *Runtime) createZoneLocked(id string, settings ZoneSettings, recyclable bool) (*Zone, error) {
	if rt.closed {
		return nil, ErrRuntimeClosed
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty zone id", ErrInvalidArgument)
	}
	if recyclable && id == HostZoneId {
		return nil, fmt.Errorf("%w: zone id %s is reserved", ErrInvalidArgument, id)
	}
	if _, ok := rt.zones[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrZoneAlreadyExists, id)
	}
	if settings.Workers < 0 {
		return nil, fmt.Errorf("%w: negative worker count %d", ErrInvalidArgument, settings.Workers)
	}
	if settings.Workers == 0 {
		settings.Workers = defaultZoneWorkers
	}

	z := newZone(rt, id, settings, recyclable)
	if err := z.pool.start(settings.Workers); err != nil {
		return nil, fmt.Errorf("failed to start zone %s: %w", id, err)
	}
	rt.zones[id] = z

	if rt.logger != nil {
		rt.logger.Debug("Zone created", "zone", id, "workers", settings.Workers)
	}
	return z, nil
}

// removeZone forgets z once it has terminated.
func (rt *Runtime) removeZone(z *Zone) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.zones[z.id] == z {
		delete(rt.zones, z.id)
	}
}

// Zones returns the live zones ordered by id.
func (rt *Runtime) Zones() []*Zone {
	rt.mu.Lock()
	zones := make([]*Zone, 0, len(rt.zones))
	for _, z := range rt.zones {
		zones = append(zones, z)
	}
	rt.mu.Unlock()

	sort.Slice(zones, func(i, j int) bool { return zones[i].id < zones[j].id })
	return zones
}

// Stores returns the process-wide store directory bound to the host registry.
func (rt *Runtime) Stores() *store.Directory {
	return rt.stores
}

// Registry returns the host constructor registry.
func (rt *Runtime) Registry() *transport.Registry {
	return rt.registry
}

// Functions returns the host function transporter.
func (rt *Runtime) Functions() *functions.Transporter {
	return rt.functions
}

// Close recycles every zone, the host zone included, and waits for all of
// them to terminate.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	zones := make([]*Zone, 0, len(rt.zones))
	for _, z := range rt.zones {
		zones = append(zones, z)
	}
	rt.mu.Unlock()

	for _, z := range zones {
		z.recycle()
	}
	for _, z := range zones {
		<-z.Done()
	}
	if rt.functions != nil {
		rt.functions.Close()
	}

	if rt.logger != nil {
		rt.logger.Debug("Runtime closed", "zones", len(zones))
	}
	return nil
}

// WithJsEngine configures the JavaScript engine factory
func WithJsEngine(engineFactory JsEngineFactory) func(*Runtime) {
	return func(rt *Runtime) {
		rt.engineFactory = engineFactory
	}
}

// WithLogger configures the logger for the runtime
func WithLogger(logger *slog.Logger) func(*Runtime) {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// WithInitScripts configures scripts run on every worker of every zone
func WithInitScripts(scripts ...*JsScript) func(*Runtime) {
	return func(rt *Runtime) {
		if len(scripts) > 0 {
			rt.setInitScripts(scripts)
		}
	}
}

func WithQueueSize(size uint32) func(*Runtime) {
	return func(rt *Runtime) {
		if size > 0 {
			rt.options.queueSize = size
		}
	}
}

func WithEnqueueTimeout(timeout time.Duration) func(*Runtime) {
	return func(rt *Runtime) {
		if timeout >= 0 {
			rt.options.enqueueTimeout = timeout
		}
	}
}

// WithExecuteTimeout sets the default execute timeout. Zero waits forever.
func WithExecuteTimeout(timeout time.Duration) func(*Runtime) {
	return func(rt *Runtime) {
		if timeout >= 0 {
			rt.options.executeTimeout = timeout
		}
	}
}

func WithSelectThreshold(threshold float64) func(*Runtime) {
	return func(rt *Runtime) {
		if threshold > 0 && threshold <= 1.0 {
			rt.options.selectThreshold = threshold
		}
	}
}

// WithTransportable registers a constructor in the host registry and in
// the registry of every worker.
func WithTransportable(cid string, ctor transport.Constructor) func(*Runtime) {
	return func(rt *Runtime) {
		if cid == "" || ctor == nil {
			rt.optErr = errors.Join(rt.optErr, fmt.Errorf("%w: transportable needs a cid and a constructor", ErrInvalidArgument))
			return
		}
		rt.transportables = append(rt.transportables, transportable{cid: cid, ctor: ctor})
	}
}

// WithGlobal installs a global value in every worker.
func WithGlobal(name string, value any) func(*Runtime) {
	return func(rt *Runtime) {
		rt.globals = append(rt.globals, global{name: name, value: value})
	}
}
