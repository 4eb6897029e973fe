// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/buke/js-zone/lock"
	"github.com/buke/js-zone/store"
	"github.com/buke/js-zone/transport"
)

// mockEngine is a simple mock implementation of JsEngine for testing.
// Calls are served by name: add, echo, sleep, panic, fail, whoami, chan, cyclic.
type mockEngine struct {
	mu        sync.Mutex        // Mutex for concurrent access
	scripts   []*JsScript       // Scripts passed to Run, in order
	globals   map[string]any    // Values passed to SetGlobal
	functions map[string]string // Sources passed to Define
	defines   int               // Number of Define calls
	calls     int               // Number of Call calls
	closed    bool              // Whether Close was called

	runFunc   func(script *JsScript) error    // Custom Run behavior (if set)
	callFunc  func(call *JsCall) (any, error) // Custom Call behavior (if set)
	closeFunc func() error                    // Custom Close behavior (if set)
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		globals:   make(map[string]any),
		functions: make(map[string]string),
	}
}

// Run records the script. A script whose content is "throw" fails.
func (m *mockEngine) Run(script *JsScript) error {
	m.mu.Lock()
	m.scripts = append(m.scripts, script)
	m.mu.Unlock()
	if m.runFunc != nil {
		return m.runFunc(script)
	}
	if script.Content == "throw" {
		return errors.New("script threw")
	}
	return nil
}

func (m *mockEngine) Define(name, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defines++
	if source == "syntax error" {
		return errors.New("failed to compile")
	}
	m.functions[name] = source
	return nil
}

func (m *mockEngine) SetGlobal(name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globals[name] = value
	return nil
}

func (m *mockEngine) Call(call *JsCall) (any, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.callFunc != nil {
		return m.callFunc(call)
	}

	if call.Module == FunctionModule {
		m.mu.Lock()
		source, ok := m.functions[call.Function]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("function %s not defined", call.Function)
		}
		return map[string]any{"source": source, "args": call.Args}, nil
	}
	if call.Module != "" {
		return call.Module + "." + call.Function, nil
	}

	switch call.Function {
	case "add":
		sum := 0.0
		for _, a := range call.Args {
			sum += a.(float64)
		}
		return sum, nil
	case "echo":
		if len(call.Args) == 0 {
			return nil, nil
		}
		return call.Args[0], nil
	case "sleep":
		time.Sleep(time.Duration(call.Args[0].(float64)) * time.Millisecond)
		return "slept", nil
	case "panic":
		panic("boom")
	case "fail":
		return nil, errors.New("failed on purpose")
	case "whoami":
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.globals[GlobalWorkerId], nil
	case "chan":
		return make(chan int), nil
	case "cyclic":
		m := map[string]any{"name": "loop"}
		m["self"] = m
		return m, nil
	}
	return nil, fmt.Errorf("function not found: %s", call.Function)
}

// Close mocks closing the JavaScript engine.
func (m *mockEngine) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func (m *mockEngine) scriptContents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.scripts))
	for i, s := range m.scripts {
		out[i] = s.Content
	}
	return out
}

// mockFactory hands out mock engines and remembers them.
type mockFactory struct {
	mu        sync.Mutex
	engines   []*mockEngine
	err       error
	configure func(*mockEngine)
}

func (f *mockFactory) factory() JsEngineFactory {
	return func() (JsEngine, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil {
			return nil, f.err
		}
		m := newMockEngine()
		if f.configure != nil {
			f.configure(m)
		}
		f.engines = append(f.engines, m)
		return m, nil
	}
}

func (f *mockFactory) created() []*mockEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockEngine(nil), f.engines...)
}

// mockEngineFactory returns a factory producing default mock engines.
func mockEngineFactory() JsEngineFactory {
	return (&mockFactory{}).factory()
}

// newTestRuntime creates a runtime on mock engines and closes it when the test ends.
func newTestRuntime(t *testing.T, opts ...func(*Runtime)) *Runtime {
	t.Helper()
	opts = append([]func(*Runtime){WithJsEngine(mockEngineFactory())}, opts...)
	rt, err := NewRuntime(opts...)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return rt
}

func TestNewRuntime_ErrorWhenNoEngineFactory(t *testing.T) {
	_, err := NewRuntime()
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestNewRuntime_Defaults(t *testing.T) {
	rt := newTestRuntime(t)
	if rt.options.queueSize != 256 {
		t.Errorf("queueSize = %d, want 256", rt.options.queueSize)
	}
	if rt.options.executeTimeout != 60*time.Second {
		t.Errorf("executeTimeout = %v, want 60s", rt.options.executeTimeout)
	}
	if rt.logger == nil {
		t.Error("Expected default logger")
	}
	for _, cid := range []string{lock.Cid, store.Cid} {
		if !rt.Registry().Has(cid) {
			t.Errorf("host registry misses %s", cid)
		}
	}
	if rt.Stores() == nil || rt.Functions() == nil {
		t.Error("Expected store directory and function transporter")
	}
}

func TestRuntime_Options(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rt := newTestRuntime(t,
		WithLogger(logger),
		WithQueueSize(8),
		WithEnqueueTimeout(time.Second),
		WithExecuteTimeout(0),
		WithSelectThreshold(0.5),
		WithSelectThreshold(2), // ignored
		WithQueueSize(0),       // ignored
	)
	if rt.logger != logger {
		t.Error("Logger not set")
	}
	if rt.options.queueSize != 8 || rt.options.enqueueTimeout != time.Second ||
		rt.options.executeTimeout != 0 || rt.options.selectThreshold != 0.5 {
		t.Errorf("Unexpected options: %+v", rt.options)
	}
}

func TestRuntime_WithInitScripts(t *testing.T) {
	f := &mockFactory{}
	rt, err := NewRuntime(
		WithJsEngine(f.factory()),
		WithInitScripts(&JsScript{Content: "runtime-init"}),
		WithGlobal("answer", 42),
	)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	defer rt.Close()

	_, err = rt.CreateZone("z", ZoneSettings{Workers: 2, InitScripts: []*JsScript{{Content: "zone-init"}}})
	if err != nil {
		t.Fatalf("CreateZone failed: %v", err)
	}

	engines := f.created()
	if len(engines) != 2 {
		t.Fatalf("Expected 2 engines, got %d", len(engines))
	}
	for i, m := range engines {
		got := m.scriptContents()
		if len(got) != 2 || got[0] != "runtime-init" || got[1] != "zone-init" {
			t.Errorf("engine %d scripts = %v", i, got)
		}
		if m.globals[GlobalZoneId] != "z" || m.globals[GlobalWorkerId] != uint32(i) || m.globals["answer"] != 42 {
			t.Errorf("engine %d globals = %v", i, m.globals)
		}
	}
}

func TestRuntime_CreateZone(t *testing.T) {
	rt := newTestRuntime(t)

	z, err := rt.CreateZone("z1", ZoneSettings{})
	if err != nil {
		t.Fatalf("CreateZone failed: %v", err)
	}
	if z.ID() != "z1" || z.WorkerCount() != defaultZoneWorkers || z.State() != ZoneStateActive {
		t.Errorf("Unexpected zone: id=%s workers=%d state=%s", z.ID(), z.WorkerCount(), z.State())
	}

	if _, err := rt.CreateZone("z1", ZoneSettings{}); !errors.Is(err, ErrZoneAlreadyExists) {
		t.Errorf("Expected ErrZoneAlreadyExists, got %v", err)
	}
	if _, err := rt.CreateZone("", ZoneSettings{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for empty id, got %v", err)
	}
	if _, err := rt.CreateZone("neg", ZoneSettings{Workers: -1}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for negative workers, got %v", err)
	}
	if _, err := rt.CreateZone(HostZoneId, ZoneSettings{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for reserved id, got %v", err)
	}

	got, err := rt.Zone("z1")
	if err != nil || got != z {
		t.Errorf("Zone(z1) = %v, %v", got, err)
	}
	if _, err := rt.Zone("missing"); !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("Expected ErrZoneNotFound, got %v", err)
	}
}

func TestRuntime_CreateZone_EngineErrors(t *testing.T) {
	f := &mockFactory{err: errors.New("factory error")}
	rt, err := NewRuntime(WithJsEngine(f.factory()))
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	defer rt.Close()

	if _, err := rt.CreateZone("z", ZoneSettings{}); err == nil {
		t.Error("Expected factory error")
	}
	if _, err := rt.Zone("z"); !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("Failed zone should not be registered, got %v", err)
	}

	// The second worker fails its init script: the first one is stopped again
	f.err = nil
	n := 0
	f.configure = func(m *mockEngine) {
		n++
		if n == 2 {
			m.runFunc = func(*JsScript) error { return errors.New("init failed") }
		}
	}
	_, err = rt.CreateZone("z", ZoneSettings{Workers: 2, InitScripts: []*JsScript{{Content: "init"}}})
	if err == nil {
		t.Fatal("Expected init error")
	}
	for i, m := range f.created() {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if !closed {
			t.Errorf("engine %d not closed", i)
		}
	}
}

func TestRuntime_GetOrCreateZone(t *testing.T) {
	rt := newTestRuntime(t)

	z1, err := rt.GetOrCreateZone("z", ZoneSettings{Workers: 1})
	if err != nil {
		t.Fatalf("GetOrCreateZone failed: %v", err)
	}
	z2, err := rt.GetOrCreateZone("z", ZoneSettings{Workers: 3})
	if err != nil || z1 != z2 {
		t.Errorf("Expected the same zone, got %v, %v", z2, err)
	}
	if z2.WorkerCount() != 1 {
		t.Errorf("Settings of the existing zone should win, got %d workers", z2.WorkerCount())
	}

	if err := z1.Recycle(); err != nil {
		t.Fatalf("Recycle failed: %v", err)
	}
	if _, err := rt.GetOrCreateZone("z", ZoneSettings{}); err != nil && !errors.Is(err, ErrZoneRecycled) {
		t.Errorf("Expected success or ErrZoneRecycled, got %v", err)
	}
}

func TestRuntime_HostZone(t *testing.T) {
	rt := newTestRuntime(t)

	host, err := rt.HostZone()
	if err != nil {
		t.Fatalf("HostZone failed: %v", err)
	}
	again, _ := rt.HostZone()
	if host != again || host.ID() != HostZoneId || host.WorkerCount() != 1 {
		t.Errorf("Unexpected host zone %s with %d workers", host.ID(), host.WorkerCount())
	}
	if err := host.Recycle(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected host zone recycle to fail, got %v", err)
	}
	if host.State() != ZoneStateActive {
		t.Errorf("Host zone state = %s", host.State())
	}
}

func TestRuntime_Zones(t *testing.T) {
	rt := newTestRuntime(t)
	for _, id := range []string{"c", "a", "b"} {
		if _, err := rt.CreateZone(id, ZoneSettings{Workers: 1}); err != nil {
			t.Fatalf("CreateZone %s failed: %v", id, err)
		}
	}
	var ids []string
	for _, z := range rt.Zones() {
		ids = append(ids, z.ID())
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("Zones() = %v", ids)
	}
}

func TestRuntime_Close(t *testing.T) {
	f := &mockFactory{}
	rt, err := NewRuntime(WithJsEngine(f.factory()))
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	z, _ := rt.CreateZone("z", ZoneSettings{Workers: 2})
	host, _ := rt.HostZone()

	if err := rt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, zone := range []*Zone{z, host} {
		select {
		case <-zone.Done():
		default:
			t.Errorf("zone %s not terminated", zone.ID())
		}
		if zone.State() != ZoneStateTerminated {
			t.Errorf("zone %s state = %s", zone.ID(), zone.State())
		}
	}
	for i, m := range f.created() {
		if !m.closed {
			t.Errorf("engine %d not closed", i)
		}
	}
	if len(rt.Zones()) != 0 {
		t.Error("Expected no zones after Close")
	}
	if _, err := rt.CreateZone("late", ZoneSettings{}); !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("Expected ErrRuntimeClosed, got %v", err)
	}
	if rt.Stores().Count() != 0 {
		t.Errorf("Expected the function store to be destroyed, %d stores left", rt.Stores().Count())
	}
	if err := rt.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

// point is a user transportable used to check constructor registration.
type point struct{ X, Y float64 }

func (p *point) Cid() string { return "test.point" }

func (p *point) Save(payload map[string]any, ctx *transport.Context) error {
	payload["x"], payload["y"] = p.X, p.Y
	return nil
}

func loadPoint(payload map[string]any, ctx *transport.Context) (transport.Transportable, error) {
	x, _ := payload["x"].(float64)
	y, _ := payload["y"].(float64)
	return &point{X: x, Y: y}, nil
}

func TestRuntime_WithTransportable(t *testing.T) {
	rt := newTestRuntime(t, WithTransportable("test.point", loadPoint))
	if !rt.Registry().Has("test.point") {
		t.Fatal("host registry misses test.point")
	}

	z, err := rt.CreateZone("z", ZoneSettings{Workers: 1})
	if err != nil {
		t.Fatalf("CreateZone failed: %v", err)
	}
	res, err := z.ExecuteSync("", "echo", []any{&point{X: 1, Y: 2}})
	if err != nil {
		t.Fatalf("ExecuteSync failed: %v", err)
	}
	v, err := res.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if p, ok := v.(*point); !ok || *p != (point{1, 2}) {
		t.Errorf("Expected point round trip, got %#v", v)
	}

	if _, err := NewRuntime(WithJsEngine(mockEngineFactory()), WithTransportable("", loadPoint)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
	_, err = NewRuntime(WithJsEngine(mockEngineFactory()), WithTransportable(lock.Cid, loadPoint))
	if !errors.Is(err, transport.ErrDuplicateRegistration) {
		t.Errorf("Expected ErrDuplicateRegistration, got %v", err)
	}
}

// testWriter sends log output to the test log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
