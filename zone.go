// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buke/js-zone/transport"
)

// HostZoneId is the id of the virtual zone standing for the host process.
const HostZoneId = "node"

// ZoneState is the lifecycle state of a zone.
type ZoneState int32

const (
	ZoneStateActive     ZoneState = iota // Accepting broadcast and execute
	ZoneStateRecycling                   // Draining queued work, rejecting new work
	ZoneStateTerminated                  // All workers have exited
)

// String returns the string representation of a ZoneState.
func (s ZoneState) String() string {
	switch s {
	case ZoneStateActive:
		return "active"
	case ZoneStateRecycling:
		return "recycling"
	case ZoneStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ZoneSettings describes a zone to create.
type ZoneSettings struct {
	Workers     int         // Number of workers, 0 means the default of 2
	InitScripts []*JsScript // Scripts run on each worker after the runtime's init scripts
}

const defaultZoneWorkers = 2

// Zone is a named pool of isolated workers.
type Zone struct {
	id         string
	runtime    *Runtime
	settings   ZoneSettings
	pool       *pool
	recyclable bool

	mu    sync.RWMutex // Held shared while enqueueing, exclusive to change state
	state ZoneState
	done  chan struct{}
}

// ExecuteOption configures a single execute request.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	timeout  time.Duration
	workerId uint32
	pinned   bool
}

// WithTimeout bounds how long the caller waits for the result. Zero
// waits forever. The remote call is not interrupted.
func WithTimeout(timeout time.Duration) ExecuteOption {
	return func(o *executeOptions) {
		if timeout >= 0 {
			o.timeout = timeout
		}
	}
}

// WithWorker pins the request to the worker with the given index.
func WithWorker(workerId uint32) ExecuteOption {
	return func(o *executeOptions) {
		o.workerId = workerId
		o.pinned = true
	}
}

func newZone(rt *Runtime, id string, settings ZoneSettings, recyclable bool) *Zone {
	z := &Zone{
		id:         id,
		runtime:    rt,
		settings:   settings,
		recyclable: recyclable,
		state:      ZoneStateActive,
		done:       make(chan struct{}),
	}
	z.pool = newPool(z)
	return z
}

// ID returns the zone id.
func (z *Zone) ID() string {
	return z.id
}

// WorkerCount returns the number of workers in the zone.
func (z *Zone) WorkerCount() int {
	return len(z.pool.workers)
}

// State returns the current lifecycle state.
func (z *Zone) State() ZoneState {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.state
}

// Done is closed once the zone is terminated.
func (z *Zone) Done() <-chan struct{} {
	return z.done
}

// admit runs enqueue while the zone is guaranteed to stay active.
func (z *Zone) admit(enqueue func() error) error {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if z.state != ZoneStateActive {
		return fmt.Errorf("%w: %s", ErrZoneRecycled, z.id)
	}
	return enqueue()
}

// BroadcastSync runs source on every worker and waits for all of them.
func (z *Zone) BroadcastSync(source string) error {
	if source == "" {
		return fmt.Errorf("%w: empty broadcast source", ErrInvalidArgument)
	}
	timeout := z.runtime.options.executeTimeout
	newRequest := func() *request {
		return &request{
			Id:      uuid.NewString(),
			Script:  &JsScript{Content: source, FileName: "broadcast@" + z.id},
			Timeout: timeout,
		}
	}

	var (
		tasks []*task
		errs  []error
	)
	if err := z.admit(func() error {
		tasks, errs = z.pool.dispatchAll(newRequest)
		return nil
	}); err != nil {
		return err
	}
	return z.pool.waitAll(tasks, errs)
}

// Broadcast is the asynchronous form of BroadcastSync.
func (z *Zone) Broadcast(source string) *Future[struct{}] {
	return goFuture(func() (struct{}, error) {
		return struct{}{}, z.BroadcastSync(source)
	})
}

// BroadcastFunctionSync runs fn on every worker with JSON-encoded args.
func (z *Zone) BroadcastFunctionSync(fn Function, args ...any) error {
	source, err := fn.invocation(args)
	if err != nil {
		return err
	}
	return z.BroadcastSync(source)
}

// BroadcastFunction is the asynchronous form of BroadcastFunctionSync.
func (z *Zone) BroadcastFunction(fn Function, args ...any) *Future[struct{}] {
	return goFuture(func() (struct{}, error) {
		return struct{}{}, z.BroadcastFunctionSync(fn, args...)
	})
}

// ExecuteSync calls module.function(args...) on one worker. The caller
// owns the returned result and should call Value or Release.
func (z *Zone) ExecuteSync(module, function string, args []any, opts ...ExecuteOption) (*ExecuteResult, error) {
	if function == "" {
		return nil, fmt.Errorf("%w: empty function name", ErrInvalidArgument)
	}

	options := &executeOptions{timeout: z.runtime.options.executeTimeout}
	for _, opt := range opts {
		opt(options)
	}

	ctx := transport.NewContext()
	payloads := make([]string, len(args))
	for i, arg := range args {
		payload, err := transport.Marshal(arg, ctx)
		if err != nil {
			ctx.Release()
			return nil, fmt.Errorf("%w: argument %d: %w", ErrInvalidArgument, i, err)
		}
		payloads[i] = payload
	}

	t := newTask(&request{
		Id:        uuid.NewString(),
		Module:    module,
		Function:  function,
		Arguments: payloads,
		Timeout:   options.timeout,
		ctx:       ctx,
	})
	if err := z.admit(func() error { return z.pool.dispatch(t, options) }); err != nil {
		ctx.Release()
		return nil, err
	}

	resp, err := z.pool.wait(t)
	if err != nil {
		// The worker owns ctx now and releases it with the late result
		return nil, err
	}
	if resp.Code != CodeSuccess {
		ctx.Release()
		return nil, &RemoteError{Code: resp.Code, Message: resp.ErrorMessage}
	}
	return newExecuteResult(resp.ReturnValue, ctx, z.runtime.registry), nil
}

// Execute is the asynchronous form of ExecuteSync.
func (z *Zone) Execute(module, function string, args []any, opts ...ExecuteOption) *Future[*ExecuteResult] {
	return goFuture(func() (*ExecuteResult, error) {
		return z.ExecuteSync(module, function, args, opts...)
	})
}

// ExecuteFunctionSync transports fn through the shared function store and
// calls it on one worker.
func (z *Zone) ExecuteFunctionSync(fn Function, args []any, opts ...ExecuteOption) (*ExecuteResult, error) {
	hash, err := z.runtime.functions.Save(string(fn))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return z.ExecuteSync(FunctionModule, hash, args, opts...)
}

// ExecuteFunction is the asynchronous form of ExecuteFunctionSync.
func (z *Zone) ExecuteFunction(fn Function, args []any, opts ...ExecuteOption) *Future[*ExecuteResult] {
	return goFuture(func() (*ExecuteResult, error) {
		return z.ExecuteFunctionSync(fn, args, opts...)
	})
}

// Recycle stops accepting work and shuts the workers down once their
// queues drain. It returns without waiting; use Done to wait.
func (z *Zone) Recycle() error {
	if !z.recyclable {
		return fmt.Errorf("%w: zone %s cannot be recycled", ErrInvalidArgument, z.id)
	}
	z.recycle()
	return nil
}

func (z *Zone) recycle() {
	z.mu.Lock()
	if z.state != ZoneStateActive {
		z.mu.Unlock()
		return
	}
	z.state = ZoneStateRecycling
	z.mu.Unlock()

	logger := z.runtime.logger
	if logger != nil {
		logger.Debug("Zone recycling", "zone", z.id)
	}

	go func() {
		if err := z.pool.stop(); err != nil && logger != nil {
			logger.Error("Failed to stop zone workers", "zone", z.id, "error", err)
		}
		z.mu.Lock()
		z.state = ZoneStateTerminated
		z.mu.Unlock()
		z.runtime.removeZone(z)
		close(z.done)

		if logger != nil {
			logger.Debug("Zone terminated", "zone", z.id)
		}
	}()
}

// Function is the source text of a script function expression, such as
// "function (a, b) { return a + b; }". Free variables are not captured.
type Function string

// invocation renders fn applied to args as a self-invoking script.
func (fn Function) invocation(args []any) (string, error) {
	if fn == "" {
		return "", fmt.Errorf("%w: empty function", ErrInvalidArgument)
	}
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: function arguments: %w", ErrInvalidArgument, err)
	}
	return fmt.Sprintf("(%s).apply(this, %s);", fn, encoded), nil
}
