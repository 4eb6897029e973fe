// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/buke/js-zone/functions"
	"github.com/buke/js-zone/transport"
)

// Globals installed in every worker engine.
const (
	GlobalZoneId   = "__zoneId"
	GlobalWorkerId = "__workerId"
)

// workerAction represents an action that can be performed on a worker.
type workerAction int

const (
	actionStop workerAction = iota // Stop the worker once its queue is drained
)

// String returns the string representation of a workerAction.
func (a workerAction) String() string {
	switch a {
	case actionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// workerActionRequest represents a request to perform an action on a worker.
type workerActionRequest struct {
	action workerAction // The action to perform
	done   chan error   // Channel to signal completion and return any error
}

// worker is one isolated execution context: an engine, a constructor
// registry and a function cache, all confined to one OS thread.
type worker struct {
	zone     *Zone  // Owning zone
	name     string // Human-readable name for the worker
	workerId uint32 // Index of the worker within its zone

	taskQueue   chan *task                // Channel for receiving tasks to execute
	actionQueue chan *workerActionRequest // Channel for receiving control actions
	initCh      chan error                // Channel to signal initialization completion

	lastUsedNano int64  // Timestamp of last task execution (atomic, nanoseconds)
	taskCount    uint32 // Number of tasks executed by this worker (atomic)

	jsEngine  JsEngine               // JavaScript engine instance
	registry  *transport.Registry    // Constructors known to this worker
	functions *functions.Transporter // Functions compiled in this worker
}

// newWorker creates a new worker instance.
func newWorker(zone *Zone, workerId uint32) *worker {
	return &worker{
		zone:         zone,
		name:         fmt.Sprintf("%s-worker-%d", zone.id, workerId),
		workerId:     workerId,
		taskQueue:    make(chan *task, zone.runtime.options.queueSize),
		actionQueue:  make(chan *workerActionRequest, 1),
		initCh:       make(chan error, 1),
		lastUsedNano: time.Now().UnixNano(),
	}
}

// getTaskCount returns the number of tasks executed by this worker (thread-safe).
func (w *worker) getTaskCount() uint32 {
	return atomic.LoadUint32(&w.taskCount)
}

// getLastUsed returns the timestamp of the last task execution (thread-safe).
func (w *worker) getLastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastUsedNano))
}

// initEngine creates the engine and registry and runs the init scripts.
func (w *worker) initEngine() error {
	rt := w.zone.runtime

	registry, err := rt.newRegistry()
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}
	w.registry = registry

	jsEngine, err := rt.engineFactory()
	if err != nil {
		return fmt.Errorf("failed to create JS engine: %w", err)
	}
	w.jsEngine = jsEngine
	w.functions = functions.NewTransporter(rt.stores.WithRegistry(registry), jsEngine.Define)

	if err := w.jsEngine.SetGlobal(GlobalZoneId, w.zone.id); err != nil {
		return fmt.Errorf("failed to set global %s: %w", GlobalZoneId, err)
	}
	if err := w.jsEngine.SetGlobal(GlobalWorkerId, w.workerId); err != nil {
		return fmt.Errorf("failed to set global %s: %w", GlobalWorkerId, err)
	}
	for _, g := range rt.globals {
		if err := w.jsEngine.SetGlobal(g.name, g.value); err != nil {
			return fmt.Errorf("failed to set global %s: %w", g.name, err)
		}
	}

	scripts := rt.getInitScripts()
	scripts = append(scripts[:len(scripts):len(scripts)], w.zone.settings.InitScripts...)
	for _, script := range scripts {
		if err := w.jsEngine.Run(script); err != nil {
			return fmt.Errorf("failed to init JS engine: %w", err)
		}
	}
	return nil
}

// close releases the engine and the function store reference.
func (w *worker) close() error {
	if w.functions != nil {
		w.functions.Close()
		w.functions = nil
	}
	if w.jsEngine == nil {
		return nil
	}
	err := w.jsEngine.Close()
	w.jsEngine = nil
	return err
}

// run is the main worker loop that processes tasks and actions.
func (w *worker) run() {
	// Lock this goroutine to an OS thread: an engine heap is never touched
	// from two threads
	runtime.LockOSThread()
	logger := w.zone.runtime.logger

	// Cleanup when the worker exits
	defer func() {
		if err := w.close(); err != nil && logger != nil {
			logger.Error("Failed to close JS engine",
				"worker", w.name,
				"error", err)
		}
	}()

	// Use a queue to store all pending actions
	var pendingActions []*workerActionRequest

	if err := w.initEngine(); err != nil {
		// Release the engine before the pool learns about the failure
		_ = w.close()
		w.initCh <- err
		close(w.initCh)
		if logger != nil {
			logger.Error("Failed to initialize JS engine",
				"worker", w.name,
				"error", err,
			)
		}
		return
	}
	w.initCh <- nil
	close(w.initCh)

	for {
		// Execute pending actions only once the task queue is drained
		for len(pendingActions) > 0 && len(w.taskQueue) == 0 {
			action := pendingActions[0]
			pendingActions = pendingActions[1:]
			w.executeAction(action)
		}

		select {
		case task, ok := <-w.taskQueue:
			if !ok || task == nil {
				return // Channel closed, exit the worker
			}
			w.executeTask(task)
		case actionReq, ok := <-w.actionQueue:
			if !ok {
				return
			}
			pendingActions = append(pendingActions, actionReq)
		}
	}
}

// executeAction executes a worker action.
func (w *worker) executeAction(req *workerActionRequest) {
	logger := w.zone.runtime.logger
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("Panic recovered in executeAction", "worker", w.name, "action", req.action.String(), "error", r)
			}
			req.done <- fmt.Errorf("panic in executeAction: %v", r)
		}
	}()

	switch req.action {
	case actionStop:
		err := w.close()
		if err != nil && logger != nil {
			logger.Error("Failed to close JS engine",
				"worker", w.name,
				"error", err)
		}
		req.done <- err
	default:
		req.done <- nil
	}
}

// executeTask runs one task, unless its caller already gave up on it.
func (w *worker) executeTask(t *task) {
	if !t.transition(taskStatusQueued, taskStatusDispatched) {
		// Timed out while queued: nobody is waiting for the result
		t.releaseContext()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if logger := w.zone.runtime.logger; logger != nil {
				logger.Error("Task execution panic",
					"worker", w.name,
					"requestId", t.request.Id,
					"error", r)
			}
			t.complete(&response{
				Code:         CodeInternalError,
				ErrorMessage: fmt.Sprintf("panic in worker %s: %v", w.name, r),
			})
		}
		atomic.StoreInt64(&w.lastUsedNano, time.Now().UnixNano())
		atomic.AddUint32(&w.taskCount, 1)
	}()

	t.complete(w.handle(t.request))
}

// handle runs a request against the engine.
func (w *worker) handle(req *request) *response {
	if req.Script != nil {
		if err := w.jsEngine.Run(req.Script); err != nil {
			return &response{Code: CodeExecuteError, ErrorMessage: err.Error()}
		}
		return &response{Code: CodeSuccess}
	}

	args := make([]any, len(req.Arguments))
	for i, payload := range req.Arguments {
		v, err := transport.Unmarshal(payload, req.ctx, w.registry)
		if err != nil {
			return &response{Code: CodeBadRequest, ErrorMessage: fmt.Sprintf("argument %d: %v", i, err)}
		}
		args[i] = v
	}

	if req.Module == FunctionModule {
		if _, err := w.functions.Load(req.Function); err != nil {
			return &response{Code: CodeExecuteError, ErrorMessage: err.Error()}
		}
	}

	result, err := w.jsEngine.Call(&JsCall{Module: req.Module, Function: req.Function, Args: args})
	if err != nil {
		return &response{Code: CodeExecuteError, ErrorMessage: err.Error()}
	}

	payload, err := transport.Marshal(result, req.ctx)
	if err != nil {
		return &response{Code: CodeBadRequest, ErrorMessage: fmt.Sprintf("return value: %v", err)}
	}
	return &response{Code: CodeSuccess, ReturnValue: payload}
}

// stop asks the worker to stop once its queue is drained and waits for it.
func (w *worker) stop() error {
	req := &workerActionRequest{
		action: actionStop,
		done:   make(chan error, 1),
	}
	w.actionQueue <- req
	err := <-req.done
	// Close channels to prevent further operations
	close(w.taskQueue)
	close(w.actionQueue)
	return err
}
