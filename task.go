// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"sync/atomic"
	"time"

	"github.com/buke/js-zone/transport"
)

// taskStatus represents the current status of a task.
type taskStatus int32

const (
	taskStatusQueued     taskStatus = iota // Task is waiting in a worker queue
	taskStatusDispatched                   // Task is being executed by a worker
	taskStatusCompleted                    // Task finished with CodeSuccess
	taskStatusFailed                       // Task finished with a non-zero code
	taskStatusTimedOut                     // Caller stopped waiting for the task
)

// String returns the string representation of a taskStatus.
func (s taskStatus) String() string {
	switch s {
	case taskStatusQueued:
		return "queued"
	case taskStatusDispatched:
		return "dispatched"
	case taskStatusCompleted:
		return "completed"
	case taskStatusFailed:
		return "failed"
	case taskStatusTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// request is what crosses into a worker. A broadcast carries Script; an
// execute carries Module, Function and independently marshalled Arguments.
type request struct {
	Id        string             // Correlation id
	Module    string             // Module name ("" for global scope)
	Function  string             // Function name or function hash
	Arguments []string           // Marshalled arguments
	Script    *JsScript          // Broadcast script
	Timeout   time.Duration      // Caller-side timeout, 0 waits forever
	ctx       *transport.Context // Transport context of the round trip
}

// response is what crosses back from a worker.
type response struct {
	Code         ResultCode // CodeSuccess or the failure code
	ReturnValue  string     // Marshalled return value
	ErrorMessage string     // Remote error message when Code is not CodeSuccess
}

// task represents a unit of work to be executed by a worker.
type task struct {
	request    *request       // Request to execute
	resultChan chan *response // Channel to receive the response
	status     atomic.Int32   // Current taskStatus
}

// newTask creates a new task instance for the given request.
func newTask(req *request) *task {
	return &task{
		request:    req,
		resultChan: make(chan *response, 1), // Buffered so a worker never blocks on an abandoned task
	}
}

func (t *task) getStatus() taskStatus {
	return taskStatus(t.status.Load())
}

func (t *task) transition(from, to taskStatus) bool {
	return t.status.CompareAndSwap(int32(from), int32(to))
}

// abandon marks the task timed out. It reports false if the worker has
// already finished it, in which case the response is in resultChan.
func (t *task) abandon() bool {
	return t.transition(taskStatusQueued, taskStatusTimedOut) ||
		t.transition(taskStatusDispatched, taskStatusTimedOut)
}

// releaseContext drops the references held by the request's context.
func (t *task) releaseContext() {
	if t.request.ctx != nil {
		t.request.ctx.Release()
	}
}

// complete publishes resp unless the caller has given up, in which case
// the response is discarded together with its context.
func (t *task) complete(resp *response) {
	to := taskStatusCompleted
	if resp.Code != CodeSuccess {
		to = taskStatusFailed
	}
	if !t.transition(taskStatusDispatched, to) {
		t.releaseContext()
		return
	}
	t.resultChan <- resp
}
