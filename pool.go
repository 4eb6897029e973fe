// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// pool manages the fixed set of workers behind one zone.
type pool struct {
	zone            *Zone     // Owning zone
	workers         []*worker // Workers indexed by worker id
	roundRobinIndex uint32    // Current index for round-robin selection (atomic)
}

// newPool creates a new, not yet started, worker pool.
func newPool(z *Zone) *pool {
	return &pool{zone: z}
}

// start creates count workers and waits for each to initialize. If any
// worker fails, the ones already started are stopped.
func (p *pool) start(count int) error {
	workers := make([]*worker, 0, count)
	for i := 0; i < count; i++ {
		w := newWorker(p.zone, uint32(i))

		// Start the worker goroutine
		go w.run()

		// Wait for the worker to finish initialization
		if err := <-w.initCh; err != nil {
			for _, started := range workers {
				_ = started.stop()
			}
			return fmt.Errorf("worker %d initialization failed: %w", i, err)
		}
		workers = append(workers, w)
	}
	p.workers = workers

	if logger := p.zone.runtime.logger; logger != nil {
		opts := p.zone.runtime.options
		logger.Debug("Worker pool started",
			"zone", p.zone.id,
			"workers", len(p.workers),
			"queueSize", opts.queueSize,
			"enqueueTimeout", opts.enqueueTimeout,
			"executeTimeout", opts.executeTimeout,
			"selectThreshold", opts.selectThreshold,
		)
	}
	return nil
}

// stop drains and shuts down every worker.
func (p *pool) stop() error {
	var errs []error
	for _, w := range p.workers {
		if err := w.stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop worker %s: %w", w.name, err))
		}
	}

	if logger := p.zone.runtime.logger; logger != nil {
		logger.Debug("Worker pool stopped", "zone", p.zone.id, "workers", len(p.workers))
	}
	return errors.Join(errs...)
}

// selectWorker picks a worker for one execute request. A pinned worker
// wins; otherwise round-robin, skipping workers above the select threshold.
func (p *pool) selectWorker(opts *executeOptions) (*worker, error) {
	listLen := len(p.workers)
	if listLen == 0 {
		return nil, fmt.Errorf("no available worker in zone %s", p.zone.id)
	}

	// 1. Check if a specific worker is requested
	if opts.pinned {
		if int(opts.workerId) >= listLen {
			return nil, fmt.Errorf("%w: worker %d out of range [0,%d)", ErrInvalidArgument, opts.workerId, listLen)
		}
		return p.workers[opts.workerId], nil
	}

	// 2. Try to find a worker that's not too busy (load balancing)
	startIndex := atomic.AddUint32(&p.roundRobinIndex, 1) % uint32(listLen)
	queueThreshold := int(float64(p.zone.runtime.options.queueSize) * p.zone.runtime.options.selectThreshold)
	for i := 0; i < listLen; i++ {
		w := p.workers[(startIndex+uint32(i))%uint32(listLen)]
		if len(w.taskQueue) < queueThreshold {
			return w, nil
		}
	}

	// 3. If all workers are busy, return the next worker in round-robin order
	return p.workers[startIndex], nil
}

// enqueue places t on w's queue, waiting at most the enqueue timeout.
func (p *pool) enqueue(w *worker, t *task) error {
	timeout := p.zone.runtime.options.enqueueTimeout
	if timeout <= 0 {
		w.taskQueue <- t
		return nil
	}

	select {
	case w.taskQueue <- t:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case w.taskQueue <- t:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: worker %s queue is full", ErrTimeout, w.name)
	}
}

// wait blocks until t completes or its timeout elapses. On timeout the
// task is abandoned and the worker discards the late result.
func (p *pool) wait(t *task) (*response, error) {
	timeout := t.request.Timeout
	if timeout <= 0 {
		return <-t.resultChan, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-t.resultChan:
		return resp, nil
	case <-timer.C:
		if !t.abandon() {
			// The worker finished just in time
			return <-t.resultChan, nil
		}
		return nil, fmt.Errorf("%w: request %s after %s", ErrTimeout, t.request.Id, timeout)
	}
}

// dispatch enqueues t on one worker.
func (p *pool) dispatch(t *task, opts *executeOptions) error {
	w, err := p.selectWorker(opts)
	if err != nil {
		return err
	}
	if err := p.enqueue(w, t); err != nil {
		return err
	}

	if logger := p.zone.runtime.logger; logger != nil {
		logger.Debug("Request dispatched",
			"zone", p.zone.id,
			"worker", w.name,
			"requestId", t.request.Id,
			"module", t.request.Module,
			"function", t.request.Function)
	}
	return nil
}

// dispatchAll enqueues one task per worker. Every worker receives its
// task even if enqueueing on another one failed.
func (p *pool) dispatchAll(newRequest func() *request) ([]*task, []error) {
	tasks := make([]*task, len(p.workers))
	errs := make([]error, len(p.workers))
	for i, w := range p.workers {
		t := newTask(newRequest())
		if err := p.enqueue(w, t); err != nil {
			errs[i] = err
			continue
		}
		tasks[i] = t
	}
	return tasks, errs
}

// waitAll waits for every dispatched task and returns the first failure.
func (p *pool) waitAll(tasks []*task, errs []error) error {
	var g errgroup.Group
	for i, t := range tasks {
		if t == nil {
			err := errs[i]
			g.Go(func() error { return err })
			continue
		}
		g.Go(func() error {
			resp, err := p.wait(t)
			if err != nil {
				return err
			}
			if resp.Code != CodeSuccess {
				return &RemoteError{Code: resp.Code, Message: resp.ErrorMessage}
			}
			return nil
		})
	}
	return g.Wait()
}
