// Package background runs detached pipeline work that must not block the request that started it.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Go after Shutdown has started.
var ErrClosed = errors.New("background runner is shut down")

// Task is one unit of detached work.
type Task func(ctx context.Context) error

// Runner executes tasks in their own goroutines, at most `concurrency` at a time.
// Task errors and panics are logged and swallowed.
type Runner struct {
	sem     *semaphore.Weighted
	timeout time.Duration

	// base outlives every request; Shutdown cancels it only after the grace period.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a runner. A non-positive timeout disables the per-task deadline.
func NewRunner(concurrency int, timeout time.Duration) *Runner {
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		sem:     semaphore.NewWeighted(int64(max(concurrency, 1))),
		timeout: timeout,
		base:    base,
		cancel:  cancel,
	}
}

// Go schedules task without waiting for it.
func (r *Runner) Go(name string, task Task) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(name, task)
	return nil
}

func (r *Runner) run(name string, task Task) {
	defer r.wg.Done()

	if err := r.sem.Acquire(r.base, 1); err != nil {
		slog.Error("background task dropped", "task", name, "error", err)
		return
	}
	defer r.sem.Release(1)

	ctx := r.base
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.base, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
			}
		}()
		return task(ctx)
	}()
	if err != nil {
		slog.Error("background task failed",
			"task", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return
	}
	slog.Debug("background task completed", "task", name, "duration_ms", time.Since(start).Milliseconds())
}

// Wait blocks until every scheduled task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones.
// When ctx expires first, running tasks are cancelled and Shutdown still waits for them to return.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return errors.Wrap(ctx.Err(), "background tasks cancelled before completion")
	}
}
