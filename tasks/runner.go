// Package tasks runs fire-and-forget background work with an explicit
// error-reporting channel. The propagation engine uses it to detach
// cascades from the mutating request: the caller gets its response as soon
// as its own write commits, while deletion/narrowing and cache
// invalidation complete in the background.
package tasks

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// TaskError pairs a failed task's name with its error.
type TaskError struct {
	Task string
	Err  error
}

func (e TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e TaskError) Unwrap() error { return e.Err }

// Runner executes named functions on background goroutines. Panics are
// recovered and reported as errors. The zero value is not usable;
// construct with NewRunner.
type Runner struct {
	wg   sync.WaitGroup
	errs chan TaskError

	mu     sync.Mutex
	closed bool
}

// NewRunner returns a runner whose errors are drained to the process log.
// Use NewRunnerWithErrors to consume the error channel yourself.
func NewRunner() *Runner {
	r := NewRunnerWithErrors(16)
	go func() {
		for te := range r.errs {
			log.Printf("[loft] background %v", te)
		}
	}()
	return r
}

// NewRunnerWithErrors returns a runner with an unconsumed error channel of
// the given capacity. The caller owns draining Errors(); when the buffer
// is full further errors are dropped rather than blocking tasks.
func NewRunnerWithErrors(buffer int) *Runner {
	return &Runner{errs: make(chan TaskError, buffer)}
}

// Errors exposes the error-reporting channel.
func (r *Runner) Errors() <-chan TaskError {
	return r.errs
}

// Go runs fn on a new goroutine. The context is the caller's detached
// responsibility: cascades run to completion, so pass context.Background()
// unless the work is genuinely cancelable.
func (r *Runner) Go(ctx context.Context, name string, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.report(TaskError{Task: name, Err: fmt.Errorf("panic: %v", rec)})
			}
		}()
		if err := fn(ctx); err != nil {
			r.report(TaskError{Task: name, Err: err})
		}
	}()
}

func (r *Runner) report(te TaskError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.errs <- te:
	default:
	}
}

// Wait blocks until every task started so far has finished. Tests use it
// to observe cascade results deterministically.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close waits for running tasks and closes the error channel.
func (r *Runner) Close() {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.errs)
	}
}

// Inline is a Runner-compatible executor that runs tasks synchronously on
// the calling goroutine. It trades the eventual-consistency window for
// determinism; embedders wanting stronger consistency can wire it in place
// of a Runner.
type Inline struct{}

func (Inline) Go(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		log.Printf("[loft] background task %s: %v", name, err)
	}
}

// Executor abstracts Runner and Inline for the propagation engine.
type Executor interface {
	Go(ctx context.Context, name string, fn func(context.Context) error)
}
