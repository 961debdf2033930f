// Package worker runs named units of background work.
//
// A name identifies at most one live unit. The runner does not limit how
// many units run at once; callers decide when to submit.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Policy decides what EnqueueUnique does when live work already holds the name.
type Policy int

const (
	// KeepExisting leaves live work alone and drops the new submission.
	KeepExisting Policy = iota
	// ReplaceExisting cancels live work and queues the new submission behind it.
	ReplaceExisting
)

type State int

const (
	StateUnknown State = iota
	StateRunning
	StateSucceeded
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
	state  State
}

// Runner executes work in goroutines keyed by name.
type Runner struct {
	mu     sync.Mutex
	jobs   map[string]*job
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	log    *slog.Logger
}

func New(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		jobs: make(map[string]*job),
		base: base,
		stop: stop,
		log:  log,
	}
}

// EnqueueUnique submits fn under name and reports whether it was accepted.
//
// When a canceled predecessor with the same name is still draining, fn
// starts only after it returns. fn always runs, even if its context is
// canceled before it starts, so it can report its own outcome.
func (r *Runner) EnqueueUnique(name string, policy Policy, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	prev := r.jobs[name]
	if prev != nil && prev.state == StateRunning {
		if policy == KeepExisting {
			return false
		}
		prev.state = StateCanceled
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(r.base)
	j := &job{cancel: cancel, done: make(chan struct{}), state: StateRunning}
	r.jobs[name] = j

	var wait <-chan struct{}
	if prev != nil {
		wait = prev.done
	}
	r.wg.Add(1)
	go r.run(ctx, name, j, wait, fn)
	return true
}

func (r *Runner) run(ctx context.Context, name string, j *job, wait <-chan struct{}, fn func(context.Context)) {
	defer r.wg.Done()
	defer close(j.done)
	defer j.cancel()
	if wait != nil {
		<-wait
	}
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("work panicked", "name", name, "panic", fmt.Sprint(p))
			}
		}()
		fn(ctx)
	}()
	r.mu.Lock()
	if j.state == StateRunning {
		j.state = StateSucceeded
	}
	r.mu.Unlock()
}

// Cancel signals the named work to stop without waiting for it.
func (r *Runner) Cancel(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if j := r.jobs[n]; j != nil && j.state == StateRunning {
			j.state = StateCanceled
			j.cancel()
		}
	}
}

// Active reports whether live work holds name.
func (r *Runner) Active(name string) bool {
	return r.State(name) == StateRunning
}

func (r *Runner) State(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j := r.jobs[name]; j != nil {
		return j.state
	}
	return StateUnknown
}

// Prune forgets work that has returned.
func (r *Runner) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n, j := range r.jobs {
		select {
		case <-j.done:
			delete(r.jobs, n)
		default:
		}
	}
}

// Shutdown cancels all work, rejects new submissions and waits for every
// unit to return or ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, j := range r.jobs {
		if j.state == StateRunning {
			j.state = StateCanceled
		}
	}
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
