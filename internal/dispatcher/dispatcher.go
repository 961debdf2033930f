// Package dispatcher schedules persisted download tasks under a concurrency
// limit and reconciles transfer events back into the repository.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
	"github.com/tinoosan/titan/internal/downloader"
	"github.com/tinoosan/titan/internal/metrics"
	"github.com/tinoosan/titan/internal/repo"
	"github.com/tinoosan/titan/internal/resolver"
	"github.com/tinoosan/titan/internal/worker"
)

const (
	defaultMaxConcurrent = 3
	defaultFlushInterval = time.Second
)

// Resolver allocates the final and temp paths of a task.
type Resolver interface {
	Resolve(ctx context.Context, t *data.Task) (resolver.Resolved, error)
}

// Runner executes named background work.
type Runner interface {
	EnqueueUnique(name string, policy worker.Policy, fn func(ctx context.Context)) bool
	Cancel(names ...string)
	Prune()
	Shutdown(ctx context.Context) error
}

type fsOps interface {
	Remove(string) error
	Stat(string) (os.FileInfo, error)
}

type osFS struct{}

func (osFS) Remove(p string) error              { return os.Remove(p) }
func (osFS) Stat(p string) (os.FileInfo, error) { return os.Stat(p) }

type Options struct {
	Repo       repo.TaskRepo
	Resolver   Resolver
	Strategies downloader.Strategies
	// Runner defaults to an in-process worker.Runner.
	Runner Runner
	// Hub defaults to a new broadcast.Hub.
	Hub           *broadcast.Hub
	Logger        *slog.Logger
	MaxConcurrent int
	// FlushInterval is how often buffered progress is written to Repo.
	FlushInterval time.Duration
	Now           func() time.Time
}

// Dispatcher owns the in-memory scheduling state: which tasks are preparing
// or running, and a view of every task that is authoritative over the
// repository while the process lives.
//
// Lock order is mu before viewMu. progMu is a leaf lock.
type Dispatcher struct {
	repo          repo.TaskRepo
	resolver      Resolver
	strategies    downloader.Strategies
	runner        Runner
	hub           *broadcast.Hub
	log           *slog.Logger
	now           func() time.Time
	fs            fsOps
	flushInterval time.Duration

	mu        sync.Mutex
	max       int
	running   map[int64]string // id -> run id
	preparing map[int64]string
	started   bool
	stopping  bool

	viewMu sync.RWMutex
	view   map[int64]*data.Task

	progMu  sync.Mutex
	pending map[int64]data.Progress

	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	sched    gocron.Scheduler
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		repo:          opts.Repo,
		resolver:      opts.Resolver,
		strategies:    opts.Strategies,
		runner:        opts.Runner,
		hub:           opts.Hub,
		log:           opts.Logger,
		now:           opts.Now,
		fs:            osFS{},
		flushInterval: opts.FlushInterval,
		max:           opts.MaxConcurrent,
		running:       make(map[int64]string),
		preparing:     make(map[int64]string),
		view:          make(map[int64]*data.Task),
		pending:       make(map[int64]data.Progress),
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	// Tag this instance with a stable operation_id for easier correlation.
	d.log = d.log.With("component", "dispatcher", "operation_id", uuid.NewString())
	if d.runner == nil {
		d.runner = worker.New(d.log)
	}
	if d.hub == nil {
		d.hub = broadcast.NewHub()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.max <= 0 {
		d.max = defaultMaxConcurrent
	}
	if d.flushInterval <= 0 {
		d.flushInterval = defaultFlushInterval
	}
	return d
}

// Start rehydrates state left by a previous process, then begins scheduling.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	if err := d.rehydrate(ctx); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("rehydrate: %w", err)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("progress scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(d.flushInterval),
		gocron.NewTask(d.flushProgress),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		d.mu.Unlock()
		return fmt.Errorf("progress flush job: %w", err)
	}
	s.Start()
	d.sched = s
	d.started = true
	go d.loop()
	d.mu.Unlock()

	d.log.Info("dispatcher started", "max_concurrent", d.MaxConcurrent(), "tasks", d.viewLen())
	d.kick()
	return nil
}

// rehydrate resets tasks that were bound to work when the previous process
// exited and loads the view. Called with mu held.
func (d *Dispatcher) rehydrate(ctx context.Context) error {
	active, err := d.repo.ActiveTasks(ctx)
	if err != nil {
		return err
	}
	now := d.now()
	for _, t := range active {
		target := data.StatusReady
		if t.Status == data.StatusPreparing || !t.Resolved() {
			target = data.StatusQueued
		}
		if err := d.write("update_status", func() error {
			return d.repo.UpdateStatus(ctx, t.ID, target, now)
		}); err != nil {
			return err
		}
		d.runner.Cancel(workNames(t.ID)...)
		d.log.Info("rehydrated task", "id", t.ID, "from", t.Status, "to", target)
	}
	d.runner.Prune()

	all, err := d.repo.List(ctx, data.Query{Scope: data.ScopeAll, Order: data.OrderAsc})
	if err != nil {
		return err
	}
	d.viewMu.Lock()
	for _, t := range all {
		t.SpeedBps = 0
		d.view[t.ID] = t
	}
	d.viewMu.Unlock()
	return nil
}

// Stop ends scheduling and cancels in-flight work. Running tasks stay
// RUNNING in the repository so the next Start picks them up again.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	d.mu.Unlock()

	close(d.quit)
	<-d.loopDone

	var errs []error
	if err := d.runner.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runner: %w", err))
	}
	if err := d.sched.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	d.flushProgress()
	d.log.Info("dispatcher stopped")
	return errors.Join(errs...)
}

// Enqueue validates every request, persists them as QUEUED tasks and
// triggers scheduling. Nothing is inserted when any request is invalid.
func (d *Dispatcher) Enqueue(ctx context.Context, reqs ...data.Request) ([]int64, error) {
	if len(reqs) == 0 {
		return nil, data.ErrInvalidRequest
	}
	now := d.now()
	tasks := make(data.Tasks, 0, len(reqs))
	for i, r := range reqs {
		r.URL = strings.TrimSpace(r.URL)
		k, err := downloader.KindFor(r.URL)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		if _, err := d.strategies.For(k); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		tasks = append(tasks, data.NewTask(r, now))
	}

	// mu is held until the view holds the new rows. A scheduling pass must
	// never find a task in the repository that the view is missing.
	d.mu.Lock()
	var ids []int64
	err := d.write("insert", func() error {
		var err error
		ids, err = d.repo.Insert(ctx, tasks...)
		return err
	})
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.viewMu.Lock()
	for i, t := range tasks {
		t.ID = ids[i]
		d.view[t.ID] = t.Clone()
	}
	d.viewMu.Unlock()
	for _, t := range tasks {
		d.publish(t, broadcast.KindStatus)
	}
	d.mu.Unlock()

	metrics.TaskEvents.WithLabelValues("enqueue").Add(float64(len(tasks)))
	d.log.Info("enqueued tasks", "ids", ids)
	d.kick()
	return ids, nil
}

// UpdateConfig changes the concurrency limit. Raising it promotes waiting
// tasks right away; lowering it never interrupts running ones.
func (d *Dispatcher) UpdateConfig(maxConcurrent int) error {
	if maxConcurrent <= 0 {
		return data.ErrBadConcurrency
	}
	d.mu.Lock()
	old := d.max
	d.max = maxConcurrent
	d.mu.Unlock()
	if old != maxConcurrent {
		d.log.Info("concurrency limit changed", "from", old, "to", maxConcurrent)
	}
	d.kick()
	return nil
}

func (d *Dispatcher) MaxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.max
}

// RunningCount is the number of tasks currently bound to download work.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Subscribe registers a listener for task updates.
func (d *Dispatcher) Subscribe(buffer int) *broadcast.Subscription {
	return d.hub.Subscribe(buffer)
}

// write runs a repository mutation, recording its latency and failures.
func (d *Dispatcher) write(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RepoWriteLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RepoWriteErrors.WithLabelValues(op).Inc()
		d.log.Error("repository write failed", "op", op, "err", err)
	}
	return err
}

func (d *Dispatcher) publish(t *data.Task, kind broadcast.UpdateKind) {
	d.hub.Publish(broadcast.Update{Task: *t.Clone(), Kind: kind})
}

func (d *Dispatcher) removeFile(p string) {
	if p == "" {
		return
	}
	if err := d.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log.Warn("remove file", "path", p, "err", err)
	}
}

// removePlaceholder deletes p only when it is the empty file reserved by
// path resolution.
func (d *Dispatcher) removePlaceholder(p string) {
	if p == "" {
		return
	}
	fi, err := d.fs.Stat(p)
	if err != nil || fi.IsDir() || fi.Size() != 0 {
		return
	}
	d.removeFile(p)
}

func (d *Dispatcher) updateGauges() {
	metrics.RunningTasks.Set(float64(len(d.running)))
	metrics.PreparingTasks.Set(float64(len(d.preparing)))
}

func downloadName(id int64) string { return fmt.Sprintf("titan_downloader_%d", id) }
func prepareName(id int64) string  { return fmt.Sprintf("titan_prepare_%d", id) }

// workNames lists every name work for id may run under, including the bare
// id used by older records.
func workNames(id int64) []string {
	return []string{downloadName(id), prepareName(id), fmt.Sprint(id)}
}
