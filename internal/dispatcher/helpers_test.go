package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinoosan/titan/internal/data"
	"github.com/tinoosan/titan/internal/downloader"
	"github.com/tinoosan/titan/internal/repo"
	"github.com/tinoosan/titan/internal/resolver"
)

// stubStrategy runs until the test feeds it a terminal event or its context
// is canceled. On cancellation it reports what the checker says, unless a
// stop event is configured for the task.
type stubStrategy struct {
	mu        sync.Mutex
	calls     []int64
	ctrl      map[int64]chan downloader.Event
	stopEvent map[int64]downloader.EventType
	// touchOnStop tasks write an empty temp file once canceled, as a
	// transfer caught between its request and opening the file does.
	touchOnStop map[int64]bool
}

func newStubStrategy() *stubStrategy {
	return &stubStrategy{
		ctrl:        make(map[int64]chan downloader.Event),
		stopEvent:   make(map[int64]downloader.EventType),
		touchOnStop: make(map[int64]bool),
	}
}

func (s *stubStrategy) control(id int64) chan downloader.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.ctrl[id]
	if !ok {
		ch = make(chan downloader.Event)
		s.ctrl[id] = ch
	}
	return ch
}

func (s *stubStrategy) Download(ctx context.Context, t *data.Task, check downloader.StateChecker) <-chan downloader.Event {
	s.mu.Lock()
	s.calls = append(s.calls, t.ID)
	stop, hasStop := s.stopEvent[t.ID]
	touch := s.touchOnStop[t.ID]
	s.mu.Unlock()
	ctrl := s.control(t.ID)

	out := make(chan downloader.Event)
	go func() {
		defer close(out)
		for {
			select {
			case e := <-ctrl:
				e.ID = t.ID
				if e.Type == downloader.EventSuccess && e.FinalPath == "" {
					e.FinalPath, e.FileName = t.FinalPath, t.FileName
				}
				out <- e
				if e.Type.Terminal() {
					return
				}
			case <-ctx.Done():
				if touch {
					// Land after the command's own cleanup.
					time.Sleep(20 * time.Millisecond)
					_ = os.WriteFile(t.TempPath, nil, 0o644)
				}
				e := downloader.Event{ID: t.ID, Type: downloader.EventCanceled}
				if check() == downloader.SignalPaused {
					e.Type = downloader.EventPaused
				}
				if hasStop {
					e.Type = stop
					e.FinalPath, e.FileName = t.FinalPath, t.FileName
				}
				out <- e
				return
			}
		}
	}()
	return out
}

func (s *stubStrategy) send(t *testing.T, id int64, e downloader.Event) {
	t.Helper()
	select {
	case s.control(id) <- e:
	case <-time.After(2 * time.Second):
		t.Fatalf("task %d is not transferring", id)
	}
}

func (s *stubStrategy) callList() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.calls...)
}

// stubResolver allocates predictable paths under dir.
type stubResolver struct {
	dir   string
	mu    sync.Mutex
	calls []int64
	fail  map[int64]error
}

func (r *stubResolver) Resolve(ctx context.Context, t *data.Task) (resolver.Resolved, error) {
	r.mu.Lock()
	r.calls = append(r.calls, t.ID)
	err := r.fail[t.ID]
	r.mu.Unlock()
	if err != nil {
		return resolver.Resolved{}, err
	}
	name := fmt.Sprintf("%d.bin", t.ID)
	return resolver.Resolved{
		FinalPath: filepath.Join(r.dir, "final", name),
		TempPath:  filepath.Join(r.dir, "tmp", name+".tmp"),
		FileName:  name,
	}, nil
}

func (r *stubResolver) callList() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.calls...)
}

type harness struct {
	d     *Dispatcher
	repo  *repo.InMemoryTaskRepo
	strat *stubStrategy
	res   *stubResolver
	dir   string
}

// insertHookRepo runs hook after rows are stored and before Insert returns.
type insertHookRepo struct {
	*repo.InMemoryTaskRepo
	hook func()
}

func (r *insertHookRepo) Insert(ctx context.Context, tasks ...*data.Task) ([]int64, error) {
	ids, err := r.InMemoryTaskRepo.Insert(ctx, tasks...)
	if r.hook != nil {
		r.hook()
	}
	return ids, err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness builds a dispatcher over an in-memory repository. seed runs
// before Start so tests can plant rehydration state.
func newHarness(t *testing.T, max int, seed func(r *repo.InMemoryTaskRepo)) *harness {
	t.Helper()
	return newHarnessWithRepo(t, max, seed, nil)
}

// newHarnessWithRepo is newHarness with the dispatcher reading through
// wrap's repository instead of the in-memory one directly.
func newHarnessWithRepo(t *testing.T, max int, seed func(r *repo.InMemoryTaskRepo), wrap func(h *harness) repo.TaskRepo) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		repo:  repo.NewInMemoryTaskRepo(),
		strat: newStubStrategy(),
		res:   &stubResolver{dir: dir, fail: map[int64]error{}},
		dir:   dir,
	}
	if seed != nil {
		seed(h.repo)
	}
	var store repo.TaskRepo = h.repo
	if wrap != nil {
		store = wrap(h)
	}
	h.d = New(Options{
		Repo:          store,
		Resolver:      h.res,
		Strategies:    downloader.Strategies{HTTP: h.strat},
		Logger:        discardLogger(),
		MaxConcurrent: max,
		FlushInterval: time.Hour,
	})
	if err := h.d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.d.Stop(ctx)
	})
	return h
}

func (h *harness) enqueue(t *testing.T, n int) []int64 {
	t.Helper()
	reqs := make([]data.Request, n)
	for i := range reqs {
		reqs[i] = data.Request{URL: fmt.Sprintf("https://example.com/file-%d.bin", i)}
	}
	ids, err := h.d.Enqueue(context.Background(), reqs...)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return ids
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) status(t *testing.T, id int64) data.Status {
	t.Helper()
	task, err := h.d.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %d: %v", id, err)
	}
	return task.Status
}

func (h *harness) repoTask(t *testing.T, id int64) *data.Task {
	t.Helper()
	task, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("repo get %d: %v", id, err)
	}
	return task
}

func (h *harness) waitStatus(t *testing.T, id int64, want data.Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("task %d to be %s", id, want), func() bool {
		return h.status(t, id) == want
	})
}

// waitRepoStatus waits for the repository to catch up with the view.
func (h *harness) waitRepoStatus(t *testing.T, id int64, want data.Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("repo task %d to be %s", id, want), func() bool {
		return h.repoTask(t, id).Status == want
	})
}

func (h *harness) waitCalls(t *testing.T, n int) []int64 {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d strategy calls", n), func() bool {
		return len(h.strat.callList()) >= n
	})
	return h.strat.callList()
}

var errBoom = errors.New("boom")
