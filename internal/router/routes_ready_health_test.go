package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
)

// fakeTaskSvc is a stub to satisfy v1.TaskService in router tests.
type fakeTaskSvc struct{}

func (f *fakeTaskSvc) Enqueue(context.Context, ...data.Request) ([]int64, error) { return nil, nil }
func (f *fakeTaskSvc) Get(context.Context, int64) (*data.Task, error)            { return nil, data.ErrNotFound }
func (f *fakeTaskSvc) GetByUID(context.Context, string) (*data.Task, error)      { return nil, data.ErrNotFound }
func (f *fakeTaskSvc) List(context.Context, data.Query) (data.Tasks, error)      { return nil, nil }
func (f *fakeTaskSvc) Pause(context.Context, ...int64) error                     { return nil }
func (f *fakeTaskSvc) Resume(context.Context, ...int64) error                    { return nil }
func (f *fakeTaskSvc) Cancel(context.Context, ...int64) error                    { return nil }
func (f *fakeTaskSvc) Delete(context.Context, bool, ...int64) error              { return nil }
func (f *fakeTaskSvc) WatchTask(context.Context, int64) (<-chan *data.Task, error) {
	return nil, data.ErrNotFound
}
func (f *fakeTaskSvc) Subscribe(int) *broadcast.Subscription { return broadcast.NewHub().Subscribe(0) }
func (f *fakeTaskSvc) UpdateConfig(int) error                { return nil }
func (f *fakeTaskSvc) MaxConcurrent() int                    { return 3 }
func (f *fakeTaskSvc) RunningCount() int                     { return 0 }

// fakePinger allows toggling readiness.
type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestRouter(ready Pinger, token string) http.Handler {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), &fakeTaskSvc{}, ready, token)
}

func TestHealthzOK(t *testing.T) {
	r := newTestRouter(fakePinger{}, "sekrit")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "ok" {
		t.Fatalf("expected body 'ok', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestReadyzSuccess(t *testing.T) {
	r := newTestRouter(fakePinger{}, "sekrit")
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyzFailure(t *testing.T) {
	r := newTestRouter(fakePinger{err: errors.New("nope")}, "sekrit")
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestAPIRoutesRequireToken(t *testing.T) {
	r := newTestRouter(fakePinger{}, "sekrit")
	req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	open := newTestRouter(fakePinger{}, "")
	w = httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/config", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 without a configured token, got %d", w.Code)
	}
}
