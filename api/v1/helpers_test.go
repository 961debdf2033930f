package v1_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	internaldata "github.com/tinoosan/titan/internal/data"
	"github.com/tinoosan/titan/internal/dispatcher"
	"github.com/tinoosan/titan/internal/downloader"
	"github.com/tinoosan/titan/internal/repo"
	"github.com/tinoosan/titan/internal/resolver"
	"github.com/tinoosan/titan/internal/router"
)

const testToken = "testtoken"

// holdStrategy keeps a transfer open until its context ends. URLs containing
// "instant" complete straight away.
type holdStrategy struct{}

func (holdStrategy) Download(ctx context.Context, t *internaldata.Task, check downloader.StateChecker) <-chan downloader.Event {
	out := make(chan downloader.Event, 1)
	go func() {
		defer close(out)
		if strings.Contains(t.URL, "instant") {
			out <- downloader.Event{ID: t.ID, Type: downloader.EventSuccess, FinalPath: t.FinalPath, FileName: t.FileName}
			return
		}
		<-ctx.Done()
		e := downloader.Event{ID: t.ID, Type: downloader.EventCanceled}
		if check() == downloader.SignalPaused {
			e.Type = downloader.EventPaused
		}
		out <- e
	}()
	return out
}

type dirResolver struct{ dir string }

func (r dirResolver) Resolve(ctx context.Context, t *internaldata.Task) (resolver.Resolved, error) {
	name := fmt.Sprintf("%d.bin", t.ID)
	return resolver.Resolved{
		FinalPath: filepath.Join(r.dir, name),
		TempPath:  filepath.Join(r.dir, name+".tmp"),
		FileName:  name,
	}, nil
}

func setup(t *testing.T) (http.Handler, *dispatcher.Dispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rpo := repo.NewInMemoryTaskRepo()
	d := dispatcher.New(dispatcher.Options{
		Repo:          rpo,
		Resolver:      dirResolver{dir: t.TempDir()},
		Strategies:    downloader.Strategies{HTTP: holdStrategy{}},
		Logger:        logger,
		MaxConcurrent: 1,
		FlushInterval: time.Hour,
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return router.New(logger, d, rpo, testToken), d
}

func authReq(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+testToken)
}

func do(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, rdr)
	authReq(req)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func create(t *testing.T, h http.Handler, urls ...string) internaldata.Tasks {
	t.Helper()
	reqs := make([]string, len(urls))
	for i, u := range urls {
		reqs[i] = fmt.Sprintf(`{"url":%q}`, u)
	}
	rr := do(t, h, http.MethodPost, "/v1/tasks", `{"requests":[`+strings.Join(reqs, ",")+`]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	return decode[internaldata.Tasks](t, rr)
}

func waitStatus(t *testing.T, d *dispatcher.Dispatcher, id int64, want internaldata.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := d.Get(context.Background(), id)
		if err == nil && task.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %d never reached %s", id, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
