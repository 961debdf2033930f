// Package httprange implements the single-connection resumable HTTP transfer.
package httprange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/tinoosan/titan/internal/data"
	"github.com/tinoosan/titan/internal/downloader"
	"github.com/tinoosan/titan/internal/metrics"
)

const (
	bufferSize      = 8 * 1024
	defaultInterval = time.Second
)

// Options configure a Strategy. Zero values take the defaults.
type Options struct {
	Client    *http.Client
	Committer downloader.Committer
	// Interval is the minimum time between Progress events.
	Interval time.Duration
	Logger   *slog.Logger
	// Now is used for progress timing; tests override it.
	Now func() time.Time
}

// Strategy downloads a task with a Range request, appending to whatever
// the temp file already holds.
type Strategy struct {
	client   *http.Client
	commit   downloader.Committer
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

var _ downloader.Strategy = (*Strategy)(nil)

func New(opts Options) *Strategy {
	s := &Strategy{
		client:   opts.Client,
		commit:   opts.Committer,
		interval: opts.Interval,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if s.client == nil {
		s.client = NewClient(30*time.Second, 5*time.Minute)
	}
	if s.commit == nil {
		s.commit = downloader.CommitFunc(downloader.MoveFile)
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// NewClient builds the transfer client. connect bounds dialing and the TLS
// handshake; read bounds the wait for response headers. The body read has
// no overall deadline so long transfers are never cut off.
func NewClient(connect, read time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = connect
	tr.ResponseHeaderTimeout = read
	return &http.Client{Transport: tr}
}

func (s *Strategy) Download(ctx context.Context, t *data.Task, check downloader.StateChecker) <-chan downloader.Event {
	ch := make(chan downloader.Event)
	rep := downloader.NewChanReporter(t.ID, ch)
	task := t.Clone()
	if check == nil {
		check = func() downloader.Signal { return downloader.SignalNone }
	}
	go func() {
		defer close(ch)
		rep.Report(s.run(ctx, task, check, rep))
	}()
	return ch
}

// run performs the attempt, reporting progress through rep, and returns the
// terminal event.
func (s *Strategy) run(ctx context.Context, t *data.Task, check downloader.StateChecker, rep downloader.Reporter) downloader.Event {
	log := s.log.With("id", t.ID)
	terminal := func(typ downloader.EventType, msg string) downloader.Event {
		return downloader.Event{ID: t.ID, Type: typ, Message: msg}
	}
	stopped := func() (downloader.Event, bool) {
		switch check() {
		case downloader.SignalPaused:
			return terminal(downloader.EventPaused, ""), true
		case downloader.SignalCanceled:
			return terminal(downloader.EventCanceled, ""), true
		}
		return downloader.Event{}, false
	}

	existing := fileSize(t.TempPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return terminal(downloader.EventError, "Network error: "+err.Error())
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(existing, 10)+"-")

	resp, err := s.client.Do(req)
	if err != nil {
		if e, ok := stopped(); ok {
			return e
		}
		return terminal(downloader.EventError, "Network error: "+err.Error())
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var total int64
	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range; start over from byte zero.
		existing = 0
		total = resp.ContentLength
	case http.StatusPartialContent:
		total = -1
		if resp.ContentLength >= 0 {
			total = resp.ContentLength + existing
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// The temp file already holds every byte of a previous attempt
		// whose commit failed: verify the length and commit again.
		if t.TotalBytes > 0 && existing == t.TotalBytes {
			log.Info("temp file already complete, committing", "bytes", existing)
			rep.Progress(existing, existing, 0)
			return s.finish(t)
		}
		return terminal(downloader.EventError, "Unexpected response code: "+strconv.Itoa(resp.StatusCode))
	default:
		return terminal(downloader.EventError, "Unexpected response code: "+strconv.Itoa(resp.StatusCode))
	}
	if total < 0 {
		total = t.TotalBytes
	}
	if total < 0 {
		return terminal(downloader.EventError, "Could not determine file size.")
	}

	// A canceled task's temp file may already be gone; never recreate it.
	if e, ok := stopped(); ok {
		return e
	}
	f, err := os.OpenFile(t.TempPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return terminal(downloader.EventError, "Write error: "+err.Error())
	}
	defer func() {
		_ = f.Close()
	}()

	offset := existing
	lastEmit := s.now()
	lastBytes := offset
	rep.Progress(offset, total, 0)

	buf := make([]byte, bufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if e, ok := stopped(); ok {
				log.Info("transfer stopped", "type", e.Type, "bytes", offset)
				return e
			}
			if _, err := f.WriteAt(buf[:n], offset); err != nil {
				return terminal(downloader.EventError, "Write error: "+err.Error())
			}
			offset += int64(n)
			metrics.TransferBytes.Add(float64(n))

			now := s.now()
			if elapsed := now.Sub(lastEmit); elapsed >= s.interval {
				ms := elapsed.Milliseconds()
				if ms <= 0 {
					ms = 1
				}
				speed := (offset - lastBytes) * 1000 / ms
				rep.Progress(offset, total, speed)
				lastEmit, lastBytes = now, offset
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if e, ok := stopped(); ok {
				return e
			}
			return terminal(downloader.EventError, "Network error: "+rerr.Error())
		}
	}

	if offset < total {
		return terminal(downloader.EventError, fmt.Sprintf("Incomplete download: received %d of %d bytes", offset, total))
	}
	if err := f.Close(); err != nil {
		return terminal(downloader.EventError, "Write error: "+err.Error())
	}
	// A 200 restart may leave bytes from an older, longer attempt past the end.
	if fileSize(t.TempPath) > offset {
		if err := os.Truncate(t.TempPath, offset); err != nil {
			return terminal(downloader.EventError, "Write error: "+err.Error())
		}
	}
	rep.Progress(offset, offset, 0)
	return s.finish(t)
}

// finish commits the temp file; Success is only reported once it is in place.
func (s *Strategy) finish(t *data.Task) downloader.Event {
	if err := s.commit.Commit(t.TempPath, t.FinalPath); err != nil {
		return downloader.Event{ID: t.ID, Type: downloader.EventError, Message: "Failed to move temp file to final destination: " + err.Error()}
	}
	return downloader.Event{ID: t.ID, Type: downloader.EventSuccess, FinalPath: t.FinalPath, FileName: t.FileName}
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
