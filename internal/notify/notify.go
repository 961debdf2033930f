// Package notify turns task updates into user-facing notifications.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
)

// Provider is told about every update a listener receives.
type Provider interface {
	Notify(u broadcast.Update)
}

// LogProvider logs status transitions. Progress updates and repeats of a
// task's last status are skipped.
type LogProvider struct {
	log  *slog.Logger
	mu   sync.Mutex
	last map[int64]data.Status
}

func NewLogProvider(log *slog.Logger) *LogProvider {
	return &LogProvider{
		log:  log.With("component", "notify"),
		last: make(map[int64]data.Status),
	}
}

func (p *LogProvider) Notify(u broadcast.Update) {
	t := u.Task
	p.mu.Lock()
	if u.Kind == broadcast.KindRemoved {
		delete(p.last, t.ID)
		p.mu.Unlock()
		p.log.Info("download removed", "id", t.ID, "file", t.FileName)
		return
	}
	if prev, ok := p.last[t.ID]; ok && prev == t.Status {
		p.mu.Unlock()
		return
	}
	p.last[t.ID] = t.Status
	p.mu.Unlock()

	attrs := []any{"id", t.ID, "status", t.Status, "url", t.URL}
	if t.UID != "" {
		attrs = append(attrs, "uid", t.UID)
	}
	switch t.Status {
	case data.StatusCompleted:
		p.log.Info("download completed", append(attrs, "path", t.FinalPath)...)
	case data.StatusFailed:
		p.log.Warn("download failed", append(attrs, "err", t.Error)...)
	default:
		p.log.Info("download status changed", attrs...)
	}
}

// Run feeds sub into provider until ctx ends or the subscription closes.
// The subscription is closed on return.
func Run(ctx context.Context, sub *broadcast.Subscription, provider Provider) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.C:
			if !ok {
				return nil
			}
			provider.Notify(u)
		}
	}
}
