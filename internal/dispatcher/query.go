package dispatcher

import (
	"context"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
)

const watchBuffer = 16

// Get returns the task with live progress.
func (d *Dispatcher) Get(ctx context.Context, id int64) (*data.Task, error) {
	if v := d.viewTask(id); v != nil {
		return v, nil
	}
	return d.repo.Get(ctx, id)
}

// GetByUID returns the newest task carrying uid.
func (d *Dispatcher) GetByUID(ctx context.Context, uid string) (*data.Task, error) {
	t, err := d.repo.GetByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	return d.overlay(t), nil
}

// List queries the repository and overlays the live view on each result.
func (d *Dispatcher) List(ctx context.Context, q data.Query) (data.Tasks, error) {
	ts, err := d.repo.List(ctx, q)
	if err != nil {
		return nil, err
	}
	for i, t := range ts {
		ts[i] = d.overlay(t)
	}
	return ts, nil
}

func (d *Dispatcher) overlay(t *data.Task) *data.Task {
	if v := d.viewTask(t.ID); v != nil {
		return v
	}
	return t
}

// WatchTask emits the task's current value and then every change until ctx
// ends or the task is deleted.
func (d *Dispatcher) WatchTask(ctx context.Context, id int64) (<-chan *data.Task, error) {
	sub := d.hub.Subscribe(watchBuffer)
	cur, err := d.Get(ctx, id)
	if err != nil {
		sub.Close()
		return nil, err
	}
	return d.watch(ctx, sub, cur, func(t *data.Task) bool { return t.ID == id }), nil
}

// WatchUID is WatchTask keyed by caller uid. A newer task with the same uid
// takes over the stream.
func (d *Dispatcher) WatchUID(ctx context.Context, uid string) (<-chan *data.Task, error) {
	sub := d.hub.Subscribe(watchBuffer)
	cur, err := d.GetByUID(ctx, uid)
	if err != nil {
		sub.Close()
		return nil, err
	}
	return d.watch(ctx, sub, cur, func(t *data.Task) bool { return t.UID == uid }), nil
}

func (d *Dispatcher) watch(ctx context.Context, sub *broadcast.Subscription, cur *data.Task, match func(*data.Task) bool) <-chan *data.Task {
	out := make(chan *data.Task, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		send := func(t *data.Task) bool {
			select {
			case out <- t:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(cur) {
			return
		}
		watching := cur.ID
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-sub.C:
				if !ok {
					return
				}
				t := u.Task
				if !match(&t) {
					continue
				}
				if u.Kind == broadcast.KindRemoved {
					if t.ID == watching {
						return
					}
					continue
				}
				watching = t.ID
				if !send(&t) {
					return
				}
			}
		}
	}()
	return out
}

// WatchList emits the query result now and again after every change. A
// slow reader only sees the latest result.
func (d *Dispatcher) WatchList(ctx context.Context, q data.Query) (<-chan data.Tasks, error) {
	sub := d.hub.Subscribe(watchBuffer)
	first, err := d.List(ctx, q)
	if err != nil {
		sub.Close()
		return nil, err
	}
	out := make(chan data.Tasks, 1)
	out <- first
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C:
				if !ok {
					return
				}
				ts, err := d.List(ctx, q)
				if err != nil {
					d.log.Warn("watch list query", "err", err)
					continue
				}
				select {
				case <-out:
				default:
				}
				out <- ts
			}
		}
	}()
	return out, nil
}
