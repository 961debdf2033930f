package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tinoosan/titan/internal/data"
)

type InMemoryTaskRepo struct {
	mu     sync.RWMutex
	tasks  data.Tasks
	nextID int64
}

var _ TaskRepo = (*InMemoryTaskRepo)(nil)

func NewInMemoryTaskRepo() *InMemoryTaskRepo {
	return &InMemoryTaskRepo{
		tasks:  make(data.Tasks, 0),
		nextID: 1,
	}
}

func (r *InMemoryTaskRepo) Close() error { return nil }

func (r *InMemoryTaskRepo) Ping(ctx context.Context) error { return nil }

func (r *InMemoryTaskRepo) Get(ctx context.Context, id int64) (*data.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (r *InMemoryTaskRepo) GetByIDs(ctx context.Context, ids []int64) (data.Tasks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(data.Tasks, 0, len(ids))
	for _, t := range r.tasks {
		if containsID(ids, t.ID) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (r *InMemoryTaskRepo) GetByUID(ctx context.Context, uid string) (*data.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// tasks is kept in insertion order, so the last match is the newest.
	for i := len(r.tasks) - 1; i >= 0; i-- {
		if r.tasks[i].UID == uid {
			return r.tasks[i].Clone(), nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryTaskRepo) List(ctx context.Context, q data.Query) (data.Tasks, error) {
	q = q.Normalize()
	r.mu.RLock()
	out := make(data.Tasks, 0, len(r.tasks))
	for _, t := range r.tasks {
		if q.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sortTasks(out, q.Order)
	if q.Offset >= len(out) {
		return data.Tasks{}, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *InMemoryTaskRepo) FindNextSchedulable(ctx context.Context) (*data.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *data.Task
	for _, t := range r.tasks {
		if t.Status != data.StatusReady && t.Status != data.StatusQueued {
			continue
		}
		if best == nil || schedulesBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, data.ErrNotFound
	}
	return best.Clone(), nil
}

func (r *InMemoryTaskRepo) ActiveTasks(ctx context.Context) (data.Tasks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out data.Tasks
	for _, t := range r.tasks {
		if t.Status.Active() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (r *InMemoryTaskRepo) Insert(ctx context.Context, tasks ...*data.Task) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		t.ID = r.nextID
		r.nextID++
		r.tasks = append(r.tasks, t.Clone())
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (r *InMemoryTaskRepo) UpdateStatus(ctx context.Context, id int64, status data.Status, at time.Time) error {
	return r.UpdateStatuses(ctx, []int64{id}, status, at)
}

func (r *InMemoryTaskRepo) UpdateStatuses(ctx context.Context, ids []int64, status data.Status, at time.Time) error {
	r.mutate(ids, func(t *data.Task) {
		t.Status = status
		if status != data.StatusFailed {
			t.Error = ""
		}
		t.UpdatedAt = at
	})
	return nil
}

func (r *InMemoryTaskRepo) ResumeStatuses(ctx context.Context, ids []int64, at time.Time) error {
	r.mutate(ids, func(t *data.Task) {
		if !t.Status.CanResume() {
			return
		}
		t.Status = t.ResumeTarget()
		t.Error = ""
		t.UpdatedAt = at
	})
	return nil
}

func (r *InMemoryTaskRepo) UpdateOnPrepareSuccess(ctx context.Context, id int64, finalPath, tempPath, fileName string, at time.Time) error {
	r.mutate([]int64{id}, func(t *data.Task) {
		t.FinalPath = finalPath
		t.TempPath = tempPath
		t.FileName = fileName
		t.Status = data.StatusReady
		t.Error = ""
		t.UpdatedAt = at
	})
	return nil
}

func (r *InMemoryTaskRepo) UpdateProgress(ctx context.Context, id int64, p data.Progress, at time.Time) error {
	r.mutate([]int64{id}, func(t *data.Task) {
		switch {
		case t.Status == data.StatusRunning:
		case t.Status == data.StatusPaused && p.Downloaded > t.DownloadedBytes:
			p.Speed = 0
		default:
			return
		}
		t.ApplyProgress(p)
		t.UpdatedAt = at
	})
	return nil
}

func (r *InMemoryTaskRepo) UpdateOnSuccess(ctx context.Context, id int64, finalPath, fileName string, at time.Time) error {
	r.mutate([]int64{id}, func(t *data.Task) {
		t.Status = data.StatusCompleted
		t.Progress = 100
		t.DownloadedBytes = t.TotalBytes
		t.FinalPath = finalPath
		t.FileName = fileName
		t.Error = ""
		t.UpdatedAt = at
	})
	return nil
}

func (r *InMemoryTaskRepo) UpdateOnError(ctx context.Context, id int64, status data.Status, msg string, at time.Time) error {
	r.mutate([]int64{id}, func(t *data.Task) {
		t.Status = status
		t.Error = msg
		t.UpdatedAt = at
	})
	return nil
}

func (r *InMemoryTaskRepo) DeleteByIDs(ctx context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.tasks[:0]
	for _, t := range r.tasks {
		if !containsID(ids, t.ID) {
			kept = append(kept, t)
		}
	}
	r.tasks = kept
	return nil
}

func (r *InMemoryTaskRepo) mutate(ids []int64, fn func(*data.Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if t, err := r.findByID(id); err == nil {
			fn(t)
		}
	}
}

func (r *InMemoryTaskRepo) findByID(id int64) (*data.Task, error) {
	for _, t := range r.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, data.ErrNotFound
}

// schedulesBefore orders READY ahead of QUEUED, then by creation time and id.
func schedulesBefore(a, b *data.Task) bool {
	pa, pb := schedulePriority(a.Status), schedulePriority(b.Status)
	if pa != pb {
		return pa < pb
	}
	return createdBefore(a, b)
}

func schedulePriority(s data.Status) int {
	switch s {
	case data.StatusReady:
		return 0
	case data.StatusQueued:
		return 1
	}
	return 2
}

func createdBefore(a, b *data.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortTasks(ts data.Tasks, order data.Order) {
	sort.SliceStable(ts, func(i, j int) bool {
		if order == data.OrderAsc {
			return createdBefore(ts[i], ts[j])
		}
		return createdBefore(ts[j], ts[i])
	})
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
