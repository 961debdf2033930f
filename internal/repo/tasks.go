package repo

import (
	"context"
	"time"

	"github.com/tinoosan/titan/internal/data"
)

// TaskRepo is the durable store of task records consumed by the dispatcher.
type TaskRepo interface {
	TaskReader
	TaskWriter
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

type TaskReader interface {
	Get(ctx context.Context, id int64) (*data.Task, error)
	GetByIDs(ctx context.Context, ids []int64) (data.Tasks, error)
	// GetByUID returns the newest task carrying uid.
	GetByUID(ctx context.Context, uid string) (*data.Task, error)
	List(ctx context.Context, q data.Query) (data.Tasks, error)
	// FindNextSchedulable returns the oldest READY task, else the oldest
	// QUEUED one, or data.ErrNotFound.
	FindNextSchedulable(ctx context.Context) (*data.Task, error)
	// ActiveTasks returns tasks persisted as RUNNING or PREPARING.
	ActiveTasks(ctx context.Context) (data.Tasks, error)
}

// TaskWriter mutations are keyed by id and idempotent. Unknown ids are
// ignored so that redelivered writes are harmless.
type TaskWriter interface {
	Insert(ctx context.Context, tasks ...*data.Task) ([]int64, error)
	UpdateStatus(ctx context.Context, id int64, status data.Status, at time.Time) error
	UpdateStatuses(ctx context.Context, ids []int64, status data.Status, at time.Time) error
	// ResumeStatuses moves PAUSED, FAILED and CANCELED tasks back to READY,
	// or to QUEUED when their paths were never resolved.
	ResumeStatuses(ctx context.Context, ids []int64, at time.Time) error
	UpdateOnPrepareSuccess(ctx context.Context, id int64, finalPath, tempPath, fileName string, at time.Time) error
	// UpdateProgress applies while the task is RUNNING. A PAUSED task only
	// takes progress that moves its downloaded bytes forward, with no speed.
	UpdateProgress(ctx context.Context, id int64, p data.Progress, at time.Time) error
	UpdateOnSuccess(ctx context.Context, id int64, finalPath, fileName string, at time.Time) error
	UpdateOnError(ctx context.Context, id int64, status data.Status, msg string, at time.Time) error
	DeleteByIDs(ctx context.Context, ids []int64) error
}
