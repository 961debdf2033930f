package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/titan/internal/data"
)

// runContract exercises the TaskRepo behaviour every store must share.
func runContract(t *testing.T, newRepo func(t *testing.T) TaskRepo) {
	base := time.UnixMilli(1_700_000_000_000)
	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	task := func(url string, created time.Time) *data.Task {
		return data.NewTask(data.Request{URL: url, UID: url, Headers: map[string]string{"X-Test": url}}, created)
	}

	t.Run("InsertAndGet", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		require.NoError(t, r.Ping(ctx))
		a, b := task("http://a", at(0)), task("http://b", at(1))
		ids, err := r.Insert(ctx, a, b)
		require.NoError(t, err)
		require.Len(t, ids, 2)
		assert.Less(t, ids[0], ids[1])
		assert.Equal(t, ids[0], a.ID)

		got, err := r.Get(ctx, ids[1])
		require.NoError(t, err)
		assert.Equal(t, "http://b", got.URL)
		assert.Equal(t, data.StatusQueued, got.Status)
		assert.Equal(t, data.UnknownSize, got.TotalBytes)
		assert.Equal(t, "http://b", got.Headers["X-Test"])
		assert.True(t, got.CreatedAt.Equal(at(1)))

		_, err = r.Get(ctx, 9999)
		assert.ErrorIs(t, err, data.ErrNotFound)
	})

	t.Run("GetByUIDReturnsNewest", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		old := task("http://a", at(0))
		newer := task("http://a", at(5))
		_, err := r.Insert(ctx, old, newer)
		require.NoError(t, err)

		got, err := r.GetByUID(ctx, "http://a")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)

		_, err = r.GetByUID(ctx, "missing")
		assert.ErrorIs(t, err, data.ErrNotFound)
	})

	t.Run("FindNextSchedulablePrefersReadyThenFIFO", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		q1, q2, rd := task("http://q1", at(0)), task("http://q2", at(1)), task("http://r", at(2))
		_, err := r.Insert(ctx, q1, q2, rd)
		require.NoError(t, err)

		next, err := r.FindNextSchedulable(ctx)
		require.NoError(t, err)
		assert.Equal(t, q1.ID, next.ID, "oldest QUEUED first when nothing is READY")

		require.NoError(t, r.UpdateOnPrepareSuccess(ctx, rd.ID, "/dl/r", "/tmp/r.tmp", "r", at(3)))
		next, err = r.FindNextSchedulable(ctx)
		require.NoError(t, err)
		assert.Equal(t, rd.ID, next.ID, "READY beats an older QUEUED task")

		require.NoError(t, r.UpdateStatuses(ctx, []int64{q1.ID, q2.ID, rd.ID}, data.StatusRunning, at(4)))
		_, err = r.FindNextSchedulable(ctx)
		assert.ErrorIs(t, err, data.ErrNotFound)
	})

	t.Run("ActiveTasks", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		a, b, c := task("http://a", at(0)), task("http://b", at(1)), task("http://c", at(2))
		_, err := r.Insert(ctx, a, b, c)
		require.NoError(t, err)
		require.NoError(t, r.UpdateStatus(ctx, a.ID, data.StatusRunning, at(3)))
		require.NoError(t, r.UpdateStatus(ctx, b.ID, data.StatusPreparing, at(3)))

		active, err := r.ActiveTasks(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{a.ID, b.ID}, active.IDs())
	})

	t.Run("ResumeStatusesOnlyTouchesResumable", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		paused, failed, done, unresolved := task("http://p", at(0)), task("http://f", at(1)), task("http://d", at(2)), task("http://u", at(3))
		_, err := r.Insert(ctx, paused, failed, done, unresolved)
		require.NoError(t, err)
		for _, tk := range []*data.Task{paused, failed, done} {
			require.NoError(t, r.UpdateOnPrepareSuccess(ctx, tk.ID, "/dl/x", "/tmp/x.tmp", "x", at(4)))
		}
		require.NoError(t, r.UpdateStatus(ctx, paused.ID, data.StatusPaused, at(5)))
		require.NoError(t, r.UpdateOnError(ctx, failed.ID, data.StatusFailed, "boom", at(5)))
		require.NoError(t, r.UpdateStatus(ctx, done.ID, data.StatusCompleted, at(5)))
		require.NoError(t, r.UpdateStatus(ctx, unresolved.ID, data.StatusCanceled, at(5)))

		require.NoError(t, r.ResumeStatuses(ctx, []int64{paused.ID, failed.ID, done.ID, unresolved.ID, 9999}, at(6)))

		got, err := r.GetByIDs(ctx, []int64{paused.ID, failed.ID, done.ID, unresolved.ID})
		require.NoError(t, err)
		byID := map[int64]*data.Task{}
		for _, tk := range got {
			byID[tk.ID] = tk
		}
		assert.Equal(t, data.StatusReady, byID[paused.ID].Status)
		assert.Equal(t, data.StatusReady, byID[failed.ID].Status)
		assert.Empty(t, byID[failed.ID].Error)
		assert.Equal(t, data.StatusCompleted, byID[done.ID].Status)
		assert.Equal(t, data.StatusQueued, byID[unresolved.ID].Status)
	})

	t.Run("ProgressOnlyWhileRunning", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		a := task("http://a", at(0))
		_, err := r.Insert(ctx, a)
		require.NoError(t, err)

		p := data.Progress{Percent: 50, Downloaded: 50, Total: 100, Speed: 10}
		require.NoError(t, r.UpdateProgress(ctx, a.ID, p, at(1)))
		got, _ := r.Get(ctx, a.ID)
		assert.Equal(t, int64(0), got.DownloadedBytes, "QUEUED task ignores progress")

		require.NoError(t, r.UpdateStatus(ctx, a.ID, data.StatusRunning, at(2)))
		require.NoError(t, r.UpdateProgress(ctx, a.ID, p, at(3)))
		got, _ = r.Get(ctx, a.ID)
		assert.Equal(t, int64(50), got.DownloadedBytes)
		assert.Equal(t, int64(100), got.TotalBytes)
		assert.Equal(t, 50, got.Progress)

		require.NoError(t, r.UpdateOnSuccess(ctx, a.ID, "/dl/a", "a", at(4)))
		require.NoError(t, r.UpdateProgress(ctx, a.ID, data.Progress{Percent: 60, Downloaded: 60, Total: 100}, at(5)))
		got, _ = r.Get(ctx, a.ID)
		assert.Equal(t, data.StatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, int64(100), got.DownloadedBytes)
		assert.Equal(t, "/dl/a", got.FinalPath)
	})

	t.Run("PausedTakesOnlyForwardProgress", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		a := task("http://a", at(0))
		_, err := r.Insert(ctx, a)
		require.NoError(t, err)
		require.NoError(t, r.UpdateStatus(ctx, a.ID, data.StatusRunning, at(1)))
		require.NoError(t, r.UpdateProgress(ctx, a.ID, data.Progress{Percent: 40, Downloaded: 40, Total: 100, Speed: 5}, at(2)))
		require.NoError(t, r.UpdateStatus(ctx, a.ID, data.StatusPaused, at(3)))

		// A flush that lands after the pause still records the bytes on disk.
		require.NoError(t, r.UpdateProgress(ctx, a.ID, data.Progress{Percent: 70, Downloaded: 70, Total: 100, Speed: 9}, at(4)))
		got, _ := r.Get(ctx, a.ID)
		assert.Equal(t, data.StatusPaused, got.Status)
		assert.Equal(t, int64(70), got.DownloadedBytes)
		assert.Equal(t, 70, got.Progress)
		assert.Equal(t, int64(0), got.SpeedBps)

		require.NoError(t, r.UpdateProgress(ctx, a.ID, data.Progress{Percent: 50, Downloaded: 50, Total: 100}, at(5)))
		got, _ = r.Get(ctx, a.ID)
		assert.Equal(t, int64(70), got.DownloadedBytes, "older progress never moves a paused task back")
	})

	t.Run("ErrorClearedOnSuccessfulTransition", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		a := task("http://a", at(0))
		_, err := r.Insert(ctx, a)
		require.NoError(t, err)
		require.NoError(t, r.UpdateOnError(ctx, a.ID, data.StatusFailed, "Network error: reset", at(1)))
		got, _ := r.Get(ctx, a.ID)
		assert.Equal(t, "Network error: reset", got.Error)

		require.NoError(t, r.UpdateStatus(ctx, a.ID, data.StatusRunning, at(2)))
		got, _ = r.Get(ctx, a.ID)
		assert.Empty(t, got.Error)
	})

	t.Run("ListScopesOrderAndPaging", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		var all []*data.Task
		for i := 0; i < 5; i++ {
			all = append(all, task("http://t", at(i)))
		}
		_, err := r.Insert(ctx, all...)
		require.NoError(t, err)
		require.NoError(t, r.UpdateStatus(ctx, all[1].ID, data.StatusCompleted, at(9)))

		desc, err := r.List(ctx, data.Query{})
		require.NoError(t, err)
		require.Len(t, desc, 5)
		assert.Equal(t, all[4].ID, desc[0].ID)

		asc, err := r.List(ctx, data.Query{Order: data.OrderAsc, Offset: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{all[1].ID, all[2].ID}, asc.IDs())

		completed, err := r.List(ctx, data.Query{Scope: data.ScopeCompleted})
		require.NoError(t, err)
		assert.Equal(t, []int64{all[1].ID}, completed.IDs())

		active, err := r.List(ctx, data.Query{Scope: data.ScopeActive, Order: data.OrderAsc, Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, []int64{all[4].ID}, active.IDs())
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		a, b := task("http://a", at(0)), task("http://b", at(1))
		_, err := r.Insert(ctx, a, b)
		require.NoError(t, err)
		require.NoError(t, r.DeleteByIDs(ctx, []int64{a.ID}))
		require.NoError(t, r.DeleteByIDs(ctx, []int64{a.ID}))

		_, err = r.Get(ctx, a.ID)
		assert.ErrorIs(t, err, data.ErrNotFound)
		left, err := r.List(ctx, data.Query{})
		require.NoError(t, err)
		assert.Equal(t, []int64{b.ID}, left.IDs())
	})

	t.Run("WritesToUnknownIDsAreNoops", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		assert.NoError(t, r.UpdateStatus(ctx, 42, data.StatusPaused, at(0)))
		assert.NoError(t, r.UpdateOnError(ctx, 42, data.StatusFailed, "x", at(0)))
		assert.NoError(t, r.UpdateOnSuccess(ctx, 42, "/x", "x", at(0)))
	})
}
