package dispatcher

import (
	"context"
	"fmt"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
	"github.com/tinoosan/titan/internal/metrics"
)

// Commands apply to every id whose current status allows them. Unknown ids
// and ids in the wrong status are skipped. The in-memory view and work are
// updated even when the repository write fails; that failure is returned.

// Pause stops the given tasks and keeps their partial temp files so a
// later resume continues from the bytes already on disk.
func (d *Dispatcher) Pause(ctx context.Context, ids ...int64) error {
	d.mu.Lock()
	defer d.kick()
	defer d.mu.Unlock()

	changed := d.selectIDs(ids, data.Status.CanPause)
	if len(changed) == 0 {
		return nil
	}
	for _, id := range changed {
		d.flushOne(ctx, id)
		delete(d.running, id)
		delete(d.preparing, id)
	}
	d.updateGauges()

	now := d.now()
	err := d.write("update_statuses", func() error {
		return d.repo.UpdateStatuses(ctx, changed, data.StatusPaused, now)
	})
	for _, id := range changed {
		d.setStatus(id, data.StatusPaused, "", now)
		d.runner.Cancel(workNames(id)...)
	}
	metrics.TaskEvents.WithLabelValues("pause").Add(float64(len(changed)))
	d.log.Info("paused tasks", "ids", changed)
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Resume returns paused, failed and canceled tasks to the schedule: READY
// when their paths are already resolved, QUEUED otherwise.
func (d *Dispatcher) Resume(ctx context.Context, ids ...int64) error {
	d.mu.Lock()
	defer d.kick()
	defer d.mu.Unlock()

	changed := d.selectIDs(ids, data.Status.CanResume)
	if len(changed) == 0 {
		return nil
	}
	now := d.now()
	err := d.write("resume_statuses", func() error {
		return d.repo.ResumeStatuses(ctx, changed, now)
	})
	for _, id := range changed {
		v := d.viewTask(id)
		if v == nil {
			continue
		}
		d.setStatus(id, v.ResumeTarget(), "", now)
	}
	metrics.TaskEvents.WithLabelValues("resume").Add(float64(len(changed)))
	d.log.Info("resumed tasks", "ids", changed)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Cancel stops the given tasks and deletes their temp files.
func (d *Dispatcher) Cancel(ctx context.Context, ids ...int64) error {
	d.mu.Lock()
	defer d.kick()
	defer d.mu.Unlock()

	changed := d.selectIDs(ids, data.Status.CanCancel)
	if len(changed) == 0 {
		return nil
	}
	for _, id := range changed {
		delete(d.running, id)
		delete(d.preparing, id)
		d.dropPending(id)
	}
	d.updateGauges()

	now := d.now()
	err := d.write("update_statuses", func() error {
		return d.repo.UpdateStatuses(ctx, changed, data.StatusCanceled, now)
	})
	for _, id := range changed {
		snap := d.setStatus(id, data.StatusCanceled, "", now)
		d.runner.Cancel(workNames(id)...)
		if snap != nil {
			d.removeFile(snap.TempPath)
		}
	}
	metrics.TaskEvents.WithLabelValues("cancel").Add(float64(len(changed)))
	d.log.Info("canceled tasks", "ids", changed)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

// Delete removes the given tasks in any status along with their temp
// files. The downloaded file is removed too when deleteFile is set.
func (d *Dispatcher) Delete(ctx context.Context, deleteFile bool, ids ...int64) error {
	d.mu.Lock()
	defer d.kick()
	defer d.mu.Unlock()

	changed := d.selectIDs(ids, func(data.Status) bool { return true })
	if len(changed) == 0 {
		return nil
	}
	for _, id := range changed {
		delete(d.running, id)
		delete(d.preparing, id)
		d.dropPending(id)
		d.runner.Cancel(workNames(id)...)
	}
	d.updateGauges()

	err := d.write("delete", func() error {
		return d.repo.DeleteByIDs(ctx, changed)
	})

	d.viewMu.Lock()
	removed := make(data.Tasks, 0, len(changed))
	for _, id := range changed {
		if v := d.view[id]; v != nil {
			removed = append(removed, v)
			delete(d.view, id)
		}
	}
	d.viewMu.Unlock()

	for _, t := range removed {
		d.removeFile(t.TempPath)
		if t.Resolved() {
			switch {
			case deleteFile:
				d.removeFile(t.FinalPath)
			case t.Status != data.StatusCompleted:
				d.removePlaceholder(t.FinalPath)
			}
		}
		d.publish(t, broadcast.KindRemoved)
	}
	metrics.TaskEvents.WithLabelValues("delete").Add(float64(len(changed)))
	d.log.Info("deleted tasks", "ids", changed, "delete_file", deleteFile)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// selectIDs returns the distinct known ids whose view status satisfies ok.
func (d *Dispatcher) selectIDs(ids []int64, ok func(data.Status) bool) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	d.viewMu.RLock()
	defer d.viewMu.RUnlock()
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if v := d.view[id]; v != nil && ok(v.Status) {
			out = append(out, id)
		}
	}
	return out
}
