package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
	"github.com/tinoosan/titan/internal/downloader"
	"github.com/tinoosan/titan/internal/metrics"
	"github.com/tinoosan/titan/internal/worker"
)

var errNotAccepted = errors.New("work not accepted by runner")

// kick requests a scheduling pass. Requests made while a pass is pending
// collapse into it.
func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		select {
		case <-d.quit:
			return
		case <-d.wake:
			d.promote()
		}
	}
}

// promote fills free slots with the oldest READY tasks, then the oldest
// QUEUED ones. A repository failure ends the pass; the next trigger retries.
func (d *Dispatcher) promote() {
	ctx := context.Background()
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.stopping {
		return
	}
	metrics.SchedulePasses.Inc()

	for len(d.running)+len(d.preparing) < d.max {
		t, err := d.repo.FindNextSchedulable(ctx)
		if errors.Is(err, data.ErrNotFound) {
			return
		}
		if err != nil {
			d.log.Error("find next schedulable", "err", err)
			return
		}
		// The repository lags the view when an earlier write failed.
		if v := d.viewTask(t.ID); v != nil && v.Status != t.Status {
			if err := d.repair(ctx, v); err != nil {
				return
			}
			continue
		}
		switch t.Status {
		case data.StatusQueued:
			err = d.startPrepare(ctx, t)
		case data.StatusReady:
			err = d.startDownload(ctx, t)
		default:
			err = fmt.Errorf("unexpected status %s for task %d", t.Status, t.ID)
		}
		if err != nil {
			d.log.Error("promotion stopped", "id", t.ID, "err", err)
			return
		}
	}
}

// repair writes the view's status for v back to the repository.
func (d *Dispatcher) repair(ctx context.Context, v *data.Task) error {
	now := d.now()
	d.log.Warn("repairing stale repository status", "id", v.ID, "status", v.Status)
	switch {
	case v.Status == data.StatusFailed:
		return d.write("update_on_error", func() error {
			return d.repo.UpdateOnError(ctx, v.ID, v.Status, v.Error, now)
		})
	case v.Status == data.StatusReady && v.Resolved():
		return d.write("update_on_prepare_success", func() error {
			return d.repo.UpdateOnPrepareSuccess(ctx, v.ID, v.FinalPath, v.TempPath, v.FileName, now)
		})
	}
	return d.write("update_status", func() error {
		return d.repo.UpdateStatus(ctx, v.ID, v.Status, now)
	})
}

// startPrepare moves a QUEUED task to PREPARING and submits path
// resolution. Called with mu held.
func (d *Dispatcher) startPrepare(ctx context.Context, t *data.Task) error {
	now := d.now()
	if err := d.write("update_status", func() error {
		return d.repo.UpdateStatus(ctx, t.ID, data.StatusPreparing, now)
	}); err != nil {
		return err
	}
	runID := uuid.NewString()
	d.preparing[t.ID] = runID
	snap := d.setStatus(t.ID, data.StatusPreparing, "", now)
	d.updateGauges()

	task := t.Clone()
	if snap != nil {
		task = snap
	}
	accepted := d.runner.EnqueueUnique(prepareName(t.ID), worker.KeepExisting, func(ctx context.Context) {
		d.runPrepare(ctx, task, runID)
	})
	if !accepted {
		delete(d.preparing, t.ID)
		d.updateGauges()
		d.setStatus(t.ID, data.StatusQueued, "", now)
		_ = d.write("update_status", func() error {
			return d.repo.UpdateStatus(ctx, t.ID, data.StatusQueued, now)
		})
		return errNotAccepted
	}
	d.log.Info("preparing task", "id", t.ID, "run_id", runID)
	return nil
}

// startDownload moves a READY task to RUNNING and submits its transfer.
// Called with mu held. Initialisation failures fail the task without
// ending the pass.
func (d *Dispatcher) startDownload(ctx context.Context, t *data.Task) error {
	strat, err := d.initTransfer(t)
	if err != nil {
		d.failTask(ctx, t.ID, "Failed to start transfer: "+err.Error())
		return nil
	}

	now := d.now()
	if err := d.write("update_status", func() error {
		return d.repo.UpdateStatus(ctx, t.ID, data.StatusRunning, now)
	}); err != nil {
		return err
	}
	runID := uuid.NewString()
	d.running[t.ID] = runID
	snap := d.setStatus(t.ID, data.StatusRunning, "", now)
	d.updateGauges()

	task := t.Clone()
	if snap != nil {
		task = snap
	}
	accepted := d.runner.EnqueueUnique(downloadName(t.ID), worker.KeepExisting, func(ctx context.Context) {
		d.runDownload(ctx, strat, task, runID)
	})
	if !accepted {
		delete(d.running, t.ID)
		d.updateGauges()
		d.setStatus(t.ID, data.StatusReady, "", now)
		_ = d.write("update_status", func() error {
			return d.repo.UpdateStatus(ctx, t.ID, data.StatusReady, now)
		})
		return errNotAccepted
	}
	metrics.TaskEvents.WithLabelValues("start").Inc()
	d.log.Info("starting transfer", "id", t.ID, "run_id", runID, "url", t.URL)
	return nil
}

// initTransfer picks the strategy and makes sure the temp directory exists
// before any bytes move.
func (d *Dispatcher) initTransfer(t *data.Task) (downloader.Strategy, error) {
	k, err := downloader.KindFor(t.URL)
	if err != nil {
		return nil, err
	}
	strat, err := d.strategies.For(k)
	if err != nil {
		return nil, err
	}
	if t.TempPath == "" {
		return nil, errors.New("temp path not resolved")
	}
	if err := os.MkdirAll(filepath.Dir(t.TempPath), 0o755); err != nil {
		return nil, err
	}
	return strat, nil
}

// setStatus updates the view and publishes the change. It returns a copy of
// the updated task, or nil when the task is not in the view.
func (d *Dispatcher) setStatus(id int64, st data.Status, errMsg string, at time.Time) *data.Task {
	d.viewMu.Lock()
	v := d.view[id]
	if v == nil {
		d.viewMu.Unlock()
		return nil
	}
	v.Status = st
	v.Error = errMsg
	v.UpdatedAt = at
	if st != data.StatusRunning {
		v.SpeedBps = 0
	}
	snap := v.Clone()
	d.viewMu.Unlock()
	d.publish(snap, broadcast.KindStatus)
	return snap
}

func (d *Dispatcher) viewTask(id int64) *data.Task {
	d.viewMu.RLock()
	defer d.viewMu.RUnlock()
	return d.view[id].Clone()
}

func (d *Dispatcher) viewStatus(id int64) (data.Status, bool) {
	d.viewMu.RLock()
	defer d.viewMu.RUnlock()
	if v := d.view[id]; v != nil {
		return v.Status, true
	}
	return "", false
}

func (d *Dispatcher) viewLen() int {
	d.viewMu.RLock()
	defer d.viewMu.RUnlock()
	return len(d.view)
}
