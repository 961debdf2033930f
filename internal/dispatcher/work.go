package dispatcher

import (
	"context"
	"strings"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/data"
	"github.com/tinoosan/titan/internal/downloader"
	"github.com/tinoosan/titan/internal/metrics"
)

// runPrepare resolves paths for a PREPARING task.
func (d *Dispatcher) runPrepare(ctx context.Context, t *data.Task, runID string) {
	res, err := d.resolver.Resolve(ctx, t)

	d.mu.Lock()
	defer d.kick()
	defer d.mu.Unlock()

	if cur, ok := d.preparing[t.ID]; !ok || cur != runID {
		// Paused, canceled or deleted while resolving.
		if err == nil {
			d.removePlaceholder(res.FinalPath)
		}
		d.log.Info("discarding stale prepare result", "id", t.ID, "run_id", runID)
		return
	}
	delete(d.preparing, t.ID)
	d.updateGauges()

	bg := context.Background()
	now := d.now()
	if err != nil {
		if d.stopping {
			// Left PREPARING; the next start re-queues it.
			return
		}
		metrics.TaskEvents.WithLabelValues("prepare_failed").Inc()
		d.failTask(bg, t.ID, "Prepare failed: "+err.Error())
		return
	}

	_ = d.write("update_on_prepare_success", func() error {
		return d.repo.UpdateOnPrepareSuccess(bg, t.ID, res.FinalPath, res.TempPath, res.FileName, now)
	})
	d.viewMu.Lock()
	v := d.view[t.ID]
	var snap *data.Task
	if v != nil {
		v.FinalPath = res.FinalPath
		v.TempPath = res.TempPath
		v.FileName = res.FileName
		v.Status = data.StatusReady
		v.Error = ""
		v.UpdatedAt = now
		snap = v.Clone()
	}
	d.viewMu.Unlock()
	if snap != nil {
		d.publish(snap, broadcast.KindStatus)
	}
	metrics.TaskEvents.WithLabelValues("prepared").Inc()
	d.log.Info("task prepared", "id", t.ID, "final_path", res.FinalPath, "temp_path", res.TempPath)
}

// runDownload drains the strategy's event sequence for one attempt.
func (d *Dispatcher) runDownload(ctx context.Context, strat downloader.Strategy, t *data.Task, runID string) {
	for e := range strat.Download(ctx, t, d.checker(ctx, t.ID)) {
		if e.Type == downloader.EventProgress {
			d.onProgress(t.ID, runID, e.Progress)
			continue
		}
		d.onTerminal(t, runID, e)
	}
}

// checker maps the state of the task to a signal. Work is only told to stop
// once its context is canceled, which commands do after updating the view.
func (d *Dispatcher) checker(ctx context.Context, id int64) downloader.StateChecker {
	return func() downloader.Signal {
		if ctx.Err() == nil {
			return downloader.SignalNone
		}
		if st, ok := d.viewStatus(id); ok && st == data.StatusPaused {
			return downloader.SignalPaused
		}
		return downloader.SignalCanceled
	}
}

func (d *Dispatcher) onProgress(id int64, runID string, p *downloader.Progress) {
	if p == nil {
		return
	}
	d.mu.Lock()
	current := d.running[id] == runID
	d.mu.Unlock()
	if !current {
		return
	}

	prog := data.Progress{
		Percent:    data.Percent(p.Completed, p.Total),
		Downloaded: p.Completed,
		Total:      p.Total,
		Speed:      p.Speed,
	}
	d.viewMu.Lock()
	v := d.view[id]
	if v == nil || v.Status != data.StatusRunning {
		d.viewMu.Unlock()
		return
	}
	v.ApplyProgress(prog)
	snap := v.Clone()
	d.viewMu.Unlock()

	d.progMu.Lock()
	d.pending[id] = prog
	d.progMu.Unlock()

	d.publish(snap, broadcast.KindProgress)
}

func (d *Dispatcher) onTerminal(t *data.Task, runID string, e downloader.Event) {
	id := t.ID
	metrics.TaskEvents.WithLabelValues(strings.ToLower(string(e.Type))).Inc()
	ctx := context.Background()

	d.mu.Lock()
	defer d.kick()
	defer d.mu.Unlock()

	cur, ok := d.running[id]
	current := ok && cur == runID
	if current {
		delete(d.running, id)
		d.updateGauges()
		d.dropPending(id)
	}
	st, known := d.viewStatus(id)
	log := d.log.With("id", id, "run_id", runID, "type", e.Type)

	switch e.Type {
	case downloader.EventSuccess:
		// The bytes are committed, so a late success still completes a task
		// that was paused or resumed meanwhile. Canceled and deleted tasks stay put.
		if !known || st == data.StatusCanceled {
			log.Info("ignoring success for removed or canceled task")
			return
		}
		if !current {
			if _, live := d.running[id]; live {
				delete(d.running, id)
				d.updateGauges()
			}
			delete(d.preparing, id)
			d.runner.Cancel(workNames(id)...)
			d.dropPending(id)
		}
		d.completeTask(ctx, id, e)
	case downloader.EventError:
		if !current {
			log.Info("ignoring stale error", "msg", e.Message)
			return
		}
		d.failTask(ctx, id, e.Message)
	case downloader.EventPaused:
		if current && known && st != data.StatusPaused {
			d.pauseView(ctx, id)
		}
		log.Info("transfer paused")
	case downloader.EventCanceled:
		if !current {
			// Cancel and Delete remove the temp file before the run drains; a
			// run stopped mid-open may have created it again.
			if !known || st == data.StatusCanceled {
				d.removeFile(t.TempPath)
			}
			log.Info("transfer stopped")
			return
		}
		if d.stopping {
			// Left RUNNING; the next start resumes it.
			log.Info("transfer interrupted by shutdown")
			return
		}
		d.failTask(ctx, id, "Transfer interrupted")
	}
}

func (d *Dispatcher) pauseView(ctx context.Context, id int64) {
	now := d.now()
	_ = d.write("update_status", func() error {
		return d.repo.UpdateStatus(ctx, id, data.StatusPaused, now)
	})
	d.setStatus(id, data.StatusPaused, "", now)
}

func (d *Dispatcher) completeTask(ctx context.Context, id int64, e downloader.Event) {
	now := d.now()
	_ = d.write("update_on_success", func() error {
		return d.repo.UpdateOnSuccess(ctx, id, e.FinalPath, e.FileName, now)
	})
	d.viewMu.Lock()
	v := d.view[id]
	var snap *data.Task
	if v != nil {
		v.Status = data.StatusCompleted
		v.Progress = 100
		if v.TotalBytes >= 0 {
			v.DownloadedBytes = v.TotalBytes
		}
		v.SpeedBps = 0
		if e.FinalPath != "" {
			v.FinalPath = e.FinalPath
		}
		if e.FileName != "" {
			v.FileName = e.FileName
		}
		v.Error = ""
		v.UpdatedAt = now
		snap = v.Clone()
	}
	d.viewMu.Unlock()
	if snap != nil {
		d.publish(snap, broadcast.KindStatus)
	}
	d.log.Info("task completed", "id", id, "final_path", e.FinalPath)
}

// failTask records a failure. Called with mu held.
func (d *Dispatcher) failTask(ctx context.Context, id int64, msg string) {
	now := d.now()
	_ = d.write("update_on_error", func() error {
		return d.repo.UpdateOnError(ctx, id, data.StatusFailed, msg, now)
	})
	d.setStatus(id, data.StatusFailed, msg, now)
	metrics.TaskEvents.WithLabelValues("failed").Inc()
	d.log.Warn("task failed", "id", id, "err", msg)
}
