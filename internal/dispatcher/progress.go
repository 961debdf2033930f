package dispatcher

import (
	"context"

	"github.com/tinoosan/titan/internal/data"
)

// flushProgress writes the latest buffered progress of every task. It runs
// on the gocron flush job and once more on Stop.
func (d *Dispatcher) flushProgress() {
	d.progMu.Lock()
	batch := d.pending
	d.pending = make(map[int64]data.Progress, len(batch))
	d.progMu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx := context.Background()
	now := d.now()
	for id, p := range batch {
		_ = d.write("update_progress", func() error {
			return d.repo.UpdateProgress(ctx, id, p, now)
		})
	}
	d.log.Debug("flushed progress", "tasks", len(batch))
}

// flushOne writes the buffered progress of id right away, if any.
func (d *Dispatcher) flushOne(ctx context.Context, id int64) {
	d.progMu.Lock()
	p, ok := d.pending[id]
	delete(d.pending, id)
	d.progMu.Unlock()
	if !ok {
		return
	}
	now := d.now()
	_ = d.write("update_progress", func() error {
		return d.repo.UpdateProgress(ctx, id, p, now)
	})
}

func (d *Dispatcher) dropPending(id int64) {
	d.progMu.Lock()
	delete(d.pending, id)
	d.progMu.Unlock()
}
