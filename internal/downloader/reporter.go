package downloader

// Reporter receives the events of a single transfer attempt.
type Reporter interface {
	Report(Event)
	Progress(completed, total, speed int64)
}

// ChanReporter stamps events with the attempt's task id and sends them on
// ch. Sends block until the consumer takes them, so an unbuffered channel
// gives a lazy sequence.
type ChanReporter struct {
	id int64
	ch chan<- Event
}

func NewChanReporter(id int64, ch chan<- Event) *ChanReporter {
	return &ChanReporter{id: id, ch: ch}
}

func (r *ChanReporter) Report(e Event) {
	if r == nil {
		return
	}
	e.ID = r.id
	r.ch <- e
}

// Progress reports completed of total bytes at speed bytes per second.
func (r *ChanReporter) Progress(completed, total, speed int64) {
	r.Report(Event{
		Type:     EventProgress,
		Progress: &Progress{Completed: completed, Total: total, Speed: speed},
	})
}
