package downloader

// Event is one element of a transfer's event sequence.
//
// Progress events carry transient counters. Every other type is terminal for
// the attempt: Success after the file has been committed to FinalPath, Error
// with a human-readable Message, Paused with the partial temp file left in
// place, and Canceled when the attempt was stopped for any other reason.
type Event struct {
	ID       int64
	Type     EventType
	Progress *Progress
	Message  string

	// Set on Success.
	FinalPath string
	FileName  string
}

type EventType string

const (
	EventProgress EventType = "Progress"
	EventSuccess  EventType = "Success"
	EventError    EventType = "Error"
	EventPaused   EventType = "Paused"
	EventCanceled EventType = "Canceled"
)

func (t EventType) Terminal() bool { return t != EventProgress }

// Progress provides the counters of an in-progress transfer.
type Progress struct {
	Completed int64
	Total     int64
	// Speed is bytes/sec over the last emission interval; 0 on the first event.
	Speed int64
}
