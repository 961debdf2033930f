package data

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusPreparing Status = "PREPARING"
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

var knownStatuses = map[Status]bool{
	StatusQueued:    true,
	StatusPreparing: true,
	StatusReady:     true,
	StatusRunning:   true,
	StatusPaused:    true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCanceled:  true,
}

// ParseStatus validates s against the known statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !knownStatuses[st] {
		return "", ErrBadStatus
	}
	return st, nil
}

// Terminal reports whether no further transition happens without an
// explicit resume.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Active reports whether work may currently be bound to a task in this status.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPreparing
}

// CanPause is false for tasks already paused or finished; pausing those is a no-op.
func (s Status) CanPause() bool {
	return s != StatusPaused && !s.Terminal()
}

// CanCancel is false for terminal tasks.
func (s Status) CanCancel() bool {
	return !s.Terminal()
}

// CanResume is true for paused, failed and canceled tasks. Completed tasks stay put.
func (s Status) CanResume() bool {
	return s == StatusPaused || s == StatusFailed || s == StatusCanceled
}

// ResumeTarget is the status a resumed task returns to: READY when its paths
// are already resolved, QUEUED otherwise.
func (t *Task) ResumeTarget() Status {
	if t.Resolved() {
		return StatusReady
	}
	return StatusQueued
}

// Scope selects which tasks a Query returns.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeActive    Scope = "active"
	ScopeCompleted Scope = "completed"
)

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Query describes a list request. A zero Limit means no limit.
type Query struct {
	Scope  Scope
	Order  Order
	Offset int
	Limit  int
}

// Normalize fills defaults: all tasks, newest first.
func (q Query) Normalize() Query {
	if q.Scope == "" {
		q.Scope = ScopeAll
	}
	if q.Order == "" {
		q.Order = OrderDesc
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Limit < 0 {
		q.Limit = 0
	}
	return q
}

// Matches reports whether t belongs to the query's scope.
func (q Query) Matches(t *Task) bool {
	switch q.Scope {
	case ScopeActive:
		return t.Status != StatusCompleted
	case ScopeCompleted:
		return t.Status == StatusCompleted
	default:
		return true
	}
}

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeActive, ScopeCompleted:
		return Scope(s), nil
	}
	return "", ErrInvalidRequest
}

func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", OrderDesc:
		return OrderDesc, nil
	case OrderAsc:
		return OrderAsc, nil
	}
	return "", ErrInvalidRequest
}
