// Package broadcast fans task updates out to listeners.
package broadcast

import (
	"sync"

	"github.com/tinoosan/titan/internal/data"
)

type UpdateKind string

const (
	KindStatus   UpdateKind = "status"
	KindProgress UpdateKind = "progress"
	KindRemoved  UpdateKind = "removed"
)

// Update is a snapshot of a task after a change.
type Update struct {
	Task data.Task  `json:"task"`
	Kind UpdateKind `json:"kind"`
}

// Hub delivers published updates to every subscription. Publish never
// blocks on a slow listener: each subscription queues on its own and a
// pending progress update is replaced by a newer one for the same task.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription receives updates on C until Close. C is closed afterwards.
type Subscription struct {
	C <-chan Update

	hub    *Hub
	c      chan Update
	mu     sync.Mutex
	queue  []Update
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a listener. buffer sizes C.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	c := make(chan Update, buffer)
	s := &Subscription{
		C:      c,
		hub:    h,
		c:      c,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go s.pump()
	return s
}

func (h *Hub) Publish(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		s.enqueue(u)
	}
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) enqueue(u Update) {
	s.mu.Lock()
	coalesced := false
	if u.Kind == KindProgress {
		for i := len(s.queue) - 1; i >= 0; i-- {
			if s.queue[i].Task.ID != u.Task.ID {
				continue
			}
			if s.queue[i].Kind == KindProgress {
				s.queue[i] = u
				coalesced = true
			}
			break
		}
	}
	if !coalesced {
		s.queue = append(s.queue, u)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Update{}, false
	}
	u := s.queue[0]
	s.queue[0] = Update{}
	s.queue = s.queue[1:]
	return u, true
}

func (s *Subscription) pump() {
	defer close(s.c)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			u, ok := s.pop()
			if !ok {
				break
			}
			select {
			case s.c <- u:
			case <-s.done:
				return
			}
		}
	}
}
