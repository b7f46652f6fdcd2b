package service

import (
	"sync"

	"news-integrity/client/internal/session/domain"
)

// Event is published on every session state transition. Reason is populated
// only on involuntary sign-out (e.g. "token invalid"); voluntary sign-out
// and sign-in carry an empty Reason.
type Event struct {
	Authenticated bool
	User          *domain.Profile
	Mode          domain.Mode
	Reason        string
}

// Notifier fans session-change events out to subscribers. Sends are
// non-blocking: a subscriber whose buffer is full misses the event rather
// than stalling the session manager. Subscribers that care should re-read
// the session on receipt instead of relying on every event arriving.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and returns
// the receive channel plus an unsubscribe function. Unsubscribing closes the
// channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers e to all current subscribers without blocking.
func (n *Notifier) Publish(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
