package service

import (
	"sync"

	"github.com/rl1809/profile-store/internal/core/domain"
)

type EventKind int

const (
	EventProfileReady EventKind = iota + 1
	EventSaveComplete
)

func (k EventKind) String() string {
	switch k {
	case EventProfileReady:
		return "profile_ready"
	case EventSaveComplete:
		return "save_complete"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Key     string
	Success bool
	Version int64
	Reason  string
	// Profile is a copy, set for EventProfileReady only.
	Profile *domain.Profile
}

// Notifier fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *Notifier) publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
