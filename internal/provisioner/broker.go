// Package provisioner supervises the external token helper process and fans
// its output out to live listeners.
package provisioner

import "sync"

// EventKind names a helper event.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventError  EventKind = "error"
	EventExit   EventKind = "exit"
)

// Event is one line of helper output or its exit.
type Event struct {
	Kind    EventKind `json:"-"`
	Message string    `json:"message,omitempty"`
	Code    *int      `json:"code,omitempty"`
}

// Broker is a publish/subscribe hub. Slow subscribers lose events rather
// than block the publisher.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Subscribe registers a listener. The returned cancel removes it and closes
// the channel; it is safe to call more than once and concurrently with
// Publish.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every current subscriber without blocking.
func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Len is the number of live subscribers.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
