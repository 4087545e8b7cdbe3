// Package realtime fans conversation change notifications out to live directory feeds.
package realtime

import (
	"sync"

	"estate-chat/internal/models"
	"estate-chat/internal/observability"
)

const defaultBuffer = 32

// Broker is an in-process fan-out of change events. Publish never blocks: a subscriber
// whose buffer is full has its backlog replaced by a single RESYNC.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]chan models.ChangeEvent
	next   uint64
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &Broker{subs: make(map[uint64]chan models.ChangeEvent), buffer: buffer}
}

// Subscribe registers a listener. The returned cancel func closes the channel and is safe
// to call more than once.
func (b *Broker) Subscribe() (<-chan models.ChangeEvent, func()) {
	ch := make(chan models.ChangeEvent, b.buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber.
func (b *Broker) Publish(ev models.ChangeEvent) {
	observability.IncChangeEvent(string(ev.Op))

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			collapse(ch)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func collapse(ch chan models.ChangeEvent) {
drain:
	for {
		select {
		case <-ch:
		default:
			break drain
		}
	}
	select {
	case ch <- models.ChangeEvent{Op: models.ChangeResync}:
	default:
	}
}
