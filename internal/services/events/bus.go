// Package events fans out automation events to any number of observers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topic identifies the component an event came from.
type Topic string

// Standard topics.
const (
	TopicSave    Topic = "save"
	TopicBackup  Topic = "backup"
	TopicRestart Topic = "restart"
	TopicPlayers Topic = "players"
	TopicAction  Topic = "action"
)

// Event is a single notification published on the bus.
type Event struct {
	ID      string
	Topic   Topic
	Time    time.Time
	Message string
	Err     error
	Fields  map[string]any
}

// Failed reports whether the event describes a failure.
func (e Event) Failed() bool {
	return e.Err != nil
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(evt Event)
}

// Subscription receives events until Close is called.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	id     uint64
	bus    *Bus
	closed bool
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s)
}

// Bus delivers every published event to all current subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	logger  zerolog.Logger
	dropped atomic.Uint64
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers an observer with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, ch: ch, id: b.nextID, bus: b}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish stamps the event and delivers it without blocking. A subscriber
// whose buffer is full misses the event.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			b.logger.Warn().
				Str("topic", string(evt.Topic)).
				Uint64("subscriber", sub.id).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
