package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventRateLimit    EventType = "rate_limit"
	EventUnauthorized EventType = "unauthorized"
	EventBlocked      EventType = "blocked"
	EventOverload     EventType = "overload"
	EventRecover      EventType = "recover"
	EventServerError  EventType = "server_error"
	EventUsage        EventType = "usage"
)

type Event struct {
	Type      EventType `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// Bus is an in-process publish/subscribe bus with a bounded replay ring.
type Bus struct {
	mu          sync.RWMutex
	ring        []Event
	ringSize    int
	ringPos     int
	ringCount   int
	subscribers map[int]chan Event
	nextID      int
}

func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 200
	}
	return &Bus{
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
		subscribers: make(map[int]chan Event),
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.ringPos] = e
	b.ringPos = (b.ringPos + 1) % b.ringSize
	if b.ringCount < b.ringSize {
		b.ringCount++
	}

	// Slow subscribers drop events rather than block the publisher.
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) Subscribe() (id int, ch <-chan Event, recent []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan Event, 64)
	id = b.nextID
	b.nextID++
	b.subscribers[id] = c

	return id, c, b.recentLocked()
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Recent returns the buffered events in chronological order.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recentLocked()
}

func (b *Bus) recentLocked() []Event {
	out := make([]Event, 0, b.ringCount)
	start := b.ringPos - b.ringCount
	if start < 0 {
		start += b.ringSize
	}
	for i := 0; i < b.ringCount; i++ {
		out = append(out, b.ring[(start+i)%b.ringSize])
	}
	return out
}
