package service

import (
	"sync"
	"sync/atomic"

	"github.com/reaje/whatsapp-microservice/internal/domain"
)

// Subscriber receives events for one tenant, or for every tenant when
// TenantID is empty.
type Subscriber struct {
	ID       string
	TenantID string
	Events   chan domain.Event
}

// EventBroadcaster fans session events out to subscribers. Broadcast never
// blocks: a subscriber whose buffer is full misses the event.
type EventBroadcaster struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	bufferSize  int
	dropped     atomic.Int64
}

func NewEventBroadcaster(bufferSize int) *EventBroadcaster {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBroadcaster{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

func (b *EventBroadcaster) Subscribe(subscriberID, tenantID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[subscriberID]; ok {
		close(old.Events)
	}
	sub := &Subscriber{
		ID:       subscriberID,
		TenantID: tenantID,
		Events:   make(chan domain.Event, b.bufferSize),
	}
	b.subscribers[subscriberID] = sub
	return sub
}

func (b *EventBroadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
	}
}

func (b *EventBroadcaster) Broadcast(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.TenantID != "" && sub.TenantID != event.TenantID {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// DroppedEventCount is the number of deliveries skipped for full buffers.
func (b *EventBroadcaster) DroppedEventCount() int64 {
	return b.dropped.Load()
}

func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *EventBroadcaster) TenantSubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, sub := range b.subscribers {
		if sub.TenantID == "" || sub.TenantID == tenantID {
			count++
		}
	}
	return count
}
