package service

import (
	"sync"
	"testing"
	"time"

	"github.com/reaje/whatsapp-microservice/internal/domain"
)

func statusEvent(tenant string) domain.Event {
	key := domain.SessionKey{TenantID: tenant, PhoneNumber: "5511999990000"}
	return domain.NewStatusChangeEvent(key, domain.SessionStateConnecting, domain.SessionStateConnected, "connection opened")
}

func TestNewEventBroadcaster(t *testing.T) {
	t.Run("with default buffer size", func(t *testing.T) {
		b := NewEventBroadcaster(0)
		if b.bufferSize != 100 {
			t.Errorf("expected buffer size 100, got %d", b.bufferSize)
		}
	})

	t.Run("with custom buffer size", func(t *testing.T) {
		b := NewEventBroadcaster(50)
		if b.bufferSize != 50 {
			t.Errorf("expected buffer size 50, got %d", b.bufferSize)
		}
	})
}

func TestEventBroadcaster_Unsubscribe(t *testing.T) {
	b := NewEventBroadcaster(10)

	sub := b.Subscribe("sub1", "acme")
	b.Unsubscribe("sub1")
	b.Unsubscribe("sub1")

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Error("expected channel to be closed")
		}
	default:
		t.Error("expected channel to be closed immediately")
	}
}

func TestEventBroadcaster_ResubscribeClosesPrevious(t *testing.T) {
	b := NewEventBroadcaster(10)

	first := b.Subscribe("sub1", "acme")
	second := b.Subscribe("sub1", "globex")

	if _, ok := <-first.Events; ok {
		t.Error("expected replaced subscription to be closed")
	}
	b.Broadcast(statusEvent("globex"))
	if got := len(second.Events); got != 1 {
		t.Errorf("expected 1 event on new subscription, got %d", got)
	}
}

func TestEventBroadcaster_BroadcastFiltersByTenant(t *testing.T) {
	b := NewEventBroadcaster(10)

	acme1 := b.Subscribe("acme1", "acme")
	acme2 := b.Subscribe("acme2", "acme")
	globex := b.Subscribe("globex", "globex")
	all := b.Subscribe("all", "")

	b.Broadcast(statusEvent("acme"))

	for name, sub := range map[string]*Subscriber{"acme1": acme1, "acme2": acme2, "all": all} {
		select {
		case e := <-sub.Events:
			if e.TenantID != "acme" {
				t.Errorf("%s: expected acme, got %s", name, e.TenantID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("%s should have received event", name)
		}
	}

	select {
	case <-globex.Events:
		t.Error("globex should not receive acme events")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestEventBroadcaster_BroadcastNonBlocking(t *testing.T) {
	b := NewEventBroadcaster(1)
	sub := b.Subscribe("slow", "acme")

	b.Broadcast(statusEvent("acme"))
	b.Broadcast(statusEvent("acme"))
	b.Broadcast(statusEvent("acme"))

	<-sub.Events
	if got := b.DroppedEventCount(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}
}

func TestEventBroadcaster_ConcurrentAccess(t *testing.T) {
	b := NewEventBroadcaster(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			subID := string(rune('a' + id))
			b.Subscribe(subID, "acme")
			time.Sleep(10 * time.Millisecond)
			b.Unsubscribe(subID)
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Broadcast(statusEvent("acme"))
		}()
	}
	wg.Wait()
}

func TestEventBroadcaster_TenantSubscriberCount(t *testing.T) {
	b := NewEventBroadcaster(10)

	b.Subscribe("sub1", "acme")
	b.Subscribe("sub2", "acme")
	b.Subscribe("sub3", "globex")
	b.Subscribe("subAll", "")

	if count := b.TenantSubscriberCount("acme"); count != 3 {
		t.Errorf("expected 3 subscribers for acme, got %d", count)
	}
	if count := b.TenantSubscriberCount("globex"); count != 2 {
		t.Errorf("expected 2 subscribers for globex, got %d", count)
	}
}
