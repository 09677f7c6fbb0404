package event

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/types"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionCreated, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated, Data: "test-session"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != SessionCreated {
			t.Errorf("Expected SessionCreated, got %v", received.Type)
		}
		if received.Data != "test-session" {
			t.Errorf("Expected 'test-session', got %v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup
	wg.Add(4)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated})
	bus.Publish(Event{Type: SessionUpdated})
	bus.Publish(Event{Type: SessionCleared})
	bus.Publish(Event{Type: SessionDeleted})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 4 {
			t.Errorf("Expected 4 events, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.Subscribe(SessionUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: SessionUpdated})
	unsub()
	bus.PublishSync(Event{Type: SessionUpdated})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", got)
	}
}

func TestBus_PublishSyncPreservesPublisherOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	unsub := bus.Subscribe(SessionUpdated, func(e Event) {
		order = append(order, e.Data.(string))
	})
	defer unsub()

	for _, id := range []string{"a", "b", "c", "d"} {
		bus.PublishSync(Event{Type: SessionUpdated, Data: id})
	}

	want := []string{"a", "b", "c", "d"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d deliveries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Delivery %d: expected %q, got %q", i, want[i], order[i])
		}
	}
}

func TestBus_MirrorsEventsToPubSub(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	messages, err := bus.PubSub().Subscribe(context.Background(), string(SessionCreated))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.PublishSync(Event{
		Type: SessionCreated,
		Data: SessionCreatedData{Session: &types.Session{SessionID: "sess_1"}},
	})

	select {
	case msg := <-messages:
		msg.Ack()

		var mirrored struct {
			Type EventType `json:"type"`
		}
		if err := json.Unmarshal(msg.Payload, &mirrored); err != nil {
			t.Fatalf("Failed to decode mirrored payload: %v", err)
		}
		if mirrored.Type != SessionCreated {
			t.Errorf("Expected SessionCreated, got %v", mirrored.Type)
		}
		if !strings.Contains(string(msg.Payload), "sess_1") {
			t.Errorf("Expected payload to carry the session id, got %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for mirrored message")
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(SessionCreated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	bus.PublishSync(Event{Type: SessionCreated})
	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("Expected no deliveries after close, got %d", got)
	}

	// Subscribing after close returns a no-op unsubscribe.
	unsub := bus.Subscribe(SessionCreated, func(e Event) {})
	unsub()
}
