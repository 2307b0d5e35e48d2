package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor fails the test unless wg drains within a second.
func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBusDeliversToTypedSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	unsub := bus.Subscribe(SessionCreated, func(e Event) {
		got.Store(e)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated, Data: "s-1"})
	waitFor(t, &wg)

	e := got.Load().(Event)
	if e.Type != SessionCreated || e.Data != "s-1" {
		t.Errorf("received %+v", e)
	}
}

func TestBusTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var hits int32
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(Stop, func(e Event) {
		atomic.AddInt32(&hits, 1)
		wg.Done()
	})

	bus.Publish(Event{Type: Thinking})
	bus.Publish(Event{Type: TextChunk})
	bus.Publish(Event{Type: Stop})
	waitFor(t, &wg)

	// Give misrouted deliveries a moment to show up before asserting.
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("hits = %d, want 1", n)
	}
}

func TestBusGlobalSubscriberSeesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)
	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionCreated})
	bus.Publish(Event{Type: MessageUpdated})
	bus.Publish(Event{Type: Stop})
	waitFor(t, &wg)

	if n := atomic.LoadInt32(&count); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var hits int32
	unsub := bus.Subscribe(SessionIdle, func(e Event) {
		atomic.AddInt32(&hits, 1)
	})
	unsub()

	bus.Publish(Event{Type: SessionIdle})
	time.Sleep(30 * time.Millisecond)

	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Errorf("delivered %d events after unsubscribe", n)
	}
}

func TestBusPublishSyncIsOrdered(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var order []string
	bus.Subscribe(FileEdited, func(e Event) {
		order = append(order, e.Data.(string))
	})

	// PublishSync runs subscribers inline, so appends happen in publish
	// order with no synchronization needed.
	bus.PublishSync(Event{Type: FileEdited, Data: "a.go"})
	bus.PublishSync(Event{Type: FileEdited, Data: "b.go"})
	bus.PublishSync(Event{Type: FileEdited, Data: "c.go"})

	want := []string{"a.go", "b.go", "c.go"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBusClosedBusDropsEverything(t *testing.T) {
	bus := NewBus()

	var hits int32
	bus.Subscribe(SessionDeleted, func(e Event) {
		atomic.AddInt32(&hits, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	bus.Publish(Event{Type: SessionDeleted})
	bus.PublishSync(Event{Type: SessionDeleted})
	if unsub := bus.Subscribe(SessionDeleted, func(Event) {}); unsub == nil {
		t.Error("Subscribe on a closed bus should still return a no-op unsubscribe")
	}

	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Errorf("closed bus delivered %d events", n)
	}
}

func TestBusWireMirror(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msgs, err := bus.PubSub().Subscribe(ctx, string(TodoUpdated))
	if err != nil {
		t.Fatalf("watermill subscribe: %v", err)
	}

	bus.Publish(Event{Type: TodoUpdated, Data: map[string]any{"sessionID": "s-9"}})

	select {
	case msg := <-msgs:
		var e struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if e.Type != string(TodoUpdated) || e.Data["sessionID"] != "s-9" {
			t.Errorf("mirrored event = %+v", e)
		}
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no mirrored message on the watermill channel")
	}
}

func TestGlobalBusReset(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Subscribe(SessionUpdated, func(e Event) {
		wg.Done()
	})

	Publish(Event{Type: SessionUpdated})
	waitFor(t, &wg)

	// Reset swaps the global bus; old subscriptions must not survive.
	Reset()

	var after int32
	Subscribe(SessionUpdated, func(e Event) {
		atomic.AddInt32(&after, 1)
	})
	PublishSync(Event{Type: SessionUpdated})

	if n := atomic.LoadInt32(&after); n != 1 {
		t.Errorf("post-reset delivery count = %d, want 1", n)
	}
}
