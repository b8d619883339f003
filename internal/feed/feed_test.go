package feed

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Queue)
	defer sub.Close()

	bus.Publish(Event{Op: OpPut, Collection: Queue, Key: "u1"})

	select {
	case evt := <-sub.C:
		if evt.Op != OpPut || evt.Key != "u1" {
			t.Errorf("got event %+v, want put u1", evt)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no event received")
	}
}

func TestBus_CollectionIsolation(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Sessions)
	defer sub.Close()

	bus.Publish(Event{Op: OpPut, Collection: Queue, Key: "u1"})

	select {
	case evt := <-sub.C:
		t.Errorf("unexpected event %+v for other collection", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_OrderPreserved(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Candidates)
	defer sub.Close()

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		bus.Publish(Event{Op: OpPut, Collection: Candidates, Key: k})
	}

	for i, want := range keys {
		select {
		case evt := <-sub.C:
			if evt.Key != want {
				t.Errorf("event %d key = %s, want %s", i, evt.Key, want)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe(Sessions)
	sub2 := bus.Subscribe(Sessions)
	defer sub1.Close()
	defer sub2.Close()

	bus.Publish(Event{Op: OpDelete, Collection: Sessions, Key: "s1"})

	for i, sub := range []*Subscription{sub1, sub2} {
		select {
		case evt := <-sub.C:
			if evt.Op != OpDelete {
				t.Errorf("subscriber %d got op %s, want delete", i, evt.Op)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Users)
	sub.Close()

	// Publishing after close must not panic or deliver.
	bus.Publish(Event{Op: OpPut, Collection: Users, Key: "u1"})

	if _, ok := <-sub.C; ok {
		t.Error("received event on closed subscription")
	}
}

func TestSubscription_CloseTwice(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Users)
	sub.Close()
	sub.Close()
}
