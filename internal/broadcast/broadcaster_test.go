package broadcast

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBroadcaster_PublishRouting(t *testing.T) {
	b := New(8)
	global := b.Subscribe()
	dev1 := b.Subscribe(DeviceTopic("esp32_1"))
	dev2 := b.Subscribe(DeviceTopic("esp32_2"))
	both := b.Subscribe(GlobalTopic, DeviceTopic("esp32_1"))

	b.Publish(Event{Type: EventTelemetry, DeviceID: "esp32_1"})

	if ev := receive(t, global); ev.Type != EventTelemetry || ev.Timestamp.IsZero() {
		t.Errorf("global received %+v", ev)
	}
	receive(t, dev1)
	expectNone(t, dev2)

	receive(t, both)
	expectNone(t, both) // delivered once despite two matching topics
}

func TestBroadcaster_PublishWithoutDevice(t *testing.T) {
	b := New(8)
	global := b.Subscribe()
	dev := b.Subscribe(DeviceTopic("esp32_1"))

	b.Publish(Event{Type: EventSnapshot})
	receive(t, global)
	expectNone(t, dev)
}

func TestBroadcaster_PublishDevice(t *testing.T) {
	b := New(8)
	global := b.Subscribe()
	observer := b.Subscribe(DeviceTopic("esp32_1"))
	dev := b.Subscribe(DeliveryTopic("esp32_1"))

	n := b.PublishDevice("esp32_1", Event{Type: EventCommandPush})
	if n != 1 {
		t.Errorf("PublishDevice() delivered to %d, want 1", n)
	}
	if ev := receive(t, dev); ev.DeviceID != "esp32_1" {
		t.Errorf("DeviceID = %q", ev.DeviceID)
	}
	expectNone(t, global)
	expectNone(t, observer)

	// Device events published globally do not reach the delivery topic.
	b.Publish(Event{Type: EventTelemetry, DeviceID: "esp32_1"})
	expectNone(t, dev)

	if n := b.PublishDevice("esp32_2", Event{Type: EventCommandPush}); n != 0 {
		t.Errorf("PublishDevice() with no subscribers = %d", n)
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New(2)
	var drops atomic.Int64
	b.OnDrop(func(Event) { drops.Add(1) })

	slow := b.Subscribe()
	healthy := b.Subscribe(DeviceTopic("esp32_1"))

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: EventTelemetry, DeviceID: "esp32_1"})
			if i < 2 {
				// healthy drains its first events; slow never reads.
				<-healthy.C()
			}
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	if slow.Dropped() != 8 {
		t.Errorf("slow.Dropped() = %d, want 8", slow.Dropped())
	}
	if healthy.Dropped() != 6 {
		t.Errorf("healthy.Dropped() = %d, want 6", healthy.Dropped())
	}
	if drops.Load() != 14 {
		t.Errorf("drop hook called %d times, want 14", drops.Load())
	}
	if stats := b.Stats(); stats.Dropped != 14 || stats.Published != 10 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(GlobalTopic, DeviceTopic("esp32_1"))

	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed")
	}
	if n := b.SubscriberCount(GlobalTopic); n != 0 {
		t.Errorf("SubscriberCount(global) = %d after close", n)
	}
	if n := b.SubscriberCount(DeviceTopic("esp32_1")); n != 0 {
		t.Errorf("SubscriberCount(device) = %d after close", n)
	}

	// Publishing after close must not panic.
	b.Publish(Event{Type: EventTelemetry, DeviceID: "esp32_1"})
	sub.Add(GlobalTopic)
	if n := b.SubscriberCount(GlobalTopic); n != 0 {
		t.Error("Add after Close re-attached the subscription")
	}
}

func TestSubscription_AddRemove(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(DeviceTopic("esp32_1"))
	defer sub.Close()

	sub.Add(DeviceTopic("esp32_2"))
	b.Publish(Event{Type: EventDeviceState, DeviceID: "esp32_2"})
	receive(t, sub)

	sub.Remove(DeviceTopic("esp32_2"))
	b.Publish(Event{Type: EventDeviceState, DeviceID: "esp32_2"})
	expectNone(t, sub)

	if topics := sub.Topics(); len(topics) != 1 || topics[0] != DeviceTopic("esp32_1") {
		t.Errorf("Topics() = %v", topics)
	}
}

func TestBroadcaster_ConcurrentPublishAndClose(t *testing.T) {
	b := New(1)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: EventTelemetry, DeviceID: "esp32_1"})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				sub := b.Subscribe(GlobalTopic, DeviceTopic("esp32_1"))
				sub.Close()
			}
		}()
	}
	wg.Wait()

	if n := b.SubscriberCount(GlobalTopic); n != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", n)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := New(4)
	a := b.Subscribe()
	c := b.Subscribe(DeviceTopic("esp32_1"))
	b.Close()

	for _, sub := range []*Subscription{a, c} {
		if _, ok := <-sub.C(); ok {
			t.Error("subscription not closed by Broadcaster.Close")
		}
	}
	if stats := b.Stats(); stats.Subscriptions != 0 {
		t.Errorf("Stats().Subscriptions = %d", stats.Subscriptions)
	}
}
