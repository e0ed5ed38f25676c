package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCollectorCollectsInOrder(t *testing.T) {
	c := NewCollector()
	c.Publish(Event{Name: EndpointConnected, Ctx: Context{Elapsed: time.Millisecond}})
	c.Publish(Event{Name: SaslAuthFailed, Err: errors.New("bad credentials")})

	all := c.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	if all[0].Name != EndpointConnected || all[1].Name != SaslAuthFailed {
		t.Fatalf("unexpected order: %+v", all)
	}
	if c.CountOf(SaslAuthFailed) != 1 {
		t.Fatal("expected one SaslAuthFailed")
	}
}

func TestQueueBusDrainsAndCounts(t *testing.T) {
	done := make(chan Event, 1)
	bus := NewQueueBus(4, func(ev Event) { done <- ev })

	bus.Publish(Event{Name: ConfigUpdated})

	select {
	case ev := <-done:
		if ev.Name != ConfigUpdated {
			t.Fatalf("unexpected event name %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event to drain")
	}

	bus.Close()
	if bus.Count(ConfigUpdated) != 1 {
		t.Fatalf("expected count 1, got %d", bus.Count(ConfigUpdated))
	}
}

func TestQueueBusDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	bus := NewQueueBus(1, func(ev Event) { <-block })

	// First publish fills the single consumer invocation; subsequent ones
	// should exceed capacity and be dropped rather than block.
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Name: RequestRetried})
	}
	close(block)
	bus.Close()

	if bus.Dropped() == 0 {
		t.Fatal("expected at least one dropped event under a full queue")
	}
}

func TestQueueBusPublishDuringCloseDoesNotPanic(t *testing.T) {
	bus := NewQueueBus(16, func(Event) {})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Name: RequestRetried})
		}
	}()

	bus.Close()
	wg.Wait()
}
