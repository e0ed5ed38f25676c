package events

import "sync"

// Collector is the test Sink: it appends every published event to an
// in-memory list under a mutex, per spec.md §5's "test implementations
// collect into a list".
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// All returns a snapshot of every event published so far.
func (c *Collector) All() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// CountOf returns how many published events match name.
func (c *Collector) CountOf(name Name) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
