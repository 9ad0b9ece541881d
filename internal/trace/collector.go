package trace

import "sync"

// Collector buffers events between points where they are rendered.
type Collector struct {
	mu       sync.Mutex
	events   []*Event
	enrich   Enricher
	counts   map[Tag]int
	total    int
	pcSource func() uint64
}

// NewCollector returns a collector that stamps events with pc() and
// classifies them with enrich. Either may be nil.
func NewCollector(pc func() uint64, enrich Enricher) *Collector {
	return &Collector{pcSource: pc, enrich: enrich, counts: make(map[Tag]int)}
}

// Record matches the bridge's call callback signature.
func (c *Collector) Record(category, name, detail string) {
	var pc uint64
	if c.pcSource != nil {
		pc = c.pcSource()
	}
	e := NewEvent(pc, category, name, detail)
	if c.enrich != nil {
		c.enrich(e)
	}
	c.Add(e)
}

// Add appends an event.
func (c *Collector) Add(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	c.total++
	for _, t := range e.Tags {
		c.counts[t]++
	}
}

// GetAndClear returns the buffered events and empties the buffer.
func (c *Collector) GetAndClear() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

// Total is the number of events ever added.
func (c *Collector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Count is the number of events ever added carrying tag.
func (c *Collector) Count(tag Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tag]
}
