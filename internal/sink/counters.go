package sink

import "sync/atomic"

// Counters are the session totals shared by the receive loop and the
// reporter. Both values only ever grow.
type Counters struct {
	events atomic.Uint32
	bytes  atomic.Uint64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Events uint32
	Bytes  uint64
}

func (c *Counters) AddEvent() {
	c.events.Add(1)
}

func (c *Counters) AddBytes(n int) uint64 {
	if n <= 0 {
		return c.bytes.Load()
	}
	return c.bytes.Add(uint64(n))
}

func (c *Counters) Events() uint32 {
	return c.events.Load()
}

func (c *Counters) Bytes() uint64 {
	return c.bytes.Load()
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{Events: c.events.Load(), Bytes: c.bytes.Load()}
}

// KB is the size in the unit the progress line prints.
func (s Snapshot) KB() uint64 {
	return s.Bytes / 1000
}
