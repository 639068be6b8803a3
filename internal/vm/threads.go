package vm

import (
	"fmt"
	"sync/atomic"

	"fiberwatch/internal/maps"
)

// Threads tracks the live carriers and fibers of a runtime. Carriers and
// fibers share one id space so that a bare id names exactly one thread.
type Threads struct {
	nextID   atomic.Int64
	carriers maps.ConcurrentMap[int64, *Carrier]
	fibers   maps.ConcurrentMap[int64, *Fiber]
}

// NewThreads creates an empty table backed by the named map implementation.
func NewThreads(mapImpl string) *Threads {
	return &Threads{
		carriers: maps.NewConcurrentMap[int64, *Carrier](mapImpl),
		fibers:   maps.NewConcurrentMap[int64, *Fiber](mapImpl),
	}
}

// NewCarrier registers a new carrier. An empty name gets a generated one.
func (ts *Threads) NewCarrier(name string) *Carrier {
	id := ts.nextID.Add(1)
	if name == "" {
		name = fmt.Sprintf("carrier-%d", id)
	}
	c := &Carrier{id: id, name: name}
	ts.carriers.Store(id, c)
	return c
}

// NewFiber registers a new, not yet started fiber.
func (ts *Threads) NewFiber(name string) *Fiber {
	id := ts.nextID.Add(1)
	if name == "" {
		name = fmt.Sprintf("fiber-%d", id)
	}
	f := &Fiber{id: id, name: name}
	ts.fibers.Store(id, f)
	return f
}

// Carrier looks up a live carrier.
func (ts *Threads) Carrier(id int64) (*Carrier, bool) { return ts.carriers.Load(id) }

// Fiber looks up a live fiber.
func (ts *Threads) Fiber(id int64) (*Fiber, bool) { return ts.fibers.Load(id) }

// RangeCarriers calls fn for every live carrier until fn returns false.
func (ts *Threads) RangeCarriers(fn func(c *Carrier) bool) {
	ts.carriers.Range(func(_ int64, c *Carrier) bool { return fn(c) })
}

// RangeFibers calls fn for every live fiber until fn returns false.
func (ts *Threads) RangeFibers(fn func(f *Fiber) bool) {
	ts.fibers.Range(func(_ int64, f *Fiber) bool { return fn(f) })
}

func (ts *Threads) NumCarriers() int { return ts.carriers.Len() }
func (ts *Threads) NumFibers() int   { return ts.fibers.Len() }

// RemoveFiber drops a terminated fiber from the table.
func (ts *Threads) RemoveFiber(f *Fiber) {
	if f.State() == FiberTerminated {
		ts.fibers.Delete(f.id)
	}
}

// ExitCarrier marks c as exiting, removes it from the table and retires its
// own record. The carrier must not be carrying a fiber.
func (ts *Threads) ExitCarrier(c *Carrier, records *RecordList) error {
	if c.IsCarrying() {
		return fmt.Errorf("carrier %v exits while carrying %v", c, c.Mounted())
	}
	c.markExiting()
	ts.carriers.Delete(c.id)
	if records != nil {
		records.Retire(c.OwnRecord())
	}
	return nil
}
