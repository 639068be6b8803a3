package vm

import (
	"fiberwatch/internal/debug"
	"fiberwatch/internal/events"
	"fiberwatch/internal/logger"

	"github.com/phuslu/log"
)

// Binder swaps a carrier's active record on mount and unmount. Both calls run
// inside the transition critical section of the fiber.
type Binder struct {
	records *RecordList
	check   *debug.Checker
	log     log.Logger
}

// NewBinder creates a binder allocating records from records.
func NewBinder(records *RecordList, check *debug.Checker) *Binder {
	return &Binder{
		records: records,
		check:   check,
		log:     logger.NewLoggerWithContext("binder"),
	}
}

// Records returns the list the binder allocates from.
func (b *Binder) Records() *RecordList { return b.records }

// BindOnMount makes f's record the active record of c, creating it if needed.
// The carrier's interpreter-only mode is propagated onto the fiber's record
// and the carrier then runs in the fiber's mode.
//
// If the record cannot be created the fiber is still mounted, without an
// active record, and the error is returned for the caller to report.
func (b *Binder) BindOnMount(c *Carrier, f *Fiber) (*Record, error) {
	if cur := c.Mounted(); cur != nil {
		if !b.check.Assert(cur == f, "mount of %v on %v already carrying %v", f, c, cur) {
			return nil, nil
		}
		return f.Record(), nil
	}

	carrierMode := c.InterpOnly()
	c.parkedInterpOnly.Store(carrierMode)
	if own := c.OwnRecord(); own != nil {
		own.interpOnly.Store(carrierMode)
	}

	f.carrier.Store(c)
	f.setState(FiberMounted)
	c.setMounted(f)

	r, err := b.records.StateFor(f)
	if err != nil {
		c.setActive(nil)
		return nil, err
	}
	r.carrier.Store(c)
	if carrierMode {
		r.interpOnly.Store(true)
	}
	c.SetInterpOnly(r.InterpOnly())
	c.setActive(r)
	return r, nil
}

// UnbindOnUnmount restores c's own record as active. When terminal is set the
// fiber has ended: its record is detached, its undelivered events are
// returned for the caller to post once out of the critical section, and the
// record is retired for deferred reclaim.
func (b *Binder) UnbindOnUnmount(c *Carrier, f *Fiber, terminal bool) []events.Event {
	if cur := c.Mounted(); cur != f {
		b.check.Assert(false, "unmount of %v from %v carrying %v", f, c, cur)
		return nil
	}

	r := f.Record()
	if r != nil {
		// The fiber keeps whatever mode it ran in for its next mount.
		r.interpOnly.Store(c.InterpOnly())
		r.carrier.Store(nil)
	}

	c.setMounted(nil)
	f.carrier.Store(nil)
	own := c.OwnRecord()
	c.setActive(own)
	c.SetInterpOnly(c.parkedInterpOnly.Load())

	if !terminal {
		f.setState(FiberUnmounted)
		return nil
	}
	f.setState(FiberTerminated)
	if r == nil {
		return nil
	}
	pending := r.ClosePending()
	b.records.Retire(r)
	if len(pending) > 0 {
		b.log.Debug().Int64("fiber", f.ID()).Int("events", len(pending)).Msg("Flushing undelivered events of terminated fiber")
	}
	return pending
}
