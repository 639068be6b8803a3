package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"fiberwatch/internal/events"
	"fiberwatch/internal/maps"
)

// ExceptionState tracks where a pending exception is in its delivery.
type ExceptionState int32

const (
	ExceptionCleared ExceptionState = iota
	ExceptionDetected
	ExceptionCaught
)

func (s ExceptionState) String() string {
	switch s {
	case ExceptionCleared:
		return "cleared"
	case ExceptionDetected:
		return "detected"
	case ExceptionCaught:
		return "caught"
	}
	return fmt.Sprintf("exception(%d)", int32(s))
}

// Record is the per-thread bookkeeping object (the thread record). A carrier
// has one for itself and each fiber has one of its own. Exactly one of them is
// active on a carrier at any instant.
type Record struct {
	id      uint64
	virtual bool

	fiber        *Fiber // nil for carrier records
	carrier      atomic.Pointer[Carrier]
	savedCarrier atomic.Pointer[Carrier]

	maskMu     sync.Mutex // serializes mask updates
	envMasks   maps.ConcurrentMap[events.EnvID, events.Mask]
	enabledAny atomic.Uint32 // union of envMasks

	exception  atomic.Int32
	hideSteps  atomic.Int32
	interpOnly atomic.Bool

	pendingMu     sync.Mutex
	pending       []events.Event
	pendingClosed bool // set by the terminal drain

	// Intrusive list links. next stays valid after unlink so that an
	// in-flight iterator can step past a retired record.
	next atomic.Pointer[Record]
	prev atomic.Pointer[Record]

	retired   atomic.Bool
	retiredAt uint64 // epoch at retirement; guarded by RecordList.mu
	reclaimed atomic.Bool
}

func newRecord(id uint64, mapImpl string) *Record {
	return &Record{
		id:       id,
		envMasks: maps.NewConcurrentMap[events.EnvID, events.Mask](mapImpl),
	}
}

func (r *Record) ID() uint64                     { return r.id }
func (r *Record) IsVirtual() bool                { return r.virtual }
func (r *Record) Fiber() *Fiber                  { return r.fiber }
func (r *Record) Carrier() *Carrier              { return r.carrier.Load() }
func (r *Record) SavedCarrier() *Carrier         { return r.savedCarrier.Load() }
func (r *Record) IsRetired() bool                { return r.retired.Load() }
func (r *Record) IsReclaimed() bool              { return r.reclaimed.Load() }
func (r *Record) InterpOnly() bool               { return r.interpOnly.Load() }
func (r *Record) ExceptionState() ExceptionState { return ExceptionState(r.exception.Load()) }

func (r *Record) SetExceptionState(s ExceptionState) { r.exception.Store(int32(s)) }

// Thread returns the logical thread this record describes.
func (r *Record) Thread() Thread {
	if r.virtual {
		return r.fiber
	}
	if c := r.carrier.Load(); c != nil {
		return c
	}
	if c := r.savedCarrier.Load(); c != nil {
		return c
	}
	return nil
}

// HideSingleStepping suppresses single-step events while the runtime executes
// on behalf of the thread. Calls nest.
func (r *Record) HideSingleStepping()          { r.hideSteps.Add(1) }
func (r *Record) UnhideSingleStepping()        { r.hideSteps.Add(-1) }
func (r *Record) IsHidingSingleStepping() bool { return r.hideSteps.Load() > 0 }

// SetInterpOnly changes the interpreter-only mode of the thread. The flag is
// mirrored onto the carrier when the record is the carrier's active record and
// cached in the record otherwise.
func (r *Record) SetInterpOnly(v bool) {
	r.interpOnly.Store(v)
	c := r.carrier.Load()
	if c == nil {
		return
	}
	switch {
	case c.ActiveRecord() == r:
		c.SetInterpOnly(v)
	case !r.virtual:
		c.parkedInterpOnly.Store(v)
	}
}

// SetEventMask replaces the kinds enabled for env on this thread.
func (r *Record) SetEventMask(env events.EnvID, m events.Mask) {
	r.maskMu.Lock()
	defer r.maskMu.Unlock()
	if m == 0 {
		r.envMasks.Delete(env)
	} else {
		r.envMasks.Store(env, m)
	}
	r.recomputeEnabled()
}

// EventMask returns the kinds enabled for env on this thread.
func (r *Record) EventMask(env events.EnvID) events.Mask {
	m, _ := r.envMasks.Load(env)
	return m
}

func (r *Record) recomputeEnabled() {
	var union events.Mask
	r.envMasks.Range(func(_ events.EnvID, m events.Mask) bool {
		union |= m
		return true
	})
	r.enabledAny.Store(uint32(union))
}

// ThreadEventEnabled implements events.ThreadEnabler.
func (r *Record) ThreadEventEnabled(env events.EnvID, kind events.Kind) bool {
	if !events.Mask(r.enabledAny.Load()).Has(kind) {
		return false
	}
	return r.EventMask(env).Has(kind)
}

// QueuePending stores an event that could not be delivered because its
// thread was in transition. It reports false once the queue has been closed
// by the terminal drain; the caller then delivers the event itself.
func (r *Record) QueuePending(ev events.Event) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.pendingClosed {
		return false
	}
	r.pending = append(r.pending, ev)
	return true
}

// DrainPending removes and returns the queued events in arrival order.
func (r *Record) DrainPending() []events.Event {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	evs := r.pending
	r.pending = nil
	return evs
}

// ClosePending drains the queue and refuses further events.
func (r *Record) ClosePending() []events.Event {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	evs := r.pending
	r.pending = nil
	r.pendingClosed = true
	return evs
}

// PendingLen returns the number of queued events.
func (r *Record) PendingLen() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

func (r *Record) String() string {
	if t := r.Thread(); t != nil {
		return fmt.Sprintf("record#%d(%v)", r.id, t)
	}
	return fmt.Sprintf("record#%d", r.id)
}
