// Package vm models the threads the transition protocol coordinates: carrier
// (platform) threads, the fibers that migrate across them, and the per-thread
// records rebound on every mount and unmount.
package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Thread is either a *Carrier or a *Fiber.
type Thread interface {
	ID() int64
	Name() string
	IsVirtual() bool
}

// FiberState is the scheduling state of a fiber as seen by the core.
type FiberState int32

const (
	FiberNew FiberState = iota
	FiberMounted
	FiberUnmounted
	FiberTerminated
)

func (s FiberState) String() string {
	switch s {
	case FiberNew:
		return "new"
	case FiberMounted:
		return "mounted"
	case FiberUnmounted:
		return "unmounted"
	case FiberTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Carrier is a platform thread. Carriers host at most one mounted fiber at a
// time. Debugger agents are carriers too: any thread that takes part in the
// protocol has one.
type Carrier struct {
	id   int64
	name string

	// transitionMark is set optimistically for the whole mount/unmount
	// critical section; disablers for all fibers wait on it.
	transitionMark atomic.Bool
	inTransition   atomic.Bool
	disabler       atomic.Bool
	exiting        atomic.Bool
	interpOnly     atomic.Bool

	// parkedInterpOnly holds the carrier's own interpreter-only mode while a
	// fiber is mounted and the fiber's mode is in effect.
	parkedInterpOnly atomic.Bool

	// carrierSuspended is a suspend request against the carrier itself that
	// arrived while it was carrying a fiber. It takes effect right after the
	// next unmount.
	carrierSuspended atomic.Bool

	suspendMu sync.Mutex
	suspended atomic.Bool
	resumed   chan struct{} // closed by Resume; guarded by suspendMu

	mounted atomic.Pointer[Fiber]
	own     atomic.Pointer[Record]
	active  atomic.Pointer[Record]
}

func (c *Carrier) ID() int64       { return c.id }
func (c *Carrier) Name() string    { return c.name }
func (c *Carrier) IsVirtual() bool { return false }

func (c *Carrier) String() string { return fmt.Sprintf("carrier#%d(%s)", c.id, c.name) }

// TransitionMark reports the optimistic in-transition mark.
func (c *Carrier) TransitionMark() bool       { return c.transitionMark.Load() }
func (c *Carrier) SetTransitionMark(v bool)   { c.transitionMark.Store(v) }
func (c *Carrier) InTransition() bool         { return c.inTransition.Load() }
func (c *Carrier) SetInTransition(v bool)     { c.inTransition.Store(v) }
func (c *Carrier) IsDisabler() bool           { return c.disabler.Load() }
func (c *Carrier) SetDisabler(v bool)         { c.disabler.Store(v) }
func (c *Carrier) IsExiting() bool            { return c.exiting.Load() }
func (c *Carrier) InterpOnly() bool           { return c.interpOnly.Load() }
func (c *Carrier) SetInterpOnly(v bool)       { c.interpOnly.Store(v) }
func (c *Carrier) Mounted() *Fiber            { return c.mounted.Load() }
func (c *Carrier) OwnRecord() *Record         { return c.own.Load() }
func (c *Carrier) ActiveRecord() *Record      { return c.active.Load() }
func (c *Carrier) IsCarrierSuspended() bool   { return c.carrierSuspended.Load() }
func (c *Carrier) SetCarrierSuspended(v bool) { c.carrierSuspended.Store(v) }
func (c *Carrier) IsSuspended() bool          { return c.suspended.Load() }
func (c *Carrier) IsCarrying() bool           { return c.mounted.Load() != nil }
func (c *Carrier) markExiting()               { c.exiting.Store(true) }
func (c *Carrier) setActive(r *Record)        { c.active.Store(r) }
func (c *Carrier) setMounted(f *Fiber)        { c.mounted.Store(f) }
func (c *Carrier) casOwn(old, r *Record) bool { return c.own.CompareAndSwap(old, r) }

// Suspend requests an external suspension. The carrier blocks at its next
// safepoint poll. It returns false if the carrier was already suspended.
func (c *Carrier) Suspend() bool {
	c.suspendMu.Lock()
	defer c.suspendMu.Unlock()
	if c.suspended.Load() {
		return false
	}
	c.resumed = make(chan struct{})
	c.suspended.Store(true)
	return true
}

// Resume lifts an external suspension. It returns false if the carrier was
// not suspended.
func (c *Carrier) Resume() bool {
	c.suspendMu.Lock()
	defer c.suspendMu.Unlock()
	if !c.suspended.Load() {
		return false
	}
	c.suspended.Store(false)
	close(c.resumed)
	return true
}

// SafepointPoll blocks the calling carrier while it is externally suspended.
// Only the goroutine running the carrier may call it.
func (c *Carrier) SafepointPoll(ctx context.Context) error {
	for c.suspended.Load() {
		c.suspendMu.Lock()
		ch := c.resumed
		still := c.suspended.Load()
		c.suspendMu.Unlock()
		if !still {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Fiber is a lightweight thread that mounts onto carriers.
type Fiber struct {
	id   int64
	name string

	state        atomic.Int32
	inTransition atomic.Bool
	disableCount atomic.Int32

	carrier atomic.Pointer[Carrier]
	record  atomic.Pointer[Record]
}

func (f *Fiber) ID() int64       { return f.id }
func (f *Fiber) Name() string    { return f.name }
func (f *Fiber) IsVirtual() bool { return true }

func (f *Fiber) String() string { return fmt.Sprintf("fiber#%d(%s)", f.id, f.name) }

func (f *Fiber) State() FiberState       { return FiberState(f.state.Load()) }
func (f *Fiber) setState(s FiberState)   { f.state.Store(int32(s)) }
func (f *Fiber) IsAlive() bool           { return f.State() != FiberTerminated }
func (f *Fiber) InTransition() bool      { return f.inTransition.Load() }
func (f *Fiber) SetInTransition(v bool)  { f.inTransition.Store(v) }
func (f *Fiber) DisableCount() int32     { return f.disableCount.Load() }
func (f *Fiber) AddDisableCount(d int32) { f.disableCount.Add(d) }
func (f *Fiber) Carrier() *Carrier       { return f.carrier.Load() }
func (f *Fiber) Record() *Record         { return f.record.Load() }
