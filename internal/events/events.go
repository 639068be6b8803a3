// Package events is the boundary between the transition core and the
// instrumentation exporter that consumes fiber lifecycle notifications.
package events

import (
	"fmt"
	"time"
)

// Kind identifies a fiber lifecycle event.
type Kind uint8

const (
	FiberStart Kind = iota
	FiberEnd
	FiberMount
	FiberUnmount

	numKinds
)

// AllKinds lists every lifecycle event kind in declaration order.
var AllKinds = []Kind{FiberStart, FiberEnd, FiberMount, FiberUnmount}

func (k Kind) String() string {
	switch k {
	case FiberStart:
		return "fiber_start"
	case FiberEnd:
		return "fiber_end"
	case FiberMount:
		return "fiber_mount"
	case FiberUnmount:
		return "fiber_unmount"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Mask is a set of event kinds.
type Mask uint32

// MaskOf builds a mask holding the given kinds.
func MaskOf(kinds ...Kind) Mask {
	var m Mask
	for _, k := range kinds {
		m |= 1 << k
	}
	return m
}

// Has reports whether k is in the mask.
func (m Mask) Has(k Kind) bool { return m&(1<<k) != 0 }

// EnvID identifies an agent environment.
type EnvID uint32

// Event is one lifecycle notification.
type Event struct {
	Kind      Kind
	FiberID   int64
	FiberName string
	CarrierID int64
	Time      time.Time

	// Thread is the per-thread enablement of the fiber, nil if it has no
	// record.
	Thread ThreadEnabler
}

// Exporter receives lifecycle notifications. Calls never happen inside a
// transition critical section, so implementations may block or re-enter the
// scheduler.
type Exporter interface {
	PostFiberStart(ev Event)
	PostFiberEnd(ev Event)
	PostFiberMount(ev Event)
	PostFiberUnmount(ev Event)
}

// ThreadEnabler exposes per-thread, per-environment enablement. It is
// implemented by the thread record.
type ThreadEnabler interface {
	ThreadEventEnabled(env EnvID, kind Kind) bool
}

// Filter decides whether an event is posted at all. It is consulted
// read-only.
type Filter interface {
	ShouldPost(kind Kind, thread ThreadEnabler) bool
}

// Post routes ev to the matching Exporter method.
func Post(x Exporter, ev Event) {
	switch ev.Kind {
	case FiberStart:
		x.PostFiberStart(ev)
	case FiberEnd:
		x.PostFiberEnd(ev)
	case FiberMount:
		x.PostFiberMount(ev)
	case FiberUnmount:
		x.PostFiberUnmount(ev)
	}
}

// Discard is an Exporter and Filter that drops everything.
type Discard struct{}

func (Discard) PostFiberStart(Event)                {}
func (Discard) PostFiberEnd(Event)                  {}
func (Discard) PostFiberMount(Event)                {}
func (Discard) PostFiberUnmount(Event)              {}
func (Discard) ShouldPost(Kind, ThreadEnabler) bool { return false }

// PostAll is a Filter that lets every event through.
type PostAll struct{}

func (PostAll) ShouldPost(Kind, ThreadEnabler) bool { return true }
