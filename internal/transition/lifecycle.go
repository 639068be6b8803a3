package transition

import (
	"time"

	"fiberwatch/internal/events"
	"fiberwatch/internal/vm"
)

// MountBegin enters the mount transition of f onto c.
func (g *Gate) MountBegin(c *vm.Carrier, f *vm.Fiber) {
	g.Start(c, f, true)
}

// MountEnd binds f's record to c and leaves the mount transition. Events
// queued for f while it was in transition are delivered afterwards.
func (g *Gate) MountEnd(c *vm.Carrier, f *vm.Fiber) {
	if _, err := g.binder.BindOnMount(c, f); err != nil {
		g.stats.bindFailures.Add(1)
		g.log.Warn().Err(err).Int64("fiber", f.ID()).Msg("Fiber mounted without a thread record")
	}
	g.Finish(c, f, true)
	g.flushPending(f)
}

// UnmountBegin enters the unmount transition of f from c. Unless this is the
// last unmount of f, c's own record is made active again.
func (g *Gate) UnmountBegin(c *vm.Carrier, f *vm.Fiber, last bool) {
	g.Start(c, f, false)
	if !last {
		g.binder.UnbindOnUnmount(c, f, false)
	}
}

// UnmountEnd leaves the unmount transition. On the last unmount the fiber's
// record is detached and retired and its undelivered events are flushed.
func (g *Gate) UnmountEnd(c *vm.Carrier, f *vm.Fiber, last bool) {
	var pending []events.Event
	if last {
		pending = g.binder.UnbindOnUnmount(c, f, true)
	}
	g.Finish(c, f, false)
	if !last {
		g.flushPending(f)
		return
	}
	r := f.Record()
	for _, ev := range pending {
		g.deliver(ev, r)
	}
}

// FiberStart runs the first mount of f and posts the start event followed by
// the mount event.
func (g *Gate) FiberStart(c *vm.Carrier, f *vm.Fiber) {
	g.check.Assert(f.State() == vm.FiberNew, "%v started in state %v", f, f.State())
	g.MountBegin(c, f)
	g.MountEnd(c, f)
	g.post(events.FiberStart, c, f)
	g.post(events.FiberMount, c, f)
}

// FiberEnd posts the end event and runs the last unmount of f. No unmount
// event is posted for it.
func (g *Gate) FiberEnd(c *vm.Carrier, f *vm.Fiber) {
	g.post(events.FiberEnd, c, f)
	g.UnmountBegin(c, f, true)
	g.UnmountEnd(c, f, true)
	g.registry.Forget(f.ID())
	g.threads.RemoveFiber(f)
}

// FiberMount mounts f onto c and posts the mount event once the transition
// is over.
func (g *Gate) FiberMount(c *vm.Carrier, f *vm.Fiber) {
	g.MountBegin(c, f)
	g.MountEnd(c, f)
	g.post(events.FiberMount, c, f)
}

// FiberUnmount posts the unmount event and then unmounts f from c.
func (g *Gate) FiberUnmount(c *vm.Carrier, f *vm.Fiber) {
	g.post(events.FiberUnmount, c, f)
	g.UnmountBegin(c, f, false)
	g.UnmountEnd(c, f, false)
}

// PostEvent delivers an event about f produced outside the lifecycle hooks.
// If f is in transition the event is queued on its record and delivered when
// the transition finishes.
func (g *Gate) PostEvent(kind events.Kind, f *vm.Fiber) {
	if !g.notifyEvents.Load() {
		return
	}
	ev := g.newEvent(kind, f.Carrier(), f)
	if f.InTransition() {
		r, err := g.Records().StateFor(f)
		if err == nil && r.QueuePending(ev) {
			g.stats.queued.Add(1)
			// The transition may have finished, and its flush run, between
			// the check and the queueing.
			if !f.InTransition() {
				g.flushRecord(r)
			}
			return
		}
	}
	g.deliver(ev, f.Record())
}

// SetNotifyEvents turns lifecycle event posting on or off. The switch is made
// under an exclusive suspend/resume disabler held by self.
func (g *Gate) SetNotifyEvents(self *vm.Carrier, on bool) {
	d := g.DisableForAll(self, true)
	defer d.Release()
	if g.notifyEvents.Swap(on) != on {
		g.log.Info().Bool("notify_events", on).Msg("Lifecycle event posting switched")
	}
}

func (g *Gate) newEvent(kind events.Kind, c *vm.Carrier, f *vm.Fiber) events.Event {
	ev := events.Event{
		Kind:      kind,
		FiberID:   f.ID(),
		FiberName: f.Name(),
		Time:      time.Now(),
	}
	if c != nil {
		ev.CarrierID = c.ID()
	}
	return ev
}

// post is called outside the critical section only.
func (g *Gate) post(kind events.Kind, c *vm.Carrier, f *vm.Fiber) {
	if !g.notifyEvents.Load() {
		return
	}
	g.deliver(g.newEvent(kind, c, f), f.Record())
}

func (g *Gate) deliver(ev events.Event, r *vm.Record) {
	var te events.ThreadEnabler
	if r != nil {
		te = r
	}
	if !g.filter.ShouldPost(ev.Kind, te) {
		return
	}
	ev.Thread = te
	events.Post(g.exporter, ev)
	g.stats.posted.Add(1)
}

func (g *Gate) flushPending(f *vm.Fiber) {
	if r := f.Record(); r != nil {
		g.flushRecord(r)
	}
}

func (g *Gate) flushRecord(r *vm.Record) {
	if r.PendingLen() == 0 {
		return
	}
	for _, ev := range r.DrainPending() {
		g.deliver(ev, r)
	}
}
