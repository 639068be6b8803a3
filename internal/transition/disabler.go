package transition

import (
	"fiberwatch/internal/vm"
)

// Disabler is a scoped guard forbidding transitions of one fiber or of all
// fibers. It is acquired with DisableForAll or DisableForTarget and must be
// released by the carrier that acquired it.
type Disabler struct {
	g      *Gate
	self   *vm.Carrier
	target *vm.Fiber // nil for a disabler of all fibers
	isSR   bool
	noop   bool
	synced bool // counted in syncCount

	released bool
}

// IsNoop reports whether the guard was granted without disabling anything,
// because the caller already holds a disabler.
func (d *Disabler) IsNoop() bool { return d.noop }

// Target returns the fiber a single-target guard protects.
func (d *Disabler) Target() *vm.Fiber { return d.target }

// IsSuspendResume reports whether the guard holds the exclusive
// suspend/resume role.
func (d *Disabler) IsSuspendResume() bool { return d.isSR }

// guard performs the checks shared by both constructors. It returns a no-op
// guard when nothing needs to be disabled.
func (g *Gate) guard(self *vm.Carrier, isSR bool) (*Disabler, bool) {
	d := &Disabler{g: g, self: self, isSR: isSR}
	if g.cfg.NoFiberSupport || self.IsDisabler() {
		d.noop = true
		g.stats.noopGuards.Add(1)
		return d, true
	}
	if !g.syncPermanent.Load() {
		g.syncCount.Add(1)
		d.synced = true
		if isSR {
			g.syncPermanent.Store(true)
			g.log.Debug().Int64("carrier", self.ID()).Msg("Sync protocol armed permanently")
		}
	}
	return d, false
}

// DisableForAll blocks until no transition is in flight on any carrier and
// returns a guard keeping it that way until Release. With isSR the guard also
// takes the exclusive suspend/resume role, waiting for every other disabler
// to be released first.
func (g *Gate) DisableForAll(self *vm.Carrier, isSR bool) *Disabler {
	d, noop := g.guard(self, isSR)
	if noop {
		return d
	}
	g.disableAll(d)
	return d
}

func (g *Gate) disableAll(d *Disabler) {
	w := waiter{op: "disable_for_all"}
	g.mon.lock()
	for g.srMode.Load() {
		g.waitLocked(&w)
	}
	if d.isSR {
		g.srMode.Store(true)
		for g.disableForAll.Load() > 0 || g.disableForOne.Load() > 0 {
			g.waitLocked(&w)
		}
		g.stats.disablersSR.Add(1)
	}
	g.disableForAll.Add(1)

	g.threads.RangeCarriers(func(c *vm.Carrier) bool {
		for c.TransitionMark() {
			g.waitLocked(&w)
		}
		return true
	})
	d.self.SetDisabler(true)
	g.mon.unlock()
	g.stats.disablersAll.Add(1)

	g.log.Trace().Int64("carrier", d.self.ID()).Bool("sr", d.isSR).Int("timeouts", w.total).Msg("Transitions disabled for all fibers")
}

// DisableForTarget blocks until target is not in transition and returns a
// guard keeping it that way until Release. A target that is not a fiber
// cannot be scoped, so the call disables transitions for all fibers instead.
func (g *Gate) DisableForTarget(self *vm.Carrier, target vm.Thread) *Disabler {
	f, ok := target.(*vm.Fiber)
	if !ok || f == nil {
		return g.DisableForAll(self, false)
	}
	d, noop := g.guard(self, false)
	if noop {
		return d
	}
	d.target = f

	w := waiter{op: "disable_for_target"}
	g.mon.lock()
	for g.srMode.Load() {
		g.waitLocked(&w)
	}
	g.disableForOne.Add(1)
	f.AddDisableCount(1)
	for f.InTransition() {
		g.waitLocked(&w)
	}
	d.self.SetDisabler(true)
	g.mon.unlock()
	g.stats.disablersOne.Add(1)

	g.log.Trace().Int64("carrier", self.ID()).Int64("fiber", f.ID()).Int("timeouts", w.total).Msg("Transitions disabled for fiber")
	return d
}

// Release lifts the guard. Releasing twice is misuse.
func (d *Disabler) Release() {
	g := d.g
	if !g.check.Assert(!d.released, "disabler of %v released twice", d.self) {
		return
	}
	d.released = true
	if d.noop {
		return
	}
	g.check.Assert(d.self.IsDisabler(), "disabler released by %v which does not hold it", d.self)

	g.mon.lock()
	d.self.SetDisabler(false)
	if d.target != nil {
		d.target.AddDisableCount(-1)
		one := g.disableForOne.Add(-1)
		if one == 0 || d.target.DisableCount() == 0 {
			g.mon.notifyAllLocked()
		}
	} else {
		if d.isSR {
			g.srMode.Store(false)
		}
		all := g.disableForAll.Add(-1)
		if all == 0 || d.isSR {
			g.mon.notifyAllLocked()
		}
	}
	g.mon.unlock()

	if d.synced {
		g.syncCount.Add(-1)
	}
}
