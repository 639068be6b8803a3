package agent

import (
	"fiberwatch/internal/events"
	"fiberwatch/internal/vm"

	"github.com/pkg/errors"
)

// ThreadState is a bit set describing a thread, in the spirit of the JVMTI
// thread state flags.
type ThreadState uint32

const (
	StateAlive ThreadState = 1 << iota
	StateTerminated
	StateSuspended
	StateInTransition
	StateVirtual
	StateMounted
	StateInterpOnly
)

// Has reports whether all bits of s2 are set in s.
func (s ThreadState) Has(s2 ThreadState) bool { return s&s2 == s2 }

// ThreadInfo is what Inspect hands to its callback.
type ThreadInfo struct {
	Thread    vm.Thread
	State     ThreadState
	Carrier   *vm.Carrier // carrier a fiber is mounted on
	Exception vm.ExceptionState
	Frame     string
}

// GetThreadState returns the state flags of t. The read is made under a
// disabler of t, so it never observes t halfway through a transition.
func (a *Agent) GetThreadState(t vm.Thread) (ThreadState, error) {
	info, err := a.inspect(t)
	if err != nil {
		return 0, err
	}
	return info.State, nil
}

// Inspect runs fn while t is guaranteed not to be in a transition.
func (a *Agent) Inspect(t vm.Thread, fn func(info ThreadInfo) error) error {
	if t == nil {
		return ErrInvalidThread
	}
	d := a.gate.DisableForTarget(a.self, t)
	defer d.Release()
	info := a.threadInfo(t)
	return fn(info)
}

func (a *Agent) inspect(t vm.Thread) (ThreadInfo, error) {
	var info ThreadInfo
	err := a.Inspect(t, func(i ThreadInfo) error {
		info = i
		return nil
	})
	return info, err
}

func (a *Agent) threadInfo(t vm.Thread) ThreadInfo {
	info := ThreadInfo{Thread: t}
	var r *vm.Record
	switch t := t.(type) {
	case *vm.Fiber:
		info.State |= StateVirtual
		switch {
		case fiberAlive(t):
			info.State |= StateAlive
		case t.State() == vm.FiberTerminated:
			info.State |= StateTerminated
		}
		if a.registry.IsSuspended(t.ID()) {
			info.State |= StateSuspended
		}
		if t.InTransition() {
			info.State |= StateInTransition
		}
		if c := t.Carrier(); c != nil {
			info.State |= StateMounted
			info.Carrier = c
			if a.inspector != nil {
				info.Frame = a.inspector.FrameSummary(c)
			}
		}
		r = t.Record()
	case *vm.Carrier:
		if t.IsExiting() {
			info.State |= StateTerminated
		} else {
			info.State |= StateAlive
		}
		passive := t.IsCarrying()
		if t.IsCarrierSuspended() || (!passive && t.IsSuspended()) {
			info.State |= StateSuspended
		}
		if t.InTransition() {
			info.State |= StateInTransition
		}
		if !passive && a.inspector != nil {
			info.Frame = a.inspector.FrameSummary(t)
		}
		r = t.OwnRecord()
	}
	if r != nil {
		info.Exception = r.ExceptionState()
		if r.InterpOnly() {
			info.State |= StateInterpOnly
		}
	}
	return info
}

// SetEventMode enables or disables a lifecycle event for the agent's
// environment, globally when t is nil and for t only otherwise. Per-thread
// enablement creates t's record if needed.
func (a *Agent) SetEventMode(enable bool, kind events.Kind, t vm.Thread) error {
	if a.env == nil {
		return errors.New("agent has no event environment")
	}
	if t == nil {
		a.env.SetEventMode(enable, kind, nil)
		return nil
	}
	r, err := a.gate.Records().StateFor(t)
	if err != nil {
		return errors.Wrapf(err, "set event mode of %v", t)
	}
	a.env.SetEventMode(enable, kind, r)
	return nil
}

// SetSingleStepping switches t into or out of interpreter-only mode.
func (a *Agent) SetSingleStepping(t vm.Thread, on bool) error {
	if err := a.validate(t); err != nil {
		return err
	}
	d := a.gate.DisableForTarget(a.self, t)
	defer d.Release()
	r, err := a.gate.Records().StateFor(t)
	if err != nil {
		return errors.Wrapf(err, "single stepping of %v", t)
	}
	r.SetInterpOnly(on)
	return nil
}

// EnableNotifyEvents turns lifecycle event posting on.
func (a *Agent) EnableNotifyEvents() { a.gate.SetNotifyEvents(a.self, true) }

// DisableNotifyEvents turns lifecycle event posting off.
func (a *Agent) DisableNotifyEvents() { a.gate.SetNotifyEvents(a.self, false) }
