// Package agent is the debugger-facing side of the protocol: suspend and
// resume of single threads, lists of threads and all fibers at once, plus
// state queries and inspection under a transition disabler.
package agent

import (
	"fiberwatch/internal/events"
	"fiberwatch/internal/logger"
	"fiberwatch/internal/suspend"
	"fiberwatch/internal/transition"
	"fiberwatch/internal/vm"

	"github.com/phuslu/log"
	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"
)

var (
	ErrThreadSuspended    = errors.New("thread already suspended")
	ErrThreadNotSuspended = errors.New("thread not suspended")
	ErrThreadNotAlive     = errors.New("thread not alive")
	ErrInvalidThread      = errors.New("invalid thread")
)

// Agent issues suspend/resume requests on behalf of one agent carrier. An
// Agent is not safe for concurrent use; create one per agent carrier.
type Agent struct {
	gate     *transition.Gate
	threads  *vm.Threads
	registry *suspend.Registry
	self     *vm.Carrier
	env      *events.Env

	inspector transition.Inspector

	log log.Logger
}

// New creates an agent acting as carrier self. env may be nil if the agent
// does not take events.
func New(gate *transition.Gate, self *vm.Carrier, env *events.Env) *Agent {
	return &Agent{
		gate:     gate,
		threads:  gate.Threads(),
		registry: gate.Registry(),
		self:     self,
		env:      env,
		log:      logger.NewLoggerWithContext("agent"),
	}
}

// SetInspector installs the frame summarizer used by Inspect.
func (a *Agent) SetInspector(in transition.Inspector) { a.inspector = in }

// Self returns the agent's own carrier.
func (a *Agent) Self() *vm.Carrier { return a.self }

func fiberAlive(f *vm.Fiber) bool {
	s := f.State()
	return s == vm.FiberMounted || s == vm.FiberUnmounted
}

// validate checks that t names a live thread other than the agent itself.
func (a *Agent) validate(t vm.Thread) error {
	switch t := t.(type) {
	case *vm.Fiber:
		if t == nil {
			return ErrInvalidThread
		}
		if !fiberAlive(t) {
			return errors.Wrapf(ErrThreadNotAlive, "%v is %v", t, t.State())
		}
	case *vm.Carrier:
		if t == nil {
			return ErrInvalidThread
		}
		if t == a.self {
			return errors.Wrap(ErrInvalidThread, "agent cannot suspend or resume its own carrier")
		}
		if t.IsExiting() {
			return errors.Wrapf(ErrThreadNotAlive, "%v is exiting", t)
		}
	default:
		return ErrInvalidThread
	}
	return nil
}

// SuspendThread suspends one fiber or carrier.
//
// A fiber is registered suspended; if it is mounted its carrier is suspended
// too and stops at its next safepoint. A carrier that is carrying a fiber is
// only marked: it stops right after its next unmount.
func (a *Agent) SuspendThread(t vm.Thread) error {
	d := a.gate.DisableForAll(a.self, true)
	defer d.Release()
	// Validated under the disabler so t cannot terminate in between.
	if err := a.validate(t); err != nil {
		return err
	}
	return a.suspendThread(t, nil, true)
}

// ResumeThread resumes one fiber or carrier.
func (a *Agent) ResumeThread(t vm.Thread) error {
	d := a.gate.DisableForAll(a.self, true)
	err := a.validate(t)
	if err == nil {
		err = a.resumeThread(t, nil, true)
	}
	d.Release()
	a.gate.NotifyAll()
	return err
}

// suspendThread does the work of a suspend under a suspend/resume disabler.
// For a fiber in a blanket suspension, single is false and c is the carrier
// it is mounted on.
func (a *Agent) suspendThread(t vm.Thread, c *vm.Carrier, single bool) error {
	if f, ok := t.(*vm.Fiber); ok {
		if single {
			if a.registry.IsSuspended(f.ID()) {
				return errors.Wrapf(ErrThreadSuspended, "suspend %v", f)
			}
			a.registry.RegisterIndividualSuspend(f.ID())
			c = f.Carrier()
		}
		// An unmounted fiber is blocked at its next mount by the registry,
		// and a carrier already stopped needs nothing more.
		if c == nil || c.IsSuspended() {
			return nil
		}
		return a.suspendCarrier(c, f)
	}

	c = t.(*vm.Carrier)
	passive := c.IsCarrying()
	if c.IsCarrierSuspended() || (!passive && c.IsSuspended()) {
		return errors.Wrapf(ErrThreadSuspended, "suspend %v", c)
	}
	c.SetCarrierSuspended(true)
	if passive {
		// Suspending the carrier now would stop the mounted fiber with it.
		return nil
	}
	return a.suspendCarrier(c, c)
}

func (a *Agent) suspendCarrier(c *vm.Carrier, t vm.Thread) error {
	if c.Suspend() {
		a.log.Debug().Int64("carrier", c.ID()).Int64("thread", t.ID()).Msg("Carrier suspended")
		return nil
	}
	if c.IsExiting() {
		return errors.Wrapf(ErrThreadNotAlive, "suspend %v", t)
	}
	return errors.Wrapf(ErrThreadSuspended, "suspend %v", t)
}

func (a *Agent) resumeThread(t vm.Thread, c *vm.Carrier, single bool) error {
	if f, ok := t.(*vm.Fiber); ok {
		if single {
			if !a.registry.IsSuspended(f.ID()) {
				return errors.Wrapf(ErrThreadNotSuspended, "resume %v", f)
			}
			a.registry.RegisterIndividualResume(f.ID())
			c = f.Carrier()
		}
		// A carrier that is not stopped may still be blocked in a transition
		// of f; it re-checks the registry once woken.
		if c == nil || !c.IsSuspended() {
			return nil
		}
		c.Resume()
		a.log.Debug().Int64("carrier", c.ID()).Int64("fiber", f.ID()).Msg("Carrier resumed")
		return nil
	}

	c = t.(*vm.Carrier)
	passive := c.IsCarrying()
	if !c.IsCarrierSuspended() && (passive || !c.IsSuspended()) {
		return errors.Wrapf(ErrThreadNotSuspended, "resume %v", c)
	}
	c.SetCarrierSuspended(false)
	if !passive && c.IsSuspended() {
		c.Resume()
	}
	return nil
}

// SuspendThreadList suspends every thread of ts. It returns one error slot
// per thread and their merge.
func (a *Agent) SuspendThreadList(ts []vm.Thread) ([]error, error) {
	d := a.gate.DisableForAll(a.self, true)
	defer d.Release()

	errv := make([]error, len(ts))
	for i, t := range ts {
		if errv[i] = a.validate(t); errv[i] != nil {
			continue
		}
		errv[i] = a.suspendThread(t, nil, true)
	}
	return errv, xerr.Merge(errv...)
}

// ResumeThreadList resumes every thread of ts. It returns one error slot per
// thread and their merge.
func (a *Agent) ResumeThreadList(ts []vm.Thread) ([]error, error) {
	d := a.gate.DisableForAll(a.self, true)
	errv := make([]error, len(ts))
	for i, t := range ts {
		if errv[i] = a.validate(t); errv[i] != nil {
			continue
		}
		errv[i] = a.resumeThread(t, nil, true)
	}
	d.Release()
	a.gate.NotifyAll()
	return errv, xerr.Merge(errv...)
}

func contains(except []*vm.Fiber, f *vm.Fiber) bool {
	for _, x := range except {
		if x == f {
			return true
		}
	}
	return false
}

// SuspendAllVirtualThreads suspends every fiber except those listed. Listed
// fibers keep their current state.
func (a *Agent) SuspendAllVirtualThreads(except []*vm.Fiber) error {
	d := a.gate.DisableForAll(a.self, true)
	defer d.Release()

	// Excluded fibers that are running now must still run afterwards.
	var keepRunning []*vm.Fiber
	for _, f := range except {
		if f != nil && fiberAlive(f) && !a.registry.IsSuspended(f.ID()) {
			keepRunning = append(keepRunning, f)
		}
	}

	var errv []error
	a.threads.RangeCarriers(func(c *vm.Carrier) bool {
		f := c.Mounted()
		if f == nil || c == a.self || c.IsExiting() || !fiberAlive(f) ||
			a.registry.IsSuspended(f.ID()) || contains(except, f) {
			return true
		}
		if err := a.suspendThread(f, c, false); err != nil {
			errv = append(errv, err)
		}
		return true
	})
	a.registry.RegisterAllSuspend()

	for _, f := range keepRunning {
		if a.registry.IsSuspended(f.ID()) {
			a.registry.RegisterIndividualResume(f.ID())
		}
	}
	a.log.Debug().Int("excluded", len(except)).Msg("All fibers suspended")
	return xerr.Merge(errv...)
}

// ResumeAllVirtualThreads resumes every fiber except those listed. Listed
// fibers keep their current state.
func (a *Agent) ResumeAllVirtualThreads(except []*vm.Fiber) error {
	d := a.gate.DisableForAll(a.self, true)

	var keepSuspended []*vm.Fiber
	for _, f := range except {
		if f != nil && fiberAlive(f) && a.registry.IsSuspended(f.ID()) {
			keepSuspended = append(keepSuspended, f)
		}
	}

	var errv []error
	a.threads.RangeCarriers(func(c *vm.Carrier) bool {
		f := c.Mounted()
		if f == nil || c == a.self || c.IsExiting() || !fiberAlive(f) ||
			!a.registry.IsSuspended(f.ID()) || contains(except, f) {
			return true
		}
		if err := a.resumeThread(f, c, false); err != nil {
			errv = append(errv, err)
		}
		return true
	})
	a.registry.RegisterAllResume()

	for _, f := range keepSuspended {
		if !a.registry.IsSuspended(f.ID()) {
			a.registry.RegisterIndividualSuspend(f.ID())
		}
	}
	d.Release()
	a.gate.NotifyAll()
	a.log.Debug().Int("excluded", len(except)).Msg("All fibers resumed")
	return xerr.Merge(errv...)
}
