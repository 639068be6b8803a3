package agent

import (
	"testing"
	"time"

	"fiberwatch/internal/config"
	"fiberwatch/internal/debug"
	"fiberwatch/internal/events"
	"fiberwatch/internal/maps"
	"fiberwatch/internal/suspend"
	"fiberwatch/internal/transition"
	"fiberwatch/internal/vm"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	threads  *vm.Threads
	registry *suspend.Registry
	gate     *transition.Gate
	disp     *events.Dispatcher
	agent    *Agent
}

func newRig(t *testing.T) *rig {
	t.Helper()
	check := &debug.Checker{Enabled: true}
	threads := vm.NewThreads(maps.ImplXSync)
	registry := suspend.NewRegistry(check)
	disp := events.NewDispatcher()
	g := transition.NewGate(transition.Config{
		WaitInterval: time.Millisecond,
		StuckPolicy:  config.StuckPolicyPanic,
	}, transition.Deps{
		Threads:  threads,
		Registry: registry,
		Binder:   vm.NewBinder(vm.NewRecordList(0, maps.ImplXSync), check),
		Exporter: disp,
		Filter:   disp,
		Check:    check,
	})
	self := threads.NewCarrier("agent")
	return &rig{
		threads:  threads,
		registry: registry,
		gate:     g,
		disp:     disp,
		agent:    New(g, self, disp.NewEnv("test")),
	}
}

// started returns a fiber mounted on c.
func (r *rig) started(c *vm.Carrier) *vm.Fiber {
	f := r.threads.NewFiber("")
	r.gate.FiberStart(c, f)
	return f
}

// parked returns a started fiber that is no longer mounted.
func (r *rig) parked() *vm.Fiber {
	c := r.threads.NewCarrier("")
	f := r.started(c)
	r.gate.FiberUnmount(c, f)
	return f
}

func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: still blocked", what)
	}
}

func notDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
		t.Fatalf("%s: not blocked", what)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSuspendUnmountedFiber(t *testing.T) {
	r := newRig(t)
	f := r.parked()

	require.NoError(t, r.agent.SuspendThread(f))
	assert.True(t, r.registry.IsSuspended(f.ID()))
	assert.True(t, errors.Is(r.agent.SuspendThread(f), ErrThreadSuspended))

	c := r.threads.NewCarrier("")
	done := make(chan struct{})
	go func() {
		r.gate.FiberMount(c, f)
		close(done)
	}()
	notDone(t, done, "mount of suspended fiber")

	require.NoError(t, r.agent.ResumeThread(f))
	waitDone(t, done, "mount of resumed fiber")
	assert.True(t, errors.Is(r.agent.ResumeThread(f), ErrThreadNotSuspended))
}

func TestSuspendMountedFiberStopsCarrier(t *testing.T) {
	r := newRig(t)
	c := r.threads.NewCarrier("")
	f := r.started(c)

	require.NoError(t, r.agent.SuspendThread(f))
	assert.True(t, c.IsSuspended())
	assert.False(t, c.IsCarrierSuspended())

	done := make(chan struct{})
	go func() {
		_ = c.SafepointPoll(t.Context())
		close(done)
	}()
	notDone(t, done, "safepoint of suspended carrier")

	require.NoError(t, r.agent.ResumeThread(f))
	waitDone(t, done, "safepoint of resumed carrier")
	assert.False(t, r.registry.IsSuspended(f.ID()))
}

func TestSuspendCarryingCarrierDefersToUnmount(t *testing.T) {
	r := newRig(t)
	c := r.threads.NewCarrier("")
	f := r.started(c)

	require.NoError(t, r.agent.SuspendThread(c))
	assert.True(t, c.IsCarrierSuspended())
	assert.False(t, c.IsSuspended(), "the mounted fiber keeps running")
	assert.False(t, r.registry.IsSuspended(f.ID()))
	assert.True(t, errors.Is(r.agent.SuspendThread(c), ErrThreadSuspended))

	st, err := r.agent.GetThreadState(c)
	require.NoError(t, err)
	assert.True(t, st.Has(StateAlive|StateSuspended))

	done := make(chan struct{})
	go func() {
		r.gate.FiberUnmount(c, f)
		close(done)
	}()
	notDone(t, done, "unmount on suspended carrier")

	require.NoError(t, r.agent.ResumeThread(c))
	waitDone(t, done, "unmount on resumed carrier")
	assert.Nil(t, c.Mounted())
}

func TestSuspendIdleCarrier(t *testing.T) {
	r := newRig(t)
	c := r.threads.NewCarrier("")

	require.NoError(t, r.agent.SuspendThread(c))
	assert.True(t, c.IsSuspended())
	assert.True(t, c.IsCarrierSuspended())

	require.NoError(t, r.agent.ResumeThread(c))
	assert.False(t, c.IsSuspended())
	assert.False(t, c.IsCarrierSuspended())
	assert.True(t, errors.Is(r.agent.ResumeThread(c), ErrThreadNotSuspended))
}

func TestInvalidTargets(t *testing.T) {
	r := newRig(t)
	assert.True(t, errors.Is(r.agent.SuspendThread(r.threads.NewFiber("")), ErrThreadNotAlive))
	assert.True(t, errors.Is(r.agent.SuspendThread(r.agent.Self()), ErrInvalidThread))
	assert.True(t, errors.Is(r.agent.ResumeThread(nil), ErrInvalidThread))

	c := r.threads.NewCarrier("")
	require.NoError(t, r.threads.ExitCarrier(c, r.gate.Records()))
	assert.True(t, errors.Is(r.agent.SuspendThread(c), ErrThreadNotAlive))
}

func TestSuspendResumeThreadList(t *testing.T) {
	r := newRig(t)
	f1, f2 := r.parked(), r.parked()
	unstarted := r.threads.NewFiber("")

	errv, err := r.agent.SuspendThreadList([]vm.Thread{f1, unstarted, f2})
	require.Error(t, err)
	require.Len(t, errv, 3)
	assert.NoError(t, errv[0])
	assert.True(t, errors.Is(errv[1], ErrThreadNotAlive))
	assert.NoError(t, errv[2])
	assert.Equal(t, []int64{f1.ID(), f2.ID()}, r.registry.Suspended([]int64{f1.ID(), f2.ID()}))

	errv, err = r.agent.ResumeThreadList([]vm.Thread{f1, f2})
	require.NoError(t, err)
	assert.Equal(t, []error{nil, nil}, errv)
	assert.Equal(t, suspend.ModeNone, r.registry.Mode())
}

func TestSuspendResumeAllVirtualThreads(t *testing.T) {
	r := newRig(t)
	c1, c2 := r.threads.NewCarrier(""), r.threads.NewCarrier("")
	f1, f2 := r.started(c1), r.started(c2)
	f3 := r.parked()

	require.NoError(t, r.agent.SuspendAllVirtualThreads([]*vm.Fiber{f2}))
	assert.Equal(t, suspend.ModeAll, r.registry.Mode())
	assert.True(t, r.registry.IsSuspended(f1.ID()))
	assert.False(t, r.registry.IsSuspended(f2.ID()), "excluded fiber keeps running")
	assert.True(t, r.registry.IsSuspended(f3.ID()))
	assert.True(t, c1.IsSuspended())
	assert.False(t, c2.IsSuspended())

	require.NoError(t, r.agent.ResumeAllVirtualThreads([]*vm.Fiber{f3}))
	assert.False(t, r.registry.IsSuspended(f1.ID()))
	assert.False(t, r.registry.IsSuspended(f2.ID()))
	assert.True(t, r.registry.IsSuspended(f3.ID()), "excluded fiber stays suspended")
	assert.Equal(t, suspend.ModeIndividual, r.registry.Mode())
	assert.False(t, c1.IsSuspended())

	require.NoError(t, r.agent.ResumeThread(f3))
	assert.Equal(t, suspend.ModeNone, r.registry.Mode())
}

type frames struct{}

func (frames) FrameSummary(c *vm.Carrier) string { return "step@" + c.Name() }

func TestGetThreadStateAndInspect(t *testing.T) {
	r := newRig(t)
	r.agent.SetInspector(frames{})
	c := r.threads.NewCarrier("c0")
	f := r.started(c)

	st, err := r.agent.GetThreadState(f)
	require.NoError(t, err)
	assert.True(t, st.Has(StateAlive|StateVirtual|StateMounted))
	assert.False(t, st.Has(StateSuspended))
	assert.False(t, st.Has(StateInTransition))

	err = r.agent.Inspect(f, func(info ThreadInfo) error {
		assert.Same(t, c, info.Carrier)
		assert.Equal(t, "step@c0", info.Frame)
		assert.Equal(t, vm.ExceptionCleared, info.Exception)
		return errors.New("walk failed")
	})
	assert.EqualError(t, err, "walk failed")

	r.gate.FiberEnd(c, f)
	st, err = r.agent.GetThreadState(f)
	require.NoError(t, err)
	assert.True(t, st.Has(StateTerminated))
	assert.False(t, st.Has(StateAlive))
}

func TestSetSingleStepping(t *testing.T) {
	r := newRig(t)
	c := r.threads.NewCarrier("")
	f := r.started(c)

	require.NoError(t, r.agent.SetSingleStepping(f, true))
	assert.True(t, c.InterpOnly())
	st, err := r.agent.GetThreadState(f)
	require.NoError(t, err)
	assert.True(t, st.Has(StateInterpOnly))

	r.gate.FiberUnmount(c, f)
	assert.False(t, c.InterpOnly(), "the carrier returns to its own mode")
	r.gate.FiberMount(c, f)
	assert.True(t, c.InterpOnly(), "the fiber keeps stepping across mounts")
}

func TestPerThreadEventMode(t *testing.T) {
	r := newRig(t)
	env := r.disp.Envs()[0]
	var got []events.Kind
	env.SetHandler(events.FiberUnmount, func(_ *events.Env, ev events.Event) { got = append(got, ev.Kind) })

	c := r.threads.NewCarrier("")
	watched, other := r.started(c), r.threads.NewFiber("")
	require.NoError(t, r.agent.SetEventMode(true, events.FiberUnmount, watched))

	r.gate.FiberUnmount(c, watched)
	r.gate.FiberStart(c, other)
	r.gate.FiberUnmount(c, other)
	assert.Equal(t, []events.Kind{events.FiberUnmount}, got)

	require.NoError(t, r.agent.SetEventMode(true, events.FiberUnmount, nil))
	r.gate.FiberMount(c, other)
	r.gate.FiberUnmount(c, other)
	assert.Len(t, got, 2)

	r.agent.DisableNotifyEvents()
	r.gate.FiberMount(c, other)
	r.gate.FiberUnmount(c, other)
	assert.Len(t, got, 2)
	r.agent.EnableNotifyEvents()
	assert.True(t, r.gate.NotifyEvents())
}
