package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fiberwatch/internal/agent"
	"fiberwatch/internal/config"
	"fiberwatch/internal/debug"
	"fiberwatch/internal/events"
	"fiberwatch/internal/maps"
	"fiberwatch/internal/suspend"
	"fiberwatch/internal/transition"
	"fiberwatch/internal/vm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T) (*transition.Gate, *events.Dispatcher) {
	t.Helper()
	check := &debug.Checker{Enabled: true}
	disp := events.NewDispatcher()
	g := transition.NewGate(transition.Config{
		WaitInterval: time.Millisecond,
		StuckPolicy:  config.StuckPolicyPanic,
	}, transition.Deps{
		Threads:  vm.NewThreads(maps.ImplXSync),
		Registry: suspend.NewRegistry(check),
		Binder:   vm.NewBinder(vm.NewRecordList(0, maps.ImplXSync), check),
		Exporter: disp,
		Filter:   disp,
		Check:    check,
	})
	return g, disp
}

func runtimeConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		Carriers:          3,
		Fibers:            8,
		StepsPerFiber:     4,
		MapImplementation: maps.ImplXSync,
	}
}

func start(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestSchedulerRunsFibersToCompletion(t *testing.T) {
	g, disp := newGate(t)
	env := disp.NewEnv("test")
	var starts, ends atomic.Uint64
	env.SetHandler(events.FiberStart, func(*events.Env, events.Event) { starts.Add(1) })
	env.SetHandler(events.FiberEnd, func(*events.Env, events.Event) { ends.Add(1) })
	env.SetEventMode(true, events.FiberStart, nil)
	env.SetEventMode(true, events.FiberEnd, nil)

	s := New(runtimeConfig(), g)
	require.Len(t, s.Carriers(), 3)

	stop := start(t, s)
	require.Eventually(t, func() bool { return s.Stats().Completed >= 16 }, 5*time.Second, time.Millisecond)
	stop()

	st := s.Stats()
	assert.GreaterOrEqual(t, st.Spawned, st.Completed)
	assert.GreaterOrEqual(t, st.Quanta, 4*st.Completed)
	assert.Zero(t, g.Threads().NumCarriers(), "carriers exit on shutdown")
	assert.NotZero(t, g.Stats().FastStarts)
	assert.Equal(t, st.Completed, ends.Load())
	assert.GreaterOrEqual(t, starts.Load(), ends.Load())
}

func TestSuspendAllStopsProgress(t *testing.T) {
	g, _ := newGate(t)
	s := New(runtimeConfig(), g)
	a := agent.New(g, g.Threads().NewCarrier("agent"), nil)

	stop := start(t, s)
	defer stop()
	require.Eventually(t, func() bool { return s.Stats().Quanta > 20 }, 5*time.Second, time.Millisecond)

	require.NoError(t, a.SuspendAllVirtualThreads(nil))
	time.Sleep(20 * time.Millisecond)
	before := s.Stats().Quanta
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, s.Stats().Quanta, "no quantum starts while everything is suspended")

	require.NoError(t, a.ResumeAllVirtualThreads(nil))
	require.Eventually(t, func() bool { return s.Stats().Quanta > before+20 }, 5*time.Second, time.Millisecond)
}

func TestFrameSummary(t *testing.T) {
	g, _ := newGate(t)
	s := New(runtimeConfig(), g)
	c := s.Carriers()[0]
	assert.Equal(t, "idle", s.FrameSummary(c))

	s.frames.Store(c.ID(), frame{fiber: 7, step: 1, steps: 4})
	assert.Equal(t, "fiber#7 step 2/4", s.FrameSummary(c))
	assert.Contains(t, g.Dump().String(), "fiber#7 step 2/4")
}
