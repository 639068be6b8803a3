package agent

import (
	"context"
	"testing"
	"time"

	"fiberwatch/internal/config"
	"fiberwatch/internal/maps"
	"fiberwatch/internal/scheduler"
	"fiberwatch/internal/suspend"
	"fiberwatch/internal/vm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDriverAgainstScheduler(t *testing.T) {
	r := newRig(t)
	s := scheduler.New(config.RuntimeConfig{
		Carriers:          3,
		Fibers:            12,
		StepsPerFiber:     3,
		StepDuration:      config.Duration{Duration: 100 * time.Microsecond},
		MapImplementation: maps.ImplXSync,
	}, r.gate)
	d := NewDriver(r.agent, config.AgentConfig{
		Enabled:           true,
		SuspendInterval:   config.Duration{Duration: 2 * time.Millisecond},
		SuspendDuration:   config.Duration{Duration: time.Millisecond},
		SingleTargetRatio: 50,
	}, 1)

	ctx, cancel := context.WithCancel(t.Context())
	var eg errgroup.Group
	eg.Go(func() error { return s.Run(ctx) })

	driverCtx, stopDriver := context.WithCancel(ctx)
	driverDone := make(chan error, 1)
	go func() { driverDone <- d.Run(driverCtx) }()

	require.Eventually(t, func() bool {
		done, _ := d.Rounds()
		return done >= 10
	}, 10*time.Second, time.Millisecond)

	// The driver stops first so no carrier is left suspended.
	stopDriver()
	select {
	case err := <-driverDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop")
	}
	assert.Equal(t, suspend.ModeNone, r.registry.Mode())
	before := s.Stats().Quanta
	require.Eventually(t, func() bool { return s.Stats().Quanta > before }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, eg.Wait())
	r.threads.RangeCarriers(func(c *vm.Carrier) bool {
		assert.False(t, c.IsSuspended(), "%v", c)
		return true
	})
}
