package vm

import (
	"testing"

	"fiberwatch/internal/debug"
	"fiberwatch/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBinder(t *testing.T) (*Threads, *Binder) {
	t.Helper()
	ts := NewThreads("xsync")
	return ts, NewBinder(NewRecordList(0, "xsync"), &debug.Checker{Enabled: true})
}

func TestBindRoundTripRestoresActiveRecord(t *testing.T) {
	ts, b := newTestBinder(t)
	c := ts.NewCarrier("")
	own, err := b.Records().StateFor(c)
	require.NoError(t, err)

	// Different fibers take turns on the same carrier.
	fibers := []*Fiber{ts.NewFiber(""), ts.NewFiber(""), ts.NewFiber("")}
	for round := 0; round < 3; round++ {
		for _, f := range fibers {
			before := c.ActiveRecord()
			r, err := b.BindOnMount(c, f)
			require.NoError(t, err)
			assert.Same(t, r, c.ActiveRecord())
			assert.Same(t, f, c.Mounted())
			assert.Same(t, c, f.Carrier())
			assert.Equal(t, FiberMounted, f.State())

			assert.Empty(t, b.UnbindOnUnmount(c, f, false))
			assert.Same(t, before, c.ActiveRecord())
			assert.Same(t, own, c.ActiveRecord())
			assert.Nil(t, f.Carrier())
			assert.Equal(t, FiberUnmounted, f.State())
		}
	}
}

func TestBindRejectsMountOnCarryingCarrier(t *testing.T) {
	ts, b := newTestBinder(t)
	c := ts.NewCarrier("")
	f1, f2 := ts.NewFiber(""), ts.NewFiber("")

	_, err := b.BindOnMount(c, f1)
	require.NoError(t, err)

	assert.PanicsWithError(t, "assertion failed: mount of "+f2.String()+" on "+c.String()+" already carrying "+f1.String(), func() {
		_, _ = b.BindOnMount(c, f2)
	})
	assert.Same(t, f1, c.Mounted())

	// Without assertions the second mount is refused and nothing changes.
	b.check = &debug.Checker{}
	r, err := b.BindOnMount(c, f2)
	assert.NoError(t, err)
	assert.Nil(t, r)
	assert.Same(t, f1.Record(), c.ActiveRecord())
}

func TestBindInterpOnlyInheritance(t *testing.T) {
	ts, b := newTestBinder(t)
	c := ts.NewCarrier("")
	f := ts.NewFiber("")

	c.SetInterpOnly(true)
	r, err := b.BindOnMount(c, f)
	require.NoError(t, err)
	assert.True(t, r.InterpOnly(), "fiber inherits the carrier's stepping mode")
	assert.True(t, c.InterpOnly())

	// The agent turns stepping off for the fiber while it is mounted.
	r.SetInterpOnly(false)
	assert.False(t, c.InterpOnly())

	b.UnbindOnUnmount(c, f, false)
	assert.True(t, c.InterpOnly(), "carrier restores its own mode")
	assert.False(t, r.InterpOnly())

	// Turning stepping on for an unmounted fiber only caches it.
	r.SetInterpOnly(true)
	c.SetInterpOnly(false)
	_, err = b.BindOnMount(c, f)
	require.NoError(t, err)
	assert.True(t, c.InterpOnly())
	b.UnbindOnUnmount(c, f, false)
	assert.False(t, c.InterpOnly())
}

func TestUnbindTerminalFlushesAndRetires(t *testing.T) {
	ts, b := newTestBinder(t)
	c := ts.NewCarrier("")
	f := ts.NewFiber("")

	r, err := b.BindOnMount(c, f)
	require.NoError(t, err)
	r.QueuePending(events.Event{Kind: events.FiberMount, FiberID: f.ID()})

	pending := b.UnbindOnUnmount(c, f, true)
	require.Len(t, pending, 1)
	assert.Equal(t, FiberTerminated, f.State())
	assert.True(t, r.IsRetired())
	assert.False(t, r.IsReclaimed(), "reclaim is deferred to a cleanup pass")
	assert.False(t, r.QueuePending(events.Event{Kind: events.FiberEnd, FiberID: f.ID()}),
		"a drained terminal record takes no more events")
	assert.Zero(t, r.PendingLen())

	b.Records().Cleanup()
	b.Records().Cleanup()
	assert.True(t, r.IsReclaimed())
	assert.Nil(t, f.Record())

	ts.RemoveFiber(f)
	_, ok := ts.Fiber(f.ID())
	assert.False(t, ok)
}

func TestBindWithoutRecordCapacity(t *testing.T) {
	ts := NewThreads("xsync")
	b := NewBinder(NewRecordList(1, "xsync"), nil)
	c := ts.NewCarrier("")
	_, err := b.Records().StateFor(c)
	require.NoError(t, err)

	f := ts.NewFiber("")
	r, err := b.BindOnMount(c, f)
	assert.ErrorIs(t, err, ErrCouldNotAttach)
	assert.Nil(t, r)
	assert.Same(t, f, c.Mounted(), "the fiber still runs")
	assert.Nil(t, c.ActiveRecord())

	b.UnbindOnUnmount(c, f, false)
	assert.Same(t, c.OwnRecord(), c.ActiveRecord())
}

func TestCarrierSuspendResume(t *testing.T) {
	ts := NewThreads("xsync")
	c := ts.NewCarrier("")
	assert.True(t, c.Suspend())
	assert.False(t, c.Suspend())

	done := make(chan error)
	go func() { done <- c.SafepointPoll(t.Context()) }()
	assert.True(t, c.Resume())
	assert.NoError(t, <-done)
	assert.False(t, c.Resume())
}
