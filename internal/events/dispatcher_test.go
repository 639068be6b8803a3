package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// threadMask is a minimal per-thread enablement store.
type threadMask struct {
	mu sync.Mutex
	m  map[EnvID]Mask
}

func (t *threadMask) EventMask(env EnvID) Mask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[env]
}

func (t *threadMask) SetEventMask(env EnvID, m Mask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[EnvID]Mask)
	}
	t.m[env] = m
}

func (t *threadMask) ThreadEventEnabled(env EnvID, kind Kind) bool {
	return t.EventMask(env).Has(kind)
}

func TestDispatcherGlobalEnable(t *testing.T) {
	d := NewDispatcher()
	e := d.NewEnv("agent")

	var got []Event
	e.SetHandler(FiberMount, func(env *Env, ev Event) {
		assert.Same(t, e, env)
		got = append(got, ev)
	})

	assert.False(t, d.ShouldPost(FiberMount, nil))
	e.SetEventMode(true, FiberMount, nil)
	require.True(t, d.ShouldPost(FiberMount, nil))
	assert.False(t, d.ShouldPost(FiberStart, nil))

	Post(d, Event{Kind: FiberMount, FiberID: 3})
	require.Len(t, got, 1)
	assert.EqualValues(t, 3, got[0].FiberID)

	e.SetEventMode(false, FiberMount, nil)
	assert.False(t, d.ShouldPost(FiberMount, nil))

	st := d.Stats()
	assert.EqualValues(t, 1, st[FiberMount].Posted)
	assert.EqualValues(t, 1, st[FiberMount].Delivered)
	assert.EqualValues(t, 2, st[FiberMount].Filtered)
	assert.EqualValues(t, 1, st[FiberStart].Filtered)
}

func TestDispatcherPerThreadEnable(t *testing.T) {
	d := NewDispatcher()
	a, b := d.NewEnv("a"), d.NewEnv("b")
	var hitsA, hitsB int
	a.SetHandler(FiberUnmount, func(*Env, Event) { hitsA++ })
	b.SetHandler(FiberUnmount, func(*Env, Event) { hitsB++ })

	t1, t2 := &threadMask{}, &threadMask{}
	b.SetEventMode(true, FiberUnmount, t1)
	assert.Equal(t, MaskOf(FiberUnmount), t1.EventMask(b.ID()))

	assert.True(t, d.ShouldPost(FiberUnmount, t1))
	assert.False(t, d.ShouldPost(FiberUnmount, t2))
	assert.False(t, d.ShouldPost(FiberUnmount, nil))

	Post(d, Event{Kind: FiberUnmount, Thread: t1})
	assert.Equal(t, 0, hitsA)
	assert.Equal(t, 1, hitsB)

	b.SetEventMode(false, FiberUnmount, t1)
	assert.False(t, d.ShouldPost(FiberUnmount, t1))
}

func TestDispatcherDisposeEnv(t *testing.T) {
	d := NewDispatcher()
	e := d.NewEnv("gone")
	e.SetEventMode(true, FiberStart, nil)
	require.Len(t, d.Envs(), 1)

	d.DisposeEnv(e)
	assert.Empty(t, d.Envs())
	assert.False(t, d.ShouldPost(FiberStart, nil))
}

func TestMaskAndKinds(t *testing.T) {
	m := MaskOf(FiberStart, FiberEnd)
	assert.True(t, m.Has(FiberStart))
	assert.False(t, m.Has(FiberMount))
	assert.Equal(t, "fiber_unmount", FiberUnmount.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
	assert.Len(t, AllKinds, int(numKinds))
}

func TestPostRoutesByKind(t *testing.T) {
	d := NewDispatcher()
	e := d.NewEnv("all")
	seen := map[Kind]int{}
	for _, k := range AllKinds {
		e.SetEventMode(true, k, nil)
		e.SetHandler(k, func(_ *Env, ev Event) { seen[ev.Kind]++ })
	}
	for _, k := range AllKinds {
		Post(d, Event{Kind: k})
	}
	for _, k := range AllKinds {
		assert.Equal(t, 1, seen[k], k.String())
	}
	Post(Discard{}, Event{Kind: FiberStart})
}
