package events

import (
	"sync"
	"sync/atomic"

	"fiberwatch/internal/logger"

	"github.com/phuslu/log"
)

// Handler receives the events an environment enabled.
type Handler func(env *Env, ev Event)

// ThreadMasker gives write access to per-thread enablement. It is
// implemented by the thread record.
type ThreadMasker interface {
	EventMask(env EnvID) Mask
	SetEventMask(env EnvID, m Mask)
}

// Env is one agent environment: a set of handlers and the kinds it enabled
// globally. Per-thread enablement lives in the thread records.
type Env struct {
	id   EnvID
	name string
	d    *Dispatcher

	global   atomic.Uint32
	handlers [numKinds]atomic.Pointer[Handler]
}

func (e *Env) ID() EnvID    { return e.id }
func (e *Env) Name() string { return e.name }
func (e *Env) Global() Mask { return Mask(e.global.Load()) }

// SetHandler installs the handler for kind. A nil handler removes it.
func (e *Env) SetHandler(kind Kind, h Handler) {
	if h == nil {
		e.handlers[kind].Store(nil)
		return
	}
	e.handlers[kind].Store(&h)
}

// SetEventMode enables or disables kind for this environment, globally when
// thread is nil and for that thread only otherwise.
func (e *Env) SetEventMode(enable bool, kind Kind, thread ThreadMasker) {
	if thread != nil {
		m := thread.EventMask(e.id)
		if enable {
			m |= MaskOf(kind)
		} else {
			m &^= MaskOf(kind)
		}
		thread.SetEventMask(e.id, m)
		e.d.perThread.Store(true)
		return
	}
	for {
		old := e.global.Load()
		m := Mask(old)
		if enable {
			m |= MaskOf(kind)
		} else {
			m &^= MaskOf(kind)
		}
		if e.global.CompareAndSwap(old, uint32(m)) {
			break
		}
	}
	e.d.recomputeGlobal()
}

func (e *Env) wants(kind Kind, thread ThreadEnabler) bool {
	if e.Global().Has(kind) {
		return true
	}
	return thread != nil && thread.ThreadEventEnabled(e.id, kind)
}

// KindStats counts what happened to the events of one kind.
type KindStats struct {
	Posted    uint64 // delivered to at least one environment
	Filtered  uint64 // rejected before posting
	Delivered uint64 // handler invocations
}

// Dispatcher fans lifecycle events out to agent environments. It is both the
// Exporter and the Filter of the transition gate.
type Dispatcher struct {
	mu     sync.Mutex
	envs   atomic.Pointer[[]*Env] // copy-on-write
	nextID EnvID

	// union of the global masks, for a cheap ShouldPost
	anyGlobal atomic.Uint32
	// set once any environment has enabled anything per thread
	perThread atomic.Bool

	posted    [numKinds]atomic.Uint64
	filtered  [numKinds]atomic.Uint64
	delivered [numKinds]atomic.Uint64

	log log.Logger
}

// NewDispatcher creates a dispatcher without environments.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{log: logger.NewLoggerWithContext("dispatcher")}
	d.envs.Store(&[]*Env{})
	return d
}

// NewEnv registers an environment.
func (d *Dispatcher) NewEnv(name string) *Env {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	e := &Env{id: d.nextID, name: name, d: d}
	old := *d.envs.Load()
	envs := make([]*Env, 0, len(old)+1)
	envs = append(envs, old...)
	envs = append(envs, e)
	d.envs.Store(&envs)
	d.log.Info().Uint32("env", uint32(e.id)).Str("name", name).Msg("Agent environment created")
	return e
}

// DisposeEnv unregisters e. Per-thread masks it left behind are ignored.
func (d *Dispatcher) DisposeEnv(e *Env) {
	d.mu.Lock()
	old := *d.envs.Load()
	envs := make([]*Env, 0, len(old))
	for _, x := range old {
		if x != e {
			envs = append(envs, x)
		}
	}
	d.envs.Store(&envs)
	d.mu.Unlock()
	d.recomputeGlobal()
	d.log.Info().Uint32("env", uint32(e.id)).Str("name", e.name).Msg("Agent environment disposed")
}

// Envs returns the registered environments.
func (d *Dispatcher) Envs() []*Env { return *d.envs.Load() }

func (d *Dispatcher) recomputeGlobal() {
	var m Mask
	for _, e := range d.Envs() {
		m |= e.Global()
	}
	d.anyGlobal.Store(uint32(m))
}

// ShouldPost implements Filter.
func (d *Dispatcher) ShouldPost(kind Kind, thread ThreadEnabler) bool {
	if Mask(d.anyGlobal.Load()).Has(kind) {
		return true
	}
	if thread != nil && d.perThread.Load() {
		for _, e := range d.Envs() {
			if thread.ThreadEventEnabled(e.id, kind) {
				return true
			}
		}
	}
	d.filtered[kind].Add(1)
	return false
}

func (d *Dispatcher) dispatch(ev Event) {
	var n uint64
	for _, e := range d.Envs() {
		if !e.wants(ev.Kind, ev.Thread) {
			continue
		}
		if h := e.handlers[ev.Kind].Load(); h != nil {
			(*h)(e, ev)
			n++
		}
	}
	if n > 0 {
		d.posted[ev.Kind].Add(1)
		d.delivered[ev.Kind].Add(n)
	}
}

func (d *Dispatcher) PostFiberStart(ev Event)   { d.dispatch(ev) }
func (d *Dispatcher) PostFiberEnd(ev Event)     { d.dispatch(ev) }
func (d *Dispatcher) PostFiberMount(ev Event)   { d.dispatch(ev) }
func (d *Dispatcher) PostFiberUnmount(ev Event) { d.dispatch(ev) }

// Stats returns the per-kind counters, indexed by Kind.
func (d *Dispatcher) Stats() []KindStats {
	out := make([]KindStats, numKinds)
	for k := range out {
		out[k] = KindStats{
			Posted:    d.posted[k].Load(),
			Filtered:  d.filtered[k].Load(),
			Delivered: d.delivered[k].Load(),
		}
	}
	return out
}
