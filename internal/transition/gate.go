// Package transition implements the fiber mount/unmount synchronization
// protocol: the gate every transition passes through, the disablers that
// forbid transitions while an agent inspects or suspends fibers, and the
// lifecycle hooks that bind records and post events around each transition.
package transition

import (
	"context"
	"sync/atomic"
	"time"

	"fiberwatch/internal/config"
	"fiberwatch/internal/debug"
	"fiberwatch/internal/events"
	"fiberwatch/internal/logger"
	"fiberwatch/internal/suspend"
	"fiberwatch/internal/vm"

	"github.com/phuslu/log"
)

// Config tunes the bounded wait loops of the gate.
type Config struct {
	// WaitInterval is the re-check period of every blocking wait.
	WaitInterval time.Duration
	// MaxAttempts is the number of timed-out waits after which a wait is
	// reported stuck. Zero disables the check.
	MaxAttempts int
	// StuckPolicy is config.StuckPolicyPanic or config.StuckPolicyContinue.
	StuckPolicy string
	// SyncProtocolAlwaysOn arms the sync protocol at construction.
	SyncProtocolAlwaysOn bool
	// NoFiberSupport turns every disabler into a no-op guard.
	NoFiberSupport bool
}

// NewConfig maps the [gate] section onto a gate Config.
func NewConfig(gc config.GateConfig) Config {
	return Config{
		WaitInterval:         gc.WaitInterval.Duration,
		MaxAttempts:          gc.MaxWaitAttempts,
		StuckPolicy:          gc.StuckPolicy,
		SyncProtocolAlwaysOn: gc.SyncProtocolAlwaysOn,
	}
}

// Deps are the collaborators of a gate.
type Deps struct {
	Threads  *vm.Threads
	Registry *suspend.Registry
	Binder   *vm.Binder
	Exporter events.Exporter
	Filter   events.Filter
	Check    *debug.Checker
}

// Inspector summarizes what a carrier is executing, for diagnostic dumps.
type Inspector interface {
	FrameSummary(c *vm.Carrier) string
}

type gateStats struct {
	fastStarts   atomic.Uint64
	slowStarts   atomic.Uint64
	finishes     atomic.Uint64
	notifies     atomic.Uint64
	disablersAll atomic.Uint64
	disablersOne atomic.Uint64
	disablersSR  atomic.Uint64
	noopGuards   atomic.Uint64
	stuckWaits   atomic.Uint64
	posted       atomic.Uint64
	queued       atomic.Uint64
	bindFailures atomic.Uint64
}

// Stats is a snapshot of the gate counters.
type Stats struct {
	FastStarts          uint64
	SlowStarts          uint64
	Finishes            uint64
	Notifies            uint64
	DisablersAll        uint64
	DisablersOne        uint64
	DisablersSR         uint64
	NoopGuards          uint64
	StuckWaits          uint64
	EventsPosted        uint64
	EventsQueued        uint64
	BindFailures        uint64
	DisableForAll       int32
	DisableForOne       int32
	SRMode              bool
	SyncProtocolEnabled bool
	NotifyEvents        bool
}

// Gate is the process-wide transition state. Tests create independent
// instances.
type Gate struct {
	cfg Config
	mon *monitor

	threads  *vm.Threads
	registry *suspend.Registry
	binder   *vm.Binder
	exporter events.Exporter
	filter   events.Filter
	check    *debug.Checker

	inspector atomic.Pointer[Inspector]

	// Written under mon, read lock-free on the fast path.
	disableForOne atomic.Int32
	disableForAll atomic.Int32
	srMode        atomic.Bool

	// The sync protocol is armed permanently by the first suspend/resume
	// disabler and temporarily by every other live disabler.
	syncPermanent atomic.Bool
	syncCount     atomic.Int32

	notifyEvents atomic.Bool

	stats gateStats
	log   log.Logger
}

// NewGate creates a gate. A nil Exporter discards events and a nil Filter
// lets all of them through.
func NewGate(cfg Config, deps Deps) *Gate {
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 10 * time.Millisecond
	}
	if cfg.StuckPolicy == "" {
		cfg.StuckPolicy = config.StuckPolicyContinue
	}
	g := &Gate{
		cfg:      cfg,
		mon:      newMonitor(),
		threads:  deps.Threads,
		registry: deps.Registry,
		binder:   deps.Binder,
		exporter: deps.Exporter,
		filter:   deps.Filter,
		check:    deps.Check,
		log:      logger.NewLoggerWithContext("transition_gate"),
	}
	if g.exporter == nil {
		g.exporter = events.Discard{}
	}
	if g.filter == nil {
		g.filter = events.PostAll{}
	}
	if cfg.SyncProtocolAlwaysOn {
		g.syncPermanent.Store(true)
	}
	g.notifyEvents.Store(true)
	return g
}

// SetInspector installs the frame summarizer used by Dump.
func (g *Gate) SetInspector(in Inspector) { g.inspector.Store(&in) }

// Threads returns the thread table the gate coordinates.
func (g *Gate) Threads() *vm.Threads { return g.threads }

// Registry returns the suspend registry consulted by the gate.
func (g *Gate) Registry() *suspend.Registry { return g.registry }

// Records returns the record list behind the binder.
func (g *Gate) Records() *vm.RecordList { return g.binder.Records() }

// SyncProtocolEnabled reports whether transitions must validate against the
// suspend registry.
func (g *Gate) SyncProtocolEnabled() bool {
	return g.syncPermanent.Load() || g.syncCount.Load() > 0
}

// NotifyEvents reports whether lifecycle events are posted.
func (g *Gate) NotifyEvents() bool { return g.notifyEvents.Load() }

// blocked reports whether a transition of f on c may not proceed.
func (g *Gate) blocked(c *vm.Carrier, f *vm.Fiber) bool {
	return g.disableForAll.Load() > 0 ||
		f.DisableCount() > 0 ||
		c.IsSuspended() ||
		g.registry.IsSuspended(f.ID())
}

// Start enters the transition critical section of f on carrier c, the
// goroutine running c being the caller.
//
// The marks are set optimistically and validated afterwards. While no
// disabler has ever armed the sync protocol, and no disabler is pending, no
// lock is taken.
func (g *Gate) Start(c *vm.Carrier, f *vm.Fiber, isMount bool) {
	g.check.Assert(!c.InTransition(), "%v starts a transition of %v while in transition", c, f)
	g.check.Assert(!f.InTransition(), "%v starts a transition on %v while already in transition", f, c)

	c.SetTransitionMark(true)
	f.SetInTransition(true)

	if !g.SyncProtocolEnabled() {
		g.enter(c)
		g.stats.fastStarts.Add(1)
		return
	}
	if g.disableForOne.Load() == 0 && !g.blocked(c, f) {
		g.enter(c)
		g.stats.fastStarts.Add(1)
		return
	}

	// Lost the bet: undo and retry under the monitor.
	f.SetInTransition(false)
	c.SetTransitionMark(false)
	g.stats.slowStarts.Add(1)

	w := waiter{op: "start"}
	g.mon.lock()
	for {
		if c.IsSuspended() {
			g.mon.unlock()
			_ = c.SafepointPoll(context.Background())
			g.mon.lock()
			continue
		}
		if g.blocked(c, f) {
			g.waitLocked(&w)
			continue
		}
		c.SetTransitionMark(true)
		f.SetInTransition(true)
		if g.disableForAll.Load() > 0 || f.DisableCount() > 0 {
			f.SetInTransition(false)
			c.SetTransitionMark(false)
			continue
		}
		break
	}
	g.mon.unlock()
	g.enter(c)
	g.log.Trace().Int64("carrier", c.ID()).Int64("fiber", f.ID()).Bool("mount", isMount).Int("timeouts", w.total).Msg("Transition started on slow path")
}

func (g *Gate) enter(c *vm.Carrier) {
	c.SetInTransition(true)
}

// Finish leaves the critical section entered by Start. On unmount a deferred
// suspend request against the carrier is honored before returning.
func (g *Gate) Finish(c *vm.Carrier, f *vm.Fiber, isMount bool) {
	g.check.Assert(c.InTransition() && f.InTransition(), "%v finishes a transition of %v it did not start", c, f)

	c.SetInTransition(false)
	f.SetInTransition(false)
	c.SetTransitionMark(false)
	g.stats.finishes.Add(1)

	if g.disableForOne.Load() > 0 || g.disableForAll.Load() > 0 {
		g.mon.lock()
		g.mon.notifyAllLocked()
		g.mon.unlock()
		g.stats.notifies.Add(1)
	}

	if isMount || !c.IsCarrierSuspended() {
		return
	}
	w := waiter{op: "finish"}
	g.mon.lock()
	for c.IsCarrierSuspended() {
		g.waitLocked(&w)
	}
	g.mon.unlock()
}

// NotifyAll wakes every waiter of the gate. Agents call it after lifting a
// suspend condition a waiter may be blocked on.
func (g *Gate) NotifyAll() {
	g.mon.lock()
	g.mon.notifyAllLocked()
	g.mon.unlock()
}

// waiter carries the attempt budget of one wait loop.
type waiter struct {
	op       string
	timeouts int
	total    int
}

// waitLocked waits one interval on the monitor. Timeouts count against the
// attempt budget, and once it is spent the stuck policy applies. Caller holds
// the monitor.
func (g *Gate) waitLocked(w *waiter) {
	if !g.mon.wait(g.cfg.WaitInterval) {
		return
	}
	w.timeouts++
	w.total++
	if g.cfg.MaxAttempts <= 0 || w.timeouts < g.cfg.MaxAttempts {
		return
	}
	w.timeouts = 0
	g.stats.stuckWaits.Add(1)
	err := &StuckError{Op: w.op, Attempts: g.cfg.MaxAttempts, Dump: g.Dump()}
	if g.cfg.StuckPolicy == config.StuckPolicyPanic {
		g.mon.unlock()
		g.log.Error().Err(err).Str("dump", err.Dump.String()).Msg("Wait exceeded its attempt budget")
		panic(err)
	}
	g.log.Error().Err(err).Str("dump", err.Dump.String()).Msg("Wait exceeded its attempt budget, still waiting")
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		FastStarts:          g.stats.fastStarts.Load(),
		SlowStarts:          g.stats.slowStarts.Load(),
		Finishes:            g.stats.finishes.Load(),
		Notifies:            g.stats.notifies.Load(),
		DisablersAll:        g.stats.disablersAll.Load(),
		DisablersOne:        g.stats.disablersOne.Load(),
		DisablersSR:         g.stats.disablersSR.Load(),
		NoopGuards:          g.stats.noopGuards.Load(),
		StuckWaits:          g.stats.stuckWaits.Load(),
		EventsPosted:        g.stats.posted.Load(),
		EventsQueued:        g.stats.queued.Load(),
		BindFailures:        g.stats.bindFailures.Load(),
		DisableForAll:       g.disableForAll.Load(),
		DisableForOne:       g.disableForOne.Load(),
		SRMode:              g.srMode.Load(),
		SyncProtocolEnabled: g.SyncProtocolEnabled(),
		NotifyEvents:        g.notifyEvents.Load(),
	}
}
