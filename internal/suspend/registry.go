// Package suspend tracks which fibers are suspended.
//
// Two registration strategies share one registry: in Individual mode the
// suspended fibers are listed, in All mode the fibers excluded from a blanket
// suspension are listed. Either way the cost of a call is independent of how
// many fibers exist.
package suspend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"fiberwatch/internal/debug"
	"fiberwatch/internal/logger"

	"github.com/phuslu/log"
)

// Mode selects which set of the registry is meaningful.
type Mode int32

const (
	ModeNone Mode = iota
	ModeIndividual
	ModeAll
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeIndividual:
		return "individual"
	case ModeAll:
		return "all"
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Snapshot is a consistent view of the registry.
type Snapshot struct {
	Mode         Mode `json:"mode"`
	Suspended    int  `json:"suspended"`     // listed suspended fibers (Individual mode)
	NotSuspended int  `json:"not_suspended"` // listed excluded fibers (All mode)
}

// Registry is the suspend registry. All reads and writes take mu, since a
// query composes the mode with set membership. The registry never calls into
// the transition gate.
type Registry struct {
	mu           sync.Mutex
	mode         Mode
	suspended    map[int64]struct{}
	notSuspended map[int64]struct{}

	// modeHint mirrors mode. ModeNone alone answers a query, so readers
	// skip the lock in the common case of nothing suspended.
	modeHint atomic.Int32

	check *debug.Checker
	log   log.Logger
}

// NewRegistry creates a registry in ModeNone.
func NewRegistry(check *debug.Checker) *Registry {
	return &Registry{
		suspended:    make(map[int64]struct{}),
		notSuspended: make(map[int64]struct{}),
		check:        check,
		log:          logger.NewLoggerWithContext("suspend_registry"),
	}
}

// resetLocked switches mode and starts both sets empty.
func (r *Registry) resetLocked(m Mode) {
	r.setModeLocked(m)
	clear(r.suspended)
	clear(r.notSuspended)
}

// RegisterAllSuspend marks every fiber suspended. Callers hold the exclusive
// suspend/resume disabler.
func (r *Registry) RegisterAllSuspend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(ModeAll)
	r.log.Debug().Msg("All fibers registered suspended")
}

// RegisterAllResume marks every fiber resumed. Callers hold the exclusive
// suspend/resume disabler.
func (r *Registry) RegisterAllResume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(ModeNone)
	r.log.Debug().Msg("All fibers registered resumed")
}

// RegisterIndividualSuspend marks one fiber suspended. Suspending a fiber that
// is already suspended is misuse and leaves the registry unchanged.
func (r *Registry) RegisterIndividualSuspend(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.check.Assert(!r.isSuspendedLocked(id), "fiber %d suspended twice", id) {
		return
	}
	switch r.mode {
	case ModeAll:
		// Back to the blanket default.
		delete(r.notSuspended, id)
	default:
		r.setModeLocked(ModeIndividual)
		r.suspended[id] = struct{}{}
	}
}

// RegisterIndividualResume marks one fiber resumed. Resuming a fiber that is
// not suspended is misuse and leaves the registry unchanged.
func (r *Registry) RegisterIndividualResume(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.check.Assert(r.isSuspendedLocked(id), "fiber %d resumed while not suspended", id) {
		return
	}
	switch r.mode {
	case ModeAll:
		r.notSuspended[id] = struct{}{}
	default:
		delete(r.suspended, id)
		if len(r.suspended) == 0 {
			r.setModeLocked(ModeNone)
		}
	}
}

func (r *Registry) setModeLocked(m Mode) {
	r.mode = m
	r.modeHint.Store(int32(m))
}

// IsSuspended reports whether the fiber is suspended.
//
// A ModeNone hint answers without the lock. That read is not serialized with
// the writers, and it needs no serialization: every switch away from
// ModeNone is made by the holder of the suspend/resume disabler, which only
// proceeds once every carrier's transition mark is clear and keeps new
// marks from being set. A transition that read ModeNone either started
// before the switch, and the switch waited for it, or it revalidates against
// the disable counts and blocks. Any other mode takes the lock so the mode
// and the set are read together.
func (r *Registry) IsSuspended(id int64) bool {
	if Mode(r.modeHint.Load()) == ModeNone {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isSuspendedLocked(id)
}

func (r *Registry) isSuspendedLocked(id int64) bool {
	switch r.mode {
	case ModeAll:
		_, excluded := r.notSuspended[id]
		return !excluded
	case ModeIndividual:
		_, ok := r.suspended[id]
		return ok
	}
	return false
}

// Forget drops any trace of a terminated fiber.
func (r *Registry) Forget(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notSuspended, id)
	if _, ok := r.suspended[id]; ok {
		delete(r.suspended, id)
		if r.mode == ModeIndividual && len(r.suspended) == 0 {
			r.setModeLocked(ModeNone)
		}
	}
}

// Mode returns the current mode.
func (r *Registry) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Suspended filters ids down to the suspended ones, in order.
func (r *Registry) Suspended(ids []int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, id := range ids {
		if r.isSuspendedLocked(id) {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns the mode and set sizes.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Mode:         r.mode,
		Suspended:    len(r.suspended),
		NotSuspended: len(r.notSuspended),
	}
}
