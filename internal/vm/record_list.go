package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fiberwatch/internal/logger"

	"github.com/phuslu/log"
)

var (
	// ErrThreadNotAlive is returned when a record is requested for a thread
	// that has terminated or is exiting.
	ErrThreadNotAlive = errors.New("thread not alive")
	// ErrCouldNotAttach is returned when no record can be allocated. The
	// thread keeps running, it just cannot be instrumented.
	ErrCouldNotAttach = errors.New("could not attach thread record")
)

// RecordStats is a point-in-time snapshot of the record list.
type RecordStats struct {
	Live           int
	Retired        int
	Reclaimed      uint64
	DeferredPasses uint64
	Epoch          uint64
}

// RecordList is the global list of thread records.
//
// The list is mutated under mu. Iteration takes mu only to register itself in
// the iterating counter and then walks the links lock-free. Records are never
// freed synchronously: Retire unlinks them and Cleanup reclaims them once no
// iteration is in progress and a full epoch has passed since retirement.
type RecordList struct {
	mu        sync.Mutex
	head      atomic.Pointer[Record]
	live      int
	retired   []*Record
	iterating atomic.Int32
	epoch     atomic.Uint64

	nextID     atomic.Uint64
	maxRecords int
	mapImpl    string

	reclaimed atomic.Uint64
	deferred  atomic.Uint64

	log log.Logger
}

// NewRecordList creates an empty list. maxRecords <= 0 means unbounded.
func NewRecordList(maxRecords int, mapImpl string) *RecordList {
	return &RecordList{
		maxRecords: maxRecords,
		mapImpl:    mapImpl,
		log:        logger.NewLoggerWithContext("records"),
	}
}

// StateFor returns the record of t, creating and linking it on first access.
func (l *RecordList) StateFor(t Thread) (*Record, error) {
	switch t := t.(type) {
	case *Carrier:
		return l.stateForCarrier(t)
	case *Fiber:
		return l.stateForFiber(t)
	}
	return nil, fmt.Errorf("%w: unsupported thread %v", ErrThreadNotAlive, t)
}

func (l *RecordList) stateForCarrier(c *Carrier) (*Record, error) {
	if c == nil || c.IsExiting() {
		return nil, fmt.Errorf("%w: %v", ErrThreadNotAlive, c)
	}
	if r := c.OwnRecord(); r != nil {
		return r, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r := c.OwnRecord(); r != nil {
		return r, nil
	}
	if l.maxRecords > 0 && l.live >= l.maxRecords {
		return nil, fmt.Errorf("%w: %v (max_records=%d)", ErrCouldNotAttach, c, l.maxRecords)
	}
	r := newRecord(l.nextID.Add(1), l.mapImpl)
	r.carrier.Store(c)
	r.interpOnly.Store(c.InterpOnly())
	c.casOwn(nil, r)
	// A carrying carrier keeps the fiber's record active.
	if !c.IsCarrying() {
		c.active.CompareAndSwap(nil, r)
	}
	l.linkLocked(r)
	l.log.Trace().Int64("carrier", c.ID()).Uint64("record", r.id).Msg("Carrier record created")
	return r, nil
}

func (l *RecordList) stateForFiber(f *Fiber) (*Record, error) {
	if f == nil || !f.IsAlive() {
		return nil, fmt.Errorf("%w: %v", ErrThreadNotAlive, f)
	}
	if r := f.Record(); r != nil {
		return r, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r := f.Record(); r != nil {
		return r, nil
	}
	if l.maxRecords > 0 && l.live >= l.maxRecords {
		return nil, fmt.Errorf("%w: %v (max_records=%d)", ErrCouldNotAttach, f, l.maxRecords)
	}
	r := newRecord(l.nextID.Add(1), l.mapImpl)
	r.virtual = true
	r.fiber = f
	if c := f.Carrier(); c != nil {
		r.carrier.Store(c)
	}
	f.record.Store(r)
	l.linkLocked(r)
	l.log.Trace().Int64("fiber", f.ID()).Uint64("record", r.id).Msg("Fiber record created")
	return r, nil
}

// linkLocked pushes r at the head of the list. Caller holds mu.
func (l *RecordList) linkLocked(r *Record) {
	old := l.head.Load()
	r.next.Store(old)
	if old != nil {
		old.prev.Store(r)
	}
	l.head.Store(r)
	l.live++
}

// Range calls fn for every live record until fn returns false. Retired
// records still reachable from an in-flight walk are skipped.
func (l *RecordList) Range(fn func(r *Record) bool) {
	l.mu.Lock()
	l.iterating.Add(1)
	r := l.head.Load()
	l.mu.Unlock()
	defer l.iterating.Add(-1)

	for ; r != nil; r = r.next.Load() {
		if r.retired.Load() {
			continue
		}
		if !fn(r) {
			return
		}
	}
}

// Retire unlinks r. Its memory is reclaimed by a later Cleanup pass.
func (l *RecordList) Retire(r *Record) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.retired.Load() {
		return
	}
	r.retired.Store(true)
	r.retiredAt = l.epoch.Load()

	prev, next := r.prev.Load(), r.next.Load()
	if prev != nil {
		prev.next.Store(next)
	} else {
		l.head.Store(next)
	}
	if next != nil {
		next.prev.Store(prev)
	}
	if !r.virtual {
		if c := r.carrier.Swap(nil); c != nil {
			r.savedCarrier.Store(c)
		}
	}
	l.live--
	l.retired = append(l.retired, r)
}

// Cleanup reclaims retired records. The pass is skipped while any iteration
// is in progress. It returns the number of records reclaimed.
func (l *RecordList) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.iterating.Load(); n > 0 {
		l.deferred.Add(1)
		l.log.Debug().Int32("iterating", n).Int("retired", len(l.retired)).Msg("Record cleanup deferred")
		return 0
	}

	// A record retired in epoch e is reclaimed no earlier than the pass that
	// opens epoch e+2, so raw references taken before retirement have a full
	// epoch to drain.
	cur := l.epoch.Add(1)
	keep := l.retired[:0]
	var n int
	for _, r := range l.retired {
		if r.retiredAt+1 < cur {
			l.reclaimLocked(r)
			n++
			continue
		}
		keep = append(keep, r)
	}
	for i := len(keep); i < len(l.retired); i++ {
		l.retired[i] = nil
	}
	l.retired = keep

	if n > 0 {
		l.reclaimed.Add(uint64(n))
		l.log.Debug().Uint64("epoch", cur).Int("reclaimed", n).Int("pending", len(keep)).Msg("Record cleanup complete")
	}
	return n
}

func (l *RecordList) reclaimLocked(r *Record) {
	r.next.Store(nil)
	r.prev.Store(nil)
	r.DrainPending()
	if r.fiber != nil {
		r.fiber.record.CompareAndSwap(r, nil)
	}
	if c := r.savedCarrier.Load(); c != nil {
		c.casOwn(r, nil)
		c.active.CompareAndSwap(r, nil)
	}
	r.reclaimed.Store(true)
}

// Stats returns a snapshot of the list counters.
func (l *RecordList) Stats() RecordStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return RecordStats{
		Live:           l.live,
		Retired:        len(l.retired),
		Reclaimed:      l.reclaimed.Load(),
		DeferredPasses: l.deferred.Load(),
		Epoch:          l.epoch.Load(),
	}
}

// RunCleanup runs a cleanup pass every interval until ctx is done.
func (l *RecordList) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
