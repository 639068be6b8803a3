package transition

import (
	"sync"
	"time"
)

// monitor is a mutex with a broadcast condition that supports timed waits.
// notifyAll closes the current generation channel and installs a fresh one,
// so a waiter that captured the channel under the lock never misses a
// notification issued after it released the lock.
type monitor struct {
	mu sync.Mutex
	ch chan struct{}
}

func newMonitor() *monitor {
	return &monitor{ch: make(chan struct{})}
}

func (m *monitor) lock()   { m.mu.Lock() }
func (m *monitor) unlock() { m.mu.Unlock() }

// wait releases the lock, blocks until notified or d elapses, and reacquires
// the lock. It reports whether the wait timed out. Caller holds the lock.
func (m *monitor) wait(d time.Duration) (timedOut bool) {
	ch := m.ch
	m.mu.Unlock()
	t := time.NewTimer(d)
	select {
	case <-ch:
	case <-t.C:
		timedOut = true
	}
	t.Stop()
	m.mu.Lock()
	return timedOut
}

// notifyAllLocked wakes every current waiter. Caller holds the lock.
func (m *monitor) notifyAllLocked() {
	close(m.ch)
	m.ch = make(chan struct{})
}
