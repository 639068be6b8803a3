// Package debug holds the protocol-misuse checks shared by the core packages.
//
// Checks are switched on per component through configuration rather than by a
// build tag, so test and production behavior stay documented side by side.
package debug

import (
	"fmt"

	"github.com/phuslu/log"
)

// AssertionError is the panic value raised by a failed check when assertions
// are enabled.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string { return "assertion failed: " + e.Msg }

// Checker reports protocol misuse. The zero value logs through the default
// logger and never panics.
type Checker struct {
	Enabled bool
	Log     *log.Logger
}

// Assert reports a violation when ok is false. With assertions enabled it
// panics with *AssertionError, otherwise it logs and returns false so the
// caller can continue defensively.
func (c *Checker) Assert(ok bool, format string, args ...any) bool {
	if ok {
		return true
	}
	msg := fmt.Sprintf(format, args...)
	if c != nil && c.Enabled {
		panic(&AssertionError{Msg: msg})
	}
	l := &log.DefaultLogger
	if c != nil && c.Log != nil {
		l = c.Log
	}
	l.Error().Str("violation", msg).Msg("Protocol misuse detected")
	return false
}
