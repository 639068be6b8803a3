package transition

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"fiberwatch/internal/suspend"
	"fiberwatch/internal/vm"
)

// CarrierDump is the state of one carrier at dump time.
type CarrierDump struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	TransitionMark   bool   `json:"transition_mark"`
	InTransition     bool   `json:"in_transition"`
	Disabler         bool   `json:"disabler"`
	Suspended        bool   `json:"suspended"`
	CarrierSuspended bool   `json:"carrier_suspended"`
	MountedFiber     int64  `json:"mounted_fiber,omitempty"`
	FiberDisables    int32  `json:"fiber_disable_count,omitempty"`
	Frame            string `json:"frame,omitempty"`
}

// Dump is a diagnostic snapshot of the gate. It is taken without locks and
// may be slightly inconsistent.
type Dump struct {
	Time                time.Time        `json:"time"`
	DisableForAll       int32            `json:"disable_for_all"`
	DisableForOne       int32            `json:"disable_for_one"`
	SRMode              bool             `json:"sr_mode"`
	SyncProtocolEnabled bool             `json:"sync_protocol_enabled"`
	Registry            suspend.Snapshot `json:"registry"`
	Carriers            []CarrierDump    `json:"carriers"`
}

// Dump captures the per-carrier transition state and the global counters.
func (g *Gate) Dump() Dump {
	d := Dump{
		Time:                time.Now(),
		DisableForAll:       g.disableForAll.Load(),
		DisableForOne:       g.disableForOne.Load(),
		SRMode:              g.srMode.Load(),
		SyncProtocolEnabled: g.SyncProtocolEnabled(),
		Registry:            g.registry.Snapshot(),
	}
	var in Inspector
	if p := g.inspector.Load(); p != nil {
		in = *p
	}
	g.threads.RangeCarriers(func(c *vm.Carrier) bool {
		cd := CarrierDump{
			ID:               c.ID(),
			Name:             c.Name(),
			TransitionMark:   c.TransitionMark(),
			InTransition:     c.InTransition(),
			Disabler:         c.IsDisabler(),
			Suspended:        c.IsSuspended(),
			CarrierSuspended: c.IsCarrierSuspended(),
		}
		if f := c.Mounted(); f != nil {
			cd.MountedFiber = f.ID()
			cd.FiberDisables = f.DisableCount()
		}
		if in != nil {
			cd.Frame = in.FrameSummary(c)
		}
		d.Carriers = append(d.Carriers, cd)
		return true
	})
	sort.Slice(d.Carriers, func(i, j int) bool { return d.Carriers[i].ID < d.Carriers[j].ID })
	return d
}

func (d Dump) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "disable_for_all=%d disable_for_one=%d sr_mode=%t sync_protocol=%t registry=%s(suspended=%d excluded=%d)\n",
		d.DisableForAll, d.DisableForOne, d.SRMode, d.SyncProtocolEnabled,
		d.Registry.Mode, d.Registry.Suspended, d.Registry.NotSuspended)
	for _, c := range d.Carriers {
		fmt.Fprintf(&b, "  carrier#%d %s mark=%t in_transition=%t disabler=%t suspended=%t carrier_suspended=%t",
			c.ID, c.Name, c.TransitionMark, c.InTransition, c.Disabler, c.Suspended, c.CarrierSuspended)
		if c.MountedFiber != 0 {
			fmt.Fprintf(&b, " fiber#%d(disables=%d)", c.MountedFiber, c.FiberDisables)
		}
		if c.Frame != "" {
			fmt.Fprintf(&b, " at %s", c.Frame)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// StuckError reports a wait that exceeded its attempt budget.
type StuckError struct {
	Op       string
	Attempts int
	Dump     Dump
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("stuck in %s after %d timed-out waits", e.Op, e.Attempts)
}
