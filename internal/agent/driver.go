package agent

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"fiberwatch/internal/config"
	"fiberwatch/internal/logger"
	"fiberwatch/internal/vm"

	"github.com/phuslu/log"
	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"
)

// Driver exercises an Agent against a running scheduler: every round it
// suspends either one random fiber or all of them, holds the suspension for
// a while and resumes.
type Driver struct {
	agent *Agent
	cfg   config.AgentConfig
	rng   *rand.Rand

	rounds  atomic.Uint64
	skipped atomic.Uint64

	log log.Logger
}

// NewDriver creates a driver for a.
func NewDriver(a *Agent, cfg config.AgentConfig, seed uint64) *Driver {
	return &Driver{
		agent: a,
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		log:   logger.NewLoggerWithContext("agent_driver"),
	}
}

// Rounds returns the number of completed and skipped rounds.
func (d *Driver) Rounds() (done, skipped uint64) { return d.rounds.Load(), d.skipped.Load() }

// Run drives rounds until ctx is done. A nil return leaves nothing suspended.
func (d *Driver) Run(ctx context.Context) (err error) {
	defer xerr.Context(&err, "agent driver")

	ticker := time.NewTicker(d.cfg.SuspendInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if d.rng.IntN(100) < d.cfg.SingleTargetRatio {
			err = d.singleRound(ctx)
		} else {
			err = d.allRound(ctx)
		}
		if err != nil {
			return err
		}
	}
}

// hold sleeps for the suspend duration or until ctx is done.
func (d *Driver) hold(ctx context.Context) {
	t := time.NewTimer(d.cfg.SuspendDuration.Duration)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// pick returns a random live fiber, or nil.
func (d *Driver) pick() *vm.Fiber {
	var alive []*vm.Fiber
	d.agent.threads.RangeFibers(func(f *vm.Fiber) bool {
		if fiberAlive(f) {
			alive = append(alive, f)
		}
		return true
	})
	if len(alive) == 0 {
		return nil
	}
	return alive[d.rng.IntN(len(alive))]
}

func (d *Driver) singleRound(ctx context.Context) error {
	f := d.pick()
	if f == nil {
		d.skipped.Add(1)
		return nil
	}
	if err := d.agent.SuspendThread(f); err != nil {
		// The fiber may have ended since it was picked.
		if errors.Is(err, ErrThreadNotAlive) || errors.Is(err, ErrThreadSuspended) {
			d.skipped.Add(1)
			d.log.Debug().Err(err).Str("fiber", f.String()).Msg("Skipping round")
			return nil
		}
		return errors.Wrapf(err, "suspend %v", f)
	}

	_ = d.agent.Inspect(f, func(info ThreadInfo) error {
		d.log.Debug().
			Str("fiber", f.String()).
			Bool("suspended", info.State.Has(StateSuspended)).
			Bool("mounted", info.State.Has(StateMounted)).
			Str("frame", info.Frame).
			Msg("Fiber suspended")
		return nil
	})
	d.hold(ctx)

	if err := d.agent.ResumeThread(f); err != nil {
		return errors.Wrapf(err, "resume %v", f)
	}
	d.rounds.Add(1)
	return nil
}

func (d *Driver) allRound(ctx context.Context) error {
	start := time.Now()
	if err := d.agent.SuspendAllVirtualThreads(nil); err != nil {
		return errors.Wrap(err, "suspend all")
	}
	d.log.Debug().Dur("took", time.Since(start)).Msg("All fibers suspended")
	d.hold(ctx)

	if err := d.agent.ResumeAllVirtualThreads(nil); err != nil {
		return errors.Wrap(err, "resume all")
	}
	d.rounds.Add(1)
	return nil
}
