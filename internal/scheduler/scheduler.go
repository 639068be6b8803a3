// Package scheduler runs fibers on a pool of carriers. It sits outside the
// transition protocol and only drives it: every quantum mounts a fiber, runs
// one step, polls for suspension and unmounts.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"fiberwatch/internal/config"
	"fiberwatch/internal/logger"
	"fiberwatch/internal/maps"
	"fiberwatch/internal/transition"
	"fiberwatch/internal/vm"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
)

type task struct {
	f     *vm.Fiber
	steps int
	done  int
}

type frame struct {
	fiber int64
	step  int
	steps int
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Quanta    uint64
	Spawned   uint64
	Completed uint64
	Runnable  int
}

// Scheduler owns the carriers and the run queue.
type Scheduler struct {
	cfg      config.RuntimeConfig
	gate     *transition.Gate
	threads  *vm.Threads
	carriers []*vm.Carrier
	runq     chan *task
	frames   maps.ConcurrentMap[int64, frame]

	quanta    atomic.Uint64
	spawned   atomic.Uint64
	completed atomic.Uint64

	log log.Logger
}

// New creates the carriers of cfg. Nothing runs until Run.
func New(cfg config.RuntimeConfig, gate *transition.Gate) *Scheduler {
	if cfg.Carriers <= 0 {
		cfg.Carriers = 1
	}
	if cfg.StepsPerFiber <= 0 {
		cfg.StepsPerFiber = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		gate:    gate,
		threads: gate.Threads(),
		runq:    make(chan *task, cfg.Fibers+cfg.Carriers),
		frames:  maps.NewConcurrentMap[int64, frame](cfg.MapImplementation),
		log:     logger.NewLoggerWithContext("scheduler"),
	}
	for i := 0; i < cfg.Carriers; i++ {
		s.carriers = append(s.carriers, s.threads.NewCarrier(fmt.Sprintf("carrier-%d", i)))
	}
	gate.SetInspector(s)
	return s
}

// Carriers returns the scheduler's carriers.
func (s *Scheduler) Carriers() []*vm.Carrier { return s.carriers }

// Spawn queues a new fiber running steps steps.
func (s *Scheduler) Spawn(steps int) *vm.Fiber {
	f := s.threads.NewFiber("")
	s.spawned.Add(1)
	s.runq <- &task{f: f, steps: steps}
	return f
}

// Run starts the configured fibers and runs the carriers until ctx is done.
// Carriers leave the table when they stop.
func (s *Scheduler) Run(ctx context.Context) error {
	for i := 0; i < s.cfg.Fibers; i++ {
		s.Spawn(s.cfg.StepsPerFiber)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range s.carriers {
		eg.Go(func() error {
			return s.runCarrier(ctx, c)
		})
	}
	s.log.Info().Int("carriers", len(s.carriers)).Int("fibers", s.cfg.Fibers).Msg("Scheduler started")
	err := eg.Wait()
	s.log.Info().Uint64("quanta", s.quanta.Load()).Uint64("completed", s.completed.Load()).Msg("Scheduler stopped")
	return err
}

func (s *Scheduler) runCarrier(ctx context.Context, c *vm.Carrier) error {
	defer func() {
		if err := s.threads.ExitCarrier(c, s.gate.Records()); err != nil {
			s.log.Error().Err(err).Msg("Carrier exit")
		}
	}()
	for {
		if err := c.SafepointPoll(ctx); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case t := <-s.runq:
			s.quantum(ctx, c, t)
		}
	}
}

// quantum runs one step of t on c.
func (s *Scheduler) quantum(ctx context.Context, c *vm.Carrier, t *task) {
	if t.f.State() == vm.FiberNew {
		s.gate.FiberStart(c, t.f)
	} else {
		s.gate.FiberMount(c, t.f)
	}
	s.quanta.Add(1)

	s.frames.Store(c.ID(), frame{fiber: t.f.ID(), step: t.done, steps: t.steps})
	if s.cfg.StepDuration.Duration > 0 {
		time.Sleep(s.cfg.StepDuration.Duration)
	}
	t.done++
	// A fiber suspended while mounted stops here, on its carrier.
	_ = c.SafepointPoll(ctx)
	s.frames.Delete(c.ID())

	if t.done < t.steps {
		s.gate.FiberUnmount(c, t.f)
		s.runq <- t
		return
	}
	s.gate.FiberEnd(c, t.f)
	s.completed.Add(1)
	if ctx.Err() == nil {
		s.Spawn(s.cfg.StepsPerFiber)
	}
}

// FrameSummary implements transition.Inspector.
func (s *Scheduler) FrameSummary(c *vm.Carrier) string {
	fr, ok := s.frames.Load(c.ID())
	if !ok {
		if f := c.Mounted(); f != nil {
			return fmt.Sprintf("%v in transition", f)
		}
		return "idle"
	}
	return fmt.Sprintf("fiber#%d step %d/%d", fr.fiber, fr.step+1, fr.steps)
}

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Quanta:    s.quanta.Load(),
		Spawned:   s.spawned.Load(),
		Completed: s.completed.Load(),
		Runnable:  len(s.runq),
	}
}
