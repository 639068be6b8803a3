package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // For pprof server
	"os"
	"os/signal"
	"syscall"
	"time"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"fiberwatch/internal/agent"
	"fiberwatch/internal/config"
	"fiberwatch/internal/debug"
	"fiberwatch/internal/events"
	"fiberwatch/internal/metrics"
	"fiberwatch/internal/scheduler"
	"fiberwatch/internal/suspend"
	"fiberwatch/internal/transition"
	"fiberwatch/internal/vm"
)

// FiberWatch encapsulates the core components of the application.
type FiberWatch struct {
	config     *config.AppConfig
	gate       *transition.Gate
	dispatcher *events.Dispatcher
	sched      *scheduler.Scheduler
	agent      *agent.Agent
	driver     *agent.Driver
	httpServer *http.Server
	log        plog.Logger
}

// NewFiberWatch wires the runtime, the agent and the HTTP server.
func NewFiberWatch(config *config.AppConfig) (*FiberWatch, error) {
	fw := &FiberWatch{
		config: config,
		log:    plog.DefaultLogger, // main app uses default logger
	}
	fw.log.Info().
		Str("version", version).
		Str("listen_address", config.Server.ListenAddress).
		Str("metrics_path", config.Server.MetricsPath).
		Int("carriers", config.Runtime.Carriers).
		Int("fibers", config.Runtime.Fibers).
		Msg("Starting fiberwatch")

	fw.setupRuntime()
	fw.setupAgent()
	fw.setupHTTPServer()

	prometheus.MustRegister(metrics.NewVTMSCollector(fw.gate, fw.dispatcher, fw.sched))
	fw.log.Info().Msg("Transition collector registered with Prometheus")

	return fw, nil
}

// setupRuntime builds the gate and the scheduler around it.
func (fw *FiberWatch) setupRuntime() {
	cfg := fw.config
	check := &debug.Checker{Enabled: cfg.Gate.Assertions}

	threads := vm.NewThreads(cfg.Runtime.MapImplementation)
	records := vm.NewRecordList(cfg.Records.MaxRecords, cfg.Runtime.MapImplementation)
	fw.dispatcher = events.NewDispatcher()

	fw.gate = transition.NewGate(transition.NewConfig(cfg.Gate), transition.Deps{
		Threads:  threads,
		Registry: suspend.NewRegistry(check),
		Binder:   vm.NewBinder(records, check),
		Exporter: fw.dispatcher,
		Filter:   fw.dispatcher,
		Check:    check,
	})
	fw.sched = scheduler.New(cfg.Runtime, fw.gate)
	fw.log.Debug().Int("carriers", len(fw.sched.Carriers())).Msg("- Runtime created")
}

// setupAgent creates the agent environment and its event handlers.
func (fw *FiberWatch) setupAgent() {
	env := fw.dispatcher.NewEnv("fiberwatch")
	for _, k := range events.AllKinds {
		env.SetHandler(k, func(env *events.Env, ev events.Event) {
			fw.log.Trace().
				Str("env", env.Name()).
				Str("kind", ev.Kind.String()).
				Int64("fiber", ev.FiberID).
				Int64("carrier", ev.CarrierID).
				Msg("Fiber event")
		})
		env.SetEventMode(true, k, nil)
	}

	self := fw.gate.Threads().NewCarrier("agent")
	fw.agent = agent.New(fw.gate, self, env)
	fw.agent.SetInspector(fw.sched)
	if !fw.config.Agent.NotifyEvents {
		fw.agent.DisableNotifyEvents()
	}
	fw.driver = agent.NewDriver(fw.agent, fw.config.Agent, uint64(time.Now().UnixNano()))
}

// setupHTTPServer configures the HTTP server for metrics and the state dump.
func (fw *FiberWatch) setupHTTPServer() {
	fw.log.Debug().Str("metrics_path", fw.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(fw.config.Server.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/debug/vtms", fw.serveDump)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>fiberwatch</title></head>
            <body>
            <h1>fiberwatch v` + version + ` </h1>
            <p><a href="` + fw.config.Server.MetricsPath + `">Metrics</a></p>
            <p><a href="/debug/vtms">Transition state</a> (<a href="/debug/vtms?format=text">text</a>)</p>
            </body>
            </html>`))
	})

	fw.httpServer = &http.Server{
		Addr:    fw.config.Server.ListenAddress,
		Handler: mux,
	}
}

func (fw *FiberWatch) serveDump(w http.ResponseWriter, r *http.Request) {
	dump := fw.gate.Dump()
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprint(w, dump.String())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		fw.log.Error().Err(err).Msg("Failed to encode transition dump")
	}
}

// Run starts all services and waits for a shutdown signal.
func (fw *FiberWatch) Run() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		fw.log.Info().Msg("! Received OS shutdown signal, shutting down gracefully...")
		stop()
	}()

	if fw.config.Server.PprofEnabled {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					fw.log.Error().Interface("panic", r).Msg("Panic recovered in pprof server, initiating shutdown")
					stop()
				}
			}()
			fw.log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			// pprof registers its handlers on http.DefaultServeMux
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				fw.log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				fw.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
				stop()
			}
		}()
		fw.log.Info().Str("address", fw.config.Server.ListenAddress).Msg("Starting HTTP server")
		if err := fw.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fw.log.Error().Err(err).Msg("❌ Failed to start HTTP server")
			stop()
		}
	}()

	// The scheduler outlives the agent: a suspended carrier only runs again
	// once the agent has resumed it.
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	var runtime errgroup.Group
	runtime.Go(func() error { return fw.sched.Run(schedCtx) })
	runtime.Go(func() error {
		fw.gate.Records().RunCleanup(schedCtx, fw.config.Records.CleanupInterval.Duration)
		return nil
	})

	agentDone := make(chan error, 1)
	if fw.config.Agent.Enabled {
		go func() { agentDone <- fw.driver.Run(ctx) }()
	} else {
		close(agentDone)
	}

	fw.log.Info().Msg("fiberwatch is ready")

	select {
	case <-ctx.Done():
	case err := <-agentDone:
		if err != nil {
			fw.log.Error().Err(err).Msg("Agent driver failed")
		}
		stop()
	}
	fw.log.Info().Msg("! Shutdown initiated...")

	// --- Graceful shutdown sequence ---

	httpCtx, cancelhttp := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelhttp()

	if err := fw.httpServer.Shutdown(httpCtx); err != nil {
		fw.log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
	} else {
		fw.log.Debug().Msg("HTTP server shut down cleanly")
	}

	if err := <-agentDone; err != nil {
		fw.log.Error().Err(err).Msg("Agent driver stopped with error")
	}
	// Whatever the driver left behind is lifted before carriers are stopped.
	if err := fw.agent.ResumeAllVirtualThreads(nil); err != nil {
		fw.log.Error().Err(err).Msg("Error resuming fibers")
	}

	stopSched()
	if err := runtime.Wait(); err != nil {
		fw.log.Error().Err(err).Msg("Error stopping runtime")
	}

	st := fw.gate.Stats()
	fw.log.Info().
		Uint64("fast_starts", st.FastStarts).
		Uint64("slow_starts", st.SlowStarts).
		Uint64("stuck_waits", st.StuckWaits).
		Msg("fiberwatch stopped gracefully")
	return nil
}
