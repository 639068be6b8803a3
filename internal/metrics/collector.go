package metrics

import (
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"fiberwatch/internal/events"
	"fiberwatch/internal/logger"
	"fiberwatch/internal/scheduler"
	"fiberwatch/internal/suspend"
	"fiberwatch/internal/transition"
)

// VTMSCollector implements prometheus.Collector for the transition gate and
// the bookkeeping around it. Everything is read from snapshots on scrape.
type VTMSCollector struct {
	gate       *transition.Gate
	dispatcher *events.Dispatcher
	sched      *scheduler.Scheduler
	log        log.Logger

	startsDesc        *prometheus.Desc
	finishesDesc      *prometheus.Desc
	notifiesDesc      *prometheus.Desc
	disablersDesc     *prometheus.Desc
	noopGuardsDesc    *prometheus.Desc
	stuckWaitsDesc    *prometheus.Desc
	bindFailuresDesc  *prometheus.Desc
	gateEventsDesc    *prometheus.Desc
	disableCountDesc  *prometheus.Desc
	srModeDesc        *prometheus.Desc
	syncProtocolDesc  *prometheus.Desc
	notifyEventsDesc  *prometheus.Desc
	suspendModeDesc   *prometheus.Desc
	suspendListedDesc *prometheus.Desc

	recordsLiveDesc      *prometheus.Desc
	recordsRetiredDesc   *prometheus.Desc
	recordsReclaimedDesc *prometheus.Desc
	recordsDeferredDesc  *prometheus.Desc

	dispatcherEventsDesc *prometheus.Desc

	quantaDesc   *prometheus.Desc
	fibersDesc   *prometheus.Desc
	runnableDesc *prometheus.Desc
}

// NewVTMSCollector creates a collector. dispatcher and sched may be nil.
func NewVTMSCollector(gate *transition.Gate, dispatcher *events.Dispatcher, sched *scheduler.Scheduler) *VTMSCollector {
	return &VTMSCollector{
		gate:       gate,
		dispatcher: dispatcher,
		sched:      sched,
		log:        logger.NewLoggerWithContext("vtms_collector"),

		startsDesc: prometheus.NewDesc(
			"fiberwatch_transition_starts_total",
			"Total number of transition starts, by the path that admitted them.",
			[]string{"path"}, nil,
		),
		finishesDesc: prometheus.NewDesc(
			"fiberwatch_transition_finishes_total",
			"Total number of completed transitions.",
			nil, nil,
		),
		notifiesDesc: prometheus.NewDesc(
			"fiberwatch_gate_notifies_total",
			"Total number of broadcasts on the gate monitor.",
			nil, nil,
		),
		disablersDesc: prometheus.NewDesc(
			"fiberwatch_disablers_total",
			"Total number of transition disablers acquired, by kind.",
			[]string{"kind"}, nil,
		),
		noopGuardsDesc: prometheus.NewDesc(
			"fiberwatch_disablers_noop_total",
			"Total number of disablers that were nested or had nothing to do.",
			nil, nil,
		),
		stuckWaitsDesc: prometheus.NewDesc(
			"fiberwatch_gate_stuck_waits_total",
			"Total number of waits that exceeded the attempt limit.",
			nil, nil,
		),
		bindFailuresDesc: prometheus.NewDesc(
			"fiberwatch_record_bind_failures_total",
			"Total number of mounts that could not obtain a thread record.",
			nil, nil,
		),
		gateEventsDesc: prometheus.NewDesc(
			"fiberwatch_gate_events_total",
			"Total number of lifecycle events handed to the exporter, by outcome.",
			[]string{"outcome"}, nil,
		),
		disableCountDesc: prometheus.NewDesc(
			"fiberwatch_active_disablers",
			"Current number of active disablers, by scope.",
			[]string{"scope"}, nil,
		),
		srModeDesc: prometheus.NewDesc(
			"fiberwatch_sr_mode",
			"1 while a suspend/resume disabler holds exclusive access.",
			nil, nil,
		),
		syncProtocolDesc: prometheus.NewDesc(
			"fiberwatch_sync_protocol_enabled",
			"1 when transition starts validate against disablers.",
			nil, nil,
		),
		notifyEventsDesc: prometheus.NewDesc(
			"fiberwatch_notify_events_enabled",
			"1 when lifecycle events are posted.",
			nil, nil,
		),
		suspendModeDesc: prometheus.NewDesc(
			"fiberwatch_suspend_mode",
			"Current suspend registry mode; the active mode has value 1.",
			[]string{"mode"}, nil,
		),
		suspendListedDesc: prometheus.NewDesc(
			"fiberwatch_suspend_listed_fibers",
			"Number of fibers in the suspend registry lists.",
			[]string{"list"}, nil,
		),

		recordsLiveDesc: prometheus.NewDesc(
			"fiberwatch_records_live",
			"Current number of linked thread records.",
			nil, nil,
		),
		recordsRetiredDesc: prometheus.NewDesc(
			"fiberwatch_records_retired",
			"Current number of retired records waiting to be reclaimed.",
			nil, nil,
		),
		recordsReclaimedDesc: prometheus.NewDesc(
			"fiberwatch_records_reclaimed_total",
			"Total number of records reclaimed.",
			nil, nil,
		),
		recordsDeferredDesc: prometheus.NewDesc(
			"fiberwatch_records_deferred_passes_total",
			"Total number of cleanup passes skipped because an iteration was in progress.",
			nil, nil,
		),

		dispatcherEventsDesc: prometheus.NewDesc(
			"fiberwatch_dispatcher_events_total",
			"Total number of lifecycle events seen by the dispatcher, by kind and outcome.",
			[]string{"kind", "outcome"}, nil,
		),

		quantaDesc: prometheus.NewDesc(
			"fiberwatch_scheduler_quanta_total",
			"Total number of quanta run by carriers.",
			nil, nil,
		),
		fibersDesc: prometheus.NewDesc(
			"fiberwatch_scheduler_fibers_total",
			"Total number of fibers, by lifecycle stage.",
			[]string{"stage"}, nil,
		),
		runnableDesc: prometheus.NewDesc(
			"fiberwatch_scheduler_runnable_fibers",
			"Current number of fibers waiting in the run queue.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *VTMSCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.startsDesc
	ch <- c.finishesDesc
	ch <- c.notifiesDesc
	ch <- c.disablersDesc
	ch <- c.noopGuardsDesc
	ch <- c.stuckWaitsDesc
	ch <- c.bindFailuresDesc
	ch <- c.gateEventsDesc
	ch <- c.disableCountDesc
	ch <- c.srModeDesc
	ch <- c.syncProtocolDesc
	ch <- c.notifyEventsDesc
	ch <- c.suspendModeDesc
	ch <- c.suspendListedDesc
	ch <- c.recordsLiveDesc
	ch <- c.recordsRetiredDesc
	ch <- c.recordsReclaimedDesc
	ch <- c.recordsDeferredDesc
	ch <- c.dispatcherEventsDesc
	ch <- c.quantaDesc
	ch <- c.fibersDesc
	ch <- c.runnableDesc
}

// Collect implements prometheus.Collector.
func (c *VTMSCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectGateStats(ch)
	c.collectRegistry(ch)
	c.collectRecords(ch)
	if c.dispatcher != nil {
		c.collectDispatcher(ch)
	}
	if c.sched != nil {
		c.collectScheduler(ch)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *VTMSCollector) collectGateStats(ch chan<- prometheus.Metric) {
	st := c.gate.Stats()

	ch <- prometheus.MustNewConstMetric(c.startsDesc, prometheus.CounterValue, float64(st.FastStarts), "fast")
	ch <- prometheus.MustNewConstMetric(c.startsDesc, prometheus.CounterValue, float64(st.SlowStarts), "slow")
	ch <- prometheus.MustNewConstMetric(c.finishesDesc, prometheus.CounterValue, float64(st.Finishes))
	ch <- prometheus.MustNewConstMetric(c.notifiesDesc, prometheus.CounterValue, float64(st.Notifies))

	ch <- prometheus.MustNewConstMetric(c.disablersDesc, prometheus.CounterValue, float64(st.DisablersAll), "all")
	ch <- prometheus.MustNewConstMetric(c.disablersDesc, prometheus.CounterValue, float64(st.DisablersOne), "target")
	ch <- prometheus.MustNewConstMetric(c.disablersDesc, prometheus.CounterValue, float64(st.DisablersSR), "suspend_resume")
	ch <- prometheus.MustNewConstMetric(c.noopGuardsDesc, prometheus.CounterValue, float64(st.NoopGuards))
	ch <- prometheus.MustNewConstMetric(c.stuckWaitsDesc, prometheus.CounterValue, float64(st.StuckWaits))
	ch <- prometheus.MustNewConstMetric(c.bindFailuresDesc, prometheus.CounterValue, float64(st.BindFailures))

	ch <- prometheus.MustNewConstMetric(c.gateEventsDesc, prometheus.CounterValue, float64(st.EventsPosted), "posted")
	ch <- prometheus.MustNewConstMetric(c.gateEventsDesc, prometheus.CounterValue, float64(st.EventsQueued), "queued")

	ch <- prometheus.MustNewConstMetric(c.disableCountDesc, prometheus.GaugeValue, float64(st.DisableForAll), "all")
	ch <- prometheus.MustNewConstMetric(c.disableCountDesc, prometheus.GaugeValue, float64(st.DisableForOne), "target")
	ch <- prometheus.MustNewConstMetric(c.srModeDesc, prometheus.GaugeValue, boolValue(st.SRMode))
	ch <- prometheus.MustNewConstMetric(c.syncProtocolDesc, prometheus.GaugeValue, boolValue(st.SyncProtocolEnabled))
	ch <- prometheus.MustNewConstMetric(c.notifyEventsDesc, prometheus.GaugeValue, boolValue(st.NotifyEvents))
}

func (c *VTMSCollector) collectRegistry(ch chan<- prometheus.Metric) {
	snap := c.gate.Registry().Snapshot()
	for _, m := range []suspend.Mode{suspend.ModeNone, suspend.ModeIndividual, suspend.ModeAll} {
		ch <- prometheus.MustNewConstMetric(c.suspendModeDesc, prometheus.GaugeValue, boolValue(snap.Mode == m), m.String())
	}
	ch <- prometheus.MustNewConstMetric(c.suspendListedDesc, prometheus.GaugeValue, float64(snap.Suspended), "suspended")
	ch <- prometheus.MustNewConstMetric(c.suspendListedDesc, prometheus.GaugeValue, float64(snap.NotSuspended), "not_suspended")
}

func (c *VTMSCollector) collectRecords(ch chan<- prometheus.Metric) {
	rs := c.gate.Records().Stats()
	ch <- prometheus.MustNewConstMetric(c.recordsLiveDesc, prometheus.GaugeValue, float64(rs.Live))
	ch <- prometheus.MustNewConstMetric(c.recordsRetiredDesc, prometheus.GaugeValue, float64(rs.Retired))
	ch <- prometheus.MustNewConstMetric(c.recordsReclaimedDesc, prometheus.CounterValue, float64(rs.Reclaimed))
	ch <- prometheus.MustNewConstMetric(c.recordsDeferredDesc, prometheus.CounterValue, float64(rs.DeferredPasses))
}

func (c *VTMSCollector) collectDispatcher(ch chan<- prometheus.Metric) {
	for i, ks := range c.dispatcher.Stats() {
		kind := events.Kind(i).String()
		ch <- prometheus.MustNewConstMetric(c.dispatcherEventsDesc, prometheus.CounterValue, float64(ks.Posted), kind, "posted")
		ch <- prometheus.MustNewConstMetric(c.dispatcherEventsDesc, prometheus.CounterValue, float64(ks.Filtered), kind, "filtered")
		ch <- prometheus.MustNewConstMetric(c.dispatcherEventsDesc, prometheus.CounterValue, float64(ks.Delivered), kind, "delivered")
	}
}

func (c *VTMSCollector) collectScheduler(ch chan<- prometheus.Metric) {
	st := c.sched.Stats()
	ch <- prometheus.MustNewConstMetric(c.quantaDesc, prometheus.CounterValue, float64(st.Quanta))
	ch <- prometheus.MustNewConstMetric(c.fibersDesc, prometheus.CounterValue, float64(st.Spawned), "spawned")
	ch <- prometheus.MustNewConstMetric(c.fibersDesc, prometheus.CounterValue, float64(st.Completed), "completed")
	ch <- prometheus.MustNewConstMetric(c.runnableDesc, prometheus.GaugeValue, float64(st.Runnable))
}
