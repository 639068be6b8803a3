package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiberwatch/internal/config"
	"fiberwatch/internal/debug"
	"fiberwatch/internal/events"
	"fiberwatch/internal/maps"
	"fiberwatch/internal/suspend"
	"fiberwatch/internal/transition"
	"fiberwatch/internal/vm"
)

func newGate(t *testing.T) (*transition.Gate, *events.Dispatcher) {
	t.Helper()
	check := &debug.Checker{Enabled: true}
	disp := events.NewDispatcher()
	g := transition.NewGate(transition.Config{
		WaitInterval: time.Millisecond,
		StuckPolicy:  config.StuckPolicyPanic,
	}, transition.Deps{
		Threads:  vm.NewThreads(maps.ImplXSync),
		Registry: suspend.NewRegistry(check),
		Binder:   vm.NewBinder(vm.NewRecordList(0, maps.ImplXSync), check),
		Exporter: disp,
		Filter:   disp,
		Check:    check,
	})
	return g, disp
}

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func value(mf *dto.MetricFamily, labels map[string]string) (float64, bool) {
next:
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if v, ok := labels[lp.GetName()]; ok && v != lp.GetValue() {
				continue next
			}
		}
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue(), true
		}
		return m.GetGauge().GetValue(), true
	}
	return 0, false
}

func TestCollectorReportsGateActivity(t *testing.T) {
	g, disp := newGate(t)
	c := g.Threads().NewCarrier("")
	f := g.Threads().NewFiber("")
	g.FiberStart(c, f)
	g.FiberEnd(c, f)

	col := NewVTMSCollector(g, disp, nil)
	mfs := gather(t, col)

	v, ok := value(mfs["fiberwatch_transition_starts_total"], map[string]string{"path": "fast"})
	require.True(t, ok)
	assert.Equal(t, float64(2), v)

	v, _ = value(mfs["fiberwatch_transition_finishes_total"], nil)
	assert.Equal(t, float64(2), v)

	v, _ = value(mfs["fiberwatch_suspend_mode"], map[string]string{"mode": "none"})
	assert.Equal(t, float64(1), v)

	v, _ = value(mfs["fiberwatch_records_retired"], nil)
	assert.Equal(t, float64(1), v, "the terminated fiber's record waits for cleanup")

	assert.Contains(t, mfs, "fiberwatch_dispatcher_events_total")
	assert.NotContains(t, mfs, "fiberwatch_scheduler_quanta_total")
}

func TestCollectorReflectsDisablers(t *testing.T) {
	g, _ := newGate(t)
	self := g.Threads().NewCarrier("agent")
	col := NewVTMSCollector(g, nil, nil)

	d := g.DisableForAll(self, true)
	mfs := gather(t, col)
	v, _ := value(mfs["fiberwatch_sr_mode"], nil)
	assert.Equal(t, float64(1), v)
	v, _ = value(mfs["fiberwatch_active_disablers"], map[string]string{"scope": "all"})
	assert.Equal(t, float64(1), v)
	v, _ = value(mfs["fiberwatch_sync_protocol_enabled"], nil)
	assert.Equal(t, float64(1), v)
	d.Release()

	mfs = gather(t, col)
	v, _ = value(mfs["fiberwatch_sr_mode"], nil)
	assert.Equal(t, float64(0), v)
	v, _ = value(mfs["fiberwatch_disablers_total"], map[string]string{"kind": "suspend_resume"})
	assert.Equal(t, float64(1), v)
}

func TestCollectorLints(t *testing.T) {
	g, disp := newGate(t)
	problems, err := testutil.CollectAndLint(NewVTMSCollector(g, disp, nil))
	require.NoError(t, err)
	assert.Empty(t, problems)
}
