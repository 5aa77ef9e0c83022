package observability

import (
	"alexrt/internal/kernel"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KernelGauges mirrors a kernel snapshot into Prometheus gauges.
type KernelGauges struct {
	queueDepth    *prometheus.GaugeVec
	tasksByState  *prometheus.GaugeVec
	openScopes    prometheus.Gauge
	limiterInUse  *prometheus.GaugeVec
	limiterQueued *prometheus.GaugeVec
	streamDropped *prometheus.GaugeVec
	pendingTimers prometheus.Gauge
}

// NewKernelGauges registers the gauges on reg. A nil reg uses the default
// registerer.
func NewKernelGauges(reg prometheus.Registerer) *KernelGauges {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &KernelGauges{
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alexrt",
			Subsystem: "kernel",
			Name:      "ready_queue_depth",
			Help:      "Runnables waiting in each priority queue",
		}, []string{"priority"}),
		tasksByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alexrt",
			Subsystem: "kernel",
			Name:      "tasks",
			Help:      "Live tasks by state",
		}, []string{"state"}),
		openScopes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "alexrt",
			Subsystem: "kernel",
			Name:      "open_scopes",
			Help:      "Scopes that have not closed",
		}),
		limiterInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alexrt",
			Subsystem: "kernel",
			Name:      "limiter_in_use",
			Help:      "Permits currently held per limiter",
		}, []string{"limiter"}),
		limiterQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alexrt",
			Subsystem: "kernel",
			Name:      "limiter_queued",
			Help:      "Acquisitions waiting per limiter",
		}, []string{"limiter"}),
		streamDropped: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alexrt",
			Subsystem: "kernel",
			Name:      "stream_dropped",
			Help:      "Events dropped by open streams, summed per kind",
		}, []string{"kind"}),
		pendingTimers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "alexrt",
			Subsystem: "kernel",
			Name:      "pending_timers",
			Help:      "Timers armed on the scheduler",
		}),
	}
}

// Observe replaces every gauge with the values in snap.
func (g *KernelGauges) Observe(snap kernel.Snapshot) {
	if g == nil {
		return
	}
	g.queueDepth.WithLabelValues(string(kernel.PriorityHigh)).Set(float64(snap.QueueDepths.High))
	g.queueDepth.WithLabelValues(string(kernel.PriorityNormal)).Set(float64(snap.QueueDepths.Normal))
	g.queueDepth.WithLabelValues(string(kernel.PriorityLow)).Set(float64(snap.QueueDepths.Low))

	g.tasksByState.Reset()
	for _, state := range []kernel.TaskState{kernel.StateQueued, kernel.StateRunning, kernel.StateWaiting} {
		g.tasksByState.WithLabelValues(string(state)).Set(0)
	}
	for _, task := range snap.Tasks {
		g.tasksByState.WithLabelValues(string(task.State)).Inc()
	}

	open := 0
	for _, scope := range snap.Scopes {
		if !scope.Closed {
			open++
		}
	}
	g.openScopes.Set(float64(open))

	for _, l := range snap.Limiters {
		g.limiterInUse.WithLabelValues(l.Name).Set(float64(l.Current))
		g.limiterQueued.WithLabelValues(l.Name).Set(float64(l.WaitQueueLength))
	}

	g.streamDropped.Reset()
	for _, s := range snap.Streams {
		g.streamDropped.WithLabelValues(string(s.Kind)).Add(float64(s.Dropped))
	}
	g.pendingTimers.Set(float64(len(snap.Timers)))
}
