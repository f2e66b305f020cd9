package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CopperlineOS/exec-rt/internal/sched"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// Metrics holds all Prometheus metrics. It satisfies the kernel's
// observer interface, so scheduler and task lifecycle events flow
// straight into counters.
type Metrics struct {
	// Scheduler metrics
	Dispatches          *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	Preemptions         prometheus.Counter
	DeadlineMisses      prometheus.Counter
	AdmissionRejections prometheus.Counter

	// Task metrics
	TasksLive  prometheus.Gauge
	TasksTotal prometheus.Counter
	Faults     prometheus.Counter

	// IPC metrics
	IPCSends prometheus.Counter
	IPCRecvs prometheus.Counter

	// Capability metrics
	Revocations *prometheus.CounterVec

	// Telemetry API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a metrics collector on reg. Tests pass a
// fresh registry so collectors never collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execrt_dispatches_total",
				Help: "Total thread dispatches by scheduling class",
			},
			[]string{"class"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execrt_dispatch_duration_seconds",
				Help:    "Dispatched step duration in seconds",
				Buckets: []float64{.00001, .0001, .001, .005, .01, .025, .05, .1, .25, 1},
			},
			[]string{"class"},
		),
		Preemptions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "execrt_preemptions_total",
				Help: "Total preemption requests delivered to running threads",
			},
		),
		DeadlineMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "execrt_deadline_misses_total",
				Help: "Total deadline-class budget overruns",
			},
		),
		AdmissionRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "execrt_admission_rejections_total",
				Help: "Total deadline-class admission rejections",
			},
		),

		TasksLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "execrt_tasks_live",
				Help: "Number of live tasks",
			},
		),
		TasksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "execrt_tasks_total",
				Help: "Total tasks created since boot",
			},
		),
		Faults: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "execrt_faults_total",
				Help: "Total thread faults reported",
			},
		),

		IPCSends: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "execrt_ipc_sends_total",
				Help: "Total messages accepted by port_send",
			},
		),
		IPCRecvs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "execrt_ipc_recvs_total",
				Help: "Total messages delivered by port_recv",
			},
		),

		Revocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execrt_revocations_total",
				Help: "Total capability revocations by object kind",
			},
			[]string{"kind"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "execrt_http_requests_total",
				Help: "Total telemetry API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execrt_http_request_duration_seconds",
				Help:    "Telemetry API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "execrt_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	go m.updateUptime()
	return m
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// DispatchRecorded records one completed dispatch quantum.
func (m *Metrics) DispatchRecorded(ev sched.Event) {
	class := ev.Class.String()
	m.Dispatches.WithLabelValues(class).Inc()
	m.DispatchDuration.WithLabelValues(class).Observe(ev.End.Sub(ev.Start).Seconds())
}

// PreemptionRequested records a preemption signal to core.
func (m *Metrics) PreemptionRequested(core types.CoreID) {
	m.Preemptions.Inc()
}

// DeadlineMissed records a budget overrun by thread.
func (m *Metrics) DeadlineMissed(thread types.ThreadID) {
	m.DeadlineMisses.Inc()
}

// AdmissionRejected records a refused deadline reservation.
func (m *Metrics) AdmissionRejected() {
	m.AdmissionRejections.Inc()
}

// TaskCreated records a new live task.
func (m *Metrics) TaskCreated() {
	m.TasksLive.Inc()
	m.TasksTotal.Inc()
}

// TaskDestroyed records a task teardown.
func (m *Metrics) TaskDestroyed() {
	m.TasksLive.Dec()
}

// FaultReported records a thread fault.
func (m *Metrics) FaultReported() {
	m.Faults.Inc()
}

// IPCSent records an accepted message.
func (m *Metrics) IPCSent() {
	m.IPCSends.Inc()
}

// IPCReceived records a delivered message.
func (m *Metrics) IPCReceived() {
	m.IPCRecvs.Inc()
}

// Revoked records a capability revocation.
func (m *Metrics) Revoked(kind types.Kind) {
	m.Revocations.WithLabelValues(kind.String()).Inc()
}

// RecordHTTPRequest records a telemetry API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
