package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives the measurements emitted by the control plane.
type Recorder interface {
	CommandDispatched(commandType, status string, duration time.Duration)
	ActivityAttempt(activity, outcome string)
	ActivityCompleted(activity, outcome string, duration time.Duration)
	OrchestrationStatus(workflow, status string)
	LockWait(keyType string, duration time.Duration)
	QueueDelivery(outcome string)
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) CommandDispatched(string, string, time.Duration) {}
func (Nop) ActivityAttempt(string, string)                  {}
func (Nop) ActivityCompleted(string, string, time.Duration) {}
func (Nop) OrchestrationStatus(string, string)              {}
func (Nop) LockWait(string, time.Duration)                  {}
func (Nop) QueueDelivery(string)                            {}

// OrNop returns r or a Nop recorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Collector is the Prometheus backed Recorder. It owns its registry so
// several collectors can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	CommandsTotal        *prometheus.CounterVec
	CommandDuration      *prometheus.HistogramVec
	ActivityAttempts     *prometheus.CounterVec
	ActivityDuration     *prometheus.HistogramVec
	OrchestrationsTotal  *prometheus.CounterVec
	LockWaitDuration     *prometheus.HistogramVec
	QueueDeliveriesTotal *prometheus.CounterVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "controlplane"
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched by type and runtime status",
		}, []string{"command_type", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to the recorded status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command_type"}),
		ActivityAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_attempts_total",
			Help:      "Activity attempts by outcome",
		}, []string{"activity", "outcome"}),
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Activity duration including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"activity", "outcome"}),
		OrchestrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestration_status_total",
			Help:      "Orchestration status transitions",
		}, []string{"workflow", "status"}),
		LockWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for entity locks",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"key_type"}),
		QueueDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "Command queue deliveries by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.CommandsTotal,
		c.CommandDuration,
		c.ActivityAttempts,
		c.ActivityDuration,
		c.OrchestrationsTotal,
		c.LockWaitDuration,
		c.QueueDeliveriesTotal,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) CommandDispatched(commandType, status string, duration time.Duration) {
	c.CommandsTotal.WithLabelValues(commandType, status).Inc()
	c.CommandDuration.WithLabelValues(commandType).Observe(duration.Seconds())
}

func (c *Collector) ActivityAttempt(activity, outcome string) {
	c.ActivityAttempts.WithLabelValues(activity, outcome).Inc()
}

func (c *Collector) ActivityCompleted(activity, outcome string, duration time.Duration) {
	c.ActivityDuration.WithLabelValues(activity, outcome).Observe(duration.Seconds())
}

func (c *Collector) OrchestrationStatus(workflow, status string) {
	c.OrchestrationsTotal.WithLabelValues(workflow, status).Inc()
}

func (c *Collector) LockWait(keyType string, duration time.Duration) {
	c.LockWaitDuration.WithLabelValues(keyType).Observe(duration.Seconds())
}

func (c *Collector) QueueDelivery(outcome string) {
	c.QueueDeliveriesTotal.WithLabelValues(outcome).Inc()
}
