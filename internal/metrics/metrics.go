// Package metrics records counters, gauges and histograms at task
// transitions and tool calls. The dispatcher and task manager call the
// Recorder unconditionally; the no-op implementation makes disabled metrics
// free.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the instrumentation surface of the execution core.
type Recorder interface {
	// TaskCreated counts task terminal outcomes plus admissions, by status.
	TaskCreated(status string)
	// RPCRequest counts one transport request and its duration.
	RPCRequest(method, code string, dur time.Duration)
	// Error counts a failed request by method and error code.
	Error(method, code string)
	// TokensConsumed accumulates LLM tokens by type ("input"/"output").
	TokensConsumed(typ string, n int)
	// Cost accumulates monetary spend by currency.
	Cost(currency string, amount float64)
	// SandboxCreated counts sandbox allocations by backend type.
	SandboxCreated(typ string)

	SetActiveTasks(n int)
	AddActiveStreams(method string, delta int)
	SetUtilization(ratio float64)

	TaskDuration(seconds float64)
	QueueWait(seconds float64)
	TaskSteps(n int)
	TaskLatency(seconds float64)
}

// Noop is the disabled recorder.
type Noop struct{}

func (Noop) TaskCreated(string)                       {}
func (Noop) RPCRequest(string, string, time.Duration) {}
func (Noop) Error(string, string)                     {}
func (Noop) TokensConsumed(string, int)               {}
func (Noop) Cost(string, float64)                     {}
func (Noop) SandboxCreated(string)                    {}
func (Noop) SetActiveTasks(int)                       {}
func (Noop) AddActiveStreams(string, int)             {}
func (Noop) SetUtilization(float64)                   {}
func (Noop) TaskDuration(float64)                     {}
func (Noop) QueueWait(float64)                        {}
func (Noop) TaskSteps(int)                            {}
func (Noop) TaskLatency(float64)                      {}

// Prometheus implements Recorder over a prometheus registry.
type Prometheus struct {
	created       *prometheus.CounterVec
	rpcRequests   *prometheus.CounterVec
	errors        *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	cost          *prometheus.CounterVec
	sandboxes     *prometheus.CounterVec
	activeTasks   prometheus.Gauge
	activeStreams *prometheus.GaugeVec
	utilization   prometheus.Gauge
	uptime        prometheus.GaugeFunc
	taskDuration  prometheus.Histogram
	queueWait     prometheus.Histogram
	rpcDuration   *prometheus.HistogramVec
	taskSteps     prometheus.Histogram
	taskLatency   prometheus.Histogram
}

// NewPrometheus registers the full metric set on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	start := time.Now()
	p := &Prometheus{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_created_total",
			Help: "Tasks by admission or terminal status.",
		}, []string{"status"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_grpc_requests_total",
			Help: "Transport requests by method.",
		}, []string{"method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_errors_total",
			Help: "Request errors by method and code.",
		}, []string{"method", "code"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tokens_consumed_total",
			Help: "LLM tokens consumed by type.",
		}, []string{"type"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_cost_total",
			Help: "Monetary spend by currency.",
		}, []string{"currency"}),
		sandboxes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_sandboxes_created_total",
			Help: "Sandboxes created by backend type.",
		}, []string{"type"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_tasks",
			Help: "Tasks admitted and not yet terminal.",
		}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_active_streams",
			Help: "Open event streams by method.",
		}, []string{"method"}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_utilization",
			Help: "Active tasks over max concurrent.",
		}),
		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agent_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 { return time.Since(start).Seconds() }),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_task_execution_duration_seconds",
			Help:    "Wall time from task start to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_task_queue_wait_duration_seconds",
			Help:    "Wall time from admission to dispatcher start.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_grpc_request_duration_seconds",
			Help:    "Request duration by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		taskSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_task_steps",
			Help:    "Actions executed per task.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_task_latency_seconds",
			Help:    "Per-step latency.",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(p.created, p.rpcRequests, p.errors, p.tokens, p.cost,
		p.sandboxes, p.activeTasks, p.activeStreams, p.utilization, p.uptime,
		p.taskDuration, p.queueWait, p.rpcDuration, p.taskSteps, p.taskLatency)
	return p
}

func (p *Prometheus) TaskCreated(status string) {
	p.created.WithLabelValues(status).Inc()
}

func (p *Prometheus) RPCRequest(method, code string, dur time.Duration) {
	p.rpcRequests.WithLabelValues(method).Inc()
	p.rpcDuration.WithLabelValues(method).Observe(dur.Seconds())
	if code != "" && code != "OK" {
		p.errors.WithLabelValues(method, code).Inc()
	}
}

func (p *Prometheus) Error(method, code string) {
	p.errors.WithLabelValues(method, code).Inc()
}

func (p *Prometheus) TokensConsumed(typ string, n int) {
	if n > 0 {
		p.tokens.WithLabelValues(typ).Add(float64(n))
	}
}

func (p *Prometheus) Cost(currency string, amount float64) {
	if amount > 0 {
		p.cost.WithLabelValues(currency).Add(amount)
	}
}

func (p *Prometheus) SandboxCreated(typ string) {
	p.sandboxes.WithLabelValues(typ).Inc()
}

func (p *Prometheus) SetActiveTasks(n int) {
	p.activeTasks.Set(float64(n))
}

func (p *Prometheus) AddActiveStreams(method string, delta int) {
	p.activeStreams.WithLabelValues(method).Add(float64(delta))
}

func (p *Prometheus) SetUtilization(ratio float64) {
	p.utilization.Set(ratio)
}

func (p *Prometheus) TaskDuration(seconds float64) {
	p.taskDuration.Observe(seconds)
}

func (p *Prometheus) QueueWait(seconds float64) {
	p.queueWait.Observe(seconds)
}

func (p *Prometheus) TaskSteps(n int) {
	p.taskSteps.Observe(float64(n))
}

func (p *Prometheus) TaskLatency(seconds float64) {
	p.taskLatency.Observe(seconds)
}
