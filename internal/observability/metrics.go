package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters. A nil *Metrics is a no-op.
type Metrics struct {
	nodes           *prometheus.CounterVec
	fixes           *prometheus.CounterVec
	runs            *prometheus.CounterVec
	faults          *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	nodes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_node_executions_total",
		Help: "Pipeline node executions by node and resulting status.",
	}, []string{"node", "status"})
	fixes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_fix_attempts_total",
		Help: "Fix attempts by repair track.",
	}, []string{"track"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_runs_total",
		Help: "Finished runs by final status.",
	}, []string{"status"})
	faults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rivet_faults_total",
		Help: "Classified faults by category.",
	}, []string{"category"})
	sandbox := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rivet_sandbox_duration_seconds",
		Help:    "Sandbox test run duration.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"result"})

	return &Metrics{
		nodes:           registerCollector(registerer, nodes),
		fixes:           registerCollector(registerer, fixes),
		runs:            registerCollector(registerer, runs),
		faults:          registerCollector(registerer, faults),
		sandboxDuration: registerCollector(registerer, sandbox),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncNode(node, status string) {
	if m == nil || m.nodes == nil {
		return
	}
	m.nodes.WithLabelValues(node, status).Inc()
}

func (m *Metrics) IncFix(track string) {
	if m == nil || m.fixes == nil {
		return
	}
	m.fixes.WithLabelValues(track).Inc()
}

func (m *Metrics) IncRun(status string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) IncFault(category string) {
	if m == nil || m.faults == nil {
		return
	}
	m.faults.WithLabelValues(category).Inc()
}

func (m *Metrics) ObserveSandbox(elapsed time.Duration, passed bool) {
	if m == nil || m.sandboxDuration == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.sandboxDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
