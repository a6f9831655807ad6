// Package metrics owns the Prometheus collectors used across the settlement
// components. A Registry is constructed explicitly and injected; every method
// is safe to call on a nil *Registry so components can run without metrics in
// tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	pipelineOutcomes *prometheus.CounterVec
	confirmAttempts  prometheus.Histogram
	rateDecisions    *prometheus.CounterVec
	liveSubscribers  prometheus.Gauge
	liveDropped      prometheus.Counter
	outboxDispatched *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		pipelineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "pipeline_outcomes_total",
			Help:      "Ledger pipeline invocations by action and terminal outcome.",
		}, []string{"action", "outcome"}),
		confirmAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "confirm_attempts",
			Help:      "Status polls needed before a submitted operation reached a terminal state.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 40, 60},
		}),
		rateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "ratelimit_decisions_total",
			Help:      "Guard decisions by action, decision and serving backend.",
		}, []string{"action", "decision", "backend"}),
		liveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "live_subscribers",
			Help:      "Connected live status subscribers on this instance.",
		}),
		liveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "live_dropped_total",
			Help:      "Subscribers dropped after a failed or stalled send.",
		}),
		outboxDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "outbox_dispatched_total",
			Help:      "Outbox notifications handed to the sink by result.",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.pipelineOutcomes,
		r.confirmAttempts,
		r.rateDecisions,
		r.liveSubscribers,
		r.liveDropped,
		r.outboxDispatched,
	)
	return r
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer is used by tests to inspect collected values.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) PipelineOutcome(action, outcome string) {
	if r == nil {
		return
	}
	r.pipelineOutcomes.WithLabelValues(action, outcome).Inc()
}

func (r *Registry) ConfirmAttempts(n int) {
	if r == nil {
		return
	}
	r.confirmAttempts.Observe(float64(n))
}

func (r *Registry) RateDecision(action string, allowed bool, backend string) {
	if r == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	r.rateDecisions.WithLabelValues(action, decision, backend).Inc()
}

func (r *Registry) LiveSubscribers(delta float64) {
	if r == nil {
		return
	}
	r.liveSubscribers.Add(delta)
}

func (r *Registry) LiveDropped() {
	if r == nil {
		return
	}
	r.liveDropped.Inc()
}

func (r *Registry) OutboxDispatched(result string) {
	if r == nil {
		return
	}
	r.outboxDispatched.WithLabelValues(result).Inc()
}
