// Package metrics holds the relay's Prometheus instruments. They live on a
// private registry so tests and multiple service instances never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send kinds and outcomes.
const (
	KindToken = "token"
	KindTopic = "topic"

	OutcomeDelivered = "delivered"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

type Recorder struct {
	registry      *prometheus.Registry
	sends         *prometheus.CounterVec
	requests      *prometheus.CounterVec
	tokensPruned  prometheus.Counter
	pruneFailures prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_relay_sends_total",
			Help: "Push transport calls by addressing kind and outcome.",
		}, []string{"kind", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_relay_requests_total",
			Help: "Handled trigger events by result.",
		}, []string{"result"}),
		tokensPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_relay_tokens_pruned_total",
			Help: "Device tokens removed from the registry after permanent failures.",
		}),
		pruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_relay_prune_failures_total",
			Help: "Registry cleanup batches that failed.",
		}),
	}
	r.registry.MustRegister(r.sends, r.requests, r.tokensPruned, r.pruneFailures)
	return r
}

// The methods below are nil-safe so components can run without metrics.

func (r *Recorder) Send(kind, outcome string) {
	if r == nil {
		return
	}
	r.sends.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) Request(result string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(result).Inc()
}

func (r *Recorder) Pruned(n int) {
	if r == nil {
		return
	}
	r.tokensPruned.Add(float64(n))
}

func (r *Recorder) PruneFailed() {
	if r == nil {
		return
	}
	r.pruneFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
