package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity/keypool/internal/quota"
)

const namespace = "keypool"

const maxModelLabelLen = 64

// Recorder exports admission events as Prometheus counters on its own
// registry.
type Recorder struct {
	registry *prometheus.Registry

	grants      *prometheus.CounterVec
	exhausted   *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	invalidKeys prometheus.Counter
	reports     *prometheus.CounterVec
}

var _ quota.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder with Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Grants issued, by scope kind and model.",
		}, []string{"scope", "model"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exhausted_total",
			Help:      "Acquire calls that found no capacity, by scope kind and reason.",
		}, []string{"scope", "reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_conflicts_total",
			Help:      "Reservations refused after a positive availability check.",
		}, []string{"scope"}),
		invalidKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_keys_total",
			Help:      "Keys rejected from admission for an invalid scope configuration.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Call outcomes reported against grants.",
		}, []string{"model", "outcome"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.grants,
		r.exhausted,
		r.conflicts,
		r.invalidKeys,
		r.reports,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *Recorder) OnGrant(scope quota.Scope, model string) {
	r.grants.WithLabelValues(string(scope.Kind), modelLabel(model)).Inc()
}

func (r *Recorder) OnExhausted(scope quota.Scope, reason string) {
	r.exhausted.WithLabelValues(string(scope.Kind), reason).Inc()
}

func (r *Recorder) OnConflict(scope quota.Scope, _ string) {
	r.conflicts.WithLabelValues(string(scope.Kind)).Inc()
}

func (r *Recorder) OnInvalidKey(string) {
	r.invalidKeys.Inc()
}

func (r *Recorder) OnReport(model string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.reports.WithLabelValues(modelLabel(model), outcome).Inc()
}

// modelLabel bounds the model label, since model names come from
// request input.
func modelLabel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "any"
	}
	if len(model) > maxModelLabelLen {
		model = model[:maxModelLabelLen]
	}
	return model
}
