package metrics

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	namespace   = "appctl"
	pushTimeout = 15 * time.Second
)

// Metrics holds the collectors for a single workflow run. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	discovered     *prometheus.GaugeVec
	lifecycle      *prometheus.CounterVec
	invocations    *prometheus.CounterVec
	roleDuration   *prometheus.HistogramVec
	lastCompletion *prometheus.GaugeVec
}

// New registers the run collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		discovered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_discovered",
				Help:      "Instances matched by tag and state at the start of the run.",
			},
			[]string{"workflow"},
		),
		lifecycle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_requests_total",
				Help:      "Instance start/stop requests issued per role.",
			},
			[]string{"workflow", "role", "action", "result"},
		),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_invocations_total",
				Help:      "Per-instance remote command results by outcome.",
			},
			[]string{"workflow", "role", "outcome"},
		),
		roleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "role_duration_seconds",
				Help:      "Wall time spent processing one role group.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"workflow", "role"},
		),
		lastCompletion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_last_completion_timestamp_seconds",
				Help:      "Unix time the workflow last ran to completion.",
			},
			[]string{"workflow"},
		),
	}

	m.registry.MustRegister(m.discovered, m.lifecycle, m.invocations, m.roleDuration, m.lastCompletion)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDiscovered(workflow string, count int) {
	if m == nil {
		return
	}
	m.discovered.WithLabelValues(workflow).Set(float64(count))
}

// ObserveLifecycle counts one start or stop request; err decides the result label.
func (m *Metrics) ObserveLifecycle(workflow, role, action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.lifecycle.WithLabelValues(workflow, role, action, result).Inc()
}

func (m *Metrics) ObserveInvocation(workflow, role, outcome string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(workflow, role, outcome).Inc()
}

func (m *Metrics) ObserveRoleDuration(workflow, role string, d time.Duration) {
	if m == nil {
		return
	}
	m.roleDuration.WithLabelValues(workflow, role).Observe(d.Seconds())
}

func (m *Metrics) MarkCompleted(workflow string, at time.Time) {
	if m == nil {
		return
	}
	m.lastCompletion.WithLabelValues(workflow).Set(float64(at.Unix()))
}

// Push sends the registry to a Prometheus Pushgateway under job, replacing the
// group identified by grouping.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string, grouping map[string]string) error {
	if m == nil {
		return errors.New("nil metrics")
	}
	gatewayURL = strings.TrimSpace(gatewayURL)
	if gatewayURL == "" {
		return errors.New("pushgateway url is required")
	}
	if strings.TrimSpace(job) == "" {
		job = namespace
	}

	pusher := push.New(gatewayURL, job).
		Gatherer(m.registry).
		Client(&http.Client{Timeout: pushTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)})

	keys := make([]string, 0, len(grouping))
	for k := range grouping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pusher = pusher.Grouping(k, grouping[k])
	}

	return pusher.PushContext(ctx)
}
