package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lifecycle_engine"

// Collector manages Prometheus metrics for the lifecycle engine. All methods
// are safe to call on a nil *Collector.
type Collector struct {
	gatherer prometheus.Gatherer

	transitionsTotal    *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	anomaliesTotal      *prometheus.CounterVec
	anomaliesSuppressed *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
	workflowActions     *prometheus.CounterVec
	eventsPublished     *prometheus.CounterVec
	slaCompliance       prometheus.Gauge
	overdueDemandes     prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers every metric on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewCollector(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		gatherer: gatherer,

		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Total number of applied lifecycle stage transitions",
			},
			[]string{"from_stage", "to_stage", "validation_required"},
		),
		transitionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_rejected_total",
				Help:      "Total number of rejected lifecycle stage transitions",
			},
			[]string{"reason"},
		),
		anomaliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_total",
				Help:      "Total number of lifecycle anomaly alerts emitted",
			},
			[]string{"type", "severity"},
		),
		anomaliesSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_suppressed_total",
				Help:      "Total number of anomaly alerts suppressed by the cooldown window",
			},
			[]string{"type"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "anomaly_sweep_duration_seconds",
				Help:      "Duration of anomaly detection sweeps",
				Buckets:   prometheus.DefBuckets,
			},
		),
		workflowActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_actions_total",
				Help:      "Total number of workflow actions processed",
			},
			[]string{"entity", "action", "outcome"},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of domain events published",
			},
			[]string{"type", "outcome"},
		),
		slaCompliance: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "demande_sla_compliance_ratio",
				Help:      "Share of requests meeting their SLA at the last stats computation",
			},
		),
		overdueDemandes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "demandes_overdue",
				Help:      "Open requests past their due date at the last stats computation",
			},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// TransitionApplied counts a successful stage change.
func (c *Collector) TransitionApplied(from, to string, validationRequired bool) {
	if c == nil {
		return
	}
	c.transitionsTotal.WithLabelValues(from, to, strconv.FormatBool(validationRequired)).Inc()
}

// TransitionRejected counts a refused stage change.
func (c *Collector) TransitionRejected(reason string) {
	if c == nil {
		return
	}
	c.transitionsRejected.WithLabelValues(reason).Inc()
}

// AnomalyEmitted counts a persisted anomaly alert.
func (c *Collector) AnomalyEmitted(typ, severity string) {
	if c == nil {
		return
	}
	c.anomaliesTotal.WithLabelValues(typ, severity).Inc()
}

// AnomalySuppressed counts an alert skipped by the cooldown window.
func (c *Collector) AnomalySuppressed(typ string) {
	if c == nil {
		return
	}
	c.anomaliesSuppressed.WithLabelValues(typ).Inc()
}

// ObserveSweep records the duration of one anomaly sweep.
func (c *Collector) ObserveSweep(d time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(d.Seconds())
}

// WorkflowAction counts a processed workflow action.
func (c *Collector) WorkflowAction(entity, action string, err error) {
	if c == nil {
		return
	}
	c.workflowActions.WithLabelValues(entity, action, outcome(err)).Inc()
}

// EventPublished counts a published domain event.
func (c *Collector) EventPublished(typ string, err error) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(typ, outcome(err)).Inc()
}

// SetDemandeKPIs exports the request KPIs of the last stats computation.
func (c *Collector) SetDemandeKPIs(complianceRatio float64, overdue int) {
	if c == nil {
		return
	}
	c.slaCompliance.Set(complianceRatio)
	c.overdueDemandes.Set(float64(overdue))
}

// GinMiddleware records request counts and latency per route template.
func (c *Collector) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c == nil {
			ctx.Next()
			return
		}
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.httpRequestsTotal.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpRequestDuration.WithLabelValues(ctx.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registered metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
