// Package metrics registers the gateway's prometheus collectors on a
// private registry. The admin listener serves the scrape endpoint; nothing
// is registered globally, so tests and embedded uses never collide.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// dispatchBuckets extend the default request buckets: generative and
// agentic executions routinely run tens of seconds.
var dispatchBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Collector owns the gateway's metric families.
type Collector struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestSecs     *prometheus.HistogramVec
	dispatchSecs    *prometheus.HistogramVec
	rateLimit       *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
}

// NewCollector builds the registry with the standard process and Go
// runtime collectors plus the gateway families.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by route, method, and status.",
		}, []string{"route", "method", "status"}),
		requestSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		dispatchSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_dispatch_duration_seconds",
			Help:    "Function dispatch duration in seconds, by tier.",
			Buckets: dispatchBuckets,
		}, []string{"tier"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Rate limit decisions, by subject kind and outcome.",
		}, []string{"subject", "outcome"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_task_transitions_total",
			Help: "Human task state transitions, by resulting status.",
		}, []string{"status"}),
	}

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.requestSecs,
		c.dispatchSecs,
		c.rateLimit,
		c.taskTransitions,
	)
	return c
}

// Handler returns the scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requests.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestSecs.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordDispatch records one function execution.
func (c *Collector) RecordDispatch(tier string, duration time.Duration) {
	c.dispatchSecs.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordRateLimit records a limiter decision. Subject is the key kind
// ("ip" or "fn").
func (c *Collector) RecordRateLimit(subject string, allowed bool) {
	outcome := "allow"
	if !allowed {
		outcome = "deny"
	}
	c.rateLimit.WithLabelValues(subject, outcome).Inc()
}

// RecordTaskTransition records a task reaching a new status.
func (c *Collector) RecordTaskTransition(status string) {
	c.taskTransitions.WithLabelValues(status).Inc()
}

// WebhookReaders supply scrape-time values from the webhook deliverer's own
// counters, which are monotonic.
type WebhookReaders struct {
	Enqueued  func() float64
	Delivered func() float64
	Retried   func() float64
	Dropped   func() float64
	Failed    func() float64
}

// ObserveWebhook registers the deliverer counters as counter funcs read at
// scrape time. Nil readers are skipped.
func (c *Collector) ObserveWebhook(r WebhookReaders) {
	c.counterFunc("gateway_webhook_deliveries_total", "Webhook delivery outcomes.", "outcome", map[string]func() float64{
		"enqueued":  r.Enqueued,
		"delivered": r.Delivered,
		"retried":   r.Retried,
		"dropped":   r.Dropped,
		"failed":    r.Failed,
	})
}

// ClassifierReaders supply scrape-time values from the classifier cache.
type ClassifierReaders struct {
	Hits   func() float64
	Misses func() float64
}

// ObserveClassifier registers the classifier cache counters.
func (c *Collector) ObserveClassifier(r ClassifierReaders) {
	c.counterFunc("gateway_classifier_cache_total", "Classifier cache lookups.", "result", map[string]func() float64{
		"hit":  r.Hits,
		"miss": r.Misses,
	})
}

func (c *Collector) counterFunc(name, help, label string, reads map[string]func() float64) {
	for value, read := range reads {
		if read == nil {
			continue
		}
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{label: value},
		}, read))
	}
}
