package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes a Recorder's Stats as Prometheus metrics. Values are
// read at scrape time, so the recorder stays the single source of truth.
type Collector struct {
	recorder *Recorder
	registry *prometheus.Registry

	requests  *prometheus.Desc
	responses *prometheus.Desc
	decisions *prometheus.Desc
	statuses  *prometheus.Desc
	sleeps    *prometheus.Desc
	sleepSecs *prometheus.Desc
	latency   *prometheus.Desc
}

// NewCollector registers a collector for rec on a private registry.
func NewCollector(namespace string, rec *Recorder) *Collector {
	c := &Collector{
		recorder: rec,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "requests_total"),
			"Attempts admitted by the rate limiter",
			nil, nil,
		),
		responses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "responses_total"),
			"Responses classified by the rate limiter",
			nil, nil,
		),
		decisions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "decisions_total"),
			"Rate limiter decisions by type",
			[]string{"decision"}, nil,
		),
		statuses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "upstream_status_total"),
			"Upstream responses by HTTP status code",
			[]string{"status"}, nil,
		),
		sleeps: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "sleeps_total"),
			"Waits imposed by the rate limiter",
			nil, nil,
		),
		sleepSecs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "sleep_seconds_total"),
			"Total seconds spent waiting in the rate limiter",
			nil, nil,
		),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "avg_latency_ms"),
			"Average upstream latency in milliseconds",
			nil, nil,
		),
	}
	c.registry.MustRegister(c)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.responses
	ch <- c.decisions
	ch <- c.statuses
	ch <- c.sleeps
	ch <- c.sleepSecs
	ch <- c.latency
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.recorder.Stats()

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.responses, prometheus.CounterValue, float64(s.TotalResponses))
	for decision, n := range s.Decisions {
		ch <- prometheus.MustNewConstMetric(c.decisions, prometheus.CounterValue, float64(n), string(decision))
	}
	for status, n := range s.StatusCodes {
		ch <- prometheus.MustNewConstMetric(c.statuses, prometheus.CounterValue, float64(n), strconv.Itoa(status))
	}
	ch <- prometheus.MustNewConstMetric(c.sleeps, prometheus.CounterValue, float64(s.TotalSleeps))
	ch <- prometheus.MustNewConstMetric(c.sleepSecs, prometheus.CounterValue, s.TotalSleepSeconds)
	ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.AvgLatencyMS)
}

// Registry returns the collector's private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
