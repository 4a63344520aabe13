package broker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet bundles the broker's Prometheus collectors. Registration is
// process-wide and lazy (the first getMetrics call wins); the broker never
// relies on metrics for correctness.
type metricsSet struct {
	queueLength    *prometheus.GaugeVec
	scheduledTotal *prometheus.CounterVec
	inflight       *prometheus.GaugeVec
	rateRemaining  *prometheus.GaugeVec
	rateLimitGauge *prometheus.GaugeVec
	sleepSeconds   *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	latency        *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *metricsSet
)

// getMetrics returns the process-wide metrics set, constructing and
// registering it against the default registry on first call.
func getMetrics() *metricsSet {
	metricsOnce.Do(func() {
		metrics = &metricsSet{
			queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gh_broker_queue_length",
				Help: "Current queue length per budget and priority",
			}, []string{"budget", "priority"}),
			scheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gh_broker_scheduled_total",
				Help: "Total number of scheduled requests per budget and priority",
			}, []string{"budget", "priority"}),
			inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gh_broker_inflight",
				Help: "Inflight requests per budget",
			}, []string{"budget"}),
			rateRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gh_broker_rate_remaining",
				Help: "Rate limit remaining per token and budget",
			}, []string{"token", "budget"}),
			rateLimitGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gh_broker_rate_limit",
				Help: "Rate limit per token and budget",
			}, []string{"token", "budget"}),
			sleepSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gh_broker_sleep_seconds_total",
				Help: "Total sleep seconds per budget and reason",
			}, []string{"budget", "reason"}),
			requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gh_broker_requests_total",
				Help: "Requests by budget, token, and status class",
			}, []string{"budget", "token", "status"}),
			retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gh_broker_retries_total",
				Help: "Retries by budget and reason",
			}, []string{"budget", "reason"}),
			cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gh_broker_cache_hits_total",
				Help: "Cache hits by budget",
			}, []string{"budget"}),
			cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gh_broker_cache_misses_total",
				Help: "Cache misses by budget",
			}, []string{"budget"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name: "gh_broker_latency_seconds",
				Help: "Request latency per budget",
			}, []string{"budget"}),
		}

		collectors := []prometheus.Collector{
			metrics.queueLength, metrics.scheduledTotal, metrics.inflight,
			metrics.rateRemaining, metrics.rateLimitGauge, metrics.sleepSeconds,
			metrics.requestsTotal, metrics.retriesTotal, metrics.cacheHits,
			metrics.cacheMisses, metrics.latency,
		}
		for _, c := range collectors {
			// AlreadyRegisteredError is expected when tests construct multiple
			// brokers against the default registry; every other error is a bug.
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
	return metrics
}
