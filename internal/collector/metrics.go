package collector

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// collectorMetrics bundles the scheduler's Prometheus collectors,
// registered process-wide and lazily — same one-registry-wins shape as
// internal/broker/metrics.go's getMetrics.
type collectorMetrics struct {
	jobsPulled    prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	issuesSeen    prometheus.Counter
	commentsSeen  prometheus.Counter
	spamFlags     prometheus.Counter
	jobDuration   prometheus.Histogram
}

var (
	collectorMetricsOnce sync.Once
	collectorMetricsSet  *collectorMetrics
)

func getMetrics() *collectorMetrics {
	collectorMetricsOnce.Do(func() {
		collectorMetricsSet = &collectorMetrics{
			jobsPulled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "forge_collector_jobs_pulled_total",
				Help: "Total collection jobs pulled from the store",
			}),
			jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "forge_collector_jobs_completed_total",
				Help: "Total collection jobs that finished successfully",
			}),
			jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "forge_collector_jobs_failed_total",
				Help: "Total collection jobs that failed, by classification",
			}, []string{"classification"}),
			issuesSeen: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "forge_collector_issues_seen_total",
				Help: "Total issues upserted across all jobs",
			}),
			commentsSeen: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "forge_collector_comments_seen_total",
				Help: "Total comments upserted across all jobs",
			}),
			spamFlags: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "forge_collector_spam_flags_total",
				Help: "Total spam_flag rows written",
			}),
			jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name: "forge_collector_job_duration_seconds",
				Help: "Wall-clock duration of a single collection job run",
			}),
		}

		collectors := []prometheus.Collector{
			collectorMetricsSet.jobsPulled, collectorMetricsSet.jobsCompleted,
			collectorMetricsSet.jobsFailed, collectorMetricsSet.issuesSeen,
			collectorMetricsSet.commentsSeen, collectorMetricsSet.spamFlags,
			collectorMetricsSet.jobDuration,
		}
		for _, c := range collectors {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
	return collectorMetricsSet
}
