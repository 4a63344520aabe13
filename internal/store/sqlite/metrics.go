package sqlite

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// dbMetrics bundles the connection-pool gauges published for both the
// writer and reader *sql.DB, registered process-wide and lazily — same
// one-registry-wins shape as internal/broker/metrics.go's getMetrics.
type dbMetrics struct {
	openConns *prometheus.GaugeVec
	inUse     *prometheus.GaugeVec
	idle      *prometheus.GaugeVec
	waitCount *prometheus.GaugeVec
}

var (
	dbMetricsOnce sync.Once
	dbMetricsSet  *dbMetrics
)

func getDBMetrics() *dbMetrics {
	dbMetricsOnce.Do(func() {
		dbMetricsSet = &dbMetrics{
			openConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "forge_collector_db_open_connections",
				Help: "Open connections on the reference SQLite store, by pool",
			}, []string{"pool"}),
			inUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "forge_collector_db_connections_in_use",
				Help: "Connections currently in use, by pool",
			}, []string{"pool"}),
			idle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "forge_collector_db_connections_idle",
				Help: "Idle connections, by pool",
			}, []string{"pool"}),
			waitCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "forge_collector_db_wait_count",
				Help: "Total connections waited for, by pool",
			}, []string{"pool"}),
		}

		collectors := []prometheus.Collector{
			dbMetricsSet.openConns, dbMetricsSet.inUse, dbMetricsSet.idle, dbMetricsSet.waitCount,
		}
		for _, c := range collectors {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
	return dbMetricsSet
}

// RefreshStatsLoop periodically republishes db's connection-pool gauges
// until ctx is canceled, so dashboards can catch a writer pool pinned at
// its single-connection limit or a reader pool exhausting its four.
func RefreshStatsLoop(ctx context.Context, db *DB, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	metrics := getDBMetrics()
	publish := func() {
		writer, reader := db.Stats()
		metrics.openConns.WithLabelValues("writer").Set(float64(writer.OpenConnections))
		metrics.inUse.WithLabelValues("writer").Set(float64(writer.InUse))
		metrics.idle.WithLabelValues("writer").Set(float64(writer.Idle))
		metrics.waitCount.WithLabelValues("writer").Set(float64(writer.WaitCount))

		metrics.openConns.WithLabelValues("reader").Set(float64(reader.OpenConnections))
		metrics.inUse.WithLabelValues("reader").Set(float64(reader.InUse))
		metrics.idle.WithLabelValues("reader").Set(float64(reader.Idle))
		metrics.waitCount.WithLabelValues("reader").Set(float64(reader.WaitCount))
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
