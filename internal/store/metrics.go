package store

import (
	"context"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/textvault/coordinator/internal/logging"
)

// Metrics exposes pool-level and table-level gauges, generalizing the
// teacher's dbMetrics (internal/metrics.go) from cache-key prefix counts to
// queue/storage/object row counts.
type Metrics struct {
	gauge *prometheus.GaugeVec
}

// NewMetrics registers a pgx pool collector plus a background row-count
// sampler. The sampler runs every 5 minutes since it's an expensive scan of
// several tables, matching the teacher's own 5-minute cadence for the
// equivalent cache-stats query.
func NewMetrics(ctx context.Context, s *Store, reg *prometheus.Registry) *Metrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coordinator",
			Subsystem: "db",
			Name:      "rows_total",
			Help:      "Row counts by table.",
		},
		[]string{"table"},
	)
	if reg != nil {
		reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(s.Pool, nil))
	}

	m := &Metrics{gauge: gauge}
	go m.sample(ctx, s)
	return m
}

func (m *Metrics) sample(ctx context.Context, s *Store) {
	for {
		row := s.Pool.QueryRow(ctx, `
			SELECT
				(SELECT count(*) FROM queue WHERE NOT complete) AS queued,
				(SELECT count(*) FROM dispatches WHERE NOT complete AND NOT fail_reported) AS leased,
				(SELECT count(*) FROM storage) AS versions,
				(SELECT count(*) FROM unfetched_objects) AS unfetched
		`)
		var queued, leased, versions, unfetched int64
		if err := row.Scan(&queued, &leased, &versions, &unfetched); err != nil {
			logging.Log(ctx).Warn("problem collecting db stats", "err", err)
		} else {
			m.gauge.WithLabelValues("queue_pending").Set(float64(queued))
			m.gauge.WithLabelValues("dispatches_leased").Set(float64(leased))
			m.gauge.WithLabelValues("storage").Set(float64(versions))
			m.gauge.WithLabelValues("unfetched_objects").Set(float64(unfetched))
		}
		time.Sleep(5 * time.Minute)
	}
}
