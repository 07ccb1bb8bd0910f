package hooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

// MetricsHook feeds bun query events into prometheus: one counter by
// operation and outcome, one duration histogram by operation. An empty
// result set is its own outcome, not an error; dashboards alerting on the
// error rate should not page over missing rows.
type MetricsHook struct {
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetricsHook creates a new metrics hook and registers collectors
func NewMetricsHook(registry prometheus.Registerer) (*MetricsHook, error) {
	h := &MetricsHook{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbglue_orm_queries_total",
				Help: "Total ORM queries by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbglue_orm_query_duration_seconds",
				Help:    "Duration of ORM queries in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
	}

	for _, c := range []prometheus.Collector{h.queries, h.duration} {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}

	return h, nil
}

// BeforeQuery is called before a query is executed
func (h *MetricsHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a query is executed
func (h *MetricsHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	op := OperationType(event.Query)

	h.queries.WithLabelValues(op, queryOutcome(event.Err)).Inc()
	h.duration.WithLabelValues(op).Observe(time.Since(event.StartTime).Seconds())
}

func queryOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, sql.ErrNoRows):
		return "not_found"
	default:
		return "error"
	}
}
