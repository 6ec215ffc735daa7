package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm25etl_api_calls_total",
			Help: "Total upstream air-quality API calls",
		},
		[]string{"endpoint", "status"},
	)

	RecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm25etl_records_fetched_total",
			Help: "Total records obtained from the upstream API",
		},
		[]string{"mode"},
	)

	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm25etl_rows_dropped_total",
			Help: "Rows removed during transformation",
		},
		[]string{"reason"},
	)

	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm25etl_parse_failures_total",
			Help: "Field values that failed to parse and became null",
		},
		[]string{"field"},
	)

	RowsBackfilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pm25etl_rows_backfilled_total",
			Help: "Rows whose missing station id was backfilled by name",
		},
	)

	RowsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pm25etl_rows_upserted_total",
			Help: "Rows upserted into the persistent store",
		},
	)
)
