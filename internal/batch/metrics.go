package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the batch writer and its inserters.
type Metrics struct {
	RowsAccumulated prometheus.Counter
	RowsInserted    prometheus.Counter
	RowsDropped     prometheus.Counter
	PendingRows     prometheus.Gauge
	Flushes         *prometheus.CounterVec
	InsertErrors    prometheus.Counter
	InsertDuration  prometheus.Histogram
}

// NewMetrics creates batch writer metrics registered with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RowsAccumulated: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_batch_rows_accumulated_total",
			Help: "Total number of packet rows accumulated for insertion",
		}),
		RowsInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_batch_rows_inserted_total",
			Help: "Total number of packet rows committed to the database",
		}),
		RowsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_batch_rows_dropped_total",
			Help: "Total number of packet rows discarded after a failed insert",
		}),
		PendingRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "packet_writer_batch_pending_rows",
			Help: "Number of packet rows waiting to be inserted",
		}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "packet_writer_batch_flushes_total",
			Help: "Total number of batch flushes",
		}, []string{"trigger"}),
		InsertErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_batch_insert_errors_total",
			Help: "Total number of failed batch inserts",
		}),
		InsertDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "packet_writer_batch_insert_duration_seconds",
			Help:    "Time spent inserting a batch",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
