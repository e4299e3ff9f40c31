package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for a sink.
type Metrics struct {
	Puts         prometheus.Counter
	PutErrors    prometheus.Counter
	BytesWritten prometheus.Counter
	PutDuration  prometheus.Histogram
}

// NewMetrics creates sink metrics registered with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Puts: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_sink_puts_total",
			Help: "Total number of objects successfully written to the sink",
		}),
		PutErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_sink_put_errors_total",
			Help: "Total number of failed sink writes",
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_sink_bytes_written_total",
			Help: "Total number of compressed bytes written to the sink",
		}),
		PutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "packet_writer_sink_put_duration_seconds",
			Help:    "Time spent writing a single object to the sink",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
