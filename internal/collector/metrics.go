package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the flush coordinator.
type Metrics struct {
	RecordsAppended prometheus.Counter
	RecordsFlushed  prometheus.Counter
	RecordsBuffered prometheus.Gauge
	Flushes         *prometheus.CounterVec
	FlushErrors     *prometheus.CounterVec
}

// NewMetrics creates coordinator metrics registered with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_collector_records_appended_total",
			Help: "Total number of collector messages appended to buffers",
		}),
		RecordsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_collector_records_flushed_total",
			Help: "Total number of collector messages written to the sink",
		}),
		RecordsBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "packet_writer_collector_records_buffered",
			Help: "Number of collector messages currently buffered across all collectors",
		}),
		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "packet_writer_collector_flushes_total",
			Help: "Total number of successful buffer flushes",
		}, []string{"trigger"}),
		FlushErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "packet_writer_collector_flush_errors_total",
			Help: "Total number of failed buffer flushes",
		}, []string{"trigger"}),
	}
}
