package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConsumerMetrics holds Prometheus metrics for the Kafka consumer.
type ConsumerMetrics struct {
	RecordsConsumed prometheus.Counter
	FetchErrors     prometheus.Counter
}

// NewConsumerMetrics creates consumer metrics registered with the given registerer.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	factory := promauto.With(reg)
	return &ConsumerMetrics{
		RecordsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_kafka_records_consumed_total",
			Help: "Total number of records consumed from Kafka",
		}),
		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_kafka_fetch_errors_total",
			Help: "Total number of Kafka fetch errors",
		}),
	}
}

// ProcessorMetrics holds Prometheus metrics for the processor.
type ProcessorMetrics struct {
	EnvelopesReceived  prometheus.Counter
	ParseErrors        prometheus.Counter
	PacketsRouted      prometheus.Counter
	MessagesRouted     prometheus.Counter
	SinkErrors         prometheus.Counter
	InsertErrors       prometheus.Counter
	AckErrors          prometheus.Counter
	Panics             prometheus.Counter
	ProcessingDuration prometheus.Histogram
}

// NewProcessorMetrics creates processor metrics registered with the given registerer.
func NewProcessorMetrics(reg prometheus.Registerer) *ProcessorMetrics {
	factory := promauto.With(reg)
	return &ProcessorMetrics{
		EnvelopesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_envelopes_received_total",
			Help: "Total number of inbound envelopes processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_parse_errors_total",
			Help: "Total number of envelopes or packets that could not be parsed",
		}),
		PacketsRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_packets_routed_total",
			Help: "Total number of packets handed to the batch writer",
		}),
		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_messages_routed_total",
			Help: "Total number of collector messages handed to the flush coordinator",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_sink_errors_total",
			Help: "Total number of flush coordinator errors seen while routing messages",
		}),
		InsertErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_insert_errors_total",
			Help: "Total number of batch writer errors seen while routing packets",
		}),
		AckErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_ack_errors_total",
			Help: "Total number of failed queue acknowledgments",
		}),
		Panics: factory.NewCounter(prometheus.CounterOpts{
			Name: "packet_writer_processing_panics_total",
			Help: "Total number of recovered panics while processing an envelope",
		}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "packet_writer_processing_duration_seconds",
			Help:    "Time spent processing a single envelope",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
