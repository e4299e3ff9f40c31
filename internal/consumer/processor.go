package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/packet-writer/internal/packet"
)

const (
	defaultAckTimeout    = 10 * time.Second
	defaultHandleTimeout = 30 * time.Second
)

// MessageAppender buffers collector messages under a key.
type MessageAppender interface {
	Append(ctx context.Context, key string, records []packet.Record) error
}

// RowWriter accumulates packet rows for batched insertion.
type RowWriter interface {
	Accumulate(ctx context.Context, row *packet.Row) error
}

// Processor consumes envelopes one at a time, routes their packet to the row
// writer and their messages to the appender, and acknowledges each envelope
// once routing has finished, whether or not it succeeded.
type Processor struct {
	consumer      Consumer
	messages      MessageAppender
	rows          RowWriter
	ids           *packet.IDGenerator
	ackTimeout    time.Duration
	handleTimeout time.Duration
	logger        *slog.Logger
	metrics       *ProcessorMetrics
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithConsumer sets the envelope consumer.
func WithConsumer(consumer Consumer) ProcessorOption {
	return func(p *Processor) {
		p.consumer = consumer
	}
}

// WithMessageAppender sets where collector messages are buffered.
func WithMessageAppender(messages MessageAppender) ProcessorOption {
	return func(p *Processor) {
		p.messages = messages
	}
}

// WithRowWriter sets where packet rows are accumulated.
func WithRowWriter(rows RowWriter) ProcessorOption {
	return func(p *Processor) {
		p.rows = rows
	}
}

// WithIDGenerator sets the packet id source.
func WithIDGenerator(ids *packet.IDGenerator) ProcessorOption {
	return func(p *Processor) {
		p.ids = ids
	}
}

// WithAckTimeout bounds each acknowledgment.
func WithAckTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.ackTimeout = d
	}
}

// WithHandleTimeout bounds the routing of one envelope, including any insert
// or upload it triggers.
func WithHandleTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.handleTimeout = d
	}
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithProcessorMetrics sets the processor metrics.
func WithProcessorMetrics(metrics *ProcessorMetrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = metrics
	}
}

func NewProcessor(opts ...ProcessorOption) (*Processor, error) {
	p := &Processor{
		ackTimeout:    defaultAckTimeout,
		handleTimeout: defaultHandleTimeout,
		metrics:       NewProcessorMetrics(nil),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.consumer == nil {
		return nil, fmt.Errorf("consumer is required: use WithConsumer")
	}
	if p.messages == nil {
		return nil, fmt.Errorf("message appender is required: use WithMessageAppender")
	}
	if p.rows == nil {
		return nil, fmt.Errorf("row writer is required: use WithRowWriter")
	}
	if p.ids == nil {
		p.ids = packet.NewIDGenerator(nil)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return p, nil
}

// Run processes envelopes until the context is cancelled or the consumer is
// closed. Per-envelope failures are logged and counted, never returned.
func (p *Processor) Run(ctx context.Context) error {
	defer p.consumer.Close()

	p.logger.Info("starting packet processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor shutting down")
			return nil
		default:
		}

		records, err := p.consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, ErrClientClosed) {
				p.logger.Info("consumer client closed, shutting down")
				return nil
			}
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("error polling for messages", "error", err)
			continue
		}

		for _, rec := range records {
			// Unprocessed records are left unacknowledged and will be redelivered.
			if ctx.Err() != nil {
				break
			}
			p.process(ctx, rec)
		}
	}
}

// process handles and acknowledges a single record.
func (p *Processor) process(ctx context.Context, rec *kgo.Record) {
	p.metrics.EnvelopesReceived.Inc()

	// A record that has been taken off the queue is routed to completion even
	// if shutdown begins meanwhile, so a flush it triggers is not cancelled.
	handleCtx, cancelHandle := context.WithTimeout(context.WithoutCancel(ctx), p.handleTimeout)
	timer := prometheus.NewTimer(p.metrics.ProcessingDuration)
	err := p.handle(handleCtx, rec.Value)
	timer.ObserveDuration()
	cancelHandle()
	if err != nil {
		p.logger.Error("failed to process message",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err)
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.ackTimeout)
	defer cancel()
	if err := p.consumer.Ack(ackCtx, rec); err != nil {
		p.metrics.AckErrors.Inc()
		p.logger.Error("failed to acknowledge message", "offset", rec.Offset, "error", err)
	}
}

// handle routes one envelope. A failure on the packet path does not prevent
// the messages from being buffered.
func (p *Processor) handle(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.Panics.Inc()
			err = fmt.Errorf("panic while processing message: %v", r)
		}
	}()

	env, err := packet.ParseEnvelope(body)
	if err != nil {
		p.metrics.ParseErrors.Inc()
		return err
	}

	var errs []error
	var packetID *int64

	if env.HasPacket() {
		row, err := packet.ParseRow(env.Packet)
		if err != nil {
			p.metrics.ParseErrors.Inc()
			errs = append(errs, fmt.Errorf("error parsing packet: %w", err))
		} else {
			id := p.ids.Next()
			row.ID = id
			packetID = &id

			p.metrics.PacketsRouted.Inc()
			if err := p.rows.Accumulate(ctx, row); err != nil {
				p.metrics.InsertErrors.Inc()
				errs = append(errs, fmt.Errorf("error accumulating packet %d: %w", id, err))
			}
		}
	}

	if len(env.Messages) > 0 {
		packet.StampPacketID(env.Messages, packetID)
		key := packet.CollectorKey(env.Messages)

		p.metrics.MessagesRouted.Add(float64(len(env.Messages)))
		if err := p.messages.Append(ctx, key, env.Messages); err != nil {
			p.metrics.SinkErrors.Inc()
			errs = append(errs, fmt.Errorf("error buffering messages for collector %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}
