package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/malbeclabs/packet-writer/internal/buffer"
	"github.com/malbeclabs/packet-writer/internal/packet"
	"github.com/malbeclabs/packet-writer/internal/sink"
)

// FlushTrigger identifies why a buffer was flushed.
type FlushTrigger string

const (
	TriggerSizeThreshold    FlushTrigger = "size_threshold"
	TriggerExplicit         FlushTrigger = "explicit"
	TriggerExplicitFlushAll FlushTrigger = "flush_all"
	TriggerShutdown         FlushTrigger = "shutdown"
)

// FlushCoordinator buffers collector messages per key and writes them to a sink
// as gzip-compressed NDJSON objects. A key's buffer is cleared only after the
// sink accepted its contents.
type FlushCoordinator struct {
	cfg     Config
	mu      sync.Mutex
	buffers *buffer.PartitionedBuffer[string, packet.Record]
}

func New(cfg Config) (*FlushCoordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &FlushCoordinator{
		cfg:     cfg,
		buffers: buffer.NewPartitionedBuffer[string, packet.Record](),
	}, nil
}

// Append adds records to the buffer for key. If that would take the buffer past
// the threshold, the existing contents are flushed first and the records are
// then appended regardless, so an incoming list is never split across flushes.
//
// A failed preflush leaves the existing contents in place; the records are still
// appended and the flush error is returned.
func (c *FlushCoordinator) Append(ctx context.Context, key string, records []packet.Record) error {
	if len(records) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var flushErr error
	existing := c.buffers.Len(key)
	if existing+len(records) > c.cfg.Threshold {
		c.cfg.Logger.Debug("collector buffer would exceed threshold, flushing first",
			"collector", key,
			"buffered", existing,
			"incoming", len(records),
			"threshold", c.cfg.Threshold)
		flushErr = c.flush(ctx, key, c.now(), TriggerSizeThreshold)
	}

	n := c.buffers.Append(key, records...)
	c.cfg.Metrics.RecordsAppended.Add(float64(len(records)))
	c.cfg.Metrics.RecordsBuffered.Add(float64(len(records)))

	c.cfg.Logger.Debug("appended collector messages", "collector", key, "count", len(records), "buffered", n)
	return flushErr
}

// Flush writes the buffer for key to the sink under the object name for ts.
// An empty buffer is a no-op.
func (c *FlushCoordinator) Flush(ctx context.Context, key string, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush(ctx, key, ts, TriggerExplicit)
}

// FlushAll flushes every known key at the current time. A failure on one key
// does not stop the others; all failures are returned joined.
func (c *FlushCoordinator) FlushAll(ctx context.Context) error {
	return c.flushAll(ctx, TriggerExplicitFlushAll)
}

// Shutdown is the final best-effort drain of every buffer.
func (c *FlushCoordinator) Shutdown(ctx context.Context) error {
	c.cfg.Logger.Info("flushing collector messages on shutdown", "buffered", c.buffers.Total())
	return c.flushAll(ctx, TriggerShutdown)
}

// Len returns the number of records buffered for key.
func (c *FlushCoordinator) Len(key string) int {
	return c.buffers.Len(key)
}

// Buffered returns a copy of the records buffered for key.
func (c *FlushCoordinator) Buffered(key string) []packet.Record {
	return c.buffers.Read(key)
}

func (c *FlushCoordinator) flushAll(ctx context.Context, trigger FlushTrigger) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, key := range c.buffers.Keys() {
		if err := c.flush(ctx, key, c.now(), trigger); err != nil {
			c.cfg.Logger.Error("failed to flush collector messages", "collector", key, "trigger", trigger, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *FlushCoordinator) flush(ctx context.Context, key string, ts time.Time, trigger FlushTrigger) error {
	records := c.buffers.Read(key)
	if len(records) == 0 {
		c.cfg.Logger.Debug("no collector messages to flush", "collector", key, "trigger", trigger)
		return nil
	}

	data, err := sink.EncodeNDJSONGzip(records)
	if err != nil {
		c.cfg.Metrics.FlushErrors.WithLabelValues(string(trigger)).Inc()
		return fmt.Errorf("error encoding messages for collector %s: %w", key, err)
	}

	name := sink.ObjectName(key, ts)
	if err := c.cfg.Sink.Put(ctx, name, data); err != nil {
		c.cfg.Metrics.FlushErrors.WithLabelValues(string(trigger)).Inc()
		return fmt.Errorf("error writing messages for collector %s: %w", key, err)
	}

	c.buffers.Reset(key)
	c.cfg.Metrics.Flushes.WithLabelValues(string(trigger)).Inc()
	c.cfg.Metrics.RecordsFlushed.Add(float64(len(records)))
	c.cfg.Metrics.RecordsBuffered.Sub(float64(len(records)))

	c.cfg.Logger.Debug("flushed collector messages",
		"collector", key,
		"count", len(records),
		"bytes", len(data),
		"name", name,
		"trigger", trigger)
	return nil
}

func (c *FlushCoordinator) now() time.Time {
	return c.cfg.Clock.Now().UTC()
}
