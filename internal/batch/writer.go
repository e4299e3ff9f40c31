package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/malbeclabs/packet-writer/internal/packet"
)

// ErrClosed is returned when accumulating into a closed Writer.
var ErrClosed = errors.New("batch writer closed")

// Inserter writes a batch of rows in a single transaction. On failure nothing
// from the batch may be committed.
type Inserter interface {
	InsertRows(ctx context.Context, rows []*packet.Row) error
	Close() error
}

// FlushTrigger identifies why a batch was flushed.
type FlushTrigger string

const (
	TriggerSizeThreshold     FlushTrigger = "size_threshold"
	TriggerInactivityTimeout FlushTrigger = "inactivity_timeout"
	TriggerExplicit          FlushTrigger = "explicit"
	TriggerShutdown          FlushTrigger = "shutdown"
)

// Writer accumulates packet rows and inserts them as one batch once BatchLength
// rows are pending, or after WriteTimeout passes without a new row.
//
// A failed insert drops the whole batch. Rows are not retried.
type Writer struct {
	cfg Config

	mu      sync.Mutex
	pending []*packet.Row
	timer   clockwork.Timer
	// gen is bumped whenever the timer is disarmed so a callback that already
	// fired can tell it is stale.
	gen    uint64
	closed bool
}

func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Writer{
		cfg:     cfg,
		pending: make([]*packet.Row, 0, cfg.BatchLength),
	}, nil
}

// Accumulate truncates over-length fields, adds the row to the pending batch and
// re-arms the inactivity timer. Reaching BatchLength flushes synchronously; the
// returned error is the insert error of that flush, if any.
func (w *Writer) Accumulate(ctx context.Context, row *packet.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	row.Truncate()
	w.pending = append(w.pending, row)
	w.cfg.Metrics.RowsAccumulated.Inc()
	w.cfg.Metrics.PendingRows.Set(float64(len(w.pending)))

	w.disarmLocked()
	if len(w.pending) >= w.cfg.BatchLength {
		return w.flushLocked(ctx, TriggerSizeThreshold)
	}
	w.armLocked()
	return nil
}

// Flush inserts whatever is pending now.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.disarmLocked()
	return w.flushLocked(ctx, TriggerExplicit)
}

// Close disarms the timer and performs a final flush. Further calls to
// Accumulate return ErrClosed.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.disarmLocked()

	if n := len(w.pending); n > 0 {
		w.cfg.Logger.Info("flushing pending packets on shutdown", "rows", n)
	}
	return w.flushLocked(ctx, TriggerShutdown)
}

// Pending returns the number of rows waiting to be inserted.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) armLocked() {
	gen := w.gen
	w.timer = w.cfg.Clock.AfterFunc(w.cfg.WriteTimeout, func() {
		w.onTimeout(gen)
	})
}

func (w *Writer) disarmLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *Writer) onTimeout(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if gen != w.gen || w.closed {
		return
	}
	w.timer = nil
	w.gen++

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()

	// The error is already logged and counted.
	_ = w.flushLocked(ctx, TriggerInactivityTimeout)
}

func (w *Writer) flushLocked(ctx context.Context, trigger FlushTrigger) error {
	if len(w.pending) == 0 {
		return nil
	}

	rows := w.pending
	w.pending = make([]*packet.Row, 0, w.cfg.BatchLength)
	w.cfg.Metrics.PendingRows.Set(0)
	w.cfg.Metrics.Flushes.WithLabelValues(string(trigger)).Inc()

	timer := prometheus.NewTimer(w.cfg.Metrics.InsertDuration)
	err := w.cfg.Inserter.InsertRows(ctx, rows)
	timer.ObserveDuration()
	if err != nil {
		w.cfg.Metrics.InsertErrors.Inc()
		w.cfg.Metrics.RowsDropped.Add(float64(len(rows)))
		w.cfg.Logger.Error("failed to insert packet batch, rows dropped",
			"rows_dropped", len(rows),
			"trigger", trigger,
			"error", err)
		return fmt.Errorf("error inserting %d rows: %w", len(rows), err)
	}

	w.cfg.Metrics.RowsInserted.Add(float64(len(rows)))
	w.cfg.Logger.Debug("inserted packet batch", "rows", len(rows), "trigger", trigger)
	return nil
}
