package consumer_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/packet-writer/internal/consumer"
	"github.com/malbeclabs/packet-writer/internal/packet"
)

// mockConsumer hands out one batch per Poll and reports the client closed once
// all batches are drained.
type mockConsumer struct {
	mu      sync.Mutex
	batches [][]*kgo.Record
	acked   []int64
	closed  bool
	AckFunc func(ctx context.Context, rec *kgo.Record) error
}

func (m *mockConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil, consumer.ErrClientClosed
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return batch, nil
}

func (m *mockConsumer) Ack(ctx context.Context, rec *kgo.Record) error {
	m.mu.Lock()
	m.acked = append(m.acked, rec.Offset)
	m.mu.Unlock()
	if m.AckFunc != nil {
		return m.AckFunc(ctx, rec)
	}
	return nil
}

func (m *mockConsumer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConsumer) Acked() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.acked...)
}

type appendCall struct {
	key     string
	records []packet.Record
}

type mockAppender struct {
	mu         sync.Mutex
	calls      []appendCall
	AppendFunc func(ctx context.Context, key string, records []packet.Record) error
}

func (m *mockAppender) Append(ctx context.Context, key string, records []packet.Record) error {
	m.mu.Lock()
	m.calls = append(m.calls, appendCall{key: key, records: records})
	m.mu.Unlock()
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, key, records)
	}
	return nil
}

type mockRowWriter struct {
	mu             sync.Mutex
	rows           []*packet.Row
	AccumulateFunc func(ctx context.Context, row *packet.Row) error
}

func (m *mockRowWriter) Accumulate(ctx context.Context, row *packet.Row) error {
	m.mu.Lock()
	m.rows = append(m.rows, row)
	m.mu.Unlock()
	if m.AccumulateFunc != nil {
		return m.AccumulateFunc(ctx, row)
	}
	return nil
}

var testNow = time.Date(2024, 3, 7, 9, 5, 3, 0, time.UTC)

type testProcessor struct {
	processor *consumer.Processor
	consumer  *mockConsumer
	appender  *mockAppender
	rows      *mockRowWriter
	metrics   *consumer.ProcessorMetrics
}

func newTestProcessor(t *testing.T, bodies ...string) *testProcessor {
	t.Helper()

	recs := make([]*kgo.Record, len(bodies))
	for i, b := range bodies {
		recs[i] = &kgo.Record{Topic: "collectors_queue", Offset: int64(i), Value: []byte(b)}
	}

	tp := &testProcessor{
		consumer: &mockConsumer{batches: [][]*kgo.Record{recs}},
		appender: &mockAppender{},
		rows:     &mockRowWriter{},
		metrics:  consumer.NewProcessorMetrics(nil),
	}
	p, err := consumer.NewProcessor(
		consumer.WithConsumer(tp.consumer),
		consumer.WithMessageAppender(tp.appender),
		consumer.WithRowWriter(tp.rows),
		consumer.WithIDGenerator(packet.NewIDGenerator(clockwork.NewFakeClockAt(testNow))),
		consumer.WithProcessorLogger(log),
		consumer.WithProcessorMetrics(tp.metrics),
	)
	require.NoError(t, err)
	tp.processor = p
	return tp
}

func (tp *testProcessor) run(t *testing.T) {
	t.Helper()
	require.NoError(t, tp.processor.Run(t.Context()))
}

const fullEnvelope = `{
	"packet": {"date": "2024-03-07T09:05:03Z", "gateway": "b827ebfffe6f1b2c", "rssi": -57, "data_collector_id": 42},
	"messages": [
		{"data_collector_id": 42, "type": "up", "payload": "QUJD"},
		{"data_collector_id": 42, "type": "stats"}
	]
}`

func TestPacketWriter_Consumer_Processor(t *testing.T) {
	t.Parallel()

	firstID := testNow.UnixMilli() << 20

	t.Run("routes packet and stamps messages with its id", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, fullEnvelope)
		tp.run(t)

		require.Len(t, tp.rows.rows, 1)
		row := tp.rows.rows[0]
		require.Equal(t, firstID, row.ID)
		require.Equal(t, "b827ebfffe6f1b2c", *row.Gateway)
		require.Equal(t, int32(-57), *row.Rssi)

		require.Len(t, tp.appender.calls, 1)
		call := tp.appender.calls[0]
		require.Equal(t, "42", call.key)
		require.Len(t, call.records, 2)
		for _, m := range call.records {
			require.Equal(t, firstID, m["packet_id"])
		}
		require.Equal(t, json.Number("42"), call.records[0]["data_collector_id"])

		require.Equal(t, []int64{0}, tp.consumer.Acked())
		require.True(t, tp.consumer.closed)
		require.Equal(t, float64(1), testutil.ToFloat64(tp.metrics.PacketsRouted))
		require.Equal(t, float64(2), testutil.ToFloat64(tp.metrics.MessagesRouted))
	})

	t.Run("null packet stamps messages with null packet id", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, `{"packet": null, "messages": [{"data_collector_id": "7"}]}`)
		tp.run(t)

		require.Empty(t, tp.rows.rows)
		require.Len(t, tp.appender.calls, 1)
		require.Equal(t, "7", tp.appender.calls[0].key)
		v, ok := tp.appender.calls[0].records[0]["packet_id"]
		require.True(t, ok)
		require.Nil(t, v)
	})

	t.Run("packet without messages only reaches the row writer", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, `{"packet": {"date": "2024-03-07 09:05:03"}, "messages": null}`)
		tp.run(t)

		require.Len(t, tp.rows.rows, 1)
		require.Empty(t, tp.appender.calls)
		require.Equal(t, []int64{0}, tp.consumer.Acked())
	})

	t.Run("malformed message is acknowledged and dropped", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, `{not json`, fullEnvelope)
		tp.run(t)

		require.Equal(t, []int64{0, 1}, tp.consumer.Acked())
		require.Equal(t, float64(1), testutil.ToFloat64(tp.metrics.ParseErrors))
		require.Len(t, tp.rows.rows, 1)
		require.Len(t, tp.appender.calls, 1)
		require.Equal(t, float64(2), testutil.ToFloat64(tp.metrics.EnvelopesReceived))
	})

	t.Run("invalid packet still buffers its messages", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, `{"packet": {"gateway": "gw"}, "messages": [{"data_collector_id": 3}]}`)
		tp.run(t)

		require.Empty(t, tp.rows.rows)
		require.Len(t, tp.appender.calls, 1)
		require.Nil(t, tp.appender.calls[0].records[0]["packet_id"])
		require.Equal(t, float64(1), testutil.ToFloat64(tp.metrics.ParseErrors))
		require.Equal(t, []int64{0}, tp.consumer.Acked())
	})

	t.Run("sink and insert failures are counted and acknowledged", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, fullEnvelope, fullEnvelope)
		tp.appender.AppendFunc = func(ctx context.Context, key string, records []packet.Record) error {
			return errors.New("bucket unavailable")
		}
		tp.rows.AccumulateFunc = func(ctx context.Context, row *packet.Row) error {
			return errors.New("connection refused")
		}
		tp.run(t)

		require.Equal(t, []int64{0, 1}, tp.consumer.Acked())
		require.Equal(t, float64(2), testutil.ToFloat64(tp.metrics.SinkErrors))
		require.Equal(t, float64(2), testutil.ToFloat64(tp.metrics.InsertErrors))
		require.Equal(t, firstID+1, tp.rows.rows[1].ID)
	})

	t.Run("panic while routing is recovered", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, fullEnvelope, fullEnvelope)
		calls := 0
		tp.appender.AppendFunc = func(ctx context.Context, key string, records []packet.Record) error {
			calls++
			if calls == 1 {
				panic("boom")
			}
			return nil
		}
		tp.run(t)

		require.Equal(t, []int64{0, 1}, tp.consumer.Acked())
		require.Equal(t, float64(1), testutil.ToFloat64(tp.metrics.Panics))
		require.Len(t, tp.appender.calls, 2)
	})

	t.Run("ack failure does not stop processing", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, fullEnvelope, fullEnvelope)
		tp.consumer.AckFunc = func(ctx context.Context, rec *kgo.Record) error {
			if rec.Offset == 0 {
				return errors.New("coordinator not available")
			}
			return nil
		}
		tp.run(t)

		require.Equal(t, []int64{0, 1}, tp.consumer.Acked())
		require.Equal(t, float64(1), testutil.ToFloat64(tp.metrics.AckErrors))
		require.Len(t, tp.rows.rows, 2)
	})

	t.Run("shutdown during routing does not cancel the triggered flush", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, fullEnvelope, fullEnvelope)
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		var insertErr, appendErr error
		tp.rows.AccumulateFunc = func(rowCtx context.Context, row *packet.Row) error {
			// The signal lands while the batch-filling row is being inserted.
			cancel()
			insertErr = rowCtx.Err()
			return insertErr
		}
		tp.appender.AppendFunc = func(appendCtx context.Context, key string, records []packet.Record) error {
			appendErr = appendCtx.Err()
			return appendErr
		}

		require.NoError(t, tp.processor.Run(ctx))
		require.NoError(t, insertErr)
		require.NoError(t, appendErr)
		require.Equal(t, float64(0), testutil.ToFloat64(tp.metrics.InsertErrors))
		require.Equal(t, float64(0), testutil.ToFloat64(tp.metrics.SinkErrors))

		// The in-flight record is acknowledged, the rest of the batch is not.
		require.Equal(t, []int64{0}, tp.consumer.Acked())
		require.Len(t, tp.rows.rows, 1)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		t.Parallel()

		tp := newTestProcessor(t, fullEnvelope)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		require.NoError(t, tp.processor.Run(ctx))
		require.Empty(t, tp.consumer.Acked())
		require.True(t, tp.consumer.closed)
	})
}

func TestPacketWriter_Consumer_NewProcessor(t *testing.T) {
	t.Parallel()

	t.Run("requires a consumer", func(t *testing.T) {
		t.Parallel()
		_, err := consumer.NewProcessor(
			consumer.WithMessageAppender(&mockAppender{}),
			consumer.WithRowWriter(&mockRowWriter{}),
		)
		require.ErrorContains(t, err, "consumer is required")
	})

	t.Run("requires a message appender", func(t *testing.T) {
		t.Parallel()
		_, err := consumer.NewProcessor(
			consumer.WithConsumer(&mockConsumer{}),
			consumer.WithRowWriter(&mockRowWriter{}),
		)
		require.ErrorContains(t, err, "message appender is required")
	})

	t.Run("requires a row writer", func(t *testing.T) {
		t.Parallel()
		_, err := consumer.NewProcessor(
			consumer.WithConsumer(&mockConsumer{}),
			consumer.WithMessageAppender(&mockAppender{}),
		)
		require.ErrorContains(t, err, "row writer is required")
	})
}
