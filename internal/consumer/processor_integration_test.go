package consumer_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/malbeclabs/packet-writer/internal/collector"
	"github.com/malbeclabs/packet-writer/internal/consumer"
	"github.com/malbeclabs/packet-writer/internal/sink"
)

const (
	rpUser     = "testuser"
	rpPassword = "testpassword"
	rpTopic    = "collectors_queue"
)

func TestPacketWriter_Consumer_Processor_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	rpContainer, err := redpanda.Run(ctx,
		"docker.redpanda.com/redpandadata/redpanda:v24.2.6",
		redpanda.WithEnableSASL(),
		redpanda.WithAutoCreateTopics(),
		redpanda.WithEnableKafkaAuthorization(),
		redpanda.WithNewServiceAccount(rpUser, rpPassword),
		redpanda.WithSuperusers(rpUser),
	)
	testcontainers.CleanupContainer(t, rpContainer)
	require.NoError(t, err)

	broker, err := rpContainer.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.SASL(scram.Auth{User: rpUser, Pass: rpPassword}.AsSha256Mechanism()),
	)
	require.NoError(t, err)
	t.Cleanup(producer.Close)
	require.NoError(t, producer.Ping(ctx))

	admin := kadm.NewClient(producer)
	resp, err := admin.CreateTopics(ctx, 1, -1, nil, rpTopic)
	require.NoError(t, err)
	for _, ctr := range resp {
		require.NoError(t, ctr.Err, "error creating topic %s", ctr.Topic)
	}

	// One poison message and three valid envelopes from two collectors.
	bodies := []string{
		`{"packet": {"date": "2024-03-07T09:05:03Z", "gateway": "gw-1"}, "messages": [{"data_collector_id": 1, "n": 1}]}`,
		`not json`,
		`{"packet": null, "messages": [{"data_collector_id": 2, "n": 2}]}`,
		`{"packet": {"date": "2024-03-07T09:05:04Z", "gateway": "gw-1"}, "messages": [{"data_collector_id": 1, "n": 3}]}`,
	}
	for _, b := range bodies {
		res := producer.ProduceSync(ctx, &kgo.Record{Topic: rpTopic, Value: []byte(b)})
		require.NoError(t, res.FirstErr())
	}

	reg := prometheus.NewRegistry()
	dir := t.TempDir()

	logSink, err := sink.NewLogSink(sink.WithLogDir(dir), sink.WithLogLogger(log))
	require.NoError(t, err)
	coordinator, err := collector.New(collector.Config{
		Logger:    log,
		Sink:      logSink,
		Threshold: 500,
	})
	require.NoError(t, err)

	rows := &mockRowWriter{}

	kc, err := consumer.NewKafkaConsumer(consumer.KafkaConfig{
		Brokers:     []string{broker},
		Topic:       rpTopic,
		Group:       "packet-writer-test",
		User:        rpUser,
		Password:    rpPassword,
		TLSDisabled: true,
		Logger:      log,
		Metrics:     consumer.NewConsumerMetrics(reg),
	})
	require.NoError(t, err)

	metrics := consumer.NewProcessorMetrics(reg)
	processor, err := consumer.NewProcessor(
		consumer.WithConsumer(kc),
		consumer.WithMessageAppender(coordinator),
		consumer.WithRowWriter(rows),
		consumer.WithProcessorLogger(log),
		consumer.WithProcessorMetrics(metrics),
	)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- processor.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.EnvelopesReceived) == 4
	}, 20*time.Second, 100*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ParseErrors))
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.AckErrors))
	require.Len(t, rows.rows, 2)
	require.Less(t, rows.rows[0].ID, rows.rows[1].ID)
	require.Equal(t, 2, coordinator.Len("1"))
	require.Equal(t, 1, coordinator.Len("2"))

	require.NoError(t, coordinator.Shutdown(ctx))
	for _, key := range []string{"1", "2"} {
		matches, err := filepath.Glob(filepath.Join(dir, "year=*", "month=*", "day=*", fmt.Sprintf("collector=%s", key), "*.json.gz"))
		require.NoError(t, err)
		require.Len(t, matches, 1, "collector %s", key)
		info, err := os.Stat(matches[0])
		require.NoError(t, err)
		require.Positive(t, info.Size())
	}

	// Every envelope, including the poison one, was committed.
	offsets, err := admin.FetchOffsets(ctx, "packet-writer-test")
	require.NoError(t, err)
	committed, ok := offsets.Lookup(rpTopic, 0)
	require.True(t, ok)
	require.Equal(t, int64(4), committed.At)
}
