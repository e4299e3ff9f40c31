package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/packet-writer/internal/batch"
	"github.com/malbeclabs/packet-writer/internal/collector"
	"github.com/malbeclabs/packet-writer/internal/consumer"
	"github.com/malbeclabs/packet-writer/internal/packet"
	"github.com/malbeclabs/packet-writer/internal/sink"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsShutdownTimeout = 10 * time.Second
	defaultConnectTimeout         = time.Minute
)

// BuildInfo is a Prometheus gauge for build metadata.
var BuildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "packet_writer",
		Name:      "build_info",
		Help:      "Build information for packet-writer",
	},
	[]string{"version", "commit", "date"},
)

func init() {
	prometheus.MustRegister(BuildInfo)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsErrCh <-chan error
	if cfg.MetricsAddr != "" {
		BuildInfo.WithLabelValues(version, commit, date).Set(1)
		metricsErrCh = startMetricsServer(ctx, log, cfg.MetricsAddr, defaultMetricsShutdownTimeout)
	}

	reg := prometheus.DefaultRegisterer

	msgSink, err := newSink(ctx, log, cfg, sink.NewMetrics(reg))
	if err != nil {
		return err
	}

	coordinator, err := collector.New(collector.Config{
		Logger:    log,
		Sink:      msgSink,
		Threshold: cfg.MaxMsgsPerCollector,
		Metrics:   collector.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("failed to create flush coordinator: %w", err)
	}

	inserter, err := newInserter(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := inserter.Close(); err != nil {
			log.Error("failed to close database connection", "error", err)
		}
	}()

	writer, err := batch.NewWriter(batch.Config{
		Logger:       log,
		Inserter:     inserter,
		BatchLength:  cfg.BatchLength,
		WriteTimeout: cfg.WriteTimeout,
		Metrics:      batch.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("failed to create batch writer: %w", err)
	}

	kc, err := consumer.NewKafkaConsumer(consumer.KafkaConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic,
		Group:       cfg.KafkaGroup,
		Auth:        cfg.KafkaAuthType,
		User:        cfg.KafkaUser,
		Password:    cfg.KafkaPassword,
		TLSDisabled: cfg.KafkaTLSDisabled,
		Logger:      log,
		Metrics:     consumer.NewConsumerMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	if err := retryStartup(ctx, log, "kafka", kc.Ping); err != nil {
		_ = kc.Close()
		return fmt.Errorf("failed to reach kafka: %w", err)
	}

	processor, err := consumer.NewProcessor(
		consumer.WithConsumer(kc),
		consumer.WithMessageAppender(coordinator),
		consumer.WithRowWriter(writer),
		consumer.WithIDGenerator(packet.NewIDGenerator(nil)),
		consumer.WithProcessorLogger(log),
		consumer.WithProcessorMetrics(consumer.NewProcessorMetrics(reg)),
	)
	if err != nil {
		_ = kc.Close()
		return fmt.Errorf("failed to create processor: %w", err)
	}

	log.Info("starting packet-writer",
		"kafka_topic", cfg.KafkaTopic,
		"kafka_group", cfg.KafkaGroup,
		"db_backend", cfg.DBBackend,
		"s3", cfg.UseS3(),
		"max_msgs_per_collector", cfg.MaxMsgsPerCollector,
		"batch_length", cfg.BatchLength,
		"write_timeout", cfg.WriteTimeout,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- processor.Run(ctx)
	}()

	var runErr error
	select {
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("processor error: %w", err)
		}
	case err, ok := <-metricsErrCh:
		if ok && err != nil {
			runErr = fmt.Errorf("metrics server error: %w", err)
		}
		cancel()
		<-errCh
	case <-ctx.Done():
		// Let the in-flight message finish before draining.
		<-errCh
	}

	drain(log, cfg.ShutdownTimeout, coordinator, writer)
	return runErr
}

// drain runs the best-effort final flushes. Messages acknowledged but not yet
// written are lost if this does not complete.
func drain(log *slog.Logger, timeout time.Duration, coordinator *collector.FlushCoordinator, writer *batch.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("flushing buffers before exit")
	if err := coordinator.Shutdown(ctx); err != nil {
		log.Error("failed to flush collector messages on shutdown", "error", err)
	}
	if err := writer.Close(ctx); err != nil {
		log.Error("failed to flush packets on shutdown", "error", err)
	}
	log.Info("packet-writer stopped")
}

func newSink(ctx context.Context, log *slog.Logger, cfg Config, metrics *sink.Metrics) (sink.Sink, error) {
	if !cfg.UseS3() {
		log.Info("aws credentials not set, writing collector messages locally", "dir", cfg.LogSinkDir)
		s, err := sink.NewLogSink(
			sink.WithLogDir(cfg.LogSinkDir),
			sink.WithLogLogger(log),
			sink.WithLogMetrics(metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create log sink: %w", err)
		}
		return s, nil
	}

	client, err := sink.NewS3Client(ctx, sink.S3ClientConfig{
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		Endpoint:        cfg.S3Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	s, err := sink.NewS3Sink(
		sink.WithS3Client(client),
		sink.WithS3Bucket(cfg.S3Bucket),
		sink.WithS3Prefix(cfg.S3Prefix),
		sink.WithS3Logger(log),
		sink.WithS3Metrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 sink: %w", err)
	}
	log.Info("writing collector messages to s3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	return s, nil
}

// schemaInserter is a batch.Inserter that can create its own table.
type schemaInserter interface {
	batch.Inserter
	EnsureSchema(ctx context.Context) error
}

func newInserter(ctx context.Context, log *slog.Logger, cfg Config) (batch.Inserter, error) {
	var inserter schemaInserter

	switch cfg.DBBackend {
	case dbBackendClickhouse:
		ci, err := batch.NewClickhouseInserter(
			batch.WithClickhouseAddr(cfg.ClickhouseAddr),
			batch.WithClickhouseDB(cfg.ClickhouseDB),
			batch.WithClickhouseUser(cfg.ClickhouseUser),
			batch.WithClickhousePassword(cfg.ClickhousePassword),
			batch.WithClickhouseTLSDisabled(cfg.ClickhouseTLSDisabled),
			batch.WithClickhouseLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse inserter: %w", err)
		}
		if err := retryStartup(ctx, log, "clickhouse", ci.Ping); err != nil {
			_ = ci.Close()
			return nil, fmt.Errorf("failed to reach clickhouse: %w", err)
		}
		inserter = ci
	default:
		pi, err := batch.NewPostgresInserter(ctx,
			batch.WithPostgresDSN(cfg.PostgresDSN),
			batch.WithPostgresConnectTimeout(defaultConnectTimeout),
			batch.WithPostgresLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres inserter: %w", err)
		}
		inserter = pi
	}

	if cfg.DBMigrate {
		if err := inserter.EnsureSchema(ctx); err != nil {
			_ = inserter.Close()
			return nil, err
		}
		log.Info("packet table ready", "backend", cfg.DBBackend)
	}
	return inserter, nil
}

// retryStartup retries ping with exponential backoff until it succeeds or the
// connect timeout elapses.
func retryStartup(ctx context.Context, log *slog.Logger, name string, ping func(context.Context) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if attempt > 0 {
			log.Warn("dependency not ready, retrying", "dependency", name, "attempt", attempt)
		}
		attempt++
		return struct{}{}, ping(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(defaultConnectTimeout))
	return err
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}

func startMetricsServer(ctx context.Context, log *slog.Logger, addr string, shutdownTimeout time.Duration) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		defer listener.Close()

		log.Info("prometheus metrics server listening", "address", listener.Addr().String())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}()

		err = httpSrv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			errCh <- err
		}
	}()

	return errCh
}
