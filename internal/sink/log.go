package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrUnsafeName is returned for object names that would resolve outside the
// sink directory.
var ErrUnsafeName = errors.New("object name escapes sink directory")

// LogSink is the sink used when no object storage credentials are configured.
// Each blob is written as a gzip file at its object name below a base directory,
// and every write is recorded as a structured log entry.
type LogSink struct {
	dir     string
	logger  *slog.Logger
	metrics *Metrics
}

// LogSinkOption configures a LogSink.
type LogSinkOption func(*LogSink)

// WithLogDir sets the base directory files are written under.
func WithLogDir(dir string) LogSinkOption {
	return func(s *LogSink) {
		s.dir = dir
	}
}

// WithLogLogger sets the logger.
func WithLogLogger(logger *slog.Logger) LogSinkOption {
	return func(s *LogSink) {
		s.logger = logger
	}
}

// WithLogMetrics sets the metrics.
func WithLogMetrics(metrics *Metrics) LogSinkOption {
	return func(s *LogSink) {
		s.metrics = metrics
	}
}

// NewLogSink creates a new LogSink with the given options.
// The base directory must be configured via WithLogDir.
func NewLogSink(opts ...LogSinkOption) (*LogSink, error) {
	s := &LogSink{
		metrics: NewMetrics(nil), // Always set, unregistered by default
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.dir == "" {
		return nil, fmt.Errorf("log sink directory is required: use WithLogDir")
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return s, nil
}

// Put writes data to <dir>/<name>. The file is written to a temporary path and
// renamed into place, so readers only ever see complete files.
func (s *LogSink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Names embed the collector key, which comes from queue data.
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		s.metrics.PutErrors.Inc()
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}

	timer := prometheus.NewTimer(s.metrics.PutDuration)
	path := filepath.Join(s.dir, rel)
	if err := writeFileAtomic(path, data); err != nil {
		s.metrics.PutErrors.Inc()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	timer.ObserveDuration()

	s.metrics.Puts.Inc()
	s.metrics.BytesWritten.Add(float64(len(data)))

	s.logger.Info("collector messages written", "name", name, "path", path, "bytes", len(data))
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("error writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("error syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("error closing temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("error setting file mode: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error renaming temp file: %w", err)
	}
	return nil
}
