package batch

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultBatchLength  = 64
	defaultWriteTimeout = 5 * time.Second
	defaultFlushTimeout = 30 * time.Second
)

type Config struct {
	Logger   *slog.Logger
	Inserter Inserter

	// Optional with defaults.
	Clock        clockwork.Clock
	BatchLength  int
	WriteTimeout time.Duration
	// FlushTimeout bounds an insert started by the inactivity timer, which has
	// no caller context to inherit.
	FlushTimeout time.Duration
	Metrics      *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Inserter == nil {
		return errors.New("inserter is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	if c.BatchLength == 0 {
		c.BatchLength = defaultBatchLength
	}
	if c.BatchLength < 0 {
		return errors.New("batch length must be > 0")
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.WriteTimeout < 0 {
		return errors.New("write timeout must be > 0")
	}

	if c.FlushTimeout == 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if c.FlushTimeout < 0 {
		return errors.New("flush timeout must be > 0")
	}

	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return nil
}
