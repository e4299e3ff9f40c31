package collector

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/packet-writer/internal/sink"
)

const (
	defaultThreshold = 500
)

type Config struct {
	Logger *slog.Logger
	Sink   sink.Sink

	// Optional with defaults.
	Clock     clockwork.Clock
	Threshold int
	Metrics   *Metrics
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Sink == nil {
		return errors.New("sink is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Threshold == 0 {
		c.Threshold = defaultThreshold
	}
	if c.Threshold < 0 {
		return errors.New("threshold must be > 0")
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return nil
}
