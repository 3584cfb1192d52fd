package channel

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ferry/pkg/telemetry"
)

type config struct {
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// Option configures an [IdChannel].
type Option func(*config)

// WithLogger sets the logger used to report fork failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetricSink sets where fork metrics are emitted, with static labels.
func WithMetricSink(ms metrics.MetricSink, labels []metrics.Label) Option {
	return func(c *config) {
		c.msink = ms
		c.metricLabels = labels
	}
}

func newConfig(opts []Option) config {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	cfg.msink = telemetry.SinkOrBlackhole(cfg.msink)
	return cfg
}
