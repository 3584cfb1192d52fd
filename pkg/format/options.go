package format

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ferry/pkg/channel"
	"github.com/raskyld/ferry/pkg/telemetry"
)

type config struct {
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	bufferSize   uint
}

// Option configures a [Link].
type Option func(*config)

// WithLogger sets the logger of the link and of the session it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetricSink sets where link metrics are emitted, with static labels.
func WithMetricSink(ms metrics.MetricSink, labels []metrics.Label) Option {
	return func(c *config) {
		c.msink = ms
		c.metricLabels = labels
	}
}

// WithBufferSize sets how many representations are buffered in each
// direction. Defaults to 64.
func WithBufferSize(size uint) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

func newConfig(opts []Option) config {
	cfg := config{bufferSize: 64}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	cfg.msink = telemetry.SinkOrBlackhole(cfg.msink)
	return cfg
}

func (cfg config) sessionOptions() []channel.Option {
	return []channel.Option{
		channel.WithLogger(cfg.logger),
		channel.WithMetricSink(cfg.msink, cfg.metricLabels),
	}
}
