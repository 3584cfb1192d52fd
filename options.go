package ferry

import (
	"crypto/tls"
	"log/slog"
	"slices"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/ferry/pkg/format"
)

// ALPN is the application protocol negotiated by fabrics.
const ALPN = "ferry/1"

type config struct {
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	format       format.Format
	bufferSize   uint
}

func newConfig() *config {
	mlCfg := memberlist.DefaultLANConfig()
	// Gossip packets ride QUIC datagrams, which must fit in a single
	// QUIC packet.
	mlCfg.UDPBufferSize = 1100
	mlCfg.ProbeTimeout = 2 * time.Second

	return &config{
		mlCfg: mlCfg,
		trCfg: TransportConfig{
			BindPort:     6174,
			HintMaxFlows: 10000,
			DialTimeout:  30 * time.Second,
		},
		format:     format.Cbor,
		bufferSize: 64,
	}
}

func (c *config) apply(opts []Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	if c.logHandler == nil {
		c.logHandler = slog.Default().Handler()
	}
	c.trCfg.LogHandler = c.logHandler
	if c.msink == nil {
		c.msink = metrics.Default()
	}
	c.trCfg.MetricSink = c.msink
	c.trCfg.MetricLabels = c.metricLabels
	return nil
}

func (c *config) formatOptions() []format.Option {
	return []format.Option{
		format.WithLogger(slog.New(c.logHandler)),
		format.WithMetricSink(c.msink, c.metricLabels),
		format.WithBufferSize(c.bufferSize),
	}
}

// Option to pass to [NewCore] and [Create].
type Option func(*config) error

// WithListenOn specifies on which UDP interface the fabric serves both
// gossip and acquisitions.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidAddr
		}
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithNodeName specifies which name is exposed to other peers when
// joining the cluster. It MUST be unique and SHOULD match the common
// name of the node certificate.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = slices.Clone(labels)

		// memberlist still emits through the armon module.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the fabric, both to listen
// and to dial. Use mTLS: certificates are the only way peers authenticate
// each other.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		c.trCfg.TlsConfig.NextProtos = []string{ALPN}
		return nil
	}
}

// WithHintMaxFlows gives an indication of the maximum number of
// acquisitions you intend to keep open concurrently with any peer.
func WithHintMaxFlows(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = 10000
		}
		c.trCfg.HintMaxFlows = hint
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithFormat sets the wire format used for local acquisitions and
// requested from peers. Defaults to [format.Cbor].
func WithFormat(f format.Format) Option {
	return func(c *config) error {
		if f == nil {
			return ErrInvalidCfg
		}
		c.format = f
		return nil
	}
}

// WithBufferSize sets how many representations are buffered per
// direction of each acquisition. Defaults to 64.
func WithBufferSize(size uint) Option {
	return func(c *config) error {
		c.bufferSize = size
		return nil
	}
}
