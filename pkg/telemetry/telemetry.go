package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricForkCount counts sub-channels opened by a session side.
	MetricForkCount      = []string{"ferry", "fork", "count"}
	MetricForkErrorCount = []string{"ferry", "fork", "error", "count"}

	// MetricDecodePendingCount counts items suspended on a fork which was
	// not yet registered on the receiving side.
	MetricDecodePendingCount = []string{"ferry", "decode", "pending", "count"}
	MetricDecodeErrorCount   = []string{"ferry", "decode", "error", "count"}
	MetricEncodeErrorCount   = []string{"ferry", "encode", "error", "count"}
	MetricEncodeOutBytes     = []string{"ferry", "encode", "out", "bytes"}

	MetricAcquireCount      = []string{"ferry", "core", "acquire", "count"}
	MetricAcquireErrorCount = []string{"ferry", "core", "acquire", "error", "count"}
	MetricRegisterCount     = []string{"ferry", "core", "register", "count"}

	MetricStreamEstInCount       = []string{"ferry", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"ferry", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"ferry", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"ferry", "stream", "establishment", "out", "error", "count"}
	MetricConnEstCount           = []string{"ferry", "connection", "established", "count"}
	MetricConnErrorCount         = []string{"ferry", "connection", "error", "count"}
	MetricPeerCapabilities       = []string{"ferry", "peer", "capabilities"}
	MetricHostNameChanges        = []string{"ferry", "host", "name", "changes"}

	// MetricDatagramInBytes counts gossip bytes received as QUIC datagrams.
	MetricDatagramInBytes       = []string{"ferry", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount  = []string{"ferry", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes      = []string{"ferry", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount = []string{"ferry", "datagram", "out", "error", "count"}
	MetricUDPBufferSizeBytes    = []string{"ferry", "udp", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelFork        TelemetryLabel = "fork"
	LabelRole        TelemetryLabel = "role"
	LabelFormat      TelemetryLabel = "format"
	LabelFingerprint TelemetryLabel = "fingerprint"
	LabelOutcome     TelemetryLabel = "outcome"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelStreamID    TelemetryLabel = "stream_id"
	LabelStreamMode  TelemetryLabel = "stream_mode"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With returns static labels extended by extra.
func With(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}

// SinkOrBlackhole returns ms, or a sink discarding everything when nil.
func SinkOrBlackhole(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return &metrics.BlackholeSink{}
	}
	return ms
}
