package ferry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/ferry/pkg/telemetry"
)

// gossip plugs the capability directory into memberlist: full states are
// exchanged on push/pull, local changes are broadcast.
type gossip struct {
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	dir          *capDirectory
	broadcasts   *memberlist.TransmitLimitedQueue
}

var (
	_ memberlist.Delegate      = (*gossip)(nil)
	_ memberlist.EventDelegate = (*gossip)(nil)
)

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerName.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
	)
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	g.dir.setAddr(node.Name, node.Address())
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
	g.dir.forget(node.Name)
	g.gaugeCapabilities(node.Name)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
	g.dir.setAddr(node.Name, node.Address())
}

func (g *gossip) NodeMeta(limit int) []byte {
	return nil
}

func (g *gossip) NotifyMsg(buf []byte) {
	states, err := decodeStates(buf)
	if err != nil {
		g.logger.Warn("failed to decode a gossip message", telemetry.LabelError.L(err))
		return
	}
	g.merge(states)
}

func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return g.broadcasts.GetBroadcasts(overhead, limit)
}

func (g *gossip) LocalState(join bool) []byte {
	buf, err := encodeStates(g.dir.states()...)
	if err != nil {
		g.logger.Error("failed to encode the local state", telemetry.LabelError.L(err))
		return nil
	}
	return buf
}

func (g *gossip) MergeRemoteState(buf []byte, join bool) {
	states, err := decodeStates(buf)
	if err != nil {
		g.logger.Warn("failed to decode a remote state", telemetry.LabelError.L(err))
		return
	}
	g.merge(states)
}

func (g *gossip) merge(states []nodeState) {
	for _, st := range states {
		if g.dir.merge(st) {
			g.gaugeCapabilities(st.Node)
		}
	}
}

func (g *gossip) gaugeCapabilities(node string) {
	g.msink.SetGaugeWithLabels(
		telemetry.MetricPeerCapabilities,
		float32(g.dir.count(node)),
		telemetry.With(g.metricLabels, telemetry.LabelPeerName.M(node)),
	)
}

// advertise broadcasts a new state of the local node.
func (g *gossip) advertise(st nodeState) {
	buf, err := encodeStates(st)
	if err != nil {
		g.logger.Error("failed to encode the local state", telemetry.LabelError.L(err))
		return
	}
	g.broadcasts.QueueBroadcast(&stateBroadcast{node: st.Node, msg: buf})
}

// stateBroadcast carries a full state of node, superseding the previous
// ones.
type stateBroadcast struct {
	node string
	msg  []byte
}

var _ memberlist.NamedBroadcast = (*stateBroadcast)(nil)

func (b *stateBroadcast) Invalidates(other memberlist.Broadcast) bool {
	return false
}

func (b *stateBroadcast) Name() string {
	return b.node
}

func (b *stateBroadcast) Message() []byte {
	return b.msg
}

func (b *stateBroadcast) Finished() {}
