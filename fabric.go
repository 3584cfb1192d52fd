package ferry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/ferry/pkg/channel"
	"github.com/raskyld/ferry/pkg/flow"
	"github.com/raskyld/ferry/pkg/format"
	"github.com/raskyld/ferry/pkg/telemetry"
)

// Fabric exposes a [Core] to a cluster of peers, and acquires the
// capabilities they expose.
//
// Peers find each other with memberlist and learn which capabilities each
// of them registered. All the traffic goes through one mTLS QUIC endpoint.
type Fabric struct {
	config *config
	logger *slog.Logger
	core   *Core

	// gossip
	ml     atomic.Pointer[memberlist.Memberlist]
	gossip *gossip
	dir    *capDirectory

	// transport
	tr            *Transport
	localAddr     string
	localNodeName string

	// synchronisation
	lk         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup

	// lifetime of the values produced for peers
	ctx    context.Context
	cancel context.CancelFunc
}

// Member is a peer of the cluster, as currently known.
type Member struct {
	Name         string
	Addr         string
	Capabilities int
}

// Create starts serving core on the network. [WithTlsConfig] is required.
func Create(core *Core, opts ...Option) (*Fabric, error) {
	cfg := newConfig()
	if err := cfg.apply(opts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if cfg.trCfg.TlsConfig == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoTLSConfig)
	}

	fb := &Fabric{
		config:     cfg,
		logger:     slog.New(cfg.logHandler),
		core:       core,
		shutdownCh: make(chan struct{}),
	}
	fb.ctx, fb.cancel = context.WithCancel(context.Background())
	cfg.mlCfg.Logger = slog.NewLogLogger(cfg.logHandler, slog.LevelDebug)

	// Initiate the transport layer.
	tr, err := NewTransport(&cfg.trCfg)
	if err != nil {
		fb.cancel()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	fb.tr = tr

	// Make memberlist use our transport and gossip our capabilities.
	fb.localNodeName = cfg.mlCfg.Name
	fb.dir = newCapDirectory(fb.logger, fb.localNodeName)
	fb.gossip = &gossip{
		logger:       fb.logger,
		msink:        cfg.msink,
		metricLabels: cfg.metricLabels,
		dir:          fb.dir,
		broadcasts: &memberlist.TransmitLimitedQueue{
			NumNodes: func() int {
				if ml := fb.ml.Load(); ml != nil {
					return ml.NumMembers()
				}
				return 1
			},
			RetransmitMult: cfg.mlCfg.RetransmitMult,
		},
	}
	cfg.mlCfg.Transport = tr
	cfg.mlCfg.Delegate = fb.gossip
	cfg.mlCfg.Events = fb.gossip

	ml, err := memberlist.Create(cfg.mlCfg)
	if err != nil {
		fb.cancel()
		tr.Shutdown()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	fb.ml.Store(ml)
	fb.localAddr = ml.LocalNode().Address()

	fb.wg.Add(1)
	go fb.handleAcquisitions()

	core.watch(func(Capability) {
		fb.advertise()
	})
	fb.advertise()

	fb.logger.Info("fabric started",
		telemetry.LabelPeerName.L(fb.localNodeName),
		telemetry.LabelPeerAddr.L(fb.localAddr),
	)
	return fb, nil
}

// LocalAddr is the address other peers reach this fabric at.
func (fb *Fabric) LocalAddr() string {
	return fb.localAddr
}

// Core returns the core served by the fabric.
func (fb *Fabric) Core() *Core {
	return fb.core
}

func (fb *Fabric) advertise() {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.shutdown {
		return
	}
	fb.gossip.advertise(fb.dir.setLocal(fb.localAddr, fb.core.Capabilities()))
}

// JoinCluster contacts the neighbours given with [WithNeighbours].
func (fb *Fabric) JoinCluster() error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.shutdown {
		return ErrFabricClosed
	}
	if len(fb.config.neighbours) == 0 {
		return nil
	}

	joined, err := fb.ml.Load().Join(fb.config.neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	fb.logger.Info("cluster joined")
	if len(fb.config.neighbours) != joined {
		fb.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(fb.config.neighbours),
		)
	}
	return nil
}

// Members lists the alive peers, including ourselves.
func (fb *Fabric) Members() []Member {
	nodes := fb.ml.Load().Members()
	members := make([]Member, 0, len(nodes))
	for _, node := range nodes {
		caps := fb.dir.count(node.Name)
		members = append(members, Member{
			Name:         node.Name,
			Addr:         node.Address(),
			Capabilities: caps,
		})
	}
	return members
}

// Handle returns a handle acquiring from the local core first, then
// from any peer advertising the capability.
func (fb *Fabric) Handle() Handle {
	return NewHandle(clusterAcquirer{fb: fb}, fb.config.format, fb.config.formatOptions()...)
}

// Dial returns a handle acquiring from the peer listening on addr.
func (fb *Fabric) Dial(addr string) Handle {
	return NewHandle(peerAcquirer{fb: fb, addr: addr}, fb.config.format, fb.config.formatOptions()...)
}

type clusterAcquirer struct {
	fb *Fabric
}

func (a clusterAcquirer) Acquire(ctx context.Context, fp Fingerprint) (flow.Raw, error) {
	if a.fb.core.Has(fp) {
		local, remote := flow.NewPipe(a.fb.config.bufferSize)
		if _, err := a.fb.core.Serve(ctx, fp, a.fb.config.format, local); err != nil {
			_ = local.Close()
			_ = remote.Close()
			return flow.Raw{}, err
		}
		return remote, nil
	}

	err := ErrUnavailable
	for _, addr := range a.fb.dir.resolve(fp) {
		var raw flow.Raw
		raw, err = a.fb.acquireFrom(ctx, addr, fp)
		if err == nil {
			return raw, nil
		}
		a.fb.logger.Debug("peer could not serve capability",
			telemetry.LabelPeerAddr.L(addr),
			telemetry.LabelFingerprint.L(fp.String()),
			telemetry.LabelError.L(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return flow.Raw{}, err
}

type peerAcquirer struct {
	fb   *Fabric
	addr string
}

func (a peerAcquirer) Acquire(ctx context.Context, fp Fingerprint) (flow.Raw, error) {
	return a.fb.acquireFrom(ctx, a.addr, fp)
}

func (fb *Fabric) acquireFrom(ctx context.Context, addr string, fp Fingerprint) (flow.Raw, error) {
	select {
	case <-fb.shutdownCh:
		return flow.Raw{}, ErrFabricClosed
	default:
	}

	stream, err := fb.tr.openAcquire(ctx, addr, fp, fb.config.format.Name())
	if err != nil {
		return flow.Raw{}, err
	}
	return flow.NewStream(stream), nil
}

func (fb *Fabric) handleAcquisitions() {
	defer fb.wg.Done()
	for {
		var as *acquireStream
		select {
		case as = <-fb.tr.acquireCh:
		case <-fb.shutdownCh:
			fb.logger.Info("shutdown: stop accepting inbound acquisitions")
			return
		}

		fb.wg.Add(1)
		go fb.serveStream(as)
	}
}

func (fb *Fabric) serveStream(as *acquireStream) {
	defer fb.wg.Done()
	logger := fb.logger.With(
		"remote", &as.peer,
		telemetry.LabelFingerprint.L(as.open.fingerprint.String()),
		telemetry.LabelFormat.L(as.open.format),
	)

	answer := answerFrame{status: statusOk}
	f, ok := format.Lookup(as.open.format)
	var d channel.Deconstructor
	if !ok {
		answer = answerFrame{status: statusUnimplemented, feature: "format " + as.open.format}
	} else {
		var err error
		d, err = fb.core.produce(fb.ctx, as.open.fingerprint, f)
		switch {
		case errors.Is(err, ErrUnavailable):
			answer = answerFrame{status: statusUnavailable}
		case err != nil:
			answer = answerFrame{status: statusFailed, feature: err.Error()}
		}
	}

	if err := answer.encode(as.Stream); err != nil {
		logger.Warn("failed to answer an acquisition", telemetry.LabelError.L(err))
		as.CancelRead(QErrStreamShutdown)
		as.CancelWrite(QErrStreamShutdown)
		return
	}
	if answer.status != statusOk {
		logger.Debug("refused an acquisition", "status", answer.status)
		as.CancelRead(QErrStreamShutdown)
		_ = as.Close()
		return
	}

	link, err := fb.core.encode(as.open.fingerprint, d, f, flow.NewStream(as.Stream))
	if err != nil {
		logger.Warn("failed to serve an acquisition", telemetry.LabelError.L(err))
		return
	}
	select {
	case <-link.Done():
	case <-fb.shutdownCh:
		_ = link.Close()
	}
}

// Shutdown leaves the cluster and releases every resource. Acquired
// values relying on the fabric stop working.
func (fb *Fabric) Shutdown() error {
	fb.lk.Lock()
	if fb.shutdown {
		fb.lk.Unlock()
		return nil
	}
	fb.shutdown = true
	close(fb.shutdownCh)
	fb.cancel()
	fb.lk.Unlock()

	start := time.Now()
	fb.logger.Info("shutting down...")

	ml := fb.ml.Load()
	fb.logger.Info("shutdown: leave cluster")
	if err := ml.Leave(5 * time.Second); err != nil {
		fb.logger.Warn("failed to leave the cluster gracefully", telemetry.LabelError.L(err))
	}

	fb.logger.Info("shutdown: release gossip and transport resources")
	err := ml.Shutdown()
	fb.tr.Shutdown()

	fb.logger.Info("shutdown: wait for sub-tasks to finish")
	fb.wg.Wait()

	fb.logger.Info("shutdown: completed", "duration", time.Since(start))
	return err
}
