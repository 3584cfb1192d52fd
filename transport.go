package ferry

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/ferry/pkg/telemetry"
)

const defaultUDPBufferSize int = 1 << 21

// TransportConfig represents configuration of the fabric transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer. We divide it by 2
	// until the kernel accepts it.
	BufferSize int

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the transport listens.
	BindAddr string
	BindPort int

	// HintMaxFlows gives an indication of how many streams a peer may open
	// concurrently.
	HintMaxFlows int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for connection and
	// stream establishment.
	DialTimeout time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport carries both the memberlist protocol and acquisitions over a
// single QUIC endpoint. Gossip packets are sent as datagrams, gossip and
// acquisition streams are QUIC streams starting with an open frame.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	acquireCh  chan *acquireStream
	addrToHost map[netip.AddrPort]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

var _ memberlist.NodeAwareTransport = (*Transport)(nil)

type hostCx struct {
	// closeCh is closed to close the streams of the connection.
	closeCh chan struct{}
	quic.Connection
}

// acquireStream is an inbound stream asking for a capability.
type acquireStream struct {
	quic.Stream
	open openFrame
	peer Host
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:        cfg,
		shutdownCh: make(chan struct{}),
		acquireCh:  make(chan *acquireStream),
		addrToHost: make(map[netip.AddrPort]unique.Handle[Hostname]),
		hostsInfo:  make(map[unique.Handle[Hostname]]Host),
		hostsCxs:   make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.msink = telemetry.SinkOrBlackhole(cfg.MetricSink)
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		if cfg.BindAddr != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, cfg.BindAddr)
		}
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	t.negociateBufferSize(requested)

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(cfg.TlsConfig, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

func (t *Transport) quicConfig() *quic.Config {
	hintFlow := t.cfg.HintMaxFlows
	if hintFlow == 0 {
		hintFlow = 10000
	}
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		// TODO(raskyld): accept 0-RTT once acquisitions are idempotent.
		Allow0RTT:             false,
		MaxIncomingStreams:    hintFlow,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// LocalAddr is the address the transport listens on.
func (t *Transport) LocalAddr() netip.AddrPort {
	return addrPortOf(t.udpLn.LocalAddr())
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	if ip != "" {
		advertiseAddr := net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
		if ip4 := advertiseAddr.To4(); ip4 != nil {
			advertiseAddr = ip4
		}
		return advertiseAddr, port, nil
	}

	local := t.udpLn.LocalAddr().(*net.UDPAddr)
	advertiseAddr := local.IP
	if advertiseAddr.IsUnspecified() {
		private, err := sockaddr.GetPrivateIP()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: no private IP to advertise: %w", ErrInvalidAddr, err)
		}
		if private == "" {
			return nil, 0, fmt.Errorf("%w: no private IP to advertise", ErrInvalidAddr)
		}
		advertiseAddr = net.ParseIP(private)
	}
	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, local.Port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	labels := telemetry.With(t.cfg.MetricLabels, labelsForAddr(addr)...)

	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(telemetry.MetricDatagramOutErrorCount, 1.0,
			telemetry.With(labels, telemetry.LabelError.M("no_conn_to_host")))
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(telemetry.MetricDatagramOutBytes, float32(len(b)), labels)
	} else {
		t.msink.IncrCounterWithLabels(telemetry.MetricDatagramOutErrorCount, 1.0,
			telemetry.With(labels, telemetry.LabelError.M("send")))
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stream, hcx, err := t.openStream(ctx, addr, openFrame{mode: modeGossip})
	if err != nil {
		return nil, err
	}
	return &streamConn{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// openAcquire asks the peer at addr for the capability fp, encoded with
// the format named formatName. The stream is ready to carry
// representations once returned.
func (t *Transport) openAcquire(ctx context.Context, addr string, fp Fingerprint, formatName string) (quic.Stream, error) {
	stream, _, err := t.openStream(ctx, memberlist.Address{Addr: addr}, openFrame{
		mode:        modeAcquire,
		fingerprint: fp,
		format:      formatName,
	})
	if err != nil {
		return nil, err
	}

	answer, err := readAnswerFrame(stream)
	if err == nil {
		err = answer.err()
	}
	if err != nil {
		stream.CancelRead(QErrStreamShutdown)
		_ = stream.Close()
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})
	return stream, nil
}

// openStream opens a stream to addr and sends open on it. The read
// deadline of the stream is set to the deadline of ctx, or the dial timeout.
func (t *Transport) openStream(ctx context.Context, addr memberlist.Address, open openFrame) (quic.Stream, hostCx, error) {
	labels := telemetry.With(t.cfg.MetricLabels, labelsForAddr(addr)...)
	labels = append(labels, telemetry.LabelStreamMode.M(string(open.mode)))
	fail := func(reason string, err error) (quic.Stream, hostCx, error) {
		t.msink.IncrCounterWithLabels(telemetry.MetricStreamEstOutErrorCount, 1.0,
			telemetry.With(labels, telemetry.LabelError.M(reason)))
		return nil, hostCx{}, err
	}

	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return fail("no_conn_to_host", err)
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		return fail("cannot_open_stream", err)
	}
	go closeOn(stream, hcx.closeCh)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.cfg.DialTimeout)
	}
	_ = stream.SetReadDeadline(deadline)

	if err := open.encode(stream); err != nil {
		stream.CancelRead(QErrStreamShutdown)
		_ = stream.Close()
		return fail("cannot_send_open_frame", fmt.Errorf("%w: %w", ErrHandshake, err))
	}

	t.msink.IncrCounterWithLabels(telemetry.MetricStreamEstOutCount, 1.0, labels)
	return stream, hcx, nil
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.shutdownCh)

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.hostsCxs = make(map[unique.Handle[Hostname]][]hostCx)
	t.hostsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *Transport) negociateBufferSize(requested int) {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			telemetry.MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return
	}
	t.logger.Warn("could not set the UDP buffer size, using the system default")
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		if _, err := t.handleConn(conn); err != nil {
			t.logger.Debug("refused inbound connection", telemetry.LabelError.L(err))
		}
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx, host Host) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With("remote", &host)
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerName.M(string(host.Name.Value())))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if err != nil {
			if ctx.Err() == nil && !t.gracefulTerm.Load() {
				t.msink.IncrCounterWithLabels(telemetry.MetricDatagramInErrorCount, 1.0,
					telemetry.With(mLabels, telemetry.LabelError.M("unknown")))
				logger.Error("error reading datagram", telemetry.LabelError.L(err))
			}
			return
		}

		if len(buf) < 1 {
			t.msink.IncrCounterWithLabels(telemetry.MetricDatagramInErrorCount, 1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("too_small")))
			logger.Error("received an empty datagram")
			continue
		}

		t.msink.IncrCounterWithLabels(telemetry.MetricDatagramInBytes, float32(len(buf)), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.shutdownCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx, host Host) {
	defer t.wg.Done()
	ctx := hcx.Context()
	logger := t.logger.With("remote", &host)

	for {
		stream, err := hcx.AcceptStream(ctx)
		if err != nil {
			if !t.gracefulTerm.Load() {
				logger.Debug("connection closed", telemetry.LabelError.L(err))
			}
			return
		}

		t.wg.Add(1)
		go t.handleStream(hcx, host, stream)
	}
}

func (t *Transport) handleStream(hcx hostCx, host Host, stream quic.Stream) {
	defer t.wg.Done()
	logger := t.logger.With("remote", &host, telemetry.LabelStreamID.L(int64(stream.StreamID())))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerName.M(string(host.Name.Value())))
	go closeOn(stream, hcx.closeCh)

	_ = stream.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	open, err := readOpenFrame(stream)
	if err != nil {
		logger.Warn("protocol violation: invalid open frame", telemetry.LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(telemetry.MetricStreamEstInErrorCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("protocol_violation")))
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	mLabels = append(mLabels, telemetry.LabelStreamMode.M(string(open.mode)))
	t.msink.IncrCounterWithLabels(telemetry.MetricStreamEstInCount, 1.0, mLabels)
	logger.Debug("accepted a stream", telemetry.LabelStreamMode.L(open.mode))

	var deliver chan<- *acquireStream
	var gossip chan<- net.Conn
	switch open.mode {
	case modeGossip:
		gossip = t.streamCh
	case modeAcquire:
		deliver = t.acquireCh
	}

	select {
	case gossip <- &streamConn{
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}:
	case deliver <- &acquireStream{Stream: stream, open: open, peer: host}:
	case <-t.shutdownCh:
		stream.CancelRead(QErrStreamShutdown)
		stream.CancelWrite(QErrStreamShutdown)
	}
}

func (t *Transport) getActiveCx(ctx context.Context, target memberlist.Address) (hostCx, error) {
	t.hostsLock.RLock()
	if target.Name != "" {
		if cx, ok := t.firstActiveCx(unique.Make(Hostname(target.Name))); ok {
			t.hostsLock.RUnlock()
			return cx, nil
		}
	}
	if ap, err := netip.ParseAddrPort(target.Addr); err == nil {
		if dest, ok := t.addrToHost[ap]; ok {
			if cx, ok := t.firstActiveCx(dest); ok {
				t.hostsLock.RUnlock()
				return cx, nil
			}
		}
	}
	t.hostsLock.RUnlock()

	return t.dial(ctx, target.Addr)
}

func (t *Transport) dial(ctx context.Context, target string) (hostCx, error) {
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, t.quicConfig())
	if err != nil {
		t.msink.IncrCounterWithLabels(telemetry.MetricConnErrorCount, 1.0,
			telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(target), telemetry.LabelError.M("dial")))
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) []hostCx {
	cxs := t.hostsCxs[dest]
	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}
	return cleanedUpList
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	for _, cx := range t.hostsCxs[dest] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := addrPortOf(conn.RemoteAddr())
	logger := t.logger.With(telemetry.LabelPeerAddr.L(peer.String()))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer.String()))

	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	rsvHostname, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", telemetry.LabelError.L(err))
		t.msink.IncrCounterWithLabels(telemetry.MetricConnErrorCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("name_resolution")))
		if uerr == "" {
			uerr = "unexpected error during hostname resolution"
		}
		QErrHostname.Close(conn, uerr)
		return hostCx{}, ErrHostnameResolve
	}

	name := unique.Make(rsvHostname)
	host := Host{Name: name, Addr: peer}
	hcx := hostCx{
		closeCh:    make(chan struct{}),
		Connection: conn,
	}

	t.hostsLock.Lock()
	if t.gracefulTerm.Load() {
		t.hostsLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}

	if current, ok := t.addrToHost[peer]; ok && current != name {
		logger.Warn("a peer changed its name, updating",
			"old", current.Value(),
			"new", rsvHostname,
		)
		t.msink.IncrCounterWithLabels(telemetry.MetricHostNameChanges, 1.0, mLabels)
	} else if !ok {
		logger.Info("new peer discovered", "hostname", rsvHostname)
	}
	t.addrToHost[peer] = name

	if info, ok := t.hostsInfo[name]; ok && info.Addr != peer {
		logger.Warn("a node has been migrated or there is a name conflict in the cluster",
			"old_addr", info.Addr.String(),
		)
	}
	t.hostsInfo[name] = host
	t.hostsCxs[name] = append(t.garbageCollectCxs(name), hcx)

	t.wg.Add(2)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(telemetry.MetricConnEstCount, 1.0,
		telemetry.With(mLabels, telemetry.LabelPeerName.M(string(rsvHostname))))

	// NB: it's ok to pass by value, the struct is just two cheap pointers.
	go t.waitForDatagrams(hcx, host)
	go t.handleStreams(hcx, host)
	return hcx, nil
}

func labelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{telemetry.LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, telemetry.LabelPeerName.M(addr.Name))
	}
	return labels
}
