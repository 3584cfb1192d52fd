package ferry

import (
	"net"

	"github.com/quic-go/quic-go"
)

// streamConn presents a QUIC stream as a [net.Conn] for memberlist.
type streamConn struct {
	localAddr  net.Addr
	remoteAddr net.Addr

	// quic-go synchronises Read, Write and Close on a stream.
	quic.Stream
}

var _ net.Conn = (*streamConn)(nil)

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.localAddr
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.remoteAddr
}

// closeOn closes the stream once closer is closed, unless it ended before.
func closeOn(stream quic.Stream, closer <-chan struct{}) {
	select {
	case <-stream.Context().Done():
	case <-closer:
		stream.CancelRead(QErrStreamShutdown)
		_ = stream.Close()
	}
}
