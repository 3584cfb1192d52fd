package flow

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// QErrReceiverClosed is the code used to abort the read side of a QUIC
// stream when a [RemoteReceiver] is closed.
const QErrReceiverClosed = quic.StreamErrorCode(0xC)

// IsClosed reports whether err means a flow was closed, by either end,
// rather than broken.
func IsClosed(err error) bool {
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.ErrorCode == QErrReceiverClosed
	}
	return errors.Is(err, ErrFlowClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

type RemoteSender struct {
	quic.SendStream
}

var _ RawSender = RemoteSender{}

func (s RemoteSender) Send(enc Encoder, msg interface{}) error {
	return enc.Encode(s.SendStream, msg)
}

type RemoteReceiver struct {
	quic.ReceiveStream
}

var _ RawReceiver = RemoteReceiver{}

func (r RemoteReceiver) Recv(dec Decoder) (interface{}, error) {
	return dec.Decode(r.ReceiveStream)
}

func (r RemoteReceiver) Close() error {
	r.CancelRead(QErrReceiverClosed)
	return nil
}

// NewStream wraps both directions of a QUIC stream.
func NewStream(stream quic.Stream) Raw {
	return Raw{
		RawReceiver: RemoteReceiver{ReceiveStream: stream},
		RawSender:   RemoteSender{SendStream: stream},
	}
}

// ConnFlow adapts any ordered byte stream, such as a [net.Conn], into a
// [RawSender] and [RawReceiver]. Closing either side closes the stream.
type ConnFlow struct {
	conn  io.ReadWriteCloser
	once  sync.Once
	close error
}

var (
	_ RawSender   = (*ConnFlow)(nil)
	_ RawReceiver = (*ConnFlow)(nil)
)

func (c *ConnFlow) Send(enc Encoder, msg interface{}) error {
	return enc.Encode(c.conn, msg)
}

func (c *ConnFlow) Recv(dec Decoder) (interface{}, error) {
	return dec.Decode(c.conn)
}

func (c *ConnFlow) Close() error {
	c.once.Do(func() {
		c.close = c.conn.Close()
	})
	return c.close
}

// NewConn wraps conn as a [Raw] flow.
func NewConn(conn io.ReadWriteCloser) Raw {
	cf := &ConnFlow{conn: conn}
	return Raw{RawReceiver: cf, RawSender: cf}
}
