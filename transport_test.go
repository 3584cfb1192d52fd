package ferry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestNewTransport(t *testing.T) {
	pki := newTestPKI(t)

	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	node2Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)

	ts1, err := NewTransport(&TransportConfig{
		TlsConfig:  pki.tlsConfig(t, "node1"),
		BindAddr:   "127.0.0.1",
		BindPort:   6021,
		MetricSink: node1Metrics,
		LogHandler: testLogHandler("node1"),
	})
	if err != nil {
		t.Fatalf("failed to start node1: %s", err)
		return
	}

	ts2, err := NewTransport(&TransportConfig{
		TlsConfig:  pki.tlsConfig(t, "node2"),
		BindAddr:   "127.0.0.1",
		BindPort:   6022,
		MetricSink: node2Metrics,
		LogHandler: testLogHandler("node2"),
	})
	if err != nil {
		t.Fatalf("failed to start node2: %s", err)
		return
	}

	t.Run("write datagram from n1 to n2", func(t *testing.T) {
		_, err = ts1.WriteTo([]byte("hello"), "127.0.0.1:6022")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case packet := <-ts2.PacketCh():
			t.Logf("received %s from peer %s", packet.Buf, packet.From)
			require.Equal(t, "hello", string(packet.Buf), "unexpected packet data")
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("open stream from n2 to n1", func(t *testing.T) {
		ts := time.Now()
		conn, err := ts2.DialTimeout("127.0.0.1:6021", 1*time.Minute)
		ts2 := time.Now()
		require.NoError(t, err)
		t.Logf("dialing took %s", ts2.Sub(ts).String())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case stream := <-ts1.StreamCh():
			t.Logf("stream found from n1")
			conn.Write([]byte("a"))
			conn.Write([]byte("b"))
			conn.Write([]byte("c"))

			var n int
			var hasAppended bool
			buf := make([]byte, 1500)
			require.Eventually(t, func() bool {
				m, err := readStreamSkipEmpty(t, ctx, stream, buf[n:])
				n = m + n
				if !hasAppended {
					conn.Write([]byte("d"))
					hasAppended = true
				}
				current := string(buf[:n])
				t.Logf("currently the buffer contains: %s", current)
				return err == nil && current == "abcd"
			}, 2*time.Second, 100*time.Millisecond)
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("acquisition stream is answered before use", func(t *testing.T) {
		fp := Fingerprint{1, 2, 3}
		go func() {
			select {
			case as := <-ts1.acquireCh:
				if as.open.fingerprint != fp || as.open.format != "cbor" || as.peer.Name.Value() != "node2" {
					_ = answerFrame{status: statusFailed, feature: "unexpected open frame"}.encode(as.Stream)
				} else {
					_ = answerFrame{status: statusUnimplemented, feature: "testing"}.encode(as.Stream)
				}
				_ = as.Close()
			case <-time.After(10 * time.Second):
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := ts2.openAcquire(ctx, "127.0.0.1:6021", fp, "cbor")
		var unimpl *UnimplementedError
		require.ErrorAs(t, err, &unimpl)
		require.Equal(t, "testing", unimpl.Feature)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		ts1.Shutdown()
		wg.Done()
	}()
	go func() {
		ts2.Shutdown()
		wg.Done()
	}()
	wg.Wait()

	t.Run("shutdown transport refuses to write", func(t *testing.T) {
		_, err := ts1.WriteTo([]byte("too late"), "127.0.0.1:6022")
		require.Error(t, err)
	})
}

func TestNewTransportWithoutTLS(t *testing.T) {
	_, err := NewTransport(&TransportConfig{BindAddr: "127.0.0.1", BindPort: 6023})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func readStreamSkipEmpty(t *testing.T, ctx context.Context, stream net.Conn, buf []byte) (int, error) {
	var n int
	var err error
	dl, ok := ctx.Deadline()
	if ok {
		stream.SetReadDeadline(dl)
	}

	for {
		n, err = stream.Read(buf)
		if err != nil {
			return 0, err
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if n > 0 {
			return n, nil
		} else {
			t.Log("received an empty frame from the stream")
		}
	}
}
