package flow_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/raskyld/ferry/pkg/flow"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipe(t *testing.T) {
	ctx := testCtx(t)
	a, b := flow.NewPipe(4)
	codec := flow.NewBytesCodec(true)

	sender := flow.NewSender[[]byte](a.RawSender, codec, 4)
	receiver := flow.NewReceiver[[]byte](b.RawReceiver, codec, 4)

	t.Run("messages arrive in order", func(t *testing.T) {
		for _, msg := range []string{"a", "b", "c"} {
			require.NoError(t, sender.Send(ctx, []byte(msg)))
		}
		for _, want := range []string{"a", "b", "c"} {
			got, err := receiver.Recv(ctx)
			require.NoError(t, err)
			require.Equal(t, want, string(got))
		}
	})

	t.Run("local copies are not shared", func(t *testing.T) {
		buf := []byte("hello")
		require.NoError(t, sender.Send(ctx, buf))
		got, err := receiver.Recv(ctx)
		require.NoError(t, err)
		buf[0] = 'j'
		require.Equal(t, "hello", string(got))
	})

	t.Run("closing the sender ends the receiver", func(t *testing.T) {
		require.NoError(t, sender.Close())
		_, err := receiver.Recv(ctx)
		require.ErrorIs(t, err, flow.ErrFlowClosed)
		require.ErrorIs(t, sender.Send(ctx, []byte("late")), flow.ErrFlowClosed)
	})

	require.NoError(t, receiver.Close())
}

func TestReceiverDrainsAfterClose(t *testing.T) {
	ctx := testCtx(t)
	a, b := flow.NewPipe(4)
	codec := flow.NewBytesCodec(false)

	for _, msg := range []string{"1", "2", "3"} {
		require.NoError(t, a.RawSender.Send(codec, []byte(msg)))
	}
	require.NoError(t, a.RawSender.Close())

	receiver := flow.NewReceiver[[]byte](b.RawReceiver, codec, 1)
	for _, want := range []string{"1", "2", "3"} {
		got, err := receiver.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
	_, err := receiver.Recv(ctx)
	require.ErrorIs(t, err, flow.ErrFlowClosed)
}

func TestBytesCodecOverConn(t *testing.T) {
	ctx := testCtx(t)
	c1, c2 := net.Pipe()
	codec := flow.NewBytesCodec(false)

	sender := flow.NewSender[[]byte](flow.NewConn(c1), codec, 2)
	receiver := flow.NewReceiver[[]byte](flow.NewConn(c2), codec, 2)

	large := bytes.Repeat([]byte{0xAB}, 70_000)
	require.NoError(t, sender.Send(ctx, []byte("small")))
	require.NoError(t, sender.Send(ctx, large))
	require.NoError(t, sender.Send(ctx, []byte{}))

	got, err := receiver.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "small", string(got))

	got, err = receiver.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, large, got)

	got, err = receiver.Recv(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, sender.Close())
	_, err = receiver.Recv(ctx)
	require.Error(t, err)
	require.NoError(t, receiver.Close())
}

func TestFrameTooLarge(t *testing.T) {
	codec := flow.NewBytesCodec(false)

	t.Run("encoding", func(t *testing.T) {
		err := codec.Encode(io.Discard, make([]byte, flow.MaxFrameSize+1))
		require.ErrorIs(t, err, flow.ErrFrameTooLarge)
	})

	t.Run("decoding", func(t *testing.T) {
		prefix := protowire.AppendVarint(nil, flow.MaxFrameSize+1)
		_, err := codec.Decode(bytes.NewReader(prefix))
		require.ErrorIs(t, err, flow.ErrFrameTooLarge)
	})

	t.Run("truncated frame", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, codec.Encode(&buf, []byte("truncated")))
		_, err := codec.Decode(bytes.NewReader(buf.Bytes()[:4]))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("wrong type", func(t *testing.T) {
		err := codec.Encode(io.Discard, "not bytes")
		require.ErrorIs(t, err, flow.ErrUnexpectedType)
	})
}
