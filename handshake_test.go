package ferry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestOpenFrame(t *testing.T) {
	t.Run("acquisition carries fingerprint and format", func(t *testing.T) {
		var buf bytes.Buffer
		sent := openFrame{mode: modeAcquire, fingerprint: Fingerprint{0xde, 0xad}, format: "msgpack"}
		require.NoError(t, sent.encode(&buf))
		buf.WriteString("trailing representations")

		got, err := readOpenFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, sent, got)
		require.Equal(t, "trailing representations", buf.String(), "the open frame must not over-read")
	})

	t.Run("gossip ignores acquisition fields", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, openFrame{mode: modeGossip, format: "cbor"}.encode(&buf))

		got, err := readOpenFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, openFrame{mode: modeGossip}, got)
	})

	t.Run("unknown mode is a protocol violation", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, handshakeCodec.Encode(&buf, &structpb.Struct{Fields: map[string]*structpb.Value{
			"mode": structpb.NewStringValue("telepathy"),
		}}))

		_, err := readOpenFrame(&buf)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("invalid fingerprint is a protocol violation", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, handshakeCodec.Encode(&buf, &structpb.Struct{Fields: map[string]*structpb.Value{
			"mode":        structpb.NewStringValue(string(modeAcquire)),
			"fingerprint": structpb.NewStringValue("zz"),
		}}))

		_, err := readOpenFrame(&buf)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("garbage fails the handshake", func(t *testing.T) {
		_, err := readOpenFrame(bytes.NewReader([]byte{0x03, 0xff, 0xff, 0xff}))
		require.ErrorIs(t, err, ErrHandshake)
	})
}

func TestAnswerFrame(t *testing.T) {
	answer := func(t *testing.T, a answerFrame) error {
		t.Helper()
		var buf bytes.Buffer
		require.NoError(t, a.encode(&buf))
		got, err := readAnswerFrame(&buf)
		require.NoError(t, err)
		return got.err()
	}

	require.NoError(t, answer(t, answerFrame{status: statusOk}))
	require.ErrorIs(t, answer(t, answerFrame{status: statusUnavailable}), ErrUnavailable)

	err := answer(t, answerFrame{status: statusUnimplemented, feature: "format yaml"})
	require.ErrorIs(t, err, ErrUnimplemented)
	require.Contains(t, err.Error(), "format yaml")

	err = answer(t, answerFrame{status: statusFailed, feature: "factory exploded"})
	require.ErrorIs(t, err, ErrHandshake)
	require.Contains(t, err.Error(), "factory exploded")
}
