package ferry

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	// ErrUnavailable is returned when nothing is registered under the
	// requested fingerprint, or when there is no handle to acquire from.
	ErrUnavailable = errors.New("core: capability unavailable")

	// ErrUnimplemented matches every [UnimplementedError].
	ErrUnimplemented = errors.New("core: unimplemented")

	ErrInvalidCfg        = errors.New("fabric: invalid options")
	ErrJoinCluster       = errors.New("fabric: could not join cluster")
	ErrFabricClosed      = errors.New("fabric: closed")
	ErrFabricInvalidMeta = errors.New("fabric: invalid gossip state")

	ErrHostnameResolve   = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrHandshake         = errors.New("transport: handshake failed")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
)

// UnimplementedError tells a capability is explicitly not supported by
// the acquirer, as opposed to being absent.
type UnimplementedError struct {
	Feature string
}

func (err *UnimplementedError) Error() string {
	return fmt.Sprintf("core: unimplemented: %s", err.Feature)
}

func (err *UnimplementedError) Is(target error) bool {
	return target == ErrUnimplemented
}

// ConstructError wraps a failure to construct an acquired value from its
// raw channel.
type ConstructError struct {
	Cause error
}

func (err *ConstructError) Error() string {
	return fmt.Sprintf("core: construct: %s", err.Cause)
}

func (err *ConstructError) Unwrap() error {
	return err.Cause
}

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamShutdown          = quic.StreamErrorCode(0x1)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
