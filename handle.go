package ferry

import (
	"context"
	"io"

	"github.com/raskyld/ferry/pkg/flow"
	"github.com/raskyld/ferry/pkg/format"
	"github.com/raskyld/ferry/pkg/kind"
)

// Acquirer opens the raw channel of a capability, wherever it lives.
type Acquirer interface {
	Acquire(ctx context.Context, fp Fingerprint) (flow.Raw, error)
}

var (
	_ Acquirer = (*Core)(nil)
	_ Acquirer = Handle{}
)

// Handle acquires capabilities through an [Acquirer] and constructs them
// with a format. The zero Handle has nothing to acquire from and answers
// [ErrUnavailable].
type Handle struct {
	acquirer Acquirer
	format   format.Format
	opts     []format.Option
}

// NewHandle returns a handle constructing what a acquires with f.
func NewHandle(a Acquirer, f format.Format, opts ...format.Option) Handle {
	if f == nil {
		f = format.Cbor
	}
	return Handle{acquirer: a, format: f, opts: opts}
}

// Format returns the format the handle constructs with.
func (h Handle) Format() format.Format {
	if h.format == nil {
		return format.Cbor
	}
	return h.format
}

// Acquire opens the raw channel of the capability identified by fp.
func (h Handle) Acquire(ctx context.Context, fp Fingerprint) (flow.Raw, error) {
	if h.acquirer == nil {
		return flow.Raw{}, ErrUnavailable
	}
	return h.acquirer.Acquire(ctx, fp)
}

// Acquire constructs the capability of kind k reachable through h.
//
// The value stays bound to its channel after Acquire returned, so that
// remote functions and streams keep working. The returned closer releases
// the channel, after which such values fail. A value which never uses its
// channel once constructed, like a primitive, releases it on its own when
// the peer finished sending it; closing is still allowed.
func Acquire[T any](ctx context.Context, h Handle, k kind.Kind[T]) (T, io.Closer, error) {
	var zero T
	raw, err := h.Acquire(ctx, kind.FingerprintOf(k))
	if err != nil {
		return zero, nil, err
	}

	c := kind.Constructor(k)
	link, err := format.Decode(ctx, raw, h.Format(), c, h.opts...)
	if err != nil {
		return zero, nil, &ConstructError{Cause: err}
	}
	return c.Value, link, nil
}

// Unsupported returns an [Acquirer] answering [UnimplementedError] for
// feature, whatever is asked.
func Unsupported(feature string) Acquirer {
	return unsupported(feature)
}

type unsupported string

func (u unsupported) Acquire(context.Context, Fingerprint) (flow.Raw, error) {
	return flow.Raw{}, &UnimplementedError{Feature: string(u)}
}
