package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ferry/pkg/channel"
	"github.com/raskyld/ferry/pkg/flow"
	"github.com/raskyld/ferry/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// EncodeCause tells which stage of the encoding failed.
type EncodeCause uint8

const (
	CauseFormat EncodeCause = iota + 1
	CauseSink
)

func (c EncodeCause) String() string {
	switch c {
	case CauseFormat:
		return "format"
	case CauseSink:
		return "sink"
	default:
		return "unknown"
	}
}

// EncodeError reports a failure to serialize an item or to write it.
type EncodeError struct {
	Cause EncodeCause
	Err   error
}

func (err *EncodeError) Error() string {
	return fmt.Sprintf("format: encoding failed in %s: %s", err.Cause, err.Err)
}

func (err *EncodeError) Unwrap() error {
	return err.Err
}

// Link binds a session to a raw flow.
//
// Outbound items are serialized and queued on a [flow.Sender]. Inbound
// representations are deserialized against the session's
// [channel.Context]: an item addressed to a fork which is not registered
// yet waits, along with the later items of the same fork, until the fork
// is registered. Other forks keep flowing meanwhile.
//
// An origin link closes its sending side once the deconstruction
// finished and every item was written. A link stops when the peer closed
// its sending side and every item received was admitted, when the flow
// fails, or when it is closed. Stopping closes the session.
type Link struct {
	s      *channel.IdChannel
	f      Format
	logger *slog.Logger

	msink        metrics.MetricSink
	metricLabels []metrics.Label

	sender   *flow.Sender[[]byte]
	receiver *flow.Receiver[[]byte]

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Bind starts moving items between s and raw, using f.
func Bind(s *channel.IdChannel, f Format, raw flow.Raw, opts ...Option) *Link {
	cfg := newConfig(opts)
	codec := flow.NewBytesCodec(false)
	l := &Link{
		s:            s,
		f:            f,
		logger:       cfg.logger.With(telemetry.LabelFormat.L(f.Name()), telemetry.LabelRole.L(s.Role().String())),
		msink:        cfg.msink,
		metricLabels: telemetry.With(cfg.metricLabels, telemetry.LabelFormat.M(f.Name())),
		sender:       flow.NewSender[[]byte](raw.RawSender, codec, cfg.bufferSize),
		receiver:     flow.NewReceiver[[]byte](raw.RawReceiver, codec, cfg.bufferSize),
		done:         make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	inbound := make(chan []byte)
	g.Go(func() error { return l.encode(gctx) })
	g.Go(func() error { return l.receive(gctx, inbound) })
	g.Go(func() error { return l.admit(gctx, inbound) })
	go func() {
		l.teardown(g.Wait())
	}()

	return l
}

// Encode deconstructs d on a new origin session bound to raw.
func Encode(d channel.Deconstructor, raw flow.Raw, f Format, opts ...Option) (*Link, error) {
	s := channel.NewOrigin(newConfig(opts).sessionOptions()...)
	l := Bind(s, f, raw, opts...)
	if err := s.Start(d); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Decode constructs c from a new target session bound to raw. The link
// keeps running once Decode returned, for the constructed value may still
// use its forks, until raw ends or the link is closed.
func Decode(ctx context.Context, raw flow.Raw, f Format, c channel.Constructor, opts ...Option) (*Link, error) {
	s := channel.NewTarget(newConfig(opts).sessionOptions()...)
	l := Bind(s, f, raw, opts...)
	if err := s.Construct(ctx, c); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Session returns the session bound by the link.
func (l *Link) Session() *channel.IdChannel {
	return l.s
}

// Done is closed once the link stopped.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the link stopped and returns why, nil when the flow
// or the session was closed normally.
func (l *Link) Wait() error {
	<-l.done
	return l.err
}

// Err is like Wait without blocking: nil while the link still runs.
func (l *Link) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Close stops the link, closes its session and the raw flow. The peer
// link stops as well once it sees the flow end.
func (l *Link) Close() error {
	l.cancel()
	<-l.done
	return nil
}

func (l *Link) teardown(err error) {
	if isClean(err) {
		l.logger.Debug("link closed", telemetry.LabelError.L(err))
		l.s.CloseWithError(channel.ErrClosed)
		err = nil
	} else {
		l.logger.Warn("link failed", telemetry.LabelError.L(err))
		l.s.CloseWithError(err)
	}
	_ = l.sender.Close()
	_ = l.receiver.Close()
	l.err = err
	close(l.done)
}

func (l *Link) encode(ctx context.Context) error {
	for {
		item, err := l.s.Outbound(ctx)
		if errors.Is(err, io.EOF) {
			l.logger.Debug("nothing left to send, closing the flow")
			if err := l.sender.Close(); err != nil && !flow.IsClosed(err) {
				l.msink.IncrCounterWithLabels(telemetry.MetricEncodeErrorCount, 1, l.metricLabels)
				return &EncodeError{Cause: CauseSink, Err: err}
			}
			return nil
		}
		if err != nil {
			return err
		}
		data, err := l.f.Serialize(item)
		if err != nil {
			l.msink.IncrCounterWithLabels(telemetry.MetricEncodeErrorCount, 1, l.metricLabels)
			return &EncodeError{Cause: CauseFormat, Err: err}
		}
		if err := l.sender.Send(ctx, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if flow.IsClosed(err) {
				// The peer went away.
				return err
			}
			l.msink.IncrCounterWithLabels(telemetry.MetricEncodeErrorCount, 1, l.metricLabels)
			return &EncodeError{Cause: CauseSink, Err: err}
		}
		l.msink.IncrCounterWithLabels(telemetry.MetricEncodeOutBytes, float32(len(data)), l.metricLabels)
	}
}

// receive closes inbound once the peer closed its sending side.
func (l *Link) receive(ctx context.Context, inbound chan<- []byte) error {
	for {
		data, err := l.receiver.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && flow.IsClosed(err) {
				close(inbound)
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inbound <- data:
		}
	}
}

// admission holds representations waiting for their fork, per fork, in
// arrival order.
type admission struct {
	l       *Link
	types   *channel.Context
	pending map[channel.ForkHandle][][]byte
	wake    chan channel.ForkHandle
}

func (l *Link) admit(ctx context.Context, inbound <-chan []byte) error {
	a := &admission{
		l:       l,
		types:   l.s.Context(),
		pending: make(map[channel.ForkHandle][][]byte),
		wake:    make(chan channel.ForkHandle),
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-inbound:
			if !ok {
				inbound = nil
				break
			}
			if err := a.offer(ctx, data); err != nil {
				return err
			}
		case h := <-a.wake:
			queued := a.pending[h]
			delete(a.pending, h)
			for _, data := range queued {
				if err := a.offer(ctx, data); err != nil {
					return err
				}
			}
		}

		// Items of forks not constructed yet keep the link open.
		if inbound == nil && len(a.pending) == 0 {
			l.logger.Debug("peer finished")
			return io.EOF
		}
	}
}

func (a *admission) offer(ctx context.Context, data []byte) error {
	out := a.l.f.Deserialize(data, a.types)
	switch out.State {
	case StateFailed:
		a.l.msink.IncrCounterWithLabels(telemetry.MetricDecodeErrorCount, 1, a.l.metricLabels)
		return out.Err
	case StatePending:
		a.suspend(ctx, out.Handle, data)
		return nil
	default:
		h := out.Item.Channel
		if _, waiting := a.pending[h]; waiting || !a.types.Predicate(out.Item) {
			a.suspend(ctx, h, data)
			return nil
		}
		return a.l.s.Deliver(out.Item)
	}
}

func (a *admission) suspend(ctx context.Context, h channel.ForkHandle, data []byte) {
	queued, waiting := a.pending[h]
	a.pending[h] = append(queued, data)
	if waiting {
		return
	}

	a.l.msink.IncrCounterWithLabels(telemetry.MetricDecodePendingCount, 1, a.l.metricLabels)
	go func() {
		if err := a.types.WaitFor(ctx, h); err != nil {
			return
		}
		select {
		case <-ctx.Done():
		case a.wake <- h:
		}
	}()
}

func isClean(err error) bool {
	return err == nil ||
		errors.Is(err, channel.ErrClosed) ||
		flow.IsClosed(err) ||
		errors.Is(err, context.Canceled)
}
