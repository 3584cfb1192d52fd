package ferry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/raskyld/ferry/pkg/channel"
	"github.com/raskyld/ferry/pkg/flow"
	"github.com/raskyld/ferry/pkg/format"
	"github.com/raskyld/ferry/pkg/kind"
)

const (
	statusReady         = "ready"
	statusOk            = "ok"
	statusUnavailable   = "unavailable"
	statusUnimplemented = "unimplemented"
	statusFailed        = "failed"
)

// handleReply is sent by the side owning a handle: once to greet, then
// once per acquisition request.
type handleReply struct {
	Status  string
	Feature string
	Format  string
	Pipe    channel.ForkHandle
}

// HandleKind is the kind of handles. The constructed handle forwards
// every acquisition to the original one, and relays the acquired raw
// channel through a forked [kind.Pipe].
func HandleKind() kind.Kind[Handle] {
	return handleKind{}
}

type handleKind struct{}

func (handleKind) Schema() channel.Schema {
	return channel.SchemaOf[handleReply, string]()
}

func (handleKind) Describe() string {
	return "handle"
}

func (handleKind) Deconstruct(ctx context.Context, h Handle, ch channel.Channel) error {
	if err := ch.Send(ctx, handleReply{Status: statusReady, Format: h.Format().Name()}); err != nil {
		return &kind.SendError{Cause: err}
	}

	for {
		v, err := ch.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		req, ok := v.(string)
		if !ok {
			return &channel.ItemTypeError{Channel: ch.Handle(), Got: reflect.TypeOf(v), Want: reflect.TypeFor[string]()}
		}

		reply, err := replyTo(ctx, h, ch, req)
		if err != nil {
			return err
		}
		if err := ch.Send(ctx, reply); err != nil {
			return &kind.SendError{Cause: err}
		}
	}
}

func replyTo(ctx context.Context, h Handle, ch channel.Channel, req string) (handleReply, error) {
	fp, err := kind.ParseFingerprint(req)
	if err != nil {
		return handleReply{Status: statusFailed, Feature: err.Error()}, nil
	}

	raw, err := h.Acquire(ctx, fp)
	var unimpl *UnimplementedError
	switch {
	case err == nil:
	case errors.Is(err, ErrUnavailable):
		return handleReply{Status: statusUnavailable}, nil
	case errors.As(err, &unimpl):
		return handleReply{Status: statusUnimplemented, Feature: unimpl.Feature}, nil
	default:
		return handleReply{Status: statusFailed, Feature: err.Error()}, nil
	}

	pipe, err := kind.Fork(ctx, ch, kind.Pipe, raw)
	if err != nil {
		_ = raw.Close()
		return handleReply{}, err
	}
	return handleReply{Status: statusOk, Pipe: pipe}, nil
}

func (handleKind) Construct(ctx context.Context, ch channel.Channel) (Handle, error) {
	greeting, err := nextReply(ctx, ch)
	if err != nil {
		return Handle{}, err
	}
	f, ok := format.Lookup(greeting.Format)
	if !ok {
		return NewHandle(Unsupported("format "+greeting.Format), nil), nil
	}
	return NewHandle(&remoteAcquirer{ch: ch}, f), nil
}

func nextReply(ctx context.Context, ch channel.Channel) (handleReply, error) {
	v, err := ch.Next(ctx)
	if errors.Is(err, io.EOF) {
		return handleReply{}, &kind.InsufficientError{Got: 0, Expected: 1}
	}
	if err != nil {
		return handleReply{}, err
	}
	reply, ok := v.(handleReply)
	if !ok {
		return handleReply{}, &channel.ItemTypeError{Channel: ch.Handle(), Got: reflect.TypeOf(v), Want: reflect.TypeFor[handleReply]()}
	}
	return reply, nil
}

// remoteAcquirer acquires through the peer owning the original handle,
// one request at a time.
type remoteAcquirer struct {
	lk     sync.Mutex
	ch     channel.Channel
	broken error
}

func (r *remoteAcquirer) Acquire(ctx context.Context, fp Fingerprint) (flow.Raw, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.broken != nil {
		return flow.Raw{}, r.broken
	}

	if err := r.ch.Send(ctx, fp.String()); err != nil {
		return r.fail(&kind.SendError{Cause: err})
	}
	reply, err := nextReply(ctx, r.ch)
	if err != nil {
		return r.fail(err)
	}

	switch reply.Status {
	case statusOk:
		raw, err := kind.GetFork(ctx, r.ch, reply.Pipe, kind.Pipe)
		if err != nil {
			return r.fail(err)
		}
		return raw, nil
	case statusUnavailable:
		return flow.Raw{}, ErrUnavailable
	case statusUnimplemented:
		return flow.Raw{}, &UnimplementedError{Feature: reply.Feature}
	default:
		return flow.Raw{}, fmt.Errorf("%w: peer failed to acquire: %s", ErrHandshake, reply.Feature)
	}
}

// fail breaks the acquirer: the request and reply may be out of step.
func (r *remoteAcquirer) fail(err error) (flow.Raw, error) {
	r.broken = &ConstructError{Cause: err}
	return flow.Raw{}, r.broken
}
