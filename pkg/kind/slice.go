package kind

import (
	"context"

	"github.com/raskyld/ferry/pkg/channel"
)

// Slice returns the kind of slices of values of kind elem. Elements are
// forked and the slice is sent as the list of their handles.
func Slice[T any](elem Kind[T]) Kind[[]T] {
	return slice[T]{elem: elem}
}

type slice[T any] struct {
	elem Kind[T]
}

func (s slice[T]) Schema() channel.Schema {
	return channel.SchemaOf[[]channel.ForkHandle, struct{}]()
}

func (s slice[T]) Describe() string {
	return "slice:" + Describe(s.elem)
}

func (s slice[T]) Deconstruct(ctx context.Context, v []T, ch channel.Channel) error {
	hs := make([]channel.ForkHandle, len(v))
	for i, elem := range v {
		h, err := Fork(ctx, ch, s.elem, elem)
		if err != nil {
			return err
		}
		hs[i] = h
	}
	return send(ctx, ch, hs)
}

func (s slice[T]) Construct(ctx context.Context, ch channel.Channel) ([]T, error) {
	hs, err := recv[[]channel.ForkHandle](ctx, ch, 0, 1)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(hs))
	for i, h := range hs {
		out[i], err = GetFork(ctx, ch, h, s.elem)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
