package kind

import (
	"context"
	"errors"
	"iter"

	"github.com/raskyld/ferry/pkg/channel"
)

// StreamOf returns the kind of sequences of values of kind item. Every
// value travels on its own fork, the sequence ends with the channel. A
// producer failure is sent as the last item and yielded as a
// [RemoteError].
//
// The constructed sequence can be iterated once.
func StreamOf[T any](item Kind[T]) Kind[iter.Seq2[T, error]] {
	return stream[T]{item: item}
}

// streamItem carries either the handle of the next value or the failure
// which ended the sequence.
type streamItem struct {
	Fork channel.ForkHandle
	Err  string
}

type stream[T any] struct {
	item Kind[T]
}

func (s stream[T]) Schema() channel.Schema {
	return channel.SchemaOf[streamItem, struct{}]()
}

func (s stream[T]) Describe() string {
	return "stream:" + Describe(s.item)
}

func (s stream[T]) Deconstruct(ctx context.Context, seq iter.Seq2[T, error], ch channel.Channel) error {
	err := s.produce(ctx, seq, ch)
	if err != nil {
		// Useless when the channel itself failed, the peer sees it anyway.
		_ = ch.Send(ctx, streamItem{Err: err.Error()})
	}
	return err
}

func (s stream[T]) produce(ctx context.Context, seq iter.Seq2[T, error], ch channel.Channel) error {
	for v, err := range seq {
		if err != nil {
			return err
		}
		h, err := Fork(ctx, ch, s.item, v)
		if err != nil {
			return err
		}
		if err := send(ctx, ch, streamItem{Fork: h}); err != nil {
			return err
		}
	}
	return nil
}

func (s stream[T]) Construct(ctx context.Context, ch channel.Channel) (iter.Seq2[T, error], error) {
	return func(yield func(T, error) bool) {
		var zero T
		for {
			next, err := recv[streamItem](ctx, ch, 0, 1)
			var short *InsufficientError
			if errors.As(err, &short) {
				return
			}
			if err != nil {
				yield(zero, err)
				return
			}
			if next.Err != "" {
				yield(zero, &RemoteError{Message: next.Err})
				return
			}
			v, err := GetFork(ctx, ch, next.Fork, s.item)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}, nil
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
