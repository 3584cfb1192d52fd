// Package kind turns Go values into sequences of items exchanged on a
// [channel.Channel], and back.
//
// A [Kind] describes both directions for one Go type: Deconstruct writes
// a value onto a channel, Construct rebuilds it on the other side. Nested
// values travel on forks, so a value may carry live functions or streams
// which keep using their fork after construction returned.
package kind

import (
	"context"
	"errors"
	"io"
	"reflect"

	"github.com/raskyld/ferry/pkg/channel"
)

// Kind constructs and deconstructs values of type T over a channel.
//
// The schema's Construct type is what Deconstruct sends and Construct
// receives, its Deconstruct type flows the other way.
type Kind[T any] interface {
	Schema() channel.Schema
	Construct(ctx context.Context, ch channel.Channel) (T, error)
	Deconstruct(ctx context.Context, v T, ch channel.Channel) error
}

// Describer is implemented by kinds with a canonical description, used to
// compute their [Fingerprint].
type Describer interface {
	Describe() string
}

// Deconstructor binds v to its kind so it can be forked or started on a
// session.
func Deconstructor[T any](k Kind[T], v T) channel.Deconstructor {
	return deconstruction[T]{kind: k, value: v}
}

type deconstruction[T any] struct {
	kind  Kind[T]
	value T
}

func (d deconstruction[T]) Schema() channel.Schema {
	return d.kind.Schema()
}

func (d deconstruction[T]) Deconstruct(ctx context.Context, ch channel.Channel) error {
	return d.kind.Deconstruct(ctx, d.value, ch)
}

// Construction holds the value rebuilt by a kind once Construct returned.
type Construction[T any] struct {
	kind  Kind[T]
	Value T
}

// Constructor returns a [channel.Constructor] storing what k builds.
func Constructor[T any](k Kind[T]) *Construction[T] {
	return &Construction[T]{kind: k}
}

func (c *Construction[T]) Schema() channel.Schema {
	return c.kind.Schema()
}

func (c *Construction[T]) Construct(ctx context.Context, ch channel.Channel) error {
	v, err := c.kind.Construct(ctx, ch)
	if err != nil {
		return err
	}
	c.Value = v
	return nil
}

// Fork deconstructs v on a new sub-channel of ch.
func Fork[T any](ctx context.Context, ch channel.Channel, k Kind[T], v T) (channel.ForkHandle, error) {
	return ch.Fork(ctx, Deconstructor(k, v))
}

// GetFork constructs a T from the sub-channel h of ch.
func GetFork[T any](ctx context.Context, ch channel.Channel, h channel.ForkHandle, k Kind[T]) (T, error) {
	c := Constructor(k)
	err := ch.GetFork(ctx, h, c)
	return c.Value, err
}

// recv reads the item number got of expected, of type I.
func recv[I any](ctx context.Context, ch channel.Channel, got, expected int) (item I, err error) {
	v, err := ch.Next(ctx)
	if errors.Is(err, io.EOF) {
		return item, &InsufficientError{Got: got, Expected: expected}
	}
	if err != nil {
		return item, err
	}
	item, ok := v.(I)
	if !ok {
		return item, &channel.ItemTypeError{
			Channel: ch.Handle(),
			Got:     reflect.TypeOf(v),
			Want:    reflect.TypeFor[I](),
		}
	}
	return item, nil
}

func send(ctx context.Context, ch channel.Channel, item any) error {
	if err := ch.Send(ctx, item); err != nil {
		return &SendError{Cause: err}
	}
	return nil
}
