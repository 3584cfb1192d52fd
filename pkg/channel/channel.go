// Package channel multiplexes nested sub-channels, called forks, over a
// single ordered stream of items.
//
// A value is deconstructed into items sent on a [Channel]. Nested values
// are forked: the channel allocates a fresh [ForkHandle], deconstructs the
// nested value on it concurrently and lets the caller embed the handle in
// the outer message. The receiving side resolves the handle with
// [Channel.GetFork].
package channel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrClosed      = errors.New("channel: session closed")
	ErrUnknownFork = errors.New("channel: item addressed to an unknown fork")
	ErrForkReused  = errors.New("channel: fork handle registered twice")

	// ErrHandlesExhausted is returned by Fork once a session side
	// allocated every handle of its parity.
	ErrHandlesExhausted = errors.New("channel: no fork handle left")
)

// ForkHandle addresses a sub-channel within one session. Handle 0 is the
// root channel. Handles are never reused within a session, so each side
// of a session can fork about 2^31 times.
type ForkHandle uint32

// Root is the handle of the channel a session starts with.
const Root ForkHandle = 0

// Item is the unit exchanged between two session sides.
type Item struct {
	Channel ForkHandle
	Content any
	// End marks that the producer of this fork will not send anymore.
	End bool
}

// Schema names the Go types flowing in each direction of a channel.
type Schema struct {
	// Construct is the type of items received by the constructing side.
	Construct reflect.Type
	// Deconstruct is the type of items received by the deconstructing side.
	Deconstruct reflect.Type
}

// SchemaOf returns the schema of a channel where C flows towards the
// constructing side and D towards the deconstructing side.
func SchemaOf[C, D any]() Schema {
	return Schema{
		Construct:   reflect.TypeFor[C](),
		Deconstruct: reflect.TypeFor[D](),
	}
}

// Deconstructor writes a value onto a channel.
type Deconstructor interface {
	Schema() Schema
	Deconstruct(ctx context.Context, ch Channel) error
}

// Constructor rebuilds a value from a channel.
type Constructor interface {
	Schema() Schema
	Construct(ctx context.Context, ch Channel) error
}

// Channel is one side of a (sub-)channel.
type Channel interface {
	// Handle is the fork this channel is scoped to.
	Handle() ForkHandle
	// Send queues an item to the peer. It never waits for the peer.
	Send(ctx context.Context, item any) error
	// Next waits for the next item from the peer. It returns io.EOF once
	// the peer ended the channel.
	Next(ctx context.Context) (any, error)
	// Fork deconstructs d on a new sub-channel and returns its handle.
	Fork(ctx context.Context, d Deconstructor) (ForkHandle, error)
	// GetFork constructs c from the sub-channel h forked by the peer.
	GetFork(ctx context.Context, h ForkHandle, c Constructor) error
}

// ItemTypeError is returned when an item does not have the type the
// schema of its channel expects.
type ItemTypeError struct {
	Channel ForkHandle
	Got     reflect.Type
	Want    reflect.Type
}

func (err *ItemTypeError) Error() string {
	return fmt.Sprintf("channel: fork %d expects %s, got %s", err.Channel, err.Want, err.Got)
}
