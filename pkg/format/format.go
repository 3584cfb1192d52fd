// Package format serializes multiplexed items to bytes and binds a
// session to a raw byte flow.
//
// Decoding an item requires the Go type of its content, which is only
// known once the receiving side registered the item's fork. Items for
// forks not registered yet are reported as pending and retried once the
// fork is registered, see [Link].
package format

import (
	"fmt"
	"reflect"

	"github.com/raskyld/ferry/pkg/channel"
)

// Format translates items to and from a byte representation. Text
// formats produce UTF-8.
type Format interface {
	Name() string
	Serialize(item channel.Item) ([]byte, error)
	Deserialize(data []byte, types TypeResolver) Outcome
}

// TypeResolver returns the Go type expected on a fork, if it is known.
// [*channel.Context] implements it.
type TypeResolver interface {
	Lookup(h channel.ForkHandle) (reflect.Type, bool)
}

var _ TypeResolver = (*channel.Context)(nil)

type OutcomeState uint8

const (
	StateReady OutcomeState = iota
	StatePending
	StateFailed
)

// Outcome is the result of deserializing one representation.
type Outcome struct {
	State OutcomeState
	// Item is set when State is StateReady.
	Item channel.Item
	// Handle is the fork to wait for when State is StatePending.
	Handle channel.ForkHandle
	// Err is set when State is StateFailed.
	Err error
}

func Ready(item channel.Item) Outcome {
	return Outcome{State: StateReady, Item: item}
}

func Pending(h channel.ForkHandle) Outcome {
	return Outcome{State: StatePending, Handle: h}
}

func Failed(err error) Outcome {
	return Outcome{State: StateFailed, Err: err}
}

// FormatError reports a malformed representation.
type FormatError struct {
	Format string
	Cause  error
}

func (err *FormatError) Error() string {
	return fmt.Sprintf("format: malformed %s representation: %s", err.Format, err.Cause)
}

func (err *FormatError) Unwrap() error {
	return err.Cause
}

// decodeContent builds the outcome of an envelope addressed to h, decoding
// its content with unmarshal once the expected type is known.
func decodeContent(name string, types TypeResolver, h channel.ForkHandle, end bool, unmarshal func(ptr any) error) Outcome {
	typ, ok := types.Lookup(h)
	if !ok {
		return Pending(h)
	}
	if end {
		return Ready(channel.Item{Channel: h, End: true})
	}
	ptr := reflect.New(typ)
	if err := unmarshal(ptr.Interface()); err != nil {
		return Failed(&FormatError{Format: name, Cause: err})
	}
	return Ready(channel.Item{Channel: h, Content: ptr.Elem().Interface()})
}

var registry = map[string]Format{
	Cbor.Name():    Cbor,
	Json.Name():    Json,
	Msgpack.Name(): Msgpack,
}

// Lookup returns the built-in format called name.
func Lookup(name string) (Format, bool) {
	f, ok := registry[name]
	return f, ok
}
