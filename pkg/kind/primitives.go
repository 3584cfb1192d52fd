package kind

import (
	"context"
	"net/netip"
	"reflect"
	"time"

	"github.com/raskyld/ferry/pkg/channel"
)

// Primitive is the kind of values sent as a single item. Any type the
// chosen format can serialize on its own qualifies.
func Primitive[T any]() Kind[T] {
	return primitive[T]{}
}

var (
	Unit     = Primitive[struct{}]()
	Bool     = Primitive[bool]()
	Int      = Primitive[int]()
	Int8     = Primitive[int8]()
	Int16    = Primitive[int16]()
	Int32    = Primitive[int32]()
	Int64    = Primitive[int64]()
	Uint     = Primitive[uint]()
	Uint8    = Primitive[uint8]()
	Uint16   = Primitive[uint16]()
	Uint32   = Primitive[uint32]()
	Uint64   = Primitive[uint64]()
	Float32  = Primitive[float32]()
	Float64  = Primitive[float64]()
	Rune     = Primitive[rune]()
	String   = Primitive[string]()
	Bytes    = Primitive[[]byte]()
	Duration = Primitive[time.Duration]()
	Time     = Primitive[time.Time]()
	Addr     = Primitive[netip.Addr]()
	AddrPort = Primitive[netip.AddrPort]()
	Prefix   = Primitive[netip.Prefix]()
)

type primitive[T any] struct{}

func (primitive[T]) Schema() channel.Schema {
	return channel.SchemaOf[T, struct{}]()
}

func (primitive[T]) Describe() string {
	return "primitive:" + reflect.TypeFor[T]().String()
}

func (primitive[T]) Deconstruct(ctx context.Context, v T, ch channel.Channel) error {
	return send(ctx, ch, v)
}

func (primitive[T]) Construct(ctx context.Context, ch channel.Channel) (T, error) {
	return recv[T](ctx, ch, 0, 1)
}
