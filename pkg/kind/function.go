package kind

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"reflect"
	"sync"

	"github.com/raskyld/ferry/pkg/channel"
)

// Discipline tells how often, and how concurrently, a transported function
// may be called.
type Discipline uint8

const (
	// Shared functions may be called repeatedly, their body may run
	// concurrently when the same function serves several channels.
	Shared Discipline = iota
	// Exclusive functions may be called repeatedly, the calls received on
	// one channel never overlap. Functions sent on distinct channels are
	// distinct values and do not exclude each other.
	Exclusive
	// Once functions may be called a single time.
	Once
)

func (d Discipline) String() string {
	switch d {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	case Once:
		return "once"
	default:
		return "unknown"
	}
}

// Func is a function that can be transported. The stub built on the
// constructing side returns an error when the remote call fails.
type Func[A, R any] func(ctx context.Context, args A) (R, error)

// StreamFunc is a transported function yielding a sequence.
type StreamFunc[A, R any] func(ctx context.Context, args A) iter.Seq2[R, error]

// FuncOf returns the kind of functions taking the arguments described by
// params and returning a value of kind result.
//
// Each call forks its arguments, sends their handles and waits for the
// handle of the forked result. Calls on one stub are serialized.
func FuncOf[A, R any](d Discipline, params Params[A], result Kind[R]) Kind[Func[A, R]] {
	return &callable[A, R]{discipline: d, params: params, result: result}
}

// StreamFuncOf returns the kind of functions yielding a sequence of
// values of kind item. The remote call happens when iteration starts.
func StreamFuncOf[A, R any](d Discipline, params Params[A], item Kind[R]) Kind[StreamFunc[A, R]] {
	return &streamCallable[A, R]{
		inner: &callable[A, iter.Seq2[R, error]]{
			discipline: d,
			params:     params,
			result:     StreamOf(item),
		},
	}
}

type callable[A, R any] struct {
	discipline Discipline
	params     Params[A]
	result     Kind[R]
}

func (c *callable[A, R]) Schema() channel.Schema {
	if c.params.Arity() == 0 {
		return channel.SchemaOf[channel.ForkHandle, struct{}]()
	}
	return channel.SchemaOf[channel.ForkHandle, []channel.ForkHandle]()
}

func (c *callable[A, R]) Describe() string {
	return fmt.Sprintf("func:%s(%s)%s", c.discipline, c.params.Describe(), Describe(c.result))
}

func (c *callable[A, R]) Deconstruct(ctx context.Context, fn Func[A, R], ch channel.Channel) error {
	// held around the body of an Exclusive function, for this value only.
	var lk sync.Mutex
	for {
		req, err := ch.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		hs, err := c.handles(ch, req)
		if err != nil {
			return err
		}
		args, err := c.params.getArgs(ctx, ch, hs)
		if err != nil {
			return err
		}
		r, err := c.invoke(ctx, &lk, fn, args)
		if err != nil {
			return err
		}
		h, err := Fork(ctx, ch, c.result, r)
		if err != nil {
			return err
		}
		if err := send(ctx, ch, h); err != nil {
			return err
		}

		if c.discipline == Once {
			return nil
		}
	}
}

func (c *callable[A, R]) handles(ch channel.Channel, req any) ([]channel.ForkHandle, error) {
	switch req := req.(type) {
	case struct{}:
		return nil, nil
	case []channel.ForkHandle:
		return req, nil
	default:
		return nil, &channel.ItemTypeError{
			Channel: ch.Handle(),
			Got:     reflect.TypeOf(req),
			Want:    c.Schema().Deconstruct,
		}
	}
}

func (c *callable[A, R]) invoke(ctx context.Context, lk *sync.Mutex, fn Func[A, R], args A) (R, error) {
	if c.discipline == Exclusive {
		lk.Lock()
		defer lk.Unlock()
	}
	return fn(ctx, args)
}

func (c *callable[A, R]) Construct(_ context.Context, ch channel.Channel) (Func[A, R], error) {
	s := &stub[A, R]{c: c, ch: ch}
	return s.call, nil
}

// stub performs calls on behalf of the constructing side. It owns its
// channel: a call holds the lock from the first fork to the resolution of
// the result so concurrent callers never interleave.
type stub[A, R any] struct {
	c  *callable[A, R]
	ch channel.Channel

	lk     sync.Mutex
	spent  bool
	broken error
}

func (s *stub[A, R]) call(ctx context.Context, args A) (r R, err error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.broken != nil {
		return r, s.broken
	}
	if s.c.discipline == Once {
		if s.spent {
			return r, ErrSpent
		}
		s.spent = true
	}

	r, err = s.roundTrip(ctx, args)
	if err != nil {
		s.broken = &StubError{Cause: err}
		return r, s.broken
	}
	return r, nil
}

func (s *stub[A, R]) roundTrip(ctx context.Context, args A) (r R, err error) {
	hs, err := s.c.params.forkArgs(ctx, s.ch, args, nil)
	if err != nil {
		return r, err
	}

	var req any = hs
	if s.c.params.Arity() == 0 {
		req = struct{}{}
	}
	if err := send(ctx, s.ch, req); err != nil {
		return r, err
	}

	h, err := recv[channel.ForkHandle](ctx, s.ch, 0, 1)
	if err != nil {
		return r, err
	}
	return GetFork(ctx, s.ch, h, s.c.result)
}

type streamCallable[A, R any] struct {
	inner *callable[A, iter.Seq2[R, error]]
}

func (c *streamCallable[A, R]) Schema() channel.Schema {
	return c.inner.Schema()
}

func (c *streamCallable[A, R]) Describe() string {
	return "stream" + c.inner.Describe()
}

func (c *streamCallable[A, R]) Deconstruct(ctx context.Context, fn StreamFunc[A, R], ch channel.Channel) error {
	return c.inner.Deconstruct(ctx, func(ctx context.Context, args A) (iter.Seq2[R, error], error) {
		return fn(ctx, args), nil
	}, ch)
}

func (c *streamCallable[A, R]) Construct(ctx context.Context, ch channel.Channel) (StreamFunc[A, R], error) {
	call, err := c.inner.Construct(ctx, ch)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, args A) iter.Seq2[R, error] {
		return func(yield func(R, error) bool) {
			items, err := call(ctx, args)
			if err != nil {
				var zero R
				yield(zero, err)
				return
			}
			for v, err := range items {
				if !yield(v, err) {
					return
				}
			}
		}
	}, nil
}
