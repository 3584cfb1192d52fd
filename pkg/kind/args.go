package kind

import (
	"context"
	"strings"

	"github.com/raskyld/ferry/pkg/channel"
)

// Nil is the empty argument list.
type Nil struct{}

// Cons prepends an argument of type H to the argument list T.
type Cons[H, T any] struct {
	Head H
	Tail T
}

// Params describes how an argument list A crosses a channel: every
// argument is forked with its own kind and the call request carries their
// handles, in order.
type Params[A any] interface {
	Arity() int
	Describe() string
	forkArgs(ctx context.Context, ch channel.Channel, args A, hs []channel.ForkHandle) ([]channel.ForkHandle, error)
	getArgs(ctx context.Context, ch channel.Channel, hs []channel.ForkHandle) (A, error)
}

// NoArgs describes functions without arguments.
func NoArgs() Params[Nil] {
	return noParams{}
}

// Arg describes an argument list starting with an argument of kind head.
func Arg[H, T any](head Kind[H], tail Params[T]) Params[Cons[H, T]] {
	return consParams[H, T]{head: head, tail: tail}
}

func Args1[A any](a Kind[A]) Params[Cons[A, Nil]] {
	return Arg(a, NoArgs())
}

func Args2[A, B any](a Kind[A], b Kind[B]) Params[Cons[A, Cons[B, Nil]]] {
	return Arg(a, Args1(b))
}

func Args3[A, B, C any](a Kind[A], b Kind[B], c Kind[C]) Params[Cons[A, Cons[B, Cons[C, Nil]]]] {
	return Arg(a, Args2(b, c))
}

func Args4[A, B, C, D any](a Kind[A], b Kind[B], c Kind[C], d Kind[D]) Params[Cons[A, Cons[B, Cons[C, Cons[D, Nil]]]]] {
	return Arg(a, Args3(b, c, d))
}

func Pack1[A any](a A) Cons[A, Nil] {
	return Cons[A, Nil]{Head: a}
}

func Pack2[A, B any](a A, b B) Cons[A, Cons[B, Nil]] {
	return Cons[A, Cons[B, Nil]]{Head: a, Tail: Pack1(b)}
}

func Pack3[A, B, C any](a A, b B, c C) Cons[A, Cons[B, Cons[C, Nil]]] {
	return Cons[A, Cons[B, Cons[C, Nil]]]{Head: a, Tail: Pack2(b, c)}
}

func Pack4[A, B, C, D any](a A, b B, c C, d D) Cons[A, Cons[B, Cons[C, Cons[D, Nil]]]] {
	return Cons[A, Cons[B, Cons[C, Cons[D, Nil]]]]{Head: a, Tail: Pack3(b, c, d)}
}

type noParams struct{}

func (noParams) Arity() int { return 0 }

func (noParams) Describe() string { return "" }

func (noParams) forkArgs(_ context.Context, _ channel.Channel, _ Nil, hs []channel.ForkHandle) ([]channel.ForkHandle, error) {
	return hs, nil
}

func (noParams) getArgs(_ context.Context, _ channel.Channel, hs []channel.ForkHandle) (Nil, error) {
	if len(hs) != 0 {
		return Nil{}, &ArityError{Got: len(hs), Expected: 0}
	}
	return Nil{}, nil
}

type consParams[H, T any] struct {
	head Kind[H]
	tail Params[T]
}

func (p consParams[H, T]) Arity() int {
	return 1 + p.tail.Arity()
}

func (p consParams[H, T]) Describe() string {
	tail := p.tail.Describe()
	if tail == "" {
		return Describe(p.head)
	}
	return strings.Join([]string{Describe(p.head), tail}, ",")
}

func (p consParams[H, T]) forkArgs(ctx context.Context, ch channel.Channel, args Cons[H, T], hs []channel.ForkHandle) ([]channel.ForkHandle, error) {
	h, err := Fork(ctx, ch, p.head, args.Head)
	if err != nil {
		return nil, err
	}
	return p.tail.forkArgs(ctx, ch, args.Tail, append(hs, h))
}

func (p consParams[H, T]) getArgs(ctx context.Context, ch channel.Channel, hs []channel.ForkHandle) (args Cons[H, T], err error) {
	if arity := p.Arity(); len(hs) != arity {
		return args, &ArityError{Got: len(hs), Expected: arity}
	}
	args.Head, err = GetFork(ctx, ch, hs[0], p.head)
	if err != nil {
		return args, err
	}
	args.Tail, err = p.tail.getArgs(ctx, ch, hs[1:])
	return args, err
}
