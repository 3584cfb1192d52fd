package flow

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// RawReceiver is a non-thread safe and blocking flow which should
// only be used by power users.
//
// Methods MUST NOT be called concurrently.
type RawReceiver interface {
	Recv(Decoder) (interface{}, error)
	Close() error
}

// Decoder can decode messages from a byte stream.
// It is supposed to return an error only when a final error is
// encountered.
type Decoder interface {
	Decode(io.Reader) (interface{}, error)
}

// Receiver is a thread-safe and typed flow reader.
//
// Messages already buffered are still returned once the underlying
// [RawReceiver] failed; Recv reports the failure afterwards.
type Receiver[T any] struct {
	raw RawReceiver
	dec Decoder

	readCh     chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	closed bool
	err    error
	lk     sync.Mutex
}

func NewReceiver[T any](raw RawReceiver, dec Decoder, bufferSize uint) *Receiver[T] {
	r := &Receiver[T]{
		raw: raw,
		dec: dec,

		readCh:  make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	r.mainLoopWg.Add(1)
	go r.run()

	return r
}

func (r *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem, ok := <-r.readCh:
		if !ok {
			return result, r.cause()
		}
		return elem, nil
	}
}

func (r *Receiver[T]) Close() error {
	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return nil
	}
	r.closed = true
	if r.err == nil {
		r.err = ErrFlowClosed
	}
	close(r.closeCh)
	r.lk.Unlock()

	err := r.raw.Close()
	r.mainLoopWg.Wait()
	return err
}

func (r *Receiver[T]) cause() error {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.err
}

func (r *Receiver[T]) fail(cause error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.err == nil {
		r.err = cause
	}
}

func (r *Receiver[T]) run() {
	defer r.mainLoopWg.Done()
	defer close(r.readCh)
	for {
		elem, err := r.raw.Recv(r.dec)
		if err != nil {
			r.fail(err)
			return
		}

		msg, ok := elem.(T)
		if !ok {
			r.fail(fmt.Errorf("%w: got %T", ErrUnexpectedType, elem))
			return
		}

		select {
		case <-r.closeCh:
			return
		case r.readCh <- msg:
		}
	}
}
