package flow

import (
	"context"
	"errors"
	"io"
	"sync"
)

// RawSender is a non-thread safe and blocking flow which should
// only be used by power users.
//
// Methods MUST NOT be called concurrently.
type RawSender interface {
	Send(Encoder, interface{}) error
	Close() error
}

// Encoder can encode messages on a byte stream.
// It is supposed to return an error only when a final error is
// encountered.
type Encoder interface {
	Encode(io.Writer, interface{}) error
	ProcessLocal(interface{}) (interface{}, error)
}

// Sender is a thread-safe and typed flow writer.
//
// Messages are queued and written by a background loop, the first error
// returned by the [RawSender] is reported by every later call to Send.
type Sender[T any] struct {
	raw RawSender
	enc Encoder

	writeCh    chan T
	closeCh    chan struct{}
	closeOnce  sync.Once
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer  sync.WaitGroup
	closing bool
	err     error
	lk      sync.Mutex
}

func NewSender[T any](raw RawSender, enc Encoder, bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		raw: raw,
		enc: enc,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		err := w.err
		w.lk.Unlock()
		return err
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.cause()
	case w.writeCh <- msg:
	}

	return nil
}

// Close stops accepting messages, flushes the queued ones and closes the
// underlying [RawSender]. It reports the failure which interrupted the
// flush, if any.
func (w *Sender[T]) Close() error {
	w.lk.Lock()
	if w.closing {
		w.lk.Unlock()
		return nil
	}
	w.closing = true
	if w.err == nil {
		w.err = ErrFlowClosed
	}
	w.lk.Unlock()

	w.writer.Wait()
	close(w.writeCh)
	w.mainLoopWg.Wait()
	w.closeOnce.Do(func() { close(w.closeCh) })
	err := w.raw.Close()
	if cause := w.cause(); cause != ErrFlowClosed {
		return errors.Join(cause, err)
	}
	return err
}

func (w *Sender[T]) cause() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.err
}

func (w *Sender[T]) fail(cause error) {
	w.lk.Lock()
	if w.err == nil || w.err == ErrFlowClosed {
		w.err = cause
	}
	w.lk.Unlock()
	w.closeOnce.Do(func() { close(w.closeCh) })
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	for msg := range w.writeCh {
		err := w.raw.Send(w.enc, msg)
		if err != nil {
			w.fail(err)
			return
		}
	}
}
