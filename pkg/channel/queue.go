package channel

import (
	"context"
	"io"
	"sync"
)

// queue is an unbounded FIFO. Pushing never blocks so a slow consumer
// on one fork never stalls the demultiplexer.
type queue[T any] struct {
	lk     sync.Mutex
	items  []T
	ended  bool
	err    error
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) bool {
	q.lk.Lock()
	if q.ended || q.err != nil {
		q.lk.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.lk.Unlock()
	q.notify()
	return true
}

func (q *queue[T]) open() bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	return !q.ended && q.err == nil
}

// end lets consumers drain what is queued, then see io.EOF.
func (q *queue[T]) end() {
	q.lk.Lock()
	q.ended = true
	q.lk.Unlock()
	q.notify()
}

// fail lets consumers drain what is queued, then see err.
func (q *queue[T]) fail(err error) {
	q.lk.Lock()
	if q.err == nil {
		q.err = err
	}
	q.lk.Unlock()
	q.notify()
}

func (q *queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop(ctx context.Context) (v T, err error) {
	for {
		q.lk.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0 || q.ended || q.err != nil
			q.lk.Unlock()
			if more {
				// Pass the wake-up along to other consumers.
				q.notify()
			}
			return v, nil
		}
		if q.ended {
			q.lk.Unlock()
			return v, io.EOF
		}
		if q.err != nil {
			err = q.err
			q.lk.Unlock()
			return v, err
		}
		q.lk.Unlock()

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-q.signal:
		}
	}
}
