package channel

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testDeconstructor struct {
	schema Schema
	fn     func(ctx context.Context, ch Channel) error
}

func (d testDeconstructor) Schema() Schema { return d.schema }

func (d testDeconstructor) Deconstruct(ctx context.Context, ch Channel) error {
	if d.fn == nil {
		return nil
	}
	return d.fn(ctx, ch)
}

type testConstructor struct {
	schema Schema
	fn     func(ctx context.Context, ch Channel) error
}

func (c testConstructor) Schema() Schema { return c.schema }

func (c testConstructor) Construct(ctx context.Context, ch Channel) error {
	return c.fn(ctx, ch)
}

func sendOne(v int) testDeconstructor {
	return testDeconstructor{
		schema: SchemaOf[int, struct{}](),
		fn: func(ctx context.Context, ch Channel) error {
			return ch.Send(ctx, v)
		},
	}
}

// pump forwards what from emits to to. Each fork gets its own lane which
// waits for the fork to be registered on the receiving side.
func pump(ctx context.Context, from, to *IdChannel) {
	go func() {
		lanes := make(map[ForkHandle]chan Item)
		for {
			item, err := from.Outbound(ctx)
			if err != nil {
				return
			}
			lane, ok := lanes[item.Channel]
			if !ok {
				lane = make(chan Item, 64)
				lanes[item.Channel] = lane
				go func(h ForkHandle) {
					if to.Context().WaitFor(ctx, h) != nil {
						return
					}
					for {
						select {
						case <-ctx.Done():
							return
						case item := <-lane:
							_ = to.Deliver(item)
						}
					}
				}(item.Channel)
			}
			lane <- item
		}
	}()
}

func TestForkHandlesAreUniqueAndIncreasing(t *testing.T) {
	origin := NewOrigin()
	target := NewTarget()
	defer origin.Close()
	defer target.Close()

	const n = 64
	var (
		wg      sync.WaitGroup
		handles [4][]ForkHandle
		errs    [4]error
	)
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range n {
				h, err := origin.fork(testDeconstructor{schema: SchemaOf[int, struct{}]()})
				if err != nil {
					errs[w] = err
					return
				}
				handles[w] = append(handles[w], h)
			}
		}()
	}
	wg.Wait()

	seen := make(map[ForkHandle]struct{})
	for w := range 4 {
		require.NoError(t, errs[w])
		var last ForkHandle
		for _, h := range handles[w] {
			require.Greater(t, h, last)
			require.Equal(t, ForkHandle(1), h%2, "origin handles are odd")
			last = h

			_, dup := seen[h]
			require.False(t, dup, "handle %d allocated twice", h)
			seen[h] = struct{}{}
		}
	}
	require.Len(t, seen, 4*n)

	h1, err := target.fork(testDeconstructor{schema: SchemaOf[int, struct{}]()})
	require.NoError(t, err)
	h2, err := target.fork(testDeconstructor{schema: SchemaOf[int, struct{}]()})
	require.NoError(t, err)
	require.Equal(t, ForkHandle(2), h1)
	require.Equal(t, ForkHandle(4), h2)
}

func TestForkHandlesExhausted(t *testing.T) {
	origin := NewOrigin()
	defer origin.Close()

	origin.next.Store(math.MaxUint32 - 1)
	h, err := origin.fork(testDeconstructor{schema: SchemaOf[int, struct{}]()})
	require.NoError(t, err)
	require.Equal(t, ForkHandle(math.MaxUint32), h)

	_, err = origin.fork(testDeconstructor{schema: SchemaOf[int, struct{}]()})
	require.ErrorIs(t, err, ErrHandlesExhausted)
	_, err = origin.fork(testDeconstructor{schema: SchemaOf[int, struct{}]()})
	require.ErrorIs(t, err, ErrHandlesExhausted)
}

func TestOriginOutboundEndsOnceDeconstructed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := NewOrigin()
	defer origin.Close()

	release := make(chan struct{})
	var retained Channel
	require.NoError(t, origin.Start(testDeconstructor{
		schema: SchemaOf[ForkHandle, struct{}](),
		fn: func(ctx context.Context, ch Channel) error {
			retained = ch
			h, err := ch.Fork(ctx, testDeconstructor{
				schema: SchemaOf[int, struct{}](),
				fn: func(ctx context.Context, sub Channel) error {
					<-release
					return sub.Send(ctx, 7)
				},
			})
			if err != nil {
				return err
			}
			return ch.Send(ctx, h)
		},
	}))

	var items []Item
	for range 2 {
		item, err := origin.Outbound(ctx)
		require.NoError(t, err)
		items = append(items, item)
	}
	require.Equal(t, []Item{{Channel: Root, Content: ForkHandle(1)}, {Channel: Root, End: true}}, items)

	// The fork still runs: the outbound queue stays open.
	pending := make(chan error, 1)
	go func() {
		_, err := origin.Outbound(ctx)
		pending <- err
	}()
	select {
	case err := <-pending:
		t.Fatalf("outbound returned while a fork runs: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-pending)
	item, err := origin.Outbound(ctx)
	require.NoError(t, err)
	require.Equal(t, Item{Channel: 1, End: true}, item)

	_, err = origin.Outbound(ctx)
	require.ErrorIs(t, err, io.EOF)

	require.ErrorIs(t, retained.Send(ctx, ForkHandle(3)), ErrClosed)
	_, err = retained.Fork(ctx, sendOne(1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestRootAndForkDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := NewOrigin()
	target := NewTarget()
	defer origin.Close()
	defer target.Close()

	var forked ForkHandle
	root := testDeconstructor{
		schema: SchemaOf[ForkHandle, struct{}](),
		fn: func(ctx context.Context, ch Channel) error {
			h, err := ch.Fork(ctx, sendOne(42))
			if err != nil {
				return err
			}
			forked = h
			return ch.Send(ctx, h)
		},
	}
	require.NoError(t, origin.Start(root))
	pump(ctx, origin, target)

	var got int
	err := target.Construct(ctx, testConstructor{
		schema: SchemaOf[ForkHandle, struct{}](),
		fn: func(ctx context.Context, ch Channel) error {
			v, err := ch.Next(ctx)
			if err != nil {
				return err
			}
			return ch.GetFork(ctx, v.(ForkHandle), testConstructor{
				schema: SchemaOf[int, struct{}](),
				fn: func(ctx context.Context, sub Channel) error {
					v, err := sub.Next(ctx)
					if err != nil {
						return err
					}
					got = v.(int)
					_, err = sub.Next(ctx)
					require.ErrorIs(t, err, io.EOF)
					return nil
				},
			})
		},
	})
	require.NoError(t, err)
	require.Equal(t, ForkHandle(1), forked)
	require.Equal(t, 42, got)
}

func TestSendRejectsWrongType(t *testing.T) {
	origin := NewOrigin()
	defer origin.Close()

	errCh := make(chan error, 1)
	require.NoError(t, origin.Start(testDeconstructor{
		schema: SchemaOf[string, struct{}](),
		fn: func(ctx context.Context, ch Channel) error {
			err := ch.Send(ctx, 3)
			errCh <- err
			return err
		},
	}))

	err := <-errCh
	var typeErr *ItemTypeError
	require.ErrorAs(t, err, &typeErr)
	require.Equal(t, Root, typeErr.Channel)
}

func TestDeliverToUnknownFork(t *testing.T) {
	target := NewTarget()
	defer target.Close()

	err := target.Deliver(Item{Channel: 7, Content: 1})
	require.ErrorIs(t, err, ErrUnknownFork)
}

func TestGetForkRejectsOwnParity(t *testing.T) {
	ctx := context.Background()
	target := NewTarget()
	defer target.Close()

	err := target.getFork(ctx, 2, testConstructor{schema: SchemaOf[int, struct{}]()})
	require.ErrorIs(t, err, ErrUnknownFork)
	err = target.getFork(ctx, Root, testConstructor{schema: SchemaOf[int, struct{}]()})
	require.ErrorIs(t, err, ErrUnknownFork)
}

func TestForkReuse(t *testing.T) {
	c := newContext()
	_, err := c.register(3, SchemaOf[int, int]().Construct)
	require.NoError(t, err)
	_, err = c.register(3, SchemaOf[int, int]().Construct)
	require.ErrorIs(t, err, ErrForkReused)
}

func TestContextWaitFor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newContext()
	require.False(t, c.Predicate(Item{Channel: 5}))

	done := make(chan error, 1)
	go func() {
		done <- c.WaitFor(ctx, 5)
	}()

	select {
	case <-done:
		t.Fatal("WaitFor returned before registration")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := c.register(5, SchemaOf[int, int]().Construct)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.True(t, c.Predicate(Item{Channel: 5}))

	typ, ok := c.Lookup(5)
	require.True(t, ok)
	require.Equal(t, "int", typ.String())

	// Already ready handles return immediately.
	require.NoError(t, c.WaitFor(ctx, 5))
}

func TestCloseFailsPendingReads(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	origin := NewOrigin()
	cause := errors.New("transport gone")

	started := make(chan struct{})
	cancelled := make(chan error, 1)
	require.NoError(t, origin.Start(testDeconstructor{
		schema: SchemaOf[int, int](),
		fn: func(ctx context.Context, ch Channel) error {
			close(started)
			_, err := ch.Next(ctx)
			cancelled <- err
			return err
		},
	}))

	<-started
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- origin.Context().WaitFor(ctx, 9)
	}()

	origin.CloseWithError(cause)
	require.ErrorIs(t, <-cancelled, cause)
	require.ErrorIs(t, <-waitErr, cause)
	origin.Wait()

	_, err := origin.fork(testDeconstructor{schema: SchemaOf[int, int]()})
	require.ErrorIs(t, err, cause)

	select {
	case <-origin.Done():
	default:
		t.Fatal("session should be done")
	}
}

func TestQueueKeepsOrderAndDrainsBeforeEnd(t *testing.T) {
	ctx := context.Background()
	q := newQueue[int]()
	for i := range 10 {
		require.True(t, q.push(i))
	}
	q.end()
	require.False(t, q.push(10))

	for i := range 10 {
		v, err := q.pop(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	_, err := q.pop(ctx)
	require.ErrorIs(t, err, io.EOF)
}
