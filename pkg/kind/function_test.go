package kind_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/ferry/pkg/channel"
	"github.com/raskyld/ferry/pkg/kind"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// recordingChannel answers every call request with the handle of a
// result fork, and records the order of operations.
type recordingChannel struct {
	mock.Mock

	lk     sync.Mutex
	events []string
	forks  channel.ForkHandle
}

var _ channel.Channel = (*recordingChannel)(nil)

func (c *recordingChannel) record(event string) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.events = append(c.events, event)
}

func (c *recordingChannel) Handle() channel.ForkHandle {
	return channel.Root
}

func (c *recordingChannel) Send(ctx context.Context, item any) error {
	c.record("send")
	return c.Called(ctx, item).Error(0)
}

func (c *recordingChannel) Next(ctx context.Context) (any, error) {
	c.record("next")
	// Leave room for another caller to sneak in.
	time.Sleep(time.Millisecond)
	args := c.Called(ctx)
	return args.Get(0), args.Error(1)
}

func (c *recordingChannel) Fork(ctx context.Context, d channel.Deconstructor) (channel.ForkHandle, error) {
	c.record("fork")
	c.lk.Lock()
	c.forks += 2
	h := c.forks
	c.lk.Unlock()
	return h, nil
}

func (c *recordingChannel) GetFork(ctx context.Context, h channel.ForkHandle, con channel.Constructor) error {
	c.record("getfork")
	return con.Construct(ctx, &valueChannel{value: int(h)})
}

// valueChannel yields a single value then ends.
type valueChannel struct {
	value any
	sent  bool
}

func (c *valueChannel) Handle() channel.ForkHandle { return 1 }

func (c *valueChannel) Send(context.Context, any) error { return nil }

func (c *valueChannel) Next(context.Context) (any, error) {
	if c.sent {
		return nil, io.EOF
	}
	c.sent = true
	return c.value, nil
}

func (c *valueChannel) Fork(context.Context, channel.Deconstructor) (channel.ForkHandle, error) {
	return 0, nil
}

func (c *valueChannel) GetFork(context.Context, channel.ForkHandle, channel.Constructor) error {
	return nil
}

func TestConcurrentCallsNeverInterleave(t *testing.T) {
	ctx := testCtx(t)
	ch := &recordingChannel{}
	ch.On("Send", mock.Anything, mock.AnythingOfType("[]channel.ForkHandle")).Return(nil)
	ch.On("Next", mock.Anything).Return(channel.ForkHandle(99), nil)

	k := kind.FuncOf(kind.Shared, kind.Args2(kind.Int, kind.String), kind.Int)
	remote, err := k.Construct(ctx, ch)
	require.NoError(t, err)

	const callers = 8
	var (
		wg   sync.WaitGroup
		got  [callers]int
		errs [callers]error
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = remote(ctx, kind.Pack2(i, "x"))
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, 99, got[i])
	}

	ch.AssertNumberOfCalls(t, "Send", callers)
	ch.AssertNumberOfCalls(t, "Next", callers)

	round := []string{"fork", "fork", "send", "next", "getfork"}
	require.Len(t, ch.events, callers*len(round))
	for i := 0; i < len(ch.events); i += len(round) {
		require.Equal(t, round, ch.events[i:i+len(round)], "call %d interleaved", i/len(round))
	}
}

func TestCallWithWrongResponseBreaksStub(t *testing.T) {
	ctx := testCtx(t)
	ch := &recordingChannel{}
	ch.On("Send", mock.Anything, mock.Anything).Return(nil)
	ch.On("Next", mock.Anything).Return("not a handle", nil)

	k := kind.FuncOf(kind.Shared, kind.NoArgs(), kind.Int)
	remote, err := k.Construct(ctx, ch)
	require.NoError(t, err)

	_, err = remote(ctx, kind.Nil{})
	require.ErrorIs(t, err, kind.ErrStubBroken)
	var typeErr *channel.ItemTypeError
	require.ErrorAs(t, err, &typeErr)

	ch.AssertCalled(t, "Send", mock.Anything, struct{}{})
}
