package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ferry/pkg/telemetry"
)

// Role tells which side of a session an [IdChannel] plays. It decides
// the parity of the fork handles the side allocates so that both sides
// can fork concurrently without colliding.
type Role uint8

const (
	// Origin deconstructs the root value and allocates odd handles.
	Origin Role = iota + 1
	// Target constructs the root value and allocates even handles.
	Target
)

func (r Role) String() string {
	switch r {
	case Origin:
		return "origin"
	case Target:
		return "target"
	default:
		return "unknown"
	}
}

var serials atomix.Uint32

// IdChannel is one side of a multiplexed session. Items of every fork
// are sent through a single ordered outbound queue, and inbound items are
// dispatched to per-fork inboxes by [IdChannel.Deliver].
//
// Items of one fork keep their order; there is no order across forks.
//
// Once every deconstruction of an origin returned, its outbound queue
// ends: [IdChannel.Outbound] drains the queued items, then returns
// [io.EOF].
type IdChannel struct {
	role   Role
	serial uint32
	ctx    *Context
	next   atomix.Uint64

	lk      sync.Mutex
	started bool
	running int

	outbound *queue[Item]

	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	base      context.Context
	cancel    context.CancelCauseFunc
	tasks     sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewOrigin creates the deconstructing side of a session.
func NewOrigin(opts ...Option) *IdChannel {
	return newIdChannel(Origin, opts)
}

// NewTarget creates the constructing side of a session.
func NewTarget(opts ...Option) *IdChannel {
	return newIdChannel(Target, opts)
}

func newIdChannel(role Role, opts []Option) *IdChannel {
	cfg := newConfig(opts)
	s := &IdChannel{
		role:     role,
		serial:   serials.Add(1),
		ctx:      newContext(),
		outbound: newQueue[Item](),
		msink:    cfg.msink,
		done:     make(chan struct{}),
	}
	s.metricLabels = telemetry.With(cfg.metricLabels, telemetry.LabelRole.M(role.String()))
	s.logger = cfg.logger.With(
		telemetry.LabelRole.L(role.String()),
		slog.Uint64("session", uint64(s.serial)),
	)
	s.base, s.cancel = context.WithCancelCause(context.Background())
	return s
}

func (s *IdChannel) Role() Role {
	return s.role
}

// Context returns the readiness registry formats must decode against.
func (s *IdChannel) Context() *Context {
	return s.ctx
}

// Done is closed once the session is closed.
func (s *IdChannel) Done() <-chan struct{} {
	return s.done
}

// Start deconstructs d on the root channel in the background.
func (s *IdChannel) Start(d Deconstructor) error {
	inbox, err := s.ctx.register(Root, d.Schema().Deconstruct)
	if err != nil {
		return err
	}
	s.lk.Lock()
	s.started = true
	s.lk.Unlock()
	s.spawn(Root, d, &view{s: s, h: Root, out: d.Schema().Construct, inbox: inbox})
	return nil
}

// Construct rebuilds c from the root channel.
func (s *IdChannel) Construct(ctx context.Context, c Constructor) error {
	inbox, err := s.ctx.register(Root, c.Schema().Construct)
	if err != nil {
		return err
	}
	return c.Construct(ctx, &view{s: s, h: Root, out: c.Schema().Deconstruct, inbox: inbox})
}

// Outbound waits for the next item to send to the peer.
func (s *IdChannel) Outbound(ctx context.Context) (Item, error) {
	return s.outbound.pop(ctx)
}

// Deliver dispatches an item received from the peer to its fork. The
// fork must be registered, see [Context.Predicate].
func (s *IdChannel) Deliver(item Item) error {
	inbox, ok := s.ctx.inbox(item.Channel)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFork, item.Channel)
	}
	if item.End {
		inbox.end()
		return nil
	}
	inbox.push(item.Content)
	return nil
}

// Close closes the session: in-flight fork deconstructions are cancelled
// and pending reads fail with [ErrClosed].
func (s *IdChannel) Close() error {
	s.CloseWithError(ErrClosed)
	return nil
}

// CloseWithError closes the session, pending reads fail with cause.
func (s *IdChannel) CloseWithError(cause error) {
	if cause == nil {
		cause = ErrClosed
	}
	s.closeOnce.Do(func() {
		s.cancel(cause)
		s.ctx.close(cause)
		s.outbound.fail(cause)
		close(s.done)
	})
}

// Wait blocks until every fork deconstruction of this side returned.
func (s *IdChannel) Wait() {
	s.tasks.Wait()
}

// alloc returns the next handle of this side. A side allocates at most
// 2^31 handles, see [ErrHandlesExhausted].
func (s *IdChannel) alloc() (ForkHandle, error) {
	n := s.next.Add(2)
	if s.role == Origin {
		n--
	}
	if n > math.MaxUint32 {
		return 0, ErrHandlesExhausted
	}
	return ForkHandle(n), nil
}

// allocatedByPeer reports whether h has the parity of the other side.
func (s *IdChannel) allocatedByPeer(h ForkHandle) bool {
	if h == Root {
		return false
	}
	odd := h%2 == 1
	return odd == (s.role == Target)
}

func (s *IdChannel) fork(d Deconstructor) (ForkHandle, error) {
	if !s.outbound.open() {
		return 0, s.closedCause()
	}
	h, err := s.alloc()
	if err != nil {
		return 0, err
	}
	inbox, err := s.ctx.register(h, d.Schema().Deconstruct)
	if err != nil {
		return 0, err
	}
	s.msink.IncrCounterWithLabels(telemetry.MetricForkCount, 1, s.metricLabels)
	s.spawn(h, d, &view{s: s, h: h, out: d.Schema().Construct, inbox: inbox})
	return h, nil
}

func (s *IdChannel) getFork(ctx context.Context, h ForkHandle, c Constructor) error {
	if !s.allocatedByPeer(h) {
		return fmt.Errorf("%w: %d was not forked by the peer", ErrUnknownFork, h)
	}
	inbox, err := s.ctx.register(h, c.Schema().Construct)
	if err != nil {
		return err
	}
	return c.Construct(ctx, &view{s: s, h: h, out: c.Schema().Deconstruct, inbox: inbox})
}

func (s *IdChannel) spawn(h ForkHandle, d Deconstructor, v *view) {
	s.lk.Lock()
	s.running++
	s.lk.Unlock()

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer s.taskDone()
		err := d.Deconstruct(s.base, v)
		if err != nil {
			if s.base.Err() != nil {
				s.logger.Debug("fork cancelled", telemetry.LabelFork.L(h), telemetry.LabelError.L(err))
			} else {
				s.logger.Warn("fork deconstruction failed", telemetry.LabelFork.L(h), telemetry.LabelError.L(err))
				s.msink.IncrCounterWithLabels(
					telemetry.MetricForkErrorCount, 1,
					telemetry.With(s.metricLabels, telemetry.LabelFork.M(strconv.FormatUint(uint64(h), 10))),
				)
			}
		}
		s.outbound.push(Item{Channel: h, End: true})
	}()
}

// taskDone ends the outbound queue of an origin when its last
// deconstruction returned: nothing will be sent on the session anymore.
func (s *IdChannel) taskDone() {
	s.lk.Lock()
	s.running--
	last := s.running == 0 && s.started && s.role == Origin
	s.lk.Unlock()
	if last {
		s.logger.Debug("deconstruction finished")
		s.outbound.end()
	}
}

// closedCause is the error returned to senders once nothing can be
// queued anymore.
func (s *IdChannel) closedCause() error {
	if cause := context.Cause(s.base); cause != nil {
		return cause
	}
	return ErrClosed
}

// view is the [Channel] scoped to one fork of a session side.
type view struct {
	s     *IdChannel
	h     ForkHandle
	out   reflect.Type
	inbox *queue[any]
}

var _ Channel = (*view)(nil)

func (v *view) Handle() ForkHandle {
	return v.h
}

func (v *view) Send(_ context.Context, item any) error {
	if !assignable(item, v.out) {
		return &ItemTypeError{Channel: v.h, Got: reflect.TypeOf(item), Want: v.out}
	}
	if !v.s.outbound.push(Item{Channel: v.h, Content: item}) {
		return v.s.closedCause()
	}
	return nil
}

func (v *view) Next(ctx context.Context) (any, error) {
	return v.inbox.pop(ctx)
}

func (v *view) Fork(_ context.Context, d Deconstructor) (ForkHandle, error) {
	return v.s.fork(d)
}

func (v *view) GetFork(ctx context.Context, h ForkHandle, c Constructor) error {
	return v.s.getFork(ctx, h, c)
}

func assignable(item any, typ reflect.Type) bool {
	if item == nil {
		return typ.Kind() == reflect.Interface
	}
	return reflect.TypeOf(item).AssignableTo(typ)
}

// IsClosed reports whether err means the session ended.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
