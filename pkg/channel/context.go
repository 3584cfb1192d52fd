package channel

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Context tracks which forks of a session side are ready to receive
// items, and with which Go type. A fork becomes ready once, when it is
// registered by [Channel.Fork] or [Channel.GetFork], and never goes back.
type Context struct {
	lk      sync.Mutex
	slots   map[ForkHandle]*slot
	closed  bool
	cause   error
	closeCh chan struct{}
}

type slot struct {
	typ   reflect.Type
	ready chan struct{}
	inbox *queue[any]
}

func newContext() *Context {
	return &Context{
		slots:   make(map[ForkHandle]*slot),
		closeCh: make(chan struct{}),
	}
}

// slotOf must be called with c.lk held.
func (c *Context) slotOf(h ForkHandle) *slot {
	s, ok := c.slots[h]
	if !ok {
		s = &slot{ready: make(chan struct{})}
		c.slots[h] = s
	}
	return s
}

func (c *Context) register(h ForkHandle, typ reflect.Type) (*queue[any], error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return nil, c.cause
	}
	s := c.slotOf(h)
	if s.typ != nil {
		return nil, fmt.Errorf("%w: %d", ErrForkReused, h)
	}
	s.typ = typ
	s.inbox = newQueue[any]()
	close(s.ready)
	return s.inbox, nil
}

func (c *Context) inbox(h ForkHandle) (*queue[any], bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	s, ok := c.slots[h]
	if !ok || s.typ == nil {
		return nil, false
	}
	return s.inbox, true
}

// Lookup returns the type of the items the fork h receives, if h is
// registered.
func (c *Context) Lookup(h ForkHandle) (reflect.Type, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	s, ok := c.slots[h]
	if !ok || s.typ == nil {
		return nil, false
	}
	return s.typ, true
}

// Predicate reports whether item may be admitted, that is whether the
// fork it belongs to is registered.
func (c *Context) Predicate(item Item) bool {
	_, ok := c.Lookup(item.Channel)
	return ok
}

// WaitFor blocks until h is registered, the context is closed or ctx is
// done.
func (c *Context) WaitFor(ctx context.Context, h ForkHandle) error {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return c.cause
	}
	ready := c.slotOf(h).ready
	c.lk.Unlock()

	select {
	case <-ready:
		return nil
	case <-c.closeCh:
		return c.closeCause()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Context) closeCause() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.cause
}

func (c *Context) close(cause error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cause = cause
	close(c.closeCh)
	for _, s := range c.slots {
		if s.inbox != nil {
			s.inbox.fail(cause)
		}
	}
}
