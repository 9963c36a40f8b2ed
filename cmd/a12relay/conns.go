package main

import (
	"context"
	"sync"

	"github.com/chronologos/a12relay/internal/transport"
)

// conns tracks live endpoints so a signal can end every relay. Each relay
// runs on its own goroutine and shares nothing else.
type conns struct {
	mu     sync.Mutex
	live   map[*transport.Endpoint]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newConns() *conns {
	return &conns{live: make(map[*transport.Endpoint]struct{})}
}

// goRelay runs fn for ep on a new goroutine and closes ep when fn returns.
// After shutdown it closes ep right away.
func (c *conns) goRelay(ep *transport.Endpoint, fn func(*transport.Endpoint)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ep.Close()
		return
	}
	c.live[ep] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.live, ep)
			c.mu.Unlock()
			ep.Close()
		}()
		fn(ep)
	}()
}

// shutdownOn shuts every live endpoint down once ctx ends.
func (c *conns) shutdownOn(ctx context.Context) {
	<-ctx.Done()
	c.mu.Lock()
	c.closed = true
	for ep := range c.live {
		ep.Shutdown()
	}
	c.mu.Unlock()
}

// wait blocks until every relay has returned.
func (c *conns) wait() { c.wg.Wait() }
