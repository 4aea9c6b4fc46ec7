package server

import (
	"context"
	"sync"
)

type callsKey struct{}

// inflight counts the calls dispatched to one installed role that are
// running, as opposed to parked in a cell lock queue.
type inflight struct {
	cond *sync.Cond
	mu   sync.Mutex
	n    int
}

func newInflight() *inflight {
	c := &inflight{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *inflight) add(delta int) {
	c.mu.Lock()
	c.n += delta
	if c.n == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *inflight) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// wait blocks until no call is running or ctx ends.
func (c *inflight) wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

// parked marks the call carried by ctx as waiting in a lock queue until the
// returned func runs. A role transition does not wait for parked calls;
// the cells they wait on are detached instead.
func parked(ctx context.Context) func() {
	c, ok := ctx.Value(callsKey{}).(*inflight)
	if !ok {
		return func() {}
	}
	c.add(-1)
	return func() { c.add(1) }
}
