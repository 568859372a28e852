// Package stream forwards verification outcomes to an optional external consumer without
// ever blocking verification.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/devblac/da-verifier/internal/verifier"
)

// Nop is the sink used when no consumer is attached.
type Nop struct{}

func (Nop) Push(verifier.Outcome) {}

// Func adapts a callback to a sink. The callback runs on the verifier goroutine, so it must be quick.
type Func func(verifier.Outcome)

func (f Func) Push(o verifier.Outcome) {
	if f != nil {
		f(o)
	}
}

// Channel is a bounded sink drained by one goroutine into a Sender. When the buffer is full
// new outcomes are dropped and counted.
type Channel struct {
	ch      chan verifier.Outcome
	sender  Sender
	log     *slog.Logger
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewChannel starts draining into sender. Call Close to flush and stop.
func NewChannel(sender Sender, size int, log *slog.Logger) *Channel {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		ch:     make(chan verifier.Outcome, size),
		sender: sender,
		log:    log,
		done:   make(chan struct{}),
	}
	go c.drain()
	return c
}

// Push enqueues o without blocking.
func (c *Channel) Push(o verifier.Outcome) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.ch <- o:
	default:
		c.dropped.Add(1)
	}
}

// Dropped reports outcomes discarded because the buffer was full.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

// Failed reports outcomes the sender rejected.
func (c *Channel) Failed() uint64 { return c.failed.Load() }

// Close stops accepting outcomes and waits for the buffer to drain.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Channel) drain() {
	defer close(c.done)
	for o := range c.ch {
		if err := c.sender.Send(context.Background(), o); err != nil {
			c.failed.Add(1)
			c.log.Warn("stream send failed", "tx_id", o.TxID, "error", err)
		}
	}
}

var (
	_ verifier.Sink = Nop{}
	_ verifier.Sink = Func(nil)
	_ verifier.Sink = (*Channel)(nil)
)
