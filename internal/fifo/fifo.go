// Package fifo implements the shared request/response queue connecting a
// block-I/O client to the request server, including the signal word both
// sides use to block and wake each other.
//
// The two legs are deliberately asymmetric. The request leg is bounded
// by the queue depth and rejects overflow with ErrQueueFull. The
// response leg buffers without a hard cap: a reply is appended from a
// completion callback, which must never block (it would stall driver
// workers and any barrier waiting on them) and must never drop (every
// request gets exactly one reply). The backlog is still bounded in
// practice by the client's own writes - at most one response exists per
// request admitted through the bounded leg and not yet taken.
package fifo

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
)

// Signals is a bitmask of queue-handle conditions.
type Signals uint32

// Signal bits.
const (
	// SignalReadable is set while at least one request record is queued.
	SignalReadable Signals = 1 << 0

	// SignalTerminate requests server shutdown.
	SignalTerminate Signals = 1 << 1

	// SignalOpsComplete is raised by a completion callback when work a
	// barrier was waiting on has drained. The server clears it before
	// each drain pass.
	SignalOpsComplete Signals = 1 << 2

	// SignalTerminated is raised once the server has fully drained and
	// stopped.
	SignalTerminated Signals = 1 << 3
)

// DefaultDepth is the default request queue capacity.
const DefaultDepth = 256

// Queue is a bounded request queue plus an unbounded response stream.
// Requests have a single consumer (the server goroutine); responses have
// many producers (the server goroutine and completion callbacks).
type Queue struct {
	mu         sync.Mutex
	reqs       []blockio.Request
	depth      int
	resps      []blockio.Response
	peerClosed bool
	notify     chan struct{}
	signals    atomic.Uint32
}

// New creates a queue with the given request capacity. A depth of 0
// selects DefaultDepth.
func New(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}

	return &Queue{
		depth:  depth,
		notify: make(chan struct{}),
	}
}

// broadcast wakes every current waiter. Callers must hold mu.
func (q *Queue) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Raise sets the given signal bits and wakes waiters.
func (q *Queue) Raise(s Signals) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.signals.Or(uint32(s))
	q.broadcast()
}

// Clear clears the given signal bits.
func (q *Queue) Clear(s Signals) {
	q.signals.And(^uint32(s))
}

// Observed returns the currently set bits within mask.
func (q *Queue) Observed(mask Signals) Signals {
	return Signals(q.signals.Load()) & mask
}

// Wait blocks until any bit in mask is set or ctx ends. It returns the
// observed bits; spurious wake-ups may return early with bits already
// cleared by another goroutine, so callers must tolerate re-checking.
func (q *Queue) Wait(ctx context.Context, mask Signals) (Signals, error) {
	for {
		q.mu.Lock()
		ch := q.notify
		q.mu.Unlock()

		if s := q.Observed(mask); s != 0 {
			return s, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Write enqueues request records. It fails with ErrQueueFull if the
// records do not all fit, and ErrPeerClosed after CloseClient.
func (q *Queue) Write(reqs ...blockio.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.peerClosed {
		return ErrPeerClosed
	}

	if len(q.reqs)+len(reqs) > q.depth {
		return ErrQueueFull
	}

	q.reqs = append(q.reqs, reqs...)
	q.signals.Or(uint32(SignalReadable))
	q.broadcast()

	return nil
}

// Read pops up to len(dst) request records. It returns 0 with a nil
// error when the queue is momentarily empty, and ErrPeerClosed once the
// client has closed its end and everything queued has been consumed.
func (q *Queue) Read(dst []blockio.Request) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.reqs) == 0 {
		q.signals.And(^uint32(SignalReadable))
		if q.peerClosed {
			return 0, ErrPeerClosed
		}

		return 0, nil
	}

	n := copy(dst, q.reqs)
	q.reqs = q.reqs[n:]

	if len(q.reqs) == 0 {
		q.signals.And(^uint32(SignalReadable))
	}

	return n, nil
}

// WriteResponse appends a response record. Safe for concurrent use from
// completion callbacks; it never blocks and never drops (see the
// package doc for the bounding argument).
func (q *Queue) WriteResponse(resp blockio.Response) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.resps = append(q.resps, resp)
	q.broadcast()
}

// TakeResponses removes and returns all queued responses.
func (q *Queue) TakeResponses() []blockio.Response {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.resps
	q.resps = nil

	return out
}

// CloseClient closes the client end. The server observes ErrPeerClosed
// from Read once the remaining queued records have been drained.
func (q *Queue) CloseClient() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.peerClosed = true
	// Closing counts as readable so a blocked server wakes up and
	// observes ErrPeerClosed from Read.
	q.signals.Or(uint32(SignalReadable))
	q.broadcast()
}
