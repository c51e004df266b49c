package blockserver

import (
	"sync/atomic"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
)

// sequencer is the admission queue: it drains validated pending
// operations to the driver while honoring ordering barriers.
//
// The accounting is lock-free by construction rather than by cleverness:
// only the server goroutine appends to or pops the queue and increments
// outstanding; only completion callbacks decrement it. A zero read of
// outstanding taken on the server goroutine can only be stale toward
// "more completions happened since", never toward "a completion is
// hidden", so admitting on a zero read is safe.
type sequencer struct {
	queue          []*pendingOp
	deferredBefore bool
	barrier        atomic.Bool
	outstanding    atomic.Int64
}

// push appends ops as one atomic batch. Fragments of a split request
// are pushed together so they are never interleaved with another
// request's fragments.
func (s *sequencer) push(ops ...*pendingOp) {
	s.queue = append(s.queue, ops...)
}

// drain admits queued operations until the queue empties or the front
// operation is blocked behind an unresolved barrier, reporting whether
// it stopped on one. Server goroutine only; safe to re-enter, and a
// no-op on an empty queue, so spurious wake-ups cost nothing.
func (s *sequencer) drain(submit func(*pendingOp)) bool {
	for len(s.queue) > 0 {
		op := s.queue[0]

		if s.deferredBefore {
			op.op.Command |= blockio.FlagBarrierBefore
			s.deferredBefore = false
		}

		if op.op.Command&blockio.FlagBarrierBefore != 0 {
			s.barrier.Store(true)
			if s.outstanding.Load() > 0 {
				// Blocked until in-flight work drains; the last
				// completion raises ops-complete to re-enter here.
				return true
			}

			s.barrier.Store(false)
		}

		if op.op.Command&blockio.FlagBarrierAfter != 0 {
			// An after-barrier defers a before-barrier onto whatever
			// is admitted next.
			s.deferredBefore = true
		}

		s.outstanding.Add(1)
		s.queue = s.queue[1:]

		op.op.Command &^= blockio.FlagBarrierMask
		submit(op)
	}

	return false
}

// completeOne is the completion-side half of the accounting. It reports
// whether the caller should raise an ops-complete wake-up: true exactly
// when this completion drained the last in-flight operation a barrier
// was waiting on.
func (s *sequencer) completeOne() bool {
	return s.outstanding.Add(-1) == 0 && s.barrier.Load()
}

// idle reports whether nothing is queued or in flight.
func (s *sequencer) idle() bool {
	return len(s.queue) == 0 && s.outstanding.Load() == 0
}
