package blockserver

import (
	"testing"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
	"github.com/walkthetalk/zircon-sub003/internal/driver"
)

func seqOp(flags uint32) *pendingOp {
	return &pendingOp{op: driver.Op{Command: blockio.OpWrite | flags, Length: 1}}
}

// collect returns a submit func recording admitted ops in order.
func collect(out *[]*pendingOp) func(*pendingOp) {
	return func(p *pendingOp) {
		*out = append(*out, p)
	}
}

func TestDrainEmptyIsNoOp(t *testing.T) {
	var s sequencer
	var admitted []*pendingOp

	// Spurious wake-ups drain an empty queue; must be a no-op.
	for range 3 {
		if stalled := s.drain(collect(&admitted)); stalled {
			t.Fatal("empty drain reported a stall")
		}
	}

	if len(admitted) != 0 || !s.idle() {
		t.Error("empty drain must admit nothing and stay idle")
	}
}

func TestDrainAdmitsInOrderAndStripsFlags(t *testing.T) {
	var s sequencer
	var admitted []*pendingOp

	a, b := seqOp(0), seqOp(blockio.FlagBarrierAfter)
	s.push(a, b)
	s.drain(collect(&admitted))

	if len(admitted) != 2 || admitted[0] != a || admitted[1] != b {
		t.Fatalf("admitted %d ops, want [a b]", len(admitted))
	}

	for i, p := range admitted {
		if p.op.Command&blockio.FlagBarrierMask != 0 {
			t.Errorf("op %d submitted with ordering flags; driver must never see them", i)
		}
	}

	if got := s.outstanding.Load(); got != 2 {
		t.Errorf("outstanding = %d, want 2", got)
	}
}

func TestBarrierBlocksUntilDrained(t *testing.T) {
	var s sequencer
	var admitted []*pendingOp

	s.push(seqOp(0))
	s.drain(collect(&admitted))

	if len(admitted) != 1 {
		t.Fatalf("admitted = %d, want 1", len(admitted))
	}

	s.push(seqOp(blockio.FlagBarrierBefore))

	if stalled := s.drain(collect(&admitted)); !stalled {
		t.Fatal("drain should stall on the barrier while work is in flight")
	}

	if len(admitted) != 1 {
		t.Fatal("barrier op admitted before prior work completed")
	}

	if !s.barrier.Load() {
		t.Fatal("barrier flag should be set while stalled")
	}

	// The completion that empties the in-flight set must request a
	// wake-up.
	if !s.completeOne() {
		t.Fatal("final completion under a barrier must raise ops-complete")
	}

	if stalled := s.drain(collect(&admitted)); stalled {
		t.Fatal("drain should proceed once in-flight work drained")
	}

	if len(admitted) != 2 {
		t.Errorf("admitted = %d, want 2", len(admitted))
	}

	if s.barrier.Load() {
		t.Error("barrier flag should clear once resolved")
	}
}

func TestAfterBarrierDefersOntoNextOp(t *testing.T) {
	var s sequencer
	var admitted []*pendingOp

	s.push(seqOp(blockio.FlagBarrierAfter))
	s.drain(collect(&admitted))

	if len(admitted) != 1 {
		t.Fatalf("after-flag op should admit freely, admitted = %d", len(admitted))
	}

	if !s.deferredBefore {
		t.Fatal("after-flag must defer a barrier onto the next op")
	}

	// The next op inherits the barrier and must wait for the first.
	s.push(seqOp(0))

	if stalled := s.drain(collect(&admitted)); !stalled {
		t.Fatal("deferred barrier should stall the next op")
	}

	if s.deferredBefore {
		t.Error("deferred flag should be consumed onto the queued op")
	}

	if s.completeOne() {
		s.drain(collect(&admitted))
	}

	if len(admitted) != 2 {
		t.Errorf("admitted = %d after completion, want 2", len(admitted))
	}
}

func TestCompleteOneWithoutBarrier(t *testing.T) {
	var s sequencer
	var admitted []*pendingOp

	s.push(seqOp(0))
	s.drain(collect(&admitted))

	if s.completeOne() {
		t.Error("completion with no barrier pending must not raise ops-complete")
	}

	if !s.idle() {
		t.Error("sequencer should be idle after sole op completed")
	}
}
