package blockserver

import (
	"sync"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
	"github.com/walkthetalk/zircon-sub003/internal/driver"
	"github.com/walkthetalk/zircon-sub003/internal/memregion"
)

// pendingOp is one in-flight unit of work bound to one wire record, or
// to one fragment of a split record. It is mutated only by the server
// goroutine until handed to the driver, then owned by the in-flight
// device operation until its single completion fires.
type pendingOp struct {
	op        driver.Op
	requestID uint32
	groupID   uint16
	grouped   bool

	// frags aggregates the fragments of a split groupless request into
	// the single reply the client expects. Grouped fragments report
	// through their transaction group instead.
	frags *fragTracker
}

// fragTracker collapses the completions of a groupless split request
// into one reply, with the same last-error-wins aggregation a
// transaction group applies.
type fragTracker struct {
	mu        sync.Mutex
	remaining uint32
	status    blockio.Status
}

// complete records one fragment. It returns the aggregate status and
// whether this was the final fragment.
func (f *fragTracker) complete(status blockio.Status) (blockio.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if status != blockio.StatusOk {
		f.status = status
	}

	f.remaining--

	return f.status, f.remaining == 0
}

// newPendingOp builds the submission for a validated request. The
// command keeps the ordering flags (stripped later, at admission) and
// masks off the remaining transport-only bits. region may be nil for
// flush and trim; for read/write the caller has already taken the
// reference this op holds.
func newPendingOp(req blockio.Request, region *memregion.Region, opSize uint32) *pendingOp {
	return &pendingOp{
		op: driver.Op{
			Command:      req.Op() | req.OpFlags&blockio.FlagBarrierMask,
			Region:       region,
			Length:       req.Length,
			RegionOffset: req.RegionOffset,
			DeviceOffset: req.DeviceOffset,
			Ctrl:         make([]byte, opSize),
		},
		requestID: req.RequestID,
		groupID:   req.GroupID,
		grouped:   req.Flag(blockio.FlagGroupItem),
	}
}

// split breaks p into ceil(Length/maxBlocks) fragments of at most
// maxBlocks blocks each, contiguous in both region and device offset
// space. The before-barrier flag survives only on the first fragment
// and the after-barrier flag only on the last. Each extra fragment
// takes its own region reference. The caller pre-charges the owning
// group for len(frags)-1 additional completions; groupless fragments
// share a fragTracker so the client still sees exactly one reply.
func split(p *pendingOp, maxBlocks uint32) []*pendingOp {
	count := (p.op.Length + maxBlocks - 1) / maxBlocks
	frags := make([]*pendingOp, 0, count)

	var tracker *fragTracker
	if !p.grouped {
		tracker = &fragTracker{remaining: count, status: blockio.StatusOk}
	}

	remaining := p.op.Length
	regionOff := p.op.RegionOffset
	deviceOff := p.op.DeviceOffset

	for remaining > 0 {
		length := remaining
		if length > maxBlocks {
			length = maxBlocks
		}

		f := &pendingOp{
			op: driver.Op{
				Command:      p.op.Command &^ blockio.FlagBarrierMask,
				Region:       p.op.Region,
				Length:       length,
				RegionOffset: regionOff,
				DeviceOffset: deviceOff,
				Ctrl:         make([]byte, len(p.op.Ctrl)),
			},
			requestID: p.requestID,
			groupID:   p.groupID,
			grouped:   p.grouped,
			frags:     tracker,
		}

		if len(frags) > 0 && p.op.Region != nil {
			p.op.Region.Ref()
		}

		frags = append(frags, f)

		remaining -= length
		regionOff += uint64(length)
		deviceOff += uint64(length)
	}

	frags[0].op.Command |= p.op.Command & blockio.FlagBarrierBefore
	frags[len(frags)-1].op.Command |= p.op.Command & blockio.FlagBarrierAfter

	return frags
}
