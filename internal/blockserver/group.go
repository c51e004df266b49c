package blockserver

import (
	"sync"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
)

// DefaultMaxGroups is the default size of the transaction group array.
const DefaultMaxGroups = 8

// transactionGroup turns N physical completions into one client-visible
// reply. A group cycles Idle -> Open (first enqueue of a batch) ->
// draining -> Idle when its outstanding count reaches zero.
//
// Slots are independent: the server goroutine enqueues while completion
// callbacks complete, so each slot carries its own lock.
type transactionGroup struct {
	mu          sync.Mutex
	id          uint16
	outstanding uint32
	status      blockio.Status
	wantsReply  bool
	requestID   uint32
}

// enqueue admits one request into the group's open batch. The enqueue
// carrying wantsReply caches the request id the eventual reply will
// bear. The aggregate status is deliberately left alone: a batch stays
// open across a transient zero outstanding count while its members'
// completions outpace the client's enqueues, and an error recorded in
// that window must survive into the reply.
//
// A group accepts only one open batch at a time: enqueueing after the
// reply-carrying member but before the batch has drained is a client
// error, surfaced as StatusNoResources for an immediate failed
// completion.
func (g *transactionGroup) enqueue(wantsReply bool, requestID uint32) blockio.Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.wantsReply {
		return blockio.StatusNoResources
	}

	g.outstanding++

	if wantsReply {
		g.wantsReply = true
		g.requestID = requestID
	}

	return blockio.StatusOk
}

// addFragments pre-charges the batch for the extra fragments of a split
// request so the group waits for every fragment.
func (g *transactionGroup) addFragments(n uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.outstanding += n
}

// complete records one member's completion. A non-Ok status overwrites
// the aggregate unconditionally (last error wins). When the batch has
// fully drained and a reply was requested, complete returns the single
// response for the batch and resets the group to idle; the aggregate
// status resets here, once the reply is built, never earlier.
func (g *transactionGroup) complete(status blockio.Status) (blockio.Response, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if status != blockio.StatusOk {
		g.status = status
	}

	g.outstanding--

	if g.outstanding != 0 || !g.wantsReply {
		return blockio.Response{}, false
	}

	resp := blockio.Response{
		Status:    g.status,
		RequestID: g.requestID,
		GroupID:   g.id,
		Count:     1,
	}

	g.wantsReply = false
	g.requestID = 0
	g.status = blockio.StatusOk

	return resp, true
}
