// Package blockserver implements the asynchronous block-I/O request
// server: it multiplexes read/write/flush/trim requests arriving over a
// shared bounded queue onto a driver's asynchronous submission
// interface, enforcing per-connection ordering barriers, grouped
// completion semantics, oversized-request splitting, and backpressure.
//
// Exactly one server goroutine owns the shared queue and the admission
// queue. Completion callbacks run on arbitrary driver worker goroutines
// and touch only atomic counters, the lock-guarded region table, and
// the addressed transaction group slot.
package blockserver

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
	"github.com/walkthetalk/zircon-sub003/internal/driver"
	"github.com/walkthetalk/zircon-sub003/internal/fifo"
	"github.com/walkthetalk/zircon-sub003/internal/memregion"
	"github.com/walkthetalk/zircon-sub003/internal/metrics"
)

// Config holds server parameters.
type Config struct {
	// ReadBatch bounds the number of records consumed per receive.
	ReadBatch int

	// MaxGroups is the size of the transaction group array; group ids
	// at or above it are rejected.
	MaxGroups int

	// RegionSlots is the region table capacity.
	RegionSlots int

	// DrainPoll is the poll interval while waiting out in-flight work
	// during termination.
	DrainPoll time.Duration
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() Config {
	return Config{
		ReadBatch:   32,
		MaxGroups:   DefaultMaxGroups,
		RegionSlots: DefaultRegionSlots,
		DrainPoll:   10 * time.Millisecond,
	}
}

// Server owns one connection's request/response queue, region table,
// transaction groups, and admission queue.
type Server struct {
	cfg     Config
	queue   *fifo.Queue
	drv     driver.Driver
	info    driver.Info
	regions *RegionTable
	groups  []transactionGroup
	seq     sequencer

	// draining is touched only by the server goroutine.
	draining bool
}

// New creates a server over a ready queue handle and driver. The driver
// is queried once for its parameters.
func New(q *fifo.Queue, drv driver.Driver, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.ReadBatch <= 0 {
		cfg.ReadBatch = def.ReadBatch
	}

	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = def.MaxGroups
	}

	if cfg.RegionSlots <= 0 {
		cfg.RegionSlots = def.RegionSlots
	}

	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = def.DrainPoll
	}

	s := &Server{
		cfg:     cfg,
		queue:   q,
		drv:     drv,
		info:    drv.Query(),
		regions: NewRegionTable(cfg.RegionSlots),
		groups:  make([]transactionGroup, cfg.MaxGroups),
	}

	for i := range s.groups {
		s.groups[i].id = uint16(i) //nolint:gosec // G115: MaxGroups fits uint16
	}

	return s
}

// AttachRegion registers client memory and returns its region id,
// taking over the caller's reference.
func (s *Server) AttachRegion(r *memregion.Region) (uint16, error) {
	if s.queue.Observed(fifo.SignalTerminated) != 0 {
		return 0, ErrServerStopped
	}

	id, err := s.regions.Attach(r)
	if err != nil {
		return 0, err
	}

	metrics.RegionsAttached.Set(float64(s.regions.Active()))

	return id, nil
}

// DetachRegion removes a region by id.
func (s *Server) DetachRegion(id uint16) error {
	if err := s.regions.Close(id); err != nil {
		return err
	}

	metrics.RegionsAttached.Set(float64(s.regions.Active()))

	return nil
}

// Run executes the receive/dispatch loop until the connection drains:
// opportunistically drain the admission queue, block for new records or
// an ops-complete wake-up, consume a bounded batch, dispatch each
// record. On peer close, explicit terminate, or ctx cancellation the
// server keeps draining until nothing is queued or in flight, then
// raises the terminated signal and returns.
func (s *Server) Run(ctx context.Context) error {
	log.Info().
		Uint32("block_size", s.info.BlockSize).
		Uint32("max_transfer", s.info.MaxTransferBlocks).
		Int("groups", len(s.groups)).
		Msg("block server running")

	batch := make([]blockio.Request, s.cfg.ReadBatch)

	for {
		// Clear before draining, not after: a completion finishing
		// concurrently re-raises the signal and is never missed.
		s.queue.Clear(fifo.SignalOpsComplete)

		if s.seq.drain(s.submit) {
			metrics.BarrierStallsTotal.Inc()
		}

		if s.draining {
			if s.seq.idle() {
				log.Info().Msg("block server terminated")
				s.queue.Raise(fifo.SignalTerminated)

				return nil
			}

			wctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainPoll)
			_, _ = s.queue.Wait(wctx, fifo.SignalOpsComplete)
			cancel()

			continue
		}

		sigs, err := s.queue.Wait(ctx, fifo.SignalReadable|fifo.SignalOpsComplete|fifo.SignalTerminate)
		if err != nil {
			log.Info().Msg("block server context canceled, draining")
			s.draining = true

			continue
		}

		if sigs&fifo.SignalTerminate != 0 {
			log.Info().Msg("block server terminate requested, draining")
			s.draining = true

			continue
		}

		if sigs&fifo.SignalReadable != 0 {
			n, err := s.queue.Read(batch)
			if err != nil {
				log.Info().Msg("block server peer closed, draining")
				s.draining = true

				continue
			}

			for i := range n {
				s.dispatch(batch[i])
			}
		}
	}
}

// Shutdown raises the terminate signal and blocks until the server has
// fully drained and raised terminated.
func (s *Server) Shutdown(ctx context.Context) error {
	s.queue.Raise(fifo.SignalTerminate)

	_, err := s.queue.Wait(ctx, fifo.SignalTerminated)

	return err
}

// dispatch validates one record and either admits pending operations or
// converts the failure into an immediate completion. Every record yields
// exactly one completion per original client request, honoring group
// aggregation.
func (s *Server) dispatch(req blockio.Request) {
	grouped := req.Flag(blockio.FlagGroupItem)

	if grouped {
		if int(req.GroupID) >= len(s.groups) {
			s.respondOutOfBand(req, blockio.StatusIoError)

			return
		}

		if st := s.groups[req.GroupID].enqueue(req.Flag(blockio.FlagGroupLast), req.RequestID); st != blockio.StatusOk {
			s.respondOutOfBand(req, st)

			return
		}
	}

	admitted, status := s.admit(req, grouped)
	if !admitted {
		s.completeImmediate(req, grouped, status)
	}
}

// admit routes a record to its handler. It reports whether pending
// operations were queued; if not, status is the immediate result.
func (s *Server) admit(req blockio.Request, grouped bool) (bool, blockio.Status) {
	switch req.Op() {
	case blockio.OpRead, blockio.OpWrite:
		return s.admitTransfer(req, grouped)

	case blockio.OpFlush:
		s.seq.push(newPendingOp(req, nil, s.info.OpSize))

		return true, blockio.StatusOk

	case blockio.OpTrim:
		if req.Length == 0 {
			return false, blockio.StatusInvalidArgs
		}

		s.seq.push(newPendingOp(req, nil, s.info.OpSize))

		return true, blockio.StatusOk

	case blockio.OpCloseRegion:
		if err := s.regions.Close(req.RegionID); err != nil {
			return false, blockio.StatusIoError
		}

		metrics.RegionsAttached.Set(float64(s.regions.Active()))

		return false, blockio.StatusOk

	default:
		log.Debug().Uint32("op", req.Op()).Msg("unknown opcode")

		return false, blockio.StatusNotSupported
	}
}

// admitTransfer validates a read or write and queues its pending
// operation, splitting it when the length exceeds the driver's maximum
// transfer.
func (s *Server) admitTransfer(req blockio.Request, grouped bool) (bool, blockio.Status) {
	if req.Length == 0 {
		return false, blockio.StatusInvalidArgs
	}

	region, err := s.regions.Lookup(req.RegionID)
	if err != nil {
		return false, blockio.StatusIoError
	}

	bs := uint64(s.info.BlockSize)
	if req.RegionOffset > math.MaxUint64/bs {
		region.Unref()

		return false, blockio.StatusOutOfRange
	}

	if err := s.regions.ValidateRange(region, req.RegionOffset*bs, uint64(req.Length)*bs); err != nil {
		region.Unref()

		return false, blockio.StatusOutOfRange
	}

	p := newPendingOp(req, region, s.info.OpSize)

	if maxBlocks := s.info.MaxTransferBlocks; maxBlocks > 0 && req.Length > maxBlocks {
		frags := split(p, maxBlocks)
		if grouped {
			s.groups[req.GroupID].addFragments(uint32(len(frags)) - 1)
		}

		metrics.SplitsTotal.Inc()
		s.seq.push(frags...)

		return true, blockio.StatusOk
	}

	s.seq.push(p)

	return true, blockio.StatusOk
}

// submit hands one admitted operation to the driver. Ordering flags
// were already stripped by the sequencer.
func (s *Server) submit(p *pendingOp) {
	metrics.SubmissionsTotal.Inc()
	metrics.InflightOps.Inc()

	s.drv.Submit(&p.op, func(status blockio.Status) {
		s.onComplete(p, status)
	})
}

// onComplete is the completion-callback entrypoint. It runs on
// arbitrary driver goroutines: report to the transaction group (or
// reply directly), decrement the in-flight count, release the region
// reference, and wake the server goroutine if a barrier was waiting on
// this completion.
func (s *Server) onComplete(p *pendingOp, status blockio.Status) {
	metrics.InflightOps.Dec()

	switch {
	case p.grouped:
		if resp, done := s.groups[p.groupID].complete(status); done {
			metrics.GroupRepliesTotal.Inc()
			s.respond(p.op.Command, resp)
		}

	case p.frags != nil:
		// Fragment of a split groupless request: one reply once every
		// fragment is in.
		if agg, done := p.frags.complete(status); done {
			s.respond(p.op.Command, blockio.Response{
				Status:    agg,
				RequestID: p.requestID,
				GroupID:   p.groupID,
				Count:     1,
			})
		}

	default:
		s.respond(p.op.Command, blockio.Response{
			Status:    status,
			RequestID: p.requestID,
			GroupID:   p.groupID,
			Count:     1,
		})
	}

	if s.seq.completeOne() {
		s.queue.Raise(fifo.SignalOpsComplete)
	}

	if p.op.Region != nil {
		p.op.Region.Unref()
	}
}

// completeImmediate finishes a request that never reached the driver:
// grouped requests report through their group, everything else replies
// directly.
func (s *Server) completeImmediate(req blockio.Request, grouped bool, status blockio.Status) {
	if grouped {
		if resp, done := s.groups[req.GroupID].complete(status); done {
			metrics.GroupRepliesTotal.Inc()
			s.respond(req.OpFlags, resp)
		}

		return
	}

	s.respond(req.OpFlags, blockio.Response{
		Status:    status,
		RequestID: req.RequestID,
		GroupID:   req.GroupID,
		Count:     1,
	})
}

// respondOutOfBand answers a record that could not even be accounted to
// a group, e.g. an out-of-range group id or a group already holding an
// open batch.
func (s *Server) respondOutOfBand(req blockio.Request, status blockio.Status) {
	s.respond(req.OpFlags, blockio.Response{
		Status:    status,
		RequestID: req.RequestID,
		GroupID:   req.GroupID,
		Count:     1,
	})
}

func (s *Server) respond(opFlags uint32, resp blockio.Response) {
	metrics.RequestsTotal.WithLabelValues(opName(opFlags&blockio.OpMask), resp.Status.String()).Inc()

	if resp.Status != blockio.StatusOk {
		log.Debug().
			Uint32("request_id", resp.RequestID).
			Str("status", resp.Status.String()).
			Msg("request failed")
	}

	s.queue.WriteResponse(resp)
}

func opName(op uint32) string {
	switch op {
	case blockio.OpRead:
		return "read"
	case blockio.OpWrite:
		return "write"
	case blockio.OpFlush:
		return "flush"
	case blockio.OpTrim:
		return "trim"
	case blockio.OpCloseRegion:
		return "close_region"
	default:
		return "unknown"
	}
}
