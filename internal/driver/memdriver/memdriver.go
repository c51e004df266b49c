// Package memdriver implements an in-memory block device behind the
// asynchronous driver interface. Operations are executed by a small
// worker pool, so completions fire on goroutines other than the
// submitter's, in whatever order the pool happens to schedule them.
//
// A hold mode parks submissions until the caller releases them, which
// lets tests pick the exact completion order in-flight operations
// resolve in.
package memdriver

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
	"github.com/walkthetalk/zircon-sub003/internal/driver"
)

// Default device geometry.
const (
	DefaultBlockSize         = 4096
	DefaultSizeBlocks        = 1024
	DefaultMaxTransferBlocks = 64
	DefaultWorkers           = 4
	defaultJobDepth          = 1024

	// opSize is the reported control-block size; the server sizes its
	// submissions to it the way it would for a real driver.
	opSize = 64
)

// Config holds device parameters.
type Config struct {
	SizeBlocks        uint64
	BlockSize         uint32
	MaxTransferBlocks uint32
	Workers           int
}

// DefaultConfig returns a default device configuration.
func DefaultConfig() Config {
	return Config{
		SizeBlocks:        DefaultSizeBlocks,
		BlockSize:         DefaultBlockSize,
		MaxTransferBlocks: DefaultMaxTransferBlocks,
		Workers:           DefaultWorkers,
	}
}

type job struct {
	op   *driver.Op
	done driver.CompletionFunc
}

// Device is an in-memory block device.
type Device struct {
	cfg   Config
	store []byte

	storeMu sync.Mutex
	jobs    chan job
	wg      sync.WaitGroup

	holdMu  sync.Mutex
	holding bool
	held    []job

	failNext  atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	closed    atomic.Bool
}

// New creates a device and starts its worker pool.
func New(cfg Config) *Device {
	if cfg.SizeBlocks == 0 {
		cfg.SizeBlocks = DefaultSizeBlocks
	}

	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	d := &Device{
		cfg:   cfg,
		store: make([]byte, cfg.SizeBlocks*uint64(cfg.BlockSize)),
		jobs:  make(chan job, defaultJobDepth),
	}

	for range cfg.Workers {
		d.wg.Add(1)

		go d.worker()
	}

	log.Debug().
		Uint64("size_blocks", cfg.SizeBlocks).
		Uint32("block_size", cfg.BlockSize).
		Int("workers", cfg.Workers).
		Msg("memdriver: device created")

	return d
}

// Query returns the device parameters.
func (d *Device) Query() driver.Info {
	return driver.Info{
		BlockSize:         d.cfg.BlockSize,
		MaxTransferBlocks: d.cfg.MaxTransferBlocks,
		OpSize:            opSize,
	}
}

// Submit queues one operation for execution. It never blocks the caller.
func (d *Device) Submit(op *driver.Op, done driver.CompletionFunc) {
	d.submitted.Add(1)

	j := job{op: op, done: done}

	d.holdMu.Lock()
	if d.holding {
		d.held = append(d.held, j)
		d.holdMu.Unlock()

		return
	}
	d.holdMu.Unlock()

	select {
	case d.jobs <- j:
	default:
		// Queue momentarily full; hand off without blocking the
		// submitter, preserving the asynchronous contract.
		go func() { d.jobs <- j }()
	}
}

// SetHold toggles hold mode. While holding, submissions are parked until
// released. Turning hold off releases everything currently parked.
func (d *Device) SetHold(hold bool) {
	d.holdMu.Lock()
	d.holding = hold
	var pending []job
	if !hold {
		pending = d.held
		d.held = nil
	}
	d.holdMu.Unlock()

	for _, j := range pending {
		d.jobs <- j
	}
}

// Held returns the number of parked submissions.
func (d *Device) Held() int {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()

	return len(d.held)
}

// ReleaseHeld releases the parked submission at index i (in submission
// order). It reports whether a submission was released.
func (d *Device) ReleaseHeld(i int) bool {
	d.holdMu.Lock()
	if i < 0 || i >= len(d.held) {
		d.holdMu.Unlock()

		return false
	}

	j := d.held[i]
	d.held = append(d.held[:i], d.held[i+1:]...)
	d.holdMu.Unlock()

	d.jobs <- j

	return true
}

// FailNext forces the next executed operation to complete with status.
func (d *Device) FailNext(status blockio.Status) {
	d.failNext.Store(int32(status))
}

// Submitted returns the number of operations handed to the device.
func (d *Device) Submitted() int64 {
	return d.submitted.Load()
}

// Completed returns the number of operations completed.
func (d *Device) Completed() int64 {
	return d.completed.Load()
}

// Close stops the worker pool after the queued work has run. Held
// submissions must be released before Close.
func (d *Device) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	close(d.jobs)
	d.wg.Wait()
}

func (d *Device) worker() {
	defer d.wg.Done()

	for j := range d.jobs {
		status := d.execute(j.op)
		d.completed.Add(1)
		j.done(status)
	}
}

func (d *Device) execute(op *driver.Op) blockio.Status {
	if s := d.failNext.Swap(0); s != 0 {
		return blockio.Status(s)
	}

	bs := uint64(d.cfg.BlockSize)

	switch op.Command & blockio.OpMask {
	case blockio.OpRead, blockio.OpWrite:
		if op.Region == nil {
			return blockio.StatusInvalidArgs
		}

		if !d.inRange(op) {
			return blockio.StatusOutOfRange
		}

		return d.transfer(op, op.DeviceOffset*bs, uint64(op.Length)*bs)

	case blockio.OpFlush:
		// Backing store is memory; flush is a point of order only.
		return blockio.StatusOk

	case blockio.OpTrim:
		if !d.inRange(op) {
			return blockio.StatusOutOfRange
		}

		devOff := op.DeviceOffset * bs
		length := uint64(op.Length) * bs

		d.storeMu.Lock()
		clear(d.store[devOff : devOff+length])
		d.storeMu.Unlock()

		return blockio.StatusOk

	default:
		return blockio.StatusNotSupported
	}
}

// inRange checks an op's device range in block units before any byte
// arithmetic, so a huge offset cannot wrap the multiplication and alias
// back into the store.
func (d *Device) inRange(op *driver.Op) bool {
	return op.DeviceOffset <= d.cfg.SizeBlocks &&
		uint64(op.Length) <= d.cfg.SizeBlocks-op.DeviceOffset
}

func (d *Device) transfer(op *driver.Op, devOff, length uint64) blockio.Status {
	regOff := int64(op.RegionOffset * uint64(d.cfg.BlockSize))
	buf := make([]byte, length)

	if op.Command&blockio.OpMask == blockio.OpWrite {
		if err := op.Region.ReadAt(buf, regOff); err != nil {
			return blockio.StatusOutOfRange
		}

		d.storeMu.Lock()
		copy(d.store[devOff:], buf)
		d.storeMu.Unlock()

		return blockio.StatusOk
	}

	d.storeMu.Lock()
	copy(buf, d.store[devOff:devOff+length])
	d.storeMu.Unlock()

	if err := op.Region.WriteAt(buf, regOff); err != nil {
		return blockio.StatusOutOfRange
	}

	return blockio.StatusOk
}
