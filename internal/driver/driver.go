// Package driver defines the asynchronous submission interface the
// request server drives, mirroring the contract of a physical block
// storage driver: Query describes the device, Submit hands over one
// operation and returns immediately, and the completion callback fires
// later on an arbitrary driver worker goroutine, exactly once per
// submitted operation.
package driver

import (
	"github.com/walkthetalk/zircon-sub003/internal/blockio"
	"github.com/walkthetalk/zircon-sub003/internal/memregion"
)

// Info describes a device, as returned by Query.
type Info struct {
	// BlockSize is the device block size in bytes.
	BlockSize uint32

	// MaxTransferBlocks is the largest single transfer the device
	// accepts, in blocks. Zero means unlimited.
	MaxTransferBlocks uint32

	// OpSize is the control-block size the driver requires per
	// operation, in bytes. Submissions are sized to it.
	OpSize uint32
}

// Op is the control block for one submitted operation. The server owns
// it until Submit; afterwards it belongs to the in-flight operation
// until the completion callback fires.
type Op struct {
	// Command is the operation in blockio encoding. Ordering flags are
	// stripped before submission; the driver never sees them.
	Command uint32

	// Region is the memory backing a read or write, nil for flush and
	// trim. The submitter holds a reference for the op's lifetime.
	Region *memregion.Region

	// Length is the transfer length in blocks.
	Length uint32

	// RegionOffset is the block offset within Region.
	RegionOffset uint64

	// DeviceOffset is the block offset on the device.
	DeviceOffset uint64

	// Ctrl is scratch space sized to Info.OpSize, zeroed at
	// construction and reserved for the driver's own bookkeeping.
	Ctrl []byte
}

// CompletionFunc receives the final status of one submitted operation.
// It may run on any goroutine and is invoked at most once.
type CompletionFunc func(status blockio.Status)

// Driver is the submission interface consumed by the request server.
type Driver interface {
	// Query returns the device parameters.
	Query() Info

	// Submit hands one operation to the device. It never blocks; the
	// status is delivered later through done.
	Submit(op *Op, done CompletionFunc)
}
