package blockserver

import "errors"

// Region table errors.
var (
	// ErrNoFreeIDs indicates every region id slot is in use.
	ErrNoFreeIDs = errors.New("no free region ids")

	// ErrRegionNotFound indicates no active region has the given id.
	ErrRegionNotFound = errors.New("region not found")

	// ErrRangeOutOfBounds indicates an offset/length pair outside the
	// region's backing memory.
	ErrRangeOutOfBounds = errors.New("range outside region bounds")
)

// Server lifecycle errors.
var (
	// ErrServerStopped indicates the server has already terminated.
	ErrServerStopped = errors.New("server stopped")
)
