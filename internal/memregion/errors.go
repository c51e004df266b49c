package memregion

import "errors"

// Region errors.
var (
	// ErrOutOfRange indicates an access outside the region's bounds.
	ErrOutOfRange = errors.New("access outside region bounds")
)
