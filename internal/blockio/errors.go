package blockio

import "errors"

// Wire record errors.
var (
	// ErrShortRecord indicates a buffer too small for a fixed-size record.
	ErrShortRecord = errors.New("buffer too small for record")
)
