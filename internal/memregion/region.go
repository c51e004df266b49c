// Package memregion provides the registered-memory regions block-I/O
// requests read from and write into. A region is shared between the
// server's region table and any in-flight operations referencing it, so
// ownership is reference-counted: the table holds one reference and each
// pending operation holds another until its completion fires.
package memregion

import (
	"github.com/google/uuid"
)

// Region is a client-registered block of memory.
type Region struct {
	tag  uuid.UUID
	buf  []byte
	refs refCount
}

// New allocates a zeroed region of the given size with one reference,
// owned by the caller.
func New(size int) *Region {
	r := &Region{
		tag: uuid.New(),
		buf: make([]byte, size),
	}
	r.refs.init(1)

	return r
}

// Tag returns the region's identifier for logging.
func (r *Region) Tag() uuid.UUID {
	return r.tag
}

// Len returns the region's size in bytes.
func (r *Region) Len() int {
	return len(r.buf)
}

// Ref takes an additional reference.
func (r *Region) Ref() {
	r.refs.inc()
}

// Unref drops a reference. When the last reference is dropped the
// backing buffer is scrubbed, mirroring deregistration of pinned memory.
func (r *Region) Unref() {
	if r.refs.dec() {
		clear(r.buf)
	}
}

// Refs returns the current reference count.
func (r *Region) Refs() int32 {
	return r.refs.load()
}

// ReadAt copies len(p) bytes starting at off out of the region.
func (r *Region) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(r.buf)) {
		return ErrOutOfRange
	}

	copy(p, r.buf[off:])

	return nil
}

// WriteAt copies p into the region starting at off.
func (r *Region) WriteAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(r.buf)) {
		return ErrOutOfRange
	}

	copy(r.buf[off:], p)

	return nil
}
