package memregion

import "sync/atomic"

// refCount is a plain atomic reference count. dec reports whether the
// count reached zero; a double release panics rather than corrupting
// the count silently.
type refCount struct {
	n atomic.Int32
}

func (c *refCount) init(n int32) {
	c.n.Store(n)
}

func (c *refCount) inc() {
	c.n.Add(1)
}

func (c *refCount) dec() bool {
	n := c.n.Add(-1)
	if n < 0 {
		panic("memregion: reference count underflow")
	}

	return n == 0
}

func (c *refCount) load() int32 {
	return c.n.Load()
}
