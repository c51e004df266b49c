package blockserver

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/walkthetalk/zircon-sub003/internal/memregion"
)

// DefaultRegionSlots is the default region table capacity.
const DefaultRegionSlots = 16

// RegionTable tracks client-registered memory regions and their small
// integer ids. Id 0 is never issued, so it stays usable as an invalid
// marker on the wire.
//
// A single lock guards all mutation and lookup; region churn is rare
// relative to I/O rate, so contention is not a concern.
type RegionTable struct {
	mu     sync.Mutex
	slots  []*memregion.Region
	lastID uint16
}

// NewRegionTable creates a table with the given number of id slots.
func NewRegionTable(capacity int) *RegionTable {
	if capacity <= 0 {
		capacity = DefaultRegionSlots
	}

	return &RegionTable{
		slots: make([]*memregion.Region, capacity),
	}
}

// Attach registers a region and returns its id, taking over the caller's
// reference. Ids are issued by scanning for the first free slot after
// the last-issued id, wrapping around, so a freshly closed id is not
// immediately reissued.
func (t *RegionTable) Attach(r *memregion.Region) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := uint16(len(t.slots))
	for i := uint16(1); i <= n; i++ {
		id := (t.lastID+i-1)%n + 1
		if t.slots[id-1] == nil {
			t.slots[id-1] = r
			t.lastID = id

			log.Debug().
				Uint16("region_id", id).
				Str("tag", r.Tag().String()).
				Int("size", r.Len()).
				Msg("region attached")

			return id, nil
		}
	}

	return 0, ErrNoFreeIDs
}

// Lookup returns the region for id with a fresh reference taken on the
// caller's behalf; the caller must Unref when done with it.
func (t *RegionTable) Lookup(id uint16) (*memregion.Region, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.slot(id)
	if r == nil {
		return nil, ErrRegionNotFound
	}

	r.Ref()

	return r, nil
}

// Close removes the region for id and drops the table's reference,
// freeing the id for reuse. In-flight operations referencing the region
// keep it alive through their own references; Close does not wait for
// them.
func (t *RegionTable) Close(id uint16) error {
	t.mu.Lock()
	r := t.slot(id)
	if r == nil {
		t.mu.Unlock()

		return ErrRegionNotFound
	}

	t.slots[id-1] = nil
	t.mu.Unlock()

	log.Debug().Uint16("region_id", id).Msg("region closed")
	r.Unref()

	return nil
}

// Active returns the number of attached regions.
func (t *RegionTable) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, r := range t.slots {
		if r != nil {
			n++
		}
	}

	return n
}

// ValidateRange checks a byte offset/length pair against the region's
// backing size.
func (t *RegionTable) ValidateRange(r *memregion.Region, offset, length uint64) error {
	size := uint64(r.Len())
	if offset > size || length > size-offset {
		return ErrRangeOutOfBounds
	}

	return nil
}

func (t *RegionTable) slot(id uint16) *memregion.Region {
	if id == 0 || int(id) > len(t.slots) {
		return nil
	}

	return t.slots[id-1]
}
