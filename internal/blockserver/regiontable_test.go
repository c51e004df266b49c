package blockserver

import (
	"errors"
	"testing"

	"github.com/walkthetalk/zircon-sub003/internal/memregion"
)

func TestAttachIssuesUniqueIDs(t *testing.T) {
	tbl := NewRegionTable(8)

	seen := make(map[uint16]bool)

	for i := range 8 {
		id, err := tbl.Attach(memregion.New(64))
		if err != nil {
			t.Fatalf("Attach %d failed: %v", i, err)
		}

		if id == 0 {
			t.Fatal("id 0 must never be issued")
		}

		if seen[id] {
			t.Fatalf("id %d issued twice", id)
		}

		seen[id] = true
	}

	if _, err := tbl.Attach(memregion.New(64)); !errors.Is(err, ErrNoFreeIDs) {
		t.Errorf("Attach on full table: got %v, want ErrNoFreeIDs", err)
	}
}

func TestCloseFreesIDForReuse(t *testing.T) {
	tbl := NewRegionTable(2)

	a, err := tbl.Attach(memregion.New(64))
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if _, err := tbl.Attach(memregion.New(64)); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := tbl.Close(a); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Table was full; the freed id is the only one available.
	id, err := tbl.Attach(memregion.New(64))
	if err != nil {
		t.Fatalf("Attach after Close failed: %v", err)
	}

	if id != a {
		t.Errorf("reattach issued id %d, want freed id %d", id, a)
	}
}

func TestScanStartsAfterLastIssued(t *testing.T) {
	tbl := NewRegionTable(4)

	first, err := tbl.Attach(memregion.New(64))
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if err := tbl.Close(first); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The scan resumes after the last-issued id, so the freshly closed
	// id is not immediately reissued while other slots are free.
	second, err := tbl.Attach(memregion.New(64))
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	if second == first {
		t.Errorf("id %d reissued immediately; expected a later slot", first)
	}
}

func TestLookupRefsAndClose(t *testing.T) {
	tbl := NewRegionTable(4)

	r := memregion.New(64)

	id, err := tbl.Attach(r)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	got, err := tbl.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	if got != r {
		t.Fatal("Lookup returned wrong region")
	}

	if got.Refs() != 2 {
		t.Errorf("Refs after Lookup = %d, want 2", got.Refs())
	}

	// Close drops the table's reference; the lookup reference keeps
	// the region alive.
	if err := tbl.Close(id); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got.Refs() != 1 {
		t.Errorf("Refs after Close = %d, want 1", got.Refs())
	}

	if _, err := tbl.Lookup(id); !errors.Is(err, ErrRegionNotFound) {
		t.Errorf("Lookup after Close: got %v, want ErrRegionNotFound", err)
	}

	if err := tbl.Close(id); !errors.Is(err, ErrRegionNotFound) {
		t.Errorf("double Close: got %v, want ErrRegionNotFound", err)
	}

	got.Unref()
}

func TestValidateRange(t *testing.T) {
	tbl := NewRegionTable(1)
	r := memregion.New(4096)

	cases := []struct {
		name    string
		offset  uint64
		length  uint64
		wantErr bool
	}{
		{"full region", 0, 4096, false},
		{"interior", 512, 1024, false},
		{"empty at end", 4096, 0, false},
		{"offset past end", 4097, 0, true},
		{"length past end", 4090, 8, true},
		{"huge length", 0, 1 << 40, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tbl.ValidateRange(r, tc.offset, tc.length)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateRange(%d, %d) = %v, wantErr %v", tc.offset, tc.length, err, tc.wantErr)
			}
		})
	}
}
