package memdriver

import (
	"bytes"
	"testing"
	"time"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
	"github.com/walkthetalk/zircon-sub003/internal/driver"
	"github.com/walkthetalk/zircon-sub003/internal/memregion"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()

	d := New(Config{SizeBlocks: 64, BlockSize: 512, Workers: 2})
	t.Cleanup(d.Close)

	return d
}

func run(t *testing.T, d *Device, op *driver.Op) blockio.Status {
	t.Helper()

	done := make(chan blockio.Status, 1)
	d.Submit(op, func(status blockio.Status) { done <- status })

	select {
	case status := <-done:
		return status
	case <-time.After(time.Second):
		t.Fatal("completion did not fire")

		return blockio.StatusIoError
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := newTestDevice(t)

	region := memregion.New(4 * 512)
	payload := bytes.Repeat([]byte{0x5A}, 2*512)

	if err := region.WriteAt(payload, 0); err != nil {
		t.Fatalf("fill region: %v", err)
	}

	st := run(t, d, &driver.Op{Command: blockio.OpWrite, Region: region, Length: 2, DeviceOffset: 8})
	if st != blockio.StatusOk {
		t.Fatalf("write status = %s", st)
	}

	st = run(t, d, &driver.Op{Command: blockio.OpRead, Region: region, Length: 2, RegionOffset: 2, DeviceOffset: 8})
	if st != blockio.StatusOk {
		t.Fatalf("read status = %s", st)
	}

	echo := make([]byte, len(payload))
	if err := region.ReadAt(echo, 2*512); err != nil {
		t.Fatalf("read region: %v", err)
	}

	if !bytes.Equal(echo, payload) {
		t.Error("data mismatch after device round trip")
	}
}

func TestTrimZeroesRange(t *testing.T) {
	d := newTestDevice(t)

	region := memregion.New(512)
	if err := region.WriteAt(bytes.Repeat([]byte{0xFF}, 512), 0); err != nil {
		t.Fatalf("fill region: %v", err)
	}

	if st := run(t, d, &driver.Op{Command: blockio.OpWrite, Region: region, Length: 1, DeviceOffset: 3}); st != blockio.StatusOk {
		t.Fatalf("write status = %s", st)
	}

	if st := run(t, d, &driver.Op{Command: blockio.OpTrim, Length: 1, DeviceOffset: 3}); st != blockio.StatusOk {
		t.Fatalf("trim status = %s", st)
	}

	if st := run(t, d, &driver.Op{Command: blockio.OpRead, Region: region, Length: 1, DeviceOffset: 3}); st != blockio.StatusOk {
		t.Fatalf("read status = %s", st)
	}

	buf := make([]byte, 512)
	if err := region.ReadAt(buf, 0); err != nil {
		t.Fatalf("read region: %v", err)
	}

	for _, b := range buf {
		if b != 0 {
			t.Fatal("trimmed range should read back zero")
		}
	}
}

func TestDeviceRangeChecks(t *testing.T) {
	d := newTestDevice(t)
	region := memregion.New(512)

	if st := run(t, d, &driver.Op{Command: blockio.OpRead, Region: region, Length: 1, DeviceOffset: 64}); st != blockio.StatusOutOfRange {
		t.Errorf("read past device end: got %s, want OUT_OF_RANGE", st)
	}

	// 1<<55 blocks * 512-byte blocks wraps uint64 to byte offset 0; the
	// range check must reject it before any byte arithmetic.
	if st := run(t, d, &driver.Op{Command: blockio.OpWrite, Region: region, Length: 1, DeviceOffset: 1 << 55}); st != blockio.StatusOutOfRange {
		t.Errorf("write at wrapping offset: got %s, want OUT_OF_RANGE", st)
	}

	if st := run(t, d, &driver.Op{Command: blockio.OpTrim, Length: 1, DeviceOffset: 1 << 55}); st != blockio.StatusOutOfRange {
		t.Errorf("trim at wrapping offset: got %s, want OUT_OF_RANGE", st)
	}

	if st := run(t, d, &driver.Op{Command: blockio.OpRead, Length: 1}); st != blockio.StatusInvalidArgs {
		t.Errorf("read with nil region: got %s, want INVALID_ARGS", st)
	}

	if st := run(t, d, &driver.Op{Command: 0xF0, Length: 1}); st != blockio.StatusNotSupported {
		t.Errorf("unknown command: got %s, want NOT_SUPPORTED", st)
	}
}

func TestFailNext(t *testing.T) {
	d := newTestDevice(t)
	region := memregion.New(512)

	d.FailNext(blockio.StatusIoError)

	if st := run(t, d, &driver.Op{Command: blockio.OpWrite, Region: region, Length: 1}); st != blockio.StatusIoError {
		t.Fatalf("injected failure: got %s, want IO_ERROR", st)
	}

	// Injection is one-shot.
	if st := run(t, d, &driver.Op{Command: blockio.OpWrite, Region: region, Length: 1}); st != blockio.StatusOk {
		t.Fatalf("second op: got %s, want OK", st)
	}
}

func TestHoldParksSubmissions(t *testing.T) {
	d := newTestDevice(t)
	region := memregion.New(512)

	d.SetHold(true)

	fired := make(chan int, 2)
	d.Submit(&driver.Op{Command: blockio.OpWrite, Region: region, Length: 1}, func(blockio.Status) { fired <- 1 })
	d.Submit(&driver.Op{Command: blockio.OpWrite, Region: region, Length: 1}, func(blockio.Status) { fired <- 2 })

	if d.Held() != 2 {
		t.Fatalf("Held = %d, want 2", d.Held())
	}

	select {
	case <-fired:
		t.Fatal("held submission completed")
	case <-time.After(20 * time.Millisecond):
	}

	// Release out of submission order.
	if !d.ReleaseHeld(1) {
		t.Fatal("ReleaseHeld(1) failed")
	}

	if got := <-fired; got != 2 {
		t.Fatalf("first completion = op %d, want op 2", got)
	}

	d.SetHold(false)

	if got := <-fired; got != 1 {
		t.Fatalf("second completion = op %d, want op 1", got)
	}

	if d.Submitted() != 2 || d.Completed() != 2 {
		t.Errorf("counters = (%d, %d), want (2, 2)", d.Submitted(), d.Completed())
	}
}
