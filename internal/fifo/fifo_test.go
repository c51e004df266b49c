package fifo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/walkthetalk/zircon-sub003/internal/blockio"
)

func TestWriteSetsReadable(t *testing.T) {
	q := New(8)

	if q.Observed(SignalReadable) != 0 {
		t.Fatal("fresh queue should not be readable")
	}

	if err := q.Write(blockio.Request{RequestID: 1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if q.Observed(SignalReadable) == 0 {
		t.Error("queue should be readable after Write")
	}

	dst := make([]blockio.Request, 4)

	n, err := q.Read(dst)
	if err != nil || n != 1 {
		t.Fatalf("Read = (%d, %v), want (1, nil)", n, err)
	}

	if q.Observed(SignalReadable) != 0 {
		t.Error("readable should clear once drained")
	}
}

func TestWriteQueueFull(t *testing.T) {
	q := New(2)

	if err := q.Write(blockio.Request{}, blockio.Request{}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := q.Write(blockio.Request{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Write on full queue: got %v, want ErrQueueFull", err)
	}
}

func TestWaitWakesOnRaise(t *testing.T) {
	q := New(8)

	done := make(chan Signals, 1)

	go func() {
		sigs, err := q.Wait(context.Background(), SignalTerminate)
		if err != nil {
			done <- 0

			return
		}

		done <- sigs
	}()

	// Give the waiter a moment to block.
	time.Sleep(10 * time.Millisecond)
	q.Raise(SignalTerminate)

	select {
	case sigs := <-done:
		if sigs&SignalTerminate == 0 {
			t.Errorf("Wait observed %v, want SignalTerminate", sigs)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on Raise")
	}
}

func TestWaitContextCancel(t *testing.T) {
	q := New(8)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Wait(ctx, SignalOpsComplete)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait: got %v, want DeadlineExceeded", err)
	}
}

func TestPeerCloseWakesReader(t *testing.T) {
	q := New(8)

	if err := q.Write(blockio.Request{RequestID: 1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	q.CloseClient()

	// Queued record is still delivered first.
	dst := make([]blockio.Request, 4)

	n, err := q.Read(dst)
	if err != nil || n != 1 {
		t.Fatalf("Read = (%d, %v), want (1, nil)", n, err)
	}

	if _, err := q.Read(dst); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Read after close: got %v, want ErrPeerClosed", err)
	}

	if err := q.Write(blockio.Request{}); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Write after close: got %v, want ErrPeerClosed", err)
	}
}

func TestResponsesConcurrentWriters(t *testing.T) {
	q := New(8)

	const writers = 8

	done := make(chan struct{})

	for i := range writers {
		go func(id int) {
			q.WriteResponse(blockio.Response{RequestID: uint32(id), Count: 1})
			done <- struct{}{}
		}(i)
	}

	for range writers {
		<-done
	}

	if got := len(q.TakeResponses()); got != writers {
		t.Errorf("TakeResponses returned %d records, want %d", got, writers)
	}

	if got := len(q.TakeResponses()); got != 0 {
		t.Errorf("second TakeResponses returned %d records, want 0", got)
	}
}

func TestClearIsRaceTolerant(t *testing.T) {
	q := New(8)

	q.Raise(SignalOpsComplete | SignalReadable)
	q.Clear(SignalOpsComplete)

	if q.Observed(SignalOpsComplete) != 0 {
		t.Error("ops-complete should be cleared")
	}

	if q.Observed(SignalReadable) == 0 {
		t.Error("readable should survive clearing ops-complete")
	}
}
