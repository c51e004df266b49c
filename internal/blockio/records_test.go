package blockio

import (
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		OpFlags:      OpWrite | FlagBarrierBefore | FlagGroupItem,
		RequestID:    42,
		GroupID:      3,
		RegionID:     7,
		Length:       128,
		RegionOffset: 16,
		DeviceOffset: 4096,
	}

	buf := make([]byte, RequestSize)
	if err := req.Marshal(buf); err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := UnmarshalRequest(buf)
	if err != nil {
		t.Fatalf("UnmarshalRequest failed: %v", err)
	}

	if got != req {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestRequestOpMasksFlags(t *testing.T) {
	req := Request{OpFlags: OpRead | FlagBarrierBefore | FlagBarrierAfter | FlagGroupLast}

	if req.Op() != OpRead {
		t.Errorf("Op() = %d, want %d", req.Op(), OpRead)
	}

	if !req.Flag(FlagBarrierBefore) || !req.Flag(FlagBarrierAfter) {
		t.Error("barrier flags should be set")
	}

	if req.Flag(FlagGroupItem) {
		t.Error("group item flag should not be set")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{
		Status:    StatusOutOfRange,
		RequestID: 9,
		GroupID:   1,
		Count:     1,
	}

	buf := make([]byte, ResponseSize)
	if err := resp.Marshal(buf); err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := UnmarshalResponse(buf)
	if err != nil {
		t.Fatalf("UnmarshalResponse failed: %v", err)
	}

	if got != resp {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestShortBuffers(t *testing.T) {
	var req Request
	if err := req.Marshal(make([]byte, RequestSize-1)); err != ErrShortRecord {
		t.Errorf("Marshal short buffer: got %v, want ErrShortRecord", err)
	}

	if _, err := UnmarshalRequest(make([]byte, 4)); err != ErrShortRecord {
		t.Errorf("UnmarshalRequest short buffer: got %v, want ErrShortRecord", err)
	}

	if _, err := UnmarshalResponse(nil); err != ErrShortRecord {
		t.Errorf("UnmarshalResponse nil buffer: got %v, want ErrShortRecord", err)
	}
}

func TestStatusString(t *testing.T) {
	cases := []struct {
		status Status
		want   string
	}{
		{StatusOk, "OK"},
		{StatusIoError, "IO_ERROR"},
		{StatusNoResources, "NO_RESOURCES"},
		{Status(-99), "STATUS(-99)"},
	}

	for _, tc := range cases {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("Status(%d).String() = %q, want %q", tc.status, got, tc.want)
		}
	}
}
