// Package blockio defines the wire-level request and response records
// exchanged over the shared block-I/O queue, plus the opcode, flag, and
// status vocabulary shared by the server and its clients.
package blockio

import (
	"encoding/binary"
	"fmt"
)

// Record sizes.
const (
	// RequestSize is the fixed size of a request record on the wire.
	RequestSize = 32

	// ResponseSize is the fixed size of a response record on the wire.
	ResponseSize = 16
)

// Operation codes. The low byte of the opcode field selects the
// operation; the remaining bits carry transport flags.
const (
	OpRead uint32 = iota + 1
	OpWrite
	OpFlush
	OpTrim
	OpCloseRegion
)

// Transport flags carried in the opcode field alongside the operation.
const (
	// OpMask extracts the operation from the combined opcode field.
	OpMask uint32 = 0x00FF

	// FlagBarrierBefore orders this request after everything already
	// submitted: it is not handed to the driver until all prior
	// in-flight operations have completed.
	FlagBarrierBefore uint32 = 1 << 8

	// FlagBarrierAfter defers a barrier onto whatever request is
	// admitted next.
	FlagBarrierAfter uint32 = 1 << 9

	// FlagGroupItem marks the request as a member of the transaction
	// group named by GroupID.
	FlagGroupItem uint32 = 1 << 10

	// FlagGroupLast marks the final member of a group batch; the reply
	// for the whole batch carries this request's id.
	FlagGroupLast uint32 = 1 << 11

	// FlagBarrierMask covers both ordering flags.
	FlagBarrierMask = FlagBarrierBefore | FlagBarrierAfter
)

// Status codes reported in response records.
type Status int32

const (
	StatusOk           Status = 0
	StatusInvalidArgs  Status = -10
	StatusOutOfRange   Status = -11
	StatusNotFound     Status = -25
	StatusIoError      Status = -40
	StatusNoResources  Status = -5
	StatusNotSupported Status = -2
	StatusCanceled     Status = -23
)

// String returns a short human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "OK"
	case StatusInvalidArgs:
		return "INVALID_ARGS"
	case StatusOutOfRange:
		return "OUT_OF_RANGE"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusIoError:
		return "IO_ERROR"
	case StatusNoResources:
		return "NO_RESOURCES"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("STATUS(%d)", int32(s))
	}
}

// NoGroup is the group id meaning "not part of any group". Requests
// without FlagGroupItem use it internally; it never appears on the wire.
const NoGroup uint16 = 0xFFFF

// Request is one fixed-size request record.
type Request struct {
	OpFlags      uint32 // operation in the low byte, flags above it
	RequestID    uint32
	GroupID      uint16
	RegionID     uint16
	Length       uint32 // block count
	RegionOffset uint64 // block offset within the region
	DeviceOffset uint64 // block offset on the device
}

// Op returns the operation with transport flags masked off.
func (r *Request) Op() uint32 {
	return r.OpFlags & OpMask
}

// Flag reports whether the given flag bit is set.
func (r *Request) Flag(f uint32) bool {
	return r.OpFlags&f != 0
}

// Marshal serializes the request into buf, which must hold RequestSize bytes.
func (r *Request) Marshal(buf []byte) error {
	if len(buf) < RequestSize {
		return ErrShortRecord
	}

	binary.LittleEndian.PutUint32(buf[0:4], r.OpFlags)
	binary.LittleEndian.PutUint32(buf[4:8], r.RequestID)
	binary.LittleEndian.PutUint16(buf[8:10], r.GroupID)
	binary.LittleEndian.PutUint16(buf[10:12], r.RegionID)
	binary.LittleEndian.PutUint32(buf[12:16], r.Length)
	binary.LittleEndian.PutUint64(buf[16:24], r.RegionOffset)
	binary.LittleEndian.PutUint64(buf[24:32], r.DeviceOffset)

	return nil
}

// UnmarshalRequest deserializes a request record from buf.
func UnmarshalRequest(buf []byte) (Request, error) {
	if len(buf) < RequestSize {
		return Request{}, ErrShortRecord
	}

	return Request{
		OpFlags:      binary.LittleEndian.Uint32(buf[0:4]),
		RequestID:    binary.LittleEndian.Uint32(buf[4:8]),
		GroupID:      binary.LittleEndian.Uint16(buf[8:10]),
		RegionID:     binary.LittleEndian.Uint16(buf[10:12]),
		Length:       binary.LittleEndian.Uint32(buf[12:16]),
		RegionOffset: binary.LittleEndian.Uint64(buf[16:24]),
		DeviceOffset: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// Response is one fixed-size response record. Count is always 1: a
// grouped batch or a split request still yields a single reply.
type Response struct {
	Status    Status
	RequestID uint32
	GroupID   uint16
	Count     uint32
}

// Marshal serializes the response into buf, which must hold ResponseSize bytes.
func (r *Response) Marshal(buf []byte) error {
	if len(buf) < ResponseSize {
		return ErrShortRecord
	}

	//nolint:gosec // G115: status codes are small negative integers
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[4:8], r.RequestID)
	binary.LittleEndian.PutUint16(buf[8:10], r.GroupID)
	binary.LittleEndian.PutUint16(buf[10:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], r.Count)

	return nil
}

// UnmarshalResponse deserializes a response record from buf.
func UnmarshalResponse(buf []byte) (Response, error) {
	if len(buf) < ResponseSize {
		return Response{}, ErrShortRecord
	}

	//nolint:gosec // G115: round-trip of the cast in Marshal
	return Response{
		Status:    Status(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		RequestID: binary.LittleEndian.Uint32(buf[4:8]),
		GroupID:   binary.LittleEndian.Uint16(buf[8:10]),
		Count:     binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}
