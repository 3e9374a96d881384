package engine

import (
	"github.com/bigbag/papyrix-dfu/internal/flash"
	"github.com/bigbag/papyrix-dfu/internal/partition"
)

// Event is an input to the engine's serialized event queue.
type Event interface{ event() }

// ChunkEvent carries host data for the outstanding request.
type ChunkEvent struct {
	Data     []byte
	Complete bool
}

// FlashEvent reports an asynchronous erase or copy completion.
type FlashEvent struct {
	flash.Completion
}

// VerifyEvent delivers the result of an asynchronous signature check.
type VerifyEvent struct {
	Err error
}

// HashEvent delivers the digest of a partition whose hash was computed
// asynchronously, or the error that stopped the hasher.
type HashEvent struct {
	Digest []byte
	Err    error
}

// StartEvent asks the engine to announce its current request, starting a
// new transfer of FileSize bytes if the previous one has ended.
type StartEvent struct {
	FileSize uint32
}

// AbortEvent cancels the transfer.
type AbortEvent struct{}

func (ChunkEvent) event()  {}
func (FlashEvent) event()  {}
func (VerifyEvent) event() {}
func (HashEvent) event()   {}
func (StartEvent) event()  {}
func (AbortEvent) event()  {}

// NoticeKind classifies an engine notice.
type NoticeKind uint8

const (
	NoticeRequest NoticeKind = iota
	NoticeTransferComplete
	NoticeValidated
	NoticeFailed
	NoticeAborted
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeRequest:
		return "request"
	case NoticeTransferComplete:
		return "transfer-complete"
	case NoticeValidated:
		return "validated"
	case NoticeFailed:
		return "failed"
	case NoticeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Notice is what the engine tells the session layer: a new data request,
// the end of the transfer, the validation result or a failure.
//
// For a request, At is the absolute file offset of the first byte still
// missing and Remaining the number of bytes left, so a host that lost its
// position can serve the request without tracking relative offsets.
type Notice struct {
	Kind      NoticeKind
	Request   partition.Request
	At        uint32
	Remaining uint32
	Err       error
}
