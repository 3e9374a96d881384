// Package flash abstracts the raw partitions an upgrade is written to.
package flash

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrBusy means an erase or copy is already outstanding.
	ErrBusy = errors.New("flash: operation already in progress")
	// ErrUnknownPartition means the partition id is not in the partition table.
	ErrUnknownPartition = errors.New("flash: unknown partition")
	// ErrFull means a write ran past the physical partition size.
	ErrFull = errors.New("flash: partition full")
	// ErrClosed means the handle was already closed.
	ErrClosed = errors.New("flash: handle closed")
)

// Handle is an open partition.
type Handle interface {
	Partition() uint16
}

// Partitions is synchronous partition I/O. A partition's first word is
// written when its handle is closed, so a partition is only valid once
// every payload byte has landed.
type Partitions interface {
	Open(partition uint16, firstWord uint32) (Handle, error)
	Write(h Handle, p []byte) (int, error)
	Close(h Handle) error
	WriteCursor(h Handle) (uint32, error)
	PhysicalSize(partition uint16) (uint32, error)
	Contents(partition uint16) (io.ReadCloser, error)
}

// EraseFilter selects what Erase clears.
type EraseFilter uint8

const (
	// EraseImageHeader invalidates the image by clearing every first word.
	EraseImageHeader EraseFilter = iota
	// EraseBank clears the whole alternate bank.
	EraseBank
)

func (f EraseFilter) String() string {
	if f == EraseImageHeader {
		return "image-header"
	}
	return "bank"
}

// Op names an asynchronous operation.
type Op uint8

const (
	OpErase Op = iota
	OpCopy
)

func (o Op) String() string {
	if o == OpErase {
		return "erase"
	}
	return "copy"
}

// Completion reports the end of an asynchronous operation.
type Completion struct {
	Op  Op
	Err error
}

// EventSink receives completions. It may be called from another goroutine.
type EventSink func(Completion)

// Bank is the alternate bank: partition I/O plus the asynchronous erase and
// copy-to-active operations. At most one asynchronous operation is
// outstanding at a time.
type Bank interface {
	Partitions
	SetSink(EventSink)
	Erase(filter EraseFilter) error
	Copy() error
}

// Error records a failed flash operation and the partition it touched.
type Error struct {
	Op        string
	Partition uint16
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("flash: %s partition %d: %v", e.Op, e.Partition, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
