package partition

import (
	"fmt"

	"github.com/bigbag/papyrix-dfu/internal/flash"
)

// State is the phase of a transfer.
type State uint8

const (
	StateErasingHeader State = iota
	StateErasingBank
	StateGenericFirstPart
	StateUpgradeHeader
	StatePartitionDataHeader
	StatePartitionData
	StateFooter
	StateHashCheck
	StateWaitForValidation
	StateCopy
	StateValidationComplete
	StateAborting
	StateError
)

var stateNames = [...]string{
	StateErasingHeader:       "erasing-header",
	StateErasingBank:         "erasing-bank",
	StateGenericFirstPart:    "generic-first-part",
	StateUpgradeHeader:       "upgrade-header",
	StatePartitionDataHeader: "partition-data-header",
	StatePartitionData:       "partition-data",
	StateFooter:              "footer",
	StateHashCheck:           "hash-check",
	StateWaitForValidation:   "wait-for-validation",
	StateCopy:                "copy",
	StateValidationComplete:  "validation-complete",
	StateAborting:            "aborting",
	StateError:               "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Receiving reports whether the state consumes DFU file bytes.
func (s State) Receiving() bool {
	return s >= StateGenericFirstPart && s <= StateFooter
}

// Outcome is the non-error result of handling a chunk.
type Outcome uint8

const (
	Continue Outcome = iota
	TransferComplete
)

func (o Outcome) String() string {
	if o == TransferComplete {
		return "transfer-complete"
	}
	return "continue"
}

// Request asks the host for Size bytes, Offset bytes past its current file
// position.
type Request struct {
	Size   uint32
	Offset uint32
}

// scratch is per-phase working memory: the open partition while payload
// flows, the signature accumulator while the footer is read.
type scratch interface{ isScratch() }

type openPartition struct{ h flash.Handle }

type signatureBuffer struct{ buf []byte }

func (openPartition) isScratch()   {}
func (signatureBuffer) isScratch() {}

// Context is the mutable state of one transfer session.
type Context struct {
	State           State
	TotalRequested  uint32
	TotalReceived   uint32
	ChunkReceived   uint32
	Incomplete      []byte
	PartitionLength uint32
	// PendingPartitions counts partitions not yet closed.
	PendingPartitions int
	TotalPartitions   int
	HeaderParsed      bool
	HeaderLength      uint32
	SigningMode       uint8
	PartitionID       uint16
	FirstWord         uint32
	LastPartition     int32
	// FileOffset is the host file position after the bytes received so far.
	FileOffset uint32
	Next       Request

	scratch scratch
}

func newContext() *Context {
	return &Context{State: StateGenericFirstPart, LastPartition: -1}
}

// Handle returns the open partition handle, or nil.
func (c *Context) Handle() flash.Handle {
	if op, ok := c.scratch.(openPartition); ok {
		return op.h
	}
	return nil
}

// Signature returns the accumulated footer signature, or nil.
func (c *Context) Signature() []byte {
	if sb, ok := c.scratch.(signatureBuffer); ok {
		return sb.buf
	}
	return nil
}

// Position is where a transfer stands, as reconstructed after a reboot.
type Position struct {
	State             State
	FileOffset        uint32
	PartitionID       uint16
	PartitionLength   uint32
	PartOffset        uint32
	PendingPartitions int
	TotalPartitions   int
	HeaderParsed      bool
	HeaderLength      uint32
	SigningMode       uint8
	FirstWord         uint32
	LastPartition     int32
	HashTableCursor   int
	Handle            flash.Handle
	Next              Request
}
