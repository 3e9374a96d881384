package partition

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal transfer error.
type Kind uint8

const (
	KindInternal Kind = iota
	KindBadLengthPartitionParse
	KindUnknownSectionID
	KindUnexpectedSection
	KindBadLengthUpgradeHeader
	KindBadLengthPartitionHeader
	KindBadLengthSignature
	KindIncompatible
	KindBadPartitionSize
	KindPartitionOrder
	KindPartitionOpenFailed
	KindPartitionWriteFailed
	KindPartitionCloseFailed
	KindNoCapacity
	KindPersistFailed
	KindHashMismatch
	KindSignatureFailed
	KindEraseFailed
	KindCopyFailed
	KindReplayLimit
	KindAborted
)

var kindNames = map[Kind]string{
	KindInternal:                 "internal error",
	KindBadLengthPartitionParse:  "bad length (partition parse)",
	KindUnknownSectionID:         "unknown section id",
	KindUnexpectedSection:        "unexpected section",
	KindBadLengthUpgradeHeader:   "bad length (upgrade header)",
	KindBadLengthPartitionHeader: "bad length (partition header)",
	KindBadLengthSignature:       "bad length (signature)",
	KindIncompatible:             "incompatible file",
	KindBadPartitionSize:         "partition larger than physical size",
	KindPartitionOrder:           "partition out of order",
	KindPartitionOpenFailed:      "partition open failed",
	KindPartitionWriteFailed:     "partition write failed",
	KindPartitionCloseFailed:     "partition close failed",
	KindNoCapacity:               "header log full",
	KindPersistFailed:            "persistent store write failed",
	KindHashMismatch:             "hash mismatch",
	KindSignatureFailed:          "signature verification failed",
	KindEraseFailed:              "erase failed",
	KindCopyFailed:               "copy failed",
	KindReplayLimit:              "update failed (replay limit)",
	KindAborted:                  "aborted",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a fatal transfer error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err, KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
