// Package dfu describes the DFU upgrade file format: the generic section
// prefix, the upgrade header with its compatibility lists and hash table,
// partition sections and the optional signature footer.
package dfu

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

// File layout constants.
const (
	IDSize        = 8
	FirstPartSize = IDSize + 4
	FirstWordSize = 4
	// MinHeaderSize is the fixed part of the common upgrade header fields:
	// variant id, version, both list counts and the PS version.
	MinHeaderSize = IDSize + 10
	MinorWildcard = 0xFFFF
	PartitionID   = "PARTDATA"
)

var (
	// ErrShortHeader means the upgrade header ended inside a fixed field or list.
	ErrShortHeader = errors.New("dfu: upgrade header too short")
	// ErrBadLayout means the hash table region of the header is not a whole number of entries.
	ErrBadLayout = errors.New("dfu: bad upgrade header layout")
	// ErrIncompatible means the file does not target the running device.
	ErrIncompatible = errors.New("dfu: file not compatible with device")
)

// FirstPart is the 12-byte prefix of every section.
type FirstPart struct {
	ID     [IDSize]byte
	Length uint32
}

// ParseFirstPart decodes a section prefix.
func ParseFirstPart(b []byte) (FirstPart, error) {
	if len(b) < FirstPartSize {
		return FirstPart{}, fmt.Errorf("dfu: section prefix needs %d bytes, have %d", FirstPartSize, len(b))
	}
	var fp FirstPart
	copy(fp.ID[:], b[:IDSize])
	fp.Length = binary.BigEndian.Uint32(b[IDSize:FirstPartSize])
	return fp, nil
}

// NewFirstPart builds a section prefix. id must be IDSize bytes.
func NewFirstPart(id string, length uint32) FirstPart {
	var fp FirstPart
	copy(fp.ID[:], id)
	fp.Length = length
	return fp
}

// Is reports whether the prefix carries the given id.
func (f FirstPart) Is(id string) bool {
	return id != "" && string(f.ID[:]) == id
}

// IDString returns the id as text.
func (f FirstPart) IDString() string { return string(f.ID[:]) }

// Encode serializes the prefix.
func (f FirstPart) Encode() []byte {
	b := make([]byte, FirstPartSize)
	copy(b, f.ID[:])
	binary.BigEndian.PutUint32(b[IDSize:], f.Length)
	return b
}

// ParseFirstWord decodes the little-endian word that opens every partition payload.
func ParseFirstWord(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// HashAlg identifies a digest algorithm used by the hash table.
type HashAlg uint8

const (
	SHA256 HashAlg = iota + 1
	SHA384
)

func (a HashAlg) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case SHA384:
		return "sha384"
	default:
		return fmt.Sprintf("hash(%d)", uint8(a))
	}
}

// Size returns the digest length in bytes.
func (a HashAlg) Size() int {
	switch a {
	case SHA256:
		return sha256.Size
	case SHA384:
		return sha512.Size384
	default:
		return 0
	}
}

// New returns a fresh hash.Hash.
func (a HashAlg) New() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	default:
		panic("dfu: unsupported hash algorithm " + a.String())
	}
}

// SigAlg identifies a signature scheme.
type SigAlg uint8

const (
	RSAPKCS1v15SHA256 SigAlg = iota + 1
	ECDSAP384SHA384
)

func (a SigAlg) String() string {
	switch a {
	case RSAPKCS1v15SHA256:
		return "rsa2048-pkcs1v15-sha256"
	case ECDSAP384SHA384:
		return "ecdsa-p384-sha384"
	default:
		return fmt.Sprintf("sig(%d)", uint8(a))
	}
}

// Hash returns the digest algorithm the scheme signs over.
func (a SigAlg) Hash() HashAlg {
	if a == ECDSAP384SHA384 {
		return SHA384
	}
	return SHA256
}
