package dfu

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// PartitionHeader is the decoded second header of a partition section.
type PartitionHeader struct {
	ID  uint16
	Aux uint16
}

// Variant captures what differs between DFU file flavours: section ids,
// partition header layout, hash and signature parameters and where the
// signature lives. A Variant is chosen once per transfer.
type Variant interface {
	Name() string
	HeaderID() string
	PartitionID() string
	// FooterID is empty when the variant has no footer section.
	FooterID() string
	SecondHeaderSize() int
	ParsePartitionHeader(b []byte) (PartitionHeader, error)
	EncodePartitionHeader(h PartitionHeader) []byte
	HashAlg() HashAlg
	SigAlg() SigAlg
	SignatureSize() int
	// HeaderTrailerSize is the number of header bytes after the hash table.
	HeaderTrailerSize() int
	// SignatureInHeader is true when the signature is the header trailer
	// rather than a footer section.
	SignatureInHeader() bool
	SigningMode(headerBody []byte) uint8
	EraseHeaderFirst() bool
}

// HasFooter reports whether v ends files with a footer section.
func HasFooter(v Variant) bool { return v.FooterID() != "" }

const (
	footerSecondHeaderSize = 4
	headerSecondHeaderSize = 50
	rsa2048SignatureSize   = 256
	p384SignatureSize      = 96
)

type footerVariant struct{}

// FooterVariant is the variant whose RSA signature travels in a trailing footer
// section and whose hash table holds SHA-256 digests.
var FooterVariant Variant = footerVariant{}

func (footerVariant) Name() string            { return "footer" }
func (footerVariant) HeaderID() string        { return "APPUHDR5" }
func (footerVariant) PartitionID() string     { return PartitionID }
func (footerVariant) FooterID() string        { return "APPUPFTR" }
func (footerVariant) SecondHeaderSize() int   { return footerSecondHeaderSize }
func (footerVariant) HashAlg() HashAlg        { return SHA256 }
func (footerVariant) SigAlg() SigAlg          { return RSAPKCS1v15SHA256 }
func (footerVariant) SignatureSize() int      { return rsa2048SignatureSize }
func (footerVariant) HeaderTrailerSize() int  { return 1 }
func (footerVariant) SignatureInHeader() bool { return false }
func (footerVariant) EraseHeaderFirst() bool  { return false }

// ParsePartitionHeader decodes sqif (2 bytes) followed by the partition id (2 bytes).
func (footerVariant) ParsePartitionHeader(b []byte) (PartitionHeader, error) {
	if len(b) < footerSecondHeaderSize {
		return PartitionHeader{}, fmt.Errorf("dfu: partition header needs %d bytes, have %d", footerSecondHeaderSize, len(b))
	}
	return PartitionHeader{
		Aux: binary.BigEndian.Uint16(b[0:2]),
		ID:  binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

func (footerVariant) EncodePartitionHeader(h PartitionHeader) []byte {
	b := make([]byte, footerSecondHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], h.Aux)
	binary.BigEndian.PutUint16(b[2:4], h.ID)
	return b
}

// SigningMode is the last byte of the upgrade header.
func (footerVariant) SigningMode(headerBody []byte) uint8 {
	if len(headerBody) == 0 {
		return 0
	}
	return headerBody[len(headerBody)-1]
}

type headerVariant struct{}

// HeaderVariant is the variant whose ECDSA P-384 signature is the trailer of the
// upgrade header itself and whose hash table holds SHA-384 digests.
var HeaderVariant Variant = headerVariant{}

func (headerVariant) Name() string             { return "header" }
func (headerVariant) HeaderID() string         { return "APPUHDR6" }
func (headerVariant) PartitionID() string      { return PartitionID }
func (headerVariant) FooterID() string         { return "" }
func (headerVariant) SecondHeaderSize() int    { return headerSecondHeaderSize }
func (headerVariant) HashAlg() HashAlg         { return SHA384 }
func (headerVariant) SigAlg() SigAlg           { return ECDSAP384SHA384 }
func (headerVariant) SignatureSize() int       { return p384SignatureSize }
func (headerVariant) HeaderTrailerSize() int   { return p384SignatureSize }
func (headerVariant) SignatureInHeader() bool  { return true }
func (headerVariant) EraseHeaderFirst() bool   { return true }
func (headerVariant) SigningMode([]byte) uint8 { return 1 }

// ParsePartitionHeader decodes the partition id and instance; the rest is reserved.
func (headerVariant) ParsePartitionHeader(b []byte) (PartitionHeader, error) {
	if len(b) < headerSecondHeaderSize {
		return PartitionHeader{}, fmt.Errorf("dfu: partition header needs %d bytes, have %d", headerSecondHeaderSize, len(b))
	}
	return PartitionHeader{
		ID:  binary.BigEndian.Uint16(b[0:2]),
		Aux: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

func (headerVariant) EncodePartitionHeader(h PartitionHeader) []byte {
	b := make([]byte, headerSecondHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], h.ID)
	binary.BigEndian.PutUint16(b[2:4], h.Aux)
	return b
}

// VariantByName returns the variant registered under name.
func VariantByName(name string) (Variant, error) {
	switch strings.ToLower(name) {
	case FooterVariant.Name():
		return FooterVariant, nil
	case HeaderVariant.Name():
		return HeaderVariant, nil
	default:
		return nil, fmt.Errorf("dfu: unknown variant %q", name)
	}
}
