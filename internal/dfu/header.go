package dfu

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// Version is a major/minor pair. A Minor of MinorWildcard in a
// compatibility list matches every minor version.
type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Matches reports whether compatibility entry v accepts running version other.
func (v Version) Matches(other Version) bool {
	return v.Major == other.Major && (v.Minor == MinorWildcard || v.Minor == other.Minor)
}

// Header holds the common fields of an upgrade header body.
type Header struct {
	VariantID    string
	Version      Version
	Compatible   []Version
	PSVersion    uint16
	CompatiblePS []uint16
	// FixedEnd is the body offset where the common fields end.
	FixedEnd int
}

// Device describes the running firmware a file is checked against.
type Device struct {
	VariantID string
	Version   Version
	PSVersion uint16
}

type fieldReader struct {
	b   []byte
	off int
	err error
}

func (r *fieldReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: field at %d needs %d bytes, body is %d", ErrShortHeader, r.off, n, len(r.b))
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *fieldReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// ParseHeader decodes the common fields of an upgrade header body:
// variant id, version, compatible versions, PS version and compatible PS
// versions.
func ParseHeader(body []byte) (Header, error) {
	r := &fieldReader{b: body}
	var h Header
	if id := r.take(IDSize); id != nil {
		h.VariantID = string(id)
	}
	h.Version.Major = r.u16()
	h.Version.Minor = r.u16()
	for n := int(r.u16()); n > 0 && r.err == nil; n-- {
		h.Compatible = append(h.Compatible, Version{Major: r.u16(), Minor: r.u16()})
	}
	h.PSVersion = r.u16()
	for n := int(r.u16()); n > 0 && r.err == nil; n-- {
		h.CompatiblePS = append(h.CompatiblePS, r.u16())
	}
	if r.err != nil {
		return Header{}, r.err
	}
	h.FixedEnd = r.off
	return h, nil
}

// CheckCompatible verifies the header targets dev. An empty compatible PS
// list accepts any PS version.
func (h Header) CheckCompatible(dev Device) error {
	if h.VariantID != padID(dev.VariantID) {
		return fmt.Errorf("%w: variant %q, device is %q", ErrIncompatible, h.VariantID, dev.VariantID)
	}
	if !slices.ContainsFunc(h.Compatible, func(v Version) bool { return v.Matches(dev.Version) }) {
		return fmt.Errorf("%w: device version %s not in compatible list", ErrIncompatible, dev.Version)
	}
	if len(h.CompatiblePS) > 0 && !slices.Contains(h.CompatiblePS, dev.PSVersion) {
		return fmt.Errorf("%w: device PS version %d not in compatible list", ErrIncompatible, dev.PSVersion)
	}
	return nil
}

// Encode serializes the common fields.
func (h Header) Encode() []byte {
	b := make([]byte, 0, IDSize+8+4*len(h.Compatible)+4+2*len(h.CompatiblePS))
	b = append(b, padID(h.VariantID)...)
	b = binary.BigEndian.AppendUint16(b, h.Version.Major)
	b = binary.BigEndian.AppendUint16(b, h.Version.Minor)
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.Compatible)))
	for _, v := range h.Compatible {
		b = binary.BigEndian.AppendUint16(b, v.Major)
		b = binary.BigEndian.AppendUint16(b, v.Minor)
	}
	b = binary.BigEndian.AppendUint16(b, h.PSVersion)
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.CompatiblePS)))
	for _, ps := range h.CompatiblePS {
		b = binary.BigEndian.AppendUint16(b, ps)
	}
	return b
}

// Layout locates the hash table of an upgrade header.
type Layout struct {
	// HashTableCursor is the header log offset of the first hash entry.
	HashTableCursor int
	TotalPartitions int
}

// LayoutOf computes the hash table position and partition count of a
// header body of bodyLen bytes whose common fields end at h.FixedEnd. The
// upgrade header is always the first logged section, so its body starts
// at log offset FirstPartSize.
func LayoutOf(v Variant, h Header, bodyLen int) (Layout, error) {
	entry := v.HashAlg().Size()
	table := bodyLen - v.HeaderTrailerSize() - h.FixedEnd
	if table < 0 || table%entry != 0 {
		return Layout{}, fmt.Errorf("%w: %d hash table bytes for %d-byte entries", ErrBadLayout, table, entry)
	}
	return Layout{
		HashTableCursor: FirstPartSize + h.FixedEnd,
		TotalPartitions: table / entry,
	}, nil
}

func padID(id string) string {
	if len(id) >= IDSize {
		return id[:IDSize]
	}
	b := make([]byte, IDSize)
	copy(b, id)
	for i := len(id); i < IDSize; i++ {
		b[i] = ' '
	}
	return string(b)
}
