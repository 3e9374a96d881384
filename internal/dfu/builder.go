package dfu

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Signer produces a signature over a message for a variant's SigAlg.
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// Part is one partition to pack into a file.
type Part struct {
	ID        uint16
	Aux       uint16
	FirstWord uint32
	Payload   []byte
}

// Builder assembles DFU files.
type Builder struct {
	Variant Variant
	Header  Header
	Parts   []Part
	Signer  Signer
}

// PartitionSection encodes one complete partition section, prefix included.
func PartitionSection(v Variant, p Part) []byte {
	second := v.EncodePartitionHeader(PartitionHeader{ID: p.ID, Aux: p.Aux})
	length := len(second) + FirstWordSize + len(p.Payload)
	buf := bytes.NewBuffer(make([]byte, 0, FirstPartSize+length))
	buf.Write(NewFirstPart(v.PartitionID(), uint32(length)).Encode())
	buf.Write(second)
	_ = binary.Write(buf, binary.LittleEndian, p.FirstWord)
	buf.Write(p.Payload)
	return buf.Bytes()
}

// Build returns the encoded file.
func (b *Builder) Build() ([]byte, error) {
	v := b.Variant
	if v == nil {
		return nil, fmt.Errorf("dfu: builder has no variant")
	}
	if b.Signer == nil {
		return nil, fmt.Errorf("dfu: builder has no signer")
	}

	alg := v.HashAlg()
	sections := make([][]byte, 0, len(b.Parts))
	table := make([]byte, 0, len(b.Parts)*alg.Size())
	for _, p := range b.Parts {
		s := PartitionSection(v, p)
		sections = append(sections, s)
		h := alg.New()
		h.Write(s)
		table = h.Sum(table)
	}

	body := append(b.Header.Encode(), table...)
	bodyLen := len(body) + v.HeaderTrailerSize()
	prefix := NewFirstPart(v.HeaderID(), uint32(bodyLen)).Encode()

	var out bytes.Buffer
	if v.SignatureInHeader() {
		sig, err := b.Signer.Sign(append(append([]byte(nil), prefix...), body...))
		if err != nil {
			return nil, fmt.Errorf("dfu: sign header: %w", err)
		}
		if len(sig) != v.SignatureSize() {
			return nil, fmt.Errorf("dfu: signature is %d bytes, want %d", len(sig), v.SignatureSize())
		}
		out.Write(prefix)
		out.Write(body)
		out.Write(sig)
	} else {
		body = append(body, 1)
		out.Write(prefix)
		out.Write(body)
	}
	for _, s := range sections {
		out.Write(s)
	}

	if HasFooter(v) {
		sig, err := b.Signer.Sign(append(append([]byte(nil), prefix...), body...))
		if err != nil {
			return nil, fmt.Errorf("dfu: sign header: %w", err)
		}
		if len(sig) != v.SignatureSize() {
			return nil, fmt.Errorf("dfu: signature is %d bytes, want %d", len(sig), v.SignatureSize())
		}
		out.Write(NewFirstPart(v.FooterID(), uint32(len(sig))).Encode())
		out.Write(sig)
	}
	return out.Bytes(), nil
}
