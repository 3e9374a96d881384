package dfu

import (
	"errors"
	"fmt"
	"io"
)

// SectionKind classifies a section by its id.
type SectionKind int

const (
	SectionUnknown SectionKind = iota
	SectionHeader
	SectionPartition
	SectionFooter
)

func (k SectionKind) String() string {
	switch k {
	case SectionHeader:
		return "header"
	case SectionPartition:
		return "partition"
	case SectionFooter:
		return "footer"
	default:
		return "unknown"
	}
}

// Classify maps a section prefix to its kind under v.
func Classify(v Variant, fp FirstPart) SectionKind {
	switch {
	case fp.Is(v.HeaderID()):
		return SectionHeader
	case fp.Is(v.PartitionID()):
		return SectionPartition
	case fp.Is(v.FooterID()):
		return SectionFooter
	default:
		return SectionUnknown
	}
}

// Section describes one section found by Scan.
type Section struct {
	Kind      SectionKind
	ID        string
	Offset    int64
	Length    uint32
	Header    *Header
	Partition *PartitionHeader
	FirstWord uint32
}

// Scan walks the sections of a file without verifying hashes or signatures.
func Scan(r io.Reader, v Variant) ([]Section, error) {
	var (
		out []Section
		off int64
	)
	prefix := make([]byte, FirstPartSize)
	for {
		_, err := io.ReadFull(r, prefix)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("dfu: section prefix at %d: %w", off, err)
		}
		fp, _ := ParseFirstPart(prefix)
		s := Section{Kind: Classify(v, fp), ID: fp.IDString(), Offset: off, Length: fp.Length}
		if s.Kind == SectionUnknown {
			return out, fmt.Errorf("dfu: unknown section id %q at %d", s.ID, off)
		}

		body := make([]byte, fp.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			return out, fmt.Errorf("dfu: %s section at %d: %w", s.Kind, off, err)
		}
		switch s.Kind {
		case SectionHeader:
			h, err := ParseHeader(body)
			if err != nil {
				return out, err
			}
			s.Header = &h
		case SectionPartition:
			if len(body) < v.SecondHeaderSize()+FirstWordSize {
				return out, fmt.Errorf("dfu: partition section at %d too short", off)
			}
			ph, err := v.ParsePartitionHeader(body[:v.SecondHeaderSize()])
			if err != nil {
				return out, err
			}
			s.Partition = &ph
			s.FirstWord = ParseFirstWord(body[v.SecondHeaderSize():])
		}
		out = append(out, s)
		off += int64(FirstPartSize) + int64(fp.Length)
	}
}
