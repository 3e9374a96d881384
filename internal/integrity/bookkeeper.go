package integrity

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/headerlog"
	"github.com/bigbag/papyrix-dfu/internal/logging"
)

// ContentSource reads back what was written to a partition.
type ContentSource interface {
	Contents(partition uint16) (io.ReadCloser, error)
}

// Bookkeeper walks the hash table stored in the header log, one entry per
// completed partition, and verifies the header signature at the end.
type Bookkeeper struct {
	variant  dfu.Variant
	log      *headerlog.Log
	hasher   Hasher
	verifier Verifier
	source   ContentSource
	logger   *slog.Logger
	cursor   int
	pending  *partitionCheck
}

type partitionCheck struct {
	partition uint16
	entry     int
	expected  []byte
}

// NewBookkeeper creates a bookkeeper. The hash table cursor starts at 0 and
// is set once the upgrade header has been parsed.
func NewBookkeeper(v dfu.Variant, log *headerlog.Log, hasher Hasher, verifier Verifier, source ContentSource, logger *slog.Logger) *Bookkeeper {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bookkeeper{
		variant:  v,
		log:      log,
		hasher:   hasher,
		verifier: verifier,
		source:   source,
		logger:   logger,
	}
}

// Cursor returns the header log offset of the next expected hash entry.
func (b *Bookkeeper) Cursor() int { return b.cursor }

// SetCursor positions the hash table cursor.
func (b *Bookkeeper) SetCursor(off int) { b.cursor = off }

// CheckPartition hashes the partition that just completed and compares the
// digest with the entry under the cursor. The digest covers the partition
// prefix and second header (the most recently logged bytes), the first word
// and the partition contents read back from flash. The cursor advances by
// one entry whatever the outcome.
//
// When the hasher returns ErrPending the expected entry is kept and the
// check is finished by CompletePartition.
func (b *Bookkeeper) CheckPartition(partition uint16, firstWord uint32) error {
	alg := b.variant.HashAlg()
	entry := b.cursor
	b.cursor += alg.Size()
	b.pending = nil

	expected, err := b.log.ReadOffset(entry, alg.Size())
	if err != nil {
		return fmt.Errorf("integrity: read hash entry at %d: %w", entry, err)
	}
	header, err := b.log.ReadLast(dfu.FirstPartSize + b.variant.SecondHeaderSize())
	if err != nil {
		return fmt.Errorf("integrity: read partition header: %w", err)
	}
	contents, err := b.source.Contents(partition)
	if err != nil {
		return fmt.Errorf("integrity: read partition %d: %w", partition, err)
	}
	defer contents.Close()

	check := &partitionCheck{partition: partition, entry: entry, expected: expected}
	fw := binary.LittleEndian.AppendUint32(nil, firstWord)
	got, err := b.hasher.Hash(alg, io.MultiReader(bytes.NewReader(header), bytes.NewReader(fw), contents))
	if errors.Is(err, ErrPending) {
		b.pending = check
		b.logger.Debug("partition hash pending", "partition", partition, "entry", entry)
		return err
	}
	if err != nil {
		return fmt.Errorf("integrity: hash partition %d: %w", partition, err)
	}
	return b.compare(check, got)
}

// Pending reports whether a partition check waits for its digest.
func (b *Bookkeeper) Pending() bool { return b.pending != nil }

// CompletePartition finishes the pending partition check with the digest
// the asynchronous hasher produced.
func (b *Bookkeeper) CompletePartition(digest []byte) error {
	check := b.pending
	if check == nil {
		return fmt.Errorf("integrity: no partition check pending")
	}
	b.pending = nil
	return b.compare(check, digest)
}

func (b *Bookkeeper) compare(check *partitionCheck, got []byte) error {
	if subtle.ConstantTimeCompare(got, check.expected) != 1 {
		b.logger.Error("partition hash mismatch", "partition", check.partition, "entry", check.entry)
		return fmt.Errorf("%w: partition %d", ErrHashMismatch, check.partition)
	}
	b.logger.Debug("partition hash ok", "partition", check.partition, "entry", check.entry)
	return nil
}

// VerifyHeader checks the whole-header signature. headerLen is the upgrade
// header body length. footerSig is the footer signature, used only by
// variants that do not carry the signature in the header.
func (b *Bookkeeper) VerifyHeader(headerLen int, footerSig []byte) error {
	var (
		message, sig []byte
		err          error
	)
	end := dfu.FirstPartSize + headerLen
	if b.variant.SignatureInHeader() {
		sigOff := end - b.variant.SignatureSize()
		if message, err = b.log.ReadOffset(0, sigOff); err != nil {
			return fmt.Errorf("integrity: read signed header: %w", err)
		}
		if sig, err = b.log.ReadOffset(sigOff, b.variant.SignatureSize()); err != nil {
			return fmt.Errorf("integrity: read header signature: %w", err)
		}
	} else {
		if message, err = b.log.ReadOffset(0, end); err != nil {
			return fmt.Errorf("integrity: read signed header: %w", err)
		}
		sig = footerSig
	}
	if err := b.verifier.Verify(b.variant.SigAlg(), message, sig); err != nil {
		return err
	}
	b.logger.Info("header signature verified", "alg", b.variant.SigAlg().String())
	return nil
}
