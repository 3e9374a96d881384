// Package partition implements the DFU stream parser: it consumes the file
// as host-delivered chunks, records every non-payload byte in the header
// log, writes payload to flash partitions and decides what to request next.
package partition

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigbag/papyrix-dfu/internal/checkpoint"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/flash"
	"github.com/bigbag/papyrix-dfu/internal/headerlog"
	"github.com/bigbag/papyrix-dfu/internal/integrity"
	"github.com/bigbag/papyrix-dfu/internal/logging"
)

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// WithDevice sets the running device the upgrade header is checked against.
func WithDevice(d dfu.Device) Option {
	return func(p *Parser) { p.device = d }
}

// WithSkipCheck disables the compatibility check of the upgrade header.
func WithSkipCheck() Option {
	return func(p *Parser) { p.skipCheck = true }
}

// Parser is the partition stream parser. It is driven from a single event
// loop and is not safe for concurrent use.
type Parser struct {
	variant    dfu.Variant
	log        *headerlog.Log
	partitions flash.Partitions
	book       *integrity.Bookkeeper
	ckpt       *checkpoint.Store
	device     dfu.Device
	skipCheck  bool
	logger     *slog.Logger

	ctx       *Context
	err       *Error
	openedAt  time.Time
	openBytes uint32
	// checking is set while a partition digest is computed asynchronously.
	checking bool
	// rebase is added to the request that follows a partition closed by
	// Restore, since the host then counts from the start of the file.
	rebase uint32
}

// NewParser creates a parser. Call Start or Restore before feeding chunks.
func NewParser(v dfu.Variant, log *headerlog.Log, partitions flash.Partitions, book *integrity.Bookkeeper, ckpt *checkpoint.Store, opts ...Option) *Parser {
	p := &Parser{
		variant:    v,
		log:        log,
		partitions: partitions,
		book:       book,
		ckpt:       ckpt,
		logger:     logging.Discard(),
		ctx:        newContext(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Context returns the live session context.
func (p *Parser) Context() *Context { return p.ctx }

// State returns the current state.
func (p *Parser) State() State { return p.ctx.State }

// Request returns the outstanding data request.
func (p *Parser) Request() Request { return p.ctx.Next }

// Err returns the fatal error that moved the parser to StateError.
func (p *Parser) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

// SetState moves the parser to a state owned by the outer session (erase,
// validation and copy phases).
func (p *Parser) SetState(s State) { p.ctx.State = s }

// Start begins a fresh transfer at the first section prefix.
func (p *Parser) Start() {
	p.ctx = newContext()
	p.err = nil
	p.checking = false
	p.rebase = 0
	p.request(dfu.FirstPartSize, 0)
}

// Restore seeds a new context from a replayed position. A partition that
// was fully written but not recorded as closed before the reboot is closed
// and checked here, which may complete the transfer.
func (p *Parser) Restore(pos Position) (Outcome, error) {
	ctx := newContext()
	ctx.State = pos.State
	ctx.PartitionID = pos.PartitionID
	ctx.PartitionLength = pos.PartitionLength
	ctx.PendingPartitions = pos.PendingPartitions
	ctx.TotalPartitions = pos.TotalPartitions
	ctx.HeaderParsed = pos.HeaderParsed
	ctx.HeaderLength = pos.HeaderLength
	ctx.SigningMode = pos.SigningMode
	ctx.FirstWord = pos.FirstWord
	ctx.LastPartition = pos.LastPartition
	ctx.FileOffset = pos.FileOffset
	ctx.Next = pos.Next
	ctx.TotalRequested = pos.Next.Size
	if pos.Handle != nil {
		ctx.scratch = openPartition{h: pos.Handle}
		p.openedAt = time.Now()
		p.openBytes = pos.PartOffset
	}
	p.ctx = ctx
	p.err = nil
	p.checking = false
	p.rebase = 0
	p.book.SetCursor(pos.HashTableCursor)

	if ctx.State == StatePartitionData && ctx.TotalRequested == 0 {
		p.rebase = pos.FileOffset
		return p.closePartition()
	}
	if ctx.State == StateWaitForValidation {
		return TransferComplete, nil
	}
	return Continue, nil
}

// HandleChunk consumes one chunk of the current request. complete is the
// transport's claim that the request is satisfied; it must agree with the
// byte accounting.
func (p *Parser) HandleChunk(data []byte, complete bool) (Outcome, error) {
	ctx := p.ctx
	if ctx.State == StateError {
		return Continue, p.err
	}
	if !ctx.State.Receiving() {
		p.logger.Warn("chunk ignored", "state", ctx.State.String(), "bytes", len(data))
		return Continue, nil
	}

	n := uint32(len(data))
	if ctx.TotalReceived+n > ctx.TotalRequested {
		return Continue, p.fail(KindBadLengthPartitionParse, "accounting",
			fmt.Errorf("received %d+%d bytes for a %d-byte request", ctx.TotalReceived, n, ctx.TotalRequested))
	}
	ctx.TotalReceived += n
	ctx.ChunkReceived = n
	ctx.FileOffset += n
	done := ctx.TotalReceived == ctx.TotalRequested
	if complete && !done {
		return Continue, p.fail(KindBadLengthPartitionParse, "accounting",
			fmt.Errorf("request marked complete after %d of %d bytes", ctx.TotalReceived, ctx.TotalRequested))
	}

	switch ctx.State {
	case StatePartitionData:
		return p.partitionData(data, done)
	case StateFooter:
		sb, _ := ctx.scratch.(signatureBuffer)
		sb.buf = append(sb.buf, data...)
		ctx.scratch = sb
		if !done {
			return Continue, nil
		}
		return p.footer()
	}

	ctx.Incomplete = append(ctx.Incomplete, data...)
	if !done {
		return Continue, nil
	}
	buf := ctx.Incomplete
	ctx.Incomplete = nil

	switch ctx.State {
	case StateGenericFirstPart:
		return p.genericFirstPart(buf)
	case StateUpgradeHeader:
		return p.upgradeHeader(buf)
	case StatePartitionDataHeader:
		return p.partitionDataHeader(buf)
	}
	return Continue, p.fail(KindInternal, "dispatch", fmt.Errorf("no handler for %s", ctx.State))
}

// Abort closes any open partition and drops the signature buffer.
func (p *Parser) Abort() {
	if h := p.ctx.Handle(); h != nil {
		if err := p.partitions.Close(h); err != nil {
			p.logger.Warn("close on abort failed", "partition", h.Partition(), "error", err)
		}
	}
	p.ctx.scratch = nil
	p.ctx.Incomplete = nil
	p.checking = false
	p.ctx.State = StateAborting
}

// Reset drops what only lives for the current session: the scratch
// buffer, a partly received section, any pending partition check and the
// request accounting. The caller closes the open partition first. The
// state is left alone, so nothing is consumed until Start or Restore.
func (p *Parser) Reset() {
	ctx := p.ctx
	ctx.scratch = nil
	ctx.Incomplete = nil
	ctx.Next = Request{}
	ctx.TotalRequested = 0
	ctx.TotalReceived = 0
	ctx.ChunkReceived = 0
	p.checking = false
	p.rebase = 0
}

// Fail moves the parser to StateError with err, wrapping it as kind unless
// it already is an *Error.
func (p *Parser) Fail(kind Kind, op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		p.err = e
		p.ctx.State = StateError
		return e
	}
	return p.fail(kind, op, err)
}

func (p *Parser) fail(kind Kind, op string, err error) error {
	p.err = newError(kind, op, err)
	p.ctx.State = StateError
	p.logger.Error("transfer failed", "kind", kind.String(), "op", op, "error", err, "file_offset", p.ctx.FileOffset)
	return p.err
}

func (p *Parser) request(size, offset uint32) {
	ctx := p.ctx
	ctx.Next = Request{Size: size, Offset: offset}
	ctx.TotalRequested = size
	ctx.TotalReceived = 0
	ctx.ChunkReceived = 0
	ctx.FileOffset += offset
}

func (p *Parser) appendLog(op string, b []byte) error {
	if err := p.log.Append(b); err != nil {
		if errors.Is(err, headerlog.ErrNoCapacity) {
			return p.fail(KindNoCapacity, op, err)
		}
		return p.fail(KindPersistFailed, op, err)
	}
	return nil
}

func (p *Parser) save(op string, fn func(*checkpoint.Checkpoint)) error {
	if _, err := p.ckpt.Update(fn); err != nil {
		return p.fail(KindPersistFailed, op, err)
	}
	return nil
}

func (p *Parser) genericFirstPart(buf []byte) (Outcome, error) {
	ctx := p.ctx
	fp, err := dfu.ParseFirstPart(buf)
	if err != nil {
		return Continue, p.fail(KindInternal, "section prefix", err)
	}

	switch dfu.Classify(p.variant, fp) {
	case dfu.SectionHeader:
		if ctx.HeaderParsed {
			return Continue, p.fail(KindUnexpectedSection, "section prefix", fmt.Errorf("second upgrade header"))
		}
		if want := uint32(dfu.MinHeaderSize + p.variant.HeaderTrailerSize()); fp.Length < want {
			return Continue, p.fail(KindBadLengthUpgradeHeader, "section prefix",
				fmt.Errorf("upgrade header of %d bytes, need at least %d", fp.Length, want))
		}
		if room := p.log.Limit() - p.log.Cursor() - dfu.FirstPartSize; int64(fp.Length) > int64(room) {
			return Continue, p.fail(KindNoCapacity, "section prefix",
				fmt.Errorf("upgrade header of %d bytes, header log has room for %d", fp.Length, room))
		}
		if err := p.appendLog("header prefix", buf); err != nil {
			return Continue, err
		}
		ctx.HeaderLength = fp.Length
		ctx.State = StateUpgradeHeader
		p.request(fp.Length, 0)
		return Continue, nil

	case dfu.SectionPartition:
		if !ctx.HeaderParsed {
			return Continue, p.fail(KindBadLengthUpgradeHeader, "section prefix", fmt.Errorf("partition section before upgrade header"))
		}
		if ctx.PendingPartitions == 0 {
			return Continue, p.fail(KindUnexpectedSection, "section prefix", fmt.Errorf("more partitions than the hash table lists"))
		}
		second := uint32(p.variant.SecondHeaderSize())
		if fp.Length < second+dfu.FirstWordSize {
			return Continue, p.fail(KindBadLengthPartitionHeader, "section prefix",
				fmt.Errorf("partition section of %d bytes", fp.Length))
		}
		if err := p.appendLog("partition prefix", buf); err != nil {
			return Continue, err
		}
		ctx.PartitionLength = fp.Length - second
		ctx.State = StatePartitionDataHeader
		p.request(second+dfu.FirstWordSize, 0)
		return Continue, nil

	case dfu.SectionFooter:
		if ctx.PendingPartitions != 0 {
			return Continue, p.fail(KindUnexpectedSection, "section prefix",
				fmt.Errorf("footer with %d partitions pending", ctx.PendingPartitions))
		}
		if int(fp.Length) != p.variant.SignatureSize() {
			return Continue, p.fail(KindBadLengthSignature, "section prefix",
				fmt.Errorf("footer of %d bytes, want %d", fp.Length, p.variant.SignatureSize()))
		}
		ctx.scratch = signatureBuffer{buf: make([]byte, 0, fp.Length)}
		ctx.State = StateFooter
		p.request(fp.Length, 0)
		return Continue, nil
	}

	return Continue, p.fail(KindUnknownSectionID, "section prefix", fmt.Errorf("id %q", fp.ID[:]))
}

func (p *Parser) upgradeHeader(body []byte) (Outcome, error) {
	ctx := p.ctx
	if err := p.appendLog("upgrade header", body); err != nil {
		return Continue, err
	}
	h, err := dfu.ParseHeader(body)
	if err != nil {
		return Continue, p.fail(KindBadLengthUpgradeHeader, "upgrade header", err)
	}
	if !p.skipCheck {
		if err := h.CheckCompatible(p.device); err != nil {
			return Continue, p.fail(KindIncompatible, "upgrade header", err)
		}
	}
	layout, err := dfu.LayoutOf(p.variant, h, len(body))
	if err != nil {
		return Continue, p.fail(KindBadLengthUpgradeHeader, "upgrade header", err)
	}

	p.book.SetCursor(layout.HashTableCursor)
	ctx.TotalPartitions = layout.TotalPartitions
	ctx.PendingPartitions = layout.TotalPartitions
	ctx.SigningMode = p.variant.SigningMode(body)
	ctx.HeaderParsed = true

	if err := p.save("upgrade header", func(c *checkpoint.Checkpoint) {
		c.ResumePoint = checkpoint.Upgrading
		c.Version = checkpoint.Version{Major: h.Version.Major, Minor: h.Version.Minor}
		c.PSVersion = h.PSVersion
	}); err != nil {
		return Continue, err
	}

	p.logger.Info("upgrade header parsed",
		"version", h.Version.String(),
		"ps_version", h.PSVersion,
		"partitions", layout.TotalPartitions,
		"signing_mode", ctx.SigningMode)
	return p.nextSection()
}

func (p *Parser) partitionDataHeader(buf []byte) (Outcome, error) {
	ctx := p.ctx
	size := p.variant.SecondHeaderSize()
	ph, err := p.variant.ParsePartitionHeader(buf[:size])
	if err != nil {
		return Continue, p.fail(KindBadLengthPartitionHeader, "partition header", err)
	}
	if err := p.appendLog("partition header", buf[:size]); err != nil {
		return Continue, err
	}
	ctx.PartitionID = ph.ID
	ctx.FirstWord = dfu.ParseFirstWord(buf[size:])

	if ctx.PartitionLength < dfu.FirstWordSize {
		return Continue, p.fail(KindInternal, "partition header",
			fmt.Errorf("partition %d length %d shorter than its first word", ph.ID, ctx.PartitionLength))
	}
	payload := ctx.PartitionLength - dfu.FirstWordSize

	if int32(ph.ID) <= ctx.LastPartition {
		return Continue, p.fail(KindPartitionOrder, "partition header",
			fmt.Errorf("partition %d after partition %d", ph.ID, ctx.LastPartition))
	}

	cp, err := p.ckpt.Load()
	if err != nil {
		return Continue, p.fail(KindPersistFailed, "partition header", err)
	}
	if cp.Closed(ph.ID) {
		p.logger.Info("skipping closed partition", "partition", ph.ID, "bytes", payload)
		ctx.PendingPartitions--
		ctx.LastPartition = int32(ph.ID)
		p.book.SetCursor(p.book.Cursor() + p.variant.HashAlg().Size())
		return p.nextSectionAfter(payload)
	}

	phys, err := p.partitions.PhysicalSize(ph.ID)
	if err != nil {
		return Continue, p.fail(KindPartitionOpenFailed, "partition header", err)
	}
	if payload > phys {
		return Continue, p.fail(KindBadPartitionSize, "partition header",
			fmt.Errorf("partition %d needs %d bytes, physical size is %d", ph.ID, payload, phys))
	}

	h := ctx.Handle()
	if h != nil && h.Partition() != ph.ID {
		ctx.scratch = nil
		if err := p.partitions.Close(h); err != nil {
			return Continue, p.fail(KindPartitionCloseFailed, "partition header",
				fmt.Errorf("stale handle of partition %d: %w", h.Partition(), err))
		}
		p.logger.Warn("closed stale partition handle", "partition", h.Partition(), "opening", ph.ID)
		h = nil
	}
	if h == nil {
		if h, err = p.partitions.Open(ph.ID, ctx.FirstWord); err != nil {
			return Continue, p.fail(KindPartitionOpenFailed, "partition header", err)
		}
	}
	ctx.scratch = openPartition{h: h}
	p.openedAt = time.Now()
	p.openBytes = 0

	if err := p.save("partition header", func(c *checkpoint.Checkpoint) {
		c.OpenPartition = int32(ph.ID)
		c.FirstWord = ctx.FirstWord
	}); err != nil {
		return Continue, err
	}

	p.logger.Debug("partition opened", "partition", ph.ID, "bytes", payload)
	if payload == 0 {
		return p.closePartition()
	}
	ctx.State = StatePartitionData
	p.request(payload, 0)
	return Continue, nil
}

func (p *Parser) partitionData(data []byte, done bool) (Outcome, error) {
	h := p.ctx.Handle()
	if h == nil {
		return Continue, p.fail(KindInternal, "partition data", fmt.Errorf("no open partition"))
	}
	if len(data) > 0 {
		n, err := p.partitions.Write(h, data)
		if err == nil && n != len(data) {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
		}
		if err != nil {
			return Continue, p.fail(KindPartitionWriteFailed, "partition data", err)
		}
		p.openBytes += uint32(n)
	}
	if !done {
		return Continue, nil
	}
	return p.closePartition()
}

// closePartition closes the open partition and checks its digest. The
// partition is recorded as closed only once the check has passed, so a
// reboot in between reopens and checks it again.
func (p *Parser) closePartition() (Outcome, error) {
	ctx := p.ctx
	h := ctx.Handle()
	id := ctx.PartitionID
	if h == nil {
		return Continue, p.fail(KindInternal, "partition close", fmt.Errorf("no open partition"))
	}

	ctx.scratch = nil
	if err := p.partitions.Close(h); err != nil {
		return Continue, p.fail(KindPartitionCloseFailed, "partition close", err)
	}

	err := p.book.CheckPartition(id, ctx.FirstWord)
	if errors.Is(err, integrity.ErrPending) {
		p.checking = true
		ctx.State = StateHashCheck
		ctx.Next = Request{}
		p.logger.Debug("partition check pending", "partition", id)
		return Continue, nil
	}
	if err != nil {
		return Continue, p.checkFailed(err)
	}
	return p.partitionChecked()
}

// CheckPending reports whether a partition digest is outstanding.
func (p *Parser) CheckPending() bool { return p.checking }

// FinishPartitionCheck completes a pending partition check with the digest
// or the error the asynchronous hasher produced.
func (p *Parser) FinishPartitionCheck(digest []byte, err error) (Outcome, error) {
	if !p.checking {
		return Continue, fmt.Errorf("partition: no partition check pending")
	}
	p.checking = false
	if err == nil {
		err = p.book.CompletePartition(digest)
	}
	if err != nil {
		return Continue, p.checkFailed(err)
	}
	return p.partitionChecked()
}

func (p *Parser) checkFailed(err error) error {
	if errors.Is(err, integrity.ErrHashMismatch) {
		return p.fail(KindHashMismatch, "partition check", err)
	}
	return p.fail(KindInternal, "partition check", err)
}

func (p *Parser) partitionChecked() (Outcome, error) {
	ctx := p.ctx
	id := ctx.PartitionID
	if err := p.save("partition close", func(c *checkpoint.Checkpoint) {
		c.LastClosedPartition = int32(id)
		c.OpenPartition = checkpoint.NoPartition
	}); err != nil {
		return Continue, err
	}
	ctx.PendingPartitions--
	ctx.LastPartition = int32(id)

	elapsed := time.Since(p.openedAt)
	attrs := []any{"partition", id, "bytes", p.openBytes, "pending", ctx.PendingPartitions}
	if secs := elapsed.Seconds(); secs > 0 {
		attrs = append(attrs, "bytes_per_sec", int64(float64(p.openBytes)/secs))
	}
	p.logger.Info("partition closed", attrs...)

	outcome, err := p.nextSection()
	if err == nil && outcome == Continue {
		ctx.Next.Offset += p.rebase
	}
	p.rebase = 0
	return outcome, err
}

func (p *Parser) nextSection() (Outcome, error) {
	return p.nextSectionAfter(0)
}

// nextSectionAfter requests the next section prefix, skip bytes further
// on, or reports the end of the transfer.
func (p *Parser) nextSectionAfter(skip uint32) (Outcome, error) {
	ctx := p.ctx
	if ctx.PendingPartitions == 0 && !dfu.HasFooter(p.variant) {
		ctx.State = StateWaitForValidation
		ctx.Next = Request{}
		ctx.FileOffset += skip
		p.logger.Info("transfer complete", "file_offset", ctx.FileOffset)
		return TransferComplete, nil
	}
	ctx.State = StateGenericFirstPart
	p.request(dfu.FirstPartSize, skip)
	return Continue, nil
}

func (p *Parser) footer() (Outcome, error) {
	ctx := p.ctx
	ctx.State = StateWaitForValidation
	ctx.Next = Request{}
	p.logger.Info("transfer complete", "file_offset", ctx.FileOffset, "signature_bytes", len(ctx.Signature()))
	return TransferComplete, nil
}

// ReleaseSignature drops the footer signature once validation consumed it.
func (p *Parser) ReleaseSignature() {
	if _, ok := p.ctx.scratch.(signatureBuffer); ok {
		p.ctx.scratch = nil
	}
}
