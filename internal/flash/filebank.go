package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bigbag/papyrix-dfu/internal/logging"
)

// Bank directory names.
const (
	AltBank    = "alt"
	ActiveBank = "active"
)

// FileBank emulates a dual-bank flash in a directory: every partition of
// the alternate bank is a payload file plus a first-word file, and Copy
// promotes the alternate bank to the active one.
type FileBank struct {
	dir    string
	sizes  map[uint16]uint32
	logger *slog.Logger

	mu      sync.Mutex
	sink    EventSink
	busy    bool
	handles map[uint16]*fileHandle
}

type fileHandle struct {
	partition uint16
	firstWord uint32
	f         *os.File
	written   uint32
	closed    bool
}

func (h *fileHandle) Partition() uint16 { return h.partition }

// NewFileBank creates a bank rooted at dir with the given physical
// partition sizes.
func NewFileBank(dir string, sizes map[uint16]uint32, logger *slog.Logger) (*FileBank, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("flash: empty partition table")
	}
	for _, sub := range []string{AltBank, ActiveBank} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("flash: create %s: %w", sub, err)
		}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &FileBank{
		dir:     dir,
		sizes:   sizes,
		logger:  logger,
		handles: make(map[uint16]*fileHandle),
	}, nil
}

// SetSink sets the receiver of asynchronous completions.
func (b *FileBank) SetSink(sink EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

func (b *FileBank) payloadPath(bank string, partition uint16) string {
	return filepath.Join(b.dir, bank, fmt.Sprintf("part-%05d.bin", partition))
}

func (b *FileBank) firstWordPath(bank string, partition uint16) string {
	return filepath.Join(b.dir, bank, fmt.Sprintf("part-%05d.fw", partition))
}

// PhysicalSize returns the partition size from the partition table.
func (b *FileBank) PhysicalSize(partition uint16) (uint32, error) {
	size, ok := b.sizes[partition]
	if !ok {
		return 0, &Error{Op: "size", Partition: partition, Err: ErrUnknownPartition}
	}
	return size, nil
}

// Open opens a partition for appending. Reopening a partition that
// already holds data continues after its last byte; opening one that is
// already open returns the existing handle.
func (b *FileBank) Open(partition uint16, firstWord uint32) (Handle, error) {
	if _, err := b.PhysicalSize(partition); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handles[partition]; ok {
		return h, nil
	}
	f, err := os.OpenFile(b.payloadPath(AltBank, partition), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &Error{Op: "open", Partition: partition, Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &Error{Op: "open", Partition: partition, Err: err}
	}
	h := &fileHandle{partition: partition, firstWord: firstWord, f: f, written: uint32(st.Size())}
	b.handles[partition] = h
	b.logger.Debug("partition opened", "partition", partition, "cursor", h.written)
	return h, nil
}

func (b *FileBank) handle(h Handle) (*fileHandle, error) {
	fh, ok := h.(*fileHandle)
	if !ok || fh == nil {
		return nil, fmt.Errorf("flash: foreign handle %T", h)
	}
	if fh.closed {
		return nil, &Error{Op: "use", Partition: fh.partition, Err: ErrClosed}
	}
	return fh, nil
}

// Write appends p. A write past the physical size is truncated and
// reported as ErrFull together with the bytes that did fit.
func (b *FileBank) Write(h Handle, p []byte) (int, error) {
	fh, err := b.handle(h)
	if err != nil {
		return 0, err
	}
	size := b.sizes[fh.partition]
	room := 0
	if fh.written < size {
		room = int(size - fh.written)
	}
	var full bool
	if len(p) > room {
		p = p[:room]
		full = true
	}
	n, err := fh.f.Write(p)
	fh.written += uint32(n)
	if err != nil {
		return n, &Error{Op: "write", Partition: fh.partition, Err: err}
	}
	if full {
		return n, &Error{Op: "write", Partition: fh.partition, Err: ErrFull}
	}
	return n, nil
}

// WriteCursor returns the number of payload bytes written so far.
func (b *FileBank) WriteCursor(h Handle) (uint32, error) {
	fh, err := b.handle(h)
	if err != nil {
		return 0, err
	}
	return fh.written, nil
}

// Close syncs the payload and then writes the first word.
func (b *FileBank) Close(h Handle) error {
	fh, err := b.handle(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.handles, fh.partition)
	b.mu.Unlock()
	fh.closed = true

	if err := fh.f.Sync(); err != nil {
		fh.f.Close()
		return &Error{Op: "close", Partition: fh.partition, Err: err}
	}
	if err := fh.f.Close(); err != nil {
		return &Error{Op: "close", Partition: fh.partition, Err: err}
	}
	fw := binary.LittleEndian.AppendUint32(nil, fh.firstWord)
	if err := os.WriteFile(b.firstWordPath(AltBank, fh.partition), fw, 0644); err != nil {
		return &Error{Op: "close", Partition: fh.partition, Err: err}
	}
	b.logger.Debug("partition closed", "partition", fh.partition, "bytes", fh.written)
	return nil
}

// Contents opens the alternate-bank payload of a partition for reading.
func (b *FileBank) Contents(partition uint16) (io.ReadCloser, error) {
	f, err := os.Open(b.payloadPath(AltBank, partition))
	if errors.Is(err, fs.ErrNotExist) {
		return io.NopCloser(eofReader{}), nil
	}
	if err != nil {
		return nil, &Error{Op: "read", Partition: partition, Err: err}
	}
	return f, nil
}

// FirstWord returns the committed first word of a partition in the given
// bank (AltBank or ActiveBank).
func (b *FileBank) FirstWord(bank string, partition uint16) (uint32, bool, error) {
	raw, err := os.ReadFile(b.firstWordPath(bank, partition))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 4 {
		return 0, false, fmt.Errorf("flash: partition %d first word is %d bytes", partition, len(raw))
	}
	return binary.LittleEndian.Uint32(raw), true, nil
}

// Erase starts an asynchronous erase. The completion is posted to the sink.
func (b *FileBank) Erase(filter EraseFilter) error {
	return b.async(OpErase, func() error { return b.erase(filter) })
}

// Copy starts promoting the alternate bank to the active bank.
func (b *FileBank) Copy() error {
	return b.async(OpCopy, b.copyToActive)
}

func (b *FileBank) async(op Op, fn func() error) error {
	b.mu.Lock()
	if b.busy {
		b.mu.Unlock()
		return ErrBusy
	}
	b.busy = true
	b.mu.Unlock()

	go func() {
		err := fn()
		b.mu.Lock()
		b.busy = false
		sink := b.sink
		b.mu.Unlock()
		b.logger.Debug("flash operation done", "op", op.String(), "error", err)
		if sink != nil {
			sink(Completion{Op: op, Err: err})
		}
	}()
	return nil
}

func (b *FileBank) erase(filter EraseFilter) error {
	for _, id := range b.partitionIDs() {
		if err := removeIfExists(b.firstWordPath(AltBank, id)); err != nil {
			return err
		}
		if filter == EraseBank {
			if err := removeIfExists(b.payloadPath(AltBank, id)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *FileBank) copyToActive() error {
	for _, id := range b.partitionIDs() {
		for _, path := range []func(string, uint16) string{b.payloadPath, b.firstWordPath} {
			if err := copyFile(path(AltBank, id), path(ActiveBank, id)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *FileBank) partitionIDs() []uint16 {
	ids := make([]uint16, 0, len(b.sizes))
	for id := range b.sizes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return removeIfExists(dst)
	}
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
