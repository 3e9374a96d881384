// Package headerlog implements an append-only byte log laid over a bounded,
// contiguous range of fixed-capacity persistent slots.
//
// The log records every DFU file byte that is not partition payload, so that
// a transfer interrupted by a reboot can be re-parsed without asking the host
// to resend it. Logical offset o lives in slot base+o/S at position o%S,
// where S is the slot capacity. A slot is only ever extended, never shortened,
// and the log ends at the first slot that is not full.
package headerlog

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bigbag/papyrix-dfu/internal/slotstore"
)

var (
	// ErrNoCapacity means the reserved slot range is exhausted.
	ErrNoCapacity = errors.New("headerlog: slot range exhausted")
	// ErrConflict means re-delivered bytes differ from the bytes already durable at that offset.
	ErrConflict = errors.New("headerlog: re-delivered bytes differ from durable log")
	// ErrShortRead means a read reached past the durable end of the log.
	ErrShortRead = errors.New("headerlog: read past durable end")
)

// Log is the header log. It is not safe for concurrent use.
type Log struct {
	store  slotstore.Store
	base   uint16
	count  int
	size   int
	cursor int
}

// New creates a log over count slots starting at slot id base.
func New(store slotstore.Store, base uint16, count int) (*Log, error) {
	if count <= 0 {
		return nil, fmt.Errorf("headerlog: slot count must be > 0")
	}
	if int(base)+count-1 > 0xFFFF {
		return nil, fmt.Errorf("headerlog: slot range %d+%d overflows slot ids", base, count)
	}
	if store.Capacity() <= 0 {
		return nil, fmt.Errorf("headerlog: slot capacity must be > 0")
	}
	return &Log{store: store, base: base, count: count, size: store.Capacity()}, nil
}

// Locate maps a logical offset to its slot id and position inside the slot.
func (l *Log) Locate(off int) (slot uint16, pos int) {
	return l.base + uint16(off/l.size), off % l.size
}

// Limit is the total number of bytes the slot range can hold.
func (l *Log) Limit() int { return l.count * l.size }

// SlotSize returns the slot capacity.
func (l *Log) SlotSize() int { return l.size }

// Cursor returns the logical write offset.
func (l *Log) Cursor() int { return l.cursor }

// Seek moves the write cursor. Replay uses it to position the log at the
// end of the last section it fully re-parsed.
func (l *Log) Seek(off int) error {
	if off < 0 || off > l.Limit() {
		return fmt.Errorf("headerlog: seek %d outside [0, %d]", off, l.Limit())
	}
	l.cursor = off
	return nil
}

// Append writes p at the write cursor, spilling into following slots.
//
// Bytes that are already durable at the cursor are compared and skipped
// instead of rewritten, which makes re-delivery after a resume idempotent.
func (l *Log) Append(p []byte) error {
	for len(p) > 0 {
		if l.cursor >= l.Limit() {
			return fmt.Errorf("%w: %d bytes left unwritten", ErrNoCapacity, len(p))
		}
		slot, pos := l.Locate(l.cursor)
		cur, err := l.store.Get(slot)
		if err != nil {
			return fmt.Errorf("headerlog: read slot %d: %w", slot, err)
		}

		if len(cur) > pos {
			n := min(len(cur)-pos, len(p))
			if !bytes.Equal(cur[pos:pos+n], p[:n]) {
				return fmt.Errorf("%w: slot %d offset %d", ErrConflict, slot, pos)
			}
			l.cursor += n
			p = p[n:]
			continue
		}
		if len(cur) < pos {
			return fmt.Errorf("headerlog: gap in slot %d: holds %d, cursor at %d", slot, len(cur), pos)
		}

		n := min(l.size-pos, len(p))
		if err := l.store.Set(slot, append(cur, p[:n]...)); err != nil {
			return fmt.Errorf("headerlog: write slot %d: %w", slot, err)
		}
		l.cursor += n
		p = p[n:]
	}
	return nil
}

// ReadAt reads n bytes starting at position slotOffset of slot.
func (l *Log) ReadAt(slot uint16, slotOffset, n int) ([]byte, error) {
	if slot < l.base || int(slot-l.base) >= l.count || slotOffset < 0 || slotOffset >= l.size {
		return nil, fmt.Errorf("headerlog: slot %d offset %d outside range", slot, slotOffset)
	}
	return l.ReadOffset(int(slot-l.base)*l.size+slotOffset, n)
}

// ReadOffset reads n bytes at logical offset off.
func (l *Log) ReadOffset(off, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	err := l.walk(off, n, func(b []byte) { out = append(out, b...) })
	if err != nil {
		return nil, err
	}
	if len(out) < n {
		return nil, fmt.Errorf("%w: wanted %d bytes at %d, have %d", ErrShortRead, n, off, len(out))
	}
	return out, nil
}

// ReadLast reads the n bytes preceding the write cursor.
func (l *Log) ReadLast(n int) ([]byte, error) {
	if n > l.cursor {
		return nil, fmt.Errorf("%w: wanted last %d bytes, cursor at %d", ErrShortRead, n, l.cursor)
	}
	return l.ReadOffset(l.cursor-n, n)
}

// AvailableUpTo reports how many of the want bytes starting at off are
// durable, without copying them.
func (l *Log) AvailableUpTo(off, want int) (int, error) {
	total := 0
	err := l.walk(off, want, func(b []byte) { total += len(b) })
	return total, err
}

// Durable returns the length of the durable log.
func (l *Log) Durable() (int, error) {
	return l.AvailableUpTo(0, l.Limit())
}

// Reset erases every slot of the range and rewinds the cursor.
func (l *Log) Reset() error {
	for i := 0; i < l.count; i++ {
		slot := l.base + uint16(i)
		cur, err := l.store.Get(slot)
		if err != nil {
			return fmt.Errorf("headerlog: read slot %d: %w", slot, err)
		}
		if len(cur) == 0 {
			continue
		}
		if err := l.store.Set(slot, nil); err != nil {
			return fmt.Errorf("headerlog: erase slot %d: %w", slot, err)
		}
	}
	l.cursor = 0
	return nil
}

// walk visits the durable bytes of [off, off+n), stopping early at the
// durable end of the log.
func (l *Log) walk(off, n int, visit func([]byte)) error {
	if off < 0 || n < 0 {
		return fmt.Errorf("headerlog: negative offset or length")
	}
	for n > 0 && off < l.Limit() {
		slot, pos := l.Locate(off)
		cur, err := l.store.Get(slot)
		if err != nil {
			return fmt.Errorf("headerlog: read slot %d: %w", slot, err)
		}
		if len(cur) <= pos {
			return nil
		}
		take := min(len(cur)-pos, n)
		visit(cur[pos : pos+take])
		off += take
		n -= take
		if len(cur) < l.size {
			return nil
		}
	}
	return nil
}
