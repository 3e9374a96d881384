package slotstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	slotMagic   = "PXSL"
	slotVersion = uint16(1)
	lockName    = ".lock"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// FileStore keeps one file per slot inside a directory. Every slot file is
// framed with a magic, a version and a CRC32C trailer, and replaced
// atomically through rename. The directory is locked for the store lifetime.
type FileStore struct {
	dir      string
	capacity int
	lock     *flock.Flock
}

// OpenFileStore opens (creating if needed) a slot directory.
func OpenFileStore(dir string, capacity int) (*FileStore, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("slot capacity must be > 0")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create slot dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return nil, fmt.Errorf("failed to lock %s, another instance running?", dir)
	}
	return &FileStore{dir: dir, capacity: capacity, lock: lock}, nil
}

func (f *FileStore) path(id uint16) string {
	return filepath.Join(f.dir, fmt.Sprintf("slot-%05d.bin", id))
}

// Get reads a slot. A missing file is an empty slot.
func (f *FileStore) Get(id uint16) ([]byte, error) {
	raw, err := os.ReadFile(f.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSlot(raw)
}

// Set writes a slot atomically. Empty data removes the slot file.
func (f *FileStore) Set(id uint16, data []byte) error {
	if err := checkSize(f, data); err != nil {
		return err
	}
	path := f.path(id)
	if len(data) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}

	tmp, err := os.CreateTemp(f.dir, ".slot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encodeSlot(data)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Capacity returns the slot capacity in bytes.
func (f *FileStore) Capacity() int { return f.capacity }

// Close releases the directory lock.
func (f *FileStore) Close() error {
	return f.lock.Unlock()
}

func encodeSlot(data []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(slotMagic)
	_ = binary.Write(buf, binary.BigEndian, slotVersion)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
	_ = binary.Write(buf, binary.BigEndian, crc32.Checksum(buf.Bytes(), crc32cTable))
	return buf.Bytes()
}

func decodeSlot(raw []byte) ([]byte, error) {
	const overhead = 4 + 2 + 4 + 4
	if len(raw) < overhead {
		return nil, fmt.Errorf("slot file too small")
	}
	if string(raw[:4]) != slotMagic {
		return nil, fmt.Errorf("invalid slot magic")
	}
	if v := binary.BigEndian.Uint16(raw[4:6]); v != slotVersion {
		return nil, fmt.Errorf("unsupported slot version %d", v)
	}
	n := int(binary.BigEndian.Uint32(raw[6:10]))
	if n != len(raw)-overhead {
		return nil, fmt.Errorf("slot length mismatch: header %d, have %d", n, len(raw)-overhead)
	}
	body := raw[:len(raw)-4]
	if crc := binary.BigEndian.Uint32(raw[len(raw)-4:]); crc32.Checksum(body, crc32cTable) != crc {
		return nil, fmt.Errorf("slot checksum mismatch")
	}
	return append([]byte(nil), raw[10:10+n]...), nil
}
