// Package slotstore provides persistent storage made of fixed-capacity slots
// addressed by a 16-bit id.
package slotstore

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTooLarge is returned when data does not fit into one slot.
var ErrTooLarge = errors.New("slotstore: data exceeds slot capacity")

// Store is a key-value store of fixed-capacity slots.
// A slot that was never written reads back as empty.
type Store interface {
	Get(id uint16) ([]byte, error)
	Set(id uint16, data []byte) error
	Capacity() int
	Close() error
}

func checkSize(s Store, data []byte) error {
	if len(data) > s.Capacity() {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), s.Capacity())
	}
	return nil
}

// MemStore keeps slots in memory.
type MemStore struct {
	mu       sync.Mutex
	capacity int
	slots    map[uint16][]byte
}

// NewMemStore creates an in-memory store with the given slot capacity.
func NewMemStore(capacity int) *MemStore {
	return &MemStore{capacity: capacity, slots: make(map[uint16][]byte)}
}

// Get returns a copy of the slot contents.
func (m *MemStore) Get(id uint16) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.slots[id]...), nil
}

// Set replaces the slot contents. Empty data erases the slot.
func (m *MemStore) Set(id uint16, data []byte) error {
	if err := checkSize(m, data); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(data) == 0 {
		delete(m.slots, id)
		return nil
	}
	m.slots[id] = append([]byte(nil), data...)
	return nil
}

// Capacity returns the slot capacity in bytes.
func (m *MemStore) Capacity() int { return m.capacity }

// Close is a no-op.
func (m *MemStore) Close() error { return nil }
