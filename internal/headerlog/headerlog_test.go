package headerlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-dfu/internal/slotstore"
)

func newLog(t *testing.T, capacity, count int) (*Log, *slotstore.MemStore) {
	t.Helper()
	store := slotstore.NewMemStore(capacity)
	l, err := New(store, 100, count)
	require.NoError(t, err)
	return l, store
}

func TestLocate(t *testing.T) {
	l, _ := newLog(t, 8, 4)
	slot, pos := l.Locate(0)
	assert.Equal(t, uint16(100), slot)
	assert.Equal(t, 0, pos)

	slot, pos = l.Locate(19)
	assert.Equal(t, uint16(102), slot)
	assert.Equal(t, 3, pos)
}

func TestAppend_SpillsAcrossSlots(t *testing.T) {
	l, store := newLog(t, 8, 4)
	require.NoError(t, l.Append([]byte("0123456789")))
	require.NoError(t, l.Append([]byte("abcdefghij")))
	assert.Equal(t, 20, l.Cursor())

	s0, _ := store.Get(100)
	s1, _ := store.Get(101)
	s2, _ := store.Get(102)
	assert.Equal(t, []byte("01234567"), s0)
	assert.Equal(t, []byte("89abcdef"), s1)
	assert.Equal(t, []byte("ghij"), s2)

	got, err := l.ReadOffset(6, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("6789abcd"), got)

	got, err = l.ReadAt(101, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), got)

	got, err = l.ReadLast(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("fghij"), got)

	n, err := l.Durable()
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestAppend_NoCapacity(t *testing.T) {
	l, _ := newLog(t, 4, 2)
	require.NoError(t, l.Append([]byte("1234567")))
	err := l.Append([]byte("89"))
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, 8, l.Cursor())
}

func TestAppend_IdempotentReplay(t *testing.T) {
	l, store := newLog(t, 8, 4)
	require.NoError(t, l.Append([]byte("0123456789ab")))

	require.NoError(t, l.Seek(4))
	require.NoError(t, l.Append([]byte("456789abcdef")))
	assert.Equal(t, 16, l.Cursor())

	s1, _ := store.Get(101)
	assert.Equal(t, []byte("89abcdef"), s1)
}

func TestAppend_Conflict(t *testing.T) {
	l, store := newLog(t, 8, 4)
	require.NoError(t, l.Append([]byte("01234567")))
	require.NoError(t, l.Seek(2))

	err := l.Append([]byte("XY"))
	assert.ErrorIs(t, err, ErrConflict)

	s0, _ := store.Get(100)
	assert.Equal(t, []byte("01234567"), s0)
}

func TestAvailableUpTo(t *testing.T) {
	l, _ := newLog(t, 8, 4)
	require.NoError(t, l.Append([]byte("0123456789")))

	n, err := l.AvailableUpTo(0, 12)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = l.AvailableUpTo(4, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = l.AvailableUpTo(10, 12)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadOffset_ShortRead(t *testing.T) {
	l, _ := newLog(t, 8, 4)
	require.NoError(t, l.Append([]byte("0123")))
	_, err := l.ReadOffset(2, 4)
	assert.ErrorIs(t, err, ErrShortRead)
	_, err = l.ReadLast(5)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestReset(t *testing.T) {
	l, store := newLog(t, 8, 4)
	require.NoError(t, l.Append([]byte("0123456789")))
	require.NoError(t, l.Reset())
	assert.Equal(t, 0, l.Cursor())
	s0, _ := store.Get(100)
	assert.Empty(t, s0)
	n, err := l.Durable()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNew_RangeOverflow(t *testing.T) {
	_, err := New(slotstore.NewMemStore(8), 0xFFF0, 32)
	assert.Error(t, err)
}
