// Package dfutest provides fixtures for transfer tests: signed DFU files, a
// rebootable device rig and a host that serves file bytes on request.
package dfutest

import (
	"crypto"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-dfu/internal/checkpoint"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/flash"
	"github.com/bigbag/papyrix-dfu/internal/headerlog"
	"github.com/bigbag/papyrix-dfu/internal/integrity"
	"github.com/bigbag/papyrix-dfu/internal/partition"
	"github.com/bigbag/papyrix-dfu/internal/slotstore"
)

// Slot layout of the rig's persistent store.
const (
	CheckpointSlot = 1
	LogBase        = 2
	LogSlots       = 64
	SlotSize       = 64
)

var (
	keysMu sync.Mutex
	keys   = map[dfu.SigAlg]crypto.Signer{}
)

// Key returns a private key for alg, generated once per test binary.
func Key(t testing.TB, alg dfu.SigAlg) crypto.Signer {
	t.Helper()
	keysMu.Lock()
	defer keysMu.Unlock()
	if k, ok := keys[alg]; ok {
		return k
	}
	k, err := integrity.GenerateKey(alg)
	require.NoError(t, err)
	keys[alg] = k
	return k
}

// Signer returns a signer for the variant's scheme.
func Signer(t testing.TB, v dfu.Variant) integrity.KeySigner {
	return integrity.KeySigner{Alg: v.SigAlg(), Key: Key(t, v.SigAlg())}
}

// Verifier returns the verifier matching Signer.
func Verifier(t testing.TB, v dfu.Variant) integrity.KeyVerifier {
	return integrity.KeyVerifier{Key: Key(t, v.SigAlg()).Public()}
}

// Device is the running device the fixtures target.
func Device() dfu.Device {
	return dfu.Device{VariantID: "PAPYRIX", Version: dfu.Version{Major: 3, Minor: 0}, PSVersion: 7}
}

// Header returns an upgrade header compatible with Device.
func Header() dfu.Header {
	return dfu.Header{
		VariantID:    "PAPYRIX",
		Version:      dfu.Version{Major: 3, Minor: 1},
		Compatible:   []dfu.Version{{Major: 3, Minor: dfu.MinorWildcard}},
		PSVersion:    8,
		CompatiblePS: []uint16{7},
	}
}

// Parts returns n partitions with ids 1..n. Partition i carries size+7*i
// payload bytes of a pattern unique to it.
func Parts(n, size int) []dfu.Part {
	parts := make([]dfu.Part, n)
	for i := range parts {
		payload := make([]byte, size+7*i)
		for j := range payload {
			payload[j] = byte(j*31 + i*17 + 1)
		}
		parts[i] = dfu.Part{
			ID:        uint16(i + 1),
			Aux:       uint16(0x10 + i),
			FirstWord: 0xA0B0C000 + uint32(i),
			Payload:   payload,
		}
	}
	return parts
}

// Sizes returns a partition table that fits parts.
func Sizes(parts []dfu.Part) map[uint16]uint32 {
	sizes := make(map[uint16]uint32, len(parts))
	for _, p := range parts {
		sizes[p.ID] = uint32(len(p.Payload)) + 16
	}
	return sizes
}

// Build returns a signed DFU file of parts.
func Build(t testing.TB, v dfu.Variant, parts []dfu.Part) []byte {
	t.Helper()
	b := &dfu.Builder{Variant: v, Header: Header(), Parts: parts, Signer: Signer(t, v)}
	file, err := b.Build()
	require.NoError(t, err)
	return file
}

// Rig is a device whose persistent state outlives Reboot.
type Rig struct {
	Variant     dfu.Variant
	Dir         string
	Slots       *slotstore.MemStore
	Sizes       map[uint16]uint32
	Log         *headerlog.Log
	Checkpoints *checkpoint.Store
	Bank        *flash.FileBank
	Book        *integrity.Bookkeeper
	// Hasher is used by Book; nil means integrity.StdHasher.
	Hasher   integrity.Hasher
	verifier integrity.Verifier
}

// NewRig creates a rig with an empty store and flash bank.
func NewRig(t testing.TB, v dfu.Variant, sizes map[uint16]uint32) *Rig {
	t.Helper()
	r := &Rig{
		Variant:  v,
		Dir:      t.TempDir(),
		Slots:    slotstore.NewMemStore(SlotSize),
		Sizes:    sizes,
		verifier: Verifier(t, v),
	}
	r.Reboot(t)
	return r
}

// Reboot drops all volatile state: open flash handles, the log cursor and
// the hash table cursor. Slots and bank files survive.
func (r *Rig) Reboot(t testing.TB) {
	t.Helper()
	var err error
	r.Log, err = headerlog.New(r.Slots, LogBase, LogSlots)
	require.NoError(t, err)
	r.Checkpoints = checkpoint.NewStore(r.Slots, CheckpointSlot)
	r.Bank, err = flash.NewFileBank(r.Dir, r.Sizes, nil)
	require.NoError(t, err)
	r.UseHasher(r.Hasher)
}

// UseHasher rebuilds Book around h.
func (r *Rig) UseHasher(h integrity.Hasher) {
	r.Hasher = h
	if h == nil {
		h = integrity.StdHasher{}
	}
	r.Book = integrity.NewBookkeeper(r.Variant, r.Log, h, r.verifier, r.Bank, nil)
}

// Parser returns a parser wired to the rig.
func (r *Rig) Parser(opts ...partition.Option) *partition.Parser {
	return r.ParserOn(r.Bank, opts...)
}

// ParserOn returns a parser wired to the rig that writes through parts.
func (r *Rig) ParserOn(parts flash.Partitions, opts ...partition.Option) *partition.Parser {
	opts = append([]partition.Option{partition.WithDevice(Device())}, opts...)
	return partition.NewParser(r.Variant, r.Log, parts, r.Book, r.Checkpoints, opts...)
}

// AsyncHasher computes digests like integrity.StdHasher but reports them
// as pending. The test delivers Digests itself.
type AsyncHasher struct {
	Digests [][]byte
}

// Hash records the digest of r and returns integrity.ErrPending.
func (a *AsyncHasher) Hash(alg dfu.HashAlg, r io.Reader) ([]byte, error) {
	d, err := integrity.StdHasher{}.Hash(alg, r)
	if err != nil {
		return nil, err
	}
	a.Digests = append(a.Digests, d)
	return nil, integrity.ErrPending
}

// Last returns the most recent digest.
func (a *AsyncHasher) Last() []byte {
	if len(a.Digests) == 0 {
		return nil
	}
	return a.Digests[len(a.Digests)-1]
}

// SpyBank wraps a flash bank. It records partition opens and writes and
// injects the configured faults.
type SpyBank struct {
	flash.Bank
	Opens  []uint16
	Writes []uint16
	Closes []uint16

	// ShortWrite, when non-zero, makes every write to that partition
	// drop its last byte.
	ShortWrite uint16
	// CloseErr fails every Close.
	CloseErr error
	// EraseErr and CopyErr complete the operation with that error.
	EraseErr error
	CopyErr  error

	sink flash.EventSink
}

// Spy wraps the rig's bank.
func (r *Rig) Spy() *SpyBank {
	return &SpyBank{Bank: r.Bank}
}

func (s *SpyBank) Open(partition uint16, firstWord uint32) (flash.Handle, error) {
	s.Opens = append(s.Opens, partition)
	return s.Bank.Open(partition, firstWord)
}

func (s *SpyBank) Write(h flash.Handle, p []byte) (int, error) {
	s.Writes = append(s.Writes, h.Partition())
	if s.ShortWrite != 0 && h.Partition() == s.ShortWrite && len(p) > 0 {
		p = p[:len(p)-1]
	}
	return s.Bank.Write(h, p)
}

func (s *SpyBank) Close(h flash.Handle) error {
	s.Closes = append(s.Closes, h.Partition())
	if s.CloseErr != nil {
		return s.CloseErr
	}
	return s.Bank.Close(h)
}

func (s *SpyBank) SetSink(sink flash.EventSink) {
	s.sink = sink
	s.Bank.SetSink(sink)
}

func (s *SpyBank) Erase(filter flash.EraseFilter) error {
	if s.EraseErr != nil {
		return s.fail(flash.OpErase, s.EraseErr)
	}
	return s.Bank.Erase(filter)
}

func (s *SpyBank) Copy() error {
	if s.CopyErr != nil {
		return s.fail(flash.OpCopy, s.CopyErr)
	}
	return s.Bank.Copy()
}

func (s *SpyBank) fail(op flash.Op, err error) error {
	sink := s.sink
	go func() {
		if sink != nil {
			sink(flash.Completion{Op: op, Err: err})
		}
	}()
	return nil
}

// ErrCut is returned by Host when it stops at its Limit.
var ErrCut = errors.New("dfutest: host cut the transfer")

// Receiver is what a Host feeds.
type Receiver interface {
	Request() partition.Request
	HandleChunk(data []byte, complete bool) (partition.Outcome, error)
}

// Host serves File on request, Chunk bytes at a time. Request offsets are
// relative to Cursor, which starts at 0 for every session. A positive
// Limit is a file offset the host never delivers past, standing in for a
// reboot.
type Host struct {
	File   []byte
	Cursor int
	Chunk  int
	Limit  int
}

// Step serves the outstanding request.
func (h *Host) Step(r Receiver) (partition.Outcome, error) {
	req := r.Request()
	if req.Size == 0 {
		return partition.Continue, fmt.Errorf("dfutest: no outstanding request")
	}
	h.Cursor += int(req.Offset)
	start := h.Cursor
	end := start + int(req.Size)
	if end > len(h.File) {
		return partition.Continue, fmt.Errorf("dfutest: request [%d,%d) past end of %d-byte file", start, end, len(h.File))
	}
	chunk := h.Chunk
	if chunk <= 0 {
		chunk = int(req.Size)
	}

	outcome := partition.Continue
	for off := start; off < end; {
		n := min(chunk, end-off)
		if h.Limit > 0 && off+n > h.Limit {
			n = h.Limit - off
			if n > 0 {
				if _, err := r.HandleChunk(h.File[off:off+n], false); err != nil {
					return partition.Continue, err
				}
			}
			return partition.Continue, ErrCut
		}
		var err error
		outcome, err = r.HandleChunk(h.File[off:off+n], off+n == end)
		if err != nil {
			return outcome, err
		}
		off += n
		h.Cursor += n
	}
	return outcome, nil
}

// Run serves requests until the transfer completes, fails or until stop
// returns true after a step.
func (h *Host) Run(r Receiver, stop func() bool) (partition.Outcome, error) {
	for {
		outcome, err := h.Step(r)
		if err != nil || outcome == partition.TransferComplete {
			return outcome, err
		}
		if stop != nil && stop() {
			return outcome, nil
		}
	}
}
