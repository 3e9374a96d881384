package partition_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-dfu/internal/checkpoint"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/dfutest"
	"github.com/bigbag/papyrix-dfu/internal/headerlog"
	"github.com/bigbag/papyrix-dfu/internal/integrity"
	"github.com/bigbag/papyrix-dfu/internal/partition"
	"github.com/bigbag/papyrix-dfu/internal/slotstore"
)

var variants = []dfu.Variant{dfu.FooterVariant, dfu.HeaderVariant}

func contents(t *testing.T, r *dfutest.Rig, id uint16) []byte {
	t.Helper()
	rc, err := r.Bank.Contents(id)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func headerLength(t *testing.T, file []byte) int {
	t.Helper()
	fp, err := dfu.ParseFirstPart(file)
	require.NoError(t, err)
	return int(fp.Length)
}

type brokenHasher struct{}

func (brokenHasher) Hash(dfu.HashAlg, io.Reader) ([]byte, error) {
	return nil, errors.New("hash engine fault")
}

func TestTransfer_RoundTrip(t *testing.T) {
	for _, v := range variants {
		t.Run(v.Name(), func(t *testing.T) {
			parts := dfutest.Parts(3, 40)
			file := dfutest.Build(t, v, parts)
			rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
			p := rig.Parser()
			p.Start()

			host := &dfutest.Host{File: file, Chunk: 7}
			outcome, err := host.Run(p, nil)
			require.NoError(t, err)
			assert.Equal(t, partition.TransferComplete, outcome)
			assert.Equal(t, len(file), host.Cursor)

			ctx := p.Context()
			assert.Equal(t, partition.StateWaitForValidation, ctx.State)
			assert.Equal(t, 0, ctx.PendingPartitions)
			assert.Equal(t, 3, ctx.TotalPartitions)
			assert.Equal(t, uint8(1), ctx.SigningMode)
			assert.Equal(t, uint32(len(file)), ctx.FileOffset)

			for _, part := range parts {
				assert.Equal(t, part.Payload, contents(t, rig, part.ID))
				fw, ok, err := rig.Bank.FirstWord("alt", part.ID)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, part.FirstWord, fw)
			}

			hlen := headerLength(t, file)
			durable, err := rig.Log.Durable()
			require.NoError(t, err)
			assert.Equal(t, dfu.FirstPartSize+hlen+3*(dfu.FirstPartSize+v.SecondHeaderSize()), durable,
				"log holds the header and every partition prefix and second header, never the footer")

			h, err := dfu.ParseHeader(file[dfu.FirstPartSize : dfu.FirstPartSize+hlen])
			require.NoError(t, err)
			assert.Equal(t, dfu.FirstPartSize+h.FixedEnd+3*v.HashAlg().Size(), rig.Book.Cursor(),
				"hash cursor advances once per partition")

			cp, err := rig.Checkpoints.Load()
			require.NoError(t, err)
			assert.Equal(t, checkpoint.Upgrading, cp.ResumePoint)
			assert.Equal(t, int32(3), cp.LastClosedPartition)
			assert.Equal(t, int32(checkpoint.NoPartition), cp.OpenPartition)
			assert.Equal(t, checkpoint.Version{Major: 3, Minor: 1}, cp.Version)
			assert.Equal(t, uint16(8), cp.PSVersion)

			if dfu.HasFooter(v) {
				assert.Equal(t, file[len(file)-v.SignatureSize():], ctx.Signature())
			} else {
				assert.Nil(t, ctx.Signature())
			}

			outcome, err = p.HandleChunk([]byte{1}, false)
			require.NoError(t, err, "chunks outside a receiving state are ignored")
			assert.Equal(t, partition.Continue, outcome)
		})
	}
}

func TestTransfer_EmptyPayload(t *testing.T) {
	v := dfu.HeaderVariant
	parts := dfutest.Parts(3, 16)
	parts[1].Payload = nil
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
	p := rig.Parser()
	p.Start()

	outcome, err := (&dfutest.Host{File: file}).Run(p, nil)
	require.NoError(t, err)
	assert.Equal(t, partition.TransferComplete, outcome)
	assert.Empty(t, contents(t, rig, 2))
	fw, ok, err := rig.Bank.FirstWord("alt", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, parts[1].FirstWord, fw)
}

func TestTransfer_UnknownSectionID(t *testing.T) {
	rig := dfutest.NewRig(t, dfu.FooterVariant, map[uint16]uint32{1: 64})
	p := rig.Parser()
	p.Start()

	file := dfu.NewFirstPart("BOGUSID!", 4).Encode()
	_, err := (&dfutest.Host{File: file}).Run(p, nil)
	require.Error(t, err)
	assert.Equal(t, partition.KindUnknownSectionID, partition.KindOf(err))
	assert.Equal(t, partition.StateError, p.State())

	durable, err := rig.Log.Durable()
	require.NoError(t, err)
	assert.Zero(t, durable, "an unknown section leaves the log untouched")
	cp, err := rig.Checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Fresh(), cp)

	_, err = p.HandleChunk(make([]byte, 12), true)
	assert.Equal(t, partition.KindUnknownSectionID, partition.KindOf(err), "error state is sticky")
}

func TestHandleChunk_Accounting(t *testing.T) {
	tests := []struct {
		name     string
		chunk    int
		complete bool
	}{
		{"over-delivery", dfu.FirstPartSize + 1, false},
		{"early complete", 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := dfutest.NewRig(t, dfu.FooterVariant, map[uint16]uint32{1: 64})
			p := rig.Parser()
			p.Start()
			_, err := p.HandleChunk(make([]byte, tt.chunk), tt.complete)
			require.Error(t, err)
			assert.Equal(t, partition.KindBadLengthPartitionParse, partition.KindOf(err))
		})
	}
}

func TestTransfer_Failures(t *testing.T) {
	tests := []struct {
		name    string
		variant dfu.Variant
		mutate  func(parts []dfu.Part, sizes map[uint16]uint32)
		corrupt func(t *testing.T, v dfu.Variant, file []byte) []byte
		opts    []partition.Option
		want    partition.Kind
	}{
		{
			name:    "incompatible device",
			variant: dfu.HeaderVariant,
			opts: []partition.Option{partition.WithDevice(dfu.Device{
				VariantID: "PAPYRIX", Version: dfu.Version{Major: 3, Minor: 0}, PSVersion: 9,
			})},
			want: partition.KindIncompatible,
		},
		{
			name:    "partition order",
			variant: dfu.FooterVariant,
			mutate: func(parts []dfu.Part, _ map[uint16]uint32) {
				parts[0].ID, parts[1].ID = parts[1].ID, parts[0].ID
			},
			want: partition.KindPartitionOrder,
		},
		{
			name:    "unknown partition",
			variant: dfu.HeaderVariant,
			mutate:  func(_ []dfu.Part, sizes map[uint16]uint32) { delete(sizes, 2) },
			want:    partition.KindPartitionOpenFailed,
		},
		{
			name:    "partition too large",
			variant: dfu.FooterVariant,
			mutate:  func(_ []dfu.Part, sizes map[uint16]uint32) { sizes[3] = 4 },
			want:    partition.KindBadPartitionSize,
		},
		{
			name:    "hash mismatch",
			variant: dfu.HeaderVariant,
			corrupt: func(t *testing.T, v dfu.Variant, file []byte) []byte {
				file[len(file)-1] ^= 0xFF
				return file
			},
			want: partition.KindHashMismatch,
		},
		{
			name:    "second upgrade header",
			variant: dfu.HeaderVariant,
			corrupt: func(t *testing.T, v dfu.Variant, file []byte) []byte {
				end := dfu.FirstPartSize + headerLength(t, file)
				out := append([]byte(nil), file[:end]...)
				out = append(out, file[:end]...)
				return append(out, file[end:]...)
			},
			want: partition.KindUnexpectedSection,
		},
		{
			name:    "footer before the last partition",
			variant: dfu.FooterVariant,
			corrupt: func(t *testing.T, v dfu.Variant, file []byte) []byte {
				secs, err := dfu.Scan(bytes.NewReader(file), v)
				require.NoError(t, err)
				start := int(secs[3].Offset)
				end := start + dfu.FirstPartSize + int(secs[3].Length)
				return append(file[:start:start], file[end:]...)
			},
			want: partition.KindUnexpectedSection,
		},
		{
			name:    "partition before upgrade header",
			variant: dfu.FooterVariant,
			corrupt: func(t *testing.T, v dfu.Variant, file []byte) []byte {
				return file[dfu.FirstPartSize+headerLength(t, file):]
			},
			want: partition.KindBadLengthUpgradeHeader,
		},
		{
			name:    "partition section shorter than its header",
			variant: dfu.HeaderVariant,
			corrupt: func(t *testing.T, v dfu.Variant, file []byte) []byte {
				off := dfu.FirstPartSize + headerLength(t, file) + dfu.IDSize
				binary.BigEndian.PutUint32(file[off:], uint32(v.SecondHeaderSize()+dfu.FirstWordSize-1))
				return file
			},
			want: partition.KindBadLengthPartitionHeader,
		},
		{
			name:    "footer length",
			variant: dfu.FooterVariant,
			corrupt: func(t *testing.T, v dfu.Variant, file []byte) []byte {
				off := len(file) - v.SignatureSize() - 4
				binary.BigEndian.PutUint32(file[off:], uint32(v.SignatureSize()-1))
				return file[:len(file)-1]
			},
			want: partition.KindBadLengthSignature,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := dfutest.Parts(3, 24)
			sizes := dfutest.Sizes(parts)
			if tt.mutate != nil {
				tt.mutate(parts, sizes)
			}
			file := dfutest.Build(t, tt.variant, parts)
			if tt.corrupt != nil {
				file = tt.corrupt(t, tt.variant, file)
			}
			rig := dfutest.NewRig(t, tt.variant, sizes)
			p := rig.Parser(tt.opts...)
			p.Start()

			_, err := (&dfutest.Host{File: file, Chunk: 16}).Run(p, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, partition.KindOf(err), err.Error())
			assert.Equal(t, partition.StateError, p.State())
			assert.Equal(t, err, p.Err())
		})
	}
}

func TestTransfer_SkipsClosedPartitions(t *testing.T) {
	v := dfu.HeaderVariant
	parts := dfutest.Parts(3, 32)
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
	cp := checkpoint.Fresh()
	cp.ResumePoint = checkpoint.Upgrading
	cp.LastClosedPartition = 2
	require.NoError(t, rig.Checkpoints.Save(cp))

	spy := rig.Spy()
	p := rig.ParserOn(spy)
	p.Start()
	host := &dfutest.Host{File: file}
	outcome, err := host.Run(p, nil)
	require.NoError(t, err)
	assert.Equal(t, partition.TransferComplete, outcome)
	assert.Equal(t, len(file), host.Cursor)

	assert.Equal(t, []uint16{3}, spy.Opens, "skipped partitions are never opened")
	assert.NotEmpty(t, spy.Writes)
	assert.NotContains(t, spy.Writes, uint16(1))
	assert.NotContains(t, spy.Writes, uint16(2))
	assert.Empty(t, contents(t, rig, 1))
	assert.Empty(t, contents(t, rig, 2))
	assert.Equal(t, parts[2].Payload, contents(t, rig, 3), "the remaining partition is checked against the third hash entry")
}

func TestTransfer_UpgradeHeaderLength(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
		want   partition.Kind
	}{
		{"empty", 0, partition.KindBadLengthUpgradeHeader},
		{"inside the common fields", 4, partition.KindBadLengthUpgradeHeader},
		{"no room for the trailer", dfu.MinHeaderSize, partition.KindBadLengthUpgradeHeader},
		{"larger than the header log", 0xFFFFFF00, partition.KindNoCapacity},
	}
	for _, v := range variants {
		for _, tt := range tests {
			t.Run(v.Name()+"/"+tt.name, func(t *testing.T) {
				rig := dfutest.NewRig(t, v, map[uint16]uint32{1: 64})
				p := rig.Parser()
				p.Start()

				_, err := p.HandleChunk(dfu.NewFirstPart(v.HeaderID(), tt.length).Encode(), true)
				require.Error(t, err)
				assert.Equal(t, tt.want, partition.KindOf(err), err.Error())
				assert.Equal(t, partition.StateError, p.State())
				assert.Zero(t, rig.Log.Cursor(), "the prefix is rejected before it is logged")
				durable, err := rig.Log.Durable()
				require.NoError(t, err)
				assert.Zero(t, durable)
			})
		}
	}
}

func TestTransfer_HeaderLogFull(t *testing.T) {
	v := dfu.FooterVariant
	parts := dfutest.Parts(2, 16)
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))

	// Room for the header and the first partition prefix, but not for
	// the whole partition header.
	limit := 2*dfu.FirstPartSize + headerLength(t, file) + 2
	log, err := headerlog.New(slotstore.NewMemStore(1), 0, limit)
	require.NoError(t, err)
	book := integrity.NewBookkeeper(v, log, integrity.StdHasher{}, nil, rig.Bank, nil)
	p := partition.NewParser(v, log, rig.Bank, book, rig.Checkpoints, partition.WithDevice(dfutest.Device()))
	p.Start()

	_, err = (&dfutest.Host{File: file}).Run(p, nil)
	require.Error(t, err)
	assert.Equal(t, partition.KindNoCapacity, partition.KindOf(err))
	assert.Equal(t, partition.StateError, p.State())
	assert.Equal(t, limit, log.Cursor())
}

func TestTransfer_ShortWrite(t *testing.T) {
	v := dfu.FooterVariant
	parts := dfutest.Parts(3, 24)
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
	spy := rig.Spy()
	spy.ShortWrite = 2
	p := rig.ParserOn(spy)
	p.Start()

	_, err := (&dfutest.Host{File: file, Chunk: 10}).Run(p, nil)
	require.Error(t, err)
	assert.Equal(t, partition.KindPartitionWriteFailed, partition.KindOf(err))
	assert.Equal(t, uint16(2), p.Context().PartitionID)
	assert.Equal(t, parts[0].Payload, contents(t, rig, 1))
}

func TestTransfer_CloseFailed(t *testing.T) {
	v := dfu.HeaderVariant
	parts := dfutest.Parts(2, 24)
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
	spy := rig.Spy()
	spy.CloseErr = errors.New("flash: sync failed")
	p := rig.ParserOn(spy)
	p.Start()

	_, err := (&dfutest.Host{File: file}).Run(p, nil)
	require.Error(t, err)
	assert.Equal(t, partition.KindPartitionCloseFailed, partition.KindOf(err))
	assert.Equal(t, []uint16{1}, spy.Closes)

	cp, err := rig.Checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, int32(checkpoint.NoPartition), cp.LastClosedPartition)
	assert.Equal(t, int32(1), cp.OpenPartition, "the partition stays open for the next session")
}

func TestTransfer_ClosesStaleHandle(t *testing.T) {
	v := dfu.FooterVariant
	parts := dfutest.Parts(2, 24)
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
	p := rig.Parser()
	p.Start()
	host := &dfutest.Host{File: file, Chunk: 8}
	_, err := host.Run(p, func() bool {
		return p.State() == partition.StatePartitionDataHeader && p.Context().LastPartition == 1
	})
	require.NoError(t, err)

	stale, err := rig.Bank.Open(1, parts[0].FirstWord)
	require.NoError(t, err)
	ctx := p.Context()
	spy := rig.Spy()
	np := rig.ParserOn(spy)
	_, err = np.Restore(partition.Position{
		State:             ctx.State,
		FileOffset:        ctx.FileOffset,
		PartitionLength:   ctx.PartitionLength,
		PendingPartitions: ctx.PendingPartitions,
		TotalPartitions:   ctx.TotalPartitions,
		HeaderParsed:      true,
		HeaderLength:      ctx.HeaderLength,
		SigningMode:       ctx.SigningMode,
		LastPartition:     ctx.LastPartition,
		HashTableCursor:   rig.Book.Cursor(),
		Handle:            stale,
		Next:              ctx.Next,
	})
	require.NoError(t, err)

	outcome, err := host.Run(np, nil)
	require.NoError(t, err)
	assert.Equal(t, partition.TransferComplete, outcome)
	require.NotEmpty(t, spy.Closes)
	assert.Equal(t, uint16(1), spy.Closes[0], "the stale handle is closed before partition 2 opens")
	assert.Equal(t, []uint16{2}, spy.Opens)
	assert.Equal(t, parts[0].Payload, contents(t, rig, 1))
	assert.Equal(t, parts[1].Payload, contents(t, rig, 2))
}

func TestTransfer_PendingPartitionCheck(t *testing.T) {
	v := dfu.HeaderVariant
	parts := dfutest.Parts(2, 32)
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
	hasher := &dfutest.AsyncHasher{}
	rig.UseHasher(hasher)
	p := rig.Parser()
	p.Start()

	_, err := p.FinishPartitionCheck(nil, nil)
	require.Error(t, err, "no check is pending yet")
	assert.Equal(t, partition.StateGenericFirstPart, p.State())

	host := &dfutest.Host{File: file, Chunk: 10}
	for i, part := range parts {
		outcome, err := host.Run(p, func() bool { return p.State() == partition.StateHashCheck })
		require.NoError(t, err)
		require.Equal(t, partition.Continue, outcome)
		require.True(t, p.CheckPending())
		assert.Equal(t, partition.Request{}, p.Request())

		outcome, err = p.HandleChunk([]byte{1}, false)
		require.NoError(t, err, "chunks are ignored while the digest is outstanding")
		assert.Equal(t, partition.Continue, outcome)

		cp, err := rig.Checkpoints.Load()
		require.NoError(t, err)
		assert.Equal(t, int32(part.ID), cp.OpenPartition, "not recorded as closed before the digest arrives")
		assert.Less(t, cp.LastClosedPartition, int32(part.ID))

		outcome, err = p.FinishPartitionCheck(hasher.Last(), nil)
		require.NoError(t, err)
		assert.False(t, p.CheckPending())
		if i == len(parts)-1 {
			assert.Equal(t, partition.TransferComplete, outcome)
		} else {
			assert.Equal(t, partition.Continue, outcome)
			assert.Equal(t, partition.StateGenericFirstPart, p.State())
		}
	}

	cp, err := rig.Checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, int32(2), cp.LastClosedPartition)
	assert.Equal(t, len(file), host.Cursor)
}

func TestTransfer_PartitionCheckFailures(t *testing.T) {
	v := dfu.FooterVariant
	parts := dfutest.Parts(2, 32)
	file := dfutest.Build(t, v, parts)

	t.Run("wrong digest", func(t *testing.T) {
		rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
		rig.UseHasher(&dfutest.AsyncHasher{})
		p := rig.Parser()
		p.Start()
		_, err := (&dfutest.Host{File: file}).Run(p, func() bool { return p.State() == partition.StateHashCheck })
		require.NoError(t, err)

		_, err = p.FinishPartitionCheck(make([]byte, v.HashAlg().Size()), nil)
		require.Error(t, err)
		assert.Equal(t, partition.KindHashMismatch, partition.KindOf(err))
		assert.Equal(t, partition.StateError, p.State())
	})
	t.Run("hasher error delivered", func(t *testing.T) {
		rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
		rig.UseHasher(&dfutest.AsyncHasher{})
		p := rig.Parser()
		p.Start()
		_, err := (&dfutest.Host{File: file}).Run(p, func() bool { return p.State() == partition.StateHashCheck })
		require.NoError(t, err)

		_, err = p.FinishPartitionCheck(nil, errors.New("hash engine reset"))
		require.Error(t, err)
		assert.Equal(t, partition.KindInternal, partition.KindOf(err))
	})
	t.Run("hasher error", func(t *testing.T) {
		rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
		rig.UseHasher(brokenHasher{})
		p := rig.Parser()
		p.Start()
		_, err := (&dfutest.Host{File: file}).Run(p, nil)
		require.Error(t, err)
		assert.Equal(t, partition.KindInternal, partition.KindOf(err))

		cp, err := rig.Checkpoints.Load()
		require.NoError(t, err)
		assert.Equal(t, int32(checkpoint.NoPartition), cp.LastClosedPartition)
	})
}

func TestAbort(t *testing.T) {
	v := dfu.FooterVariant
	parts := dfutest.Parts(2, 64)
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
	p := rig.Parser()
	p.Start()

	host := &dfutest.Host{File: file, Chunk: 8}
	_, err := host.Run(p, func() bool { return p.State() == partition.StatePartitionData })
	require.NoError(t, err)
	require.NotNil(t, p.Context().Handle())

	p.Abort()
	assert.Equal(t, partition.StateAborting, p.State())
	assert.Nil(t, p.Context().Handle())
	outcome, err := p.HandleChunk([]byte{1}, false)
	require.NoError(t, err)
	assert.Equal(t, partition.Continue, outcome)
}

func TestReset(t *testing.T) {
	v := dfu.FooterVariant
	parts := dfutest.Parts(2, 64)
	file := dfutest.Build(t, v, parts)
	rig := dfutest.NewRig(t, v, dfutest.Sizes(parts))
	p := rig.Parser()
	p.Start()

	_, err := (&dfutest.Host{File: file, Chunk: 8, Limit: 40}).Run(p, nil)
	require.ErrorIs(t, err, dfutest.ErrCut)
	require.NotEmpty(t, p.Context().Incomplete)

	p.Reset()
	ctx := p.Context()
	assert.Empty(t, ctx.Incomplete)
	assert.Nil(t, ctx.Handle())
	assert.Zero(t, ctx.TotalRequested)
	assert.Zero(t, ctx.TotalReceived)
	assert.Equal(t, partition.Request{}, p.Request())
}
