// Package resume reconstructs where an interrupted transfer stood by
// re-parsing the header log, without touching partition payload.
package resume

import (
	"fmt"
	"log/slog"

	"github.com/bigbag/papyrix-dfu/internal/checkpoint"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/flash"
	"github.com/bigbag/papyrix-dfu/internal/headerlog"
	"github.com/bigbag/papyrix-dfu/internal/logging"
	"github.com/bigbag/papyrix-dfu/internal/partition"
)

// MaxSections bounds the number of sections a replay walks through.
const MaxSections = 1000

// Replayer walks the header log section by section.
type Replayer struct {
	variant    dfu.Variant
	log        *headerlog.Log
	partitions flash.Partitions
	logger     *slog.Logger
	limit      int
}

// NewReplayer creates a replayer.
func NewReplayer(v dfu.Variant, log *headerlog.Log, partitions flash.Partitions, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Replayer{variant: v, log: log, partitions: partitions, logger: logger, limit: MaxSections}
}

type walk struct {
	lo  int    // header log offset
	fo  uint32 // DFU file offset
	pos partition.Position
}

// Replay returns the position to resume from and leaves the header log
// write cursor where the resumed parser will append next.
//
// A section only partly present in the log is requested again from its
// start; the header log skips the bytes it already holds. Partitions at
// or below the checkpoint's high-water mark are stepped over. The partition
// that was open at the reboot is reopened and resumed at its flash write
// cursor.
func (r *Replayer) Replay(cp checkpoint.Checkpoint) (partition.Position, error) {
	w := &walk{pos: partition.Position{LastPartition: checkpoint.NoPartition}}
	entry := r.variant.HashAlg().Size()
	second := r.variant.SecondHeaderSize()

	for i := 0; ; i++ {
		if i >= r.limit {
			return partition.Position{}, &partition.Error{
				Kind: partition.KindReplayLimit, Op: "replay",
				Err: fmt.Errorf("more than %d sections", r.limit),
			}
		}

		ok, err := r.durable(w.lo, dfu.FirstPartSize)
		if err != nil {
			return partition.Position{}, err
		}
		if !ok {
			return r.at(w, partition.StateGenericFirstPart, w.lo, w.fo, dfu.FirstPartSize)
		}
		prefix, err := r.log.ReadOffset(w.lo, dfu.FirstPartSize)
		if err != nil {
			return partition.Position{}, r.corrupt(err)
		}
		fp, _ := dfu.ParseFirstPart(prefix)

		switch dfu.Classify(r.variant, fp) {
		case dfu.SectionHeader:
			if w.pos.HeaderParsed {
				return partition.Position{}, r.corrupt(fmt.Errorf("second upgrade header at log offset %d", w.lo))
			}
			if ok, err := r.durable(w.lo+dfu.FirstPartSize, int(fp.Length)); err != nil || !ok {
				if err != nil {
					return partition.Position{}, err
				}
				return r.at(w, partition.StateGenericFirstPart, w.lo, w.fo, dfu.FirstPartSize)
			}
			body, err := r.log.ReadOffset(w.lo+dfu.FirstPartSize, int(fp.Length))
			if err != nil {
				return partition.Position{}, r.corrupt(err)
			}
			h, err := dfu.ParseHeader(body)
			if err != nil {
				return partition.Position{}, r.corrupt(err)
			}
			layout, err := dfu.LayoutOf(r.variant, h, len(body))
			if err != nil {
				return partition.Position{}, r.corrupt(err)
			}
			w.pos.HeaderParsed = true
			w.pos.HeaderLength = fp.Length
			w.pos.TotalPartitions = layout.TotalPartitions
			w.pos.PendingPartitions = layout.TotalPartitions
			w.pos.HashTableCursor = layout.HashTableCursor
			w.pos.SigningMode = r.variant.SigningMode(body)
			w.lo += dfu.FirstPartSize + int(fp.Length)
			w.fo += dfu.FirstPartSize + fp.Length
			if layout.TotalPartitions == 0 && !dfu.HasFooter(r.variant) {
				return r.at(w, partition.StateWaitForValidation, w.lo, w.fo, 0)
			}

		case dfu.SectionPartition:
			if !w.pos.HeaderParsed {
				return partition.Position{}, r.corrupt(fmt.Errorf("partition before upgrade header"))
			}
			if fp.Length < uint32(second)+dfu.FirstWordSize {
				return partition.Position{}, r.corrupt(fmt.Errorf("partition section of %d bytes", fp.Length))
			}
			if ok, err := r.durable(w.lo+dfu.FirstPartSize, second); err != nil || !ok {
				if err != nil {
					return partition.Position{}, err
				}
				return r.at(w, partition.StateGenericFirstPart, w.lo, w.fo, dfu.FirstPartSize)
			}
			raw, err := r.log.ReadOffset(w.lo+dfu.FirstPartSize, second)
			if err != nil {
				return partition.Position{}, r.corrupt(err)
			}
			ph, err := r.variant.ParsePartitionHeader(raw)
			if err != nil {
				return partition.Position{}, r.corrupt(err)
			}
			plen := fp.Length - uint32(second)
			dataHeaderEnd := w.lo + dfu.FirstPartSize + second

			switch {
			case cp.Closed(ph.ID):
				r.logger.Debug("replay: partition closed", "partition", ph.ID)
				w.pos.PendingPartitions--
				w.pos.HashTableCursor += entry
				w.pos.LastPartition = int32(ph.ID)
				w.lo = dataHeaderEnd
				w.fo += dfu.FirstPartSize + fp.Length
				if w.pos.PendingPartitions == 0 && !dfu.HasFooter(r.variant) {
					return r.at(w, partition.StateWaitForValidation, w.lo, w.fo, 0)
				}

			case cp.IsOpen(ph.ID):
				return r.reopen(w, cp, ph.ID, plen, dataHeaderEnd)

			default:
				// Logged but never opened: fetch the data header again for its first word.
				w.pos.PartitionID = ph.ID
				w.pos.PartitionLength = plen
				return r.at(w, partition.StatePartitionDataHeader,
					w.lo+dfu.FirstPartSize, w.fo+dfu.FirstPartSize, uint32(second)+dfu.FirstWordSize)
			}

		default:
			return partition.Position{}, r.corrupt(fmt.Errorf("unexpected section %q at log offset %d", fp.ID[:], w.lo))
		}
	}
}

func (r *Replayer) reopen(w *walk, cp checkpoint.Checkpoint, id uint16, plen uint32, logOff int) (partition.Position, error) {
	payload := plen - dfu.FirstWordSize
	h, err := r.partitions.Open(id, cp.FirstWord)
	if err != nil {
		return partition.Position{}, &partition.Error{Kind: partition.KindPartitionOpenFailed, Op: "replay", Err: err}
	}
	written, err := r.partitions.WriteCursor(h)
	if err != nil {
		return partition.Position{}, &partition.Error{Kind: partition.KindPartitionOpenFailed, Op: "replay", Err: err}
	}
	if written > payload {
		return partition.Position{}, &partition.Error{
			Kind: partition.KindBadPartitionSize, Op: "replay",
			Err: fmt.Errorf("partition %d holds %d bytes, section carries %d", id, written, payload),
		}
	}

	w.pos.PartitionID = id
	w.pos.PartitionLength = plen
	w.pos.PartOffset = written
	w.pos.FirstWord = cp.FirstWord
	w.pos.Handle = h
	start := w.fo + dfu.FirstPartSize + uint32(r.variant.SecondHeaderSize()) + dfu.FirstWordSize + written
	r.logger.Info("replay: resuming open partition", "partition", id, "written", written, "remaining", payload-written)
	return r.at(w, partition.StatePartitionData, logOff, start, payload-written)
}

// at finishes the walk: it positions the header log and fills in the
// resume request.
func (r *Replayer) at(w *walk, state partition.State, logOff int, fileOff, size uint32) (partition.Position, error) {
	if err := r.log.Seek(logOff); err != nil {
		return partition.Position{}, r.corrupt(err)
	}
	w.pos.State = state
	w.pos.FileOffset = fileOff
	if size > 0 {
		w.pos.Next = partition.Request{Size: size, Offset: fileOff}
	}
	r.logger.Info("replay finished",
		"state", state.String(),
		"file_offset", fileOff,
		"log_offset", logOff,
		"pending", w.pos.PendingPartitions)
	return w.pos, nil
}

func (r *Replayer) durable(off, n int) (bool, error) {
	got, err := r.log.AvailableUpTo(off, n)
	if err != nil {
		return false, &partition.Error{Kind: partition.KindPersistFailed, Op: "replay", Err: err}
	}
	return got == n, nil
}

func (r *Replayer) corrupt(err error) error {
	return &partition.Error{Kind: partition.KindInternal, Op: "replay", Err: fmt.Errorf("corrupt header log: %w", err)}
}
