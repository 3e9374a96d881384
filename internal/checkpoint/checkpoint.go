// Package checkpoint persists the small record that tells a rebooted device
// where an upgrade stood: the resume point, the highest partition already
// closed, and what the open partition needs to be reopened.
package checkpoint

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/bigbag/papyrix-dfu/internal/slotstore"
)

// ResumePoint is the coarse phase of an upgrade.
type ResumePoint uint8

const (
	Start ResumePoint = iota
	Erasing
	Upgrading
	PreValidate
	PreReboot
	PostReboot
	Committed
	Failed
)

func (r ResumePoint) String() string {
	switch r {
	case Start:
		return "start"
	case Erasing:
		return "erasing"
	case Upgrading:
		return "upgrading"
	case PreValidate:
		return "pre-validate"
	case PreReboot:
		return "pre-reboot"
	case PostReboot:
		return "post-reboot"
	case Committed:
		return "committed"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("resume-point(%d)", uint8(r))
	}
}

// NoPartition marks an empty partition id field.
const NoPartition int32 = -1

// Version is a major/minor pair.
type Version struct {
	Major uint16 `cbor:"1,keyasint"`
	Minor uint16 `cbor:"2,keyasint"`
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Checkpoint is the persisted resume record.
type Checkpoint struct {
	ResumePoint         ResumePoint `cbor:"1,keyasint"`
	LastClosedPartition int32       `cbor:"2,keyasint"`
	OpenPartition       int32       `cbor:"3,keyasint"`
	FirstWord           uint32      `cbor:"4,keyasint"`
	Version             Version     `cbor:"5,keyasint"`
	PSVersion           uint16      `cbor:"6,keyasint"`
	FileSize            uint32      `cbor:"7,keyasint,omitempty"`
}

// Fresh returns the record of a device with no transfer in flight.
func Fresh() Checkpoint {
	return Checkpoint{
		ResumePoint:         Start,
		LastClosedPartition: NoPartition,
		OpenPartition:       NoPartition,
	}
}

// InFlight reports whether a transfer was interrupted before validation.
func (c Checkpoint) InFlight() bool {
	return c.ResumePoint == Erasing || c.ResumePoint == Upgrading
}

// Closed reports whether partition id is at or below the high-water mark.
func (c Checkpoint) Closed(id uint16) bool {
	return int32(id) <= c.LastClosedPartition
}

// IsOpen reports whether id was the partition open when the record was saved.
func (c Checkpoint) IsOpen(id uint16) bool {
	return c.OpenPartition == int32(id)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Store reads and writes the checkpoint in a single reserved slot. Each save
// rewrites the whole record, so related fields change together.
type Store struct {
	slots slotstore.Store
	slot  uint16
}

// NewStore creates a checkpoint store on slot id of slots.
func NewStore(slots slotstore.Store, slot uint16) *Store {
	return &Store{slots: slots, slot: slot}
}

// Load returns the saved record, or Fresh() when none was saved.
func (s *Store) Load() (Checkpoint, error) {
	raw, err := s.slots.Get(s.slot)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: read slot %d: %w", s.slot, err)
	}
	if len(raw) == 0 {
		return Fresh(), nil
	}
	var c Checkpoint
	if err := decMode.Unmarshal(raw, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return c, nil
}

// Save persists c.
func (s *Store) Save(c Checkpoint) error {
	raw, err := encMode.Marshal(c)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := s.slots.Set(s.slot, raw); err != nil {
		return fmt.Errorf("checkpoint: write slot %d: %w", s.slot, err)
	}
	return nil
}

// Update loads the record, applies fn and saves the result.
func (s *Store) Update(fn func(*Checkpoint)) (Checkpoint, error) {
	c, err := s.Load()
	if err != nil {
		return Checkpoint{}, err
	}
	fn(&c)
	return c, s.Save(c)
}
