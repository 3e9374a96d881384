package device

import (
	"fmt"
	"log/slog"

	"github.com/bigbag/papyrix-dfu/internal/checkpoint"
	"github.com/bigbag/papyrix-dfu/internal/config"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/engine"
	"github.com/bigbag/papyrix-dfu/internal/flash"
	"github.com/bigbag/papyrix-dfu/internal/headerlog"
	"github.com/bigbag/papyrix-dfu/internal/integrity"
	"github.com/bigbag/papyrix-dfu/internal/slotstore"
)

// OpenSlots opens the slot store named by c.
func OpenSlots(c config.StateConfig) (slotstore.Store, error) {
	switch c.Backend {
	case config.BackendFile:
		return slotstore.OpenFileStore(c.Path, c.Capacity)
	case config.BackendSQLite:
		return slotstore.OpenSQLiteStore(c.Path, c.Capacity)
	case config.BackendMemory:
		return slotstore.NewMemStore(c.Capacity), nil
	}
	return nil, fmt.Errorf("device: unknown slot backend %q", c.Backend)
}

// Board is everything a device keeps across reboots: the slot store and
// the flash directory, plus its fixed identity.
type Board struct {
	Variant    dfu.Variant
	Device     dfu.Device
	Slots      slotstore.Store
	Checkpoint uint16
	LogBase    uint16
	LogSlots   int
	FlashDir   string
	Partitions map[uint16]uint32
	Verifier   integrity.Verifier
	Logger     *slog.Logger
}

// NewBoard describes the board configured by c over slots.
func NewBoard(c config.Config, slots slotstore.Store, verifier integrity.Verifier, logger *slog.Logger) *Board {
	return &Board{
		Variant:    c.Variant,
		Device:     c.Device,
		Slots:      slots,
		Checkpoint: c.State.Checkpoint,
		LogBase:    c.State.LogBase,
		LogSlots:   c.State.LogSlots,
		FlashDir:   c.Flash.Dir,
		Partitions: c.Flash.Partitions,
		Verifier:   verifier,
		Logger:     logger,
	}
}

// Boot powers the board on: it builds a fresh engine over the persistent
// state and initializes it, which resumes an interrupted transfer.
func (b *Board) Boot(notify func(engine.Notice)) (*engine.Engine, error) {
	log, err := headerlog.New(b.Slots, b.LogBase, b.LogSlots)
	if err != nil {
		return nil, err
	}
	bank, err := flash.NewFileBank(b.FlashDir, b.Partitions, b.Logger)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(engine.Config{
		Variant:     b.Variant,
		Device:      b.Device,
		Log:         log,
		Checkpoints: b.Checkpoints(),
		Bank:        bank,
		Verifier:    b.Verifier,
		Logger:      b.Logger,
		Notify:      notify,
	})
	if err != nil {
		return nil, err
	}
	if err := eng.Init(); err != nil {
		return eng, fmt.Errorf("device: init: %w", err)
	}
	return eng, nil
}

// Checkpoints returns the checkpoint store on the board's slots.
func (b *Board) Checkpoints() *checkpoint.Store {
	return checkpoint.NewStore(b.Slots, b.Checkpoint)
}
