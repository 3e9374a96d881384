package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-dfu/internal/checkpoint"
	"github.com/bigbag/papyrix-dfu/internal/config"
	"github.com/bigbag/papyrix-dfu/internal/device"
	"github.com/bigbag/papyrix-dfu/internal/flash"
	"github.com/bigbag/papyrix-dfu/internal/headerlog"
	"github.com/bigbag/papyrix-dfu/internal/integrity"
	"github.com/bigbag/papyrix-dfu/internal/resume"
	"github.com/bigbag/papyrix-dfu/internal/serial"
)

var (
	stateFlag     string
	backendFlag   string
	flashDirFlag  string
	publicKeyFlag string
)

func addStateFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&stateFlag, "state", "", "Slot store path (default from config)")
	cmd.Flags().StringVar(&backendFlag, "backend", "", "Slot store backend: file, sqlite, memory")
	cmd.Flags().StringVar(&flashDirFlag, "flash-dir", "", "Directory holding the emulated flash banks")
}

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run the device side of the DFU link on a serial port",
		Long: `Run the receiving device on a serial port: partitions are written to
file-backed flash banks and the transfer state to the slot store, so that a
restarted device resumes an interrupted transfer.`,
		RunE: runDevice,
	}
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port to serve")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate (default from config)")
	cmd.Flags().StringVar(&publicKeyFlag, "public-key", "", "Public key PEM that verifies uploads (default from config)")
	addStateFlags(cmd)
	return cmd
}

func loadVerifier(c config.Config) (integrity.KeyVerifier, error) {
	if c.Keys.Public == "" {
		return integrity.KeyVerifier{}, fmt.Errorf("no public key: set --public-key or %s", config.KeysPublic)
	}
	key, err := integrity.LoadPublicKey(c.Keys.Public)
	if err != nil {
		return integrity.KeyVerifier{}, err
	}
	return integrity.KeyVerifier{Key: key}, nil
}

func runDevice(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Serial.Port == "" {
		return fmt.Errorf("device needs --port")
	}
	verifier, err := loadVerifier(cfg)
	if err != nil {
		return err
	}
	slots, err := device.OpenSlots(cfg.State)
	if err != nil {
		return err
	}
	defer slots.Close()

	port, err := serial.Open(cfg.Serial.Port, cfg.Serial.Baud)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}

	board := device.NewBoard(cfg, slots, verifier, logger)
	s := device.NewSession(port, logger)
	eng, err := board.Boot(s.Notify)
	if eng == nil {
		port.Close()
		return err
	}
	if err != nil {
		// The session still runs so the host can read the failure.
		logger.Warn("boot failed", "error", err)
	}

	logger.Info("serving", "port", port.PortName(), "baud", port.BaudRate(), "variant", cfg.Variant.Name())
	if err := s.Serve(ctx, eng); err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func newResumeInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume-info",
		Short: "Show where an interrupted transfer would resume",
		Long: `Show the device checkpoint and, for an interrupted transfer, the position
the device would resume from after replaying its header log. Nothing is
written.`,
		RunE: runResumeInfo,
	}
	addStateFlags(cmd)
	return cmd
}

func runResumeInfo(cmd *cobra.Command, args []string) error {
	slots, err := device.OpenSlots(cfg.State)
	if err != nil {
		return err
	}
	defer slots.Close()

	board := device.NewBoard(cfg, slots, nil, logger)
	cp, err := board.Checkpoints().Load()
	if err != nil {
		return err
	}

	fmt.Printf("Checkpoint:\n")
	fmt.Printf("  Resume point:     %s\n", cp.ResumePoint)
	fmt.Printf("  Last closed:      %s\n", partitionName(cp.LastClosedPartition))
	fmt.Printf("  Open partition:   %s\n", partitionName(cp.OpenPartition))
	fmt.Printf("  Target version:   %s (ps %d)\n", cp.Version, cp.PSVersion)
	if cp.FileSize != 0 {
		fmt.Printf("  File size:        %d\n", cp.FileSize)
	}

	if cp.ResumePoint != checkpoint.Upgrading && cp.ResumePoint != checkpoint.PreValidate {
		fmt.Println("No transfer to resume.")
		return nil
	}

	log, err := headerlog.New(slots, cfg.State.LogBase, cfg.State.LogSlots)
	if err != nil {
		return err
	}
	bank, err := flash.NewFileBank(cfg.Flash.Dir, cfg.Flash.Partitions, logger)
	if err != nil {
		return err
	}
	durable, err := log.Durable()
	if err != nil {
		return err
	}
	pos, err := resume.NewReplayer(cfg.Variant, log, bank, logger).Replay(cp)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	fmt.Printf("Resume position:\n")
	fmt.Printf("  Header log:       %d bytes\n", durable)
	fmt.Printf("  State:            %s\n", pos.State)
	fmt.Printf("  File offset:      %d\n", pos.FileOffset)
	fmt.Printf("  Partitions:       %d of %d pending\n", pos.PendingPartitions, pos.TotalPartitions)
	if pos.PartitionID != 0 {
		fmt.Printf("  Partition:        %d at %d of %d\n", pos.PartitionID, pos.PartOffset, pos.PartitionLength)
	}
	return nil
}

func partitionName(id int32) string {
	if id == checkpoint.NoPartition {
		return "none"
	}
	return fmt.Sprint(id)
}
