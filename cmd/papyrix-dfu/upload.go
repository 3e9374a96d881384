package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-dfu/internal/detect"
	"github.com/bigbag/papyrix-dfu/internal/flasher"
	"github.com/bigbag/papyrix-dfu/internal/protocol"
	"github.com/bigbag/papyrix-dfu/internal/serial"
)

var (
	chunkFlag   int
	timeoutFlag time.Duration
	retriesFlag int
	rebootFlag  bool
)

func addLinkFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&chunkFlag, "chunk", 0, "Largest chunk per Data packet (default from config)")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Wait for a device packet before polling it (default from config)")
	cmd.Flags().IntVar(&retriesFlag, "retries", 0, "Unanswered polls before giving up (default from config)")
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file.dfu>",
		Short: "Upload a DFU file to a device",
		Long: `Upload a DFU file to a device over a serial link.

The device drives the transfer by requesting byte ranges of the file. If
the device was reset during an earlier upload of the same file, it resumes
and only the missing bytes are sent.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}
	addPortFlags(cmd)
	addLinkFlags(cmd)
	cmd.Flags().BoolVar(&rebootFlag, "reboot", false, "Reset the device after the upgrade is validated")
	return cmd
}

func linkOptions() []flasher.Option {
	return []flasher.Option{
		flasher.WithChunkSize(cfg.Link.Chunk),
		flasher.WithTimeout(cfg.Link.Timeout),
		flasher.WithRetries(uint64(cfg.Link.Retries)),
		flasher.WithLogger(logger),
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	file, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read DFU file: %w", err)
	}
	fmt.Printf("File: %s (%s)\n", args[0], humanize.IBytes(uint64(len(file))))

	portName := cfg.Serial.Port
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(ctx, cfg.Serial.Baud)
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found device on %s (%s)\n", result.Port, result.StatusName())
	}

	port, err := serial.Open(portName, cfg.Serial.Baud)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()
	fmt.Printf("Port: %s @ %d baud\n", portName, cfg.Serial.Baud)

	f := flasher.New(port, linkOptions()...)

	fmt.Println("Connecting to device...")
	if err := f.Connect(ctx); err != nil {
		return err
	}
	fmt.Println("Connected!")

	bar := progressbar.NewOptions(len(file),
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	f.SetProgressCallback(func(current, total int) {
		_ = bar.Set(current)
	})

	start := time.Now()
	if err := f.Upload(ctx, file); err != nil {
		_ = bar.Exit()
		if ctx.Err() != nil {
			fmt.Println("\nInterrupted. Upload the same file again to resume.")
		}
		return err
	}
	_ = bar.Finish()

	fmt.Printf("\nUpgrade validated in %s\n", time.Since(start).Round(time.Millisecond))

	if rebootFlag {
		fmt.Println("Rebooting device...")
		if err := port.Reboot(); err != nil {
			fmt.Printf("Warning: reboot failed: %v\n", err)
		}
	}
	return nil
}

func newAbortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Cancel the transfer in progress on a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if cfg.Serial.Port == "" {
				return fmt.Errorf("abort needs --port")
			}
			port, err := serial.Open(cfg.Serial.Port, cfg.Serial.Baud)
			if err != nil {
				return fmt.Errorf("failed to open port: %w", err)
			}
			defer port.Close()

			f := flasher.New(port, linkOptions()...)
			if err := f.Connect(ctx); err != nil {
				return err
			}
			if err := f.Abort(); err != nil {
				return err
			}
			code, _, err := f.Status()
			if err != nil {
				return err
			}
			fmt.Printf("Device status: %s\n", protocol.StatusMessage(code))
			return nil
		},
	}
	addPortFlags(cmd)
	addLinkFlags(cmd)
	return cmd
}
