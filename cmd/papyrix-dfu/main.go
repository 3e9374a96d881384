package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bigbag/papyrix-dfu/internal/config"
	"github.com/bigbag/papyrix-dfu/internal/detect"
	"github.com/bigbag/papyrix-dfu/internal/logging"
	"github.com/bigbag/papyrix-dfu/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag    string
	variantFlag   string
	logLevelFlag  string
	logFormatFlag string
	portFlag      string
	baudFlag      int
)

// Loaded by the root command before any subcommand runs.
var (
	cfg    config.Config
	logger *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "papyrix-dfu",
		Short: "Resumable, verified firmware upgrades for Papyrix devices",
		Long: `Papyrix DFU packs signed upgrade files and transfers them to a device
over a serial link. A transfer interrupted by a reset or a dropped link
resumes where it stopped: the device replays the headers it persisted and
asks only for the bytes it is missing.

Settings come from built-in defaults, an optional --config file,
PAPYRIX_DFU_* environment variables and flags, in increasing priority.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&variantFlag, "variant", "", "Format variant: header or footer")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Log format: text, json, dev")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("papyrix-dfu %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device transfer status",
		Long:  "Probe serial ports for DFU devices and show their transfer status.",
		RunE:  runInfo,
	}
	addPortFlags(infoCmd)

	rootCmd.AddCommand(
		versionCmd, listCmd, infoCmd,
		newPackCmd(), newKeygenCmd(), newInspectCmd(),
		newUploadCmd(), newAbortCmd(), newDeviceCmd(), newSimulateCmd(), newResumeInfoCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPortFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate (default from config)")
}

// flagKeys maps flag names to the settings they override.
var flagKeys = map[string]string{
	"variant":    config.Variant,
	"log-level":  config.LogLevel,
	"log-format": config.LogFormat,
	"port":       config.SerialPort,
	"baud":       config.SerialBaud,
	"chunk":      config.LinkChunk,
	"timeout":    config.LinkTimeout,
	"retries":    config.LinkRetries,
	"state":      config.StatePath,
	"backend":    config.StateBackend,
	"flash-dir":  config.FlashDir,
	"public-key": config.KeysPublic,
	"key":        config.KeysPrivate,
}

func loadConfig(cmd *cobra.Command, args []string) error {
	v, err := config.New()
	if err != nil {
		return err
	}
	if err := config.ReadFile(v, configFlag); err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	if cfg, err = config.Load(v); err != nil {
		return err
	}
	logger = logging.New(os.Stderr, "papyrix-dfu", cfg.Log.Level, cfg.Log.Format)
	return nil
}

// bindFlags lets the flags a user set override the settings.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s  (USB %s:%s", p.Name, p.VID, p.PID)
			if p.Serial != "" {
				fmt.Printf(" serial %s", p.Serial)
			}
			fmt.Println(")")
			continue
		}
		fmt.Printf("  %s\n", p.Name)
	}

	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Serial.Port != "" {
		result, err := detect.DetectOnPort(ctx, cfg.Serial.Port, cfg.Serial.Baud)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", cfg.Serial.Port, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for DFU devices...")
	devices, err := detect.ListDevices(ctx, cfg.Serial.Baud)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No DFU devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Status:   %s\n", d.StatusName())
	if d.Outcome != 0 {
		fmt.Printf("  Outcome:  %d\n", d.Outcome)
	}
	if d.USB {
		fmt.Printf("  USB:      %s:%s\n", d.VID, d.PID)
	}
}
