// Package config loads papyrix-dfu settings with viper: embedded defaults,
// then an optional config file, then PAPYRIX_DFU_* environment variables,
// then bound command line flags.
package config

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bigbag/papyrix-dfu/embedded"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/protocol"
)

// Setting keys.
const (
	Variant         = "variant"
	LogLevel        = "log.level"
	LogFormat       = "log.format"
	StateBackend    = "state.backend"
	StatePath       = "state.path"
	StateCapacity   = "state.capacity"
	StateCheckpoint = "state.checkpoint"
	StateLogBase    = "state.log_base"
	StateLogSlots   = "state.log_slots"
	FlashDir        = "flash.dir"
	FlashPartitions = "flash.partitions"
	KeysPublic      = "keys.public"
	KeysPrivate     = "keys.private"
	SerialPort      = "serial.port"
	SerialBaud      = "serial.baud"
	LinkChunk       = "link.chunk"
	LinkTimeout     = "link.timeout"
	LinkRetries     = "link.retries"
	DeviceVariantID = "device.variant_id"
	DeviceMajor     = "device.version.major"
	DeviceMinor     = "device.version.minor"
	DevicePSVersion = "device.ps_version"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAPYRIX_DFU"

// Slot store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the validated configuration.
type Config struct {
	Variant dfu.Variant
	Log     LogConfig
	State   StateConfig
	Flash   FlashConfig
	Keys    KeysConfig
	Serial  SerialConfig
	Link    LinkConfig
	Device  dfu.Device
}

type LogConfig struct {
	Level  string
	Format string
}

// StateConfig places the header log and the checkpoint in a slot store.
type StateConfig struct {
	Backend    string
	Path       string
	Capacity   int
	Checkpoint uint16
	LogBase    uint16
	LogSlots   int
}

type FlashConfig struct {
	Dir        string
	Partitions map[uint16]uint32
}

type KeysConfig struct {
	Public  string
	Private string
}

type SerialConfig struct {
	Port string
	Baud int
}

type LinkConfig struct {
	Chunk   int
	Timeout time.Duration
	Retries int
}

// New returns a viper instance holding the embedded defaults with
// environment overrides enabled.
func New() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(embedded.DefaultConfig())); err != nil {
		return nil, fmt.Errorf("config: read defaults: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// ReadFile merges a config file over the defaults. An empty path is a
// no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Load validates the settings held by v.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	var err error

	if c.Variant, err = dfu.VariantByName(v.GetString(Variant)); err != nil {
		return c, fmt.Errorf("config: %s: %w", Variant, err)
	}

	c.Log = LogConfig{Level: v.GetString(LogLevel), Format: v.GetString(LogFormat)}

	c.State = StateConfig{
		Backend:  strings.ToLower(v.GetString(StateBackend)),
		Path:     v.GetString(StatePath),
		Capacity: v.GetInt(StateCapacity),
		LogSlots: v.GetInt(StateLogSlots),
	}
	switch c.State.Backend {
	case BackendFile, BackendSQLite:
		if c.State.Path == "" {
			return c, fmt.Errorf("config: %s is required for the %s backend", StatePath, c.State.Backend)
		}
	case BackendMemory:
	default:
		return c, fmt.Errorf("config: %s: unknown backend %q", StateBackend, c.State.Backend)
	}
	if c.State.Capacity < 16 {
		return c, fmt.Errorf("config: %s must be at least 16, got %d", StateCapacity, c.State.Capacity)
	}
	if c.State.LogSlots <= 0 {
		return c, fmt.Errorf("config: %s must be > 0", StateLogSlots)
	}
	if c.State.Checkpoint, err = slotID(v, StateCheckpoint); err != nil {
		return c, err
	}
	if c.State.LogBase, err = slotID(v, StateLogBase); err != nil {
		return c, err
	}
	if int(c.State.LogBase)+c.State.LogSlots-1 > 0xFFFF {
		return c, fmt.Errorf("config: log slots %d+%d overflow slot ids", c.State.LogBase, c.State.LogSlots)
	}
	if c.State.Checkpoint >= c.State.LogBase && int(c.State.Checkpoint) < int(c.State.LogBase)+c.State.LogSlots {
		return c, fmt.Errorf("config: checkpoint slot %d lies inside the header log", c.State.Checkpoint)
	}

	c.Flash.Dir = v.GetString(FlashDir)
	if c.Flash.Partitions, err = partitions(v.GetStringMapString(FlashPartitions)); err != nil {
		return c, err
	}

	c.Keys = KeysConfig{Public: v.GetString(KeysPublic), Private: v.GetString(KeysPrivate)}
	c.Serial = SerialConfig{Port: v.GetString(SerialPort), Baud: v.GetInt(SerialBaud)}
	if c.Serial.Baud <= 0 {
		return c, fmt.Errorf("config: %s must be > 0", SerialBaud)
	}

	c.Link = LinkConfig{
		Chunk:   v.GetInt(LinkChunk),
		Timeout: v.GetDuration(LinkTimeout),
		Retries: v.GetInt(LinkRetries),
	}
	if c.Link.Chunk <= 0 || c.Link.Chunk > protocol.MaxChunk {
		return c, fmt.Errorf("config: %s must be in 1..%d, got %d", LinkChunk, protocol.MaxChunk, c.Link.Chunk)
	}
	if c.Link.Timeout <= 0 {
		return c, fmt.Errorf("config: %s must be positive", LinkTimeout)
	}
	if c.Link.Retries < 0 {
		return c, fmt.Errorf("config: %s must not be negative", LinkRetries)
	}

	c.Device = dfu.Device{
		VariantID: v.GetString(DeviceVariantID),
		Version: dfu.Version{
			Major: uint16(v.GetUint(DeviceMajor)),
			Minor: uint16(v.GetUint(DeviceMinor)),
		},
		PSVersion: uint16(v.GetUint(DevicePSVersion)),
	}
	return c, nil
}

func slotID(v *viper.Viper, key string) (uint16, error) {
	n := v.GetInt(key)
	if n <= 0 || n > 0xFFFF {
		return 0, fmt.Errorf("config: %s must be a slot id in 1..65535, got %d", key, n)
	}
	return uint16(n), nil
}

func partitions(raw map[string]string) (map[uint16]uint32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("config: %s is empty", FlashPartitions)
	}
	out := make(map[uint16]uint32, len(raw))
	for k, val := range raw {
		id, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("config: %s: bad partition id %q", FlashPartitions, k)
		}
		size, err := strconv.ParseUint(val, 10, 32)
		if err != nil || size == 0 {
			return nil, fmt.Errorf("config: %s: bad size %q for partition %d", FlashPartitions, val, id)
		}
		out[uint16(id)] = uint32(size)
	}
	return out, nil
}
