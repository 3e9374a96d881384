package embedded

import (
	_ "embed"
)

//go:embed default.yaml
var defaultConfig []byte

// DefaultConfig returns the embedded default configuration (YAML).
func DefaultConfig() []byte {
	return defaultConfig
}
