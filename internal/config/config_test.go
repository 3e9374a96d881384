package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-dfu/internal/dfu"
)

func TestLoad_Defaults(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, dfu.HeaderVariant, c.Variant)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, BackendFile, c.State.Backend)
	assert.Equal(t, 64, c.State.Capacity)
	assert.Equal(t, uint16(1), c.State.Checkpoint)
	assert.Equal(t, uint16(2), c.State.LogBase)
	assert.Equal(t, map[uint16]uint32{1: 262144, 2: 262144, 3: 1048576, 4: 1048576}, c.Flash.Partitions)
	assert.Equal(t, 1024, c.Link.Chunk)
	assert.Equal(t, 2*time.Second, c.Link.Timeout)
	assert.Equal(t, dfu.Device{VariantID: "PAPYRIX", Version: dfu.Version{Major: 3}, PSVersion: 7}, c.Device)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dfu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
variant: footer
state:
  backend: sqlite
  path: /tmp/slots.db
link:
  chunk: 4096
`), 0o644))
	t.Setenv("PAPYRIX_DFU_LOG_LEVEL", "debug")

	v, err := New()
	require.NoError(t, err)
	require.NoError(t, ReadFile(v, path))
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, dfu.FooterVariant, c.Variant)
	assert.Equal(t, BackendSQLite, c.State.Backend)
	assert.Equal(t, "/tmp/slots.db", c.State.Path)
	assert.Equal(t, 4096, c.Link.Chunk)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 64, c.State.Capacity, "unset keys keep their defaults")
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]struct {
		key   string
		value any
	}{
		"variant":           {Variant, "zip"},
		"backend":           {StateBackend, "etcd"},
		"capacity":          {StateCapacity, 8},
		"checkpoint in log": {StateCheckpoint, 3},
		"slot id":           {StateLogBase, 0},
		"chunk":             {LinkChunk, 70000},
		"timeout":           {LinkTimeout, "0s"},
		"baud":              {SerialBaud, 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			v, err := New()
			require.NoError(t, err)
			v.Set(tc.key, tc.value)
			_, err = Load(v)
			assert.Error(t, err)
		})
	}
}

func TestReadFile_Missing(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	require.NoError(t, ReadFile(v, ""))
	assert.Error(t, ReadFile(v, filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestPartitions(t *testing.T) {
	got, err := partitions(map[string]string{"1": "4096", "7": "65536"})
	require.NoError(t, err)
	assert.Equal(t, map[uint16]uint32{1: 4096, 7: 65536}, got)

	_, err = partitions(map[string]string{"x": "1"})
	assert.Error(t, err)
	_, err = partitions(map[string]string{"1": "0"})
	assert.Error(t, err)
	_, err = partitions(nil)
	assert.Error(t, err)
}
