package flasher_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-dfu/internal/device"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/dfutest"
	"github.com/bigbag/papyrix-dfu/internal/flash"
	"github.com/bigbag/papyrix-dfu/internal/flasher"
	"github.com/bigbag/papyrix-dfu/internal/partition"
	"github.com/bigbag/papyrix-dfu/internal/protocol"
	"github.com/bigbag/papyrix-dfu/internal/slotstore"
)

func newBoard(t *testing.T, v dfu.Variant, parts []dfu.Part) *device.Board {
	t.Helper()
	return &device.Board{
		Variant:    v,
		Device:     dfutest.Device(),
		Slots:      slotstore.NewMemStore(dfutest.SlotSize),
		Checkpoint: dfutest.CheckpointSlot,
		LogBase:    dfutest.LogBase,
		LogSlots:   dfutest.LogSlots,
		FlashDir:   t.TempDir(),
		Partitions: dfutest.Sizes(parts),
		Verifier:   dfutest.Verifier(t, v),
	}
}

// crashConn drops the link after the device has read budget bytes.
type crashConn struct {
	net.Conn
	budget int
}

func (c *crashConn) Read(p []byte) (int, error) {
	if c.budget <= 0 {
		c.Conn.Close()
		return 0, io.ErrClosedPipe
	}
	if len(p) > c.budget {
		p = p[:c.budget]
	}
	n, err := c.Conn.Read(p)
	c.budget -= n
	return n, err
}

// countConn counts the bytes the host writes.
type countConn struct {
	net.Conn
	written atomic.Int64
}

func (c *countConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

// boot starts a device session on a new pipe and returns the host end.
// budget > 0 makes the device crash after reading that many bytes.
func boot(t *testing.T, board *device.Board, budget int) (*countConn, <-chan error) {
	t.Helper()
	hostEnd, devEnd := net.Pipe()
	var conn net.Conn = devEnd
	if budget > 0 {
		conn = &crashConn{Conn: devEnd, budget: budget}
	}
	s := device.NewSession(conn, nil)
	eng, err := board.Boot(s.Notify)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, eng) }()
	t.Cleanup(func() {
		cancel()
		hostEnd.Close()
	})
	return &countConn{Conn: hostEnd}, done
}

func activeContents(t *testing.T, board *device.Board, id uint16) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(board.FlashDir, flash.ActiveBank, fmt.Sprintf("part-%05d.bin", id)))
	require.NoError(t, err)
	return data
}

func TestUpload_Complete(t *testing.T) {
	for _, v := range []dfu.Variant{dfu.FooterVariant, dfu.HeaderVariant} {
		t.Run(v.Name(), func(t *testing.T) {
			parts := dfutest.Parts(3, 700)
			file := dfutest.Build(t, v, parts)
			board := newBoard(t, v, parts)
			conn, _ := boot(t, board, 0)

			f := flasher.New(conn, flasher.WithChunkSize(256))
			var last int
			f.SetProgressCallback(func(current, total int) {
				assert.Equal(t, len(file), total)
				assert.GreaterOrEqual(t, current, last)
				last = current
			})
			require.NoError(t, f.Connect(context.Background()))
			require.NoError(t, f.Upload(context.Background(), file))

			assert.Equal(t, len(file), last)
			for _, p := range parts {
				assert.Equal(t, p.Payload, activeContents(t, board, p.ID))
			}
			code, _, err := f.Status()
			require.NoError(t, err)
			assert.Equal(t, byte(protocol.StatusValidated), code)
		})
	}
}

func TestUpload_ResumesAfterCrash(t *testing.T) {
	for _, v := range []dfu.Variant{dfu.FooterVariant, dfu.HeaderVariant} {
		t.Run(v.Name(), func(t *testing.T) {
			parts := dfutest.Parts(4, 900)
			file := dfutest.Build(t, v, parts)
			board := newBoard(t, v, parts)

			conn, done := boot(t, board, len(file)/2)
			f := flasher.New(conn, flasher.WithChunkSize(200), flasher.WithTimeout(500*time.Millisecond), flasher.WithRetries(1))
			require.NoError(t, f.Connect(context.Background()))
			require.Error(t, f.Upload(context.Background(), file))
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("device did not stop after the crash")
			}

			conn, _ = boot(t, board, 0)
			f = flasher.New(conn, flasher.WithChunkSize(200))
			require.NoError(t, f.Connect(context.Background()))
			require.NoError(t, f.Upload(context.Background(), file))

			assert.Less(t, conn.written.Load(), int64(len(file)), "only the missing tail is sent again")
			for _, p := range parts {
				assert.Equal(t, p.Payload, activeContents(t, board, p.ID))
			}
		})
	}
}

func TestUpload_DeviceError(t *testing.T) {
	parts := dfutest.Parts(2, 64)
	file := dfutest.Build(t, dfu.HeaderVariant, parts)
	board := newBoard(t, dfu.HeaderVariant, parts)
	board.Device.VariantID = "OTHER"
	conn, _ := boot(t, board, 0)

	f := flasher.New(conn)
	require.NoError(t, f.Connect(context.Background()))
	err := f.Upload(context.Background(), file)
	var derr *flasher.DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, uint16(partition.KindIncompatible), derr.Kind)
}

func TestUpload_Abort(t *testing.T) {
	parts := dfutest.Parts(1, 64)
	file := dfutest.Build(t, dfu.FooterVariant, parts)
	conn, _ := boot(t, newBoard(t, dfu.FooterVariant, parts), 0)

	f := flasher.New(conn)
	require.NoError(t, f.Connect(context.Background()))
	require.NoError(t, f.Abort())
	assert.ErrorIs(t, f.Upload(context.Background(), file), flasher.ErrAborted)
}

func TestConnect_NoDevice(t *testing.T) {
	hostEnd, devEnd := net.Pipe()
	defer hostEnd.Close()
	go io.Copy(io.Discard, devEnd)

	f := flasher.New(hostEnd, flasher.WithTimeout(20*time.Millisecond), flasher.WithRetries(1))
	err := f.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))
}

func TestUpload_RequestPastEnd(t *testing.T) {
	parts := dfutest.Parts(2, 64)
	file := dfutest.Build(t, dfu.FooterVariant, parts)
	conn, _ := boot(t, newBoard(t, dfu.FooterVariant, parts), 0)

	f := flasher.New(conn)
	require.NoError(t, f.Connect(context.Background()))
	assert.Error(t, f.Upload(context.Background(), file[:20]))
}
