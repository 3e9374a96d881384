package device_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/papyrix-dfu/internal/device"
	"github.com/bigbag/papyrix-dfu/internal/dfu"
	"github.com/bigbag/papyrix-dfu/internal/dfutest"
	"github.com/bigbag/papyrix-dfu/internal/partition"
	"github.com/bigbag/papyrix-dfu/internal/protocol"
	"github.com/bigbag/papyrix-dfu/internal/slip"
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

// host is the raw host end of a link.
type host struct {
	conn net.Conn
	r    *slip.Reader
	w    *slip.Writer
}

// serve boots board and serves it on one end of a pipe until the test ends.
func serve(t *testing.T, board *device.Board) *host {
	t.Helper()
	hostEnd, devEnd := net.Pipe()
	s := device.NewSession(devEnd, nil)
	eng, err := board.Boot(s.Notify)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, eng) }()
	t.Cleanup(func() {
		cancel()
		hostEnd.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return &host{conn: hostEnd, r: slip.NewReader(hostEnd, 1<<17), w: slip.NewWriter(hostEnd)}
}

func (h *host) send(t *testing.T, cmd byte, data []byte) {
	t.Helper()
	require.NoError(t, h.w.WriteFrame(protocol.NewRequest(cmd, data).Encode()))
}

// expect reads packets until one carries cmd.
func (h *host) expect(t *testing.T, cmd byte) *protocol.Packet {
	t.Helper()
	require.NoError(t, h.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		frame, err := h.r.ReadFrame()
		require.NoError(t, err)
		p, err := protocol.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, byte(protocol.DirResponse), p.Dir)
		if p.Command == cmd {
			return p
		}
	}
}

func TestSession_Sync(t *testing.T) {
	parts := dfutest.Parts(2, 32)
	h := serve(t, newBoard(t, dfu.FooterVariant, parts))

	h.send(t, protocol.CmdSync, protocol.SyncData())
	p := h.expect(t, protocol.CmdSync)
	assert.Equal(t, protocol.SyncData(), p.Data)
}

func TestSession_StartAnnouncesRequest(t *testing.T) {
	parts := dfutest.Parts(2, 32)
	file := dfutest.Build(t, dfu.HeaderVariant, parts)
	h := serve(t, newBoard(t, dfu.HeaderVariant, parts))

	h.send(t, protocol.CmdStart, protocol.StartData(uint32(len(file))))
	size, offset, err := protocol.ParseDataReq(h.expect(t, protocol.CmdDataReq).Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(dfu.FirstPartSize), size)
	assert.Zero(t, offset)

	h.send(t, protocol.CmdValidate, nil)
	code, _, err := protocol.ParseStatus(h.expect(t, protocol.CmdStatus).Data)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusReceiving), code)
}

func TestSession_FullTransfer(t *testing.T) {
	parts := dfutest.Parts(3, 100)
	file := dfutest.Build(t, dfu.FooterVariant, parts)
	h := serve(t, newBoard(t, dfu.FooterVariant, parts))

	h.send(t, protocol.CmdStart, protocol.StartData(uint32(len(file))))
	var last [2]uint32
	for {
		p := h.expect(t, protocol.CmdDataReq)
		size, offset, err := protocol.ParseDataReq(p.Data)
		require.NoError(t, err)
		// The erase completion and Start may both announce the first request
		if last == [2]uint32{size, offset} {
			continue
		}
		last = [2]uint32{size, offset}
		h.send(t, protocol.CmdData, protocol.DataData(true, file[offset:offset+size]))
		if int(offset+size) == len(file) {
			break
		}
	}

	code, _, err := protocol.ParseStatus(h.expect(t, protocol.CmdStatus).Data)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusTransferComplete), code)
	code, _, err = protocol.ParseStatus(h.expect(t, protocol.CmdStatus).Data)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusValidated), code)
}

func TestSession_UnknownSectionReportsError(t *testing.T) {
	parts := dfutest.Parts(1, 32)
	h := serve(t, newBoard(t, dfu.HeaderVariant, parts))

	h.send(t, protocol.CmdStart, nil)
	h.expect(t, protocol.CmdDataReq)
	h.send(t, protocol.CmdData, protocol.DataData(true, dfu.NewFirstPart("XXXXXXXX", 4).Encode()))

	kind, msg, err := protocol.ParseError(h.expect(t, protocol.CmdError).Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(partition.KindUnknownSectionID), kind)
	assert.NotEmpty(t, msg)

	h.send(t, protocol.CmdValidate, nil)
	code, outcome, err := protocol.ParseStatus(h.expect(t, protocol.CmdStatus).Data)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusFailed), code)
	assert.Equal(t, byte(partition.KindUnknownSectionID), outcome)
}

func TestSession_Abort(t *testing.T) {
	parts := dfutest.Parts(1, 32)
	h := serve(t, newBoard(t, dfu.FooterVariant, parts))

	h.send(t, protocol.CmdStart, nil)
	h.expect(t, protocol.CmdDataReq)
	h.send(t, protocol.CmdAbort, nil)
	code, _, err := protocol.ParseStatus(h.expect(t, protocol.CmdStatus).Data)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.StatusAborted), code)
}

func TestSession_BadPacketsDropped(t *testing.T) {
	parts := dfutest.Parts(1, 32)
	h := serve(t, newBoard(t, dfu.FooterVariant, parts))

	raw := protocol.NewRequest(protocol.CmdSync, protocol.SyncData()).Encode()
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, h.w.WriteFrame(raw))
	_, err := h.conn.Write([]byte{slip.End, 0x01, slip.Esc, 0x00, slip.End})
	require.NoError(t, err)

	h.send(t, 0x7F, nil)
	kind, _, err := protocol.ParseError(h.expect(t, protocol.CmdError).Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(partition.KindInternal), kind)

	h.send(t, protocol.CmdSync, protocol.SyncData())
	h.expect(t, protocol.CmdSync)
}
