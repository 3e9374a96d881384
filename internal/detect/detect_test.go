package detect

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/bigbag/papyrix-dfu/internal/protocol"
	"github.com/bigbag/papyrix-dfu/internal/serial"
	"github.com/bigbag/papyrix-dfu/internal/slip"
)

// fakeDevice answers Sync and Validate like an idle device.
func fakeDevice(conn net.Conn) {
	r := slip.NewReader(conn, 1024)
	w := slip.NewWriter(conn)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		req, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		var resp *protocol.Packet
		switch req.Command {
		case protocol.CmdSync:
			resp = protocol.NewResponse(protocol.CmdSync, protocol.SyncData())
		case protocol.CmdValidate:
			resp = protocol.NewResponse(protocol.CmdStatus, protocol.StatusData(protocol.StatusIdle, 0))
		default:
			continue
		}
		if err := w.WriteFrame(resp.Encode()); err != nil {
			return
		}
	}
}

func TestProbe_Device(t *testing.T) {
	hostEnd, devEnd := net.Pipe()
	defer hostEnd.Close()
	go fakeDevice(devEnd)

	result, err := Probe(context.Background(), hostEnd, serial.PortInfo{Name: "/dev/ttyACM0", IsUSB: true, VID: "303a"})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.Port != "/dev/ttyACM0" {
		t.Errorf("Probe() port = %q, want %q", result.Port, "/dev/ttyACM0")
	}
	if result.StatusName() != "idle" {
		t.Errorf("Probe() status = %q, want %q", result.StatusName(), "idle")
	}
	if !result.USB || result.VID != "303a" {
		t.Errorf("Probe() USB details = %v %q, want true %q", result.USB, result.VID, "303a")
	}
}

func TestProbe_Silent(t *testing.T) {
	hostEnd, devEnd := net.Pipe()
	defer hostEnd.Close()
	go io.Copy(io.Discard, devEnd)

	if _, err := Probe(context.Background(), hostEnd, serial.PortInfo{Name: "/dev/ttyS0"}); err == nil {
		t.Error("Probe() on a silent port succeeded, want error")
	}
}
