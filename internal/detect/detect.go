package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/bigbag/papyrix-dfu/internal/flasher"
	"github.com/bigbag/papyrix-dfu/internal/protocol"
	"github.com/bigbag/papyrix-dfu/internal/serial"
)

const probeTimeout = 300 * time.Millisecond

// Result represents a detected DFU device.
type Result struct {
	Port    string
	Status  byte
	Outcome byte
	USB     bool
	VID     string
	PID     string
}

// StatusName returns the device's transfer status as text.
func (r Result) StatusName() string {
	return protocol.StatusMessage(r.Status)
}

// DetectDevice returns the first port with a device answering the link
// sync.
func DetectDevice(ctx context.Context, baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, info := range ports {
		result, err := tryPort(ctx, info, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no DFU device found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no DFU device found")
}

// DetectOnPort probes a specific port.
func DetectOnPort(ctx context.Context, portName string, baudRate int) (*Result, error) {
	return tryPort(ctx, serial.PortInfo{Name: portName}, baudRate)
}

// ListDevices probes every port and returns the devices that answered.
func ListDevices(ctx context.Context, baudRate int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, info := range ports {
		result, err := tryPort(ctx, info, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(ctx context.Context, info serial.PortInfo, baudRate int) (*Result, error) {
	port, err := serial.Open(info.Name, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()
	port.Flush()

	return Probe(ctx, port, info)
}

// Probe syncs with the device on conn and asks for its transfer status.
func Probe(ctx context.Context, conn flasher.Conn, info serial.PortInfo) (*Result, error) {
	f := flasher.New(conn, flasher.WithTimeout(probeTimeout), flasher.WithRetries(2))
	if err := f.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to sync on %s: %w", info.Name, err)
	}
	code, outcome, err := f.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read status on %s: %w", info.Name, err)
	}

	return &Result{
		Port:    info.Name,
		Status:  code,
		Outcome: outcome,
		USB:     info.IsUSB,
		VID:     info.VID,
		PID:     info.PID,
	}, nil
}
