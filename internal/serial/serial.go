package serial

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const pollInterval = 100 * time.Millisecond

// Port wraps a serial port carrying the DFU link.
type Port struct {
	port     serial.Port
	portName string
	baudRate int

	mu       sync.Mutex
	deadline time.Time
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	// Reads poll so that deadlines and Close are noticed
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read blocks until at least one byte arrives, the port is closed or the
// read deadline passes, in which case it returns os.ErrDeadlineExceeded.
func (p *Port) Read(buf []byte) (int, error) {
	for {
		n, err := p.port.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
		p.mu.Lock()
		deadline := p.deadline
		p.mu.Unlock()
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// SetReadDeadline bounds future Read calls. A zero time means no deadline.
func (p *Port) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	return nil
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// Reboot pulses DTR, which the device's reset circuit turns into a
// reboot. A device reboots into its interrupted transfer and resumes it.
func (p *Port) Reboot() error {
	if err := p.port.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.port.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	// Flush any garbage from reset
	return p.Flush()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// PortInfo describes an available serial port.
type PortInfo struct {
	Name   string
	IsUSB  bool
	VID    string
	PID    string
	Serial string
}

// ListPorts returns the available serial ports, with USB details where the
// platform reports them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:   d.Name,
				IsUSB:  d.IsUSB,
				VID:    d.VID,
				PID:    d.PID,
				Serial: d.SerialNumber,
			})
		}
		return ports, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, PortInfo{Name: name})
	}
	return ports, nil
}
