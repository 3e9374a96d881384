package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrChecksum is returned by Decode when the checksum does not match the data.
var ErrChecksum = errors.New("protocol: checksum mismatch")

// Packet is a link packet, in either direction.
type Packet struct {
	Dir      byte
	Command  byte
	Data     []byte
	Checksum uint32
}

// NewRequest creates a host-to-device packet with calculated checksum.
func NewRequest(cmd byte, data []byte) *Packet {
	return newPacket(DirRequest, cmd, data)
}

// NewResponse creates a device-to-host packet with calculated checksum.
func NewResponse(cmd byte, data []byte) *Packet {
	return newPacket(DirResponse, cmd, data)
}

func newPacket(dir, cmd byte, data []byte) *Packet {
	return &Packet{Dir: dir, Command: cmd, Data: data, Checksum: checksum(data)}
}

// checksum is the XOR of all data bytes, seeded with 0xEF.
func checksum(data []byte) uint32 {
	var sum byte = 0xEF
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

// Encode serializes the packet (before SLIP encoding).
func (p *Packet) Encode() []byte {
	// 0: direction
	// 1: command
	// 2-3: data size (little-endian)
	// 4-7: checksum (little-endian)
	// 8+: data
	packet := make([]byte, HeaderSize+len(p.Data))
	packet[0] = p.Dir
	packet[1] = p.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(p.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], p.Checksum)
	copy(packet[HeaderSize:], p.Data)
	return packet
}

// Decode parses a packet (after SLIP decoding) and checks its checksum.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes", len(raw))
	}
	if raw[0] != DirRequest && raw[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", raw[0])
	}
	size := int(binary.LittleEndian.Uint16(raw[2:4]))
	if size != len(raw)-HeaderSize {
		return nil, fmt.Errorf("data size mismatch: header says %d, have %d", size, len(raw)-HeaderSize)
	}
	p := &Packet{
		Dir:      raw[0],
		Command:  raw[1],
		Checksum: binary.LittleEndian.Uint32(raw[4:8]),
		Data:     raw[HeaderSize:],
	}
	if want := checksum(p.Data); p.Checksum != want {
		return nil, fmt.Errorf("%w: 0x%X, want 0x%X", ErrChecksum, p.Checksum, want)
	}
	return p, nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s(%d bytes)", CommandName(p.Command), len(p.Data))
}

// SyncData returns the payload of a Sync packet.
func SyncData() []byte {
	// "PXDFU" followed by 27 bytes of 0x55
	data := make([]byte, 32)
	copy(data, "PXDFU")
	for i := 5; i < len(data); i++ {
		data[i] = 0x55
	}
	return data
}

// StartData creates the payload of a Start packet.
func StartData(fileSize uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, fileSize)
}

// ParseStart returns the file size announced by a Start packet. An empty
// payload announces no size.
func ParseStart(data []byte) (uint32, error) {
	switch len(data) {
	case 0:
		return 0, nil
	case 4:
		return binary.LittleEndian.Uint32(data), nil
	}
	return 0, fmt.Errorf("start payload of %d bytes", len(data))
}

// DataReqData creates the payload of a DataReq packet: size bytes starting
// at the absolute file offset.
func DataReqData(size, offset uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], offset)
	return data
}

// ParseDataReq decodes a DataReq payload.
func ParseDataReq(data []byte) (size, offset uint32, err error) {
	if len(data) != 8 {
		return 0, 0, fmt.Errorf("data request payload of %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[0:4]), binary.LittleEndian.Uint32(data[4:8]), nil
}

// DataData creates the payload of a Data packet.
func DataData(complete bool, chunk []byte) []byte {
	data := make([]byte, 1+len(chunk))
	if complete {
		data[0] = 1
	}
	copy(data[1:], chunk)
	return data
}

// ParseData decodes a Data payload.
func ParseData(data []byte) (complete bool, chunk []byte, err error) {
	if len(data) < 1 {
		return false, nil, fmt.Errorf("empty data payload")
	}
	if data[0] > 1 {
		return false, nil, fmt.Errorf("invalid complete flag 0x%02X", data[0])
	}
	return data[0] == 1, data[1:], nil
}

// StatusData creates the payload of a Status packet.
func StatusData(code, outcome byte) []byte {
	return []byte{code, outcome}
}

// ParseStatus decodes a Status payload.
func ParseStatus(data []byte) (code, outcome byte, err error) {
	if len(data) != 2 {
		return 0, 0, fmt.Errorf("status payload of %d bytes", len(data))
	}
	return data[0], data[1], nil
}

// ErrorData creates the payload of an Error packet: a u16 error kind and
// an optional message.
func ErrorData(kind uint16, msg string) []byte {
	data := binary.LittleEndian.AppendUint16(nil, kind)
	return append(data, msg...)
}

// ParseError decodes an Error payload.
func ParseError(data []byte) (kind uint16, msg string, err error) {
	if len(data) < 2 {
		return 0, "", fmt.Errorf("error payload of %d bytes", len(data))
	}
	return binary.LittleEndian.Uint16(data[0:2]), string(data[2:]), nil
}
