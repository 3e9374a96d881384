package protocol

// Link commands
const (
	CmdSync     = 0x08
	CmdStart    = 0x20
	CmdDataReq  = 0x21
	CmdData     = 0x22
	CmdStatus   = 0x23
	CmdValidate = 0x24
	CmdAbort    = 0x25
	CmdError    = 0x26
)

// Direction byte values
const (
	DirRequest  = 0x00 // host to device
	DirResponse = 0x01 // device to host
)

// Size limits
const (
	HeaderSize = 8
	// MaxData is the largest data field a packet can carry.
	MaxData = 0xFFFF
	// MaxChunk is the largest file chunk a Data packet can carry.
	MaxChunk = MaxData - 1
	// DefaultChunk is the chunk size the uploader uses unless configured.
	DefaultChunk = 1024
)

// CommandName returns a human-readable name for a command byte.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdSync:
		return "sync"
	case CmdStart:
		return "start"
	case CmdDataReq:
		return "data-request"
	case CmdData:
		return "data"
	case CmdStatus:
		return "status"
	case CmdValidate:
		return "validate"
	case CmdAbort:
		return "abort"
	case CmdError:
		return "error"
	default:
		return "unknown"
	}
}

// Status codes carried by Status packets
const (
	StatusIdle             = 0x00
	StatusBusy             = 0x01
	StatusReceiving        = 0x02
	StatusTransferComplete = 0x03
	StatusValidating       = 0x04
	StatusValidated        = 0x05
	StatusAborted          = 0x06
	StatusFailed           = 0x07
)

// StatusMessage returns a human-readable status.
func StatusMessage(code byte) string {
	switch code {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusReceiving:
		return "receiving"
	case StatusTransferComplete:
		return "transfer complete"
	case StatusValidating:
		return "validating"
	case StatusValidated:
		return "validated"
	case StatusAborted:
		return "aborted"
	case StatusFailed:
		return "failed"
	default:
		return "unknown status"
	}
}
