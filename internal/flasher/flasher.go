package flasher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/bigbag/papyrix-dfu/internal/logging"
	"github.com/bigbag/papyrix-dfu/internal/protocol"
	"github.com/bigbag/papyrix-dfu/internal/slip"
)

var (
	// ErrAborted means the device reported the transfer as aborted.
	ErrAborted = errors.New("flasher: transfer aborted by device")
	// ErrNoResponse means the device stopped answering.
	ErrNoResponse = errors.New("flasher: device not responding")
)

// DeviceError is a failure reported by the device.
type DeviceError struct {
	Kind    uint16
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %d: %s", e.Kind, e.Message)
}

// Conn is the link to the device.
type Conn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// ProgressCallback is called to report upload progress in bytes.
type ProgressCallback func(current, total int)

// Flasher uploads a DFU file to a device, serving its data requests.
type Flasher struct {
	conn     Conn
	r        *slip.Reader
	w        *slip.Writer
	chunk    int
	timeout  time.Duration
	retries  uint64
	progress ProgressCallback
	logger   *slog.Logger
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithChunkSize sets the largest chunk sent in one Data packet.
func WithChunkSize(n int) Option {
	return func(f *Flasher) {
		if n > 0 && n <= protocol.MaxChunk {
			f.chunk = n
		}
	}
}

// WithTimeout sets how long to wait for a device packet before polling it.
func WithTimeout(d time.Duration) Option {
	return func(f *Flasher) { f.timeout = d }
}

// WithRetries sets how many unanswered polls end the upload.
func WithRetries(n uint64) Option {
	return func(f *Flasher) { f.retries = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flasher) { f.logger = l }
}

// New creates a new Flasher for the given link.
func New(conn Conn, opts ...Option) *Flasher {
	f := &Flasher{
		conn:    conn,
		r:       slip.NewReader(conn, protocol.HeaderSize+protocol.MaxData),
		w:       slip.NewWriter(conn),
		chunk:   protocol.DefaultChunk,
		timeout: 2 * time.Second,
		retries: 5,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Connect syncs with the device, retrying with exponential backoff.
func (f *Flasher) Connect(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.retries), ctx)
	err := backoff.RetryNotify(f.sync, b, func(err error, wait time.Duration) {
		f.logger.Debug("sync failed, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		return fmt.Errorf("failed to sync with device: %w", err)
	}
	return nil
}

func (f *Flasher) sync() error {
	if err := f.send(protocol.CmdSync, protocol.SyncData()); err != nil {
		return backoff.Permanent(err)
	}
	// Skip packets queued before the sync, such as a request announced at boot
	for {
		p, err := f.receive()
		if err != nil {
			return err
		}
		if p.Command == protocol.CmdSync {
			return nil
		}
		f.logger.Debug("skipping packet before sync", "packet", p.String())
	}
}

// Upload announces file to the device and serves its data requests until
// the device reports the upgrade validated. Request offsets are absolute,
// so an upload that follows a device reboot sends only what is missing.
func (f *Flasher) Upload(ctx context.Context, file []byte) error {
	total := len(file)
	if err := f.send(protocol.CmdStart, protocol.StartData(uint32(total))); err != nil {
		return err
	}

	var (
		served   struct{ offset, size uint32 }
		complete bool
		misses   uint64
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := f.receive()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			misses++
			if misses > f.retries {
				return ErrNoResponse
			}
			// Ask again: Start re-announces the current request, Validate
			// reports the validation outcome.
			cmd, data := protocol.CmdStart, protocol.StartData(uint32(total))
			if complete {
				cmd, data = protocol.CmdValidate, nil
			}
			f.logger.Debug("device silent, polling", "command", protocol.CommandName(cmd), "attempt", misses)
			if err := f.send(cmd, data); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		misses = 0

		switch p.Command {
		case protocol.CmdDataReq:
			size, offset, err := protocol.ParseDataReq(p.Data)
			if err != nil {
				return err
			}
			if size == served.size && offset == served.offset {
				f.logger.Debug("duplicate request ignored", "offset", offset, "size", size)
				continue
			}
			if err := f.serve(file, offset, size); err != nil {
				return err
			}
			served.offset, served.size = offset, size
			f.reportProgress(int(offset+size), total)

		case protocol.CmdStatus:
			code, outcome, err := protocol.ParseStatus(p.Data)
			if err != nil {
				return err
			}
			f.logger.Debug("device status", "status", protocol.StatusMessage(code))
			switch code {
			case protocol.StatusTransferComplete, protocol.StatusValidating:
				complete = true
				f.reportProgress(total, total)
			case protocol.StatusValidated:
				f.reportProgress(total, total)
				return nil
			case protocol.StatusAborted:
				return ErrAborted
			case protocol.StatusFailed:
				return &DeviceError{Kind: uint16(outcome), Message: "transfer failed"}
			}

		case protocol.CmdError:
			kind, msg, err := protocol.ParseError(p.Data)
			if err != nil {
				return err
			}
			return &DeviceError{Kind: kind, Message: msg}

		default:
			f.logger.Debug("unexpected packet", "packet", p.String())
		}
	}
}

// serve sends size bytes of file starting at offset, the last chunk marked
// complete.
func (f *Flasher) serve(file []byte, offset, size uint32) error {
	end := uint64(offset) + uint64(size)
	if size == 0 || end > uint64(len(file)) {
		return fmt.Errorf("device requested [%d,%d) of a %d-byte file", offset, end, len(file))
	}
	for off := int(offset); off < int(end); {
		n := min(f.chunk, int(end)-off)
		last := off+n == int(end)
		if err := f.send(protocol.CmdData, protocol.DataData(last, file[off:off+n])); err != nil {
			return fmt.Errorf("data at %d failed: %w", off, err)
		}
		off += n
	}
	return nil
}

// Abort asks the device to cancel the transfer.
func (f *Flasher) Abort() error {
	return f.send(protocol.CmdAbort, nil)
}

// Status polls the device's transfer status.
func (f *Flasher) Status() (code, outcome byte, err error) {
	if err := f.send(protocol.CmdValidate, nil); err != nil {
		return 0, 0, err
	}
	for {
		p, err := f.receive()
		if err != nil {
			return 0, 0, err
		}
		if p.Command == protocol.CmdStatus {
			return protocol.ParseStatus(p.Data)
		}
	}
}

func (f *Flasher) send(cmd byte, data []byte) error {
	return f.w.WriteFrame(protocol.NewRequest(cmd, data).Encode())
}

// receive reads the next valid device packet within the timeout.
func (f *Flasher) receive() (*protocol.Packet, error) {
	if err := f.conn.SetReadDeadline(time.Now().Add(f.timeout)); err != nil {
		return nil, err
	}
	for {
		frame, err := f.r.ReadFrame()
		if errors.Is(err, slip.ErrBadEscape) || errors.Is(err, slip.ErrFrameTooLarge) {
			f.logger.Debug("bad frame dropped", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		p, err := protocol.Decode(frame)
		if err != nil {
			f.logger.Debug("bad packet dropped", "error", err)
			continue
		}
		if p.Dir == protocol.DirResponse {
			return p, nil
		}
	}
}
