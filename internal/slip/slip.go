package slip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

var (
	// ErrBadEscape reports an escape byte followed by anything other than
	// EscEnd or EscEsc.
	ErrBadEscape = errors.New("slip: invalid escape sequence")
	// ErrFrameTooLarge reports a frame longer than the reader's limit.
	ErrFrameTooLarge = errors.New("slip: frame too large")
)

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	return append(result, End)
}

// Reader splits a byte stream into SLIP frames.
type Reader struct {
	r      *bufio.Reader
	max    int
	synced bool
}

// NewReader returns a Reader that rejects frames longer than max decoded
// bytes.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{r: bufio.NewReader(r), max: max}
}

// ReadFrame returns the next non-empty decoded frame. Bytes before the
// first END of the stream are discarded. A malformed frame is skipped up to its closing
// END and reported, so the caller can keep reading.
func (fr *Reader) ReadFrame() ([]byte, error) {
	var (
		frame   []byte
		escaped bool
		bad     error
	)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if err == io.EOF && (len(frame) > 0 || escaped || bad != nil) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if b == End {
			if !fr.synced {
				fr.synced = true
				continue
			}
			if bad != nil {
				return nil, bad
			}
			if escaped {
				return nil, ErrBadEscape
			}
			if len(frame) == 0 {
				continue
			}
			return frame, nil
		}
		if !fr.synced || bad != nil {
			continue
		}

		switch {
		case escaped:
			escaped = false
			switch b {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			default:
				bad = ErrBadEscape
				continue
			}
		case b == Esc:
			escaped = true
			continue
		}

		if len(frame) >= fr.max {
			bad = fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, fr.max)
			continue
		}
		frame = append(frame, b)
	}
}

// Writer writes SLIP frames to an underlying stream.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes data as one frame and writes it in a single call.
func (fw *Writer) WriteFrame(data []byte) error {
	_, err := fw.w.Write(Encode(data))
	return err
}
