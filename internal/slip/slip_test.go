package slip

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncode_EmptyData(t *testing.T) {
	result := Encode(nil)
	expected := []byte{End, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(nil) = %v, want %v", result, expected)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{"plain", []byte{0x01, 0x02, 0x03}, []byte{End, 0x01, 0x02, 0x03, End}},
		{"end byte", []byte{0x01, End, 0x03}, []byte{End, 0x01, Esc, EscEnd, 0x03, End}},
		{"esc byte", []byte{0x01, Esc, 0x03}, []byte{End, 0x01, Esc, EscEsc, 0x03, End}},
		{"only specials", []byte{End, Esc}, []byte{End, Esc, EscEnd, Esc, EscEsc, End}},
	}
	for _, tc := range tests {
		if result := Encode(tc.input); !bytes.Equal(result, tc.expected) {
			t.Errorf("Encode(%s) = %v, want %v", tc.name, result, tc.expected)
		}
	}
}

func TestReader_RoundTrip(t *testing.T) {
	frames := [][]byte{
		{0x01, 0x02},
		{End, Esc, End, 0x00},
		bytes.Repeat([]byte{Esc}, 100),
	}
	var stream bytes.Buffer
	w := NewWriter(&stream)
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}

	r := NewReader(&stream, 256)
	for i, want := range frames {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() #%d error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadFrame() #%d = %v, want %v", i, got, want)
		}
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame() at end error = %v, want io.EOF", err)
	}
}

func TestReader_SkipsNoiseAndEmptyFrames(t *testing.T) {
	stream := []byte{0x11, 0x22, End, End, End, 0x05, End}
	got, err := NewReader(bytes.NewReader(stream), 16).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, []byte{0x05}) {
		t.Errorf("ReadFrame() = %v, want [5]", got)
	}
}

func TestReader_BadEscapeRecovers(t *testing.T) {
	stream := []byte{End, 0x01, Esc, 0x42, 0x02, End, 0x07, End}
	r := NewReader(bytes.NewReader(stream), 16)
	if _, err := r.ReadFrame(); !errors.Is(err, ErrBadEscape) {
		t.Fatalf("ReadFrame() error = %v, want ErrBadEscape", err)
	}
	got, err := r.ReadFrame()
	if err != nil || !bytes.Equal(got, []byte{0x07}) {
		t.Errorf("ReadFrame() after bad escape = (%v, %v), want [7]", got, err)
	}
}

func TestReader_FrameTooLarge(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(Encode(bytes.Repeat([]byte{0x01}, 9)))
	stream.Write(Encode([]byte{0x02}))

	r := NewReader(&stream, 8)
	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrame() error = %v, want ErrFrameTooLarge", err)
	}
	got, err := r.ReadFrame()
	if err != nil || !bytes.Equal(got, []byte{0x02}) {
		t.Errorf("ReadFrame() after oversize = (%v, %v), want [2]", got, err)
	}
}

func TestReader_TruncatedFrame(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{End, 0x01, 0x02}), 16)
	if _, err := r.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadFrame() error = %v, want io.ErrUnexpectedEOF", err)
	}
}
