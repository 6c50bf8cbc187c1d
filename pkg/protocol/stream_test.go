package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestHeader_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	in := UploadHeader{Code: "ABCD2345", FileName: "report final.pdf", Size: 200000}
	if err := WriteHeader(&buf, in); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	buf.WriteString("payload")

	out, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if out != in {
		t.Errorf("ReadHeader() = %+v, want %+v", out, in)
	}
	if buf.String() != "payload" {
		t.Errorf("header read consumed payload bytes, left %q", buf.String())
	}
}

func TestHeader_InvalidMagic(t *testing.T) {
	_, err := ReadHeader(strings.NewReader("NOPE\x00\x00"))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestHeader_FieldTooLong(t *testing.T) {
	var buf bytes.Buffer
	err := WriteHeader(&buf, UploadHeader{Code: strings.Repeat("a", 65), FileName: "f"})
	if !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("expected ErrFieldTooLong, got %v", err)
	}

	// Hand-craft a header whose code length exceeds the limit.
	buf.Reset()
	buf.WriteString(StreamMagic)
	buf.Write([]byte{0x01, 0x00})
	_, err = ReadHeader(&buf)
	if !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("expected ErrFieldTooLong on read, got %v", err)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(`{"ok":true,"value":1}`)); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if err := WriteFrame(&buf, []byte(`{"ok":false}`)); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	first, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if string(first) != `{"ok":true,"value":1}` {
		t.Errorf("first frame = %s", first)
	}
	second, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if string(second) != `{"ok":false}` {
		t.Errorf("second frame = %s", second)
	}
}

func TestFrame_TooLarge(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge on read, got %v", err)
	}
}
