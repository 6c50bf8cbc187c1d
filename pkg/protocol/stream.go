package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// StreamMagic opens every QUIC upload stream.
	StreamMagic = "UPL1"

	maxCodeLength     = 64
	maxFilenameLength = 255
	// MaxFrameSize bounds a single length-prefixed response frame.
	MaxFrameSize = 64 * 1024
)

var (
	// ErrInvalidMagic indicates the stream did not start with StreamMagic
	ErrInvalidMagic = errors.New("invalid magic bytes")
	// ErrFieldTooLong indicates a header string exceeds its maximum length
	ErrFieldTooLong = errors.New("header field too long")
	// ErrFrameTooLarge indicates a response frame exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")
)

// UploadHeader announces an upload on a QUIC stream. On the websocket
// transport the same fields travel as query parameters.
type UploadHeader struct {
	Code     string
	FileName string
	Size     uint64
}

// WriteHeader writes magic, code, file name and size, all big endian with
// uint16 length prefixes for the strings.
func WriteHeader(w io.Writer, h UploadHeader) error {
	if len(h.Code) > maxCodeLength || len(h.FileName) > maxFilenameLength {
		return ErrFieldTooLong
	}
	if _, err := w.Write([]byte(StreamMagic)); err != nil {
		return fmt.Errorf("failed to write magic: %w", err)
	}
	if err := writeString(w, h.Code); err != nil {
		return fmt.Errorf("failed to write code: %w", err)
	}
	if err := writeString(w, h.FileName); err != nil {
		return fmt.Errorf("failed to write file name: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, h.Size); err != nil {
		return fmt.Errorf("failed to write size: %w", err)
	}
	return nil
}

// ReadHeader reads and validates an UploadHeader.
func ReadHeader(r io.Reader) (UploadHeader, error) {
	magic := make([]byte, len(StreamMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return UploadHeader{}, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(magic) != StreamMagic {
		return UploadHeader{}, ErrInvalidMagic
	}
	code, err := readString(r, maxCodeLength)
	if err != nil {
		return UploadHeader{}, fmt.Errorf("failed to read code: %w", err)
	}
	name, err := readString(r, maxFilenameLength)
	if err != nil {
		return UploadHeader{}, fmt.Errorf("failed to read file name: %w", err)
	}
	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return UploadHeader{}, fmt.Errorf("failed to read size: %w", err)
	}
	return UploadHeader{Code: code, FileName: name, Size: size}, nil
}

// WriteFrame writes a uint32 length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader, limit int) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > limit {
		return "", ErrFieldTooLong
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
