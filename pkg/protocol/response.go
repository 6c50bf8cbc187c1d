package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Close codes sent with the terminal frame of an upload session.
const (
	CloseNormal        = 1000
	CloseInternalError = 1011

	CloseReasonSuccess = "Success"
	CloseReasonUnknown = "Unknown Error"
)

// Response is the only message shape the server sends to an uploading client.
// Acknowledgments carry the byte count of one chunk, the success terminal
// carries the download URL and the error terminal carries nothing.
type Response struct {
	OK    bool `json:"ok"`
	Value any  `json:"value,omitempty"`
}

// Ack acknowledges a single received chunk of n bytes.
func Ack(n int64) Response {
	return Response{OK: true, Value: n}
}

// Done is the success terminal response carrying the download reference.
func Done(downloadURL string) Response {
	return Response{OK: true, Value: downloadURL}
}

// InternalError is the generic failure terminal response.
func InternalError() Response {
	return Response{OK: false}
}

// Marshal encodes the response in its canonical wire form.
func (r Response) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a response frame. Numeric values are kept exact.
func DecodeResponse(data []byte) (Response, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Response
	if err := dec.Decode(&r); err != nil {
		return Response{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return r, nil
}

// Int returns the value as an integer, for acknowledgments.
func (r Response) Int() (int64, bool) {
	switch v := r.Value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	case float64:
		return int64(v), v == float64(int64(v))
	}
	return 0, false
}

// Text returns the value as a string, for the success terminal.
func (r Response) Text() (string, bool) {
	s, ok := r.Value.(string)
	return s, ok
}

// IsTerminal reports whether the response ends a session: any failure, or a
// success carrying a string value.
func (r Response) IsTerminal() bool {
	if !r.OK {
		return true
	}
	_, ok := r.Value.(string)
	return ok
}

// ErrUploadFailed is returned to clients that receive the error terminal.
var ErrUploadFailed = errors.New("upload failed on server")
