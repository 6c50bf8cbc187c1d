package socket

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/uplink/pkg/protocol"
)

// closeGrace is how long Close waits for the client to hang up after the
// terminal response before closing the connection itself.
const closeGrace = 2 * time.Second

// QUICStream carries an upload over one bidirectional QUIC stream. The upload
// header has already been consumed; what remains on the stream is raw file
// data. Responses are length-prefixed JSON frames.
type QUICStream struct {
	conn   *quic.Conn
	stream *quic.Stream
	idle   time.Duration

	writeMu sync.Mutex
	open    atomic.Bool
	once    sync.Once
}

// NewQUICStream wraps stream, which belongs to conn.
func NewQUICStream(conn *quic.Conn, stream *quic.Stream, idle time.Duration) *QUICStream {
	s := &QUICStream{conn: conn, stream: stream, idle: idle}
	s.open.Store(true)
	return s
}

// Receive reads raw upload data. A client that finishes its side of the
// stream early is still listening, so EOF leaves the socket open.
func (s *QUICStream) Receive(buf []byte) (int, error) {
	if s.idle > 0 {
		_ = s.stream.SetReadDeadline(time.Now().Add(s.idle))
	}
	n, err := s.stream.Read(buf)
	if errors.Is(err, io.EOF) {
		if n > 0 {
			return n, nil
		}
		return 0, io.ErrUnexpectedEOF
	}
	if err != nil {
		s.open.Store(false)
		return n, err
	}
	return n, nil
}

// Send writes resp as one frame.
func (s *QUICStream) Send(resp protocol.Response) error {
	data, err := resp.Marshal()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(s.stream, data); err != nil {
		s.open.Store(false)
		return err
	}
	return nil
}

// Close finishes the stream, waits briefly for the client to hang up and then
// closes the connection with code as the application error code.
func (s *QUICStream) Close(code int, reason string) error {
	s.writeMu.Lock()
	err := s.stream.Close()
	s.writeMu.Unlock()
	s.open.Store(false)

	select {
	case <-s.conn.Context().Done():
	case <-time.After(closeGrace):
	}
	s.once.Do(func() {
		if cerr := s.conn.CloseWithError(quic.ApplicationErrorCode(code), reason); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close connection: %w", cerr))
		}
	})
	return err
}

// IsOpen reports whether responses can still be delivered.
func (s *QUICStream) IsOpen() bool {
	return s.open.Load()
}

// Abort resets the stream and tears the connection down.
func (s *QUICStream) Abort() error {
	s.open.Store(false)
	var err error
	s.once.Do(func() {
		s.stream.CancelRead(0)
		s.stream.CancelWrite(0)
		err = s.conn.CloseWithError(quic.ApplicationErrorCode(protocol.CloseInternalError), "aborted")
	})
	return err
}
