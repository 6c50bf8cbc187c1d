// Package socket adapts network connections to the upload session's Socket.
package socket

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/uplink/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// ErrUnexpectedMessage is returned by Receive when the client sends anything
// other than binary upload data.
var ErrUnexpectedMessage = errors.New("unexpected websocket message type")

// WebSocket carries an upload over a gorilla websocket connection. Upload data
// arrives in binary messages of any size; responses leave as JSON text
// messages.
type WebSocket struct {
	conn *websocket.Conn
	idle time.Duration

	reader io.Reader // current binary message, nil between messages

	writeMu sync.Mutex
	open    atomic.Bool
	once    sync.Once
}

// NewWebSocket wraps an upgraded connection. A positive idle timeout bounds
// the wait for each new message.
func NewWebSocket(conn *websocket.Conn, idle time.Duration) *WebSocket {
	s := &WebSocket{conn: conn, idle: idle}
	s.open.Store(true)
	return s
}

// Receive reads upload data into buf, returning at most len(buf) bytes from
// a single message. Empty messages are skipped.
func (s *WebSocket) Receive(buf []byte) (int, error) {
	for {
		if s.reader == nil {
			if s.idle > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
			}
			mt, r, err := s.conn.NextReader()
			if err != nil {
				s.open.Store(false)
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				return 0, fmt.Errorf("%w: %d", ErrUnexpectedMessage, mt)
			}
			s.reader = r
		}

		n, err := s.reader.Read(buf)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			s.open.Store(false)
			return n, err
		}
		return n, nil
	}
}

// Send writes resp as one text message.
func (s *WebSocket) Send(resp protocol.Response) error {
	data, err := resp.Marshal()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.open.Store(false)
		return err
	}
	return nil
}

// Close sends a close frame with code and reason, then drops the connection.
func (s *WebSocket) Close(code int, reason string) error {
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeTimeout))
	s.writeMu.Unlock()
	return errors.Join(err, s.Abort())
}

// IsOpen reports whether responses can still be delivered.
func (s *WebSocket) IsOpen() bool {
	return s.open.Load()
}

// Abort closes the network connection without a close handshake.
func (s *WebSocket) Abort() error {
	s.open.Store(false)
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}
