// Package wsclient uploads files to the server over a websocket.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/uplink/internal/clienthttp"
	"github.com/sheerbytes/uplink/internal/upload"
	"github.com/sheerbytes/uplink/pkg/protocol"
)

const closeTimeout = 5 * time.Second

// Conn represents a WebSocket upload connection to the server.
type Conn struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
	WriteBufferSize:  upload.ChunkSize,
}

// Dial establishes a WebSocket connection to the server. A refused upgrade
// is returned as a *clienthttp.StatusError.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			var apiErr protocol.Error
			msg := string(body)
			if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
				msg = apiErr.Error
			}
			return nil, &clienthttp.StatusError{Code: resp.StatusCode, Message: msg}
		}
		return nil, err
	}
	return &Conn{conn: conn, logger: logger}, nil
}

// Upload streams size bytes from r as binary messages of at most
// upload.ChunkSize bytes while reading the server's responses. onAck, if set,
// is called with the running total of acknowledged bytes. It returns the
// download URL from the success response.
func (c *Conn) Upload(ctx context.Context, r io.Reader, size int64, onAck func(acked int64)) (string, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	writeErr := make(chan error, 1)
	go func() {
		err := c.stream(r, size)
		writeErr <- err
		if err != nil {
			// Unblock the read loop; the server would otherwise wait for data.
			_ = c.conn.Close()
		}
	}()

	var acked int64
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			select {
			case werr := <-writeErr:
				if werr != nil {
					return "", werr
				}
			default:
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return "", fmt.Errorf("%w: connection closed with %d %s", protocol.ErrUploadFailed, ce.Code, ce.Text)
			}
			return "", fmt.Errorf("read response: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}

		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			c.logger.Warn("invalid response", "error", err)
			continue
		}
		if !resp.OK {
			return "", protocol.ErrUploadFailed
		}
		if link, ok := resp.Text(); ok {
			c.logger.Debug("upload complete", "url", link, "acked", acked)
			return link, nil
		}
		if n, ok := resp.Int(); ok {
			acked += n
			if onAck != nil {
				onAck(acked)
			}
		}
	}
}

func (c *Conn) stream(r io.Reader, size int64) error {
	buf := make([]byte, upload.ChunkSize)
	var sent int64
	for sent < size {
		n, err := io.ReadFull(r, buf[:min(int64(len(buf)), size-sent)])
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		if err := c.conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
			return fmt.Errorf("send data: %w", err)
		}
		sent += int64(n)
	}
	return nil
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout))
	return c.conn.Close()
}

// Upload dials wsURL, uploads size bytes from r and closes the connection.
func Upload(ctx context.Context, wsURL string, r io.Reader, size int64, onAck func(int64), logger *slog.Logger) (string, error) {
	c, err := Dial(ctx, wsURL, logger)
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.Upload(ctx, r, size, onAck)
}
