// Package quicclient uploads files to the server over QUIC.
package quicclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/uplink/internal/clienthttp"
	"github.com/sheerbytes/uplink/internal/quictransport"
	"github.com/sheerbytes/uplink/internal/upload"
	"github.com/sheerbytes/uplink/pkg/protocol"
)

// Upload connects to addr, sends h followed by h.Size bytes from r and reads
// the server's responses. onAck, if set, is called with the running total of
// acknowledged bytes. An admission refusal is returned as a
// *clienthttp.StatusError.
func Upload(ctx context.Context, addr string, tlsConf *tls.Config, h protocol.UploadHeader, r io.Reader, onAck func(int64), logger *slog.Logger) (string, error) {
	conn, err := quictransport.Dial(ctx, addr, tlsConf, logger)
	if err != nil {
		return "", err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.CloseWithError(0, "cancelled") })
	defer stop()

	writeErr := make(chan error, 1)
	go func() {
		err := send(stream, h, r)
		writeErr <- err
		var appErr *quic.ApplicationError
		if err != nil && !errors.As(err, &appErr) {
			stream.CancelRead(0)
		}
	}()

	var acked int64
	for {
		frame, err := protocol.ReadFrame(stream)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if closed := serverClosed(err); closed != nil {
				return "", closed
			}
			select {
			case werr := <-writeErr:
				if werr != nil {
					return "", werr
				}
			default:
			}
			return "", fmt.Errorf("read response: %w", err)
		}

		resp, err := protocol.DecodeResponse(frame)
		if err != nil {
			logger.Warn("invalid response", "error", err)
			continue
		}
		if !resp.OK {
			return "", protocol.ErrUploadFailed
		}
		if link, ok := resp.Text(); ok {
			logger.Debug("upload complete", "url", link, "acked", acked)
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

func send(stream *quic.Stream, h protocol.UploadHeader, r io.Reader) error {
	if err := protocol.WriteHeader(stream, h); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	buf := make([]byte, upload.ChunkSize)
	n, err := io.CopyBuffer(stream, io.LimitReader(r, int64(h.Size)), buf)
	if err != nil {
		return fmt.Errorf("send data: %w", err)
	}
	if uint64(n) < h.Size {
		return fmt.Errorf("read source: %w", io.ErrUnexpectedEOF)
	}
	// Finish the send side; the server never reads past the declared size.
	return stream.Close()
}

// serverClosed turns a connection closed by the server into the matching
// error, or returns nil for any other failure. Admission refusals carry an
// HTTP status as the error code.
func serverClosed(err error) error {
	var appErr *quic.ApplicationError
	if !errors.As(err, &appErr) || !appErr.Remote {
		return nil
	}
	code := int(appErr.ErrorCode)
	switch {
	case code >= 400 && code < 600:
		return &clienthttp.StatusError{Code: code, Message: appErr.ErrorMessage}
	case code == protocol.CloseNormal:
		return fmt.Errorf("%w: connection closed before the result", protocol.ErrUploadFailed)
	default:
		return fmt.Errorf("%w: connection closed with %d %s", protocol.ErrUploadFailed, code, appErr.ErrorMessage)
	}
}
