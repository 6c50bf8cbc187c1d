package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/uplink/internal/socket"
	"github.com/sheerbytes/uplink/pkg/protocol"
)

const headerTimeout = 10 * time.Second

// ServeQUIC accepts QUIC connections until ctx is cancelled or ln is closed.
// Each connection carries one upload on its first stream.
func (s *Server) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	s.logger.Info("quic listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go s.handleQUICConn(ctx, conn)
	}
}

func refuse(conn *quic.Conn, status int, msg string) {
	_ = conn.CloseWithError(quic.ApplicationErrorCode(status), msg)
}

func (s *Server) handleQUICConn(ctx context.Context, conn *quic.Conn) {
	if !s.ips.Allow(addrIP(conn.RemoteAddr())) {
		refuse(conn, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !s.conns.Acquire() {
		refuse(conn, http.StatusTooManyRequests, "connection limit reached")
		return
	}
	defer s.conns.Release()

	actx, cancel := context.WithTimeout(ctx, headerTimeout)
	stream, err := conn.AcceptStream(actx)
	cancel()
	if err != nil {
		s.logger.Debug("no upload stream", "remote_addr", conn.RemoteAddr().String(), "error", err)
		refuse(conn, http.StatusBadRequest, "no upload stream")
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(headerTimeout))
	h, err := protocol.ReadHeader(stream)
	if err != nil {
		s.logger.Debug("invalid upload header", "remote_addr", conn.RemoteAddr().String(), "error", err)
		refuse(conn, http.StatusBadRequest, "invalid upload header")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	if h.Size > math.MaxInt64 {
		refuse(conn, http.StatusRequestEntityTooLarge, "invalid size")
		return
	}
	p, lease, err := s.admit(h.Code, h.FileName, int64(h.Size), "quic")
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			refuse(conn, rej.status, rej.msg)
		} else {
			refuse(conn, http.StatusInternalServerError, "internal error")
		}
		return
	}
	if !s.beginSession() {
		lease.Release()
		refuse(conn, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer s.endSession()

	s.runUpload(ctx, p, lease, socket.NewQUICStream(conn, stream, s.cfg.IdleTimeout), "quic")
}
