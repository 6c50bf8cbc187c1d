// Package server exposes upload sessions over HTTP websockets and QUIC.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/uplink/internal/bufpool"
	"github.com/sheerbytes/uplink/internal/collection"
	"github.com/sheerbytes/uplink/internal/config"
	"github.com/sheerbytes/uplink/internal/quictransport"
	"github.com/sheerbytes/uplink/internal/registry"
	"github.com/sheerbytes/uplink/internal/upload"
	"github.com/sheerbytes/uplink/pkg/protocol"
)

const (
	janitorInterval = time.Minute
	shutdownTimeout = 10 * time.Second
)

// Server owns the collection store, the running-upload registry and the
// listeners that feed upload sessions.
type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	fs      afero.Fs
	storage upload.Storage
	locator upload.Locator
	pool    *bufpool.Pool

	store    *collection.Store
	registry *registry.Registry
	ips      *ipLimiter
	conns    *connLimiter
	upgrader websocket.Upgrader

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
	router   *gin.Engine
}

// New builds a server storing uploads on fs under cfg.DownloadDir.
func New(cfg config.ServerConfig, fs afero.Fs, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		fs:     fs,
		storage: upload.Storage{
			Fs:         fs,
			Root:       cfg.DownloadDir,
			QueueDepth: cfg.WriterQueue,
		},
		locator: upload.Locator{
			Protocol: cfg.WebsiteProtocol,
			Domain:   cfg.WebsiteDomain,
			Dir:      cfg.DownloadURLDir(),
		},
		pool:     bufpool.New(upload.ChunkSize),
		store:    collection.NewStore(cfg.CodeTTL),
		registry: registry.New(),
		ips:      newIPLimiter(cfg.ConnectsPerMin, cfg.ConnectsBurst),
		conns:    newConnLimiter(cfg.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  upload.ChunkSize,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS middleware governs browser origins
			},
		},
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Collections exposes the code store.
func (s *Server) Collections() *collection.Store {
	return s.store
}

// Run serves HTTP on cfg.Addr and, when configured, QUIC on cfg.QUICAddr
// until ctx is cancelled. Running uploads are aborted on shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	var qln *quic.Listener
	var udp net.PacketConn
	if s.cfg.QUICAddr != "" {
		tlsConf, err := quictransport.ServerConfig(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			_ = ln.Close()
			return err
		}
		qln, udp, err = quictransport.Listen(s.cfg.QUICAddr, tlsConf,
			quictransport.DefaultServerQUICConfig(s.cfg.IdleTimeout), s.cfg.UDPBuffer, s.logger)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen quic %s: %w", s.cfg.QUICAddr, err)
		}
		defer udp.Close()
	}

	return s.Serve(ctx, ln, qln)
}

// Serve runs the server on already bound listeners. qln may be nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener, qln *quic.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http listening", "addr", ln.Addr().String())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if qln != nil {
		g.Go(func() error {
			return s.ServeQUIC(gctx, qln)
		})
	}

	g.Go(func() error {
		return s.store.RunJanitor(gctx, janitorInterval, func(n int) {
			if n > 0 {
				s.logger.Info("expired collection codes removed", "count", n)
			}
			s.ips.Sweep(time.Now().Add(-10 * time.Minute))
		})
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down", "active_uploads", s.registry.Count())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if qln != nil {
			_ = qln.Close()
		}
		s.stopSessions()
		if n := s.registry.AbortAll(); n > 0 {
			s.logger.Warn("aborted running uploads", "count", n)
		}
		s.waitSessions(shutdownCtx)
		return err
	})

	return g.Wait()
}

// beginSession counts a new upload. It reports false once shutdown has
// started; a true result must be paired with endSession.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) endSession() {
	s.sessions.Done()
}

// stopSessions refuses new uploads so waitSessions sees a final count.
func (s *Server) stopSessions() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

func (s *Server) waitSessions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("sessions still running after shutdown timeout")
	}
}

// rejection is an admission failure reported before a session starts.
type rejection struct {
	status int
	msg    string
}

func (r *rejection) Error() string { return r.msg }

func reject(status int, msg string) error {
	return &rejection{status: status, msg: msg}
}

// admit validates an upload request and reserves its file name. The caller
// owns the returned lease.
func (s *Server) admit(code, rawName string, size int64, transport string) (upload.Params, *registry.Lease, error) {
	if !collection.ValidExternalCode(code) {
		return upload.Params{}, nil, reject(http.StatusBadRequest, "invalid code")
	}
	if !s.cfg.OpenCodes {
		if _, ok := s.store.Get(code); !ok {
			return upload.Params{}, nil, reject(http.StatusNotFound, "unknown or expired code")
		}
	}
	name, err := upload.CleanFileName(rawName)
	if err != nil {
		return upload.Params{}, nil, reject(http.StatusBadRequest, "invalid file name")
	}
	if size < 0 {
		return upload.Params{}, nil, reject(http.StatusBadRequest, "invalid size")
	}
	if size > s.cfg.MaxFileSize {
		return upload.Params{}, nil, reject(http.StatusRequestEntityTooLarge,
			"file exceeds "+humanize.IBytes(uint64(s.cfg.MaxFileSize)))
	}

	lease, err := s.registry.Reserve(registry.Entry{
		Code:      code,
		FileName:  name,
		Size:      size,
		Transport: transport,
		StartedAt: time.Now(),
	})
	if err != nil {
		return upload.Params{}, nil, reject(http.StatusConflict, err.Error())
	}
	return upload.Params{Code: code, FileName: name, Size: size}, lease, nil
}

// runUpload drives one session over sock until its terminal response has been
// dealt with. It releases lease and drops the connection on return.
func (s *Server) runUpload(ctx context.Context, p upload.Params, lease *registry.Lease, sock upload.Socket, transport string) {
	defer lease.Release()
	defer func() { _ = sock.Abort() }()

	logger := s.logger.With("transport", transport)
	open, err := s.storage.Prepare(p.Code, p.FileName, p.Size)
	if err == nil {
		var sess *upload.Session
		sess, err = upload.NewSession(p, sock, open, upload.Options{
			Locator: s.locator,
			Pool:    s.pool,
			Logger:  logger,
		})
		if err == nil {
			lease.Bind(sess.ID(), sess.BytesReceived, func() { _ = sock.Abort() })
			sess.Run(ctx)
			return
		}
	}

	logger.Error("failed to start upload", "error", err, "code", p.Code, "file", p.FileName)
	if sock.IsOpen() {
		_ = sock.Send(protocol.InternalError())
		_ = sock.Close(protocol.CloseInternalError, protocol.CloseReasonUnknown)
	}
}
