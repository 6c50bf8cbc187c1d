package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sheerbytes/uplink/internal/bufpool"
	"github.com/sheerbytes/uplink/internal/progress"
	"github.com/sheerbytes/uplink/pkg/protocol"
)

// ChunkSize is the most bytes requested from the socket per receive.
const ChunkSize = 128 * 1024

// Socket is the connection an upload session runs over.
type Socket interface {
	// Receive reads up to len(buf) bytes of upload data. Fewer bytes than
	// requested is normal.
	Receive(buf []byte) (int, error)
	// Send delivers one response before returning.
	Send(resp protocol.Response) error
	// Close sends a close status and tears the connection down.
	Close(code int, reason string) error
	// IsOpen reports whether the connection can still carry a response.
	IsOpen() bool
	// Abort drops the connection without a close handshake, unblocking Receive.
	Abort() error
}

// State is the lifecycle position of a Session.
type State int32

const (
	StateReceiving State = iota
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Params are the negotiated, immutable properties of an upload.
type Params struct {
	Code     string
	FileName string
	Size     int64
}

// Options carries the collaborators of a Session. Zero values get defaults.
type Options struct {
	Locator Locator
	Pool    *bufpool.Pool
	Logger  *slog.Logger
	Now     func() time.Time
}

// Session controls one upload over one socket: it receives chunks, forwards
// them to the writer, acknowledges each one, and once the writer reports its
// outcome sends exactly one terminal response and closes the socket.
type Session struct {
	id       string
	params   Params
	sock     Socket
	writer   Writer
	gate     *Gate
	locator  Locator
	pool     *bufpool.Pool
	meter    *progress.Meter
	logger   *slog.Logger
	received atomic.Int64
	state    atomic.Int32
	loopDone chan struct{}
	finals   atomic.Int32
}

// NewSession wires a session to sock and to the writer built by open.
func NewSession(p Params, sock Socket, open OpenWriter, opts Options) (*Session, error) {
	if p.Size < 0 {
		return nil, fmt.Errorf("negative upload size %d", p.Size)
	}
	if p.Code == "" || p.FileName == "" {
		return nil, errors.New("code and file name are required")
	}
	if opts.Pool == nil {
		opts.Pool = bufpool.New(ChunkSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		id:       uuid.NewString(),
		params:   p,
		sock:     sock,
		gate:     NewGate(),
		locator:  opts.Locator,
		pool:     opts.Pool,
		meter:    progress.New(p.Size, opts.Now),
		loopDone: make(chan struct{}),
	}
	s.logger = opts.Logger.With("session_id", s.id, "code", p.Code, "file", p.FileName)

	w, err := open(s.finalize)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	s.writer = w
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// BytesReceived returns the bytes received and acknowledged so far.
func (s *Session) BytesReceived() int64 { return s.received.Load() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the terminal response has been dealt with.
func (s *Session) Done() <-chan struct{} { return s.gate.Done() }

// Run receives the upload and returns after the terminal response has been
// sent (or skipped on a dead socket). Transport errors end the receive loop
// and cancel the writer; they are logged, not returned. Cancelling ctx aborts
// the socket.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.sock.Abort()
	})
	defer stop()

	s.logger.Info("upload started", "size", humanize.IBytes(uint64(s.params.Size)))
	s.writer.Start()

	err := s.receive()
	s.state.Store(int32(StateFinalizing))
	close(s.loopDone)
	if err != nil {
		s.logger.Error("error while receiving upload", "error", err, "received", s.BytesReceived())
		s.writer.Cancel()
	}

	s.gate.Wait()
}

// receive runs until the declared size has arrived or a step fails.
func (s *Session) receive() error {
	for s.received.Load() < s.params.Size {
		buf := s.pool.Get()
		want := min(int64(len(buf)), s.params.Size-s.received.Load())

		n, err := s.sock.Receive(buf[:want])
		if err != nil {
			s.pool.Put(buf)
			return fmt.Errorf("receive: %w", err)
		}
		s.received.Add(int64(n))
		s.meter.Add(int64(n))

		if n > 0 {
			if err := s.writer.Process(NewChunk(buf[:n], s.pool.Put)); err != nil {
				return fmt.Errorf("forward: %w", err)
			}
		} else {
			s.pool.Put(buf)
		}

		if err := s.sock.Send(protocol.Ack(int64(n))); err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
	}
	return nil
}

// finalize is the writer's completion callback. It runs on the writer's
// goroutine, after the receive loop has exited, and always sets the gate.
func (s *Session) finalize(o Outcome) {
	if s.finals.Add(1) > 1 {
		s.logger.Error("upload finalized more than once", "error", o.Err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while finishing upload", "panic", r)
		}
		s.state.Store(int32(StateClosed))
		s.gate.Set()
	}()

	<-s.loopDone

	if !s.sock.IsOpen() {
		s.logger.Info("upload finished, connection already closed",
			"success", o.Success(), "received", s.BytesReceived(), "error", o.Err)
		return
	}

	var err error
	if o.Success() {
		err = s.succeed(o)
	} else {
		s.logger.Info("upload failed", "error", o.Err, "written", o.Written)
		err = s.fail()
	}
	if err != nil {
		s.logger.Error("error while finishing upload", "error", err)
	}
}

func (s *Session) succeed(o Outcome) error {
	link := s.locator.URL(s.params.Code, s.params.FileName)
	if err := s.sock.Send(protocol.Done(link)); err != nil {
		return fmt.Errorf("send success: %w", err)
	}
	stats := s.meter.Snapshot()
	s.logger.Info("upload succeeded",
		"size", humanize.IBytes(uint64(o.Written)),
		"rate", humanize.IBytes(uint64(stats.Average))+"/s",
		"elapsed", stats.Elapsed.Round(time.Millisecond),
		"crc32c", fmt.Sprintf("%08x", o.Checksum),
		"content_type", o.ContentType,
		"url", link,
	)
	if err := s.sock.Close(protocol.CloseNormal, protocol.CloseReasonSuccess); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func (s *Session) fail() error {
	if err := s.sock.Send(protocol.InternalError()); err != nil {
		return fmt.Errorf("send error: %w", err)
	}
	if err := s.sock.Close(protocol.CloseInternalError, protocol.CloseReasonUnknown); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
