package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sheerbytes/uplink/internal/clienthttp"
	"github.com/sheerbytes/uplink/internal/config"
	"github.com/sheerbytes/uplink/internal/logging"
	"github.com/sheerbytes/uplink/internal/progress"
	"github.com/sheerbytes/uplink/internal/quicclient"
	"github.com/sheerbytes/uplink/internal/quictransport"
	"github.com/sheerbytes/uplink/internal/termio"
	"github.com/sheerbytes/uplink/internal/wsclient"
	"github.com/sheerbytes/uplink/pkg/protocol"
)

const (
	version        = "v0.1.0"
	redrawInterval = 100 * time.Millisecond
)

func main() {
	termio.Init()
	defer termio.Flush()

	args := os.Args[1:]
	if hasHelpFlag(args) {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), version)
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(termio.Stderr(), "uplink: %v\n", err)
		termio.Flush()
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.ParseClientConfig()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if cfg.File == "" {
		printUsage()
		return errors.New("no file given")
	}
	logger := logging.NewWithWriter(termio.Stderr(), "uplink", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := os.Open(cfg.File)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", cfg.File)
	}

	code := cfg.Code
	if code == "" {
		created, err := clienthttp.CreateCollection(ctx, cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		code = created.Code
		fmt.Fprintf(termio.Stdout(), "collection code: %s\n", code)
		if !created.ExpiresAt.IsZero() {
			fmt.Fprintf(termio.Stdout(), "expires %s\n", humanize.Time(created.ExpiresAt))
		}
	}

	name := filepath.Base(cfg.File)
	size := info.Size()
	bar := newProgressLine(name, size)

	var link string
	switch cfg.Transport {
	case "quic":
		h := protocol.UploadHeader{Code: code, FileName: name, Size: uint64(size)}
		link, err = quicclient.Upload(ctx, cfg.QUICAddr, quictransport.ClientConfig(cfg.Insecure), h, f, bar.update, logger)
	default:
		link, err = uploadWebSocket(ctx, cfg.ServerURL, code, name, f, size, bar.update, logger)
	}
	bar.finish(err == nil)
	if err != nil {
		var status *clienthttp.StatusError
		if errors.As(err, &status) {
			return fmt.Errorf("server refused the upload: %s", status.Message)
		}
		return err
	}

	fmt.Fprintln(termio.Stdout(), link)
	return nil
}

func uploadWebSocket(ctx context.Context, serverURL, code, name string, r io.Reader, size int64, onAck func(int64), logger *slog.Logger) (string, error) {
	wsURL, err := clienthttp.UploadURL(serverURL, code, name, size)
	if err != nil {
		return "", err
	}
	return wsclient.Upload(ctx, wsURL, r, size, onAck, logger)
}

// progressLine renders acknowledged bytes as a single status line on stderr.
type progressLine struct {
	mu     sync.Mutex
	name   string
	meter  *progress.Meter
	last   time.Time
	tty    bool
	output io.Writer
}

func newProgressLine(name string, size int64) *progressLine {
	return &progressLine{
		name:   name,
		meter:  progress.New(size, nil),
		tty:    termio.IsTTY(termio.StderrFile()),
		output: termio.Stderr(),
	}
}

func (p *progressLine) update(acked int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meter.Set(acked)
	if now := time.Now(); now.Sub(p.last) >= redrawInterval {
		p.last = now
		p.draw()
	}
}

func (p *progressLine) draw() {
	s := p.meter.Snapshot()
	eta := "-"
	if s.ETA > 0 {
		eta = s.ETA.Round(time.Second).String()
	}
	termio.StatusLine(p.output, p.tty, "%s %5.1f%% %s / %s %s/s eta %s",
		p.name, s.Percent(),
		humanize.IBytes(uint64(s.Done)), humanize.IBytes(uint64(s.Total)),
		humanize.IBytes(uint64(s.Rate)), eta)
}

func (p *progressLine) finish(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.draw()
	}
	if p.tty {
		fmt.Fprintln(p.output)
	}
	s := p.meter.Snapshot()
	if ok {
		fmt.Fprintf(p.output, "uploaded %s in %s (%s/s)\n",
			humanize.IBytes(uint64(s.Done)), s.Elapsed.Round(time.Millisecond),
			humanize.IBytes(uint64(s.Average)))
	}
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: uplink [flags] <file>")
	fmt.Fprintln(termio.Stderr(), "  --server-url URL       server URL (default http://localhost:8080)")
	fmt.Fprintln(termio.Stderr(), "  --code CODE            collection code (a new one is requested when empty)")
	fmt.Fprintln(termio.Stderr(), "  --transport T          ws or quic (default ws)")
	fmt.Fprintln(termio.Stderr(), "  --quic-addr ADDR       server QUIC address (quic transport only)")
	fmt.Fprintln(termio.Stderr(), "  --insecure             accept self-signed QUIC certificates")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL      debug, info, warn or error (default info)")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  uplink ./report.pdf")
	fmt.Fprintln(termio.Stderr(), "  uplink --code K7XQ2MPA ./photo.jpg")
	fmt.Fprintln(termio.Stderr(), "  uplink --transport quic --quic-addr host:8443 --insecure ./big.iso")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
