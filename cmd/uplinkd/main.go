package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/sheerbytes/uplink/internal/config"
	"github.com/sheerbytes/uplink/internal/logging"
	"github.com/sheerbytes/uplink/internal/server"
	"github.com/sheerbytes/uplink/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	termio.Init()
	defer termio.Flush()

	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(termio.Stderr(), "uplinkd: %v\n", err)
		termio.Flush()
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	logger := logging.New("uplinkd", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := server.New(cfg, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(termio.Stdout(), "starting server addr=%s download_dir=%s\n", cfg.Addr, cfg.DownloadDir)
	if cfg.QUICAddr != "" {
		fmt.Fprintf(termio.Stdout(), "accepting quic uploads addr=%s\n", cfg.QUICAddr)
	}
	if err := s.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(termio.Stdout(), "server stopped")
	return nil
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: uplinkd [flags]")
	fmt.Fprintln(termio.Stderr(), "  --addr ADDR                 HTTP/websocket listen address (default :8080)")
	fmt.Fprintln(termio.Stderr(), "  --quic-addr ADDR            QUIC listen address (default disabled)")
	fmt.Fprintln(termio.Stderr(), "  --download-dir DIR          where uploads are stored and served from (default downloads)")
	fmt.Fprintln(termio.Stderr(), "  --website-protocol P        protocol prefix of download links (default http://)")
	fmt.Fprintln(termio.Stderr(), "  --website-domain D          domain of download links (default localhost:8080)")
	fmt.Fprintln(termio.Stderr(), "  --max-file-size N           largest accepted upload in bytes (default 10 GiB)")
	fmt.Fprintln(termio.Stderr(), "  --code-ttl DURATION         lifetime of issued collection codes (default 24h, 0 disables)")
	fmt.Fprintln(termio.Stderr(), "  --open-codes                accept codes this server did not issue")
	fmt.Fprintln(termio.Stderr(), "  --max-connections N         max concurrent upload connections (default 512)")
	fmt.Fprintln(termio.Stderr(), "  --connects-per-min N        max connects per minute per IP (default 60)")
	fmt.Fprintln(termio.Stderr(), "  --connects-burst N          burst connects per IP (default 10)")
	fmt.Fprintln(termio.Stderr(), "  --writer-queue N            chunks buffered ahead of the disk (default 16)")
	fmt.Fprintln(termio.Stderr(), "  --idle-timeout DURATION     abort an upload after this long without data (default 2m)")
	fmt.Fprintln(termio.Stderr(), "  --tls-cert FILE             QUIC certificate (self-signed when empty)")
	fmt.Fprintln(termio.Stderr(), "  --tls-key FILE              QUIC key")
	fmt.Fprintln(termio.Stderr(), "  --udp-buffer N              UDP socket buffer for QUIC (default 8 MiB)")
	fmt.Fprintln(termio.Stderr(), "  --cors-origins LIST         comma-separated CORS origins (default *)")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL           debug, info, warn or error (default info)")
	fmt.Fprintln(termio.Stderr(), "every flag can also be set with the matching UPLINK_* environment variable or a .env file")
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
