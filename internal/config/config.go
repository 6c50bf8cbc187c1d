package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// ServerConfig holds configuration for the upload server binary.
type ServerConfig struct {
	Addr            string        `env:"UPLINK_ADDR,default=:8080"`
	QUICAddr        string        `env:"UPLINK_QUIC_ADDR"` // empty disables the QUIC listener
	LogLevel        string        `env:"UPLINK_LOG_LEVEL,default=info"`
	DownloadDir     string        `env:"UPLINK_DOWNLOAD_DIR,default=downloads"`
	WebsiteProtocol string        `env:"UPLINK_WEBSITE_PROTOCOL,default=http://"`
	WebsiteDomain   string        `env:"UPLINK_WEBSITE_DOMAIN,default=localhost:8080"`
	MaxFileSize     int64         `env:"UPLINK_MAX_FILE_SIZE,default=10737418240"`
	CodeTTL         time.Duration `env:"UPLINK_CODE_TTL,default=24h"`
	OpenCodes       bool          `env:"UPLINK_OPEN_CODES,default=false"`
	MaxConnections  int           `env:"UPLINK_MAX_CONNECTIONS,default=512"`
	ConnectsPerMin  int           `env:"UPLINK_CONNECTS_PER_MIN,default=60"`
	ConnectsBurst   int           `env:"UPLINK_CONNECTS_BURST,default=10"`
	WriterQueue     int           `env:"UPLINK_WRITER_QUEUE,default=16"`
	IdleTimeout     time.Duration `env:"UPLINK_IDLE_TIMEOUT,default=2m"`
	TLSCert         string        `env:"UPLINK_TLS_CERT"`
	TLSKey          string        `env:"UPLINK_TLS_KEY"`
	UDPBuffer       int           `env:"UPLINK_UDP_BUFFER,default=8388608"`
	CORSOrigins     string        `env:"UPLINK_CORS_ORIGINS,default=*"`
}

// ClientConfig holds configuration for the upload client.
type ClientConfig struct {
	ServerURL string `env:"UPLINK_SERVER_URL,default=http://localhost:8080"`
	QUICAddr  string `env:"UPLINK_QUIC_ADDR"`
	Transport string `env:"UPLINK_TRANSPORT,default=ws"`
	Code      string `env:"UPLINK_CODE"`
	LogLevel  string `env:"UPLINK_LOG_LEVEL,default=info"`
	Insecure  bool   `env:"UPLINK_INSECURE,default=false"`
	File      string
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored and existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	var cfg ServerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("read environment: %w", err)
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP/websocket listen address")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables QUIC)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "directory uploads are stored under and served from")
	fs.StringVar(&cfg.WebsiteProtocol, "website-protocol", cfg.WebsiteProtocol, "protocol prefix of download links")
	fs.StringVar(&cfg.WebsiteDomain, "website-domain", cfg.WebsiteDomain, "domain of download links")
	fs.Int64Var(&cfg.MaxFileSize, "max-file-size", cfg.MaxFileSize, "largest accepted upload in bytes")
	fs.DurationVar(&cfg.CodeTTL, "code-ttl", cfg.CodeTTL, "lifetime of issued collection codes")
	fs.BoolVar(&cfg.OpenCodes, "open-codes", cfg.OpenCodes, "accept uploads for codes that were not issued by this server")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "max concurrent upload connections (0 = unlimited)")
	fs.IntVar(&cfg.ConnectsPerMin, "connects-per-min", cfg.ConnectsPerMin, "max upload connects per minute per IP (0 = unlimited)")
	fs.IntVar(&cfg.ConnectsBurst, "connects-burst", cfg.ConnectsBurst, "burst upload connects per IP")
	fs.IntVar(&cfg.WriterQueue, "writer-queue", cfg.WriterQueue, "chunks buffered between the socket and the disk writer")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "abort an upload after this long without data (0 disables)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate for QUIC (self-signed when empty)")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key for QUIC")
	fs.IntVar(&cfg.UDPBuffer, "udp-buffer", cfg.UDPBuffer, "UDP socket buffer size for QUIC")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "comma-separated origins allowed by CORS (* for any)")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.DownloadDir) == "" {
		return errors.New("download-dir must not be empty")
	}
	if dir := c.DownloadURLDir(); dir == "." || dir == ".." || strings.ContainsAny(dir, `/\`) {
		return fmt.Errorf("download-dir %q must end in a named directory", c.DownloadDir)
	}
	if c.MaxFileSize <= 0 {
		return errors.New("max-file-size must be positive")
	}
	if c.WriterQueue < 1 {
		return errors.New("writer-queue must be at least 1")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls-cert and tls-key must be set together")
	}
	for _, o := range c.AllowedOrigins() {
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("cors origin %q must start with http:// or https://", o)
		}
	}
	return nil
}

// DownloadURLDir is the path segment download links and routes use: the
// last element of DownloadDir.
func (c ServerConfig) DownloadURLDir() string {
	return filepath.Base(filepath.Clean(c.DownloadDir))
}

// AllowedOrigins splits CORSOrigins. A nil result means any origin.
func (c ServerConfig) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		o = strings.TrimSpace(o)
		if o == "*" {
			return nil
		}
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ParseClientConfig parses client configuration from flags and environment variables.
// Flags take precedence over environment variables. The first positional
// argument is the file to upload.
func ParseClientConfig() (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	var cfg ClientConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("read environment: %w", err)
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "server URL")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "server QUIC address (quic transport only)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "upload transport (ws, quic)")
	fs.StringVar(&cfg.Code, "code", cfg.Code, "collection code (a new one is requested when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "skip QUIC certificate verification (self-signed servers)")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	if fs.NArg() > 0 {
		cfg.File = fs.Arg(0)
	}

	switch cfg.Transport {
	case "ws":
	case "quic":
		if cfg.QUICAddr == "" {
			return ClientConfig{}, errors.New("quic transport requires quic-addr")
		}
	default:
		return ClientConfig{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return cfg, nil
}
