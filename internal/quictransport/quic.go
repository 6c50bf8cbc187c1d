package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/uplink/internal/transport"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for uploads over QUIC.
	ALPNProtocol = "uplink-v1"

	connWindow   = 64 * 1024 * 1024
	streamWindow = 16 * 1024 * 1024
	maxStreams   = 16
)

// ServerConfig returns a TLS configuration for the QUIC listener. With both
// certFile and keyFile set the pair is loaded from disk, otherwise a
// self-signed certificate is generated.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case certFile != "" && keyFile != "":
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both a certificate and a key are required")
	default:
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a TLS configuration for the upload client. insecure
// skips certificate verification, which a self-signed server needs.
func ClientConfig(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultServerQUICConfig returns the QUIC config for the upload listener.
func DefaultServerQUICConfig(idle time.Duration) *quic.Config {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	cfg, _ := transport.BuildQuicConfig(&quic.Config{
		KeepAlivePeriod:         10 * time.Second,
		MaxIdleTimeout:          idle,
		DisablePathMTUDiscovery: true,
	}, connWindow, streamWindow, maxStreams)
	return cfg
}

// DefaultClientQUICConfig returns the QUIC config for the upload client.
func DefaultClientQUICConfig() *quic.Config {
	cfg, _ := transport.BuildQuicConfig(&quic.Config{
		KeepAlivePeriod:         10 * time.Second,
		MaxIdleTimeout:          30 * time.Second,
		DisablePathMTUDiscovery: true,
	}, connWindow, streamWindow, maxStreams)
	return cfg
}

// generateSelfSignedCert generates a short-lived self-signed certificate.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"uplink"}},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Listen binds a UDP socket on addr, applies the requested socket buffers
// and starts a QUIC listener on it. Closing the listener does not close the
// UDP socket; callers close both.
func Listen(addr string, tlsConfig *tls.Config, config *quic.Config, udpBuffer int, logger *slog.Logger) (*quic.Listener, net.PacketConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	if udpBuffer > 0 {
		res := transport.ApplyUDPBuffers(udpConn, udpBuffer)
		if res.Status != transport.StatusOK {
			logger.Warn("UDP buffer tuning not applied", "status", res.Status, "error", res.Err)
		} else {
			logger.Debug("UDP buffers tuned", "bytes", res.Requested)
		}
	}

	if config == nil {
		config = DefaultServerQUICConfig(0)
	}
	listener, err := quic.Listen(udpConn, tlsConfig, config)
	if err != nil {
		_ = udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return nil, nil, err
	}

	logger.Info("QUIC listener created", "local_addr", udpConn.LocalAddr())
	return listener, udpConn, nil
}

// Dial connects to a QUIC upload listener at addr.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, logger *slog.Logger) (*quic.Conn, error) {
	logger.Debug("QUIC dial starting", "remote_addr", addr)

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, DefaultClientQUICConfig())
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, err
	}

	logger.Debug("QUIC connection established", "remote_addr", addr)
	return conn, nil
}
