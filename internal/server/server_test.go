package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/uplink/internal/clienthttp"
	"github.com/sheerbytes/uplink/internal/config"
	"github.com/sheerbytes/uplink/internal/logging"
	"github.com/sheerbytes/uplink/internal/quicclient"
	"github.com/sheerbytes/uplink/internal/quictransport"
	"github.com/sheerbytes/uplink/internal/registry"
	"github.com/sheerbytes/uplink/internal/wsclient"
	"github.com/sheerbytes/uplink/pkg/protocol"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		DownloadDir:     "downloads",
		WebsiteProtocol: "http://",
		WebsiteDomain:   "uplink.test",
		MaxFileSize:     1 << 20,
		CodeTTL:         time.Hour,
		MaxConnections:  8,
		WriterQueue:     4,
		IdleTimeout:     5 * time.Second,
		CORSOrigins:     "*",
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, *httptest.Server, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := New(cfg, fs, logging.Discard())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, fs
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body protocol.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
}

func TestCollections(t *testing.T) {
	_, ts, _ := newTestServer(t, testConfig())
	ctx := context.Background()

	created, err := clienthttp.CreateCollection(ctx, ts.URL)
	require.NoError(t, err)
	assert.Len(t, created.Code, 8)
	assert.WithinDuration(t, time.Now().Add(time.Hour), created.ExpiresAt, time.Minute)

	status, err := clienthttp.GetCollection(ctx, ts.URL, created.Code)
	require.NoError(t, err)
	assert.Equal(t, created.Code, status.Code)
	require.NotNil(t, status.ExpiresAt)
	assert.Empty(t, status.Active)

	_, err = clienthttp.GetCollection(ctx, ts.URL, "NOPE")
	var statusErr *clienthttp.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestCollections_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectsPerMin = 1
	cfg.ConnectsBurst = 1
	_, ts, _ := newTestServer(t, cfg)

	_, err := clienthttp.CreateCollection(context.Background(), ts.URL)
	require.NoError(t, err)
	_, err = clienthttp.CreateCollection(context.Background(), ts.URL)
	var statusErr *clienthttp.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
}

func TestUpload_WebSocket(t *testing.T) {
	s, ts, fs := newTestServer(t, testConfig())
	ctx := context.Background()

	created, err := clienthttp.CreateCollection(ctx, ts.URL)
	require.NoError(t, err)

	data := payload(200000)
	wsURL, err := clienthttp.UploadURL(ts.URL, created.Code, "annual report.bin", int64(len(data)))
	require.NoError(t, err)

	var acked int64
	link, err := wsclient.Upload(ctx, wsURL, bytes.NewReader(data), int64(len(data)),
		func(n int64) { acked = n }, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, "http://uplink.test/downloads/"+created.Code+"/annual%20report.bin", link)
	assert.Equal(t, int64(len(data)), acked)

	stored, err := afero.ReadFile(fs, "downloads/"+created.Code+"/annual report.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, stored))

	require.Eventually(t, func() bool { return s.registry.Count() == 0 }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/downloads/" + created.Code + "/annual%20report.bin")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, body))
}

func TestUpload_ZeroBytes(t *testing.T) {
	cfg := testConfig()
	cfg.OpenCodes = true
	_, ts, fs := newTestServer(t, cfg)

	wsURL, err := clienthttp.UploadURL(ts.URL, "my-open-code", "empty.txt", 0)
	require.NoError(t, err)
	link, err := wsclient.Upload(context.Background(), wsURL, bytes.NewReader(nil), 0, nil, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "http://uplink.test/downloads/my-open-code/empty.txt", link)

	exists, err := afero.Exists(fs, "downloads/my-open-code/empty.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUpload_Rejections(t *testing.T) {
	s, ts, _ := newTestServer(t, testConfig())
	code := s.Collections().Create().Code

	lease, err := s.registry.Reserve(registry.Entry{Code: code, FileName: "busy.bin"})
	require.NoError(t, err)
	defer lease.Release()

	tests := []struct {
		name   string
		code   string
		file   string
		size   int64
		status int
	}{
		{"unknown code", "UNKNOWN1", "a.bin", 10, http.StatusNotFound},
		{"invalid code", "../etc", "a.bin", 10, http.StatusBadRequest},
		{"invalid name", code, "..", 10, http.StatusBadRequest},
		{"negative size", code, "a.bin", -1, http.StatusBadRequest},
		{"too large", code, "a.bin", 2 << 20, http.StatusRequestEntityTooLarge},
		{"in progress", code, "busy.bin", 10, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wsURL, err := clienthttp.UploadURL(ts.URL, tt.code, tt.file, tt.size)
			require.NoError(t, err)
			_, err = wsclient.Dial(context.Background(), wsURL, logging.Discard())
			var statusErr *clienthttp.StatusError
			require.True(t, errors.As(err, &statusErr), "got %v", err)
			assert.Equal(t, tt.status, statusErr.Code)
		})
	}

	t.Run("plain http", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/upload?code=" + code + "&name=a.bin&size=1")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestUpload_ClientAbortCleansUp(t *testing.T) {
	s, ts, fs := newTestServer(t, testConfig())
	code := s.Collections().Create().Code

	wsURL, err := clienthttp.UploadURL(ts.URL, code, "partial.bin", 1000)
	require.NoError(t, err)

	// The source runs dry halfway; the client gives up and disconnects.
	_, err = wsclient.Upload(context.Background(), wsURL, bytes.NewReader(payload(500)), 1000, nil, logging.Discard())
	require.Error(t, err)

	require.Eventually(t, func() bool { return s.registry.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		exists, _ := afero.Exists(fs, "downloads/"+code+"/partial.bin")
		return !exists
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.pool.Outstanding())
}

func TestDownload_NotFound(t *testing.T) {
	s, ts, _ := newTestServer(t, testConfig())
	code := s.Collections().Create().Code

	for _, path := range []string{
		"/downloads/" + code + "/missing.bin",
		"/downloads/bad.code/file.bin",
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.CORSOrigins = "https://app.example.com"
	_, ts, _ := newTestServer(t, cfg)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/collections", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestUpload_QUIC(t *testing.T) {
	s, _, fs := newTestServer(t, testConfig())
	code := s.Collections().Create().Code

	tlsConf, err := quictransport.ServerConfig("", "")
	require.NoError(t, err)
	ln, pc, err := quictransport.Listen("127.0.0.1:0", tlsConf, nil, 0, logging.Discard())
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.ServeQUIC(ctx, ln) }()

	data := payload(300000)
	addr := pc.LocalAddr().String()
	link, err := quicclient.Upload(ctx, addr, quictransport.ClientConfig(true),
		protocol.UploadHeader{Code: code, FileName: "q.bin", Size: uint64(len(data))},
		bytes.NewReader(data), nil, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "http://uplink.test/downloads/"+code+"/q.bin", link)

	stored, err := afero.ReadFile(fs, "downloads/"+code+"/q.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, stored))

	_, err = quicclient.Upload(ctx, addr, quictransport.ClientConfig(true),
		protocol.UploadHeader{Code: "UNKNOWN1", FileName: "q.bin", Size: 1},
		bytes.NewReader([]byte{1}), nil, logging.Discard())
	var statusErr *clienthttp.StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)

	_ = ln.Close()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeQUIC did not return")
	}
}

func TestServe_Shutdown(t *testing.T) {
	s, err := New(testConfig(), afero.NewMemMapFs(), logging.Discard())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.WriterQueue = 0
	_, err := New(cfg, afero.NewMemMapFs(), logging.Discard())
	assert.Error(t, err)
}
