package clienthttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheerbytes/uplink/pkg/protocol"
)

const requestTimeout = 5 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func normalize(serverURL string) string {
	serverURL = strings.TrimRight(serverURL, "/")
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	return serverURL
}

func do(ctx context.Context, method, target string, out any) error {
	client := &http.Client{Timeout: requestTimeout}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr protocol.Error
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// CreateCollection calls POST /collections and returns the issued code.
func CreateCollection(ctx context.Context, serverURL string) (protocol.CollectionCreated, error) {
	var created protocol.CollectionCreated
	if err := do(ctx, http.MethodPost, normalize(serverURL)+"/collections", &created); err != nil {
		return protocol.CollectionCreated{}, err
	}
	if created.Code == "" {
		return protocol.CollectionCreated{}, errors.New("parse response: empty code")
	}
	return created, nil
}

// GetCollection calls GET /collections/:code.
func GetCollection(ctx context.Context, serverURL, code string) (protocol.CollectionStatus, error) {
	var status protocol.CollectionStatus
	target := normalize(serverURL) + "/collections/" + url.PathEscape(code)
	if err := do(ctx, http.MethodGet, target, &status); err != nil {
		return protocol.CollectionStatus{}, err
	}
	return status, nil
}

// UploadURL returns the websocket URL for uploading name of size bytes into
// code.
func UploadURL(serverURL, code, name string, size int64) (string, error) {
	u, err := url.Parse(normalize(serverURL))
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/upload"
	q := url.Values{}
	q.Set("code", code)
	q.Set("name", name)
	q.Set("size", fmt.Sprint(size))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
