package protocol

import "time"

// CollectionCreated is returned by POST /collections.
type CollectionCreated struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Error is the body of any rejected HTTP request.
type Error struct {
	Error string `json:"error"`
}

// Health is the body of GET /health.
type Health struct {
	OK bool `json:"ok"`
}

// ActiveUpload describes an upload that is still in progress.
type ActiveUpload struct {
	SessionID string    `json:"session_id"`
	FileName  string    `json:"file_name"`
	Size      int64     `json:"size"`
	Received  int64     `json:"received"`
	Transport string    `json:"transport"`
	StartedAt time.Time `json:"started_at"`
}

// CollectionStatus is returned by GET /collections/:code.
type CollectionStatus struct {
	Code      string         `json:"code"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"` // nil for open codes and codes without a TTL
	Active    []ActiveUpload `json:"active"`
}
