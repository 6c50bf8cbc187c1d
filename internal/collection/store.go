package collection

import (
	"context"
	"crypto/rand"
	"regexp"
	"sync"
	"time"
)

// Collection is a code under which a client may upload files. Uploaded
// files land in <download-dir>/<code>/.
type Collection struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the collection is past its expiry at now.
// A zero ExpiresAt never expires.
func (c Collection) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Store is a thread-safe in-memory store of issued collection codes.
type Store struct {
	mu    sync.RWMutex
	codes map[string]Collection
	ttl   time.Duration
	now   func() time.Time
}

// NewStore creates a store whose codes live for ttl. A ttl of 0 disables expiry.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		codes: make(map[string]Collection),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Create issues a new collection with a unique code.
func (s *Store) Create() Collection {
	now := s.now()
	c := Collection{
		Code:      generateCode(),
		CreatedAt: now,
	}
	if s.ttl > 0 {
		c.ExpiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Retry on collision
	for _, exists := s.codes[c.Code]; exists; _, exists = s.codes[c.Code] {
		c.Code = generateCode()
	}
	s.codes[c.Code] = c
	return c
}

// Get returns the live collection for code.
func (s *Store) Get(code string) (Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.codes[code]
	if !ok || c.Expired(s.now()) {
		return Collection{}, false
	}
	return c, true
}

// Delete removes a code.
func (s *Store) Delete(code string) {
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
}

// Count returns the number of stored codes, expired or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes)
}

// CleanupExpired removes all collections expired at now and returns how many
// were removed.
func (s *Store) CleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, c := range s.codes {
		if c.Expired(now) {
			delete(s.codes, code)
			removed++
		}
	}
	return removed
}

// RunJanitor calls CleanupExpired every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration, onSweep func(removed int)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.CleanupExpired(s.now()); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}

var externalCode = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidExternalCode reports whether code is acceptable as a directory name
// when the server accepts codes it did not issue.
func ValidExternalCode(code string) bool {
	return externalCode.MatchString(code)
}

// generateCode generates a random 8-character code.
// Uses uppercase A-Z and 0-9, excluding ambiguous characters: O, 0, I, 1.
func generateCode() string {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// Fallback if rand fails
		return "ABCDEFGH"
	}
	for i := range b {
		b[i] = chars[b[i]%byte(len(chars))]
	}
	return string(b)
}
