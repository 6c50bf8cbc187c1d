package collection

import (
	"context"
	"testing"
	"time"
)

func TestStore_Create(t *testing.T) {
	store := NewStore(30 * time.Minute)

	codes := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c := store.Create()

		if codes[c.Code] {
			t.Errorf("Duplicate code: %s", c.Code)
		}
		codes[c.Code] = true

		if len(c.Code) != 8 {
			t.Errorf("Code length = %d, want 8", len(c.Code))
		}
		for _, char := range c.Code {
			if char == 'O' || char == '0' || char == 'I' || char == '1' {
				t.Errorf("Code contains ambiguous character: %c in %s", char, c.Code)
			}
			if !((char >= 'A' && char <= 'Z') || (char >= '2' && char <= '9')) {
				t.Errorf("Code contains invalid character: %c in %s", char, c.Code)
			}
		}
		if !ValidExternalCode(c.Code) {
			t.Errorf("issued code %s is not a valid directory name", c.Code)
		}

		if c.CreatedAt.IsZero() {
			t.Error("CreatedAt should not be zero")
		}
		if got := c.ExpiresAt.Sub(c.CreatedAt); got != 30*time.Minute {
			t.Errorf("ExpiresAt - CreatedAt = %v, want 30m", got)
		}
	}

	if store.Count() != 100 {
		t.Errorf("Count() = %d, want 100", store.Count())
	}
}

func TestStore_Get(t *testing.T) {
	store := NewStore(30 * time.Minute)
	c := store.Create()

	got, found := store.Get(c.Code)
	if !found {
		t.Fatal("collection should be found by code")
	}
	if got.Code != c.Code {
		t.Errorf("Code = %s, want %s", got.Code, c.Code)
	}

	if _, found := store.Get("INVALID"); found {
		t.Error("Should not find collection for unknown code")
	}
}

func TestStore_GetExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(time.Minute)
	store.now = func() time.Time { return now }

	c := store.Create()
	now = now.Add(2 * time.Minute)

	if _, found := store.Get(c.Code); found {
		t.Error("expired collection should not be returned")
	}
	if store.Count() != 1 {
		t.Errorf("expired collection should stay until cleanup, Count() = %d", store.Count())
	}
}

func TestStore_NoTTL(t *testing.T) {
	store := NewStore(0)
	c := store.Create()
	if !c.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", c.ExpiresAt)
	}
	if c.Expired(time.Now().Add(1000 * time.Hour)) {
		t.Error("collection without ttl should never expire")
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore(30 * time.Minute)
	c := store.Create()

	store.Delete(c.Code)

	if _, found := store.Get(c.Code); found {
		t.Fatal("collection should be deleted")
	}
}

func TestStore_CleanupExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(10 * time.Minute)
	store.now = func() time.Time { return now }

	old := store.Create()
	now = now.Add(5 * time.Minute)
	fresh := store.Create()

	removed := store.CleanupExpired(now.Add(6 * time.Minute))
	if removed != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", removed)
	}
	if _, found := store.Get(old.Code); found {
		t.Error("old collection should be removed")
	}
	if _, found := store.Get(fresh.Code); !found {
		t.Error("fresh collection should remain")
	}
}

func TestStore_RunJanitor(t *testing.T) {
	store := NewStore(time.Millisecond)
	store.Create()
	store.Create()

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		done <- store.RunJanitor(ctx, 5*time.Millisecond, func(n int) {
			select {
			case swept <- n:
			default:
			}
		})
	}()

	select {
	case n := <-swept:
		if n != 2 {
			t.Errorf("janitor removed %d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor never swept")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunJanitor() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestValidExternalCode(t *testing.T) {
	valid := []string{"abc", "ABC-123", "under_score", "x"}
	invalid := []string{"", "../etc", "a/b", "with space", "dot.dot", string(make([]byte, 65))}
	for _, c := range valid {
		if !ValidExternalCode(c) {
			t.Errorf("ValidExternalCode(%q) = false, want true", c)
		}
	}
	for _, c := range invalid {
		if ValidExternalCode(c) {
			t.Errorf("ValidExternalCode(%q) = true, want false", c)
		}
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore(30 * time.Minute)
	done := make(chan bool)

	go func() {
		for i := 0; i < 50; i++ {
			store.Create()
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 50; i++ {
			store.Get("TESTCODE")
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 50; i++ {
			store.CleanupExpired(time.Now())
		}
		done <- true
	}()

	for i := 0; i < 3; i++ {
		<-done
	}
}
