package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSessionStore_ExpiryRollsSession(t *testing.T) {
	store := NewSessionStore(newTestDir(t), nil)

	base := time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	first, err := store.GetOrCreate("u1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	// 29 minutes idle: same session survives.
	store.now = func() time.Time { return base.Add(29 * time.Minute) }
	same, err := store.GetOrCreate("u1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if same.SessionID != first.SessionID {
		t.Fatalf("expected session to survive 29m idle")
	}

	// 31 minutes idle: superseded by a brand-new session.
	store.now = func() time.Time { return base.Add(31 * time.Minute) }
	fresh, err := store.GetOrCreate("u1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if fresh.SessionID == first.SessionID {
		t.Fatalf("expected a new session id after TTL expiry")
	}
	if len(fresh.Context) != 0 {
		t.Fatalf("expected empty context on fresh session, got %d entries", len(fresh.Context))
	}
}

func TestSessionStore_RollingWindow(t *testing.T) {
	store := NewSessionStore(newTestDir(t), nil)

	for i := 1; i <= 25; i++ {
		if _, err := store.Update("u1", fmt.Sprintf("update-%d", i), "ok"); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	rec, err := store.GetOrCreate("u1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if len(rec.Context) != DefaultSessionWindow {
		t.Fatalf("expected window of %d, got %d", DefaultSessionWindow, len(rec.Context))
	}
	// Window holds updates 6 through 25.
	if rec.Context[0].UserText != "update-6" {
		t.Fatalf("expected oldest entry update-6, got %q", rec.Context[0].UserText)
	}
	if rec.Context[len(rec.Context)-1].UserText != "update-25" {
		t.Fatalf("expected newest entry update-25, got %q", rec.Context[len(rec.Context)-1].UserText)
	}
}

func TestSessionStore_ContextRendering(t *testing.T) {
	store := NewSessionStore(newTestDir(t), nil)

	text, err := store.Context("u1")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if text != NoSessionContext {
		t.Fatalf("expected sentinel for no session, got %q", text)
	}

	if _, err := store.Update("u1", "hello", "hi there"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.Update("u1", "status?", "all green"); err != nil {
		t.Fatalf("update: %v", err)
	}

	text, err = store.Context("u1")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	want := "User: hello\nBot: hi there\nUser: status?\nBot: all green"
	if text != want {
		t.Fatalf("transcript mismatch:\n got: %q\nwant: %q", text, want)
	}
}

func TestSessionStore_ContextOfExpiredSessionIsSentinel(t *testing.T) {
	store := NewSessionStore(newTestDir(t), nil)

	base := time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	if _, err := store.Update("u1", "hello", "hi"); err != nil {
		t.Fatalf("update: %v", err)
	}

	store.now = func() time.Time { return base.Add(45 * time.Minute) }
	text, err := store.Context("u1")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if text != NoSessionContext {
		t.Fatalf("expected sentinel for expired session, got %q", text)
	}
}

func TestSessionStore_Clear(t *testing.T) {
	store := NewSessionStore(newTestDir(t), nil)

	if _, err := store.Update("u1", "hello", "hi"); err != nil {
		t.Fatalf("update: %v", err)
	}

	cleared, err := store.Clear("u1")
	if err != nil || !cleared {
		t.Fatalf("clear existing: cleared=%v err=%v", cleared, err)
	}
	cleared, err = store.Clear("u1")
	if err != nil || cleared {
		t.Fatalf("clear missing: cleared=%v err=%v", cleared, err)
	}

	text, err := store.Context("u1")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if !strings.Contains(text, "No recent") {
		t.Fatalf("expected sentinel after clear, got %q", text)
	}
}
