package memory

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/repobutler/pkg/logger"
	"github.com/dotsetgreg/repobutler/pkg/storage"
)

const (
	// DefaultSessionTTL is the idle timeout after which a session is
	// superseded by a fresh one.
	DefaultSessionTTL = 30 * time.Minute

	// DefaultSessionWindow bounds a session's rolling context.
	DefaultSessionWindow = 20

	// NoSessionContext is the sentinel returned when a user has no
	// session context to render.
	NoSessionContext = "No recent conversation context."
)

// SessionStore holds short-lived rolling conversation windows, one per
// user, with time-based expiry. It exclusively owns session records.
type SessionStore struct {
	dir    *storage.Dir
	log    *slog.Logger
	ttl    time.Duration
	window int
	now    func() time.Time
}

// NewSessionStore creates a store over dir with the default TTL and window.
func NewSessionStore(dir *storage.Dir, log *slog.Logger) *SessionStore {
	if log == nil {
		log = logger.Nop()
	}
	return &SessionStore{
		dir:    dir,
		log:    log.With("component", "sessions"),
		ttl:    DefaultSessionTTL,
		window: DefaultSessionWindow,
		now:    time.Now,
	}
}

func sessionPartition(userID string) string {
	return fmt.Sprintf("sessions/%s.json", userID)
}

// GetOrCreate returns the user's active session, replacing any session idle
// past the TTL with a brand-new one (fresh id, empty context). Expired
// sessions are superseded, never merged.
func (s *SessionStore) GetOrCreate(userID string) (SessionRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return SessionRecord{}, fmt.Errorf("user id is required")
	}
	now := s.now()

	var rec SessionRecord
	found, err := s.dir.ReadJSON(sessionPartition(userID), &rec)
	if err != nil {
		return SessionRecord{}, err
	}
	if found && now.Sub(rec.LastActivityAt) <= s.ttl {
		return rec, nil
	}

	if found {
		s.log.Debug("session expired", "user", userID, "session", rec.SessionID,
			"idle", now.Sub(rec.LastActivityAt))
	}
	rec = SessionRecord{
		UserID:         userID,
		SessionID:      uuid.NewString(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.dir.WriteJSON(sessionPartition(userID), rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

// Update appends a turn to the session context, trims the window to its
// last entries, refreshes activity, and persists.
func (s *SessionStore) Update(userID, userText, agentText string) (SessionRecord, error) {
	rec, err := s.GetOrCreate(userID)
	if err != nil {
		return SessionRecord{}, err
	}
	now := s.now()

	rec.Context = append(rec.Context, SessionEntry{
		Timestamp: now,
		UserText:  userText,
		AgentText: agentText,
	})
	if len(rec.Context) > s.window {
		rec.Context = rec.Context[len(rec.Context)-s.window:]
	}
	rec.LastActivityAt = now

	if err := s.dir.WriteJSON(sessionPartition(userID), rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

// Clear deletes the user's session. Returns false when none existed.
func (s *SessionStore) Clear(userID string) (bool, error) {
	return s.dir.Remove(sessionPartition(userID))
}

// Context renders the session's rolling window as an alternating
// "User/Bot" transcript, or the NoSessionContext sentinel when nothing is
// stored. Rendering does not touch the TTL: a read must not keep a dying
// session alive.
func (s *SessionStore) Context(userID string) (string, error) {
	var rec SessionRecord
	found, err := s.dir.ReadJSON(sessionPartition(userID), &rec)
	if err != nil {
		return "", err
	}
	if !found || len(rec.Context) == 0 {
		return NoSessionContext, nil
	}
	if s.now().Sub(rec.LastActivityAt) > s.ttl {
		return NoSessionContext, nil
	}

	var b strings.Builder
	for _, entry := range rec.Context {
		b.WriteString("User: ")
		b.WriteString(entry.UserText)
		b.WriteString("\nBot: ")
		b.WriteString(entry.AgentText)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
