package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dotsetgreg/repobutler/pkg/embedder"
	"github.com/dotsetgreg/repobutler/pkg/logger"
	"github.com/dotsetgreg/repobutler/pkg/storage"
)

// DefaultEmbedTimeout bounds a single embedding call made on the remember
// path. Past the deadline the engine proceeds without embeddings.
const DefaultEmbedTimeout = 10 * time.Second

// Engine is the facade combining the conversation store, session store and
// embedding index. Its only independent logic is request fan-out; the
// stores never call each other.
type Engine struct {
	conversations *ConversationStore
	sessions      *SessionStore
	index         *EmbeddingIndex
	log           *slog.Logger
	embedTimeout  time.Duration
}

// Config configures an Engine.
type Config struct {
	// StorageDir is the root for all memory partitions.
	StorageDir string
	// Embedder supplies vectors for the embedding index. Nil disables
	// semantic recall; searches fall back to keyword scoring.
	Embedder embedder.Embedder
	// EmbedTimeout bounds one embed call. Defaults to DefaultEmbedTimeout.
	EmbedTimeout time.Duration
	// Logger receives structured logs. Nil discards.
	Logger *slog.Logger

	// HistoryLimit caps turns per conversation partition. Zero means
	// DefaultHistoryLimit. The embedding index shares the same bound.
	HistoryLimit int
	// SessionWindow caps the session's rolling context. Zero means
	// DefaultSessionWindow.
	SessionWindow int
	// SessionTTL is the idle timeout after which a session is superseded.
	// Zero means DefaultSessionTTL.
	SessionTTL time.Duration
}

// NewEngine builds the engine and its stores over one storage directory.
func NewEngine(cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.StorageDir) == "" {
		return nil, fmt.Errorf("memory storage dir is required")
	}
	dir, err := storage.New(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	timeout := cfg.EmbedTimeout
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}

	conversations := NewConversationStore(dir, log)
	sessions := NewSessionStore(dir, log)
	index := NewEmbeddingIndex(dir, cfg.Embedder, log)
	if cfg.HistoryLimit > 0 {
		conversations.historyLimit = cfg.HistoryLimit
		index.limit = cfg.HistoryLimit
	}
	if cfg.SessionWindow > 0 {
		sessions.window = cfg.SessionWindow
	}
	if cfg.SessionTTL > 0 {
		sessions.ttl = cfg.SessionTTL
	}

	return &Engine{
		conversations: conversations,
		sessions:      sessions,
		index:         index,
		log:           log.With("component", "memory"),
		embedTimeout:  timeout,
	}, nil
}

// Conversations exposes the long-term store for callers that need direct
// access (the operator CLI).
func (e *Engine) Conversations() *ConversationStore { return e.conversations }

// Sessions exposes the session store.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// Remember records one exchange: it always writes the durable conversation
// turn, then best-effort indexes an embedding for it. Embedding failure is
// logged and never rolls back or blocks the conversation write.
func (e *Engine) Remember(ctx context.Context, userID, userText, agentText string) error {
	turn := Turn{UserText: userText, AgentText: agentText}
	info, err := e.conversations.Append(userID, turn)
	if err != nil {
		return err
	}

	if !e.index.Enabled() {
		return nil
	}
	if err := e.index.Align(userID, info.Evicted); err != nil {
		e.log.Warn("embedding align failed", "user", userID, "error", err)
		return nil
	}

	// Re-read the stored turn so the index records the persisted timestamp.
	turns, err := e.conversations.Recall(userID, 1)
	if err != nil || len(turns) == 0 {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()
	if err := e.index.Index(embedCtx, userID, turns[0], info.TurnIndex); err != nil {
		e.log.Warn("embedding index failed, continuing without", "user", userID, "error", err)
	}
	return nil
}

// Recall returns the most recent limit turns from the current period.
func (e *Engine) Recall(userID string, limit int) ([]Turn, error) {
	return e.conversations.Recall(userID, limit)
}

// Search runs keyword search over the current period.
func (e *Engine) Search(userID, query string, opts SearchOptions) ([]SearchResult, error) {
	return e.conversations.Search(userID, query, opts)
}

// Summarize digests the current period's conversation.
func (e *Engine) Summarize(userID string, limit int) (Summary, error) {
	return e.conversations.Summarize(userID, limit)
}

// SemanticSearch embeds the query and scores stored vectors by cosine
// similarity. Without a provider, or when the provider fails, it falls back
// deterministically to keyword search with scores reported as similarity.
func (e *Engine) SemanticSearch(ctx context.Context, userID, query string, opts SemanticOptions) ([]SemanticResult, error) {
	if e.index.Enabled() {
		embedCtx, cancel := context.WithTimeout(ctx, e.embedTimeout)
		defer cancel()
		queryVec, err := e.index.emb.Embed(embedCtx, query)
		if err == nil {
			return e.index.SemanticSearch(userID, queryVec, opts)
		}
		e.log.Warn("query embedding failed, falling back to keyword search",
			"user", userID, "error", err)
	}

	keyword, err := e.conversations.Search(userID, query, SearchOptions{
		Limit:    opts.Limit,
		MinScore: opts.MinSimilarity,
	})
	if err != nil {
		return nil, err
	}
	results := make([]SemanticResult, 0, len(keyword))
	for _, r := range keyword {
		results = append(results, SemanticResult{Turn: r.Turn, Similarity: r.Score})
	}
	return results, nil
}

// GetSession returns the user's active session, creating one as needed.
func (e *Engine) GetSession(userID string) (SessionRecord, error) {
	return e.sessions.GetOrCreate(userID)
}

// UpdateSession appends a turn to the session window.
func (e *Engine) UpdateSession(userID, userText, agentText string) (SessionRecord, error) {
	return e.sessions.Update(userID, userText, agentText)
}

// ClearSession drops the user's session.
func (e *Engine) ClearSession(userID string) (bool, error) {
	return e.sessions.Clear(userID)
}

// SessionContext renders the session transcript.
func (e *Engine) SessionContext(userID string) (string, error) {
	return e.sessions.Context(userID)
}

// CombinedContext returns the session transcript, and when query is
// non-empty appends a labeled block of relevant long-term matches above the
// similarity floor.
func (e *Engine) CombinedContext(ctx context.Context, userID, query string, opts SemanticOptions) (string, error) {
	sessionText, err := e.sessions.Context(userID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(query) == "" {
		return sessionText, nil
	}

	matches, err := e.SemanticSearch(ctx, userID, query, opts)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return sessionText, nil
	}

	var b strings.Builder
	b.WriteString(sessionText)
	b.WriteString("\n\nRelevant past conversations:\n")
	for _, m := range matches {
		b.WriteString(fmt.Sprintf("- User: %s / Bot: %s\n", m.Turn.UserText, m.Turn.AgentText))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
