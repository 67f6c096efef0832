package memory

import "time"

// Turn is one user-message/agent-reply pair. Immutable once written; the
// conversation store only appends turns or trims them from the oldest end.
type Turn struct {
	Timestamp time.Time `json:"timestamp"`
	UserText  string    `json:"user_text"`
	AgentText string    `json:"agent_text"`
}

// Conversation is the durable log of turns for one user in one calendar
// month. History is bounded; the oldest turns are evicted past the cap.
type Conversation struct {
	UserID        string    `json:"user_id"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	History       []Turn    `json:"history"`
}

// AppendInfo reports where an appended turn landed in its partition.
type AppendInfo struct {
	// TurnIndex is the turn's position in the partition history after the
	// append (and any eviction).
	TurnIndex int
	// Evicted is how many turns were trimmed from the oldest end to keep
	// the history within its cap.
	Evicted int
}

// SessionEntry is one turn inside a session's rolling context window.
type SessionEntry struct {
	Timestamp time.Time `json:"timestamp"`
	UserText  string    `json:"user_text"`
	AgentText string    `json:"agent_text"`
}

// SessionRecord is the short-lived per-user session state.
type SessionRecord struct {
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Context        []SessionEntry `json:"context"`
}

// EmbeddingRecord stores one turn's vector, keyed by the turn's position in
// its conversation partition. Vector length is constant per model.
type EmbeddingRecord struct {
	TurnIndex int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Vector    []float32 `json:"vector"`
}

// SearchResult is a keyword-scored turn.
type SearchResult struct {
	Turn  Turn    `json:"turn"`
	Score float64 `json:"score"`
}

// SemanticResult is a similarity-scored turn.
type SemanticResult struct {
	Turn       Turn    `json:"turn"`
	Similarity float64 `json:"similarity"`
}

// SearchOptions controls keyword search.
type SearchOptions struct {
	Limit    int
	MinScore float64
}

// SemanticOptions controls vector search.
type SemanticOptions struct {
	Limit         int
	MinSimilarity float64
}

// Sentiment classification values produced by Summarize.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// Summary is a rule-based digest of a user's current conversation partition.
type Summary struct {
	MessageCount     int       `json:"message_count"`
	FirstInteraction time.Time `json:"first_interaction"`
	LastInteraction  time.Time `json:"last_interaction"`
	Topics           []string  `json:"topics"`
	Sentiment        string    `json:"sentiment"`
}
