package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/repobutler/pkg/embedder"
	"github.com/dotsetgreg/repobutler/pkg/logger"
	"github.com/dotsetgreg/repobutler/pkg/storage"
)

// embeddingPartition mirrors a conversation partition's layout: same
// (user, period) key, same retention cap, records aligned to turn indexes.
type embeddingPartition struct {
	UserID     string            `json:"user_id"`
	ModelID    string            `json:"model_id"`
	Embeddings []EmbeddingRecord `json:"embeddings"`
}

// EmbeddingIndex stores one vector per conversation turn and scores them by
// cosine similarity. It exclusively owns embedding partitions and reads
// conversation partitions read-only to resolve record indexes back to
// turns.
type EmbeddingIndex struct {
	dir   *storage.Dir
	log   *slog.Logger
	emb   embedder.Embedder
	limit int
	now   func() time.Time
}

// NewEmbeddingIndex creates an index over dir using emb to produce vectors.
// A nil emb disables the index; callers fall back to keyword search.
func NewEmbeddingIndex(dir *storage.Dir, emb embedder.Embedder, log *slog.Logger) *EmbeddingIndex {
	if log == nil {
		log = logger.Nop()
	}
	return &EmbeddingIndex{
		dir:   dir,
		log:   log.With("component", "embeddings"),
		emb:   emb,
		limit: DefaultHistoryLimit,
		now:   time.Now,
	}
}

// Enabled reports whether an embedding provider is configured.
func (x *EmbeddingIndex) Enabled() bool { return x != nil && x.emb != nil }

func embeddingPartitionName(userID string, at time.Time) string {
	return fmt.Sprintf("embeddings/%s-%s.json", userID, storage.PeriodKey(at))
}

// Index embeds the turn and stores its record at turnIndex in the user's
// active period partition. Provider failures are returned so the caller can
// log them, but they must never abort the conversation write that preceded
// this call.
func (x *EmbeddingIndex) Index(ctx context.Context, userID string, turn Turn, turnIndex int) error {
	if !x.Enabled() {
		return nil
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if turnIndex < 0 {
		return fmt.Errorf("turn index must be non-negative, got %d", turnIndex)
	}

	vec, err := x.emb.Embed(ctx, turn.UserText+"\n"+turn.AgentText)
	if err != nil {
		return err
	}

	now := x.now()
	name := embeddingPartitionName(userID, now)
	var part embeddingPartition
	if _, err := x.dir.ReadJSON(name, &part); err != nil {
		return err
	}
	part.UserID = userID
	part.ModelID = x.emb.ModelID()

	part.Embeddings = append(part.Embeddings, EmbeddingRecord{
		TurnIndex: turnIndex,
		Timestamp: turn.Timestamp,
		Vector:    vec,
	})
	if len(part.Embeddings) > x.limit {
		part.Embeddings = part.Embeddings[len(part.Embeddings)-x.limit:]
	}
	return x.dir.WriteJSON(name, part)
}

// Align shifts stored record indexes down by evicted to track a
// conversation partition that trimmed that many turns from its oldest end.
// Records whose index falls below zero no longer resolve and are dropped.
func (x *EmbeddingIndex) Align(userID string, evicted int) error {
	if !x.Enabled() || evicted <= 0 {
		return nil
	}
	name := embeddingPartitionName(userID, x.now())
	var part embeddingPartition
	found, err := x.dir.ReadJSON(name, &part)
	if err != nil || !found {
		return err
	}

	kept := part.Embeddings[:0]
	for _, rec := range part.Embeddings {
		rec.TurnIndex -= evicted
		if rec.TurnIndex < 0 {
			continue
		}
		kept = append(kept, rec)
	}
	part.Embeddings = kept
	return x.dir.WriteJSON(name, part)
}

// SemanticSearch scores the current period's records against queryVector
// and returns the matching turns sorted by similarity descending, filtered
// by MinSimilarity and capped at Limit. Records that no longer resolve to a
// turn (index drift after provider outages) are skipped.
func (x *EmbeddingIndex) SemanticSearch(userID string, queryVector []float32, opts SemanticOptions) ([]SemanticResult, error) {
	if !x.Enabled() {
		return nil, nil
	}
	now := x.now()

	var part embeddingPartition
	found, err := x.dir.ReadJSON(embeddingPartitionName(userID, now), &part)
	if err != nil {
		return nil, err
	}
	if !found || len(part.Embeddings) == 0 {
		return nil, nil
	}

	var conv Conversation
	if _, err := x.dir.ReadJSON(conversationPartition(userID, now), &conv); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = maxSearchResults
	}

	results := make([]SemanticResult, 0, len(part.Embeddings))
	for _, rec := range part.Embeddings {
		turn, ok := resolveTurn(conv.History, rec)
		if !ok {
			continue
		}
		sim := Cosine(queryVector, rec.Vector)
		if sim < opts.MinSimilarity {
			continue
		}
		results = append(results, SemanticResult{Turn: turn, Similarity: sim})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// resolveTurn maps a record back to its turn, trusting the index only when
// the stored timestamp agrees with the turn at that position.
func resolveTurn(history []Turn, rec EmbeddingRecord) (Turn, bool) {
	if rec.TurnIndex >= 0 && rec.TurnIndex < len(history) {
		turn := history[rec.TurnIndex]
		if turn.Timestamp.Equal(rec.Timestamp) {
			return turn, true
		}
	}
	for _, turn := range history {
		if turn.Timestamp.Equal(rec.Timestamp) {
			return turn, true
		}
	}
	return Turn{}, false
}
