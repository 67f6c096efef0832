package memory

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/repobutler/pkg/logger"
	"github.com/dotsetgreg/repobutler/pkg/storage"
)

const (
	// DefaultHistoryLimit bounds a conversation partition's history.
	DefaultHistoryLimit = 100

	// maxSearchResults caps keyword search output regardless of the
	// requested limit.
	maxSearchResults = 5

	// maxTopics caps topic extraction in Summarize.
	maxTopics = 5
)

// ConversationStore is the durable, append-only log of turns, partitioned
// by (user, calendar month). It exclusively owns conversation partitions.
type ConversationStore struct {
	dir          *storage.Dir
	log          *slog.Logger
	historyLimit int
	now          func() time.Time
}

// NewConversationStore creates a store over dir. A nil log discards output.
func NewConversationStore(dir *storage.Dir, log *slog.Logger) *ConversationStore {
	if log == nil {
		log = logger.Nop()
	}
	return &ConversationStore{
		dir:          dir,
		log:          log.With("component", "conversations"),
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
}

func conversationPartition(userID string, at time.Time) string {
	return fmt.Sprintf("conversations/%s-%s.json", userID, storage.PeriodKey(at))
}

// Append stores a turn in the user's active period partition, evicting the
// oldest turns past the history cap, and reports the turn's final index.
func (s *ConversationStore) Append(userID string, turn Turn) (AppendInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return AppendInfo{}, fmt.Errorf("user id is required")
	}
	now := s.now()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}

	name := conversationPartition(userID, now)
	var conv Conversation
	found, err := s.dir.ReadJSON(name, &conv)
	if err != nil {
		return AppendInfo{}, err
	}
	if !found {
		conv = Conversation{UserID: userID, StartedAt: now}
	}

	conv.History = append(conv.History, turn)
	evicted := 0
	if len(conv.History) > s.historyLimit {
		evicted = len(conv.History) - s.historyLimit
		conv.History = conv.History[evicted:]
	}
	conv.LastUpdatedAt = now

	if err := s.dir.WriteJSON(name, conv); err != nil {
		return AppendInfo{}, err
	}
	s.log.Debug("appended turn", "user", userID, "history", len(conv.History), "evicted", evicted)
	return AppendInfo{TurnIndex: len(conv.History) - 1, Evicted: evicted}, nil
}

// Recall returns the most recent limit turns of the current period in
// chronological order. It reads only the active month's partition; older
// periods are not aggregated.
func (s *ConversationStore) Recall(userID string, limit int) ([]Turn, error) {
	conv, found, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	if !found || len(conv.History) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(conv.History) {
		limit = len(conv.History)
	}
	out := make([]Turn, limit)
	copy(out, conv.History[len(conv.History)-limit:])
	return out, nil
}

// Search scores the current period's turns against query: 1.0 for the full
// query appearing as a substring in either side of a turn, 0.3 per query
// word found in the user text, 0.2 per query word in the agent text.
// Results below MinScore are dropped; survivors are ranked by score and
// capped at five.
func (s *ConversationStore) Search(userID, query string, opts SearchOptions) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	turns, err := s.Recall(userID, 0)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	results := make([]SearchResult, 0, len(turns))
	for _, turn := range turns {
		score := scoreTurn(turn, query)
		if score < opts.MinScore || score == 0 {
			continue
		}
		results = append(results, SearchResult{Turn: turn, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Summarize digests up to limit recent turns: message count, interaction
// span, keyword-frequency topics, and lexicon sentiment over user text.
func (s *ConversationStore) Summarize(userID string, limit int) (Summary, error) {
	turns, err := s.Recall(userID, limit)
	if err != nil {
		return Summary{}, err
	}
	if len(turns) == 0 {
		return Summary{Sentiment: SentimentNeutral}, nil
	}

	sum := Summary{
		MessageCount:     len(turns),
		FirstInteraction: turns[0].Timestamp,
		LastInteraction:  turns[len(turns)-1].Timestamp,
		Topics:           extractTopics(turns, maxTopics),
		Sentiment:        classifySentiment(turns),
	}
	return sum, nil
}

func (s *ConversationStore) load(userID string) (Conversation, bool, error) {
	var conv Conversation
	found, err := s.dir.ReadJSON(conversationPartition(userID, s.now()), &conv)
	return conv, found, err
}

func scoreTurn(turn Turn, query string) float64 {
	q := strings.ToLower(query)
	user := strings.ToLower(turn.UserText)
	agent := strings.ToLower(turn.AgentText)

	var score float64
	if strings.Contains(user, q) || strings.Contains(agent, q) {
		score += 1.0
	}
	for _, word := range strings.Fields(q) {
		if strings.Contains(user, word) {
			score += 0.3
		}
		if strings.Contains(agent, word) {
			score += 0.2
		}
	}
	return score
}
