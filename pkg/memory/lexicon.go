package memory

import (
	"sort"
	"strings"
)

// Stop words excluded from topic extraction. Deliberately small; topic
// extraction here is frequency counting, not NLP.
var stopWords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "am": {},
	"an": {}, "and": {}, "any": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "because": {}, "been": {}, "but": {}, "by": {}, "can": {},
	"could": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"get": {}, "got": {}, "had": {}, "has": {}, "have": {}, "he": {},
	"her": {}, "here": {}, "him": {}, "his": {}, "how": {}, "i": {},
	"if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {},
	"just": {}, "like": {}, "me": {}, "my": {}, "no": {}, "not": {},
	"of": {}, "on": {}, "or": {}, "our": {}, "out": {}, "over": {},
	"please": {}, "she": {}, "so": {}, "some": {}, "than": {}, "that": {},
	"the": {}, "their": {}, "them": {}, "then": {}, "there": {},
	"they": {}, "this": {}, "to": {}, "up": {}, "us": {}, "was": {},
	"we": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {},
}

var positiveWords = map[string]struct{}{
	"amazing": {}, "awesome": {}, "cool": {}, "excellent": {},
	"fantastic": {}, "glad": {}, "good": {}, "great": {}, "happy": {},
	"helpful": {}, "love": {}, "nice": {}, "perfect": {}, "pleased": {},
	"thanks": {}, "thank": {}, "wonderful": {}, "works": {}, "yes": {},
}

var negativeWords = map[string]struct{}{
	"angry": {}, "annoying": {}, "bad": {}, "broken": {}, "bug": {},
	"confused": {}, "crash": {}, "error": {}, "fail": {}, "failed": {},
	"frustrated": {}, "hate": {}, "horrible": {}, "issue": {},
	"problem": {}, "sad": {}, "terrible": {}, "wrong": {}, "worst": {},
}

// extractTopics counts stop-word-filtered tokens across both sides of each
// turn and returns the top limit tokens by frequency.
func extractTopics(turns []Turn, limit int) []string {
	counts := make(map[string]int)
	for _, turn := range turns {
		for _, word := range topicTokens(turn.UserText) {
			counts[word]++
		}
		for _, word := range topicTokens(turn.AgentText) {
			counts[word]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	type wordCount struct {
		word  string
		count int
	}
	ranked := make([]wordCount, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, wordCount{word: w, count: c})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count == ranked[j].count {
			return ranked[i].word < ranked[j].word
		}
		return ranked[i].count > ranked[j].count
	})

	if limit > len(ranked) {
		limit = len(ranked)
	}
	topics := make([]string, 0, limit)
	for _, wc := range ranked[:limit] {
		topics = append(topics, wc.word)
	}
	return topics
}

// classifySentiment counts lexicon hits across all turns' user text and
// classifies positive when positives exceed 1.5x negatives, negative on the
// inverse, neutral otherwise.
func classifySentiment(turns []Turn) string {
	var positives, negatives float64
	for _, turn := range turns {
		for _, word := range topicTokens(turn.UserText) {
			if _, ok := positiveWords[word]; ok {
				positives++
			}
			if _, ok := negativeWords[word]; ok {
				negatives++
			}
		}
	}
	switch {
	case positives > negatives*1.5:
		return SentimentPositive
	case negatives > positives*1.5:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func topicTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, ok := stopWords[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}
