package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

const (
	// ChargramModelID is the default offline embedding model.
	ChargramModelID = "repobutler-chargram-384-v1"
	// HashModelID is a smaller, faster offline model.
	HashModelID = "repobutler-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// Chargram is an offline embedder hashing character trigrams and tokens
// into a 384-dim vector. It needs no external service, which keeps
// semantic recall available when no provider is configured.
type Chargram struct {
	dims int
}

// NewChargram returns the default offline embedder.
func NewChargram() *Chargram {
	return &Chargram{dims: 384}
}

func (e *Chargram) ModelID() string { return ChargramModelID }

func (e *Chargram) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		vec[idx] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		vec[idx] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

func (e *Chargram) Close() error { return nil }

// Hash is a token-hashing embedder producing 256-dim vectors.
type Hash struct {
	dims int
}

// NewHash returns the hash embedder.
func NewHash() *Hash {
	return &Hash{dims: 256}
}

func (e *Hash) ModelID() string { return HashModelID }

func (e *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	normalizeVector(vec)
	return vec, nil
}

func (e *Hash) Close() error { return nil }

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

var (
	_ Embedder = (*Chargram)(nil)
	_ Embedder = (*Hash)(nil)
)
