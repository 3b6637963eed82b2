package memory

import (
	"context"
	"math"
	"time"
)

// Entry is one line of the append-only conversational log. Entries without an
// embedding (empty content, or a failed embed) participate in recency recall
// but never in similarity recall.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversational memory for a session.
// Append is the only write; entries are never updated or deleted.
type Store interface {
	Append(ctx context.Context, sessionID, role, content string) error
	FetchRecent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Search(ctx context.Context, sessionID, query string, limit, candidateLimit int) ([]string, error)
	Close() error
}

// Embedder turns text into a vector for similarity recall.
// Empty input yields a nil vector without calling any provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosineSimilarity scores a candidate against the query. Zero-norm vectors
// and length mismatches score 0 so unembedded entries drop out of ranking.
func cosineSimilarity(query, candidate []float32, queryNorm float64) float64 {
	if len(query) == 0 || len(candidate) == 0 || len(query) != len(candidate) {
		return 0
	}
	candidateNorm := vectorNorm(candidate)
	if candidateNorm == 0 || queryNorm == 0 {
		return 0
	}
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(candidate[i])
	}
	return dot / (queryNorm * candidateNorm)
}

// rankCandidates scores candidates newest-first and returns the limit best
// contents in descending score order. Ties keep candidate order, which is
// recency order for every backend. Zero scores mark unembedded or orthogonal
// entries and are dropped; negative scores stay, ranked last, so they can
// still fill an otherwise short result.
func rankCandidates(query []float32, candidates []Entry, limit int) []string {
	queryNorm := vectorNorm(query)
	if queryNorm == 0 || limit <= 0 {
		return nil
	}

	type scored struct {
		score   float64
		content string
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		s := cosineSimilarity(query, c.Embedding, queryNorm)
		if s == 0 {
			continue
		}
		ranked = append(ranked, scored{score: s, content: c.Content})
	}

	// Insertion sort keeps the tie-break stable without a comparator dance.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	if limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]string, 0, limit)
	for _, r := range ranked[:limit] {
		out = append(out, r.content)
	}
	return out
}
