package memory

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/margaux/internal/policy"
)

// InMemoryStore keeps the conversational log in process memory, for local/dev
// use and tests. Similarity recall is a brute-force cosine scan over the most
// recent candidateLimit entries, matching the durable backends.
type InMemoryStore struct {
	embedder Embedder

	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewInMemoryStore(embedder Embedder) *InMemoryStore {
	return &InMemoryStore{
		embedder: embedder,
		entries:  make(map[string][]Entry),
	}
}

func (s *InMemoryStore) Append(ctx context.Context, sessionID, role, content string) error {
	content, changed := policy.RedactPII(content)
	if changed {
		log.Printf("memory: redacted PII before append (session=%s)", sessionID)
	}

	entry := Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	if content != "" && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			// Entries without a vector still serve recency recall.
			log.Printf("memory: embed failed, storing without vector: %v", err)
		} else {
			entry.Embedding = vec
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = append(s.entries[sessionID], entry)
	return nil
}

func (s *InMemoryStore) FetchRecent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	arr := s.entries[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Entry, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Search(ctx context.Context, sessionID, query string, limit, candidateLimit int) ([]string, error) {
	if query == "" || limit <= 0 || s.embedder == nil {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	arr := s.entries[sessionID]
	if candidateLimit <= 0 || candidateLimit > len(arr) {
		candidateLimit = len(arr)
	}
	// Newest first, so ties break toward recency.
	candidates := make([]Entry, 0, candidateLimit)
	for i := len(arr) - 1; i >= len(arr)-candidateLimit; i-- {
		candidates = append(candidates, arr[i])
	}
	s.mu.RUnlock()

	return rankCandidates(vec, candidates, limit), nil
}

func (s *InMemoryStore) Close() error { return nil }
