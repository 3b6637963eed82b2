package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/antoniostano/margaux/internal/policy"
)

// ChromemStore backs similarity recall with chromem-go, a pure Go embedded
// vector database, one collection per session. Vectors survive restarts when
// a persistence path is configured; the recency log is process-local since
// chromem has no ordered scan. The log doubles as the similarity candidate
// window, so live searches score only the candidateLimit newest entries like
// the other backends; the collection is queried directly only after a
// restart, when the log has not been rebuilt yet.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	recents     map[string][]Entry
}

func NewChromemStore(path string, embedder Embedder) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemStore{
		db:          db,
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
		recents:     make(map[string][]Entry),
	}, nil
}

func (s *ChromemStore) collection(sessionID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[sessionID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[sessionID]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection("session_"+sessionID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[sessionID] = col
	return col, nil
}

func (s *ChromemStore) Append(ctx context.Context, sessionID, role, content string) error {
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
			log.Printf("memory: embed failed, storing without vector: %v", err)
		} else {
			entry.Embedding = vec
		}
	}

	if len(entry.Embedding) > 0 {
		col, err := s.collection(sessionID)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        entry.ID,
			Content:   entry.Content,
			Embedding: entry.Embedding,
			Metadata: map[string]string{
				"role":       entry.Role,
				"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recents[sessionID] = append(s.recents[sessionID], entry)
	return nil
}

func (s *ChromemStore) FetchRecent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	arr := s.recents[sessionID]
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

func (s *ChromemStore) Search(ctx context.Context, sessionID, query string, limit, candidateLimit int) ([]string, error) {
	if query == "" || limit <= 0 || s.embedder == nil {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if vectorNorm(vec) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	arr := s.recents[sessionID]
	window := candidateLimit
	if window <= 0 || window > len(arr) {
		window = len(arr)
	}
	// Newest first, so ties break toward recency.
	candidates := make([]Entry, 0, window)
	for i := len(arr) - 1; i >= len(arr)-window; i-- {
		candidates = append(candidates, arr[i])
	}
	s.mu.RUnlock()

	if len(candidates) > 0 {
		return rankCandidates(vec, candidates, limit), nil
	}

	// Cold start: the in-process log is empty but persisted vectors may not
	// be. The recency window cannot be reconstructed here, so the whole
	// collection is fair game.
	col, err := s.collection(sessionID)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if candidateLimit > 0 && n > candidateLimit {
		n = candidateLimit
	}
	if n > limit {
		n = limit
	}

	results, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Similarity == 0 {
			continue
		}
		out = append(out, r.Content)
	}
	return out, nil
}

func (s *ChromemStore) Close() error { return nil }
