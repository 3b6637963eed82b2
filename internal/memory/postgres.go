package memory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/margaux/internal/policy"
)

// PostgresStore persists the conversational log in PostgreSQL. Embeddings are
// stored as float arrays; similarity search fetches the candidateLimit most
// recent embedded rows and scores them in process, keeping the same
// O(candidateLimit) contract as the in-memory backend.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

func NewPostgresStore(ctx context.Context, databaseURL string, embedder Embedder) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, embedder: embedder}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding REAL[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_session_created ON memories (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID, role, content string) error {
	content, changed := policy.RedactPII(content)
	if changed {
		log.Printf("memory: redacted PII before append (session=%s)", sessionID)
	}

	var embedding []float32
	if content != "" && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			log.Printf("memory: embed failed, storing without vector: %v", err)
		} else {
			embedding = vec
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, session_id, role, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(),
		sessionID,
		role,
		content,
		embedding,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchRecent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM memories WHERE session_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent memories: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Search(ctx context.Context, sessionID, query string, limit, candidateLimit int) ([]string, error) {
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
	if candidateLimit <= 0 {
		candidateLimit = 200
	}

	rows, err := s.pool.Query(ctx,
		`SELECT content, embedding
		 FROM memories WHERE session_id=$1 AND embedding IS NOT NULL
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		sessionID,
		candidateLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query memory candidates: %w", err)
	}
	defer rows.Close()

	candidates := make([]Entry, 0, candidateLimit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Content, &e.Embedding); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate rows: %w", err)
	}

	return rankCandidates(vec, candidates, limit), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
