package memory

import (
	"context"
	"strings"
)

// NewStore picks a backend: postgres when DATABASE_URL is configured, chromem
// when a chromem path is, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL, chromemPath string, embedder Embedder) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL, embedder)
	}
	if strings.TrimSpace(chromemPath) != "" {
		return NewChromemStore(chromemPath, embedder)
	}
	return NewInMemoryStore(embedder), nil
}
