package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// planted embedder returns fixed vectors per text so similarity ordering is
// controlled by the test.
type plantedEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e *plantedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if text == "" {
		return nil, nil
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0}, nil
}

func TestFetchRecentOrderAndLimit(t *testing.T) {
	s := NewInMemoryStore(NewHashEmbedder(16))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, "sess", "user", fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.FetchRecent(ctx, "sess", 3)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("FetchRecent() len = %d, want 3", len(got))
	}
	for i, want := range []string{"message 2", "message 3", "message 4"} {
		if got[i].Content != want {
			t.Fatalf("entry %d = %q, want %q (chronological order)", i, got[i].Content, want)
		}
	}
}

func TestFetchRecentScopedBySession(t *testing.T) {
	s := NewInMemoryStore(NewHashEmbedder(16))
	ctx := context.Background()
	_ = s.Append(ctx, "a", "user", "for a")
	_ = s.Append(ctx, "b", "user", "for b")

	got, err := s.FetchRecent(ctx, "a", 10)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "for a" {
		t.Fatalf("session scoping broken: %+v", got)
	}
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	emb := &plantedEmbedder{vectors: map[string][]float32{
		"query":    {1, 0, 0},
		"close":    {0.9, 0.1, 0},
		"closer":   {1, 0.01, 0},
		"far":      {0, 1, 0},
		"opposite": {-1, 0, 0},
	}}
	s := NewInMemoryStore(emb)
	ctx := context.Background()
	for _, c := range []string{"far", "close", "closer", "opposite"} {
		if err := s.Append(ctx, "sess", "user", c); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Search(ctx, "sess", "query", 2, 200)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Search() len = %d, want 2", len(got))
	}
	if got[0] != "closer" || got[1] != "close" {
		t.Fatalf("Search() order = %v, want [closer close]", got)
	}
}

func TestSearchKeepsNegativeScoresToFillLimit(t *testing.T) {
	emb := &plantedEmbedder{vectors: map[string][]float32{
		"query":      {1, 0, 0},
		"close":      {0.9, 0.1, 0},
		"orthogonal": {0, 1, 0},
		"opposite":   {-1, 0, 0},
	}}
	s := NewInMemoryStore(emb)
	ctx := context.Background()
	for _, c := range []string{"opposite", "orthogonal", "close"} {
		if err := s.Append(ctx, "sess", "user", c); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Search(ctx, "sess", "query", 2, 200)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	// The orthogonal entry scores zero and drops out; the opposite entry
	// still ranks, below the positive match.
	if len(got) != 2 || got[0] != "close" || got[1] != "opposite" {
		t.Fatalf("Search() = %v, want [close opposite]", got)
	}
}

func TestSearchNeverExceedsLimit(t *testing.T) {
	s := NewInMemoryStore(NewHashEmbedder(16))
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_ = s.Append(ctx, "sess", "user", fmt.Sprintf("entry %d", i))
	}

	got, err := s.Search(ctx, "sess", "entry 7", 4, 200)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) > 4 {
		t.Fatalf("Search() returned %d entries, limit was 4", len(got))
	}
}

func TestSearchHonorsCandidateLimit(t *testing.T) {
	emb := &plantedEmbedder{vectors: map[string][]float32{
		"query": {1, 0, 0},
		"old":   {1, 0, 0},
	}}
	s := NewInMemoryStore(emb)
	ctx := context.Background()
	_ = s.Append(ctx, "sess", "user", "old")
	for i := 0; i < 3; i++ {
		_ = s.Append(ctx, "sess", "user", fmt.Sprintf("filler %d", i))
	}

	// Only the 3 newest entries are candidates; "old" is outside the window.
	got, err := s.Search(ctx, "sess", "query", 5, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, c := range got {
		if c == "old" {
			t.Fatalf("candidate window ignored: got %v", got)
		}
	}
}

func TestEmptyContentExcludedFromSimilarity(t *testing.T) {
	s := NewInMemoryStore(NewHashEmbedder(16))
	ctx := context.Background()
	if err := s.Append(ctx, "sess", "user", ""); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	recent, err := s.FetchRecent(ctx, "sess", 10)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("empty entry should still appear in recency recall")
	}
	if len(recent[0].Embedding) != 0 {
		t.Fatalf("empty entry should carry no vector")
	}

	got, err := s.Search(ctx, "sess", "anything", 5, 200)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unembedded entries must not rank: %v", got)
	}
}

func TestAppendSurvivesEmbedFailure(t *testing.T) {
	s := NewInMemoryStore(&plantedEmbedder{err: errors.New("provider down")})
	ctx := context.Background()
	if err := s.Append(ctx, "sess", "user", "hello"); err != nil {
		t.Fatalf("Append() should soft-fail on embed error, got %v", err)
	}
	recent, _ := s.FetchRecent(ctx, "sess", 1)
	if len(recent) != 1 || len(recent[0].Embedding) != 0 {
		t.Fatalf("entry should be logged without a vector: %+v", recent)
	}
}

func TestSearchPropagatesQueryEmbedError(t *testing.T) {
	emb := &plantedEmbedder{vectors: map[string][]float32{}}
	s := NewInMemoryStore(emb)
	_ = s.Append(context.Background(), "sess", "user", "hello")

	emb.err = errors.New("provider down")
	if _, err := s.Search(context.Background(), "sess", "hello", 5, 200); err == nil {
		t.Fatalf("expected query embed error to propagate")
	}
}

func TestAppendRedactsPII(t *testing.T) {
	s := NewInMemoryStore(NewHashEmbedder(16))
	ctx := context.Background()
	if err := s.Append(ctx, "sess", "user", "mail me at jane@example.com"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	recent, _ := s.FetchRecent(ctx, "sess", 1)
	if len(recent) != 1 {
		t.Fatalf("entry missing")
	}
	if recent[0].Content == "mail me at jane@example.com" {
		t.Fatalf("email should have been redacted before append")
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	a, err := e.Embed(context.Background(), "same text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, _ := e.Embed(context.Background(), "same text")
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("unexpected dimensions: %d/%d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("hash embedder not deterministic at %d", i)
		}
	}
	if v, _ := e.Embed(context.Background(), ""); v != nil {
		t.Fatalf("empty input should yield nil vector")
	}
}
