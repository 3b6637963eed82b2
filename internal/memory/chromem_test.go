package memory

import (
	"context"
	"fmt"
	"testing"
)

func TestChromemAppendAndSearch(t *testing.T) {
	s, err := NewChromemStore("", NewHashEmbedder(32))
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}
	ctx := context.Background()

	for _, c := range []string{"the cat sat on the mat", "trains run on line L", "stock prices move"} {
		if err := s.Append(ctx, "sess", "user", c); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	// The hash embedder only matches identical text, which is enough to
	// verify the query path end to end.
	got, err := s.Search(ctx, "sess", "trains run on line L", 1, 200)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0] != "trains run on line L" {
		t.Fatalf("Search() = %v, want the exact match first", got)
	}
}

func TestChromemSearchUnknownSession(t *testing.T) {
	s, err := NewChromemStore("", NewHashEmbedder(32))
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}
	got, err := s.Search(context.Background(), "nope", "anything", 5, 200)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results for unknown session, got %v", got)
	}
}

func TestChromemSearchHonorsCandidateWindow(t *testing.T) {
	emb := &plantedEmbedder{vectors: map[string][]float32{
		"query": {1, 0, 0},
		"old":   {1, 0, 0},
	}}
	s, err := NewChromemStore("", emb)
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}
	ctx := context.Background()
	_ = s.Append(ctx, "sess", "user", "old")
	for i := 0; i < 3; i++ {
		_ = s.Append(ctx, "sess", "user", fmt.Sprintf("filler %d", i))
	}

	// Only the 3 newest entries are candidates; the perfect match is
	// outside the window and must not surface.
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

func TestChromemFetchRecentOrder(t *testing.T) {
	s, err := NewChromemStore("", NewHashEmbedder(32))
	if err != nil {
		t.Fatalf("NewChromemStore() error = %v", err)
	}
	ctx := context.Background()
	_ = s.Append(ctx, "sess", "user", "first")
	_ = s.Append(ctx, "sess", "assistant", "second")

	got, err := s.FetchRecent(ctx, "sess", 10)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "first" || got[1].Content != "second" {
		t.Fatalf("FetchRecent() order wrong: %+v", got)
	}
}
