package db

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	texts := []string{"in the beginning", "let there be light", "and it was so"}
	for _, text := range texts {
		if _, err := store.InsertTranscript(ctx, text, "streaming", "s1"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := store.RecentTranscripts(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(got))
	}
	if got[0].Text != "and it was so" {
		t.Errorf("expected newest first, got %q", got[0].Text)
	}
	if got[0].Engine != "streaming" {
		t.Errorf("unexpected engine %q", got[0].Engine)
	}
}

func TestSessionTranscriptsOrderedOldestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertTranscript(ctx, "first", "streaming", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertTranscript(ctx, "other session", "streaming", "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertTranscript(ctx, "second", "batch", "a"); err != nil {
		t.Fatal(err)
	}

	got, err := store.SessionTranscripts(ctx, "a")
	if err != nil {
		t.Fatalf("session transcripts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(got))
	}
	if got[0].Text != "first" || got[1].Text != "second" {
		t.Errorf("unexpected order: %q, %q", got[0].Text, got[1].Text)
	}
}

func TestRecentEmpty(t *testing.T) {
	store := openTestStore(t)

	got, err := store.RecentTranscripts(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no transcripts, got %d", len(got))
	}
}
