package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e, err := New(db, index.NewBruteForce())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetEmbedder(NewMockEmbedder(8))
	return e
}

func TestPutDocumentIndexesChunks(t *testing.T) {
	e := testEngine(t)

	id := store.Identity{UserID: "alice", DocType: store.DocTypeMemory}
	doc, err := e.PutDocument(id, "prefers dark roast espresso in the morning", nil)
	if err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("expected document ID")
	}
	if e.Index.Len() != 1 {
		t.Errorf("index len = %d, want 1", e.Index.Len())
	}

	hits := e.Index.SearchLexical(index.Scope{UserID: "alice"}, "espresso", 10)
	if len(hits) != 1 {
		t.Errorf("lexical hits = %d, want 1", len(hits))
	}
}

func TestPutDocumentReplacesIndexEntries(t *testing.T) {
	e := testEngine(t)
	id := store.Identity{UserID: "alice", DocType: store.DocTypeMemory}

	if _, err := e.PutDocument(id, "old espresso note", nil); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := e.PutDocument(id, "fresh matcha note", nil); err != nil {
		t.Fatalf("second put: %v", err)
	}

	scope := index.Scope{UserID: "alice"}
	if hits := e.Index.SearchLexical(scope, "espresso", 10); len(hits) != 0 {
		t.Errorf("stale chunks still indexed: %v", hits)
	}
	if hits := e.Index.SearchLexical(scope, "matcha", 10); len(hits) != 1 {
		t.Errorf("matcha hits = %d, want 1", len(hits))
	}
	if e.Index.Len() != 1 {
		t.Errorf("index len = %d, want 1", e.Index.Len())
	}
}

func TestDeleteDocumentDropsIndexEntries(t *testing.T) {
	e := testEngine(t)
	id := store.Identity{UserID: "alice", DocType: store.DocTypeMemory}

	if _, err := e.PutDocument(id, "a note to delete", nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.DeleteDocument(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if e.Index.Len() != 0 {
		t.Errorf("index len = %d, want 0", e.Index.Len())
	}

	// Idempotent
	if err := e.DeleteDocument(id); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestBuildIndexes(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Write through one engine, rebuild in a fresh one over the same DB.
	first, err := New(db, index.NewBruteForce())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first.SetEmbedder(NewMockEmbedder(8))
	if _, err := first.PutDocument(store.Identity{UserID: "alice", DocType: store.DocTypeMemory}, "remember the harbor trip", nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := NewBacklog(first).ProcessOnce(context.Background()); err != nil {
		t.Fatalf("backlog: %v", err)
	}

	second, err := New(db, index.NewBruteForce())
	if err != nil {
		t.Fatalf("New second: %v", err)
	}
	second.SetEmbedder(NewMockEmbedder(8))
	if err := second.BuildIndexes(); err != nil {
		t.Fatalf("BuildIndexes: %v", err)
	}

	scope := index.Scope{UserID: "alice"}
	if hits := second.Index.SearchLexical(scope, "harbor", 10); len(hits) != 1 {
		t.Errorf("rebuilt lexical hits = %d, want 1", len(hits))
	}
	vec, _ := second.Embedder.Embed(context.Background(), "remember the harbor trip")
	vhits, err := second.Index.SearchVector(scope, vec, 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(vhits) != 1 {
		t.Errorf("rebuilt vector hits = %d, want 1", len(vhits))
	}
}

func TestAppendMemory(t *testing.T) {
	e := testEngine(t)

	if _, err := e.AppendMemory("alice", "", "first fact"); err != nil {
		t.Fatalf("first append: %v", err)
	}
	doc, err := e.AppendMemory("alice", "", "second fact")
	if err != nil {
		t.Fatalf("second append: %v", err)
	}

	if doc.Content != "first fact\n\nsecond fact" {
		t.Errorf("content = %q", doc.Content)
	}

	if _, err := e.AppendMemory("alice", "", "   "); err == nil {
		t.Error("expected error appending blank text")
	}
}

func TestAppendDailyLog(t *testing.T) {
	e := testEngine(t)

	if _, err := e.AppendDailyLog("alice", "", "2026-08-30", "shipped the release"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := e.AppendDailyLog("alice", "", "2026-08-29", "prepped the release"); err != nil {
		t.Fatalf("append other day: %v", err)
	}

	docs, err := e.ListDocuments("alice")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("documents = %d, want one per day", len(docs))
	}
}

func TestIdentityPrompt(t *testing.T) {
	e := testEngine(t)

	put := func(id store.Identity, content string) {
		t.Helper()
		if _, err := e.PutDocument(id, content, nil); err != nil {
			t.Fatalf("put %v: %v", id, err)
		}
	}
	put(store.Identity{UserID: "alice", DocType: store.DocTypeSoul}, "Be kind.")
	put(store.Identity{UserID: "alice", DocType: store.DocTypeIdentity}, "I am Pip.")
	put(store.Identity{UserID: "alice", AgentID: "helper", DocType: store.DocTypeIdentity}, "I am Helper.")

	// Agent-scoped identity shadows the shared one; soul falls through.
	prompt, err := e.IdentityPrompt("alice", "helper")
	if err != nil {
		t.Fatalf("IdentityPrompt: %v", err)
	}
	if !strings.Contains(prompt, "I am Helper.") || strings.Contains(prompt, "I am Pip.") {
		t.Errorf("prompt = %q, want helper identity only", prompt)
	}
	if !strings.Contains(prompt, "Be kind.") {
		t.Errorf("prompt = %q, want shared soul included", prompt)
	}
	if strings.Index(prompt, "I am Helper.") > strings.Index(prompt, "Be kind.") {
		t.Error("identity should precede soul")
	}

	// No documents at all: empty prompt, no error
	prompt, err = e.IdentityPrompt("bob", "")
	if err != nil {
		t.Fatalf("IdentityPrompt empty: %v", err)
	}
	if prompt != "" {
		t.Errorf("prompt = %q, want empty", prompt)
	}
}

func TestStats(t *testing.T) {
	e := testEngine(t)

	if _, err := e.PutDocument(store.Identity{UserID: "alice", DocType: store.DocTypeMemory}, "one note", nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	s, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Documents != 1 || s.Chunks != 1 || s.PendingEmbedding != 1 {
		t.Errorf("stats = %+v, want 1/1/1", s)
	}

	if _, err := NewBacklog(e).ProcessOnce(context.Background()); err != nil {
		t.Fatalf("backlog: %v", err)
	}
	s, err = e.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.PendingEmbedding != 0 {
		t.Errorf("pending = %d, want 0 after backlog drain", s.PendingEmbedding)
	}
}

func TestConcurrentAppendsKeepEveryEntry(t *testing.T) {
	e := testEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := e.AppendMemory("alice", "", fmt.Sprintf("entry %d", n)); err != nil {
				t.Errorf("AppendMemory: %v", err)
			}
		}(i)
	}
	wg.Wait()

	doc, err := e.GetDocument(store.Identity{UserID: "alice", DocType: store.DocTypeMemory})
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc == nil {
		t.Fatal("memory document missing")
	}
	for i := 0; i < 8; i++ {
		want := fmt.Sprintf("entry %d", i)
		if !strings.Contains(doc.Content, want) {
			t.Errorf("content lost %q", want)
		}
	}
}
