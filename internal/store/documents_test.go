package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func TestUpsertDocumentCreate(t *testing.T) {
	db := testDB(t)

	id := Identity{UserID: "alice", DocType: DocTypeMemory}
	doc, removed, inserted, err := db.UpsertDocument(id, "hello world", nil, []NewChunk{
		{Index: 0, Content: "hello world", Lexical: "hello world"},
	}, 1000)
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if doc.ID == "" {
		t.Error("expected non-empty document ID")
	}
	if len(removed) != 0 {
		t.Errorf("removed = %d chunks, want 0 on create", len(removed))
	}
	if len(inserted) != 1 {
		t.Fatalf("inserted = %d chunks, want 1", len(inserted))
	}
	if inserted[0].ID == 0 {
		t.Error("expected non-zero chunk ID")
	}
	if doc.CreatedAt != 1000 || doc.UpdatedAt != 1000 {
		t.Errorf("timestamps = %d/%d, want 1000/1000", doc.CreatedAt, doc.UpdatedAt)
	}
}

func TestUpsertDocumentReplace(t *testing.T) {
	db := testDB(t)

	id := Identity{UserID: "alice", DocType: DocTypeMemory}
	first, _, firstChunks, err := db.UpsertDocument(id, "old old old", nil, []NewChunk{
		{Index: 0, Content: "old old", Lexical: "old old"},
		{Index: 1, Content: "old", Lexical: "old"},
	}, 1000)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second, removed, inserted, err := db.UpsertDocument(id, "new content", nil, []NewChunk{
		{Index: 0, Content: "new content", Lexical: "new content"},
	}, 2000)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("document ID changed on upsert: %q -> %q", first.ID, second.ID)
	}
	if second.CreatedAt != 1000 {
		t.Errorf("CreatedAt = %d, want original 1000", second.CreatedAt)
	}
	if second.UpdatedAt != 2000 {
		t.Errorf("UpdatedAt = %d, want 2000", second.UpdatedAt)
	}
	if len(removed) != len(firstChunks) {
		t.Errorf("removed = %d chunks, want %d", len(removed), len(firstChunks))
	}
	if len(inserted) != 1 {
		t.Fatalf("inserted = %d chunks, want 1", len(inserted))
	}

	// Old chunk set fully replaced
	chunks, err := db.ChunksForDocument(first.ID)
	if err != nil {
		t.Fatalf("ChunksForDocument: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "new content" {
		t.Errorf("chunks = %+v, want single new chunk", chunks)
	}
}

func TestGetDocumentIdentity(t *testing.T) {
	db := testDB(t)

	// Shared and agent-scoped docs of the same type are distinct
	shared := Identity{UserID: "alice", DocType: DocTypeMemory}
	scoped := Identity{UserID: "alice", AgentID: "helper", DocType: DocTypeMemory}
	if _, _, _, err := db.UpsertDocument(shared, "shared", nil, nil, 1000); err != nil {
		t.Fatalf("upsert shared: %v", err)
	}
	if _, _, _, err := db.UpsertDocument(scoped, "scoped", nil, nil, 1000); err != nil {
		t.Fatalf("upsert scoped: %v", err)
	}

	got, err := db.GetDocument(shared)
	if err != nil {
		t.Fatalf("GetDocument shared: %v", err)
	}
	if got == nil || got.Content != "shared" {
		t.Errorf("shared lookup = %+v, want content %q", got, "shared")
	}

	got, err = db.GetDocument(scoped)
	if err != nil {
		t.Fatalf("GetDocument scoped: %v", err)
	}
	if got == nil || got.Content != "scoped" {
		t.Errorf("scoped lookup = %+v, want content %q", got, "scoped")
	}

	// Not found
	got, err = db.GetDocument(Identity{UserID: "bob", DocType: DocTypeMemory})
	if err != nil {
		t.Fatalf("GetDocument missing: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing document, got %+v", got)
	}
}

func TestDailyLogIdentity(t *testing.T) {
	db := testDB(t)

	// Title required
	_, _, _, err := db.UpsertDocument(Identity{UserID: "alice", DocType: DocTypeDailyLog}, "x", nil, nil, 1000)
	if err == nil {
		t.Error("expected error for daily_log without title")
	}

	// Distinct titles coexist
	for _, title := range []string{"2026-08-29", "2026-08-30"} {
		id := Identity{UserID: "alice", DocType: DocTypeDailyLog, Title: title}
		if _, _, _, err := db.UpsertDocument(id, "entry", nil, nil, 1000); err != nil {
			t.Fatalf("upsert %s: %v", title, err)
		}
	}

	docs, err := db.ListDocuments("alice")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("documents = %d, want 2", len(docs))
	}
}

func TestDocumentMetadata(t *testing.T) {
	db := testDB(t)

	id := Identity{UserID: "alice", DocType: DocTypeIdentity}
	meta := map[string]string{"source": "import", "lang": "en"}
	if _, _, _, err := db.UpsertDocument(id, "I am Recall", meta, nil, 1000); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	got, err := db.GetDocument(id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Metadata["source"] != "import" || got.Metadata["lang"] != "en" {
		t.Errorf("metadata = %+v, want %+v", got.Metadata, meta)
	}
}

func TestDeleteDocument(t *testing.T) {
	db := testDB(t)

	id := Identity{UserID: "alice", DocType: DocTypeMemory}
	doc, _, inserted, err := db.UpsertDocument(id, "a b c", nil, []NewChunk{
		{Index: 0, Content: "a b", Lexical: "a b"},
		{Index: 1, Content: "c", Lexical: "c"},
	}, 1000)
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	removed, err := db.DeleteDocument(id)
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if len(removed) != len(inserted) {
		t.Errorf("removed = %d chunk ids, want %d", len(removed), len(inserted))
	}

	got, err := db.GetDocument(id)
	if err != nil {
		t.Fatalf("GetDocument after delete: %v", err)
	}
	if got != nil {
		t.Error("document still present after delete")
	}
	chunks, err := db.ChunksForDocument(doc.ID)
	if err != nil {
		t.Fatalf("ChunksForDocument: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks after delete = %d, want 0", len(chunks))
	}

	// Idempotent
	removed, err = db.DeleteDocument(id)
	if err != nil {
		t.Fatalf("second DeleteDocument: %v", err)
	}
	if removed != nil {
		t.Errorf("second delete removed = %v, want nil", removed)
	}
}

func TestGetDocumentsByIDs(t *testing.T) {
	db := testDB(t)

	a, _, _, err := db.UpsertDocument(Identity{UserID: "alice", DocType: DocTypeMemory}, "a", nil, nil, 1000)
	if err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	b, _, _, err := db.UpsertDocument(Identity{UserID: "alice", DocType: DocTypeSoul}, "b", nil, nil, 1000)
	if err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	docs, err := db.GetDocumentsByIDs([]string{a.ID, b.ID, "missing"})
	if err != nil {
		t.Fatalf("GetDocumentsByIDs: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("documents = %d, want 2", len(docs))
	}
	if docs[a.ID].Content != "a" || docs[b.ID].Content != "b" {
		t.Errorf("unexpected contents: %+v", docs)
	}
}

func TestParseDocType(t *testing.T) {
	for _, s := range []string{"memory", "daily_log", "identity", "soul", "agents", "user", "heartbeat"} {
		if _, err := ParseDocType(s); err != nil {
			t.Errorf("ParseDocType(%q): %v", s, err)
		}
	}
	if _, err := ParseDocType("journal"); err == nil {
		t.Error("expected error for unknown doc type")
	}
	if DocTypeDailyLog.Singleton() {
		t.Error("daily_log should not be a singleton")
	}
	if !DocTypeMemory.Singleton() {
		t.Error("memory should be a singleton")
	}
}

func TestDeleteDocumentRemovesChunksOnPooledConnections(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "recall.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Force the pool to grow past the connection that ran the
	// migrations, so the delete lands on a fresh connection.
	ctx := context.Background()
	var conns []*sql.Conn
	for i := 0; i < 4; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn: %v", err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		c.Close()
	}

	id := Identity{UserID: "alice", DocType: DocTypeMemory}
	_, _, inserted, err := db.UpsertDocument(id, "alpha beta", nil, []NewChunk{
		{Index: 0, Content: "alpha", Lexical: "alpha"},
		{Index: 1, Content: "beta", Lexical: "beta"},
	}, 1000)
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	removed, err := db.DeleteDocument(id)
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if len(removed) != len(inserted) {
		t.Errorf("removed = %d chunk ids, want %d", len(removed), len(inserted))
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if n != 0 {
		t.Errorf("chunks after delete = %d, want 0", n)
	}

	pending, err := db.PendingEmbeddings(10, 2000, 0)
	if err != nil {
		t.Fatalf("PendingEmbeddings: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("backlog after delete = %d chunks, want 0", len(pending))
	}
}
