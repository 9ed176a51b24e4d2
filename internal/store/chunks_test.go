package store

import (
	"fmt"
	"testing"
)

func seedChunks(t *testing.T, db *DB, n int) []Chunk {
	t.Helper()
	chunks := make([]NewChunk, n)
	for i := range chunks {
		chunks[i] = NewChunk{Index: i, Content: fmt.Sprintf("chunk %d", i), Lexical: fmt.Sprintf("chunk %d", i)}
	}
	_, _, inserted, err := db.UpsertDocument(Identity{UserID: "alice", DocType: DocTypeMemory}, "content", nil, chunks, 1000)
	if err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	return inserted
}

func TestPendingEmbeddingsOrder(t *testing.T) {
	db := testDB(t)
	inserted := seedChunks(t, db, 3)

	pending, err := db.PendingEmbeddings(10, 2000, 0)
	if err != nil {
		t.Fatalf("PendingEmbeddings: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	// Oldest first; same created_at falls back to id order
	for i, c := range pending {
		if c.ID != inserted[i].ID {
			t.Errorf("pending[%d].ID = %d, want %d", i, c.ID, inserted[i].ID)
		}
	}

	// Embedded chunks leave the backlog
	if _, err := db.CompleteChunk(inserted[0].ID, []float32{1, 2, 3}); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}
	pending, err = db.PendingEmbeddings(10, 2000, 0)
	if err != nil {
		t.Fatalf("PendingEmbeddings: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending after complete = %d, want 2", len(pending))
	}
}

func TestClaimChunkExclusive(t *testing.T) {
	db := testDB(t)
	inserted := seedChunks(t, db, 1)
	id := inserted[0].ID

	ok, err := db.ClaimChunk(id, "worker-a", 5000, 2000, 0)
	if err != nil {
		t.Fatalf("ClaimChunk a: %v", err)
	}
	if !ok {
		t.Fatal("first claim should win")
	}

	// Second claimer loses while the lease is live
	ok, err = db.ClaimChunk(id, "worker-b", 5000, 2000, 0)
	if err != nil {
		t.Fatalf("ClaimChunk b: %v", err)
	}
	if ok {
		t.Error("second claim should lose against a live lease")
	}

	// Claimed chunks are hidden from the pending view
	pending, err := db.PendingEmbeddings(10, 2000, 0)
	if err != nil {
		t.Fatalf("PendingEmbeddings: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending during lease = %d, want 0", len(pending))
	}
}

func TestClaimChunkExpiredLease(t *testing.T) {
	db := testDB(t)
	inserted := seedChunks(t, db, 1)
	id := inserted[0].ID

	if ok, _ := db.ClaimChunk(id, "worker-a", 5000, 2000, 0); !ok {
		t.Fatal("initial claim failed")
	}

	// Lease deadline passed but still inside grace: not reclaimable
	ok, err := db.ClaimChunk(id, "worker-b", 40000, 6000, 30000)
	if err != nil {
		t.Fatalf("ClaimChunk in grace: %v", err)
	}
	if ok {
		t.Error("claim inside grace window should lose")
	}

	// Past deadline + grace: reclaimable
	ok, err = db.ClaimChunk(id, "worker-b", 70000, 35001, 30000)
	if err != nil {
		t.Fatalf("ClaimChunk after grace: %v", err)
	}
	if !ok {
		t.Error("claim after lease + grace should win")
	}
}

func TestCompleteChunkIdempotent(t *testing.T) {
	db := testDB(t)
	inserted := seedChunks(t, db, 1)
	id := inserted[0].ID

	vec := []float32{0.5, -1.25, 3}
	ok, err := db.CompleteChunk(id, vec)
	if err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}
	if !ok {
		t.Fatal("first complete should land")
	}

	// Duplicate delivery from an expired lease is a no-op
	ok, err = db.CompleteChunk(id, []float32{9, 9, 9})
	if err != nil {
		t.Fatalf("second CompleteChunk: %v", err)
	}
	if ok {
		t.Error("second complete should be a no-op")
	}

	chunks, err := db.GetChunksByIDs([]int64{id})
	if err != nil {
		t.Fatalf("GetChunksByIDs: %v", err)
	}
	got := chunks[id].Embedding
	if len(got) != 3 || got[0] != 0.5 || got[1] != -1.25 || got[2] != 3 {
		t.Errorf("embedding = %v, want %v", got, vec)
	}
}

func TestFailChunkReleasesLease(t *testing.T) {
	db := testDB(t)
	inserted := seedChunks(t, db, 1)
	id := inserted[0].ID

	if ok, _ := db.ClaimChunk(id, "worker-a", 5000, 2000, 0); !ok {
		t.Fatal("claim failed")
	}
	if err := db.FailChunk(id, "worker-a"); err != nil {
		t.Fatalf("FailChunk: %v", err)
	}

	// Immediately reclaimable
	ok, err := db.ClaimChunk(id, "worker-b", 5000, 2000, 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !ok {
		t.Error("chunk should be reclaimable after failure release")
	}

	// Wrong token does not release
	if err := db.FailChunk(id, "worker-a"); err != nil {
		t.Fatalf("FailChunk wrong token: %v", err)
	}
	ok, err = db.ClaimChunk(id, "worker-c", 5000, 2000, 0)
	if err != nil {
		t.Fatalf("claim after wrong-token release: %v", err)
	}
	if ok {
		t.Error("wrong token must not release another worker's lease")
	}
}

func TestCountPendingEmbeddings(t *testing.T) {
	db := testDB(t)
	inserted := seedChunks(t, db, 4)

	n, err := db.CountPendingEmbeddings()
	if err != nil {
		t.Fatalf("CountPendingEmbeddings: %v", err)
	}
	if n != 4 {
		t.Errorf("pending = %d, want 4", n)
	}

	db.CompleteChunk(inserted[0].ID, []float32{1})
	db.CompleteChunk(inserted[1].ID, []float32{1})

	n, err = db.CountPendingEmbeddings()
	if err != nil {
		t.Fatalf("CountPendingEmbeddings: %v", err)
	}
	if n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func TestAllIndexedChunks(t *testing.T) {
	db := testDB(t)
	inserted := seedChunks(t, db, 2)
	db.CompleteChunk(inserted[0].ID, []float32{1, 2})

	// A second user's doc
	_, _, _, err := db.UpsertDocument(Identity{UserID: "bob", AgentID: "helper", DocType: DocTypeMemory}, "bob stuff", nil, []NewChunk{
		{Index: 0, Content: "bob stuff", Lexical: "bob stuff"},
	}, 1000)
	if err != nil {
		t.Fatalf("upsert bob: %v", err)
	}

	all, err := db.AllIndexedChunks()
	if err != nil {
		t.Fatalf("AllIndexedChunks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("indexed chunks = %d, want 3", len(all))
	}

	byUser := map[string]int{}
	for _, ic := range all {
		byUser[ic.UserID]++
		if ic.UserID == "bob" && ic.AgentID != "helper" {
			t.Errorf("bob's chunk agent = %q, want helper", ic.AgentID)
		}
	}
	if byUser["alice"] != 2 || byUser["bob"] != 1 {
		t.Errorf("chunks per user = %v", byUser)
	}

	// Embeddings ride along
	var withVec int
	for _, ic := range all {
		if ic.Embedding != nil {
			withVec++
		}
	}
	if withVec != 1 {
		t.Errorf("chunks with embeddings = %d, want 1", withVec)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0, 1.5, -2.25, 1e-7}
	got := decodeVector(encodeVector(vec))
	if len(got) != len(vec) {
		t.Fatalf("decoded length = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("vec[%d] = %v, want %v", i, got[i], vec[i])
		}
	}
	if decodeVector(nil) != nil {
		t.Error("decode nil should be nil")
	}
}
