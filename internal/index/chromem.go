package index

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Chromem is a vector index backed by chromem-go, with one collection per
// user for namespace isolation. It is a drop-in alternative to BruteForce
// when corpora grow past what a flat scan handles comfortably.
type Chromem struct {
	mu          sync.Mutex
	db          *chromem.DB
	collections map[string]*chromem.Collection
	owners      map[int64]string // chunk -> user, for removal
}

// NewChromem returns an empty chromem-backed vector index.
func NewChromem() *Chromem {
	return &Chromem{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		owners:      make(map[int64]string),
	}
}

func (ix *Chromem) collection(userID string) (*chromem.Collection, error) {
	if col, ok := ix.collections[userID]; ok {
		return col, nil
	}
	// Embeddings are supplied by the caller, so no embedding func.
	col, err := ix.db.CreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	ix.collections[userID] = col
	return col, nil
}

// Add stores a chunk's embedding in its user's collection.
func (ix *Chromem) Add(e Entry) error {
	if e.Vector == nil {
		return fmt.Errorf("chunk %d has no vector", e.ChunkID)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	col, err := ix.collection(e.UserID)
	if err != nil {
		return err
	}
	err = col.AddDocument(context.Background(), chromem.Document{
		ID:        strconv.FormatInt(e.ChunkID, 10),
		Content:   e.Lexical,
		Embedding: e.Vector,
		Metadata:  map[string]string{"agent_id": e.AgentID},
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	ix.owners[e.ChunkID] = e.UserID
	return nil
}

// Remove drops a chunk from its user's collection. Unknown IDs are a no-op.
func (ix *Chromem) Remove(chunkID int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	userID, ok := ix.owners[chunkID]
	if !ok {
		return nil
	}
	delete(ix.owners, chunkID)

	col, ok := ix.collections[userID]
	if !ok {
		return nil
	}
	if err := col.Delete(context.Background(), nil, nil, strconv.FormatInt(chunkID, 10)); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Search queries the scope's user collection. Agent visibility is filtered
// after the query since chromem where-clauses cannot express "shared or
// mine".
func (ix *Chromem) Search(scope Scope, vector []float32, limit int) ([]Hit, error) {
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}

	ix.mu.Lock()
	col, ok := ix.collections[scope.UserID]
	ix.mu.Unlock()
	if !ok {
		return nil, nil
	}

	// Over-fetch so post-filtering still fills the limit, and shrink the
	// request when it exceeds the collection size.
	results, err := queryEmbedding(col, vector, limit*2)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, limit)
	for _, res := range results {
		agentID := res.Metadata["agent_id"]
		if scope.AgentID != "" && agentID != "" && agentID != scope.AgentID {
			continue
		}
		chunkID, err := strconv.ParseInt(res.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ChunkID: chunkID, Score: float64(res.Similarity)})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// queryEmbedding clamps the request to the collection size up front;
// chromem rejects nResults larger than the collection.
func queryEmbedding(col *chromem.Collection, vector []float32, n int) ([]chromem.Result, error) {
	if count := col.Count(); n > count {
		n = count
	}
	if n < 1 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(context.Background(), vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	return results, nil
}
