// Package index maintains the in-memory retrieval indexes over chunks: a
// lexical inverted index and a vector index, combined behind Dual. The
// SQLite store is the source of truth; indexes are rebuilt from it at
// startup and kept current on writes.
package index

import (
	"fmt"
	"sync"
)

// Entry is a chunk as the indexes see it.
type Entry struct {
	ChunkID    int64
	DocumentID string
	UserID     string
	AgentID    string // "" means shared across the user's agents
	Lexical    string
	Vector     []float32 // nil until embedded
	CreatedAt  int64
}

// Hit is one scored result from a sub-index.
type Hit struct {
	ChunkID int64
	Score   float64
}

// Scope restricts a search to one user, optionally to one agent's view.
// An agent sees its own documents plus the user's shared ones; an empty
// AgentID sees everything the user owns.
type Scope struct {
	UserID  string
	AgentID string
}

func (s Scope) visible(e Entry) bool {
	if e.UserID != s.UserID {
		return false
	}
	return s.AgentID == "" || e.AgentID == "" || e.AgentID == s.AgentID
}

// VectorIndex searches embeddings by cosine similarity.
type VectorIndex interface {
	Add(e Entry) error
	Remove(chunkID int64) error
	Search(scope Scope, vector []float32, limit int) ([]Hit, error)
}

// Dual combines the lexical and vector indexes and owns the per-chunk
// metadata both need for scope filtering and tie-breaking.
type Dual struct {
	mu      sync.RWMutex
	entries map[int64]Entry
	lexical *Lexical
	vector  VectorIndex
}

// NewDual returns an empty dual index over the given vector backend.
func NewDual(vector VectorIndex) *Dual {
	return &Dual{
		entries: make(map[int64]Entry),
		lexical: NewLexical(),
		vector:  vector,
	}
}

// Add indexes a chunk. The vector side is only touched when the entry
// already carries an embedding; SetVector handles the usual late arrival.
func (d *Dual) Add(e Entry) error {
	d.mu.Lock()
	d.entries[e.ChunkID] = e
	d.mu.Unlock()

	d.lexical.Add(e.ChunkID, e.Lexical)
	if e.Vector != nil {
		if err := d.vector.Add(e); err != nil {
			return fmt.Errorf("vector add chunk %d: %w", e.ChunkID, err)
		}
	}
	return nil
}

// SetVector attaches an embedding to an indexed chunk. Embeddings for
// chunks that were replaced while the backlog worker ran are dropped.
func (d *Dual) SetVector(chunkID int64, vector []float32) error {
	d.mu.Lock()
	e, ok := d.entries[chunkID]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	e.Vector = vector
	d.entries[chunkID] = e
	d.mu.Unlock()

	if err := d.vector.Add(e); err != nil {
		return fmt.Errorf("vector add chunk %d: %w", chunkID, err)
	}
	return nil
}

// Remove drops a chunk from both indexes. Unknown IDs are a no-op.
func (d *Dual) Remove(chunkID int64) error {
	d.mu.Lock()
	_, ok := d.entries[chunkID]
	delete(d.entries, chunkID)
	d.mu.Unlock()

	if !ok {
		return nil
	}
	d.lexical.Remove(chunkID)
	if err := d.vector.Remove(chunkID); err != nil {
		return fmt.Errorf("vector remove chunk %d: %w", chunkID, err)
	}
	return nil
}

// Entry returns the indexed metadata for a chunk.
func (d *Dual) Entry(chunkID int64) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[chunkID]
	return e, ok
}

// Len returns the number of indexed chunks.
func (d *Dual) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// SearchLexical returns the top lexical hits visible in scope.
func (d *Dual) SearchLexical(scope Scope, query string, limit int) []Hit {
	return d.lexical.Search(query, func(chunkID int64) bool {
		d.mu.RLock()
		e, ok := d.entries[chunkID]
		d.mu.RUnlock()
		return ok && scope.visible(e)
	}, limit)
}

// SearchVector returns the top vector hits visible in scope.
func (d *Dual) SearchVector(scope Scope, vector []float32, limit int) ([]Hit, error) {
	return d.vector.Search(scope, vector, limit)
}
