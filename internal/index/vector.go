package index

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// BruteForce is a vector index backed by a flat map, scanned with cosine
// similarity. Fine for corpora up to a few hundred thousand chunks.
type BruteForce struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

// NewBruteForce returns an empty brute-force vector index.
func NewBruteForce() *BruteForce {
	return &BruteForce{entries: make(map[int64]Entry)}
}

// Add stores a chunk's embedding. Re-adding replaces the previous vector.
func (ix *BruteForce) Add(e Entry) error {
	if e.Vector == nil {
		return fmt.Errorf("chunk %d has no vector", e.ChunkID)
	}
	ix.mu.Lock()
	ix.entries[e.ChunkID] = e
	ix.mu.Unlock()
	return nil
}

// Remove drops a chunk. Unknown IDs are a no-op.
func (ix *BruteForce) Remove(chunkID int64) error {
	ix.mu.Lock()
	delete(ix.entries, chunkID)
	ix.mu.Unlock()
	return nil
}

// Len returns the number of stored vectors.
func (ix *BruteForce) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search returns the most similar visible chunks, best first. Ties break
// toward the lower chunk ID.
func (ix *BruteForce) Search(scope Scope, vector []float32, limit int) ([]Hit, error) {
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make([]Hit, 0, len(ix.entries))
	for _, e := range ix.entries {
		if !scope.visible(e) || len(e.Vector) != len(vector) {
			continue
		}
		hits = append(hits, Hit{ChunkID: e.ChunkID, Score: cosine(vector, e.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
