package index

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// Lexical is an in-memory inverted index over chunk token streams, scored
// with TF-IDF. It is rebuilt from the store at startup and maintained on
// every write.
type Lexical struct {
	mu       sync.RWMutex
	postings map[string]map[int64]int // term -> chunk -> term frequency
	terms    map[int64][]string       // chunk -> distinct terms, for removal
	lengths  map[int64]int            // chunk -> token count
}

// NewLexical returns an empty lexical index.
func NewLexical() *Lexical {
	return &Lexical{
		postings: make(map[string]map[int64]int),
		terms:    make(map[int64][]string),
		lengths:  make(map[int64]int),
	}
}

// Add indexes a chunk's pre-normalized token stream. Re-adding a chunk ID
// replaces its previous postings.
func (ix *Lexical) Add(chunkID int64, lexical string) {
	tokens := strings.Fields(lexical)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(chunkID)
	if len(tokens) == 0 {
		return
	}

	freq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freq[tok]++
	}

	distinct := make([]string, 0, len(freq))
	for term, tf := range freq {
		posting := ix.postings[term]
		if posting == nil {
			posting = make(map[int64]int)
			ix.postings[term] = posting
		}
		posting[chunkID] = tf
		distinct = append(distinct, term)
	}
	ix.terms[chunkID] = distinct
	ix.lengths[chunkID] = len(tokens)
}

// Remove drops a chunk from the index. Unknown IDs are a no-op.
func (ix *Lexical) Remove(chunkID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(chunkID)
}

func (ix *Lexical) removeLocked(chunkID int64) {
	for _, term := range ix.terms[chunkID] {
		posting := ix.postings[term]
		delete(posting, chunkID)
		if len(posting) == 0 {
			delete(ix.postings, term)
		}
	}
	delete(ix.terms, chunkID)
	delete(ix.lengths, chunkID)
}

// Len returns the number of indexed chunks.
func (ix *Lexical) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.lengths)
}

// Search scores chunks against a normalized query and returns the top
// allowed hits, best first. Ties break toward the lower chunk ID.
func (ix *Lexical) Search(query string, allowed func(int64) bool, limit int) []Hit {
	tokens := strings.Fields(query)
	if len(tokens) == 0 || limit <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	total := len(ix.lengths)
	if total == 0 {
		return nil
	}

	scores := make(map[int64]float64)
	for _, term := range tokens {
		posting := ix.postings[term]
		if len(posting) == 0 {
			continue
		}
		idf := math.Log(float64(total)/float64(len(posting))) + 1
		for chunkID, tf := range posting {
			if allowed != nil && !allowed(chunkID) {
				continue
			}
			scores[chunkID] += float64(tf) * idf
		}
	}

	hits := make([]Hit, 0, len(scores))
	for chunkID, score := range scores {
		// Length normalization keeps long chunks from dominating.
		hits = append(hits, Hit{
			ChunkID: chunkID,
			Score:   score / math.Sqrt(float64(ix.lengths[chunkID])),
		})
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
	return hits
}
