package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lazypower/recall/internal/chunker"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
)

const (
	// rrfConstant dampens the influence of top ranks when fusing lists.
	rrfConstant = 60
	// candidateFactor over-fetches each sub-index so fusion has enough
	// overlap to work with.
	candidateFactor = 4

	searchCacheTTL = time.Minute
)

// SearchOpts controls search behavior.
type SearchOpts struct {
	Limit int // max results (default 10)
}

func (o SearchOpts) limit() int {
	if o.Limit <= 0 {
		return 10
	}
	return o.Limit
}

// SearchResult is one fused hit joined back to its chunk and document.
type SearchResult struct {
	ChunkID    int64         `json:"chunk_id"`
	DocumentID string        `json:"document_id"`
	DocType    store.DocType `json:"doc_type"`
	Title      string        `json:"title,omitempty"`
	Content    string        `json:"content"`
	Score      float64       `json:"score"`
}

// Search runs the hybrid query: lexical and vector candidates are fetched
// independently, fused with reciprocal rank fusion, and joined back to the
// store. When no embedder is configured or the query embedding fails, the
// lexical side alone serves the request.
func (e *Engine) Search(ctx context.Context, scope index.Scope, query string, opts SearchOpts) ([]SearchResult, error) {
	limit := opts.limit()

	// The epoch is read before the index lookups: a write landing
	// mid-search bumps it, so this search can only install its results
	// under a key no later reader will consult.
	cacheKey := fmt.Sprintf("%d\x00%s\x00%s\x00%s\x00%d", e.epoch.Load(), scope.UserID, scope.AgentID, query, limit)
	if cached, ok := e.cache.Get(cacheKey); ok {
		if results, ok := cached.([]SearchResult); ok {
			return results, nil
		}
	}

	candidates := limit * candidateFactor
	lexHits := e.Index.SearchLexical(scope, chunker.Lexical(query), candidates)

	var vecHits []index.Hit
	if e.Embedder != nil {
		queryVec, err := e.Embedder.Embed(ctx, query)
		if err != nil {
			log.Printf("embed query: %v", err)
		} else {
			vecHits, err = e.Index.SearchVector(scope, queryVec, candidates)
			if err != nil {
				return nil, fmt.Errorf("vector search: %w", err)
			}
		}
	}

	fused := fuseRRF(lexHits, vecHits)
	if len(fused) == 0 {
		return nil, nil
	}

	ordered := make([]index.Hit, 0, len(fused))
	for chunkID, score := range fused {
		ordered = append(ordered, index.Hit{ChunkID: chunkID, Score: score})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		ei, _ := e.Index.Entry(ordered[i].ChunkID)
		ej, _ := e.Index.Entry(ordered[j].ChunkID)
		if ei.CreatedAt != ej.CreatedAt {
			return ei.CreatedAt < ej.CreatedAt
		}
		return ordered[i].ChunkID < ordered[j].ChunkID
	})
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}

	results, err := e.joinResults(ordered)
	if err != nil {
		return nil, err
	}

	e.cache.SetWithTTL(cacheKey, results, int64(len(results)+1), searchCacheTTL)
	return results, nil
}

// fuseRRF merges ranked lists with reciprocal rank fusion: each list
// contributes 1/(k + rank) per chunk, ranks starting at 1. Chunks present
// in both lists accumulate both contributions.
func fuseRRF(lists ...[]index.Hit) map[int64]float64 {
	fused := make(map[int64]float64)
	for _, list := range lists {
		for i, hit := range list {
			fused[hit.ChunkID] += 1.0 / float64(rrfConstant+i+1)
		}
	}
	return fused
}

// joinResults resolves fused hits against the store. Chunks replaced
// between index read and join are silently skipped.
func (e *Engine) joinResults(hits []index.Hit) ([]SearchResult, error) {
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	chunks, err := e.DB.GetChunksByIDs(ids)
	if err != nil {
		return nil, err
	}

	docIDs := make([]string, 0, len(chunks))
	seen := make(map[string]bool)
	for _, c := range chunks {
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			docIDs = append(docIDs, c.DocumentID)
		}
	}
	docs, err := e.DB.GetDocumentsByIDs(docIDs)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		chunk, ok := chunks[h.ChunkID]
		if !ok {
			continue
		}
		doc, ok := docs[chunk.DocumentID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:    chunk.ID,
			DocumentID: doc.ID,
			DocType:    doc.DocType,
			Title:      doc.Title,
			Content:    chunk.Content,
			Score:      h.Score,
		})
	}
	return results, nil
}
