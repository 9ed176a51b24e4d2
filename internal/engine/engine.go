// Package engine orchestrates the memory system: document writes with
// atomic chunk replacement, index maintenance, hybrid search, and the
// embedding backlog.
package engine

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/lazypower/recall/internal/chunker"
	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/store"
)

// Engine ties the store, the in-memory indexes, and the embedder together.
type Engine struct {
	DB       *store.DB
	Index    *index.Dual
	Embedder Embedder
	Chunking chunker.Options

	cache *ristretto.Cache
	epoch atomic.Uint64
	nowFn func() int64

	// appendMu serializes read-modify-write appends so concurrent
	// appends to one document cannot drop each other's entries.
	appendMu sync.Mutex
}

// invalidate drops cached search results. Bumping the epoch first makes
// the old cache keys unreachable, so a search racing the write cannot
// reinstall pre-write results after the Clear.
func (e *Engine) invalidate() {
	e.epoch.Add(1)
	e.cache.Clear()
}

// New creates an Engine over the given store and vector backend.
func New(db *store.DB, vector index.VectorIndex) (*Engine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     16 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	return &Engine{
		DB:       db,
		Index:    index.NewDual(vector),
		Chunking: chunker.DefaultOptions(),
		cache:    cache,
		nowFn:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// SetEmbedder configures the embedding provider.
func (e *Engine) SetEmbedder(emb Embedder) {
	e.Embedder = emb
}

// SetNow overrides the clock, for tests.
func (e *Engine) SetNow(fn func() int64) {
	e.nowFn = fn
}

// BuildIndexes loads every chunk from the store into the in-memory
// indexes. Called once at startup; afterwards writes keep them current.
func (e *Engine) BuildIndexes() error {
	chunks, err := e.DB.AllIndexedChunks()
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	for _, ic := range chunks {
		err := e.Index.Add(index.Entry{
			ChunkID:    ic.ID,
			DocumentID: ic.DocumentID,
			UserID:     ic.UserID,
			AgentID:    ic.AgentID,
			Lexical:    ic.Lexical,
			Vector:     ic.Embedding,
			CreatedAt:  ic.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("index chunk %d: %w", ic.ID, err)
		}
	}
	if len(chunks) > 0 {
		log.Printf("indexed %d chunks", len(chunks))
	}
	return nil
}

// PutDocument stores a document, replacing its content and chunk set
// atomically, then brings the indexes up to date. New chunks enter the
// embedding backlog and surface in lexical search immediately.
func (e *Engine) PutDocument(id store.Identity, content string, metadata map[string]string) (*store.Document, error) {
	pieces := chunker.Split(content, e.Chunking)
	newChunks := make([]store.NewChunk, len(pieces))
	for i, p := range pieces {
		newChunks[i] = store.NewChunk{
			Index:   p.Index,
			Content: p.Content,
			Lexical: chunker.Lexical(p.Content),
		}
	}

	doc, removed, inserted, err := e.DB.UpsertDocument(id, content, metadata, newChunks, e.nowFn())
	if err != nil {
		return nil, err
	}

	for _, chunkID := range removed {
		if err := e.Index.Remove(chunkID); err != nil {
			log.Printf("index remove chunk %d: %v", chunkID, err)
		}
	}
	for _, c := range inserted {
		err := e.Index.Add(index.Entry{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			UserID:     doc.UserID,
			AgentID:    doc.AgentID,
			Lexical:    c.Lexical,
			CreatedAt:  c.CreatedAt,
		})
		if err != nil {
			log.Printf("index add chunk %d: %v", c.ID, err)
		}
	}

	e.invalidate()
	return doc, nil
}

// GetDocument returns a document by identity, or nil.
func (e *Engine) GetDocument(id store.Identity) (*store.Document, error) {
	return e.DB.GetDocument(id)
}

// ListDocuments returns all of a user's documents.
func (e *Engine) ListDocuments(userID string) ([]store.Document, error) {
	return e.DB.ListDocuments(userID)
}

// DeleteDocument removes a document and drops its chunks from the
// indexes. Deleting a missing document is a no-op.
func (e *Engine) DeleteDocument(id store.Identity) error {
	removed, err := e.DB.DeleteDocument(id)
	if err != nil {
		return err
	}
	for _, chunkID := range removed {
		if err := e.Index.Remove(chunkID); err != nil {
			log.Printf("index remove chunk %d: %v", chunkID, err)
		}
	}
	if len(removed) > 0 {
		e.invalidate()
	}
	return nil
}

// AppendMemory appends a block to the long-term memory document,
// creating it on first use.
func (e *Engine) AppendMemory(userID, agentID, text string) (*store.Document, error) {
	return e.appendTo(store.Identity{UserID: userID, AgentID: agentID, DocType: store.DocTypeMemory}, text)
}

// AppendDailyLog appends a block to the daily log for the given date
// title (YYYY-MM-DD), creating it on first use.
func (e *Engine) AppendDailyLog(userID, agentID, date, text string) (*store.Document, error) {
	return e.appendTo(store.Identity{UserID: userID, AgentID: agentID, DocType: store.DocTypeDailyLog, Title: date}, text)
}

func (e *Engine) appendTo(id store.Identity, text string) (*store.Document, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("nothing to append")
	}

	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	existing, err := e.DB.GetDocument(id)
	if err != nil {
		return nil, err
	}

	content := text
	var metadata map[string]string
	if existing != nil {
		metadata = existing.Metadata
		if existing.Content != "" {
			content = existing.Content + "\n\n" + text
		}
	}
	return e.PutDocument(id, content, metadata)
}

// identityPromptOrder is the assembly order for IdentityPrompt.
var identityPromptOrder = []store.DocType{
	store.DocTypeIdentity,
	store.DocTypeSoul,
	store.DocTypeAgents,
	store.DocTypeUser,
}

// IdentityPrompt assembles the agent's self-description from its identity
// documents. An agent-scoped document shadows the user's shared one of the
// same type. Missing documents are simply skipped.
func (e *Engine) IdentityPrompt(userID, agentID string) (string, error) {
	var sections []string
	for _, dt := range identityPromptOrder {
		doc, err := e.DB.GetDocument(store.Identity{UserID: userID, AgentID: agentID, DocType: dt})
		if err != nil {
			return "", err
		}
		if doc == nil && agentID != "" {
			doc, err = e.DB.GetDocument(store.Identity{UserID: userID, DocType: dt})
			if err != nil {
				return "", err
			}
		}
		if doc == nil || strings.TrimSpace(doc.Content) == "" {
			continue
		}
		sections = append(sections, "# "+string(dt)+"\n\n"+strings.TrimSpace(doc.Content))
	}
	return strings.Join(sections, "\n\n"), nil
}

// Stats summarizes the memory system's current shape.
type Stats struct {
	Documents        int `json:"documents"`
	Chunks           int `json:"chunks"`
	PendingEmbedding int `json:"pending_embedding"`
}

// Stats reports document, chunk, and backlog counts.
func (e *Engine) Stats() (Stats, error) {
	var s Stats
	if err := e.DB.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&s.Documents); err != nil {
		return s, fmt.Errorf("count documents: %w", err)
	}
	s.Chunks = e.Index.Len()
	pending, err := e.DB.CountPendingEmbeddings()
	if err != nil {
		return s, err
	}
	s.PendingEmbedding = pending
	return s, nil
}
