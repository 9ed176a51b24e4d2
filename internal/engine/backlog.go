package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lazypower/recall/internal/store"
)

// leaseGrace extends an expired lease before a chunk may be reclaimed.
const leaseGrace = 30 * time.Second

// Backlog drains the embedding queue: chunks written without vectors are
// claimed under a lease, embedded, and completed. Multiple processes can
// run workers against the same database; the lease arbitrates.
type Backlog struct {
	engine *Engine

	// Lease is how long a claim protects a chunk from other workers.
	Lease time.Duration
	// Grace extends an expired lease before the chunk is reclaimed, so a
	// slow worker's completion still lands instead of racing a new claim.
	Grace time.Duration
	// Batch is the number of chunks drained per pass.
	Batch int
	// Interval is the polling period of the Run loop.
	Interval time.Duration
}

// NewBacklog creates a backlog worker with standard timings.
func NewBacklog(e *Engine) *Backlog {
	return &Backlog{
		engine:   e,
		Lease:    time.Minute,
		Grace:    leaseGrace,
		Batch:    16,
		Interval: 5 * time.Second,
	}
}

// Run polls the backlog until the context is canceled, draining it fully
// on each tick.
func (b *Backlog) Run(ctx context.Context) {
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := b.ProcessOnce(ctx)
				if err != nil {
					log.Printf("embed backlog: %v", err)
					break
				}
				if n == 0 {
					break
				}
			}
		}
	}
}

// PendingEmbeddings lists chunks still waiting for a vector, oldest first.
// Chunks under a live lease are excluded.
func (e *Engine) PendingEmbeddings(limit int) ([]store.Chunk, error) {
	return e.DB.PendingEmbeddings(limit, e.nowFn(), leaseGrace.Milliseconds())
}

// ClaimEmbedding reserves a chunk for an external embedding worker. Returns
// the claim token and lease deadline; ok is false when another worker holds
// the chunk or it is already embedded.
func (e *Engine) ClaimEmbedding(chunkID int64, lease time.Duration) (token string, until int64, ok bool, err error) {
	token = ulid.Make().String()
	now := e.nowFn()
	until = now + lease.Milliseconds()
	ok, err = e.DB.ClaimChunk(chunkID, token, until, now, leaseGrace.Milliseconds())
	if err != nil || !ok {
		return "", 0, false, err
	}
	return token, until, true, nil
}

// CompleteEmbedding stores a vector computed outside the process. It is
// idempotent; the first completion wins and updates the vector index.
func (e *Engine) CompleteEmbedding(chunkID int64, vector []float32) (bool, error) {
	landed, err := e.DB.CompleteChunk(chunkID, vector)
	if err != nil || !landed {
		return false, err
	}
	if err := e.Index.SetVector(chunkID, vector); err != nil {
		log.Printf("index vector chunk %d: %v", chunkID, err)
	}
	e.invalidate()
	return true, nil
}

// ReleaseEmbedding returns a claimed chunk to the backlog early. A stale
// token is a no-op.
func (e *Engine) ReleaseEmbedding(chunkID int64, token string) error {
	return e.DB.FailChunk(chunkID, token)
}

// ProcessOnce claims and embeds up to one batch of pending chunks.
// Returns the number of embeddings that landed.
func (b *Backlog) ProcessOnce(ctx context.Context) (int, error) {
	e := b.engine
	if e.Embedder == nil {
		return 0, fmt.Errorf("no embedder configured")
	}

	now := e.nowFn()
	grace := b.Grace.Milliseconds()
	pending, err := e.DB.PendingEmbeddings(b.Batch, now, grace)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, chunk := range pending {
		if ctx.Err() != nil {
			break
		}

		token := ulid.Make().String()
		now = e.nowFn()
		ok, err := e.DB.ClaimChunk(chunk.ID, token, now+b.Lease.Milliseconds(), now, grace)
		if err != nil {
			return completed, err
		}
		if !ok {
			// Another worker got there first.
			continue
		}

		vec, err := e.Embedder.Embed(ctx, chunk.Content)
		if err != nil {
			log.Printf("embed chunk %d: %v", chunk.ID, err)
			if ferr := e.DB.FailChunk(chunk.ID, token); ferr != nil {
				log.Printf("release chunk %d: %v", chunk.ID, ferr)
			}
			continue
		}

		landed, err := e.DB.CompleteChunk(chunk.ID, vec)
		if err != nil {
			return completed, err
		}
		if !landed {
			// An earlier holder completed it while we worked.
			continue
		}
		if err := e.Index.SetVector(chunk.ID, vec); err != nil {
			log.Printf("index vector chunk %d: %v", chunk.ID, err)
		}
		completed++
	}

	if completed > 0 {
		e.invalidate()
	}
	return completed, nil
}
