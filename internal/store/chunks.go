package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Chunk is a slice of a document's content, the unit of retrieval.
// Embedding is nil until a worker completes it.
type Chunk struct {
	ID         int64
	DocumentID string
	Index      int
	Content    string
	Lexical    string
	Embedding  []float32
	CreatedAt  int64
}

// IndexedChunk carries a chunk together with its document's scope, for
// rebuilding the in-memory indexes.
type IndexedChunk struct {
	Chunk
	UserID  string
	AgentID string
}

const chunkColumns = `id, document_id, chunk_index, content, lexical, embedding, created_at`

// ChunksForDocument returns a document's chunks in chunk order.
func (db *DB) ChunksForDocument(docID string) ([]Chunk, error) {
	rows, err := db.Query(`
		SELECT `+chunkColumns+` FROM chunks
		WHERE document_id = ?
		ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("chunks for document: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetChunksByIDs returns chunks for the given IDs, keyed by ID. IDs with no
// surviving chunk are simply absent from the result.
func (db *DB) GetChunksByIDs(ids []int64) (map[int64]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := db.Query(fmt.Sprintf(`
		SELECT `+chunkColumns+` FROM chunks WHERE id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("chunks by ids: %w", err)
	}
	defer rows.Close()

	chunks := make(map[int64]Chunk)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks[c.ID] = c
	}
	return chunks, rows.Err()
}

// AllIndexedChunks returns every chunk joined with its document's scope,
// used to rebuild indexes at startup.
func (db *DB) AllIndexedChunks() ([]IndexedChunk, error) {
	rows, err := db.Query(`
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.lexical, c.embedding, c.created_at,
		       d.user_id, COALESCE(d.agent_id, '')
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("all indexed chunks: %w", err)
	}
	defer rows.Close()

	var out []IndexedChunk
	for rows.Next() {
		var ic IndexedChunk
		var blob []byte
		if err := rows.Scan(&ic.ID, &ic.DocumentID, &ic.Index, &ic.Content,
			&ic.Lexical, &blob, &ic.CreatedAt, &ic.UserID, &ic.AgentID); err != nil {
			return nil, fmt.Errorf("scan indexed chunk: %w", err)
		}
		ic.Embedding = decodeVector(blob)
		out = append(out, ic)
	}
	return out, rows.Err()
}

// PendingEmbeddings returns chunks lacking an embedding whose lease is
// unheld or expired, oldest first. Leases are considered expired only after
// grace milliseconds beyond their deadline.
func (db *DB) PendingEmbeddings(limit int, now, grace int64) ([]Chunk, error) {
	rows, err := db.Query(`
		SELECT `+chunkColumns+` FROM chunks
		WHERE embedding IS NULL
		  AND (claimed_until IS NULL OR claimed_until + ? <= ?)
		ORDER BY created_at, id
		LIMIT ?
	`, grace, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pending embeddings: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// CountPendingEmbeddings returns the size of the embedding backlog.
func (db *DB) CountPendingEmbeddings() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE embedding IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ClaimChunk attempts to lease a pending chunk for embedding. Returns false
// when the chunk is already embedded, already leased, or gone. The update
// itself is the compare-and-set; exactly one concurrent claimer wins.
func (db *DB) ClaimChunk(chunkID int64, token string, until, now, grace int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE chunks SET claimed_by = ?, claimed_until = ?
		WHERE id = ? AND embedding IS NULL
		  AND (claimed_until IS NULL OR claimed_until + ? <= ?)
	`, token, until, chunkID, grace, now)
	if err != nil {
		return false, fmt.Errorf("claim chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim chunk: %w", err)
	}
	return n == 1, nil
}

// CompleteChunk stores an embedding and releases the lease. Completing a
// chunk that already has an embedding is a no-op, so duplicate deliveries
// from expired leases are harmless. Returns whether the write landed.
func (db *DB) CompleteChunk(chunkID int64, vector []float32) (bool, error) {
	res, err := db.Exec(`
		UPDATE chunks SET embedding = ?, dimensions = ?, claimed_by = NULL, claimed_until = NULL
		WHERE id = ? AND embedding IS NULL
	`, encodeVector(vector), len(vector), chunkID)
	if err != nil {
		return false, fmt.Errorf("complete chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete chunk: %w", err)
	}
	return n == 1, nil
}

// FailChunk releases a lease early so the chunk returns to the backlog
// without waiting for expiry. Only the holder's token releases it.
func (db *DB) FailChunk(chunkID int64, token string) error {
	_, err := db.Exec(`
		UPDATE chunks SET claimed_by = NULL, claimed_until = NULL
		WHERE id = ? AND claimed_by = ?
	`, chunkID, token)
	if err != nil {
		return fmt.Errorf("fail chunk: %w", err)
	}
	return nil
}

func scanChunk(rows *sql.Rows) (Chunk, error) {
	var c Chunk
	var blob []byte
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content,
		&c.Lexical, &blob, &c.CreatedAt); err != nil {
		return c, fmt.Errorf("scan chunk: %w", err)
	}
	c.Embedding = decodeVector(blob)
	return c, nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// encodeVector packs a float32 slice into a little-endian blob.
func encodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a blob written by encodeVector. Returns nil for
// empty blobs.
func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
