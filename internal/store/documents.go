package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrDuplicateIdentity is returned when a document insert collides with an
// existing identity tuple outside the upsert path.
var ErrDuplicateIdentity = errors.New("document identity already exists")

// DocType classifies a memory document.
type DocType string

const (
	DocTypeMemory    DocType = "memory"    // long-term curated memory (MEMORY.md)
	DocTypeDailyLog  DocType = "daily_log" // append-only daily notes, keyed by date title
	DocTypeIdentity  DocType = "identity"  // agent name and personality
	DocTypeSoul      DocType = "soul"      // core values and principles
	DocTypeAgents    DocType = "agents"    // behavior instructions
	DocTypeUser      DocType = "user"      // user context
	DocTypeHeartbeat DocType = "heartbeat" // periodic checklist (HEARTBEAT.md)
)

// ParseDocType converts a string to a DocType.
func ParseDocType(s string) (DocType, error) {
	switch DocType(s) {
	case DocTypeMemory, DocTypeDailyLog, DocTypeIdentity, DocTypeSoul,
		DocTypeAgents, DocTypeUser, DocTypeHeartbeat:
		return DocType(s), nil
	}
	return "", fmt.Errorf("invalid doc type %q", s)
}

// Singleton reports whether at most one document of this type exists per
// (user, agent) pair. Daily logs are keyed by date title instead.
func (t DocType) Singleton() bool {
	return t != DocTypeDailyLog
}

// IdentityDocument reports whether this type contributes to the agent's
// identity prompt.
func (t DocType) IdentityDocument() bool {
	switch t {
	case DocTypeIdentity, DocTypeSoul, DocTypeAgents, DocTypeUser:
		return true
	}
	return false
}

// Identity is the unique key of a document. AgentID == "" means the document
// is shared across all agents of the user. Title == "" means untitled; daily
// logs require a title (the date).
type Identity struct {
	UserID  string
	AgentID string
	DocType DocType
	Title   string
}

// Validate checks structural requirements on the identity tuple.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return fmt.Errorf("user_id required")
	}
	if _, err := ParseDocType(string(id.DocType)); err != nil {
		return err
	}
	if id.DocType == DocTypeDailyLog && id.Title == "" {
		return fmt.Errorf("daily_log requires a title")
	}
	return nil
}

// Document is a persistent memory document.
type Document struct {
	ID        string
	UserID    string
	AgentID   string
	DocType   DocType
	Title     string
	Content   string
	Metadata  map[string]string
	CreatedAt int64
	UpdatedAt int64
}

// NewChunk is a chunk produced by the chunker, pending insertion.
type NewChunk struct {
	Index   int
	Content string
	Lexical string
}

const documentColumns = `id, user_id, agent_id, doc_type, title, content, metadata, created_at, updated_at`

// UpsertDocument creates or replaces a document and its entire chunk set in
// one transaction. Readers never observe new content with stale chunks or
// vice versa. Returns the stored document, the chunk IDs that were removed,
// and the chunks that were inserted.
func (db *DB) UpsertDocument(id Identity, content string, metadata map[string]string, chunks []NewChunk, now int64) (*Document, []int64, []Chunk, error) {
	if err := id.Validate(); err != nil {
		return nil, nil, nil, err
	}

	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return nil, nil, nil, err
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	doc, err := getDocumentTx(tx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	var removed []int64
	if doc == nil {
		doc = &Document{
			ID:        uuid.New().String(),
			UserID:    id.UserID,
			AgentID:   id.AgentID,
			DocType:   id.DocType,
			Title:     id.Title,
			CreatedAt: now,
		}
		_, err = tx.Exec(`
			INSERT INTO documents (id, user_id, agent_id, doc_type, title, content, metadata, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?)
		`, doc.ID, doc.UserID, doc.AgentID, string(doc.DocType), doc.Title, content, metaJSON, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, nil, nil, ErrDuplicateIdentity
			}
			return nil, nil, nil, fmt.Errorf("insert document: %w", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE documents SET content = ?, metadata = ?, updated_at = ? WHERE id = ?
		`, content, metaJSON, now, doc.ID); err != nil {
			return nil, nil, nil, fmt.Errorf("update document: %w", err)
		}
		removed, err = chunkIDsTx(tx, doc.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
			return nil, nil, nil, fmt.Errorf("delete old chunks: %w", err)
		}
	}

	inserted := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		res, err := tx.Exec(`
			INSERT INTO chunks (document_id, chunk_index, content, lexical, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, doc.ID, c.Index, c.Content, c.Lexical, now)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
		chunkID, _ := res.LastInsertId()
		inserted = append(inserted, Chunk{
			ID:         chunkID,
			DocumentID: doc.ID,
			Index:      c.Index,
			Content:    c.Content,
			Lexical:    c.Lexical,
			CreatedAt:  now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("commit upsert: %w", err)
	}

	doc.Content = content
	doc.Metadata = metadata
	doc.UpdatedAt = now
	return doc, removed, inserted, nil
}

// GetDocument returns the document for an identity tuple, or nil if not found.
func (db *DB) GetDocument(id Identity) (*Document, error) {
	return scanDocumentRow(db.QueryRow(`
		SELECT `+documentColumns+` FROM documents
		WHERE user_id = ? AND COALESCE(agent_id, '') = ? AND doc_type = ? AND COALESCE(title, '') = ?
	`, id.UserID, id.AgentID, string(id.DocType), id.Title))
}

// GetDocumentByID returns a document by its ID, or nil if not found.
func (db *DB) GetDocumentByID(docID string) (*Document, error) {
	return scanDocumentRow(db.QueryRow(`
		SELECT `+documentColumns+` FROM documents WHERE id = ?
	`, docID))
}

// GetDocumentsByIDs returns documents for the given IDs, keyed by ID.
func (db *DB) GetDocumentsByIDs(ids []string) (map[string]Document, error) {
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
		SELECT `+documentColumns+` FROM documents WHERE id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("get documents by ids: %w", err)
	}
	defer rows.Close()

	docs := make(map[string]Document)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs[d.ID] = *d
	}
	return docs, rows.Err()
}

// ListDocuments returns all documents for a user, ordered by type then title.
func (db *DB) ListDocuments(userID string) ([]Document, error) {
	rows, err := db.Query(`
		SELECT `+documentColumns+` FROM documents
		WHERE user_id = ?
		ORDER BY doc_type, COALESCE(title, '')
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and all its chunks. Deleting a
// nonexistent identity is a no-op. Returns the removed chunk IDs.
func (db *DB) DeleteDocument(id Identity) ([]int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	doc, err := getDocumentTx(tx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}

	removed, err := chunkIDsTx(tx, doc.ID)
	if err != nil {
		return nil, err
	}

	// Delete chunks explicitly rather than leaning on the FK cascade,
	// which only fires on connections with foreign_keys enabled.
	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, doc.ID); err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var agentID, title sql.NullString
	var docType, metaJSON string
	if err := row.Scan(&d.ID, &d.UserID, &agentID, &docType, &title,
		&d.Content, &metaJSON, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	d.AgentID = agentID.String
	d.Title = title.String
	d.DocType = DocType(docType)
	meta, err := decodeMetadata(metaJSON)
	if err != nil {
		return nil, err
	}
	d.Metadata = meta
	return &d, nil
}

func scanDocumentRow(row *sql.Row) (*Document, error) {
	d, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func getDocumentTx(tx *sql.Tx, id Identity) (*Document, error) {
	d, err := scanDocument(tx.QueryRow(`
		SELECT `+documentColumns+` FROM documents
		WHERE user_id = ? AND COALESCE(agent_id, '') = ? AND doc_type = ? AND COALESCE(title, '') = ?
	`, id.UserID, id.AgentID, string(id.DocType), id.Title))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func chunkIDsTx(tx *sql.Tx, docID string) ([]int64, error) {
	rows, err := tx.Query(`SELECT id FROM chunks WHERE document_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
