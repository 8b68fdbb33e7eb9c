// Package postgres persists document metadata in PostgreSQL. It is the
// authoritative store; the vector index holds a derived copy.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kailas-cloud/knowd/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT        NOT NULL,
	title      TEXT        NOT NULL,
	content    TEXT        NOT NULL,
	doc_type   TEXT        NOT NULL,
	tags       JSONB       NOT NULL DEFAULT '[]',
	metadata   JSONB       NOT NULL DEFAULT '{}',
	vector_ref TEXT        NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents (owner_id);
CREATE INDEX IF NOT EXISTS idx_documents_owner_type ON documents (owner_id, doc_type);
`

const docColumns = "id, owner_id, title, content, doc_type, tags, metadata, vector_ref, created_at, updated_at"

// Store is a PostgreSQL-backed document repository. It is safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to the given DSN. The connection is lazy; use
// WaitForReady before serving traffic.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// WaitForReady polls the database until it responds to ping or the
// context expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := s.pool.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %w", timeout, domain.ErrBackendUnavailable)
		case <-ticker.C:
		}
	}
}

// Init creates the documents table and indexes if absent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w: %w", err, domain.ErrBackendUnavailable)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Create inserts a new document row.
func (s *Store) Create(ctx context.Context, doc domain.Document) error {
	tags, meta, err := encodeJSON(doc.Tags, doc.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (`+docColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.OwnerID, doc.Title, doc.Content, doc.DocType,
		tags, meta, doc.VectorRef, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	return nil
}

// Get returns the owner's document by id, or domain.ErrNotFound. The
// owner scope is part of the lookup so ids never leak across owners.
func (s *Store) Get(ctx context.Context, owner, id string) (domain.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+docColumns+`
		FROM documents
		WHERE id = $1 AND owner_id = $2`,
		id, owner,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// Update overwrites the mutable fields of a document row.
func (s *Store) Update(ctx context.Context, doc domain.Document) error {
	tags, meta, err := encodeJSON(doc.Tags, doc.Metadata)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET title = $1, content = $2, doc_type = $3, tags = $4, metadata = $5, updated_at = $6
		WHERE id = $7 AND owner_id = $8`,
		doc.Title, doc.Content, doc.DocType, tags, meta, doc.UpdatedAt,
		doc.ID, doc.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update document %s: %w", doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes the owner's document row. The bool reports whether a
// row existed; deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, owner, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM documents
		WHERE id = $1 AND owner_id = $2`,
		id, owner,
	)
	if err != nil {
		return false, fmt.Errorf("delete document %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns a page of the owner's documents, newest first, plus the
// total count of rows matching the filter before pagination.
func (s *Store) List(ctx context.Context, owner, docType string, limit, offset int) ([]domain.Document, int, error) {
	where := "WHERE owner_id = $1"
	args := []any{owner}
	if docType != "" {
		where += " AND doc_type = $2"
		args = append(args, docType)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM documents "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT `+docColumns+`
		FROM documents %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]domain.Document, 0, limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, total, nil
}

// CountByType returns per-type document counts for the owner.
func (s *Store) CountByType(ctx context.Context, owner string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_type, count(*)
		FROM documents
		WHERE owner_id = $1
		GROUP BY doc_type`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("count documents by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var docType string
		var n int
		if err := rows.Scan(&docType, &n); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		counts[docType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type counts: %w", err)
	}
	return counts, nil
}

// ContentStats returns the summed content size in bytes and the latest
// update time across the owner's documents. lastUpdated is the zero
// time when the owner has no documents.
func (s *Store) ContentStats(ctx context.Context, owner string) (int64, time.Time, error) {
	var totalBytes int64
	var lastUpdated *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT coalesce(sum(octet_length(content)), 0), max(updated_at)
		FROM documents
		WHERE owner_id = $1`,
		owner,
	).Scan(&totalBytes, &lastUpdated)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("aggregate content stats: %w", err)
	}
	if lastUpdated == nil {
		return totalBytes, time.Time{}, nil
	}
	return totalBytes, *lastUpdated, nil
}

// ListVectorRefs returns every vector reference the owner has, for the
// cross-store reconciliation scan.
func (s *Store) ListVectorRefs(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vector_ref FROM documents
		WHERE owner_id = $1
		ORDER BY vector_ref`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list vector refs: %w", err)
	}
	defer rows.Close()

	refs := make([]string, 0, 64)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan vector ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector refs: %w", err)
	}
	return refs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var doc domain.Document
	var tags, meta []byte
	err := row.Scan(
		&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &doc.DocType,
		&tags, &meta, &doc.VectorRef, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return domain.Document{}, err
	}
	if err := json.Unmarshal(tags, &doc.Tags); err != nil {
		return domain.Document{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
		return domain.Document{}, fmt.Errorf("decode metadata: %w", err)
	}
	return doc, nil
}

func encodeJSON(tags []string, meta map[string]string) ([]byte, []byte, error) {
	if tags == nil {
		tags = []string{}
	}
	if meta == nil {
		meta = map[string]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return tagsJSON, metaJSON, nil
}
