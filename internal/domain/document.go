package domain

import "time"

// Document is a knowledge document. The metadata row in the relational
// store is the source of truth; VectorRef points at the mirrored entry
// in the vector index.
type Document struct {
	ID        string            `json:"document_id"`
	OwnerID   string            `json:"user_id"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	DocType   string            `json:"document_type"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	VectorRef string            `json:"embedding_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DocumentDraft is the caller-supplied part of a new document.
type DocumentDraft struct {
	Title    string
	Content  string
	DocType  string
	Tags     []string
	Metadata map[string]string
}

// DocumentPatch is a partial update. Nil fields are left unchanged.
type DocumentPatch struct {
	Title    *string
	Content  *string
	DocType  *string
	Tags     []string
	Metadata map[string]string
}

// HasText reports whether the patch touches title or content,
// which requires recomputing the embedding.
func (p DocumentPatch) HasText() bool {
	return p.Title != nil || p.Content != nil
}

// EmbeddingText is the canonical text a document is embedded from.
func EmbeddingText(title, content string) string {
	return title + "\n\n" + content
}
