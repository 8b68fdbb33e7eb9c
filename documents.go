package knowd

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// DocumentRequest is the payload for CreateDocument.
type DocumentRequest struct {
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	DocumentType string            `json:"document_type,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DocumentUpdate is a partial update. Nil fields are left unchanged.
type DocumentUpdate struct {
	Title        *string           `json:"title,omitempty"`
	Content      *string           `json:"content,omitempty"`
	DocumentType *string           `json:"document_type,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DocumentList is a page of documents plus the pre-pagination total.
type DocumentList struct {
	Documents  []Document `json:"documents"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// Stats summarizes the owner's corpus plus the shared index size.
type Stats struct {
	TotalDocuments int            `json:"total_documents"`
	ByType         map[string]int `json:"documents_by_type"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	LastUpdated    *time.Time     `json:"last_updated"`
	IndexSize      int64          `json:"index_size"`
}

// CreateDocument stores a new document and vectorizes it.
func (c *Client) CreateDocument(ctx context.Context, req DocumentRequest) (Document, error) {
	var doc Document
	err := c.do(ctx, "POST", "/api/v1/knowledge/documents", req, &doc)
	return doc, err
}

// GetDocument retrieves a document by id.
func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := c.do(ctx, "GET", "/api/v1/knowledge/documents/"+url.PathEscape(id), nil, &doc)
	return doc, err
}

// UpdateDocument applies a partial update. Changing title or content
// re-vectorizes the document server-side.
func (c *Client) UpdateDocument(ctx context.Context, id string, upd DocumentUpdate) (Document, error) {
	var doc Document
	err := c.do(ctx, "PUT", "/api/v1/knowledge/documents/"+url.PathEscape(id), upd, &doc)
	return doc, err
}

// DeleteDocument removes a document and its vector entry.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/api/v1/knowledge/documents/"+url.PathEscape(id), nil, nil)
}

// ListDocuments returns a page of documents. docType "" means all types;
// limit 0 uses the server default.
func (c *Client) ListDocuments(ctx context.Context, docType string, limit, offset int) (DocumentList, error) {
	q := url.Values{}
	if docType != "" {
		q.Set("document_type", docType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	path := "/api/v1/knowledge/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list DocumentList
	err := c.do(ctx, "GET", path, nil, &list)
	return list, err
}

// BulkDelete starts an asynchronous bulk delete and returns the
// tracking job. Poll GetJob for completion.
func (c *Client) BulkDelete(ctx context.Context, ids []string) (Job, error) {
	var j Job
	err := c.do(ctx, "POST", "/api/v1/knowledge/documents/bulk-delete",
		map[string][]string{"document_ids": ids}, &j)
	return j, err
}

// Stats returns document counts and the index size.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := c.do(ctx, "GET", "/api/v1/knowledge/stats", nil, &stats)
	return stats, err
}

// GetJob returns the state of an asynchronous job.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	err := c.do(ctx, "GET", "/api/v1/knowledge/jobs/"+url.PathEscape(id), nil, &j)
	return j, err
}

// CancelJob removes a job; any remaining bulk work tied to it stops.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/api/v1/knowledge/jobs/"+url.PathEscape(id), nil, nil)
}
