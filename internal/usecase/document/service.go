// Package document implements document CRUD with automatic
// vectorization. The metadata row is written first and is the source of
// truth; the vector entry is a derived mirror.
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/vector"
)

const (
	defaultDocType = "note"
	maxTitleLen    = 500
	maxTags        = 20
)

// Stats summarizes an owner's corpus plus the shared index size.
type Stats struct {
	TotalDocuments int            `json:"total_documents"`
	ByType         map[string]int `json:"documents_by_type"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	LastUpdated    *time.Time     `json:"last_updated"`
	IndexSize      int64          `json:"index_size"`
}

// Service handles document CRUD with automatic vectorization.
type Service struct {
	repo            Repository
	index           Index
	embedder        Embedder
	collection      string
	defaultPageSize int
	maxPageSize     int
	now             func() time.Time
	newID           func() string
}

// New creates a document service.
func New(repo Repository, index Index, embedder Embedder, collection string) *Service {
	return &Service{
		repo:            repo,
		index:           index,
		embedder:        embedder,
		collection:      collection,
		defaultPageSize: 20,
		maxPageSize:     100,
		now:             time.Now,
		newID:           uuid.NewString,
	}
}

// WithPagination configures page size limits.
func (s *Service) WithPagination(defaultPageSize, maxPageSize int) *Service {
	if defaultPageSize > 0 {
		s.defaultPageSize = defaultPageSize
	}
	if maxPageSize > 0 {
		s.maxPageSize = maxPageSize
	}
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides the id source, for tests.
func (s *Service) WithIDGenerator(newID func() string) *Service {
	s.newID = newID
	return s
}

// Create stores a new document and mirrors it into the vector index.
// The embedding covers title and content together, so title-only
// documents are still searchable.
func (s *Service) Create(ctx context.Context, owner string, draft domain.DocumentDraft) (domain.Document, error) {
	if err := validateDraft(draft); err != nil {
		return domain.Document{}, err
	}
	if draft.DocType == "" {
		draft.DocType = defaultDocType
	}

	result, err := s.embedder.Embed(ctx, domain.EmbeddingText(draft.Title, draft.Content))
	if err != nil {
		return domain.Document{}, fmt.Errorf("vectorize document: %w", err)
	}

	now := s.now().UTC()
	id := s.newID()
	doc := domain.Document{
		ID:        id,
		OwnerID:   owner,
		Title:     draft.Title,
		Content:   draft.Content,
		DocType:   draft.DocType,
		Tags:      draft.Tags,
		Metadata:  draft.Metadata,
		VectorRef: "emb_" + id,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}

	// Metadata first, vector second. A failed upsert leaves the row
	// authoritative and the index behind; the consistency scan reports
	// the gap and a later update repairs it.
	if err := s.index.Upsert(ctx, s.collection, []vector.Record{s.record(doc, result.Embedding)}); err != nil {
		return domain.Document{}, fmt.Errorf("index document %s: %w", doc.ID, err)
	}

	return doc, nil
}

// Get retrieves the owner's document by id.
func (s *Service) Get(ctx context.Context, owner, id string) (domain.Document, error) {
	doc, err := s.repo.Get(ctx, owner, id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// Update applies a partial update. The embedding is recomputed only
// when title or content changed; the vector entry keeps its reference
// either way.
func (s *Service) Update(ctx context.Context, owner, id string, p domain.DocumentPatch) (domain.Document, error) {
	doc, err := s.repo.Get(ctx, owner, id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("get document: %w", err)
	}

	if p.Title != nil {
		doc.Title = *p.Title
	}
	if p.Content != nil {
		doc.Content = *p.Content
	}
	if p.DocType != nil {
		doc.DocType = *p.DocType
	}
	if p.Tags != nil {
		doc.Tags = p.Tags
	}
	if p.Metadata != nil {
		doc.Metadata = p.Metadata
	}
	if err := validateDraft(domain.DocumentDraft{Title: doc.Title, Content: doc.Content, Tags: doc.Tags}); err != nil {
		return domain.Document{}, err
	}
	doc.UpdatedAt = s.now().UTC()

	// Row first, index second: a failed reindex leaves the
	// authoritative row current and the index one version behind.
	if err := s.repo.Update(ctx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("update document: %w", err)
	}

	if p.HasText() {
		result, err := s.embedder.Embed(ctx, domain.EmbeddingText(doc.Title, doc.Content))
		if err != nil {
			return domain.Document{}, fmt.Errorf("vectorize updated content: %w", err)
		}
		if err := s.index.Upsert(ctx, s.collection, []vector.Record{s.record(doc, result.Embedding)}); err != nil {
			return domain.Document{}, fmt.Errorf("reindex document %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

// Delete removes a document, vector entry first so a failure cannot
// orphan a vector with no owning row. Returns false when the id does
// not exist for this owner.
func (s *Service) Delete(ctx context.Context, owner, id string) (bool, error) {
	doc, err := s.repo.Get(ctx, owner, id)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get document: %w", err)
	}

	if err := s.index.Delete(ctx, s.collection, []string{doc.VectorRef}); err != nil {
		return false, fmt.Errorf("remove document %s from index: %w", id, err)
	}

	existed, err := s.repo.Delete(ctx, owner, id)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	return existed, nil
}

// PageSize returns the effective page size for a requested limit:
// the default when unset, capped at the maximum otherwise.
func (s *Service) PageSize(limit int) int {
	if limit <= 0 {
		return s.defaultPageSize
	}
	if limit > s.maxPageSize {
		return s.maxPageSize
	}
	return limit
}

// List returns a page of the owner's documents plus the pre-pagination
// total.
func (s *Service) List(ctx context.Context, owner, docType string, limit, offset int) ([]domain.Document, int, error) {
	limit = s.PageSize(limit)
	if offset < 0 {
		offset = 0
	}

	docs, total, err := s.repo.List(ctx, owner, docType, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	return docs, total, nil
}

// Stats returns per-type counts, corpus size, and the index size for
// the owner.
func (s *Service) Stats(ctx context.Context, owner string) (Stats, error) {
	byType, err := s.repo.CountByType(ctx, owner)
	if err != nil {
		return Stats{}, fmt.Errorf("count documents: %w", err)
	}

	total := 0
	for _, n := range byType {
		total += n
	}

	sizeBytes, lastUpdated, err := s.repo.ContentStats(ctx, owner)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate content stats: %w", err)
	}

	indexSize, err := s.index.Count(ctx, s.collection)
	if err != nil {
		return Stats{}, fmt.Errorf("count index entries: %w", err)
	}

	stats := Stats{
		TotalDocuments: total,
		ByType:         byType,
		TotalSizeBytes: sizeBytes,
		IndexSize:      indexSize,
	}
	if !lastUpdated.IsZero() {
		stats.LastUpdated = &lastUpdated
	}
	return stats, nil
}

func (s *Service) record(doc domain.Document, embedding []float32) vector.Record {
	return vector.Record{
		ID:      doc.VectorRef,
		Vector:  embedding,
		Content: doc.Content,
		Metadata: map[string]string{
			vector.MetaDocumentID: doc.ID,
			vector.MetaOwnerID:    doc.OwnerID,
			vector.MetaTitle:      doc.Title,
			vector.MetaDocType:    doc.DocType,
			vector.MetaTags:       strings.Join(doc.Tags, ","),
		},
	}
}

func validateDraft(draft domain.DocumentDraft) error {
	if strings.TrimSpace(draft.Title) == "" {
		return domain.NewValidation("title", "must not be empty")
	}
	if len(draft.Title) > maxTitleLen {
		return domain.NewValidation("title", fmt.Sprintf("must not exceed %d characters", maxTitleLen))
	}
	if strings.TrimSpace(draft.Content) == "" {
		return domain.NewValidation("content", "must not be empty")
	}
	if len(draft.Tags) > maxTags {
		return domain.NewValidation("tags", fmt.Sprintf("must not exceed %d entries", maxTags))
	}
	// Tags are mirrored comma-joined into the vector index.
	for _, tag := range draft.Tags {
		if strings.Contains(tag, ",") {
			return domain.NewValidation("tags", "entries must not contain commas")
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
