// Package search implements semantic, keyword, and hybrid retrieval
// over an owner's documents.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/logger"
	"github.com/kailas-cloud/knowd/internal/metrics"
	"github.com/kailas-cloud/knowd/internal/vector"
)

const (
	snippetLen = 200

	// Semantic searches overfetch so client-side tag filtering still
	// fills the page.
	semanticOverfetch = 2
)

// Service runs searches and records them for analytics.
type Service struct {
	index          Index
	docs           DocReader
	embedder       Embedder
	tracker        Tracker
	collection     string
	defaultLimit   int
	maxLimit       int
	maxQueryLen    int
	keywordScanCap int
	now            func() time.Time
}

// New creates a search service.
func New(index Index, docs DocReader, embedder Embedder, tracker Tracker, collection string) *Service {
	return &Service{
		index:          index,
		docs:           docs,
		embedder:       embedder,
		tracker:        tracker,
		collection:     collection,
		defaultLimit:   10,
		maxLimit:       50,
		maxQueryLen:    1000,
		keywordScanCap: 1000,
		now:            time.Now,
	}
}

// WithLimits configures result and query limits.
func (s *Service) WithLimits(defaultLimit, maxLimit, maxQueryLen, keywordScanCap int) *Service {
	if defaultLimit > 0 {
		s.defaultLimit = defaultLimit
	}
	if maxLimit > 0 {
		s.maxLimit = maxLimit
	}
	if maxQueryLen > 0 {
		s.maxQueryLen = maxQueryLen
	}
	if keywordScanCap > 0 {
		s.keywordScanCap = keywordScanCap
	}
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Search dispatches on the requested mode and records one analytics
// event per call. A vector backend failure degrades semantic results to
// an empty page rather than failing the request; embedding failures
// propagate because retrying them has a real cost.
func (s *Service) Search(ctx context.Context, owner string, req domain.SearchRequest) ([]domain.SearchResult, error) {
	if err := s.validate(req); err != nil {
		metrics.SearchRequestsTotal.WithLabelValues(string(req.Mode), "invalid").Inc()
		return nil, err
	}
	limit := s.clampLimit(req.Limit)

	start := s.now()

	var results []domain.SearchResult
	var err error
	switch req.Mode {
	case domain.ModeKeyword:
		results, err = s.keywordSearch(ctx, owner, req, limit)
	case domain.ModeHybrid:
		// Score fusion needs a lexical index this service does not have
		// yet; hybrid requests get semantic results.
		logger.FromContext(ctx).Info("hybrid mode falling back to semantic search")
		results, err = s.semanticSearch(ctx, owner, req, limit)
	default:
		results, err = s.semanticSearch(ctx, owner, req, limit)
	}

	duration := s.now().Sub(start)

	if err != nil {
		metrics.SearchRequestsTotal.WithLabelValues(string(req.Mode), "error").Inc()
		return nil, err
	}

	metrics.SearchRequestsTotal.WithLabelValues(string(req.Mode), "success").Inc()
	metrics.SearchRequestDuration.WithLabelValues(string(req.Mode)).Observe(duration.Seconds())

	if s.tracker != nil {
		s.tracker.Track(domain.SearchEvent{
			Query:       req.Query,
			ResultCount: len(results),
			Duration:    duration,
			OwnerID:     owner,
			Mode:        req.Mode,
			At:          start.UTC(),
		})
	}

	return results, nil
}

// FindSimilar returns documents close to the given one. A missing
// source document yields an empty page, not an error.
func (s *Service) FindSimilar(ctx context.Context, owner, docID string, limit int) ([]domain.SearchResult, error) {
	limit = s.clampLimit(limit)

	source, err := s.docs.Get(ctx, owner, docID)
	if err != nil {
		if isNotFound(err) {
			return []domain.SearchResult{}, nil
		}
		return nil, fmt.Errorf("get source document: %w", err)
	}

	emb, err := s.embedder.Embed(ctx, domain.EmbeddingText(source.Title, source.Content))
	if err != nil {
		return nil, fmt.Errorf("vectorize source document: %w", err)
	}

	// One extra slot because the source document matches itself.
	matches, err := s.index.Search(ctx, s.collection, emb.Embedding, limit+1, vector.Filter{Owner: owner})
	if err != nil {
		logger.FromContext(ctx).Warn("vector search failed, returning empty results",
			zap.String("document_id", docID), zap.Error(err))
		metrics.SearchDegradedTotal.Inc()
		return []domain.SearchResult{}, nil
	}

	results := make([]domain.SearchResult, 0, limit)
	for _, m := range matches {
		if m.ID == source.VectorRef {
			continue
		}
		results = append(results, resultFromMatch(m))
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func (s *Service) semanticSearch(ctx context.Context, owner string, req domain.SearchRequest, limit int) ([]domain.SearchResult, error) {
	emb, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("vectorize query: %w", err)
	}

	f := vector.Filter{Owner: owner, DocType: req.DocType}
	matches, err := s.index.Search(ctx, s.collection, emb.Embedding, limit*semanticOverfetch, f)
	if err != nil {
		logger.FromContext(ctx).Warn("vector search failed, returning empty results", zap.Error(err))
		metrics.SearchDegradedTotal.Inc()
		return []domain.SearchResult{}, nil
	}

	results := make([]domain.SearchResult, 0, limit)
	for _, m := range matches {
		if len(req.Tags) > 0 && !tagsOverlap(splitTags(m.Metadata[vector.MetaTags]), req.Tags) {
			continue
		}
		results = append(results, resultFromMatch(m))
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// keywordSearch scans the owner's documents for case-insensitive
// substring matches on title or content. The scan is capped, so very
// large corpora see a best-effort page.
func (s *Service) keywordSearch(ctx context.Context, owner string, req domain.SearchRequest, limit int) ([]domain.SearchResult, error) {
	docs, _, err := s.docs.List(ctx, owner, req.DocType, s.keywordScanCap, 0)
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}

	needle := strings.ToLower(req.Query)
	var matched []domain.Document
	for _, doc := range docs {
		if !strings.Contains(strings.ToLower(doc.Title), needle) &&
			!strings.Contains(strings.ToLower(doc.Content), needle) {
			continue
		}
		if len(req.Tags) > 0 && !tagsOverlap(doc.Tags, req.Tags) {
			continue
		}
		matched = append(matched, doc)
	}

	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []domain.SearchResult{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	results := make([]domain.SearchResult, 0, len(matched))
	for _, doc := range matched {
		results = append(results, domain.SearchResult{
			DocumentID: doc.ID,
			Title:      doc.Title,
			DocType:    doc.DocType,
			Tags:       doc.Tags,
			Score:      1.0, // substring match has no ranking signal
			Snippet:    snippet(doc.Content),
		})
	}
	return results, nil
}

func (s *Service) validate(req domain.SearchRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return domain.NewValidation("query", "must not be empty")
	}
	if len(req.Query) > s.maxQueryLen {
		return domain.NewValidation("query", fmt.Sprintf("must not exceed %d characters", s.maxQueryLen))
	}
	return nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

func resultFromMatch(m vector.Match) domain.SearchResult {
	return domain.SearchResult{
		DocumentID: m.Metadata[vector.MetaDocumentID],
		Title:      m.Metadata[vector.MetaTitle],
		DocType:    m.Metadata[vector.MetaDocType],
		Tags:       splitTags(m.Metadata[vector.MetaTags]),
		Score:      m.Score,
		Snippet:    snippet(m.Content),
	}
}

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetLen {
		return content
	}
	return string(runes[:snippetLen]) + "..."
}

func splitTags(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

func tagsOverlap(docTags, wanted []string) bool {
	for _, w := range wanted {
		for _, t := range docTags {
			if t == w {
				return true
			}
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
