package chi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	chimux "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/knowd/internal/domain"
	analyticsuc "github.com/kailas-cloud/knowd/internal/usecase/analytics"
	bulkuc "github.com/kailas-cloud/knowd/internal/usecase/bulk"
	consistencyuc "github.com/kailas-cloud/knowd/internal/usecase/consistency"
	documentuc "github.com/kailas-cloud/knowd/internal/usecase/document"
	healthuc "github.com/kailas-cloud/knowd/internal/usecase/health"
	jobuc "github.com/kailas-cloud/knowd/internal/usecase/job"
	searchuc "github.com/kailas-cloud/knowd/internal/usecase/search"
)

// Error response codes.
const (
	codeBadRequest             = "bad_request"
	codeUnauthorized           = "unauthorized"
	codeNotFound               = "not_found"
	codeValidationFailed       = "validation_failed"
	codeBackendUnavailable     = "backend_unavailable"
	codeEmbeddingProviderError = "embedding_provider_error"
	codeVectorDimMismatch      = "vector_dim_mismatch"
	codeInternalError          = "internal_error"
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server is the HTTP API server.
type Server struct {
	documents     *documentuc.Service
	search        *searchuc.Service
	bulk          *bulkuc.Service
	jobs          *jobuc.Manager
	analytics     *analyticsuc.Service
	consistency   *consistencyuc.Service
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	documents *documentuc.Service,
	search *searchuc.Service,
	bulk *bulkuc.Service,
	jobs *jobuc.Manager,
	analytics *analyticsuc.Service,
	consistency *consistencyuc.Service,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	s := &Server{
		documents:   documents,
		search:      search,
		bulk:        bulk,
		jobs:        jobs,
		analytics:   analytics,
		consistency: consistency,
		health:      health,
		logger:      logger,
	}
	s.errorHandlers = []errorHandler{
		validationHandler,
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, codeNotFound),
		sentinelHandler(domain.ErrValidation, http.StatusUnprocessableEntity, codeValidationFailed),
		sentinelHandler(domain.ErrBackendUnavailable, http.StatusServiceUnavailable, codeBackendUnavailable),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, codeEmbeddingProviderError),
		sentinelHandler(domain.ErrVectorDimMismatch, http.StatusBadRequest, codeVectorDimMismatch),
	}
	return s
}

// Routes registers all API routes on the router.
func (s *Server) Routes(r chimux.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chimux.Router) {
		r.Post("/search", s.handleSemanticSearch)
		r.Get("/search/similar/{documentID}", s.handleFindSimilar)

		r.Route("/knowledge", func(r chimux.Router) {
			r.Post("/search", s.handleUnifiedSearch)
			r.Get("/stats", s.handleStats)
			r.Get("/consistency", s.handleConsistency)
			r.Get("/analytics/search", s.handleSearchAnalytics)
			r.Delete("/analytics/search", s.handleResetAnalytics)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Delete("/jobs/{jobID}", s.handleCancelJob)

			r.Route("/documents", func(r chimux.Router) {
				r.Post("/", s.handleCreateDocument)
				r.Get("/", s.handleListDocuments)
				r.Post("/bulk-delete", s.handleBulkDelete)
				r.Get("/{documentID}", s.handleGetDocument)
				r.Put("/{documentID}", s.handleUpdateDocument)
				r.Delete("/{documentID}", s.handleDeleteDocument)
			})
		})
	})
}

type createDocumentRequest struct {
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	DocumentType string            `json:"document_type"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata"`
}

type updateDocumentRequest struct {
	Title        *string           `json:"title"`
	Content      *string           `json:"content"`
	DocumentType *string           `json:"document_type"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata"`
}

type documentListResponse struct {
	Documents  []domain.Document `json:"documents"`
	TotalCount int               `json:"total_count"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

type searchRequest struct {
	Query        string   `json:"query"`
	Limit        int      `json:"limit"`
	DocumentType string   `json:"document_type"`
	Tags         []string `json:"tags"`
}

type unifiedSearchRequest struct {
	Query        string   `json:"query"`
	SearchMode   string   `json:"search_mode"`
	Limit        int      `json:"limit"`
	Offset       int      `json:"offset"`
	DocumentType string   `json:"document_type"`
	Tags         []string `json:"tags"`
}

type searchResponse struct {
	Query      string                `json:"query"`
	Results    []domain.SearchResult `json:"results"`
	TotalFound int                   `json:"total_found"`
}

type unifiedSearchResponse struct {
	Query           string                `json:"query"`
	SearchMode      string                `json:"search_mode"`
	Results         []domain.SearchResult `json:"results"`
	TotalFound      int                   `json:"total_found"`
	Returned        int                   `json:"returned"`
	ExecutionTimeMs float64               `json:"execution_time_ms"`
}

type bulkDeleteRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

// handleCreateDocument handles POST /api/v1/knowledge/documents.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	doc, err := s.documents.Create(r.Context(), OwnerFromContext(r.Context()), domain.DocumentDraft{
		Title:    req.Title,
		Content:  req.Content,
		DocType:  req.DocumentType,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

// handleGetDocument handles GET /api/v1/knowledge/documents/{documentID}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chimux.URLParam(r, "documentID")

	doc, err := s.documents.Get(r.Context(), OwnerFromContext(r.Context()), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleUpdateDocument handles PUT /api/v1/knowledge/documents/{documentID}.
func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	id := chimux.URLParam(r, "documentID")

	var req updateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	doc, err := s.documents.Update(r.Context(), OwnerFromContext(r.Context()), id, domain.DocumentPatch{
		Title:    req.Title,
		Content:  req.Content,
		DocType:  req.DocumentType,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleDeleteDocument handles DELETE /api/v1/knowledge/documents/{documentID}.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chimux.URLParam(r, "documentID")

	existed, err := s.documents.Delete(r.Context(), OwnerFromContext(r.Context()), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, codeNotFound, "Document not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListDocuments handles GET /api/v1/knowledge/documents.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	// Echo the effective page, not the raw query values.
	limit := s.documents.PageSize(queryInt(r, "limit"))
	offset := queryInt(r, "offset")
	if offset < 0 {
		offset = 0
	}
	docType := r.URL.Query().Get("document_type")

	docs, total, err := s.documents.List(r.Context(), OwnerFromContext(r.Context()), docType, limit, offset)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}

	writeJSON(w, http.StatusOK, documentListResponse{
		Documents:  docs,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	})
}

// handleSemanticSearch handles POST /api/v1/search.
func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	results, err := s.search.Search(r.Context(), OwnerFromContext(r.Context()), domain.SearchRequest{
		Query:   req.Query,
		Mode:    domain.ModeSemantic,
		Limit:   req.Limit,
		DocType: req.DocumentType,
		Tags:    req.Tags,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Query:      req.Query,
		Results:    results,
		TotalFound: len(results),
	})
}

// handleFindSimilar handles GET /api/v1/search/similar/{documentID}.
func (s *Server) handleFindSimilar(w http.ResponseWriter, r *http.Request) {
	id := chimux.URLParam(r, "documentID")
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = 5
	}

	results, err := s.search.FindSimilar(r.Context(), OwnerFromContext(r.Context()), id, limit)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Query:      "Similar to " + id,
		Results:    results,
		TotalFound: len(results),
	})
}

// handleUnifiedSearch handles POST /api/v1/knowledge/search.
func (s *Server) handleUnifiedSearch(w http.ResponseWriter, r *http.Request) {
	var req unifiedSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	mode, err := domain.ParseSearchMode(req.SearchMode)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, err.Error())
		return
	}

	start := time.Now()
	results, err := s.search.Search(r.Context(), OwnerFromContext(r.Context()), domain.SearchRequest{
		Query:   req.Query,
		Mode:    mode,
		Limit:   req.Limit,
		Offset:  req.Offset,
		DocType: req.DocumentType,
		Tags:    req.Tags,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	elapsedMs := math.Round(float64(time.Since(start).Microseconds())/10) / 100

	writeJSON(w, http.StatusOK, unifiedSearchResponse{
		Query:           req.Query,
		SearchMode:      string(mode),
		Results:         results,
		TotalFound:      len(results),
		Returned:        len(results),
		ExecutionTimeMs: elapsedMs,
	})
}

// handleBulkDelete handles POST /api/v1/knowledge/documents/bulk-delete.
// The delete runs in the background; the response carries the tracking
// job to poll.
func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	j, err := s.bulk.DeleteDocuments(r.Context(), OwnerFromContext(r.Context()), req.DocumentIDs)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// handleGetJob handles GET /api/v1/knowledge/jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chimux.URLParam(r, "jobID")

	j, ok := s.jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "Job not found")
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// handleCancelJob handles DELETE /api/v1/knowledge/jobs/{jobID}.
// Removing the job cancels any remaining bulk work tied to it.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chimux.URLParam(r, "jobID")

	if !s.jobs.Delete(id) {
		writeError(w, http.StatusNotFound, codeNotFound, "Job not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStats handles GET /api/v1/knowledge/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.documents.Stats(r.Context(), OwnerFromContext(r.Context()))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConsistency handles GET /api/v1/knowledge/consistency.
func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := s.consistency.Scan(r.Context(), OwnerFromContext(r.Context()))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleSearchAnalytics handles GET /api/v1/knowledge/analytics/search.
func (s *Server) handleSearchAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.analytics.Summarize(OwnerFromContext(r.Context())))
}

// handleResetAnalytics handles DELETE /api/v1/knowledge/analytics/search.
func (s *Server) handleResetAnalytics(w http.ResponseWriter, r *http.Request) {
	s.analytics.Reset(OwnerFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, report)
}

// handleMetrics handles GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrNotFound,
		domain.ErrValidation,
		domain.ErrBackendUnavailable,
		domain.ErrEmbeddingProviderError,
		domain.ErrVectorDimMismatch,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// validationHandler handles ValidationError with the offending field.
func validationHandler(w http.ResponseWriter, err error, _ string) bool {
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
		"code":    codeValidationFailed,
		"message": ve.Error(),
		"field":   ve.Field,
	})
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
