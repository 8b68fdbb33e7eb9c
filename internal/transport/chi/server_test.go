package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimux "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/knowd/internal/domain"
	analyticsuc "github.com/kailas-cloud/knowd/internal/usecase/analytics"
	bulkuc "github.com/kailas-cloud/knowd/internal/usecase/bulk"
	consistencyuc "github.com/kailas-cloud/knowd/internal/usecase/consistency"
	documentuc "github.com/kailas-cloud/knowd/internal/usecase/document"
	healthuc "github.com/kailas-cloud/knowd/internal/usecase/health"
	jobuc "github.com/kailas-cloud/knowd/internal/usecase/job"
	searchuc "github.com/kailas-cloud/knowd/internal/usecase/search"
	"github.com/kailas-cloud/knowd/internal/vector"
)

// --- Fakes ---

type fakeRepo struct {
	docs map[string]domain.Document
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{docs: make(map[string]domain.Document)}
}

func (f *fakeRepo) Create(_ context.Context, doc domain.Document) error {
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeRepo) Get(_ context.Context, owner, id string) (domain.Document, error) {
	doc, ok := f.docs[id]
	if !ok || doc.OwnerID != owner {
		return domain.Document{}, domain.ErrNotFound
	}
	return doc, nil
}

func (f *fakeRepo) Update(_ context.Context, doc domain.Document) error {
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, owner, id string) (bool, error) {
	doc, ok := f.docs[id]
	if !ok || doc.OwnerID != owner {
		return false, nil
	}
	delete(f.docs, id)
	return true, nil
}

func (f *fakeRepo) List(_ context.Context, owner, docType string, limit, offset int) ([]domain.Document, int, error) {
	var all []domain.Document
	for _, doc := range f.docs {
		if doc.OwnerID != owner {
			continue
		}
		if docType != "" && doc.DocType != docType {
			continue
		}
		all = append(all, doc)
	}
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (f *fakeRepo) CountByType(_ context.Context, owner string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, doc := range f.docs {
		if doc.OwnerID == owner {
			counts[doc.DocType]++
		}
	}
	return counts, nil
}

func (f *fakeRepo) ContentStats(_ context.Context, owner string) (int64, time.Time, error) {
	var totalBytes int64
	var last time.Time
	for _, doc := range f.docs {
		if doc.OwnerID != owner {
			continue
		}
		totalBytes += int64(len(doc.Content))
		if doc.UpdatedAt.After(last) {
			last = doc.UpdatedAt
		}
	}
	return totalBytes, last, nil
}

func (f *fakeRepo) ListVectorRefs(_ context.Context, owner string) ([]string, error) {
	var refs []string
	for _, doc := range f.docs {
		if doc.OwnerID == owner {
			refs = append(refs, doc.VectorRef)
		}
	}
	return refs, nil
}

type fakeIndex struct {
	records map[string]vector.Record
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{records: make(map[string]vector.Record)}
}

func (f *fakeIndex) Upsert(_ context.Context, _ string, records []vector.Record) error {
	for _, rec := range records {
		f.records[rec.ID] = rec
	}
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, _ string, ids []string) error {
	for _, id := range ids {
		delete(f.records, id)
	}
	return nil
}

func (f *fakeIndex) Count(_ context.Context, _ string) (int64, error) {
	return int64(len(f.records)), nil
}

func (f *fakeIndex) Search(_ context.Context, _ string, _ []float32, limit int, flt vector.Filter) ([]vector.Match, error) {
	var matches []vector.Match
	for _, rec := range f.records {
		if flt.Owner != "" && rec.Metadata[vector.MetaOwnerID] != flt.Owner {
			continue
		}
		if flt.DocType != "" && rec.Metadata[vector.MetaDocType] != flt.DocType {
			continue
		}
		matches = append(matches, vector.Match{
			ID:       rec.ID,
			Score:    0.9,
			Content:  rec.Content,
			Metadata: rec.Metadata,
		})
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func (f *fakeIndex) ListIDs(_ context.Context, _, owner string) ([]string, error) {
	var ids []string
	for _, rec := range f.records {
		if rec.Metadata[vector.MetaOwnerID] == owner {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) (domain.EmbeddingResult, error) {
	return domain.EmbeddingResult{Embedding: []float32{0.1, 0.2, 0.3}, TotalTokens: 3}, nil
}

type fakeChecker struct{}

func (f *fakeChecker) Ping(_ context.Context) error   { return nil }
func (f *fakeChecker) Health(_ context.Context) error { return nil }

// --- Harness ---

type testEnv struct {
	handler http.Handler
	repo    *fakeRepo
	index   *fakeIndex
	bulk    *bulkuc.Service
	jobs    *jobuc.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	repo := newFakeRepo()
	index := newFakeIndex()

	seq := 0
	newID := func() string {
		seq++
		return fmt.Sprintf("doc-%d", seq)
	}

	analytics := analyticsuc.New()
	docSvc := documentuc.New(repo, index, &fakeEmbedder{}, "docs").WithIDGenerator(newID)
	searchSvc := searchuc.New(index, repo, &fakeEmbedder{}, analytics, "docs")
	jobs := jobuc.NewManager(time.Hour, time.Hour, logger)
	bulkSvc := bulkuc.New(docSvc, jobs, logger)
	consSvc := consistencyuc.New(repo, index, "docs")
	healthSvc := healthuc.New(&fakeChecker{}, &fakeChecker{}, nil)

	server := NewServer(docSvc, searchSvc, bulkSvc, jobs, analytics, consSvc, healthSvc, logger)

	r := chimux.NewRouter()
	r.Use(UserIDMiddleware())
	server.Routes(r)

	return &testEnv{handler: r, repo: repo, index: index, bulk: bulkSvc, jobs: jobs}
}

func (e *testEnv) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// --- Tests ---

func TestCreateAndGetDocument(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title":   "Query tuning",
		"content": "Use EXPLAIN ANALYZE.",
		"tags":    []string{"db"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	created := decodeBody[domain.Document](t, rr)
	if created.ID == "" {
		t.Fatal("created document has no id")
	}
	if created.VectorRef != "emb_"+created.ID {
		t.Errorf("vector ref: got %q, want %q", created.VectorRef, "emb_"+created.ID)
	}
	if created.DocType != "note" {
		t.Errorf("default doc type: got %q, want note", created.DocType)
	}
	if _, ok := env.index.records[created.VectorRef]; !ok {
		t.Error("document not mirrored into the index")
	}

	rr = env.do(t, "GET", "/api/v1/knowledge/documents/"+created.ID, "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: got %d, want %d", rr.Code, http.StatusOK)
	}

	// Another owner must not see it.
	rr = env.do(t, "GET", "/api/v1/knowledge/documents/"+created.ID, "bob", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("foreign get: got %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestCreateDocument_ValidationError(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title":   "",
		"content": "body",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}

	resp := decodeBody[map[string]string](t, rr)
	if resp["code"] != codeValidationFailed {
		t.Errorf("code: got %s, want %s", resp["code"], codeValidationFailed)
	}
	if resp["field"] != "title" {
		t.Errorf("field: got %s, want title", resp["field"])
	}
}

func TestUpdateDocument(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Old", "content": "body",
	})
	created := decodeBody[domain.Document](t, rr)

	rr = env.do(t, "PUT", "/api/v1/knowledge/documents/"+created.ID, "alice", map[string]any{
		"title": "New",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: got %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	updated := decodeBody[domain.Document](t, rr)
	if updated.Title != "New" {
		t.Errorf("title: got %q, want New", updated.Title)
	}
	if updated.Content != "body" {
		t.Errorf("content: got %q, want unchanged body", updated.Content)
	}
}

func TestDeleteDocument(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Doomed", "content": "body",
	})
	created := decodeBody[domain.Document](t, rr)

	rr = env.do(t, "DELETE", "/api/v1/knowledge/documents/"+created.ID, "alice", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d, want %d", rr.Code, http.StatusNoContent)
	}
	if _, ok := env.index.records[created.VectorRef]; ok {
		t.Error("vector entry survived the delete")
	}

	rr = env.do(t, "DELETE", "/api/v1/knowledge/documents/"+created.ID, "alice", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
			"title": fmt.Sprintf("Doc %d", i), "content": "body",
		})
	}
	env.do(t, "POST", "/api/v1/knowledge/documents", "bob", map[string]any{
		"title": "Other", "content": "body",
	})

	rr := env.do(t, "GET", "/api/v1/knowledge/documents?limit=2&offset=0", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: got %d, want %d", rr.Code, http.StatusOK)
	}

	resp := decodeBody[documentListResponse](t, rr)
	if resp.TotalCount != 3 {
		t.Errorf("total_count: got %d, want 3", resp.TotalCount)
	}
	if len(resp.Documents) != 2 {
		t.Errorf("page size: got %d, want 2", len(resp.Documents))
	}
	if resp.Limit != 2 || resp.Offset != 0 {
		t.Errorf("page echo: got limit=%d offset=%d, want 2/0", resp.Limit, resp.Offset)
	}
}

func TestListDocuments_EchoesEffectivePage(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Doc", "content": "body",
	})

	rr := env.do(t, "GET", "/api/v1/knowledge/documents", "alice", nil)
	resp := decodeBody[documentListResponse](t, rr)
	if resp.Limit != 20 {
		t.Errorf("default limit echo: got %d, want 20", resp.Limit)
	}

	rr = env.do(t, "GET", "/api/v1/knowledge/documents?limit=500&offset=-3", "alice", nil)
	resp = decodeBody[documentListResponse](t, rr)
	if resp.Limit != 100 {
		t.Errorf("clamped limit echo: got %d, want 100", resp.Limit)
	}
	if resp.Offset != 0 {
		t.Errorf("offset echo: got %d, want 0", resp.Offset)
	}
}

func TestSemanticSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Tuning", "content": "Use EXPLAIN ANALYZE for slow queries.",
	})

	rr := env.do(t, "POST", "/api/v1/search", "alice", map[string]any{
		"query": "slow queries", "limit": 5,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("search: got %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	resp := decodeBody[searchResponse](t, rr)
	if resp.TotalFound != 1 {
		t.Fatalf("total_found: got %d, want 1", resp.TotalFound)
	}
	if resp.Results[0].Title != "Tuning" {
		t.Errorf("result title: got %q, want Tuning", resp.Results[0].Title)
	}
}

func TestUnifiedSearch_KeywordMode(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Postgres guide", "content": "indexes and vacuum",
	})
	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Redis guide", "content": "keys and values",
	})

	rr := env.do(t, "POST", "/api/v1/knowledge/search", "alice", map[string]any{
		"query": "postgres", "search_mode": "keyword",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("search: got %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	resp := decodeBody[unifiedSearchResponse](t, rr)
	if resp.SearchMode != "keyword" {
		t.Errorf("search_mode: got %q, want keyword", resp.SearchMode)
	}
	if resp.TotalFound != 1 {
		t.Fatalf("total_found: got %d, want 1", resp.TotalFound)
	}
	if resp.Results[0].Score != 1.0 {
		t.Errorf("keyword score: got %v, want 1.0", resp.Results[0].Score)
	}
}

func TestUnifiedSearch_InvalidMode(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/knowledge/search", "alice", map[string]any{
		"query": "anything", "search_mode": "fuzzy",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("got %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}
}

func TestFindSimilarEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Source", "content": "origin",
	})
	created := decodeBody[domain.Document](t, rr)
	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Neighbor", "content": "close by",
	})

	rr = env.do(t, "GET", "/api/v1/search/similar/"+created.ID, "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("similar: got %d, want %d", rr.Code, http.StatusOK)
	}

	resp := decodeBody[searchResponse](t, rr)
	for _, res := range resp.Results {
		if res.DocumentID == created.ID {
			t.Error("source document included in its own similarity results")
		}
	}
}

func TestBulkDeleteEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var ids []string
	for i := 0; i < 2; i++ {
		rr := env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
			"title": fmt.Sprintf("Doc %d", i), "content": "body",
		})
		ids = append(ids, decodeBody[domain.Document](t, rr).ID)
	}

	rr := env.do(t, "POST", "/api/v1/knowledge/documents/bulk-delete", "alice", map[string]any{
		"document_ids": append(ids, "missing"),
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("bulk delete: got %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	accepted := decodeBody[domain.Job](t, rr)
	if accepted.ID == "" {
		t.Fatal("bulk delete response has no job id")
	}
	env.bulk.Wait()

	rr = env.do(t, "GET", "/api/v1/knowledge/jobs/"+accepted.ID, "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get job: got %d, want %d", rr.Code, http.StatusOK)
	}

	j := decodeBody[domain.Job](t, rr)
	if j.Status != domain.JobCompleted {
		t.Fatalf("job status: got %s, want %s", j.Status, domain.JobCompleted)
	}
	if got := j.Result["deleted_count"]; got != float64(2) {
		t.Errorf("deleted_count: got %v, want 2", got)
	}
	if got := j.Result["failed_count"]; got != float64(1) {
		t.Errorf("failed_count: got %v, want 1", got)
	}
}

func TestBulkDelete_EmptyIDs(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/knowledge/documents/bulk-delete", "alice", map[string]any{
		"document_ids": []string{},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("got %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}
}

func TestJobEndpoints_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/knowledge/jobs/nope", "alice", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get: got %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = env.do(t, "DELETE", "/api/v1/knowledge/jobs/nope", "alice", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("delete: got %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestCancelJobEndpoint(t *testing.T) {
	env := newTestEnv(t)

	j := env.jobs.Create("bulk_delete")
	rr := env.do(t, "DELETE", "/api/v1/knowledge/jobs/"+j.ID, "alice", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("cancel: got %d, want %d", rr.Code, http.StatusNoContent)
	}
	if _, ok := env.jobs.Get(j.ID); ok {
		t.Error("job survived cancellation")
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "A", "content": "body", "document_type": "runbook",
	})
	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "B", "content": "body",
	})

	rr := env.do(t, "GET", "/api/v1/knowledge/stats", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: got %d, want %d", rr.Code, http.StatusOK)
	}

	stats := decodeBody[documentuc.Stats](t, rr)
	if stats.TotalDocuments != 2 {
		t.Errorf("total_documents: got %d, want 2", stats.TotalDocuments)
	}
	if stats.ByType["runbook"] != 1 {
		t.Errorf("runbook count: got %d, want 1", stats.ByType["runbook"])
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Doc", "content": "body",
	})
	env.do(t, "POST", "/api/v1/knowledge/search", "alice", map[string]any{
		"query": "doc", "search_mode": "keyword",
	})
	env.do(t, "POST", "/api/v1/knowledge/search", "bob", map[string]any{
		"query": "doc", "search_mode": "keyword",
	})

	rr := env.do(t, "GET", "/api/v1/knowledge/analytics/search", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("analytics: got %d, want %d", rr.Code, http.StatusOK)
	}
	summary := decodeBody[analyticsuc.Summary](t, rr)
	if summary.TotalSearches != 1 {
		t.Errorf("total_searches: got %d, want 1", summary.TotalSearches)
	}

	rr = env.do(t, "DELETE", "/api/v1/knowledge/analytics/search", "alice", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("reset: got %d, want %d", rr.Code, http.StatusNoContent)
	}

	rr = env.do(t, "GET", "/api/v1/knowledge/analytics/search", "alice", nil)
	summary = decodeBody[analyticsuc.Summary](t, rr)
	if summary.TotalSearches != 0 {
		t.Errorf("after reset: got %d searches, want 0", summary.TotalSearches)
	}

	// The reset is owner-scoped.
	rr = env.do(t, "GET", "/api/v1/knowledge/analytics/search", "bob", nil)
	summary = decodeBody[analyticsuc.Summary](t, rr)
	if summary.TotalSearches != 1 {
		t.Errorf("bob after alice's reset: got %d searches, want 1", summary.TotalSearches)
	}
}

func TestConsistencyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, "POST", "/api/v1/knowledge/documents", "alice", map[string]any{
		"title": "Doc", "content": "body",
	})

	rr := env.do(t, "GET", "/api/v1/knowledge/consistency", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("consistency: got %d, want %d", rr.Code, http.StatusOK)
	}

	report := decodeBody[consistencyuc.Report](t, rr)
	if !report.Consistent {
		t.Errorf("report = %+v, want consistent", report)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: got %d, want %d", rr.Code, http.StatusOK)
	}

	report := decodeBody[healthuc.Report](t, rr)
	if report.Status != healthuc.Healthy {
		t.Errorf("status: got %s, want %s", report.Status, healthuc.Healthy)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/knowledge/documents", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}
