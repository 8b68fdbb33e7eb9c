package document

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/vector"
)

type mockRepo struct {
	docs      map[string]domain.Document
	createErr error
	updateErr error
	creates   int
}

func newMockRepo() *mockRepo {
	return &mockRepo{docs: make(map[string]domain.Document)}
}

func (m *mockRepo) Create(_ context.Context, doc domain.Document) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.creates++
	m.docs[doc.ID] = doc
	return nil
}

func (m *mockRepo) Get(_ context.Context, owner, id string) (domain.Document, error) {
	doc, ok := m.docs[id]
	if !ok || doc.OwnerID != owner {
		return domain.Document{}, domain.ErrNotFound
	}
	return doc, nil
}

func (m *mockRepo) Update(_ context.Context, doc domain.Document) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *mockRepo) Delete(_ context.Context, owner, id string) (bool, error) {
	doc, ok := m.docs[id]
	if !ok || doc.OwnerID != owner {
		return false, nil
	}
	delete(m.docs, id)
	return true, nil
}

func (m *mockRepo) List(_ context.Context, owner, docType string, limit, offset int) ([]domain.Document, int, error) {
	var all []domain.Document
	for _, doc := range m.docs {
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

func (m *mockRepo) CountByType(_ context.Context, owner string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, doc := range m.docs {
		if doc.OwnerID == owner {
			counts[doc.DocType]++
		}
	}
	return counts, nil
}

func (m *mockRepo) ContentStats(_ context.Context, owner string) (int64, time.Time, error) {
	var totalBytes int64
	var last time.Time
	for _, doc := range m.docs {
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

type mockIndex struct {
	upserts   [][]vector.Record
	deletes   [][]string
	upsertErr error
	deleteErr error
	count     int64
}

func (m *mockIndex) Upsert(_ context.Context, _ string, records []vector.Record) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts = append(m.upserts, records)
	return nil
}

func (m *mockIndex) Delete(_ context.Context, _ string, ids []string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletes = append(m.deletes, ids)
	return nil
}

func (m *mockIndex) Count(_ context.Context, _ string) (int64, error) {
	return m.count, nil
}

type mockEmbedder struct {
	texts []string
	err   error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	if m.err != nil {
		return domain.EmbeddingResult{}, m.err
	}
	m.texts = append(m.texts, text)
	return domain.EmbeddingResult{Embedding: []float32{0.1, 0.2}, TotalTokens: 3}, nil
}

func newService(repo *mockRepo, index *mockIndex, emb *mockEmbedder) *Service {
	return New(repo, index, emb, "docs").
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }).
		WithIDGenerator(func() string { return "doc-1" })
}

func TestCreate(t *testing.T) {
	repo := newMockRepo()
	index := &mockIndex{}
	emb := &mockEmbedder{}
	svc := newService(repo, index, emb)

	doc, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{
		Title:   "Go concurrency",
		Content: "Channels orchestrate goroutines.",
		Tags:    []string{"go"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if doc.ID != "doc-1" {
		t.Errorf("ID = %q, want doc-1", doc.ID)
	}
	if doc.VectorRef != "emb_doc-1" {
		t.Errorf("VectorRef = %q, want emb_doc-1", doc.VectorRef)
	}
	if doc.DocType != "note" {
		t.Errorf("DocType = %q, want default note", doc.DocType)
	}
	if len(emb.texts) != 1 || !strings.Contains(emb.texts[0], "Go concurrency\n\nChannels") {
		t.Errorf("embedded text = %v, want title and content joined", emb.texts)
	}
	if len(index.upserts) != 1 {
		t.Fatalf("index upserts = %d, want 1", len(index.upserts))
	}
	rec := index.upserts[0][0]
	if rec.ID != "emb_doc-1" {
		t.Errorf("record ID = %q, want emb_doc-1", rec.ID)
	}
	if rec.Metadata[vector.MetaOwnerID] != "alice" {
		t.Errorf("record owner = %q, want alice", rec.Metadata[vector.MetaOwnerID])
	}
	if rec.Metadata[vector.MetaTags] != "go" {
		t.Errorf("record tags = %q, want go", rec.Metadata[vector.MetaTags])
	}
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name  string
		draft domain.DocumentDraft
	}{
		{"empty title", domain.DocumentDraft{Content: "body"}},
		{"blank title", domain.DocumentDraft{Title: "   ", Content: "body"}},
		{"empty content", domain.DocumentDraft{Title: "t"}},
		{"too long title", domain.DocumentDraft{Title: strings.Repeat("x", 501), Content: "body"}},
		{"too many tags", domain.DocumentDraft{Title: "t", Content: "body", Tags: make([]string, 21)}},
		{"tag with comma", domain.DocumentDraft{Title: "t", Content: "body", Tags: []string{"db,ops"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMockRepo()
			emb := &mockEmbedder{}
			svc := newService(repo, &mockIndex{}, emb)

			_, err := svc.Create(context.Background(), "alice", tc.draft)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Create() error = %v, want ErrValidation", err)
			}
			if len(emb.texts) != 0 {
				t.Error("embedder called for invalid draft")
			}
			if repo.creates != 0 {
				t.Error("repo written for invalid draft")
			}
		})
	}
}

func TestCreateEmbedErrorPropagates(t *testing.T) {
	repo := newMockRepo()
	emb := &mockEmbedder{err: domain.ErrEmbeddingProviderError}
	svc := newService(repo, &mockIndex{}, emb)

	_, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "t", Content: "c"})
	if !errors.Is(err, domain.ErrEmbeddingProviderError) {
		t.Errorf("Create() error = %v, want ErrEmbeddingProviderError", err)
	}
	if repo.creates != 0 {
		t.Error("repo written despite embed failure")
	}
}

func TestCreateIndexErrorKeepsRow(t *testing.T) {
	repo := newMockRepo()
	index := &mockIndex{upsertErr: domain.ErrBackendUnavailable}
	svc := newService(repo, index, &mockEmbedder{})

	_, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "t", Content: "c"})
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Errorf("Create() error = %v, want ErrBackendUnavailable", err)
	}
	// The metadata row stays; the consistency scan picks up the gap.
	if repo.creates != 1 {
		t.Errorf("repo creates = %d, want 1", repo.creates)
	}
}

func TestUpdateTextReembeds(t *testing.T) {
	repo := newMockRepo()
	index := &mockIndex{}
	emb := &mockEmbedder{}
	svc := newService(repo, index, emb)

	created, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "old", Content: "body"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	newTitle := "new"
	updated, err := svc.Update(context.Background(), "alice", created.ID, domain.DocumentPatch{Title: &newTitle})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if updated.Title != "new" {
		t.Errorf("Title = %q, want new", updated.Title)
	}
	if updated.VectorRef != created.VectorRef {
		t.Errorf("VectorRef changed on update: %q -> %q", created.VectorRef, updated.VectorRef)
	}
	if len(emb.texts) != 2 {
		t.Errorf("embed calls = %d, want 2 (create + text update)", len(emb.texts))
	}
	if len(index.upserts) != 2 {
		t.Errorf("index upserts = %d, want 2", len(index.upserts))
	}
}

func TestUpdatePersistsRowBeforeReindex(t *testing.T) {
	repo := newMockRepo()
	index := &mockIndex{}
	svc := newService(repo, index, &mockEmbedder{})

	created, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "old", Content: "body"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	repo.updateErr = errors.New("connection reset")

	newTitle := "new"
	if _, err := svc.Update(context.Background(), "alice", created.ID, domain.DocumentPatch{Title: &newTitle}); err == nil {
		t.Fatal("Update() error = nil, want persist failure")
	}

	// A failed metadata persist must leave the index untouched; the
	// row is authoritative and the index only ever trails it.
	if len(index.upserts) != 1 {
		t.Errorf("index upserts = %d, want 1 (create only)", len(index.upserts))
	}
}

func TestUpdateReindexFailureKeepsRow(t *testing.T) {
	repo := newMockRepo()
	index := &mockIndex{}
	svc := newService(repo, index, &mockEmbedder{})

	created, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "old", Content: "body"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	index.upsertErr = errors.New("index down")

	newTitle := "new"
	if _, err := svc.Update(context.Background(), "alice", created.ID, domain.DocumentPatch{Title: &newTitle}); err == nil {
		t.Fatal("Update() error = nil, want reindex failure")
	}

	got, err := svc.Get(context.Background(), "alice", created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "new" {
		t.Errorf("Title = %q, want new (row updated despite reindex failure)", got.Title)
	}
}

func TestUpdateTagsOnlySkipsEmbedding(t *testing.T) {
	repo := newMockRepo()
	index := &mockIndex{}
	emb := &mockEmbedder{}
	svc := newService(repo, index, emb)

	created, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := svc.Update(context.Background(), "alice", created.ID, domain.DocumentPatch{Tags: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(updated.Tags) != 2 {
		t.Errorf("Tags = %v, want [a b]", updated.Tags)
	}
	if len(emb.texts) != 1 {
		t.Errorf("embed calls = %d, want 1 (create only)", len(emb.texts))
	}
	if len(index.upserts) != 1 {
		t.Errorf("index upserts = %d, want 1 (create only)", len(index.upserts))
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	svc := newService(newMockRepo(), &mockIndex{}, &mockEmbedder{})

	title := "t"
	_, err := svc.Update(context.Background(), "alice", "nope", domain.DocumentPatch{Title: &title})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	repo := newMockRepo()
	index := &mockIndex{}
	svc := newService(repo, index, &mockEmbedder{})

	created, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	existed, err := svc.Delete(context.Background(), "alice", created.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !existed {
		t.Error("Delete() existed = false, want true")
	}
	if len(index.deletes) != 1 || index.deletes[0][0] != created.VectorRef {
		t.Errorf("index deletes = %v, want [[%s]]", index.deletes, created.VectorRef)
	}
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	index := &mockIndex{}
	svc := newService(newMockRepo(), index, &mockEmbedder{})

	existed, err := svc.Delete(context.Background(), "alice", "nope")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if existed {
		t.Error("Delete() existed = true, want false")
	}
	if len(index.deletes) != 0 {
		t.Errorf("index deletes = %v, want none", index.deletes)
	}
}

func TestDeleteOtherOwnerInvisible(t *testing.T) {
	repo := newMockRepo()
	svc := newService(repo, &mockIndex{}, &mockEmbedder{})

	created, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	existed, err := svc.Delete(context.Background(), "bob", created.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if existed {
		t.Error("Delete() by other owner existed = true, want false")
	}
	if _, ok := repo.docs[created.ID]; !ok {
		t.Error("document removed by other owner")
	}
}

func TestListClampsLimit(t *testing.T) {
	repo := newMockRepo()
	svc := newService(repo, &mockIndex{}, &mockEmbedder{}).WithPagination(5, 10)

	ids := 0
	svc.WithIDGenerator(func() string {
		ids++
		return strings.Repeat("d", ids)
	})
	for i := 0; i < 12; i++ {
		if _, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "t", Content: "c"}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	docs, total, err := svc.List(context.Background(), "alice", "", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 5 {
		t.Errorf("default page size = %d, want 5", len(docs))
	}
	if total != 12 {
		t.Errorf("total = %d, want 12", total)
	}

	docs, _, err = svc.List(context.Background(), "alice", "", 100, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 10 {
		t.Errorf("clamped page size = %d, want 10", len(docs))
	}
}

func TestStats(t *testing.T) {
	repo := newMockRepo()
	index := &mockIndex{count: 7}
	svc := newService(repo, index, &mockEmbedder{})

	ids := 0
	svc.WithIDGenerator(func() string {
		ids++
		return strings.Repeat("d", ids)
	})
	for _, docType := range []string{"note", "note", "guide"} {
		if _, err := svc.Create(context.Background(), "alice", domain.DocumentDraft{Title: "t", Content: "c", DocType: docType}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	stats, err := svc.Stats(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalDocuments != 3 {
		t.Errorf("TotalDocuments = %d, want 3", stats.TotalDocuments)
	}
	if stats.ByType["note"] != 2 || stats.ByType["guide"] != 1 {
		t.Errorf("ByType = %v, want note:2 guide:1", stats.ByType)
	}
	if stats.IndexSize != 7 {
		t.Errorf("IndexSize = %d, want 7", stats.IndexSize)
	}
	if stats.TotalSizeBytes != 3 {
		t.Errorf("TotalSizeBytes = %d, want 3", stats.TotalSizeBytes)
	}
	if stats.LastUpdated == nil {
		t.Error("LastUpdated = nil, want latest update time")
	}
}

func TestStats_EmptyCorpus(t *testing.T) {
	svc := newService(newMockRepo(), &mockIndex{}, &mockEmbedder{})

	stats, err := svc.Stats(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalDocuments != 0 || stats.TotalSizeBytes != 0 {
		t.Errorf("stats = %+v, want empty", stats)
	}
	if stats.LastUpdated != nil {
		t.Errorf("LastUpdated = %v, want nil", stats.LastUpdated)
	}
}
