package document

import (
	"context"
	"time"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/vector"
)

// Repository defines the metadata storage contract for documents.
type Repository interface {
	Create(ctx context.Context, doc domain.Document) error
	Get(ctx context.Context, owner, id string) (domain.Document, error)
	Update(ctx context.Context, doc domain.Document) error
	Delete(ctx context.Context, owner, id string) (existed bool, err error)
	List(ctx context.Context, owner, docType string, limit, offset int) (
		docs []domain.Document, total int, err error,
	)
	CountByType(ctx context.Context, owner string) (map[string]int, error)
	ContentStats(ctx context.Context, owner string) (totalBytes int64, lastUpdated time.Time, err error)
}

// Index mirrors documents into the vector index.
type Index interface {
	Upsert(ctx context.Context, collection string, records []vector.Record) error
	Delete(ctx context.Context, collection string, ids []string) error
	Count(ctx context.Context, collection string) (int64, error)
}

// Embedder vectorizes text into embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}
