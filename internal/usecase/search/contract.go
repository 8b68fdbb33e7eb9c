package search

import (
	"context"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/vector"
)

// Index runs similarity queries against the vector index.
type Index interface {
	Search(ctx context.Context, collection string, query []float32, limit int, f vector.Filter) ([]vector.Match, error)
}

// DocReader reads document metadata for keyword scans and similarity
// lookups.
type DocReader interface {
	Get(ctx context.Context, owner, id string) (domain.Document, error)
	List(ctx context.Context, owner, docType string, limit, offset int) (
		docs []domain.Document, total int, err error,
	)
}

// Embedder vectorizes query text.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

// Tracker records search events for usage analytics.
type Tracker interface {
	Track(event domain.SearchEvent)
}
