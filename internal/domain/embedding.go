package domain

import "context"

// EmbeddingResult is a vector plus token usage from the provider.
type EmbeddingResult struct {
	Embedding    []float32
	PromptTokens int
	TotalTokens  int
}

// Embedder vectorizes text into a fixed-dimension embedding. The model
// (and therefore the dimension) is fixed for the process lifetime:
// changing it invalidates every previously written vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, error)
}

// HealthChecker is optionally implemented by embedders that can verify
// provider availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
