// Package vector defines the backend-agnostic vector index contract.
// Two interchangeable implementations live in the local and milvus
// subpackages; one is chosen at startup and never swapped mid-flight.
package vector

import (
	"context"
	"time"
)

// Metadata keys mirrored into the index as filterable attributes.
const (
	MetaDocumentID = "document_id"
	MetaOwnerID    = "owner_id"
	MetaTitle      = "title"
	MetaDocType    = "doc_type"
	MetaTags       = "tags" // comma-joined
)

// Record is one entry to insert or overwrite. Repeated upserts with the
// same ID converge to the latest content.
type Record struct {
	ID       string
	Vector   []float32
	Content  string
	Metadata map[string]string
}

// Match is one search hit. Score is on the canonical [0,1] similarity
// scale, 1.0 meaning identical; backends normalize their native metric.
type Match struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]string
}

// Filter restricts a search to entries whose mirrored attributes match.
// Empty fields do not filter.
type Filter struct {
	Owner   string
	DocType string
}

// Provider is the vector index contract. Initialize retries transient
// connection failures with bounded exponential backoff and is fatal when
// the budget is exhausted. Per-request calls do NOT retry: failures
// propagate and callers decide whether to degrade.
type Provider interface {
	Initialize(ctx context.Context) error
	CreateCollection(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, collection string, records []Record) error
	Search(ctx context.Context, collection string, query []float32, limit int, f Filter) ([]Match, error)
	Delete(ctx context.Context, collection string, ids []string) error
	Count(ctx context.Context, collection string) (int64, error)
	ListIDs(ctx context.Context, collection, owner string) ([]string, error)
	Health(ctx context.Context) error
	Close() error
}

// InitRetry runs op with bounded exponential backoff, covering
// slow-starting storage mounts and remote services. The last error is
// returned once attempts are exhausted.
func InitRetry(ctx context.Context, attempts int, base time.Duration, op func(context.Context) error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// ClampScore bounds a normalized similarity score to [0,1].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
