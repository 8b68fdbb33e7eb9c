// Package consistency reconciles the metadata store against the vector
// index. The stores are updated without a distributed transaction, so a
// crash between writes can leave them out of step; the scan reports the
// drift without repairing it.
package consistency

import (
	"context"
	"fmt"
	"sort"
)

// Refs lists vector references from the metadata store.
type Refs interface {
	ListVectorRefs(ctx context.Context, owner string) ([]string, error)
}

// Index lists entry ids from the vector index.
type Index interface {
	ListIDs(ctx context.Context, collection, owner string) ([]string, error)
}

// Report describes the drift between the two stores for one owner.
type Report struct {
	OwnerID          string   `json:"user_id"`
	DocumentCount    int      `json:"document_count"`
	IndexCount       int      `json:"index_count"`
	MissingFromIndex []string `json:"missing_from_index"`
	OrphanedVectors  []string `json:"orphaned_vectors"`
	Consistent       bool     `json:"consistent"`
}

// Service runs consistency scans.
type Service struct {
	refs       Refs
	index      Index
	collection string
}

// New creates a consistency scan service.
func New(refs Refs, index Index, collection string) *Service {
	return &Service{refs: refs, index: index, collection: collection}
}

// Scan diffs the owner's vector references against the index entries.
// MissingFromIndex holds documents with no vector (a failed create or
// update mirror); OrphanedVectors holds index entries with no owning
// row (a delete that failed halfway).
func (s *Service) Scan(ctx context.Context, owner string) (Report, error) {
	refs, err := s.refs.ListVectorRefs(ctx, owner)
	if err != nil {
		return Report{}, fmt.Errorf("list vector refs: %w", err)
	}

	ids, err := s.index.ListIDs(ctx, s.collection, owner)
	if err != nil {
		return Report{}, fmt.Errorf("list index ids: %w", err)
	}

	refSet := toSet(refs)
	idSet := toSet(ids)

	missing := make([]string, 0)
	for _, ref := range refs {
		if !idSet[ref] {
			missing = append(missing, ref)
		}
	}
	orphaned := make([]string, 0)
	for _, id := range ids {
		if !refSet[id] {
			orphaned = append(orphaned, id)
		}
	}
	sort.Strings(missing)
	sort.Strings(orphaned)

	return Report{
		OwnerID:          owner,
		DocumentCount:    len(refs),
		IndexCount:       len(ids),
		MissingFromIndex: missing,
		OrphanedVectors:  orphaned,
		Consistent:       len(missing) == 0 && len(orphaned) == 0,
	}, nil
}

func toSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}
