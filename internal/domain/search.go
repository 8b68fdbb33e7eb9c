package domain

import (
	"fmt"
	"time"
)

// SearchMode selects the retrieval strategy.
type SearchMode string

// Search modes. Hybrid currently falls back to semantic; genuine score
// fusion is future work.
const (
	ModeSemantic SearchMode = "semantic"
	ModeKeyword  SearchMode = "keyword"
	ModeHybrid   SearchMode = "hybrid"
)

// ParseSearchMode validates a mode string, defaulting to semantic when empty.
func ParseSearchMode(s string) (SearchMode, error) {
	switch SearchMode(s) {
	case "":
		return ModeSemantic, nil
	case ModeSemantic, ModeKeyword, ModeHybrid:
		return SearchMode(s), nil
	default:
		return "", fmt.Errorf("%w: field \"search_mode\" must be semantic, keyword, or hybrid, got %q", ErrValidation, s)
	}
}

// SearchRequest is a search query against an owner's documents.
type SearchRequest struct {
	Query   string
	Mode    SearchMode
	Limit   int
	Offset  int
	DocType string
	Tags    []string
}

// SearchResult is one formatted search hit. Score is on the canonical
// [0,1] scale, 1.0 meaning identical.
type SearchResult struct {
	DocumentID string   `json:"document_id"`
	Title      string   `json:"title"`
	DocType    string   `json:"document_type"`
	Tags       []string `json:"tags"`
	Score      float64  `json:"score"`
	Snippet    string   `json:"snippet"`
}

// SearchEvent is one recorded search for usage analytics.
type SearchEvent struct {
	Query       string
	ResultCount int
	Duration    time.Duration
	OwnerID     string
	Mode        SearchMode
	At          time.Time
}
