package knowd

import (
	"context"
	"net/url"
	"strconv"
)

// SearchOptions narrows a search. Zero values mean server defaults.
type SearchOptions struct {
	Mode         string   `json:"search_mode,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	Offset       int      `json:"offset,omitempty"`
	DocumentType string   `json:"document_type,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// SearchResponse is a page of search hits.
type SearchResponse struct {
	Query           string         `json:"query"`
	SearchMode      string         `json:"search_mode"`
	Results         []SearchResult `json:"results"`
	TotalFound      int            `json:"total_found"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
}

// AnalyticsSummary aggregates the owner's recent searches.
type AnalyticsSummary struct {
	TotalSearches  int              `json:"total_searches"`
	AverageResults float64          `json:"average_results"`
	TopQueries     []AnalyticsQuery `json:"top_queries"`
	SearchesByDay  map[string]int   `json:"searches_by_day"`
}

// AnalyticsQuery is one entry of the top-queries ranking.
type AnalyticsQuery struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// ConsistencyReport describes drift between the metadata store and the
// vector index.
type ConsistencyReport struct {
	DocumentCount    int      `json:"document_count"`
	IndexCount       int      `json:"index_count"`
	MissingFromIndex []string `json:"missing_from_index"`
	OrphanedVectors  []string `json:"orphaned_vectors"`
	Consistent       bool     `json:"consistent"`
}

type searchPayload struct {
	Query string `json:"query"`
	SearchOptions
}

// Search runs a semantic, keyword, or hybrid search over the owner's
// documents.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) (SearchResponse, error) {
	var resp SearchResponse
	err := c.do(ctx, "POST", "/api/v1/knowledge/search", searchPayload{Query: query, SearchOptions: opts}, &resp)
	return resp, err
}

// FindSimilar returns documents close to the given one. limit 0 uses
// the server default.
func (c *Client) FindSimilar(ctx context.Context, id string, limit int) (SearchResponse, error) {
	path := "/api/v1/search/similar/" + url.PathEscape(id)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp SearchResponse
	err := c.do(ctx, "GET", path, nil, &resp)
	return resp, err
}

// SearchAnalytics returns aggregated search usage for the owner.
func (c *Client) SearchAnalytics(ctx context.Context) (AnalyticsSummary, error) {
	var summary AnalyticsSummary
	err := c.do(ctx, "GET", "/api/v1/knowledge/analytics/search", nil, &summary)
	return summary, err
}

// CheckConsistency diffs the owner's metadata rows against the vector
// index.
func (c *Client) CheckConsistency(ctx context.Context) (ConsistencyReport, error) {
	var report ConsistencyReport
	err := c.do(ctx, "GET", "/api/v1/knowledge/consistency", nil, &report)
	return report, err
}
