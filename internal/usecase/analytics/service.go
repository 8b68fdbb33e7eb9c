// Package analytics aggregates search usage from a bounded in-memory
// event log. Every aggregate is derived from the log on demand, so
// memory stays constant no matter how long the process runs.
package analytics

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kailas-cloud/knowd/internal/domain"
)

const defaultCapacity = 1000

// QueryCount is one entry of the top-queries ranking.
type QueryCount struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// Summary is the aggregated view of an owner's recent searches.
type Summary struct {
	TotalSearches  int            `json:"total_searches"`
	AverageResults float64        `json:"average_results"`
	TopQueries     []QueryCount   `json:"top_queries"`
	SearchesByDay  map[string]int `json:"searches_by_day"`
}

// Service keeps the most recent search events and aggregates them.
// Safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	events   []domain.SearchEvent
	start    int
	size     int
	capacity int
	topN     int
}

// New creates an analytics service with the default event capacity.
func New() *Service {
	return &Service{
		events:   make([]domain.SearchEvent, defaultCapacity),
		capacity: defaultCapacity,
		topN:     10,
	}
}

// WithCapacity overrides the event log capacity, for tests.
func (s *Service) WithCapacity(n int) *Service {
	if n > 0 {
		s.events = make([]domain.SearchEvent, n)
		s.capacity = n
		s.start = 0
		s.size = 0
	}
	return s
}

// Track records a search event, evicting the oldest once at capacity.
func (s *Service) Track(event domain.SearchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := (s.start + s.size) % s.capacity
	s.events[pos] = event
	if s.size < s.capacity {
		s.size++
	} else {
		s.start = (s.start + 1) % s.capacity
	}
}

// Summarize aggregates the retained events for one owner: totals,
// average result count rounded to two decimals, the top queries folded
// case-insensitively, and per-day counts keyed by UTC date.
func (s *Service) Summarize(owner string) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	resultSum := 0
	queryCounts := make(map[string]int)
	byDay := make(map[string]int)

	for i := 0; i < s.size; i++ {
		e := s.events[(s.start+i)%s.capacity]
		if e.OwnerID != owner {
			continue
		}
		total++
		resultSum += e.ResultCount
		queryCounts[strings.ToLower(e.Query)]++
		byDay[e.At.UTC().Format("2006-01-02")]++
	}

	avg := 0.0
	if total > 0 {
		avg = math.Round(float64(resultSum)/float64(total)*100) / 100
	}

	top := make([]QueryCount, 0, len(queryCounts))
	for q, n := range queryCounts {
		top = append(top, QueryCount{Query: q, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Query < top[j].Query
	})
	if len(top) > s.topN {
		top = top[:s.topN]
	}

	return Summary{
		TotalSearches:  total,
		AverageResults: avg,
		TopQueries:     top,
		SearchesByDay:  byDay,
	}
}

// Reset drops the owner's retained events. Other owners' history is
// untouched, matching the owner-scoped Summarize.
func (s *Service) Reset(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]domain.SearchEvent, s.capacity)
	n := 0
	for i := 0; i < s.size; i++ {
		e := s.events[(s.start+i)%s.capacity]
		if e.OwnerID == owner {
			continue
		}
		kept[n] = e
		n++
	}
	s.events = kept
	s.start = 0
	s.size = n
}
