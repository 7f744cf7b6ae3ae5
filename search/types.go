// Package search implements the C2 Search Gateway: a single Search contract
// in front of an external web-search API, with request coalescing, a
// bounded local cache, an optional shared Redis tier, and a degraded mode
// that lets the pipeline continue producing a report when the search
// backend is unavailable.
package search

import (
	"context"

	"github.com/deepresearch/orchestrator/research"
)

// Result is one web search hit.
type Result struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Provider performs the actual network search call. httpProvider is the
// only production implementation; tests substitute a stub.
type Provider interface {
	Search(ctx context.Context, query string, language research.Language, maxResults int) ([]Result, error)
	// HealthCheck performs a cheap reachability check against the backend,
	// independent of any actual search query.
	HealthCheck(ctx context.Context) error
}
