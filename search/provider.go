package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/deepresearch/orchestrator/internal/tlsutil"
	"github.com/deepresearch/orchestrator/research"
)

// HTTPProviderConfig configures the httpProvider.
type HTTPProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// httpProvider queries an external search API that returns a flat JSON
// array of {url,title,snippet,score} results, the common shape exposed by
// metasearch-style HTTP search backends.
type httpProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

// NewHTTPProvider creates a Provider backed by an HTTP search API.
func NewHTTPProvider(cfg HTTPProviderConfig) Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &httpProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
	}
}

type searchAPIResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type searchAPIResponse struct {
	Results []searchAPIResult `json:"results"`
}

func (p *httpProvider) Search(ctx context.Context, query string, language research.Language, maxResults int) ([]Result, error) {
	endpoint := fmt.Sprintf("%s?q=%s&lang=%s&limit=%d", p.cfg.BaseURL, url.QueryEscape(query), language, maxResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, research.NewError(research.ErrSearchDegraded, err.Error()).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, research.NewError(research.ErrSearchDegraded, fmt.Sprintf("search api status %d: %s", resp.StatusCode, body)).WithRetryable(retryable)
	}

	var apiResp searchAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, research.NewError(research.ErrSearchDegraded, fmt.Sprintf("decode search response: %v", err))
	}

	out := make([]Result, 0, len(apiResp.Results))
	for _, r := range apiResp.Results {
		out = append(out, Result{URL: r.URL, Title: r.Title, Snippet: r.Snippet, Score: r.Score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// HealthCheck issues a lightweight HEAD request against the search API's
// base URL to confirm the backend is reachable, without spending a real
// search query on it.
func (p *httpProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("build search health check request: %w", err)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("search api health check status %d", resp.StatusCode)
	}
	return nil
}
