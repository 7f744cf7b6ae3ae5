// Package local implements the LLM Gateway's "local-inference endpoint"
// provider family: an OpenAI-compatible server (e.g. Ollama, llama.cpp's
// server mode, vLLM) reached without authentication by default, matching
// the thin-specialisation pattern the teacher's llama provider uses over
// its OpenAI-compatible base.
package local

import (
	"github.com/deepresearch/orchestrator/llm"
	"github.com/deepresearch/orchestrator/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// Config configures the local-inference provider.
type Config struct {
	BaseURL      string
	Model        string
	APIKey       string
	EndpointPath string
}

// Provider is the local-inference llm.Provider.
type Provider struct {
	*openaicompat.Provider
}

// New creates a local-inference provider pointed at baseURL.
func New(cfg Config, logger *zap.Logger) *Provider {
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName: "local",
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			EndpointPath: cfg.EndpointPath,
		}, logger),
	}
}

var _ llm.Provider = (*Provider)(nil)
