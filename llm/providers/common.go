// Package providers holds the OpenAI-compatible wire types and helpers
// shared by every HTTP-based llm.Provider implementation.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/deepresearch/orchestrator/llm"
	"github.com/deepresearch/orchestrator/research"
)

// MapHTTPError maps an HTTP status code to a research.Error carrying the
// LLM_UNAVAILABLE kind, retryable for 429 and 5xx. The gateway's fallback
// chain moves on to the next provider after any error, whatever its Code or
// Retryable flag.
func MapHTTPError(status int, msg string, provider string) *research.Error {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return research.NewError(research.ErrLLMUnavailable, fmt.Sprintf("%s: %s", provider, msg)).WithRetryable(true)
	default:
		return research.NewError(research.ErrLLMUnavailable, fmt.Sprintf("%s: %s", provider, msg)).WithRetryable(false)
	}
}

// ReadErrorMessage drains the response body, preferring the OpenAI-style
// {"error":{"message":...}} envelope and falling back to raw text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 8192))
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}

// OpenAICompatMessage is one chat turn in the OpenAI-compatible wire format.
type OpenAICompatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

// OpenAICompatRequest is the request body for /v1/chat/completions.
type OpenAICompatRequest struct {
	Model       string                `json:"model"`
	Messages    []OpenAICompatMessage `json:"messages"`
	MaxTokens   int                   `json:"max_tokens,omitempty"`
	Temperature float32               `json:"temperature,omitempty"`
	Stream      bool                  `json:"stream,omitempty"`
}

// OpenAICompatChoice is one completion choice, used for both the
// non-streaming response body and SSE delta frames.
type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Message      OpenAICompatMessage  `json:"message"`
	Delta        *OpenAICompatMessage `json:"delta,omitempty"`
}

// OpenAICompatUsage reports token counts.
type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAICompatResponse is the response body returned by
// /v1/chat/completions, in both streaming and non-streaming form.
type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Created int64                `json:"created,omitempty"`
}

// ConvertMessagesToOpenAI converts gateway messages to the wire format.
func ConvertMessagesToOpenAI(msgs []llm.Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, OpenAICompatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// ToLLMChatResponse converts a wire response to the gateway's fixed shape.
func ToLLMChatResponse(oa OpenAICompatResponse) *llm.ChatResponse {
	var text string
	if len(oa.Choices) > 0 {
		text = oa.Choices[0].Message.Content
	}
	resp := &llm.ChatResponse{Model: oa.Model, Text: text}
	if oa.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     oa.Usage.PromptTokens,
			CompletionTokens: oa.Usage.CompletionTokens,
			TotalTokens:      oa.Usage.TotalTokens,
		}
	}
	return resp
}

// ChooseModel picks the request's model, falling back to the provider's
// configured default.
func ChooseModel(req *llm.ChatRequest, defaultModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return defaultModel
}

// SafeCloseBody closes an HTTP response body, ignoring nil bodies.
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// ListModelsOpenAICompat performs a minimal reachability probe against the
// provider's models endpoint, used by HealthCheck.
func ListModelsOpenAICompat(ctx context.Context, client *http.Client, baseURL, apiKey, providerName, modelsEndpoint string, buildHeaders func(*http.Request, string)) error {
	endpoint := fmt.Sprintf("%s%s", strings.TrimRight(baseURL, "/"), modelsEndpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build models probe request: %w", err)
	}
	buildHeaders(httpReq, apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		return MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), providerName)
	}
	return nil
}
