package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	openAIBaseURL      = "https://api.openai.com/v1"
	openAIDefaultModel = "gpt-4o-mini"
)

// OpenAIProvider talks to any OpenAI-compatible /chat/completions endpoint.
// DeepSeek, DashScope and most self-hosted gateways speak the same protocol,
// so each is configured as a named instance of this provider.
type OpenAIProvider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewOpenAIProvider builds a provider. Empty baseURL and model fall back to
// OpenAI's own endpoint and a small default model.
func NewOpenAIProvider(name, apiKey, baseURL, model string, client *http.Client) *OpenAIProvider {
	if name == "" {
		name = "openai"
	}
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	if model == "" {
		model = openAIDefaultModel
	}
	if client == nil {
		client = HTTPOptions{}.client()
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: model,
		httpClient:   client,
	}
}

// ID returns provider identifier.
func (p *OpenAIProvider) ID() string {
	return p.name
}

// DefaultModel is used when a request names no model.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// ChatCompletion executes a non-streaming completion.
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.defaultModel
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(p.name, resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if chatResp.Model == "" {
		chatResp.Model = req.Model
	}
	return &chatResp, nil
}
