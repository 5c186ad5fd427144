package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	cerrors "github.com/odvcencio/cohort/pkg/errors"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com"
	anthropicDefaultModel = "claude-3-5-haiku-latest"
	anthropicVersion      = "2023-06-01"
	anthropicMaxTokens    = 4096
)

// AnthropicProvider calls the Messages API.
type AnthropicProvider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	version      string
}

// NewAnthropicProvider builds an Anthropic provider.
func NewAnthropicProvider(name, apiKey, baseURL, model string, client *http.Client) *AnthropicProvider {
	if name == "" {
		name = "anthropic"
	}
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	if model == "" {
		model = anthropicDefaultModel
	}
	if client == nil {
		client = HTTPOptions{}.client()
	}
	return &AnthropicProvider{
		name:         name,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: model,
		httpClient:   client,
		version:      anthropicVersion,
	}
}

// ID returns provider identifier.
func (p *AnthropicProvider) ID() string {
	return p.name
}

// DefaultModel is used when a request names no model.
func (p *AnthropicProvider) DefaultModel() string {
	return p.defaultModel
}

// ChatCompletion executes a non-streaming request.
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	anthReq, err := p.toAnthropicRequest(req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(anthReq)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.version)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(p.name, resp)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	return anthropicResp.toChatResponse(), nil
}

func (p *AnthropicProvider) toAnthropicRequest(req ChatRequest) (*anthropicRequest, error) {
	anthReq := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if anthReq.Model == "" {
		anthReq.Model = p.defaultModel
	}
	if anthReq.MaxTokens == 0 {
		anthReq.MaxTokens = anthropicMaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)
		case "user", "assistant":
			anthReq.Messages = append(anthReq.Messages, anthropicMessage{
				Role:    msg.Role,
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})
		default:
			return nil, cerrors.Newf(cerrors.ErrCodeInvalidInput, "anthropic provider does not support %q messages", msg.Role).
				WithRetryable(false)
		}
	}
	if len(anthReq.Messages) == 0 {
		return nil, cerrors.New(cerrors.ErrCodeInvalidInput, "anthropic request needs at least one user message").
			WithRetryable(false)
	}
	if len(systemParts) > 0 {
		anthReq.System = strings.Join(systemParts, "\n\n")
	}
	return anthReq, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a anthropicResponse) toChatResponse() *ChatResponse {
	var parts []string
	for _, c := range a.Content {
		if c.Type == "" || c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}

	finish := a.StopReason
	if finish == "" {
		finish = "stop"
	}

	return &ChatResponse{
		ID:    a.ID,
		Model: a.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: strings.Join(parts, "\n")},
			FinishReason: finish,
		}},
		Usage: &Usage{
			PromptTokens:     a.Usage.InputTokens,
			CompletionTokens: a.Usage.OutputTokens,
			TotalTokens:      a.Usage.InputTokens + a.Usage.OutputTokens,
		},
	}
}
