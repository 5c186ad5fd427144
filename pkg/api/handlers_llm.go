package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/model"
)

// ChatRequest is the body of POST /llm/chat.
type ChatRequest struct {
	Messages    []model.Message `json:"messages"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"maxTokens,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must be a non-empty array")
		return
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Role) == "" {
			writeError(w, http.StatusBadRequest, "message "+strconv.Itoa(i)+" has no role")
			return
		}
	}
	if s.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, model.ErrProviderNotConfigured.Error())
		return
	}

	res, err := s.gateway.Chat(r.Context(), model.Request{
		Messages:    req.Messages,
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		_ = s.logger.Warn(logging.CategoryHTTP, "chat_failed", err.Error(), map[string]any{
			"provider":   req.Provider,
			"request_id": RequestID(r.Context()),
		})
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": res})
}

func (s *Server) handleLLMConfig(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		writeJSON(w, http.StatusOK, model.Description{Providers: []model.ProviderInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.Describe())
}

// TestRequest optionally names the provider to probe.
type TestRequest struct {
	Provider string `json:"provider,omitempty"`
}

func (s *Server) handleLLMTest(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if s.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, model.ErrProviderNotConfigured.Error())
		return
	}

	res, err := s.gateway.Probe(r.Context(), req.Provider)
	if err != nil {
		status := http.StatusBadGateway
		if model.IsConfigError(err) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"model":    res.ModelUsed,
		"provider": res.ProviderUsed,
	})
}
