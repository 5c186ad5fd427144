package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/cohort/pkg/interview"
	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/survey"
)

const goodReply = "Sure.\n```json\n{\"answers\":[{\"questionId\":\"brand\",\"answer\":\"Alpha\",\"reasoning\":\"cheaper\",\"confidence\":0.8},{\"questionId\":\"likely\",\"answer\":4,\"confidence\":0.6}]}\n```"

var (
	apiPersona   = survey.Persona{ID: "p-1", Name: "Ana", Occupation: "nurse"}
	apiQuestions = []survey.Question{
		{ID: "brand", Kind: survey.KindSingleChoice, Text: "Which brand?", Options: []string{"Alpha", "Beta"}},
		{ID: "likely", Kind: survey.KindScale, Text: "How likely?"},
	}
)

// openAIStub answers /chat/completions with reply, or with status when it
// is non-zero.
type openAIStub struct {
	reply  string
	status int
	calls  atomic.Int32
}

func (s *openAIStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	if r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}
	if s.status != 0 {
		w.WriteHeader(s.status)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(model.ChatResponse{
		ID:    "cmpl-1",
		Model: "stub-model",
		Choices: []model.Choice{{
			Message:      model.Message{Role: "assistant", Content: s.reply},
			FinishReason: "stop",
		}},
		Usage: &model.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
	})
}

func newStubbedServer(t *testing.T, stub *openAIStub) *Server {
	t.Helper()
	backend := httptest.NewServer(stub)
	t.Cleanup(backend.Close)

	gw := model.NewGateway(model.Options{Primary: "openai"},
		model.NewOpenAIProvider("openai", "sk-test-secret", backend.URL, "stub-model", backend.Client()))
	return NewServer(ServerConfig{
		Gateway:     gw,
		Interviewer: interview.NewInvoker(gw, nil, nil),
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer_DefaultAddress(t *testing.T) {
	srv := NewServer(ServerConfig{})
	assert.Equal(t, ":8080", srv.Addr())

	srv = NewServer(ServerConfig{Address: ":9090"})
	assert.Equal(t, ":9090", srv.Addr())
}

func TestHealthAndReadiness(t *testing.T) {
	h := NewServer(ServerConfig{}).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = newStubbedServer(t, &openAIStub{reply: goodReply}).Handler()
	rec = do(t, h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	h := NewServer(ServerConfig{}).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "caller-chosen")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "caller-chosen", rec.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewServer(ServerConfig{}).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSurveyExecute_Success(t *testing.T) {
	stub := &openAIStub{reply: goodReply}
	h := newStubbedServer(t, stub).Handler()

	rec := do(t, h, http.MethodPost, "/survey/execute", SurveyExecuteRequest{Persona: apiPersona, Questions: apiQuestions})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Success bool              `json:"success"`
		Data    SurveyExecuteData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "p-1", body.Data.PersonaID)
	require.Len(t, body.Data.Answers, 2)
	assert.Equal(t, "brand", body.Data.Answers[0].QuestionID)
	assert.Equal(t, survey.ChoiceAnswer("Alpha").Kind, body.Data.Answers[0].Answer.Kind)
	assert.Equal(t, "Alpha", body.Data.Answers[0].Answer.Choice)
	assert.Equal(t, 4.0, body.Data.Answers[1].Answer.Value)
	assert.Equal(t, goodReply, body.Data.RawResponse)
	assert.GreaterOrEqual(t, body.Data.ProcessingTime, int64(0))
	assert.Equal(t, "openai", body.Data.Provider)
	assert.Empty(t, body.Data.Issues)
	assert.EqualValues(t, 1, stub.calls.Load())
}

func TestSurveyExecute_ParseFailure(t *testing.T) {
	h := newStubbedServer(t, &openAIStub{reply: "I would rather not say."}).Handler()

	rec := do(t, h, http.MethodPost, "/survey/execute", SurveyExecuteRequest{Persona: apiPersona, Questions: apiQuestions})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "I would rather not say.", body["rawResponse"])
	assert.NotEmpty(t, body["error"])
}

func TestSurveyExecute_BadRequests(t *testing.T) {
	h := newStubbedServer(t, &openAIStub{reply: goodReply}).Handler()

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"persona":`},
		{"missing persona id", SurveyExecuteRequest{Questions: apiQuestions}},
		{"no questions", SurveyExecuteRequest{Persona: apiPersona}},
		{"bad question kind", SurveyExecuteRequest{Persona: apiPersona, Questions: []survey.Question{{ID: "x", Kind: "ranking", Text: "?"}}}},
		{"temperature out of range", map[string]any{"persona": apiPersona, "questions": apiQuestions, "temperature": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/survey/execute", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

type interviewerFunc func() error

func (f interviewerFunc) Interview(context.Context, survey.Persona, []survey.Question, interview.Options) (*interview.Result, error) {
	return nil, f()
}

func TestSurveyExecute_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unconfigured", fmt.Errorf("chat: %w", model.ErrProviderNotConfigured), http.StatusServiceUnavailable},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(ServerConfig{Interviewer: interviewerFunc(func() error { return tt.err })}).Handler()
			rec := do(t, h, http.MethodPost, "/survey/execute", SurveyExecuteRequest{Persona: apiPersona, Questions: apiQuestions})
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "connection reset", decode(t, rec)["details"])
			}
		})
	}

	h := NewServer(ServerConfig{}).Handler()
	rec := do(t, h, http.MethodPost, "/survey/execute", SurveyExecuteRequest{Persona: apiPersona, Questions: apiQuestions})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChat(t *testing.T) {
	h := newStubbedServer(t, &openAIStub{reply: "hello there"}).Handler()

	rec := do(t, h, http.MethodPost, "/llm/chat", ChatRequest{Messages: []model.Message{{Role: "user", Content: "hi"}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Success bool         `json:"success"`
		Data    model.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "hello there", body.Data.Content)
	assert.Equal(t, "openai", body.Data.ProviderUsed)
	assert.Equal(t, "stub-model", body.Data.ModelUsed)
	require.NotNil(t, body.Data.Usage)
	assert.Equal(t, 52, body.Data.Usage.TotalTokens)

	rec = do(t, h, http.MethodPost, "/llm/chat", ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/llm/chat", `{"messages": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/llm/chat", ChatRequest{Messages: []model.Message{{Content: "no role"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/llm/chat", ChatRequest{Provider: "nobody", Messages: []model.Message{{Role: "user", Content: "hi"}}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChat_Unconfigured(t *testing.T) {
	h := NewServer(ServerConfig{}).Handler()
	rec := do(t, h, http.MethodPost, "/llm/chat", ChatRequest{Messages: []model.Message{{Role: "user", Content: "hi"}}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLLMConfig_NeverExposesCredentials(t *testing.T) {
	h := newStubbedServer(t, &openAIStub{reply: goodReply}).Handler()

	rec := do(t, h, http.MethodGet, "/llm/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-test-secret")

	body := decode(t, rec)
	assert.Equal(t, true, body["configured"])
	assert.Equal(t, "stub-model", body["defaultModel"])
	assert.Equal(t, "openai", body["primary"])

	rec = do(t, NewServer(ServerConfig{}).Handler(), http.MethodGet, "/llm/config", nil)
	assert.Equal(t, false, decode(t, rec)["configured"])
}

func TestLLMTest(t *testing.T) {
	h := newStubbedServer(t, &openAIStub{reply: "OK"}).Handler()
	rec := do(t, h, http.MethodPost, "/llm/test", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "openai", body["provider"])
	assert.Equal(t, "stub-model", body["model"])

	h = newStubbedServer(t, &openAIStub{status: http.StatusUnauthorized}).Handler()
	rec = do(t, h, http.MethodPost, "/llm/test", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "bad key")

	rec = do(t, h, http.MethodPost, "/llm/test", TestRequest{Provider: "missing"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewServer(ServerConfig{}).Handler()
	rec := do(t, h, http.MethodOptions, "/llm/chat", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
