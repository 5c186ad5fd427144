package api

import (
	"errors"
	"net/http"

	"github.com/odvcencio/cohort/pkg/interview"
	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/survey"
)

// SurveyExecuteRequest interviews one persona synchronously.
type SurveyExecuteRequest struct {
	Persona     survey.Persona    `json:"persona"`
	Questions   []survey.Question `json:"questions"`
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
}

// SurveyExecuteData is the success payload. ProcessingTime is milliseconds.
type SurveyExecuteData struct {
	PersonaID      string                `json:"personaId"`
	Answers        []survey.SurveyAnswer `json:"answers"`
	RawResponse    string                `json:"rawResponse"`
	ProcessingTime int64                 `json:"processingTime"`
	Provider       string                `json:"provider,omitempty"`
	Model          string                `json:"model,omitempty"`
	Usage          *model.Usage          `json:"usage,omitempty"`
	Issues         []survey.Issue        `json:"issues,omitempty"`
}

func (s *Server) handleSurveyExecute(w http.ResponseWriter, r *http.Request) {
	var req SurveyExecuteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Persona.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := survey.ValidateQuestions(req.Questions); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		writeError(w, http.StatusBadRequest, "temperature must be within [0, 2]")
		return
	}
	if s.interviewer == nil {
		writeError(w, http.StatusServiceUnavailable, model.ErrProviderNotConfigured.Error())
		return
	}

	temperature := req.Temperature
	if temperature == nil {
		temperature = s.defaults.Temperature
	}
	res, err := s.interviewer.Interview(r.Context(), req.Persona, req.Questions, interview.Options{
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: temperature,
		MaxTokens:   s.defaults.MaxTokens,
		Attempt:     1,
	})
	if err != nil {
		var perr *interview.ParseError
		if errors.As(err, &perr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"success":     false,
				"error":       "failed to parse structured answers from model reply",
				"rawResponse": perr.RawResponse,
			})
			return
		}
		_ = s.logger.Warn(logging.CategoryHTTP, "survey_execute_failed", err.Error(), map[string]any{
			"persona_id": req.Persona.ID,
			"request_id": RequestID(r.Context()),
		})
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": SurveyExecuteData{
			PersonaID:      res.PersonaID,
			Answers:        res.Answers,
			RawResponse:    res.RawResponse,
			ProcessingTime: res.Duration.Milliseconds(),
			Provider:       res.Provider,
			Model:          res.Model,
			Usage:          res.Usage,
			Issues:         survey.CheckAnswers(req.Questions, res.Answers),
		},
	})
}
