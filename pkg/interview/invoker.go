package interview

import (
	"context"
	"time"

	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/survey"
)

// Chatter is the part of model.Gateway the invoker needs.
type Chatter interface {
	Chat(ctx context.Context, req model.Request) (*model.Result, error)
}

// Options tune a single interview. RunID and Attempt only label logs.
type Options struct {
	Provider    string
	Model       string
	Temperature *float64
	MaxTokens   int

	RunID   string
	Attempt int
}

// Result is one successfully parsed interview.
type Result struct {
	PersonaID   string                `json:"personaId"`
	Answers     []survey.SurveyAnswer `json:"answers"`
	RawResponse string                `json:"rawResponse"`
	Provider    string                `json:"provider"`
	Model       string                `json:"model"`
	Usage       *model.Usage          `json:"usage,omitempty"`
	Duration    time.Duration         `json:"processingTime"`
}

// Invoker runs interviews through a gateway. It keeps no state between
// calls and is safe for concurrent use.
type Invoker struct {
	chat    Chatter
	logger  *logging.Logger
	replies *logging.ReplyLogger
}

// NewInvoker builds an invoker. logger and replies may be nil.
func NewInvoker(chat Chatter, logger *logging.Logger, replies *logging.ReplyLogger) *Invoker {
	return &Invoker{chat: chat, logger: logger, replies: replies}
}

// Interview asks persona the questions in one exchange. Backend failures are
// returned as the gateway reported them; an unparseable reply yields a
// *ParseError carrying the raw text.
func (iv *Invoker) Interview(ctx context.Context, persona survey.Persona, questions []survey.Question, opts Options) (*Result, error) {
	start := time.Now()
	res, err := iv.chat.Chat(ctx, model.Request{
		Messages:    BuildPrompt(persona, questions),
		Provider:    opts.Provider,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	_ = iv.replies.WriteReply(opts.RunID, persona.ID, res.ProviderUsed, res.ModelUsed, opts.Attempt, res.Content)

	answers, err := ParseReply(res.Content, questions)
	if err != nil {
		_ = iv.logger.Warn(logging.CategoryParse, "parse_failed", err.Error(), map[string]any{
			"run_id":     opts.RunID,
			"persona_id": persona.ID,
			"provider":   res.ProviderUsed,
			"attempt":    opts.Attempt,
			"reply_len":  len(res.Content),
		})
		return nil, &ParseError{
			RawResponse: res.Content,
			Provider:    res.ProviderUsed,
			Model:       res.ModelUsed,
			Err:         err,
		}
	}

	return &Result{
		PersonaID:   persona.ID,
		Answers:     answers,
		RawResponse: res.Content,
		Provider:    res.ProviderUsed,
		Model:       res.ModelUsed,
		Usage:       res.Usage,
		Duration:    time.Since(start),
	}, nil
}
