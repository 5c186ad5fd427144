package interview

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/survey"
)

// ErrParse is matched with errors.Is when a reply holds no usable answer
// payload.
var ErrParse = errors.New("no structured answers in reply")

// ParseError carries the raw reply of an interview whose answers could not
// be extracted.
type ParseError struct {
	RawResponse string
	Provider    string
	Model       string
	Err         error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse reply from %s: %v", e.Provider, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?[ \\t]*\\n?(.*?)```")

// ParseReply extracts answers from a model reply. Candidates are tried in
// order: fenced code blocks, the span from the first '{' to the last '}',
// the span from the first '[' to the last ']'. Each candidate is decoded as
// is and then after repair. The first candidate that decodes wins.
func ParseReply(text string, questions []survey.Question) ([]survey.SurveyAnswer, error) {
	cands := candidates(text)
	if len(cands) == 0 {
		return nil, parseFailure("reply contains no JSON object or array")
	}

	kinds := make(map[string]survey.Kind, len(questions))
	for _, q := range questions {
		kinds[q.ID] = q.Kind
	}

	var lastErr error
	for _, c := range cands {
		items, err := decodeEnvelope(c)
		if err != nil {
			repaired, rerr := jsonrepair.JSONRepair(c)
			if rerr != nil {
				lastErr = err
				continue
			}
			if items, err = decodeEnvelope(repaired); err != nil {
				lastErr = err
				continue
			}
		}
		return toAnswers(items, kinds), nil
	}
	return nil, parseFailure(lastErr.Error())
}

func parseFailure(detail string) error {
	return cerrors.Wrap(ErrParse, cerrors.ErrCodeParseFailed, detail).WithRetryable(true)
}

func candidates(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		add(text[start : end+1])
	}
	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
		add(text[start : end+1])
	}
	return out
}

type rawAnswer struct {
	QuestionID    string          `json:"questionId"`
	QuestionIDAlt string          `json:"question_id"`
	Answer        json.RawMessage `json:"answer"`
	Reasoning     string          `json:"reasoning"`
	Confidence    json.RawMessage `json:"confidence"`
}

// decodeEnvelope accepts {"answers":[...]} or a bare array.
func decodeEnvelope(s string) ([]rawAnswer, error) {
	data := []byte(s)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []rawAnswer
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode answer array: %w", err)
		}
		return items, nil
	}

	var env struct {
		Answers *[]rawAnswer `json:"answers"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode answer object: %w", err)
	}
	if env.Answers == nil {
		return nil, fmt.Errorf(`reply object has no "answers" field`)
	}
	return *env.Answers, nil
}

func toAnswers(items []rawAnswer, kinds map[string]survey.Kind) []survey.SurveyAnswer {
	out := make([]survey.SurveyAnswer, 0, len(items))
	for _, it := range items {
		id := it.QuestionID
		if id == "" {
			id = it.QuestionIDAlt
		}
		// Undecodable values stay untyped and surface as quality issues.
		ans, _ := survey.DecodeAnswer(kinds[id], it.Answer)
		out = append(out, survey.SurveyAnswer{
			QuestionID: id,
			Answer:     ans,
			Reasoning:  strings.TrimSpace(it.Reasoning),
			Confidence: survey.ClampConfidence(confidence(it.Confidence)),
		})
	}
	return out
}

// confidence accepts numbers, numeric strings and percentages.
func confidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n > 1 && n <= 100 {
			n /= 100
		}
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0
	}
	if pct || (f > 1 && f <= 100) {
		f /= 100
	}
	return f
}
