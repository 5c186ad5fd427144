package survey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Persona is a synthetic respondent profile. It is consumed read-only.
type Persona struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Gender       string   `json:"gender,omitempty" yaml:"gender,omitempty"`
	AgeGroup     string   `json:"ageGroup,omitempty" yaml:"age_group,omitempty"`
	CityTier     string   `json:"cityTier,omitempty" yaml:"city_tier,omitempty"`
	Occupation   string   `json:"occupation,omitempty" yaml:"occupation,omitempty"`
	Education    string   `json:"education,omitempty" yaml:"education,omitempty"`
	IncomeLevel  string   `json:"incomeLevel,omitempty" yaml:"income_level,omitempty"`
	FamilyStatus string   `json:"familyStatus,omitempty" yaml:"family_status,omitempty"`
	Region       string   `json:"region,omitempty" yaml:"region,omitempty"`
	Traits       []string `json:"traits,omitempty" yaml:"traits,omitempty"`
	Bio          string   `json:"bio,omitempty" yaml:"bio,omitempty"`
}

// Validate reports whether the persona can be interviewed.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("persona id is required")
	}
	return nil
}

// Kind is the closed set of question kinds.
type Kind string

const (
	KindSingleChoice Kind = "single_choice"
	KindMultiChoice  Kind = "multi_choice"
	KindScale        Kind = "scale"
	KindOpenText     Kind = "open_text"
	KindImageCompare Kind = "image_compare"
	KindConceptTest  Kind = "concept_test"
)

// Kinds lists every supported question kind.
var Kinds = []Kind{
	KindSingleChoice,
	KindMultiChoice,
	KindScale,
	KindOpenText,
	KindImageCompare,
	KindConceptTest,
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Scale bounds a numeric-scale question.
type Scale struct {
	Min      float64 `json:"min" yaml:"min"`
	Max      float64 `json:"max" yaml:"max"`
	MinLabel string  `json:"minLabel,omitempty" yaml:"min_label,omitempty"`
	MaxLabel string  `json:"maxLabel,omitempty" yaml:"max_label,omitempty"`
}

// Question is one survey item. Kind decides which of the configuration
// fields apply.
type Question struct {
	ID         string   `json:"id" yaml:"id"`
	Kind       Kind     `json:"type" yaml:"type"`
	Text       string   `json:"text" yaml:"text"`
	Options    []string `json:"options,omitempty" yaml:"options,omitempty"`
	Scale      *Scale   `json:"scale,omitempty" yaml:"scale,omitempty"`
	Dimensions []string `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Images     []string `json:"images,omitempty" yaml:"images,omitempty"`
	Required   bool     `json:"required,omitempty" yaml:"required,omitempty"`
}

// DefaultScale applies to scale questions with no explicit bounds.
var DefaultScale = Scale{Min: 1, Max: 5}

// ScaleBounds returns the question's scale or DefaultScale.
func (q Question) ScaleBounds() Scale {
	if q.Scale == nil {
		return DefaultScale
	}
	return *q.Scale
}

// Validate checks the kind-specific configuration.
func (q Question) Validate() error {
	if strings.TrimSpace(q.ID) == "" {
		return fmt.Errorf("question id is required")
	}
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("question %s: text is required", q.ID)
	}
	switch q.Kind {
	case KindSingleChoice, KindMultiChoice:
		if len(q.Options) < 2 {
			return fmt.Errorf("question %s: %s needs at least two options", q.ID, q.Kind)
		}
	case KindImageCompare:
		if len(q.Options) < 2 && len(q.Images) < 2 {
			return fmt.Errorf("question %s: image_compare needs at least two options or images", q.ID)
		}
	case KindScale:
		s := q.ScaleBounds()
		if s.Max <= s.Min {
			return fmt.Errorf("question %s: scale max %.0f must exceed min %.0f", q.ID, s.Max, s.Min)
		}
	case KindConceptTest:
		if len(q.Dimensions) == 0 {
			return fmt.Errorf("question %s: concept_test needs dimensions", q.ID)
		}
	case KindOpenText:
	default:
		return fmt.Errorf("question %s: unknown kind %q", q.ID, q.Kind)
	}
	return nil
}

// Choices returns the selectable labels for choice-like questions.
func (q Question) Choices() []string {
	if q.Kind == KindImageCompare && len(q.Options) == 0 {
		return q.Images
	}
	return q.Options
}

// ValidateQuestions validates every question and rejects duplicate ids.
func ValidateQuestions(questions []Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("at least one question is required")
	}
	seen := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		if err := q.Validate(); err != nil {
			return err
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("duplicate question id %s", q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}

// ValidatePersonas rejects empty sets, missing ids and duplicates.
func ValidatePersonas(personas []Persona) error {
	if len(personas) == 0 {
		return fmt.Errorf("at least one persona is required")
	}
	seen := make(map[string]struct{}, len(personas))
	for i, p := range personas {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("persona %d: %w", i, err)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate persona id %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// SurveyAnswer is one parsed answer from a completed interview. On the wire
// the answer's kind travels next to its value so the union can be decoded
// again; a missing kind yields an untyped Answer holding the raw value.
type SurveyAnswer struct {
	QuestionID string  `json:"questionId"`
	Answer     Answer  `json:"answer"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`
}

type surveyAnswerJSON struct {
	QuestionID string          `json:"questionId"`
	Kind       Kind            `json:"kind,omitempty"`
	Answer     json.RawMessage `json:"answer"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Confidence float64         `json:"confidence"`
}

func (a SurveyAnswer) MarshalJSON() ([]byte, error) {
	value, err := json.Marshal(a.Answer)
	if err != nil {
		return nil, fmt.Errorf("answer for %s: %w", a.QuestionID, err)
	}
	return json.Marshal(surveyAnswerJSON{
		QuestionID: a.QuestionID,
		Kind:       a.Answer.Kind,
		Answer:     value,
		Reasoning:  a.Reasoning,
		Confidence: a.Confidence,
	})
}

func (a *SurveyAnswer) UnmarshalJSON(data []byte) error {
	var w surveyAnswerJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = SurveyAnswer{
		QuestionID: w.QuestionID,
		Reasoning:  w.Reasoning,
		Confidence: w.Confidence,
	}
	raw := bytes.TrimSpace(w.Answer)
	if w.Kind == "" {
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			a.Answer = Answer{Raw: append(json.RawMessage(nil), raw...)}
		}
		return nil
	}
	// a value that no longer fits its kind is kept untyped
	a.Answer, _ = DecodeAnswer(w.Kind, raw)
	return nil
}

// ClampConfidence forces c into [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
