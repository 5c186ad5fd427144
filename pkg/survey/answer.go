package survey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Answer is a tagged union keyed by question kind. Exactly one of the value
// fields is meaningful for a given Kind:
//
//	single_choice, image_compare  Choice
//	multi_choice                  Choices
//	scale                         Value
//	open_text                     Text
//	concept_test                  Ratings
//
// An Answer with an empty Kind is untyped: the reply's value could not be
// decoded for the question and only Raw is kept.
type Answer struct {
	Kind    Kind
	Choice  string
	Choices []string
	Value   float64
	Text    string
	Ratings map[string]float64
	Raw     json.RawMessage
}

// ChoiceAnswer builds a single-choice answer.
func ChoiceAnswer(choice string) Answer { return Answer{Kind: KindSingleChoice, Choice: choice} }

// MultiChoiceAnswer builds a multi-choice answer.
func MultiChoiceAnswer(choices ...string) Answer {
	return Answer{Kind: KindMultiChoice, Choices: choices}
}

// ScaleAnswer builds a numeric-scale answer.
func ScaleAnswer(v float64) Answer { return Answer{Kind: KindScale, Value: v} }

// TextAnswer builds an open-text answer.
func TextAnswer(text string) Answer { return Answer{Kind: KindOpenText, Text: text} }

// ImageAnswer builds an image-compare answer.
func ImageAnswer(choice string) Answer { return Answer{Kind: KindImageCompare, Choice: choice} }

// ConceptAnswer builds a concept-test answer.
func ConceptAnswer(ratings map[string]float64) Answer {
	return Answer{Kind: KindConceptTest, Ratings: ratings}
}

// Typed reports whether the answer was decoded for a known kind.
func (a Answer) Typed() bool { return a.Kind != "" }

// MarshalJSON emits the kind-appropriate raw shape.
func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case KindSingleChoice, KindImageCompare:
		return json.Marshal(a.Choice)
	case KindMultiChoice:
		if a.Choices == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.Choices)
	case KindScale:
		return json.Marshal(a.Value)
	case KindOpenText:
		return json.Marshal(a.Text)
	case KindConceptTest:
		if a.Ratings == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(a.Ratings)
	case "":
		if len(a.Raw) == 0 {
			return []byte("null"), nil
		}
		return a.Raw, nil
	default:
		return nil, fmt.Errorf("unknown answer kind %q", a.Kind)
	}
}

// UnmarshalJSON keeps the value untyped; the kind is only known from the
// question, see DecodeAnswer and SurveyAnswer.
func (a *Answer) UnmarshalJSON(data []byte) error {
	*a = Answer{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	a.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// String renders the answer for logs and CLI output.
func (a Answer) String() string {
	switch a.Kind {
	case KindSingleChoice, KindImageCompare:
		return a.Choice
	case KindMultiChoice:
		return strings.Join(a.Choices, ", ")
	case KindScale:
		return strconv.FormatFloat(a.Value, 'f', -1, 64)
	case KindOpenText:
		return a.Text
	case KindConceptTest:
		keys := make([]string, 0, len(a.Ratings))
		for k := range a.Ratings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.FormatFloat(a.Ratings[k], 'f', -1, 64))
		}
		return strings.Join(parts, ", ")
	default:
		return string(a.Raw)
	}
}

// DecodeAnswer decodes a raw reply value for the given kind. It is lenient
// about the shapes models commonly produce (numbers as strings, a single
// string where a list is expected). On failure the returned Answer is
// untyped and still carries Raw.
func DecodeAnswer(kind Kind, raw json.RawMessage) (Answer, error) {
	raw = bytes.TrimSpace(raw)
	untyped := Answer{Raw: append(json.RawMessage(nil), raw...)}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return untyped, fmt.Errorf("answer is empty")
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return untyped, fmt.Errorf("answer is not valid JSON: %w", err)
	}

	switch kind {
	case KindSingleChoice, KindImageCompare:
		choice, ok := scalarString(value)
		if !ok {
			if list, isList := stringList(value); isList && len(list) == 1 {
				choice, ok = list[0], true
			}
		}
		if !ok {
			return untyped, fmt.Errorf("%s answer must be a single value", kind)
		}
		return Answer{Kind: kind, Choice: choice, Raw: untyped.Raw}, nil

	case KindMultiChoice:
		if list, ok := stringList(value); ok {
			return Answer{Kind: kind, Choices: list, Raw: untyped.Raw}, nil
		}
		if s, ok := scalarString(value); ok {
			return Answer{Kind: kind, Choices: []string{s}, Raw: untyped.Raw}, nil
		}
		return untyped, fmt.Errorf("multi_choice answer must be a list")

	case KindScale:
		n, ok := number(value)
		if !ok {
			return untyped, fmt.Errorf("scale answer must be a number")
		}
		return Answer{Kind: kind, Value: n, Raw: untyped.Raw}, nil

	case KindOpenText:
		if s, ok := value.(string); ok {
			return Answer{Kind: kind, Text: s, Raw: untyped.Raw}, nil
		}
		if s, ok := scalarString(value); ok {
			return Answer{Kind: kind, Text: s, Raw: untyped.Raw}, nil
		}
		return Answer{Kind: kind, Text: string(raw), Raw: untyped.Raw}, nil

	case KindConceptTest:
		obj, ok := value.(map[string]any)
		if !ok {
			return untyped, fmt.Errorf("concept_test answer must be an object")
		}
		ratings := make(map[string]float64, len(obj))
		for dim, v := range obj {
			n, ok := number(v)
			if !ok {
				return untyped, fmt.Errorf("concept_test rating %q must be a number", dim)
			}
			ratings[dim] = n
		}
		return Answer{Kind: kind, Ratings: ratings, Raw: untyped.Raw}, nil

	default:
		return untyped, fmt.Errorf("unknown question kind %q", kind)
	}
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func stringList(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := scalarString(item)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
