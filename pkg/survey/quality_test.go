package survey

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleQuestions() []Question {
	return []Question{
		{ID: "q1", Kind: KindSingleChoice, Text: "Would you buy it?", Options: []string{"Yes", "No"}},
		{ID: "q2", Kind: KindMultiChoice, Text: "Which channels?", Options: []string{"Online", "Store", "Friends"}},
		{ID: "q3", Kind: KindScale, Text: "How likely?", Scale: &Scale{Min: 1, Max: 10}},
		{ID: "q4", Kind: KindOpenText, Text: "Anything else?"},
		{ID: "q5", Kind: KindConceptTest, Text: "Rate the concept", Dimensions: []string{"appeal", "price"}},
		{ID: "q6", Kind: KindImageCompare, Text: "Which logo?", Images: []string{"a.png", "b.png"}},
	}
}

func TestValidateQuestions(t *testing.T) {
	require.NoError(t, ValidateQuestions(sampleQuestions()))

	cases := map[string][]Question{
		"empty":       nil,
		"no id":       {{Kind: KindOpenText, Text: "x"}},
		"one option":  {{ID: "a", Kind: KindSingleChoice, Text: "x", Options: []string{"only"}}},
		"bad scale":   {{ID: "a", Kind: KindScale, Text: "x", Scale: &Scale{Min: 5, Max: 5}}},
		"no dims":     {{ID: "a", Kind: KindConceptTest, Text: "x"}},
		"bad kind":    {{ID: "a", Kind: "ranking", Text: "x"}},
		"duplicate":   {{ID: "a", Kind: KindOpenText, Text: "x"}, {ID: "a", Kind: KindOpenText, Text: "y"}},
		"no images":   {{ID: "a", Kind: KindImageCompare, Text: "x", Images: []string{"one"}}},
		"blank text":  {{ID: "a", Kind: KindOpenText, Text: "  "}},
	}
	for name, qs := range cases {
		assert.Error(t, ValidateQuestions(qs), name)
	}
}

func TestValidatePersonas(t *testing.T) {
	require.NoError(t, ValidatePersonas([]Persona{{ID: "p1"}, {ID: "p2"}}))
	assert.Error(t, ValidatePersonas(nil))
	assert.Error(t, ValidatePersonas([]Persona{{ID: ""}}))
	assert.Error(t, ValidatePersonas([]Persona{{ID: "p"}, {ID: "p"}}))
}

func TestCheckAnswers_Clean(t *testing.T) {
	answers := []SurveyAnswer{
		{QuestionID: "q1", Answer: ChoiceAnswer("yes")},
		{QuestionID: "q2", Answer: MultiChoiceAnswer("Online", "Store")},
		{QuestionID: "q3", Answer: ScaleAnswer(7)},
		{QuestionID: "q4", Answer: TextAnswer("no")},
		{QuestionID: "q5", Answer: ConceptAnswer(map[string]float64{"Appeal": 4, "price": 3})},
		{QuestionID: "q6", Answer: ImageAnswer("b.png")},
	}
	assert.Empty(t, CheckAnswers(sampleQuestions(), answers))
}

func TestCheckAnswers_FlagsProblems(t *testing.T) {
	answers := []SurveyAnswer{
		{QuestionID: "q1", Answer: ChoiceAnswer("Maybe")},
		{QuestionID: "q1", Answer: ChoiceAnswer("Yes")},
		{QuestionID: "q3", Answer: ScaleAnswer(11)},
		{QuestionID: "q5", Answer: ConceptAnswer(map[string]float64{"appeal": 4, "color": 2})},
		{QuestionID: "q6", Answer: Answer{Raw: json.RawMessage(`{"x":1}`)}},
		{QuestionID: "q99", Answer: TextAnswer("?")},
	}

	issues := CheckAnswers(sampleQuestions(), answers)
	kinds := map[IssueKind][]string{}
	for _, is := range issues {
		kinds[is.Kind] = append(kinds[is.Kind], is.QuestionID)
	}

	assert.ElementsMatch(t, []string{"q1", "q3", "q5"}, kinds[IssueOutOfRange])
	assert.Equal(t, []string{"q1"}, kinds[IssueDuplicateAnswer])
	assert.Equal(t, []string{"q6"}, kinds[IssueShapeMismatch])
	assert.Equal(t, []string{"q99"}, kinds[IssueUnknownQuestion])
	// q2 and q4 never answered, q5 leaves "price" unrated
	assert.ElementsMatch(t, []string{"q2", "q4", "q5"}, kinds[IssueMissingAnswer])
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("ranking").Valid())
}
