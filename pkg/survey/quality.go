package survey

import (
	"fmt"
	"strings"
)

// IssueKind classifies a data-quality problem in a parsed answer set.
type IssueKind string

const (
	IssueUnknownQuestion IssueKind = "unknown_question"
	IssueMissingAnswer   IssueKind = "missing_answer"
	IssueDuplicateAnswer IssueKind = "duplicate_answer"
	IssueShapeMismatch   IssueKind = "shape_mismatch"
	IssueOutOfRange      IssueKind = "out_of_range"
)

// Issue flags a problem with one answer. Issues are informational and never
// fail an entry.
type Issue struct {
	Kind       IssueKind `json:"kind"`
	QuestionID string    `json:"questionId"`
	Detail     string    `json:"detail"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Kind, i.QuestionID, i.Detail)
}

// CheckAnswers compares answers against the run's question set.
func CheckAnswers(questions []Question, answers []SurveyAnswer) []Issue {
	byID := make(map[string]Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	var issues []Issue
	seen := make(map[string]bool, len(answers))
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			issues = append(issues, Issue{Kind: IssueUnknownQuestion, QuestionID: a.QuestionID, Detail: "answer references a question not in the run"})
			continue
		}
		if seen[a.QuestionID] {
			issues = append(issues, Issue{Kind: IssueDuplicateAnswer, QuestionID: a.QuestionID, Detail: "question answered more than once"})
			continue
		}
		seen[a.QuestionID] = true

		if !a.Answer.Typed() {
			issues = append(issues, Issue{Kind: IssueShapeMismatch, QuestionID: q.ID, Detail: fmt.Sprintf("answer %s does not fit %s", string(a.Answer.Raw), q.Kind)})
			continue
		}
		issues = append(issues, checkRange(q, a.Answer)...)
	}

	for _, q := range questions {
		if !seen[q.ID] {
			issues = append(issues, Issue{Kind: IssueMissingAnswer, QuestionID: q.ID, Detail: "no answer returned"})
		}
	}
	return issues
}

func checkRange(q Question, a Answer) []Issue {
	out := func(format string, args ...any) []Issue {
		return []Issue{{Kind: IssueOutOfRange, QuestionID: q.ID, Detail: fmt.Sprintf(format, args...)}}
	}

	switch q.Kind {
	case KindSingleChoice, KindImageCompare:
		if choices := q.Choices(); len(choices) > 0 && !containsFold(choices, a.Choice) {
			return out("%q is not an option", a.Choice)
		}
	case KindMultiChoice:
		var bad []string
		for _, c := range a.Choices {
			if !containsFold(q.Options, c) {
				bad = append(bad, c)
			}
		}
		if len(bad) > 0 {
			return out("not options: %s", strings.Join(bad, ", "))
		}
	case KindScale:
		s := q.ScaleBounds()
		if a.Value < s.Min || a.Value > s.Max {
			return out("%g outside [%g, %g]", a.Value, s.Min, s.Max)
		}
	case KindConceptTest:
		var issues []Issue
		for dim := range a.Ratings {
			if !containsFold(q.Dimensions, dim) {
				issues = append(issues, Issue{Kind: IssueOutOfRange, QuestionID: q.ID, Detail: fmt.Sprintf("unknown dimension %q", dim)})
			}
		}
		for _, dim := range q.Dimensions {
			if _, ok := lookupFold(a.Ratings, dim); !ok {
				issues = append(issues, Issue{Kind: IssueMissingAnswer, QuestionID: q.ID, Detail: fmt.Sprintf("dimension %q not rated", dim)})
			}
		}
		return issues
	}
	return nil
}

func containsFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), s) {
			return true
		}
	}
	return false
}

func lookupFold(m map[string]float64, key string) (float64, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return 0, false
}
