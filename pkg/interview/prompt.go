// Package interview turns a persona and a question batch into one
// language-model exchange and parses the structured answers out of the reply.
package interview

import (
	"fmt"
	"strings"

	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/survey"
)

const answerFormat = `Respond with JSON only, in this exact shape:
{"answers": [{"questionId": "<id>", "answer": <value>, "reasoning": "<one or two sentences in your own voice>", "confidence": <0.0-1.0>}]}
Include exactly one object per question, using the question ids given.`

// BuildPrompt returns the system and user messages for one interview. The
// system message carries every persona attribute verbatim.
func BuildPrompt(p survey.Persona, questions []survey.Question) []model.Message {
	return []model.Message{
		{Role: "system", Content: systemPrompt(p)},
		{Role: "user", Content: questionPrompt(questions)},
	}
}

func systemPrompt(p survey.Persona) string {
	var b strings.Builder
	b.WriteString("You are taking part in a consumer survey as the person described below. ")
	b.WriteString("Answer every question as this person would, drawing on their circumstances, ")
	b.WriteString("and never mention that you are simulating anyone.\n\n")
	b.WriteString("Profile:\n")

	attr := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&b, "- %s: %s\n", label, value)
		}
	}
	attr("Name", p.Name)
	attr("Gender", p.Gender)
	attr("Age group", p.AgeGroup)
	attr("City tier", p.CityTier)
	attr("Occupation", p.Occupation)
	attr("Education", p.Education)
	attr("Income level", p.IncomeLevel)
	attr("Family status", p.FamilyStatus)
	attr("Region", p.Region)
	if len(p.Traits) > 0 {
		attr("Traits", strings.Join(p.Traits, ", "))
	}
	attr("Background", p.Bio)

	b.WriteString("\n")
	b.WriteString(answerFormat)
	return b.String()
}

func questionPrompt(questions []survey.Question) string {
	var b strings.Builder
	b.WriteString("Please answer the following questions.\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "\n%d. [id: %s] %s\n", i+1, q.ID, q.Text)
		b.WriteString("   " + kindInstruction(q) + "\n")
	}
	return b.String()
}

// kindInstruction tells the model which JSON shape "answer" must take.
func kindInstruction(q survey.Question) string {
	switch q.Kind {
	case survey.KindSingleChoice:
		return "Pick exactly one option and answer with its text as a string. Options: " + quoteList(q.Options)
	case survey.KindMultiChoice:
		return "Pick one or more options and answer with an array of their texts. Options: " + quoteList(q.Options)
	case survey.KindScale:
		s := q.ScaleBounds()
		text := fmt.Sprintf("Answer with a number from %g to %g", s.Min, s.Max)
		if s.MinLabel != "" || s.MaxLabel != "" {
			text += fmt.Sprintf(" (%g = %s, %g = %s)", s.Min, s.MinLabel, s.Max, s.MaxLabel)
		}
		return text + "."
	case survey.KindOpenText:
		return "Answer with a short free-text string, in your own words."
	case survey.KindImageCompare:
		return "Compare the images and answer with the text of the one you prefer. Options: " + quoteList(q.Choices())
	case survey.KindConceptTest:
		return "Rate the concept on each dimension from 1 to 5 and answer with an object keyed by dimension. Dimensions: " + quoteList(q.Dimensions)
	default:
		return "Answer with a string."
	}
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = fmt.Sprintf("%q", it)
	}
	return strings.Join(quoted, ", ")
}
