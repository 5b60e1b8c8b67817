package cache

import (
	"strings"

	"github.com/neurastack/ensemble/internal/textmath"
)

// PromptType is a coarse classification of a prompt used by the predictive
// layer to compare like with like.
type PromptType string

const (
	TypeDefinition  PromptType = "definition"
	TypeExplanation PromptType = "explanation"
	TypeReasoning   PromptType = "reasoning"
	TypeBenefits    PromptType = "benefits"
	TypeComparison  PromptType = "comparison"
	TypeGeneral     PromptType = "general"
)

// classifiers are probed in order; first keyword hit wins.
var classifiers = []struct {
	ptype    PromptType
	keywords []string
}{
	{TypeDefinition, []string{"what is", "what are", "define", "definition", "meaning of"}},
	{TypeExplanation, []string{"how does", "how do", "how to", "explain", "describe"}},
	{TypeReasoning, []string{"why", "reason", "because", "cause"}},
	{TypeBenefits, []string{"benefit", "advantage", "pros", "upside"}},
	{TypeComparison, []string{"compare", "versus", " vs ", "difference between", "better"}},
}

// ClassifyPrompt maps a prompt to its coarse type.
func ClassifyPrompt(prompt string) PromptType {
	lower := strings.ToLower(prompt)
	for _, c := range classifiers {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.ptype
			}
		}
	}
	return TypeGeneral
}

// Vectorize builds the sparse prompt vector stored on cache entries.
func Vectorize(text string) map[string]int {
	return textmath.Vectorize(text)
}

// Cosine is the similarity measure of the second lookup layer.
func Cosine(a, b map[string]int) float64 {
	return textmath.Cosine(a, b)
}

// Jaccard is the similarity measure of the predictive lookup layer.
func Jaccard(a, b string) float64 {
	return textmath.Jaccard(a, b)
}
