package orchestrator

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/trainloop/internal/task"
)

var (
	reasoningTerms = []string{"reasoning", "chain-of-thought", "chain of thought", "推理"}
	dataTerms      = []string{"sample", "data", "coverage", "样本", "数据"}
)

// FocusAreas maps evaluator suggestions to optimization focus areas. When
// no keyword matches, both areas are returned.
func FocusAreas(suggestions []string) []string {
	var reasoning, data bool
	for _, s := range suggestions {
		lower := strings.ToLower(s)
		if containsAny(lower, reasoningTerms) || hasToken(lower, "cot") {
			reasoning = true
		}
		if containsAny(lower, dataTerms) {
			data = true
		}
	}

	var areas []string
	if reasoning {
		areas = append(areas, FocusReasoningQuality)
	}
	if data {
		areas = append(areas, FocusSemanticDistribution)
	}
	if len(areas) == 0 {
		areas = []string{FocusReasoningQuality, FocusSemanticDistribution}
	}
	return areas
}

// BuildGuidance turns the previous evaluation's suggestions into guidance
// for the optimization run of iteration.
func BuildGuidance(iteration int, suggestions []string) *Guidance {
	joined := strings.Join(suggestions, "; ")
	return &Guidance{
		FocusAreas: FocusAreas(suggestions),
		OptimizationInstructions: fmt.Sprintf(
			"Iteration %d: based on the previous evaluation, improve the dataset on: %s. Every sample must carry a detailed reasoning trace.",
			iteration, joined,
		),
		GenerationInstructions: fmt.Sprintf(
			"Generate additional samples that address: %s. Stay consistent with the topics of the existing dataset.",
			joined,
		),
		Suggestions: append([]string(nil), suggestions...),
	}
}

// ShouldContinueIteration reports whether a continuous task that has just
// finished evaluating iteration CurrentIteration should run another one.
// CurrentIteration+1 is the number of iterations completed so far.
func ShouldContinueIteration(t *task.Task) bool {
	if t.Mode != task.ModeContinuous {
		return false
	}
	if t.MaxIterations != nil && t.CurrentIteration+1 >= *t.MaxIterations {
		return false
	}
	if t.PerformanceThreshold != nil && t.LatestScore != nil && *t.LatestScore >= *t.PerformanceThreshold {
		return false
	}
	return true
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

// hasToken matches token as a whole ASCII word; any other rune, CJK
// included, separates words.
func hasToken(s, token string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	for _, f := range fields {
		if f == token {
			return true
		}
	}
	return false
}
