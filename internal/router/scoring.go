package router

import (
	"strings"
	"unicode"

	"agentboard/internal/domain"
)

// tokenize lowercases content and splits it on anything that is not a letter
// or digit, so "API-endpoint" yields both "api" and "endpoint".
func tokenize(content string) map[string]int {
	counts := map[string]int{}
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		counts[f]++
	}
	return counts
}

// ClassifyTask scores the task text against each profile's keywords and
// returns the winning agent type. Every keyword occurrence counts once, ties
// fall to the lower-ranked profile, and a board with no keyword hits at all
// routes to defaultType. The function is pure: same inputs, same answer.
func ClassifyTask(title, description string, profiles []domain.TypeProfile, defaultType string) string {
	tokens := tokenize(title + " " + description)

	bestType := ""
	bestScore := 0
	bestRank := 0
	for _, p := range profiles {
		score := 0
		for _, kw := range p.Keywords {
			score += tokens[strings.ToLower(kw)]
		}
		if score == 0 {
			continue
		}
		if bestType == "" || score > bestScore || (score == bestScore && p.Rank < bestRank) {
			bestType = p.Type
			bestScore = score
			bestRank = p.Rank
		}
	}
	if bestType == "" {
		return defaultType
	}
	return bestType
}
