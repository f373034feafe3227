package session

import (
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"
)

// MatchChoice maps operator input to one of the presented choices. Accepted
// forms, in order: exact label, 1-based index, unique case-insensitive
// prefix, then closest label by edit distance within a small tolerance.
// Returns the matched choice and true, or false when nothing is close
// enough; unmatched input flows through as freeform text.
func MatchChoice(input string, choices []Choice) (Choice, bool) {
	input = strings.TrimSpace(input)
	if input == "" || len(choices) == 0 {
		return Choice{}, false
	}

	for _, c := range choices {
		if c.Label == input {
			return c, true
		}
	}

	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(choices) {
		return choices[n-1], true
	}

	lower := strings.ToLower(input)
	prefixIdx := -1
	for i, c := range choices {
		if strings.HasPrefix(strings.ToLower(c.Label), lower) {
			if prefixIdx >= 0 {
				prefixIdx = -1
				break
			}
			prefixIdx = i
		}
	}
	if prefixIdx >= 0 {
		return choices[prefixIdx], true
	}

	// Edit distance as a last resort, tolerance scaled to label length so
	// short labels don't match everything.
	bestIdx, bestDist := -1, 1<<30
	for i, c := range choices {
		d := matchr.DamerauLevenshtein(lower, strings.ToLower(c.Label))
		if d < bestDist {
			bestIdx, bestDist = i, d
		}
	}
	if bestIdx >= 0 {
		limit := len(choices[bestIdx].Label) / 3
		if limit < 1 {
			limit = 1
		}
		if bestDist <= limit {
			return choices[bestIdx], true
		}
	}
	return Choice{}, false
}
