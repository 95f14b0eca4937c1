package consensus

import "unicode/utf8"

// Levenshtein returns the edit distance between a and b, counted in runes
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// withinDistance reports whether two normalized readings are at most limit edits apart
func withinDistance(a, b string, limit int) bool {
	return Levenshtein(a, b) <= limit
}

// sameWeightedGroup is the weighted-vote grouping rule: within limit edits and
// at most one edit per three runes, so "7" and "1" stay distinct while
// "fourty two" still matches "forty two".
func sameWeightedGroup(a, b string, limit int) bool {
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	return Levenshtein(a, b) <= min(limit, n/3)
}
