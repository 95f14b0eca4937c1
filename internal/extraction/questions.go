package extraction

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxQuestionRange bounds a single "a-b" span
const maxQuestionRange = 500

// ParseQuestionList reads "1-5,7,9-10" into sorted, de-duplicated question
// numbers. Numbers must be positive.
func ParseQuestionList(spec string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || start < 1 {
			return nil, fmt.Errorf("invalid question number %q", part)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || end < start {
				return nil, fmt.Errorf("invalid question range %q", part)
			}
			if end-start >= maxQuestionRange {
				return nil, fmt.Errorf("question range %q spans more than %d questions", part, maxQuestionRange)
			}
		}
		for n := start; n <= end; n++ {
			seen[n] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no question numbers in %q", spec)
	}

	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
