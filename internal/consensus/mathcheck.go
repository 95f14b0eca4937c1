package consensus

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

const mathDensityThreshold = 0.6

func isOperator(r rune) bool {
	switch r {
	case '+', '-', '*', '/', '^', '=', '×', '÷', '·', '<', '>':
		return true
	}
	return false
}

// IsMathematical reports whether text looks like an arithmetic or algebraic
// expression: it has an operator and at least 60% of its non-space runes are
// digits, operators, brackets or decimal points.
func IsMathematical(text string) bool {
	total, mathy := 0, 0
	hasOperator := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		switch {
		case isOperator(r):
			hasOperator = true
			mathy++
		case unicode.IsDigit(r), r == '(', r == ')', r == '[', r == ']', r == '.':
			mathy++
		}
	}
	if total == 0 || !hasOperator {
		return false
	}
	return float64(mathy)/float64(total) >= mathDensityThreshold
}

// ValidateMath checks an expression for transcription artifacts: unbalanced
// brackets, adjacent operators, dangling leading or trailing operators, and a
// digit run directly into a letter ("2x"). A lone unary minus is allowed at the
// start, after "(" and after another operator.
func ValidateMath(expr string) extraction.MathValidation {
	var issues []string
	runes := []rune(strings.TrimSpace(expr))

	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '['}
	for i, r := range runes {
		switch r {
		case '(', '[':
			stack = append(stack, r)
		case ')', ']':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				issues = append(issues, fmt.Sprintf("unmatched %q at position %d", r, i))
				continue
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		issues = append(issues, fmt.Sprintf("%d unclosed bracket(s)", len(stack)))
	}

	// Operator checks look at non-space runes only.
	compact := make([]rune, 0, len(runes))
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			compact = append(compact, r)
		}
	}

	if n := len(compact); n > 0 {
		if first := compact[0]; isOperator(first) && first != '-' {
			issues = append(issues, fmt.Sprintf("leading operator %q", first))
		}
		if last := compact[n-1]; isOperator(last) {
			issues = append(issues, fmt.Sprintf("trailing operator %q", last))
		}
	}

	for i := 1; i < len(compact); i++ {
		prev, cur := compact[i-1], compact[i]
		if isOperator(prev) && isOperator(cur) {
			unaryMinus := cur == '-' && prev != '-' && (i+1 < len(compact) && !isOperator(compact[i+1]))
			if !unaryMinus {
				issues = append(issues, fmt.Sprintf("adjacent operators %q%q", prev, cur))
			}
		}
		if prev == '(' && isOperator(cur) && cur != '-' {
			issues = append(issues, fmt.Sprintf("operator %q after opening bracket", cur))
		}
		if isOperator(prev) && cur == ')' {
			issues = append(issues, fmt.Sprintf("operator %q before closing bracket", prev))
		}
	}

	// Digit immediately followed by a letter, checked on the raw text so
	// "2 x" (spaced) is not flagged.
	for i := 1; i < len(runes); i++ {
		if unicode.IsDigit(runes[i-1]) && unicode.IsLetter(runes[i]) {
			issues = append(issues, fmt.Sprintf("digit followed by letter %q without operator", string(runes[i-1:i+1])))
		}
	}

	return extraction.MathValidation{
		Valid:  len(issues) == 0,
		Issues: issues,
	}
}
