package consensus

import (
	"strings"
	"unicode"
)

// digitLookalikes maps letters (already lowercased) that recognisers commonly
// emit in place of handwritten digits.
var digitLookalikes = map[rune]rune{
	'o': '0',
	'l': '1',
	'i': '1',
	's': '5',
	'z': '2',
	'b': '8',
}

const terminalPunctuation = ".,;:!?"

// Normalize canonicalises recognised text for comparison: lowercase, collapse
// whitespace, strip terminal punctuation, then replace digit-lookalike letters
// that sit next to a digit.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, terminalPunctuation)
	s = strings.TrimSpace(s)
	return substituteNumeric(s)
}

// substituteNumeric swaps lookalike letters touching a digit. Substitutions
// can enable further ones ("1oo" -> "100"), so it repeats until stable.
func substituteNumeric(s string) string {
	runes := []rune(s)
	for changed := true; changed; {
		changed = false
		for i, r := range runes {
			d, ok := digitLookalikes[r]
			if !ok {
				continue
			}
			if (i > 0 && unicode.IsDigit(runes[i-1])) || (i+1 < len(runes) && unicode.IsDigit(runes[i+1])) {
				runes[i] = d
				changed = true
			}
		}
	}
	return string(runes)
}
