package agent

import (
	"math"
	"unicode"
)

// EstimateTokens approximates the token count of a string. CJK characters
// are roughly one token per 1.5 characters; everything else averages one
// token per 4 characters. Good enough for budget enforcement, not billing.
func EstimateTokens(s string) int {
	var total float64
	for _, r := range s {
		if isCJK(r) {
			total += 1.0 / 1.5
		} else {
			total += 1.0 / 4.0
		}
	}
	return int(math.Ceil(total))
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// TruncateToTokens shrinks s until its estimate fits within max tokens.
// Cuts on rune boundaries and appends an ellipsis marker when truncated.
func TruncateToTokens(s string, max int) string {
	if max <= 0 || EstimateTokens(s) <= max {
		if max <= 0 {
			return ""
		}
		return s
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if EstimateTokens(string(runes[:mid])) <= max {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo <= 0 {
		return ""
	}
	return string(runes[:lo]) + "…"
}
