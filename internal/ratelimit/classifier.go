package ratelimit

import "strings"

// rateLimitMarkers are the substrings (already lowercase) that classify a
// deferral as rate-limit rather than a recipient-specific transient
// failure. "rate limit"/"rate-limit" both match via the space/hyphen
// variant below.
var rateLimitMarkers = []string{
	"421",
	"4.7.28",
	"too many",
	"try again later",
	"throttl",
}

// ClassifyDeferral reports whether a deferral's diagnostic message
// indicates a provider-wide rate limit (as opposed to a recipient- or
// message-specific transient failure). Matching is case-insensitive; a
// missing or empty message is treated as non-rate-limit, per the
// classifier/parse edge-case handling.
func ClassifyDeferral(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return containsRateLimitPhrase(lower)
}

// containsRateLimitPhrase matches "rate limit" with either a space or a
// hyphen (and tolerates repeated whitespace) between the two words.
func containsRateLimitPhrase(lower string) bool {
	const word1 = "rate"
	idx := 0
	for {
		i := strings.Index(lower[idx:], word1)
		if i < 0 {
			return false
		}
		pos := idx + i + len(word1)
		rest := lower[pos:]
		rest = strings.TrimLeft(rest, " \t-")
		if strings.HasPrefix(rest, "limit") {
			return true
		}
		idx = pos
		if idx >= len(lower) {
			return false
		}
	}
}
