package resource

import "strings"

// CompareVersions orders two resourceVersion tokens. It returns -1 when a is
// older than b, 0 when they are equal, and +1 when a is newer.
//
// Tokens are decimal counters of arbitrary width without leading zeros, which
// is what both the Kubernetes API server and the in-memory store hand out, so
// a shorter token is always older and tokens of equal width order lexically.
// The empty token sorts before every other token.
func CompareVersions(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	case len(a) != len(b):
		if len(a) < len(b) {
			return -1
		}

		return 1
	default:
		return strings.Compare(a, b)
	}
}

// IsNewer reports whether candidate is strictly newer than current.
func IsNewer(candidate, current string) bool {
	return CompareVersions(candidate, current) > 0
}
