package capability

import (
	"regexp"
	"strconv"
	"strings"
)

var digitsRe = regexp.MustCompile(`\d+`)

// ParseVersion extracts up to three numeric fields from a server version
// string, ignoring any "+fork" suffix. Missing fields are zero, so "4.5"
// parses as 4.5.0. Federated servers report wildly decorated versions
// ("4.5.0+glitch", "4.4.0 (compatible; ...)"), hence the loose match.
func ParseVersion(version string) [3]int {
	cleaned := version
	if i := strings.Index(cleaned, "+"); i >= 0 {
		cleaned = cleaned[:i]
	}
	var out [3]int
	for i, m := range digitsRe.FindAllString(cleaned, 3) {
		n, err := strconv.Atoi(m)
		if err != nil {
			break
		}
		out[i] = n
	}
	return out
}

// VersionAtLeast reports whether version satisfies the minimum.
func VersionAtLeast(version, minimum string) bool {
	if strings.TrimSpace(version) == "" {
		return false
	}
	v := ParseVersion(version)
	m := ParseVersion(minimum)
	for i := 0; i < 3; i++ {
		if v[i] != m[i] {
			return v[i] > m[i]
		}
	}
	return true
}
