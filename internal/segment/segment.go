// Package segment turns one logical message into an ordered sequence of
// bounded-length chunks forming a thread.
//
// Segment is a pure function: identical arguments always produce identical
// chunk boundaries. Lengths are counted in runes, matching how instances
// count characters.
package segment

import "strings"

// separators in priority order: paragraph break, line break, sentence
// boundary, clause boundary, plain space.
var separators = []string{"\n\n", "\n", ". ", ", ", " "}

// Segment splits text into chunks of at most maxLen runes.
//
// minLen is the minimum acceptable chunk length; firstMinLen, when set,
// raises the minimum for the first chunk (so a chunk isn't left with only a
// header and almost no body). Both are clamped to maxLen. A split point is
// only accepted when it neither undercuts the minimum for the current chunk
// nor leaves a dangling remainder shorter than minLen that would fit as a
// final chunk. When no separator qualifies, the text is cut hard at maxLen,
// biased toward satisfying the minimum.
func Segment(text string, maxLen, minLen, firstMinLen int) []string {
	cleaned := []rune(strings.TrimSpace(text))
	if maxLen < 1 {
		maxLen = 1
	}
	minLen = clamp(minLen, 0, maxLen)
	firstMinLen = clamp(firstMinLen, 0, maxLen)

	var parts []string
	remaining := cleaned
	first := true

	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			parts = append(parts, string(remaining))
			break
		}

		window := remaining[:maxLen]
		curMin := minLen
		if first && firstMinLen > curMin {
			curMin = firstMinLen
		}

		splitAt := pickSplit(window, len(remaining), curMin, minLen, maxLen)
		if splitAt < 1 {
			splitAt = 1
		}

		next := strings.TrimRight(string(remaining[:splitAt]), " \t\r\n")
		if next == "" {
			next = strings.TrimSpace(string(remaining[:maxLen]))
		}
		parts = append(parts, next)

		remaining = trimLeftSpace(remaining[splitAt:])
		first = false
	}

	return parts
}

// pickSplit returns the rune offset to cut the current chunk at.
// totalLen is the length of the full remaining text (not just the window).
func pickSplit(window []rune, totalLen, minRequired, minLen, maxLen int) int {
	valid := func(splitAt int) bool {
		if splitAt <= 0 {
			return false
		}
		chunkLen := splitAt
		remainderLen := totalLen - splitAt

		if chunkLen < minRequired {
			return false
		}
		if remainderLen > 0 && remainderLen < minLen && remainderLen <= maxLen {
			// Avoid leaving a dangling short remainder when this could be
			// the final chunk.
			return false
		}
		return true
	}

	for _, sep := range separators {
		idx := lastIndex(window, []rune(sep))
		if idx > 0 {
			candidate := idx + len([]rune(sep))
			if valid(candidate) {
				return candidate
			}
		}
	}

	// Hard cut, biased toward satisfying the minimum.
	remainderAfterMax := totalLen - maxLen
	if remainderAfterMax < minRequired && minRequired <= maxLen {
		adjusted := totalLen - minRequired
		if adjusted > 0 {
			return min(maxLen, max(minRequired, adjusted))
		}
	}
	return maxLen
}

// lastIndex returns the rune offset of the last occurrence of sep in s, or -1.
func lastIndex(s, sep []rune) int {
	if len(sep) == 0 || len(sep) > len(s) {
		return -1
	}
outer:
	for i := len(s) - len(sep); i >= 0; i-- {
		for j := range sep {
			if s[i+j] != sep[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

func trimLeftSpace(s []rune) []rune {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return s[i:]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
