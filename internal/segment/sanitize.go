package segment

import "strings"

// Sanitize rewrites text so it cannot ping accounts on the destination:
// mentions become hashtags, doubled hashes collapse, and links back to the
// original network are de-linkified.
func Sanitize(text string) string {
	text = strings.ReplaceAll(text, "@", "#")
	for strings.Contains(text, "##") {
		text = strings.ReplaceAll(text, "##", "#")
	}
	text = strings.ReplaceAll(text, "https://x.com", "x")
	return text
}

// ExtractHashtags collects #words from content and suffixes each with the
// author handle, so destination-side tag feeds stay per-author.
func ExtractHashtags(content, handle string) string {
	handle = strings.TrimPrefix(handle, "@")

	var b strings.Builder
	for _, word := range strings.Fields(content) {
		if !strings.HasPrefix(word, "#") || len(word) < 2 {
			continue
		}
		word = strings.NewReplacer(".", "", ",", "", ":", "", ";", "").Replace(word)
		b.WriteString(" ")
		b.WriteString(word)
		b.WriteString("_")
		b.WriteString(handle)
	}
	return b.String()
}
