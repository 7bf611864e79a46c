package segment

import (
	"regexp"
	"strings"
)

// Options controls assembly and splitting.
//
// Zero values fall back to the usual instance defaults: 500 max chars,
// 8 minimum core chars, 80 minimum core chars on the first chunk.
type Options struct {
	MaxChars        int
	MinContentLen   int
	FirstPostMinLen int
	FooterTag       string
	Sanitize        bool
}

func (o Options) withDefaults() Options {
	if o.MaxChars <= 0 {
		o.MaxChars = 500
	}
	if o.MinContentLen <= 0 {
		o.MinContentLen = 8
	}
	if o.FirstPostMinLen <= 0 {
		o.FirstPostMinLen = 80
	}
	return o
}

// BuildThread assembles a full status (header + body + metadata) and splits
// it into thread chunks. The header stays on the first chunk, metadata goes
// to the end.
//
// When the assembled text overflows one chunk, the first chunk's minimum is
// raised so it carries the header plus a meaningful slice of body, not just
// the header.
func BuildThread(handle, body string, externURLs []string, sourceURL, postedTime string, o Options) []string {
	o = o.withDefaults()

	header := "#" + handle + ":\n\n"
	full := header + body
	if len(externURLs) > 0 {
		full += "\n" + strings.Join(externURLs, "\n")
	}
	if o.FooterTag != "" {
		full += "\n\n" + o.FooterTag
	}
	if sourceURL != "" {
		full += "\n\nsrc: " + sourceURL
	}
	if postedTime != "" {
		full += "\n" + postedTime
	}

	if o.Sanitize {
		full = Sanitize(full)
		header = Sanitize(header)
	}

	firstMin := 0
	if len([]rune(full)) > o.MaxChars {
		desiredCore := max(o.MinContentLen, o.FirstPostMinLen)
		firstMin = min(o.MaxChars, len([]rune(header))+desiredCore)
	}

	return Segment(full, o.MaxChars, o.MinContentLen, firstMin)
}

var dateLineRe = regexp.MustCompile(`^\d{1,2}\.\d{1,2}\.\d{4}`)

// CoreContent strips the header, footer tag and metadata lines so only the
// actual body length is measured.
func CoreContent(chunk, handle, footerTag string) string {
	body := strings.TrimSpace(chunk)
	if prefix := "#" + handle + ":"; strings.HasPrefix(body, prefix) {
		body = strings.TrimLeft(body[len(prefix):], " \t\n\r")
	}
	if footerTag != "" {
		body = strings.ReplaceAll(body, footerTag, "")
	}

	var kept []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "src:") {
			continue
		}
		if dateLineRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// FilterShort drops chunks whose core content is below minLen.
//
// Multi-chunk threads are kept whole: dropping a middle chunk would break
// reply threading, and trailing metadata chunks are intentional there.
func FilterShort(chunks []string, handle, footerTag string, minLen int) []string {
	if minLen <= 0 || len(chunks) > 1 {
		return chunks
	}

	var out []string
	for _, c := range chunks {
		core := CoreContent(c, handle, footerTag)
		if len([]rune(core)) < minLen {
			continue
		}
		out = append(out, c)
	}
	return out
}
