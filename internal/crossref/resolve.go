package crossref

import (
	"context"
	"strings"

	"fedirelay/internal/segment"
)

// PlaceholderPrefix marks an unresolved reference in rendered text. Leaving
// the placeholder is the graceful-degrade path, not an error: the reader
// still sees what was cited.
const PlaceholderPrefix = "Referenced: "

// Reference is one candidate citation carried by a message.
type Reference struct {
	Display  string `json:"display"`
	OriginID string `json:"origin_id"`
}

// Resolution is the outcome of resolving references for one destination.
type Resolution struct {
	// URL of the first reference already published on the destination.
	URL string
	// StatusID extracted from URL, for native cross-referencing.
	StatusID string
}

// Resolve looks up each reference in list order and returns the first hit.
// A zero Resolution means nothing is known on this destination and the
// placeholder text should be left alone.
func (s *Store) Resolve(ctx context.Context, refs []Reference, destination string) Resolution {
	for _, ref := range refs {
		originID := strings.TrimSpace(ref.OriginID)
		if originID == "" {
			continue
		}
		if url, ok := s.Lookup(ctx, destination, originID); ok {
			return Resolution{URL: url, StatusID: ExtractStatusID(url)}
		}
	}
	return Resolution{}
}

// ReplaceLinks rewrites "Referenced: <display>" placeholders into
// "Referenced: <published url>" for references known on the destination.
// Chunks without a matching placeholder are returned unchanged.
func (s *Store) ReplaceLinks(ctx context.Context, chunks []string, refs []Reference, destination string) []string {
	if len(chunks) == 0 || len(refs) == 0 {
		return chunks
	}

	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		updated := chunk
		for _, ref := range refs {
			display := strings.TrimSpace(ref.Display)
			originID := strings.TrimSpace(ref.OriginID)
			if display == "" || originID == "" {
				continue
			}
			url, ok := s.Lookup(ctx, destination, originID)
			if !ok {
				continue
			}

			needles := []string{PlaceholderPrefix + display}
			// The rendered chunk may carry the sanitized form of the display
			// text; match that too.
			if sanitized := segment.Sanitize(display); sanitized != display {
				needles = append(needles, PlaceholderPrefix+sanitized)
			}
			for _, needle := range needles {
				if strings.Contains(updated, needle) {
					updated = strings.Replace(updated, needle, PlaceholderPrefix+url, 1)
					break
				}
			}
		}
		out = append(out, updated)
	}
	return out
}
