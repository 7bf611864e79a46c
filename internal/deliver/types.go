// Package deliver turns one logical message into correctly chunked,
// correctly threaded posts on every configured destination, with durable
// retries and per-destination circuit breaking.
package deliver

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fedirelay/internal/crossref"
)

// Visibility levels understood by the publish API.
const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
)

// Attachment is one media item carried by a message. Data holds the raw
// bytes for the current run; URL lets a retried delivery re-fetch them.
type Attachment struct {
	Kind    string // "image" or "video"
	Data    []byte
	Mime    string
	Caption string
	URL     string
}

// Message is the immutable logical unit handed to the pipeline.
type Message struct {
	// OriginID identifies the source item, used as the cross-reference key.
	OriginID    string
	Handle      string
	Text        string
	SourceURL   string
	PostedAt    string
	ExternURLs  []string
	Attachments []Attachment
	References  []crossref.Reference
}

// PublishedPost is the uniform result of a successful publish.
type PublishedPost struct {
	ID        string
	URL       string
	CreatedAt time.Time
}

// PublishRequest is one post to create on a destination.
type PublishRequest struct {
	Text       string
	Visibility string
	InReplyTo  string
	MediaIDs   []string
	QuoteID    string
}

// Client is the per-destination publish API.
type Client interface {
	Publish(ctx context.Context, req PublishRequest) (PublishedPost, error)
	// UploadMedia stores one attachment and returns its id.
	UploadMedia(ctx context.Context, data []byte, caption, mime string) (string, error)
	// UploadMediaLegacy is the older single-path upload endpoint, used as a
	// fallback when the generic one fails.
	UploadMediaLegacy(ctx context.Context, data []byte, caption, mime string) (string, error)
	ProbeCapabilities(ctx context.Context) (version, policy string, err error)
}

// Destination is one configured posting target. Static after construction.
type Destination struct {
	Name   string
	Client Client
	// PublicAuthors lists handle substrings whose posts go out public.
	// Everyone else gets the restrictive default.
	PublicAuthors []string
	Limiter       *rate.Limiter
}

// Visibility derives the post visibility for an author handle.
func (d Destination) Visibility(handle string) string {
	h := strings.ToLower(handle)
	for _, author := range d.PublicAuthors {
		author = strings.ToLower(strings.TrimSpace(author))
		if author != "" && strings.Contains(h, author) {
			return VisibilityPublic
		}
	}
	return VisibilityUnlisted
}

func (d Destination) wait(ctx context.Context) error {
	if d.Limiter == nil {
		return nil
	}
	return d.Limiter.Wait(ctx)
}
