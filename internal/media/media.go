// Package media prepares image and video payloads for upload. Oversized
// images are downscaled and re-encoded as JPEG so uploads stay within the
// limits most instances enforce.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// MaxImages is the attachment limit per post on Mastodon-family servers.
	MaxImages = 4

	// maxDimension is the longest-side bound applied before upload.
	maxDimension = 1280

	jpegQuality    = 85
	minJPEGQuality = 25

	// maxImageBytes is the upload size bound most instances enforce.
	maxImageBytes = 8 << 20

	// DefaultVideoMime is used when the source provides no content type.
	DefaultVideoMime = "video/mp4"
)

// Item is one prepared attachment ready for upload.
type Item struct {
	Data        []byte
	Mime        string
	Description string
}

// Ref identifies a remote media object so a retried delivery can re-fetch
// it instead of persisting raw bytes in the job queue.
type Ref struct {
	URL         string `json:"url"`
	Mime        string `json:"mime,omitempty"`
	Kind        string `json:"kind"` // "image" or "video"
	Description string `json:"description,omitempty"`
}

// Fetcher retrieves media bytes for a Ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref) ([]byte, string, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, ref Ref) ([]byte, string, error)

func (f FetchFunc) Fetch(ctx context.Context, ref Ref) ([]byte, string, error) {
	return f(ctx, ref)
}

// PrepareImage decodes, downscales to maxDimension on the longest side and
// re-encodes as JPEG within the upload size bound. Undecodable input is
// returned unchanged with its original mime so the server gets a chance at
// formats we don't handle.
func PrepareImage(data []byte, mime string) Item {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Item{Data: data, Mime: mime}
	}

	b := img.Bounds()
	if b.Dx() > maxDimension || b.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	out, err := encodeJPEGBounded(img, maxImageBytes)
	if err != nil {
		return Item{Data: data, Mime: mime}
	}
	return Item{Data: out, Mime: "image/jpeg"}
}

// encodeJPEGBounded steps the quality down until the output fits maxBytes.
// At minJPEGQuality the result is returned regardless; an oversized upload
// failing server-side beats losing the image entirely.
func encodeJPEGBounded(img image.Image, maxBytes int) ([]byte, error) {
	var buf bytes.Buffer
	for q := jpegQuality; ; q -= 15 {
		buf.Reset()
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
			return nil, err
		}
		if buf.Len() <= maxBytes || q <= minJPEGQuality {
			return buf.Bytes(), nil
		}
	}
}

// PrepareVideo wraps video bytes, filling in the mime fallback and deriving
// a short description from the post text when none is given.
func PrepareVideo(data []byte, mime, text string) Item {
	if mime == "" {
		mime = DefaultVideoMime
	}
	return Item{Data: data, Mime: mime, Description: VideoDescription(text)}
}

// VideoDescription derives an attachment description from the first line of
// the post text.
func VideoDescription(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "video"
	}
	const maxDesc = 200
	if runes := []rune(line); len(runes) > maxDesc {
		line = string(runes[:maxDesc])
	}
	return fmt.Sprintf("video: %s", line)
}

// CapImages trims an attachment list to the per-post limit.
func CapImages(items []Item) []Item {
	if len(items) > MaxImages {
		return items[:MaxImages]
	}
	return items
}
