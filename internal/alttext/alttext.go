// Package alttext produces media descriptions for uploads.
//
// The pipeline never blocks on captioning: an empty caption means "none
// available" and the caller substitutes DefaultFallback.
package alttext

import "context"

// DefaultFallback is attached when no caption could be generated.
const DefaultFallback = "No image description could be generated automatically."

// MaxCaptionLen bounds captions to what instances accept.
const MaxCaptionLen = 1500

// Context carries what the caption model gets to see besides the image.
type Context struct {
	Handle       string
	SourceURL    string
	OriginalText string
}

// Describer generates a caption for an image. Returning ("", nil) signals
// that no caption is available; the caller falls back, it does not retry.
type Describer interface {
	Describe(ctx context.Context, image []byte, meta Context) (string, error)
}

// DescribeFunc adapts a function to the Describer interface.
type DescribeFunc func(ctx context.Context, image []byte, meta Context) (string, error)

func (f DescribeFunc) Describe(ctx context.Context, image []byte, meta Context) (string, error) {
	return f(ctx, image, meta)
}

// Backend generates text for one named model. It is the single integration
// point for an external captioning service.
type Backend interface {
	Generate(ctx context.Context, model string, image []byte, meta Context) (string, error)
}
