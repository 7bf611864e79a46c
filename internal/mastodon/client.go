// Package mastodon is a minimal client for the Mastodon-family HTTP API,
// covering exactly what the delivery pipeline needs: publishing statuses,
// uploading media and probing instance capabilities.
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fedirelay/internal/deliver"
	logx "fedirelay/pkg/logx"
)

const defaultTimeout = 30 * time.Second

// Client talks to one instance. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     logx.Logger
}

func New(baseURL, token string, timeout time.Duration, log logx.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type statusResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

// Publish creates one status.
func (c *Client) Publish(ctx context.Context, req deliver.PublishRequest) (deliver.PublishedPost, error) {
	form := url.Values{}
	form.Set("status", req.Text)
	if req.Visibility != "" {
		form.Set("visibility", req.Visibility)
	}
	if req.InReplyTo != "" {
		form.Set("in_reply_to_id", req.InReplyTo)
	}
	for _, id := range req.MediaIDs {
		form.Add("media_ids[]", id)
	}
	if req.QuoteID != "" {
		form.Set("quoted_status_id", req.QuoteID)
	}

	var sr statusResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/statuses",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &sr); err != nil {
		return deliver.PublishedPost{}, err
	}

	post := deliver.PublishedPost{ID: sr.ID, URL: sr.URL, CreatedAt: sr.CreatedAt}
	if post.URL == "" {
		post.URL = sr.URI
	}
	return post, nil
}

// UploadMedia uses the v2 media endpoint.
func (c *Client) UploadMedia(ctx context.Context, data []byte, caption, mime string) (string, error) {
	return c.upload(ctx, "/api/v2/media", data, caption, mime)
}

// UploadMediaLegacy uses the v1 endpoint kept by older instances.
func (c *Client) UploadMediaLegacy(ctx context.Context, data []byte, caption, mime string) (string, error) {
	return c.upload(ctx, "/api/v1/media", data, caption, mime)
}

func (c *Client) upload(ctx context.Context, path string, data []byte, caption, mime string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", fileName(mime))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if caption != "" {
		if err := w.WriteField("description", caption); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, path, w.FormDataContentType(), &body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("media upload returned no id")
	}
	return resp.ID, nil
}

type instanceResponse struct {
	Version             string `json:"version"`
	QuoteApprovalPolicy string `json:"quote_approval_policy"`
	Configuration       struct {
		Statuses struct {
			QuoteApprovalPolicy string `json:"quote_approval_policy"`
		} `json:"statuses"`
	} `json:"configuration"`
}

// ProbeCapabilities fetches the instance version and cross-reference
// policy. The policy field moved around between server releases, so both
// known locations are checked.
func (c *Client) ProbeCapabilities(ctx context.Context) (string, string, error) {
	var ir instanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/instance", "", nil, &ir); err != nil {
		return "", "", err
	}
	policy := ir.QuoteApprovalPolicy
	if policy == "" {
		policy = ir.Configuration.Statuses.QuoteApprovalPolicy
	}
	return ir.Version, policy, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Error bodies are carried into the error text: failure classification
	// matches on server-provided messages.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, apiErrorText(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(bytes.NewReader(raw)).Decode(out)
}

func apiErrorText(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

func fileName(mime string) string {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return "media.mp4"
	case mime == "image/png":
		return "media.png"
	default:
		return "media.jpg"
	}
}
