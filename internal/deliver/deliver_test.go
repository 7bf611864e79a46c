package deliver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fedirelay/internal/capability"
	"fedirelay/internal/crossref"
	"fedirelay/internal/eventbus"
	"fedirelay/internal/storage"
	logx "fedirelay/pkg/logx"
)

type fakeClient struct {
	mu        sync.Mutex
	publishes []PublishRequest
	uploads   []string // mimes, generic path
	legacy    []string // mimes, legacy path

	publishErr func(req PublishRequest) error
	uploadErr  func(mime string, legacy bool) error
	version    string
	policy     string
}

func (c *fakeClient) Publish(_ context.Context, req PublishRequest) (PublishedPost, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishes = append(c.publishes, req)
	if c.publishErr != nil {
		if err := c.publishErr(req); err != nil {
			return PublishedPost{}, err
		}
	}
	n := len(c.publishes)
	return PublishedPost{
		ID:        fmt.Sprintf("id-%d", n),
		URL:       fmt.Sprintf("https://dest.example/@relay/%d", 1000+n),
		CreatedAt: time.Now(),
	}, nil
}

func (c *fakeClient) UploadMedia(_ context.Context, _ []byte, _ string, mime string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploadErr != nil {
		if err := c.uploadErr(mime, false); err != nil {
			return "", err
		}
	}
	c.uploads = append(c.uploads, mime)
	return fmt.Sprintf("media-%d", len(c.uploads)), nil
}

func (c *fakeClient) UploadMediaLegacy(_ context.Context, _ []byte, _ string, mime string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploadErr != nil {
		if err := c.uploadErr(mime, true); err != nil {
			return "", err
		}
	}
	c.legacy = append(c.legacy, mime)
	return fmt.Sprintf("legacy-%d", len(c.legacy)), nil
}

func (c *fakeClient) ProbeCapabilities(context.Context) (string, string, error) {
	if c.version == "" {
		return "4.5.0", "", nil
	}
	return c.version, c.policy, nil
}

func (c *fakeClient) calls() []PublishRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PublishRequest, len(c.publishes))
	copy(out, c.publishes)
	return out
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testOrchestrator(t *testing.T, st storage.Store) (*Orchestrator, *crossref.Store) {
	t.Helper()
	refs := crossref.NewStore(st, logx.Nop(), 0)
	caps := capability.NewRegistry(st, logx.Nop(), "4.5.0", 0, 0)
	orch := NewOrchestrator(st, caps, refs, nil, eventbus.New(), logx.Nop(), Options{
		RetryDelays: []time.Duration{time.Millisecond},
		MaxAttempts: 3,
	})
	return orch, refs
}

func longText(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString("The quick brown fox jumps over the lazy dog near the river bank. ")
	}
	return strings.TrimSpace(b.String()[:n])
}

func TestVisibility(t *testing.T) {
	d := Destination{PublicAuthors: []string{"newsroom", "Alerts"}}
	cases := []struct {
		handle string
		want   string
	}{
		{"city_newsroom", VisibilityPublic},
		{"weather_alerts_north", VisibilityPublic},
		{"random_account", VisibilityUnlisted},
		{"", VisibilityUnlisted},
	}
	for _, c := range cases {
		if got := d.Visibility(c.handle); got != c.want {
			t.Errorf("Visibility(%q) = %q, want %q", c.handle, got, c.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		text string
		want ErrorKind
	}{
		{"HTTPSConnectionPool: Max retries exceeded with url: /api/v1/statuses", KindNetworkExhausted},
		{"dial tcp: connection refused", KindNetworkExhausted},
		{"network is unreachable", KindNetworkExhausted},
		{"quote_id is only available with feature set fedibird", KindFeatureUnsupported},
		{"Validation failed: quoted_status_id is not allowed", KindFeatureUnsupported},
		{"422 Unprocessable Entity: text too long", KindGeneric},
		{"", KindGeneric},
	}
	for _, c := range cases {
		if got := ClassifyError(c.text); got != c.want {
			t.Errorf("ClassifyError(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestDeliverPublishesThreadedChunks(t *testing.T) {
	st := newStore(t)
	orch, refs := testOrchestrator(t, st)
	client := &fakeClient{}
	dest := Destination{Name: "main", Client: client, PublicAuthors: []string{"newsroom"}}

	msg := Message{
		OriginID: "9001",
		Handle:   "city_newsroom",
		Text:     longText(1200),
	}
	orch.Deliver(context.Background(), msg, []Destination{dest})

	calls := client.calls()
	if len(calls) < 2 {
		t.Fatalf("expected a multi-chunk thread, got %d publishes", len(calls))
	}
	if calls[0].InReplyTo != "" {
		t.Fatalf("chunk 0 has reply-to %q", calls[0].InReplyTo)
	}
	for i := 1; i < len(calls); i++ {
		want := fmt.Sprintf("id-%d", i)
		if calls[i].InReplyTo != want {
			t.Fatalf("chunk %d reply-to = %q, want %q", i, calls[i].InReplyTo, want)
		}
	}
	for i, c := range calls {
		if c.Visibility != VisibilityPublic {
			t.Fatalf("chunk %d visibility = %q", i, c.Visibility)
		}
		if len([]rune(c.Text)) > 500 {
			t.Fatalf("chunk %d length %d > 500", i, len([]rune(c.Text)))
		}
	}

	// Chunk 0 success is recorded for later cross-referencing.
	if url, ok := refs.Lookup(context.Background(), "main", "9001"); !ok || url == "" {
		t.Fatalf("crossref entry missing: %q %v", url, ok)
	}

	// Jobs queue stays empty on full success.
	jobs, err := st.DueJobs(context.Background(), Channel, time.Now().Add(time.Hour))
	if err != nil || len(jobs) != 0 {
		t.Fatalf("jobs = %v, err = %v", jobs, err)
	}
}

func TestUnlistedDefaultForUnknownAuthor(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	client := &fakeClient{}
	dest := Destination{Name: "main", Client: client, PublicAuthors: []string{"newsroom"}}

	orch.Deliver(context.Background(), Message{Handle: "someone_else", Text: longText(120)}, []Destination{dest})
	calls := client.calls()
	if len(calls) != 1 || calls[0].Visibility != VisibilityUnlisted {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestNetworkFailurePausesAndDefers(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	client := &fakeClient{publishErr: func(PublishRequest) error {
		return errors.New("Max retries exceeded with url: /api/v1/statuses")
	}}
	dest := Destination{Name: "flaky", Client: client}

	start := time.Now()
	orch.Deliver(context.Background(), Message{Handle: "h", Text: longText(1200)}, []Destination{dest})

	if got := len(client.calls()); got != 1 {
		t.Fatalf("publish attempts = %d, want 1 (fail fast, no per-chunk hammering)", got)
	}

	until, paused, err := st.GetPauseUntil(context.Background(), "flaky", "delivery", time.Now())
	if err != nil || !paused {
		t.Fatalf("paused = %v, err = %v", paused, err)
	}
	if d := until.Sub(start); d < 14*time.Minute || d > 16*time.Minute {
		t.Fatalf("pause window = %v, want about 15m", d)
	}

	// The whole thread went to the retry queue, aligned to the pause expiry.
	jobs, err := st.DueJobs(context.Background(), Channel, until.Add(time.Second))
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v, err = %v", jobs, err)
	}
	if jobs[0].NextAt.Before(until.Add(-time.Second)) {
		t.Fatalf("job due %v before pause expiry %v", jobs[0].NextAt, until)
	}

	// A second message while paused is deferred without any direct attempt.
	orch.Deliver(context.Background(), Message{Handle: "h", Text: longText(200)}, []Destination{dest})
	if got := len(client.calls()); got != 1 {
		t.Fatalf("publish attempted while paused: %d calls", got)
	}
	jobs, _ = st.DueJobs(context.Background(), Channel, until.Add(time.Second))
	if len(jobs) != 2 {
		t.Fatalf("deferred jobs = %d, want 2", len(jobs))
	}
}

func TestGenericFailureGoesToRetryQueue(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	boom := errors.New("500 internal server error")
	client := &fakeClient{publishErr: func(req PublishRequest) error {
		if req.InReplyTo != "" {
			return boom
		}
		return nil
	}}
	dest := Destination{Name: "main", Client: client}

	orch.Deliver(context.Background(), Message{OriginID: "1", Handle: "h", Text: longText(1200)}, []Destination{dest})

	// No pause for a generic failure.
	if _, paused, _ := st.GetPauseUntil(context.Background(), "main", "delivery", time.Now()); paused {
		t.Fatal("generic failure must not trip the circuit breaker")
	}

	jobs, err := st.DueJobs(context.Background(), Channel, time.Now().Add(time.Hour))
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v, err = %v", jobs, err)
	}
	if jobs[0].MaxAttempts != 3 || jobs[0].Attempts != 0 {
		t.Fatalf("job = %+v", jobs[0])
	}
}

func TestQuoteDowngradeOnFeatureRejection(t *testing.T) {
	st := newStore(t)
	orch, refs := testOrchestrator(t, st)

	refs.Record(context.Background(), "main", "orig-1", "https://peer.example/status/987", time.Now())

	client := &fakeClient{publishErr: func(req PublishRequest) error {
		if req.QuoteID != "" {
			return errors.New("quote_id is only available with feature set fedibird")
		}
		return nil
	}}
	dest := Destination{Name: "main", Client: client}

	msg := Message{
		OriginID:   "2",
		Handle:     "h",
		Text:       "Referenced: Original post\n\n" + longText(150),
		References: []crossref.Reference{{Display: "Original post", OriginID: "orig-1"}},
	}
	orch.Deliver(context.Background(), msg, []Destination{dest})

	calls := client.calls()
	if len(calls) != 2 {
		t.Fatalf("publish calls = %d, want rejected quote then retry", len(calls))
	}
	if calls[0].QuoteID != "987" {
		t.Fatalf("first attempt quote id = %q, want 987", calls[0].QuoteID)
	}
	if calls[1].QuoteID != "" {
		t.Fatalf("downgraded attempt still has quote id %q", calls[1].QuoteID)
	}
	if !strings.Contains(calls[1].Text, "Referenced: https://peer.example/status/987") {
		t.Fatalf("placeholder not rewritten to link: %q", calls[1].Text)
	}

	// The rejection sticks for the rest of the run.
	orch.Deliver(context.Background(), msg, []Destination{dest})
	calls = client.calls()
	if last := calls[len(calls)-1]; last.QuoteID != "" {
		t.Fatalf("quote attempted again after rejection: %+v", last)
	}
}

func TestUnresolvedReferenceKeepsPlaceholder(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	client := &fakeClient{}
	dest := Destination{Name: "main", Client: client}

	msg := Message{
		Handle:     "h",
		Text:       "Referenced: Some other post\n\n" + longText(150),
		References: []crossref.Reference{{Display: "Some other post", OriginID: "nope"}},
	}
	orch.Deliver(context.Background(), msg, []Destination{dest})

	calls := client.calls()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d", len(calls))
	}
	if calls[0].QuoteID != "" {
		t.Fatalf("quote id = %q for unresolved reference", calls[0].QuoteID)
	}
	if !strings.Contains(calls[0].Text, "Referenced: Some other post") {
		t.Fatalf("placeholder lost: %q", calls[0].Text)
	}
}

func TestVideoPostedAloneWhenImagesPresent(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	client := &fakeClient{}
	dest := Destination{Name: "main", Client: client}

	msg := Message{
		Handle: "h",
		Text:   longText(120),
		Attachments: []Attachment{
			{Kind: "video", Data: []byte("vid"), Mime: "video/mp4"},
			{Kind: "image", Data: []byte("img"), Mime: "image/png", Caption: "a chart"},
		},
	}
	orch.Deliver(context.Background(), msg, []Destination{dest})

	calls := client.calls()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d", len(calls))
	}
	// Mixed video+image statuses are rejected by servers; the video goes
	// out alone and the images stay in reserve.
	if len(calls[0].MediaIDs) != 1 {
		t.Fatalf("media ids = %v, want the video only", calls[0].MediaIDs)
	}
	if len(client.uploads) != 1 || client.uploads[0] != "video/mp4" {
		t.Fatalf("uploaded mimes = %v, want only the video", client.uploads)
	}
}

func TestPublishFailureWithMediaFallsBackToImages(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	client := &fakeClient{}
	// Uploads all succeed; the status carrying the video id is rejected at
	// publish time instead.
	client.publishErr = func(req PublishRequest) error {
		if len(req.MediaIDs) == 1 && req.MediaIDs[0] == "media-1" {
			return errors.New("422 video processing failed")
		}
		return nil
	}
	dest := Destination{Name: "main", Client: client}

	msg := Message{
		Handle: "h",
		Text:   longText(120),
		Attachments: []Attachment{
			{Kind: "video", Data: []byte("vid"), Mime: "video/mp4"},
			{Kind: "image", Data: []byte("img"), Mime: "image/png", Caption: "a chart"},
		},
	}
	orch.Deliver(context.Background(), msg, []Destination{dest})

	calls := client.calls()
	if len(calls) != 2 {
		t.Fatalf("publish calls = %d, want failed video then images", len(calls))
	}
	if len(calls[1].MediaIDs) != 1 || calls[1].MediaIDs[0] == "media-1" {
		t.Fatalf("fallback media ids = %v", calls[1].MediaIDs)
	}
	if jobs, _ := st.DueJobs(context.Background(), Channel, time.Now().Add(time.Hour)); len(jobs) != 0 {
		t.Fatalf("delivery succeeded via fallback but %d jobs queued", len(jobs))
	}
}

func TestMediaFallbackVideoToImages(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	client := &fakeClient{uploadErr: func(mime string, legacy bool) error {
		if !legacy && strings.HasPrefix(mime, "video/") {
			return errors.New("422 video too large")
		}
		return nil
	}}
	dest := Destination{Name: "main", Client: client}

	msg := Message{
		Handle: "h",
		Text:   longText(120),
		Attachments: []Attachment{
			{Kind: "video", Data: []byte("vid"), Mime: "video/mp4"},
			{Kind: "image", Data: []byte("img"), Mime: "image/png", Caption: "a chart"},
		},
	}
	orch.Deliver(context.Background(), msg, []Destination{dest})

	calls := client.calls()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d", len(calls))
	}
	if len(calls[0].MediaIDs) != 1 {
		t.Fatalf("media ids = %v, want the image only", calls[0].MediaIDs)
	}
	for _, mime := range client.uploads {
		if strings.HasPrefix(mime, "video/") {
			t.Fatalf("video made it through the generic path: %v", client.uploads)
		}
	}
}

func TestMediaFallbackLegacyPath(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	client := &fakeClient{uploadErr: func(mime string, legacy bool) error {
		if !legacy {
			return errors.New("404 not found")
		}
		return nil
	}}
	dest := Destination{Name: "main", Client: client}

	msg := Message{
		Handle:      "h",
		Text:        longText(120),
		Attachments: []Attachment{{Kind: "image", Data: []byte("img"), Mime: "image/png", Caption: "c"}},
	}
	orch.Deliver(context.Background(), msg, []Destination{dest})

	calls := client.calls()
	if len(calls) != 1 || len(calls[0].MediaIDs) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	if len(client.legacy) != 1 {
		t.Fatalf("legacy uploads = %v", client.legacy)
	}
}

func TestPartialFailureNeverAbortsOtherDestinations(t *testing.T) {
	st := newStore(t)
	orch, _ := testOrchestrator(t, st)
	bad := &fakeClient{publishErr: func(PublishRequest) error { return errors.New("boom") }}
	good := &fakeClient{}
	dests := []Destination{
		{Name: "bad", Client: bad},
		{Name: "good", Client: good},
	}

	orch.Deliver(context.Background(), Message{Handle: "h", Text: longText(120)}, dests)
	if len(good.calls()) != 1 {
		t.Fatalf("good destination publishes = %d", len(good.calls()))
	}
}
