package deliver

import (
	"context"
	"sync"
	"time"

	"fedirelay/internal/alttext"
	"fedirelay/internal/capability"
	"fedirelay/internal/crossref"
	"fedirelay/internal/eventbus"
	"fedirelay/internal/media"
	"fedirelay/internal/segment"
	"fedirelay/internal/storage"
	logx "fedirelay/pkg/logx"
)

// pauseConsumer identifies this pipeline in the pause table, so other
// consumers of the same store can pause destinations independently.
const pauseConsumer = "delivery"

// DefaultPauseWindow is the circuit-breaker cool-down.
const DefaultPauseWindow = 15 * time.Minute

// DefaultRetryDelays is the escalating retry schedule.
var DefaultRetryDelays = []time.Duration{60 * time.Second, 120 * time.Second, 180 * time.Second}

// DefaultMaxAttempts bounds retries per job.
const DefaultMaxAttempts = 3

// Options tunes the orchestrator. Zero values use the defaults above.
type Options struct {
	Segment         segment.Options
	RetryDelays     []time.Duration
	MaxAttempts     int
	PauseWindow     time.Duration
	PublishTimeout  time.Duration
	FallbackCaption string
}

func (o Options) withDefaults() Options {
	if len(o.RetryDelays) == 0 {
		o.RetryDelays = DefaultRetryDelays
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.PauseWindow <= 0 {
		o.PauseWindow = DefaultPauseWindow
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 30 * time.Second
	}
	if o.FallbackCaption == "" {
		o.FallbackCaption = alttext.DefaultFallback
	}
	return o
}

// Orchestrator drives publication of messages to all destinations,
// applying visibility rules, the media fallback chain, cross-reference
// resolution and thread continuation.
type Orchestrator struct {
	store    storage.Store
	caps     *capability.Registry
	refs     *crossref.Store
	describe alttext.Describer
	bus      *eventbus.Bus
	log      logx.Logger
	opts     Options

	// Destinations that rejected a native cross-reference this run.
	// Reset per process; the capability cache handles the long term.
	// Guarded by mu: the drain pass runs concurrently with delivery.
	mu               sync.Mutex
	quoteUnsupported map[string]bool
}

func (o *Orchestrator) quoteRejected(destination string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quoteUnsupported[destination]
}

func (o *Orchestrator) markQuoteRejected(destination string) {
	o.mu.Lock()
	o.quoteUnsupported[destination] = true
	o.mu.Unlock()
}

func NewOrchestrator(store storage.Store, caps *capability.Registry, refs *crossref.Store, describe alttext.Describer, bus *eventbus.Bus, log logx.Logger, opts Options) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		store:            store,
		caps:             caps,
		refs:             refs,
		describe:         describe,
		bus:              bus,
		log:              log,
		opts:             opts.withDefaults(),
		quoteUnsupported: map[string]bool{},
	}
}

// Deliver publishes one message to every destination. Per-destination
// failures never abort the others; partial success is the normal case.
func (o *Orchestrator) Deliver(ctx context.Context, msg Message, dests []Destination) {
	chunks := segment.BuildThread(msg.Handle, msg.Text, msg.ExternURLs, msg.SourceURL, msg.PostedAt, o.opts.Segment)
	chunks = segment.FilterShort(chunks, msg.Handle, o.opts.Segment.FooterTag, o.opts.Segment.MinContentLen)
	if len(chunks) == 0 {
		o.log.Info("message dropped, no content after filtering",
			logx.String("handle", msg.Handle), logx.String("origin_id", msg.OriginID))
		return
	}

	items, refs := o.prepareMedia(ctx, msg)

	for _, d := range dests {
		o.deliverOne(ctx, d, msg, chunks, items, refs)
	}
}

func (o *Orchestrator) deliverOne(ctx context.Context, d Destination, msg Message, chunks []string, items []media.Item, mediaRefs []media.Ref) {
	log := o.log.With(logx.String("destination", d.Name))

	plan := threadPlan{
		originID:   msg.OriginID,
		handle:     msg.Handle,
		chunks:     chunks,
		visibility: d.Visibility(msg.Handle),
		media:      items,
		mediaRefs:  mediaRefs,
		references: msg.References,
	}

	// Circuit breaker: while paused, nothing is attempted directly and the
	// capability probe is skipped too.
	if until, paused := o.pausedUntil(ctx, d.Name); paused {
		log.Info("destination paused, deferring thread to retry queue",
			logx.Time("until", until))
		o.enqueue(ctx, d.Name, plan, until, "destination paused")
		return
	}

	// Capability and cross-reference resolution only matter when the
	// message carries references.
	if len(msg.References) > 0 && o.refs != nil {
		plan.chunks = o.refs.ReplaceLinks(ctx, plan.chunks, msg.References, d.Name)
		plan.quoteID = o.resolveQuote(ctx, d, msg.References)
	}

	published, last, err := o.publishThread(ctx, d, plan)
	if err == nil {
		log.Info("thread published",
			logx.Int("chunks", len(plan.chunks)), logx.String("visibility", plan.visibility))
		o.publishEvent(eventbus.TopicPublished, d.Name, msg.OriginID)
		return
	}

	rest := plan
	rest.chunks = plan.chunks[published:]
	rest.startIndex = plan.startIndex + published
	if published > 0 {
		// Media only rides on the very first chunk; the tail threads onto
		// the last post that made it out.
		rest.media, rest.mediaRefs = nil, nil
		rest.replyTo = last.ID
	}

	kind := ClassifyError(err.Error())
	log.Error("thread delivery failed",
		logx.Int("published", published), logx.String("kind", kind.String()), logx.Err(err))

	if kind == KindNetworkExhausted {
		until := time.Now().Add(o.opts.PauseWindow)
		o.pause(ctx, d.Name, until, err.Error())
		o.enqueue(ctx, d.Name, rest, until, err.Error())
		return
	}
	o.enqueue(ctx, d.Name, rest, time.Now().Add(o.opts.RetryDelays[0]), err.Error())
}

// threadPlan is everything needed to publish (or resume) one thread on one
// destination.
type threadPlan struct {
	originID   string
	handle     string
	chunks     []string
	startIndex int
	replyTo    string
	visibility string
	media      []media.Item
	mediaRefs  []media.Ref
	references []crossref.Reference
	quoteID    string
}

// publishThread posts chunks in order, threading each onto the previous.
// It returns how many chunks were published before the first failure.
func (o *Orchestrator) publishThread(ctx context.Context, d Destination, p threadPlan) (int, PublishedPost, error) {
	var last PublishedPost
	replyTo := p.replyTo

	for i, chunk := range p.chunks {
		if err := d.wait(ctx); err != nil {
			return i, last, err
		}

		req := PublishRequest{
			Text:       chunk,
			Visibility: p.visibility,
			InReplyTo:  replyTo,
		}

		first := p.startIndex == 0 && i == 0
		var post PublishedPost
		var err error
		if first {
			post, err = o.publishFirst(ctx, d, req, p)
		} else {
			pctx, cancel := context.WithTimeout(ctx, o.opts.PublishTimeout)
			post, err = d.Client.Publish(pctx, req)
			cancel()
		}
		if err != nil {
			return i, last, err
		}

		if first && o.refs != nil {
			o.refs.Record(ctx, d.Name, p.originID, post.URL, post.CreatedAt)
		}
		last = post
		replyTo = post.ID
	}
	return len(p.chunks), last, nil
}

// publishFirst handles chunk 0: the media fallback chain and the optional
// native cross-reference with its single-level downgrade.
//
// Servers reject mixed video+image statuses, so a video is posted alone and
// the images are the untried fallback. Each step covers both the upload and
// the publish: a status that fails with media attached moves on to the next
// media set rather than burning retry attempts.
func (o *Orchestrator) publishFirst(ctx context.Context, d Destination, req PublishRequest, p threadPlan) (PublishedPost, error) {
	sets := mediaSets(p.media)
	if len(sets) == 0 {
		return o.publishQuoted(ctx, d, req, p)
	}

	var lastErr error
	for _, set := range sets {
		ids, err := o.uploadSet(ctx, d, set.items, set.legacy)
		if err != nil {
			o.log.Warn("media upload failed",
				logx.String("destination", d.Name),
				logx.Bool("legacy", set.legacy), logx.Err(err))
			lastErr = err
			continue
		}

		req.MediaIDs = ids
		post, err := o.publishQuoted(ctx, d, req, p)
		if err == nil {
			return post, nil
		}
		lastErr = err
		if ClassifyError(err.Error()) == KindNetworkExhausted {
			// The destination itself is down; cycling media sets would only
			// hammer it further.
			break
		}
		o.log.Warn("publish with media failed, trying next media set",
			logx.String("destination", d.Name), logx.Err(err))
	}
	return PublishedPost{}, lastErr
}

// publishQuoted publishes one status, attaching the native cross-reference
// when the destination still accepts it and downgrading once if it refuses.
func (o *Orchestrator) publishQuoted(ctx context.Context, d Destination, req PublishRequest, p threadPlan) (PublishedPost, error) {
	if p.quoteID != "" && !o.quoteRejected(d.Name) {
		req.QuoteID = p.quoteID
	}

	pctx, cancel := context.WithTimeout(ctx, o.opts.PublishTimeout)
	post, err := d.Client.Publish(pctx, req)
	cancel()
	if err == nil {
		return post, nil
	}

	if req.QuoteID != "" && ClassifyError(err.Error()) == KindFeatureUnsupported {
		// Single-level downgrade: drop the native reference and retry once.
		// The rendered text already carries the reference as a link.
		o.markQuoteRejected(d.Name)
		o.log.Warn("native cross-reference rejected, retrying without",
			logx.String("destination", d.Name), logx.Err(err))
		req.QuoteID = ""
		pctx, cancel = context.WithTimeout(ctx, o.opts.PublishTimeout)
		post, err = d.Client.Publish(pctx, req)
		cancel()
	}
	return post, err
}

// mediaSet is one candidate attachment set for chunk 0.
type mediaSet struct {
	items  []media.Item
	legacy bool
}

// mediaSets orders the fallback chain: the video alone first when one is
// present, then the images, then the images again through the legacy
// upload endpoint.
func mediaSets(items []media.Item) []mediaSet {
	if len(items) == 0 {
		return nil
	}
	video, images := splitVideo(items)
	var sets []mediaSet
	if video != nil {
		sets = append(sets, mediaSet{items: []media.Item{*video}})
	}
	if len(images) > 0 {
		sets = append(sets,
			mediaSet{items: images},
			mediaSet{items: images, legacy: true})
	} else if video != nil {
		sets = append(sets, mediaSet{items: []media.Item{*video}, legacy: true})
	}
	return sets
}

func (o *Orchestrator) uploadSet(ctx context.Context, d Destination, items []media.Item, legacy bool) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		uctx, cancel := context.WithTimeout(ctx, o.opts.PublishTimeout)
		var id string
		var err error
		if legacy {
			id, err = d.Client.UploadMediaLegacy(uctx, it.Data, it.Description, it.Mime)
		} else {
			id, err = d.Client.UploadMedia(uctx, it.Data, it.Description, it.Mime)
		}
		cancel()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitVideo(items []media.Item) (video *media.Item, images []media.Item) {
	for i := range items {
		if isVideo(items[i].Mime) {
			video = &items[i]
		} else {
			images = append(images, items[i])
		}
	}
	return video, images
}

func isVideo(mime string) bool {
	return len(mime) >= 6 && mime[:6] == "video/"
}

// prepareMedia normalizes attachments and resolves captions. Returned refs
// describe how to regenerate the items on a retry; raw bytes are never
// persisted.
func (o *Orchestrator) prepareMedia(ctx context.Context, msg Message) ([]media.Item, []media.Ref) {
	var items []media.Item
	var refs []media.Ref

	for _, att := range msg.Attachments {
		switch att.Kind {
		case "video":
			item := media.PrepareVideo(att.Data, att.Mime, msg.Text)
			if att.Caption != "" {
				item.Description = att.Caption
			}
			items = append(items, item)
			refs = append(refs, media.Ref{URL: att.URL, Mime: att.Mime, Kind: "video", Description: item.Description})
		default:
			item := media.PrepareImage(att.Data, att.Mime)
			item.Description = o.caption(ctx, att, msg)
			items = append(items, item)
			refs = append(refs, media.Ref{URL: att.URL, Mime: att.Mime, Kind: "image", Description: item.Description})
		}
	}

	items = media.CapImages(items)
	if len(refs) > len(items) {
		refs = refs[:len(items)]
	}
	return items, refs
}

func (o *Orchestrator) caption(ctx context.Context, att Attachment, msg Message) string {
	if att.Caption != "" {
		return att.Caption
	}
	if o.describe != nil {
		text, err := o.describe.Describe(ctx, att.Data, alttext.Context{
			Handle:       msg.Handle,
			SourceURL:    msg.SourceURL,
			OriginalText: msg.Text,
		})
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			o.log.Warn("alt-text generation failed", logx.Err(err))
		}
	}
	return o.opts.FallbackCaption
}

func (o *Orchestrator) pausedUntil(ctx context.Context, destination string) (time.Time, bool) {
	if o.store == nil {
		return time.Time{}, false
	}
	until, ok, err := o.store.GetPauseUntil(ctx, destination, pauseConsumer, time.Now())
	if err != nil {
		o.log.Warn("pause lookup failed",
			logx.String("destination", destination), logx.Err(err))
		return time.Time{}, false
	}
	return until, ok
}

func (o *Orchestrator) pause(ctx context.Context, destination string, until time.Time, reason string) {
	if o.store != nil {
		if err := o.store.SetPause(ctx, destination, pauseConsumer, until, reason); err != nil {
			o.log.Error("pause write failed",
				logx.String("destination", destination), logx.Err(err))
		}
	}
	o.log.Warn("destination paused",
		logx.String("destination", destination), logx.Time("until", until))
	o.publishEvent(eventbus.TopicPaused, destination, reason)
}

func (o *Orchestrator) publishEvent(topic, destination, detail string) {
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Topic: topic, Destination: destination, Detail: detail})
	}
}

// Capabilities returns the destination's capability record, probing through
// the registry when needed.
func (o *Orchestrator) Capabilities(ctx context.Context, d Destination) (capability.Record, error) {
	if o.caps == nil {
		return capability.Record{}, nil
	}
	return o.caps.Ensure(ctx, d.Name, d.Client.ProbeCapabilities)
}

// resolveQuote returns the status id to quote natively, or "" when the
// destination does not support it or nothing resolves.
func (o *Orchestrator) resolveQuote(ctx context.Context, d Destination, refs []crossref.Reference) string {
	if o.quoteRejected(d.Name) {
		return ""
	}
	rec, err := o.Capabilities(ctx, d)
	if err != nil || o.caps == nil || !rec.SupportsCrossRef(o.caps.MinVersion()) {
		return ""
	}
	res := o.refs.Resolve(ctx, refs, d.Name)
	return res.StatusID
}
