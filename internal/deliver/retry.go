package deliver

import (
	"context"
	"encoding/json"
	"time"

	"fedirelay/internal/crossref"
	"fedirelay/internal/eventbus"
	"fedirelay/internal/media"
	"fedirelay/internal/storage"
	logx "fedirelay/pkg/logx"
)

// Channel is the job channel name used by the delivery retry queue.
const Channel = "deliver"

// jobPayload carries enough context to resume a thread. Media bytes are not
// persisted; refs let the drain pass re-fetch them.
type jobPayload struct {
	OriginID   string               `json:"origin_id,omitempty"`
	Handle     string               `json:"handle"`
	Chunks     []string             `json:"chunks"`
	StartIndex int                  `json:"start_index"`
	ReplyTo    string               `json:"reply_to,omitempty"`
	Visibility string               `json:"visibility"`
	Media      []media.Ref          `json:"media,omitempty"`
	References []crossref.Reference `json:"refs,omitempty"`
}

// enqueue hands the unpublished tail of a thread to the retry queue.
func (o *Orchestrator) enqueue(ctx context.Context, destination string, p threadPlan, next time.Time, reason string) {
	if o.store == nil {
		o.log.Error("no storage, undelivered chunks lost",
			logx.String("destination", destination), logx.Int("chunks", len(p.chunks)))
		return
	}
	if len(p.chunks) == 0 {
		return
	}

	payload, err := json.Marshal(jobPayload{
		OriginID:   p.originID,
		Handle:     p.handle,
		Chunks:     p.chunks,
		StartIndex: p.startIndex,
		ReplyTo:    p.replyTo,
		Visibility: p.visibility,
		Media:      p.mediaRefs,
		References: p.references,
	})
	if err != nil {
		o.log.Error("retry payload marshal failed", logx.Err(err))
		return
	}

	id, err := o.store.EnqueueJob(ctx, storage.Job{
		Channel:     Channel,
		Destination: destination,
		Payload:     payload,
		MaxAttempts: o.opts.MaxAttempts,
		NextAt:      next,
		LastError:   reason,
	})
	if err != nil {
		o.log.Error("retry enqueue failed",
			logx.String("destination", destination), logx.Err(err))
		return
	}
	o.log.Info("thread deferred to retry queue",
		logx.String("destination", destination),
		logx.String("job", id),
		logx.Int("chunks", len(p.chunks)),
		logx.Time("next", next),
	)
}

// delayFor returns the wait before the given retry attempt. failures is how
// many attempts have already failed.
func (o *Orchestrator) delayFor(failures int) time.Duration {
	delays := o.opts.RetryDelays
	if failures < 0 {
		failures = 0
	}
	if failures >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[failures]
}

// Drainer replays due retry jobs through the orchestrator's publish path.
type Drainer struct {
	orch    *Orchestrator
	store   storage.Store
	fetcher media.Fetcher
	log     logx.Logger
	dests   map[string]Destination
}

func NewDrainer(orch *Orchestrator, store storage.Store, fetcher media.Fetcher, dests []Destination, log logx.Logger) *Drainer {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := make(map[string]Destination, len(dests))
	for _, d := range dests {
		m[d.Name] = d
	}
	return &Drainer{orch: orch, store: store, fetcher: fetcher, log: log, dests: m}
}

// Drain processes every due job once. Safe to run concurrently with new
// message delivery; jobs only ever move forward.
func (d *Drainer) Drain(ctx context.Context) {
	if d.store == nil {
		return
	}
	now := time.Now()
	jobs, err := d.store.DueJobs(ctx, Channel, now)
	if err != nil {
		d.log.Error("retry queue read failed", logx.Err(err))
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		d.drainOne(ctx, job)
	}
}

func (d *Drainer) drainOne(ctx context.Context, job storage.Job) {
	log := d.log.With(
		logx.String("job", job.ID),
		logx.String("destination", job.Destination),
		logx.Int("attempt", job.Attempts+1),
	)

	dest, ok := d.dests[job.Destination]
	if !ok {
		// Destination removed from configuration; the job can never run.
		log.Warn("dropping job for unknown destination")
		d.remove(ctx, job.ID)
		return
	}

	// A paused destination stays untouched; the job remains due and is
	// picked up again after the pause expires.
	if _, paused := d.orch.pausedUntil(ctx, dest.Name); paused {
		log.Debug("destination still paused, skipping job")
		return
	}

	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		log.Error("corrupt retry payload, dropping job", logx.Err(err))
		d.remove(ctx, job.ID)
		return
	}

	plan := threadPlan{
		originID:   p.OriginID,
		handle:     p.Handle,
		chunks:     p.Chunks,
		startIndex: p.StartIndex,
		replyTo:    p.ReplyTo,
		visibility: p.Visibility,
		references: p.References,
	}
	if plan.startIndex == 0 && len(p.Media) > 0 {
		plan.media = d.refetch(ctx, p.Media)
	}
	if len(p.References) > 0 && d.orch.refs != nil {
		plan.chunks = d.orch.refs.ReplaceLinks(ctx, plan.chunks, p.References, dest.Name)
		if plan.startIndex == 0 {
			plan.quoteID = d.orch.resolveQuote(ctx, dest, p.References)
		}
	}

	published, last, err := d.orch.publishThread(ctx, dest, plan)
	if err == nil {
		log.Info("retried thread published", logx.Int("chunks", len(plan.chunks)))
		d.orch.publishEvent(eventbus.TopicPublished, dest.Name, p.OriginID)
		d.remove(ctx, job.ID)
		return
	}

	failures := job.Attempts + 1
	kind := ClassifyError(err.Error())
	log.Warn("retry attempt failed", logx.String("kind", kind.String()), logx.Err(err))

	if kind == KindNetworkExhausted {
		d.orch.pause(ctx, dest.Name, time.Now().Add(d.orch.opts.PauseWindow), err.Error())
	}

	if failures >= job.MaxAttempts {
		log.Error("retry attempts exhausted, dropping job permanently",
			logx.Int("attempts", failures), logx.Err(err))
		d.orch.publishEvent(eventbus.TopicDropped, dest.Name, err.Error())
		d.remove(ctx, job.ID)
		return
	}

	next := time.Now().Add(d.orch.delayFor(failures))
	if published == 0 {
		if rerr := d.store.RescheduleJob(ctx, job.ID, next, err.Error()); rerr != nil {
			log.Error("reschedule failed", logx.Err(rerr))
		}
		return
	}

	// Part of the tail went out; requeue only the remainder so those chunks
	// are not posted twice. Attempt count carries over.
	p.Chunks = plan.chunks[published:]
	p.StartIndex += published
	p.ReplyTo = last.ID
	p.Media = nil
	payload, merr := json.Marshal(p)
	if merr != nil {
		log.Error("retry payload marshal failed, dropping job", logx.Err(merr))
		d.remove(ctx, job.ID)
		return
	}
	d.remove(ctx, job.ID)
	if _, eerr := d.store.EnqueueJob(ctx, storage.Job{
		Channel:     Channel,
		Destination: job.Destination,
		Payload:     payload,
		Attempts:    failures,
		MaxAttempts: job.MaxAttempts,
		NextAt:      next,
		LastError:   err.Error(),
	}); eerr != nil {
		log.Error("requeue of remaining chunks failed", logx.Err(eerr))
	}
}

func (d *Drainer) refetch(ctx context.Context, refs []media.Ref) []media.Item {
	if d.fetcher == nil {
		return nil
	}
	var items []media.Item
	for _, ref := range refs {
		data, mime, err := d.fetcher.Fetch(ctx, ref)
		if err != nil {
			d.log.Warn("media re-fetch failed, posting without it",
				logx.String("url", ref.URL), logx.Err(err))
			continue
		}
		if mime == "" {
			mime = ref.Mime
		}
		var item media.Item
		if ref.Kind == "video" {
			item = media.PrepareVideo(data, mime, ref.Description)
			item.Description = ref.Description
		} else {
			item = media.PrepareImage(data, mime)
			item.Description = ref.Description
		}
		items = append(items, item)
	}
	return media.CapImages(items)
}

func (d *Drainer) remove(ctx context.Context, id string) {
	if err := d.store.RemoveJob(ctx, id); err != nil {
		d.log.Error("job removal failed", logx.String("job", id), logx.Err(err))
	}
}
