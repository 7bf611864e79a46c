package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fedirelay/internal/crossref"
	"fedirelay/internal/deliver"
	"fedirelay/internal/media"
	logx "fedirelay/pkg/logx"
)

// Source feeds inbound messages into the pipeline. Content acquisition
// (scrapers, feed pollers) lives outside this binary.
type Source interface {
	Run(ctx context.Context, emit func(ctx context.Context, msg deliver.Message)) error
}

// messageFile is the on-disk format accepted by the dir source.
type messageFile struct {
	OriginID   string               `json:"origin_id"`
	Handle     string               `json:"handle"`
	Text       string               `json:"text"`
	SourceURL  string               `json:"source_url,omitempty"`
	PostedAt   string               `json:"posted_at,omitempty"`
	ExternURLs []string             `json:"extern_urls,omitempty"`
	Media      []mediaFileRef       `json:"media,omitempty"`
	References []crossref.Reference `json:"references,omitempty"`
}

type mediaFileRef struct {
	Kind    string `json:"kind"` // "image" or "video"
	URL     string `json:"url"`
	Mime    string `json:"mime,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// dirSource picks up JSON message files dropped into a directory, delivers
// them and moves each file aside so it is handled once.
type dirSource struct {
	dir      string
	interval time.Duration
	fetcher  media.Fetcher
	log      logx.Logger
}

func newDirSource(dir string, interval time.Duration, fetcher media.Fetcher, log logx.Logger) *dirSource {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &dirSource{dir: dir, interval: interval, fetcher: fetcher, log: log}
}

func (s *dirSource) Run(ctx context.Context, emit func(ctx context.Context, msg deliver.Message)) error {
	for _, sub := range []string{"done", "failed"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scan(ctx, emit)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx, emit)
		}
	}
}

func (s *dirSource) scan(ctx context.Context, emit func(ctx context.Context, msg deliver.Message)) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("source directory read failed", logx.String("dir", s.dir), logx.Err(err))
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	// Oldest first by name; droppers use sortable timestamps in file names.
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(s.dir, name)

		msg, err := s.load(ctx, path)
		if err != nil {
			s.log.Error("message file rejected", logx.String("file", name), logx.Err(err))
			s.move(path, "failed")
			continue
		}

		emit(ctx, msg)
		s.move(path, "done")
	}
}

func (s *dirSource) load(ctx context.Context, path string) (deliver.Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return deliver.Message{}, err
	}
	var mf messageFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return deliver.Message{}, err
	}

	msg := deliver.Message{
		OriginID:   mf.OriginID,
		Handle:     mf.Handle,
		Text:       mf.Text,
		SourceURL:  mf.SourceURL,
		PostedAt:   mf.PostedAt,
		ExternURLs: mf.ExternURLs,
		References: mf.References,
	}
	for _, m := range mf.Media {
		att := deliver.Attachment{Kind: m.Kind, Mime: m.Mime, Caption: m.Caption, URL: m.URL}
		if s.fetcher != nil && m.URL != "" {
			data, mime, err := s.fetcher.Fetch(ctx, media.Ref{URL: m.URL, Mime: m.Mime, Kind: m.Kind})
			if err != nil {
				s.log.Warn("attachment fetch failed, continuing without it",
					logx.String("url", m.URL), logx.Err(err))
				continue
			}
			att.Data, att.Mime = data, mime
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	return msg, nil
}

func (s *dirSource) move(path, sub string) {
	dst := filepath.Join(s.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		s.log.Error("message file move failed", logx.String("file", path), logx.Err(err))
	}
}
