// Package crossref maps external status references to previously published
// posts on each destination, so later messages can cite them natively or by
// link.
package crossref

import (
	"context"
	"regexp"
	"time"

	"fedirelay/internal/storage"
	logx "fedirelay/pkg/logx"
)

const bucket = "published_posts"

// DefaultRetention is how long published-post mappings are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Store persists (destination, origin status id) -> published URL.
// Entries are unique per pair; writes overwrite.
type Store struct {
	store     storage.Store
	log       logx.Logger
	retention time.Duration
}

func NewStore(st storage.Store, log logx.Logger, retention time.Duration) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{store: st, log: log, retention: retention}
}

func key(destination, originID string) string {
	return destination + ":" + originID
}

// Record remembers where a chunk-0 publish for originID landed on destination.
func (s *Store) Record(ctx context.Context, destination, originID, url string, at time.Time) {
	if s.store == nil || destination == "" || originID == "" || url == "" {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	if err := s.store.Put(ctx, bucket, key(destination, originID), []byte(url), at); err != nil {
		s.log.Warn("crossref store write failed",
			logx.String("destination", destination),
			logx.String("origin_id", originID),
			logx.Err(err),
		)
	}
}

// Lookup returns the published URL for (destination, originID), if known.
func (s *Store) Lookup(ctx context.Context, destination, originID string) (string, bool) {
	if s.store == nil || destination == "" || originID == "" {
		return "", false
	}
	e, ok, err := s.store.Get(ctx, bucket, key(destination, originID))
	if err != nil || !ok {
		return "", false
	}
	return string(e.Value), true
}

// Prune drops mappings older than the retention window.
func (s *Store) Prune(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	return s.store.PruneBucket(ctx, bucket, time.Now().Add(-s.retention))
}

var statusIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/status/(\d+)`),
	regexp.MustCompile(`/statuses/(\d+)`),
	regexp.MustCompile(`/@[^/]+/(\d+)`),
}

var trailingNumberRe = regexp.MustCompile(`/(\d+)(?:\D|$)`)

// ExtractStatusID pulls the numeric status id out of a post URL.
// Returns "" when no id can be found.
func ExtractStatusID(url string) string {
	if url == "" {
		return ""
	}
	for _, pat := range statusIDPatterns {
		if m := pat.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	if m := trailingNumberRe.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}
