// Package capability caches per-destination feature support: protocol
// version and cross-reference policy, refreshed when stale.
package capability

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"fedirelay/internal/storage"
	logx "fedirelay/pkg/logx"
)

const bucket = "capabilities"

// DefaultMaxAge is how long a cached record stays trusted.
const DefaultMaxAge = 7 * 24 * time.Hour

// Policy values that forbid cross-references regardless of version.
var disabledPolicies = map[string]bool{
	"disabled": true,
	"deny":     true,
	"disallow": true,
}

// Record is one cached capability probe result.
type Record struct {
	Version   string    `json:"version"`
	Policy    string    `json:"quote_policy,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// SupportsCrossRef reports whether the destination accepts native
// cross-references: version at or above min, and no forbidding policy.
func (r Record) SupportsCrossRef(minVersion string) bool {
	if policy := strings.ToLower(strings.TrimSpace(r.Policy)); disabledPolicies[policy] {
		return false
	}
	return VersionAtLeast(r.Version, minVersion)
}

// ProbeFunc asks a destination for its version and cross-reference policy.
type ProbeFunc func(ctx context.Context) (version, policy string, err error)

type Registry struct {
	store      storage.Store
	log        logx.Logger
	minVersion string
	maxAge     time.Duration
	timeout    time.Duration
}

func NewRegistry(store storage.Store, log logx.Logger, minVersion string, maxAge, probeTimeout time.Duration) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Registry{
		store:      store,
		log:        log,
		minVersion: minVersion,
		maxAge:     maxAge,
		timeout:    probeTimeout,
	}
}

func (r *Registry) MinVersion() string { return r.minVersion }

// Ensure returns the destination's capability record, probing only when the
// cached value is absent, stale, or below the minimum version.
//
// A record already satisfying the minimum is trusted until it expires
// naturally. When a probe fails, the old record is kept but its timestamp is
// refreshed so a broken destination is not probed on every cycle; the stale
// value is still reported as usable if non-empty.
func (r *Registry) Ensure(ctx context.Context, destination string, probe ProbeFunc) (Record, error) {
	cached, ok := r.load(ctx, destination)
	now := time.Now()

	if ok {
		if VersionAtLeast(cached.Version, r.minVersion) {
			// Already sufficient, no re-check until natural expiry.
			return cached, nil
		}
		if now.Sub(cached.CheckedAt) <= r.maxAge {
			return cached, nil
		}
	}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	version, policy, err := probe(pctx)
	cancel()

	if err == nil && strings.TrimSpace(version) != "" {
		rec := Record{Version: strings.TrimSpace(version), Policy: strings.TrimSpace(policy), CheckedAt: now}
		r.save(ctx, destination, rec)
		return rec, nil
	}

	if err != nil {
		r.log.Warn("capability probe failed",
			logx.String("destination", destination), logx.Err(err))
	}

	if ok && cached.Version != "" {
		// Keep the old value but refresh the timestamp so the next cycles
		// don't hammer a destination that is already known to be broken.
		cached.CheckedAt = now
		r.save(ctx, destination, cached)
		return cached, nil
	}
	return Record{}, err
}

func (r *Registry) load(ctx context.Context, destination string) (Record, bool) {
	if r.store == nil {
		return Record{}, false
	}
	e, ok, err := r.store.Get(ctx, bucket, destination)
	if err != nil || !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

func (r *Registry) save(ctx context.Context, destination string, rec Record) {
	if r.store == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.store.Put(ctx, bucket, destination, b, rec.CheckedAt); err != nil {
		r.log.Warn("capability cache write failed",
			logx.String("destination", destination), logx.Err(err))
	}
}
