package config

// Config is the full on-disk configuration.
//
// Files may be JSON or YAML; YAML is converted to JSON and decoded strictly,
// so unknown keys are rejected in both formats.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage configures the persistence layer backing the capability cache,
	// cross-reference store, retry queue and pause table.
	Storage StorageConfig `json:"storage"`

	Segmenter  SegmenterConfig  `json:"segmenter,omitempty"`
	Capability CapabilityConfig `json:"capability,omitempty"`
	CrossRef   CrossRefConfig   `json:"crossref,omitempty"`
	Delivery   DeliveryConfig   `json:"delivery,omitempty"`
	Retry      RetryConfig      `json:"retry,omitempty"`
	AltText    AltTextConfig    `json:"alt_text,omitempty"`
	Source     SourceConfig     `json:"source,omitempty"`

	// Destinations lists the instances every message is republished to.
	Destinations []DestinationConfig `json:"destinations"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the persistence backend.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DestinationConfig describes one target instance.
//
// The access token is looked up in the environment under AccessTokenEnv, so
// config files never carry credentials.
//
// PublicAuthors is a substring allow-list matched against the author handle;
// matching messages are posted public, everything else falls back to the
// restrictive default visibility (unlisted).
type DestinationConfig struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"base_url"`
	AccessTokenEnv string   `json:"access_token_env"`
	PublicAuthors  []string `json:"public_authors,omitempty"`
}

// SegmenterConfig controls thread splitting.
//
// Defaults (when fields are omitted/zero):
//   - max_chars: 500
//   - min_content_len: 8
//   - first_post_min_content_len: 80
type SegmenterConfig struct {
	MaxChars           int    `json:"max_chars,omitempty"`
	MinContentLen      int    `json:"min_content_len,omitempty"`
	FirstPostMinLen    int    `json:"first_post_min_content_len,omitempty"`
	FooterTag          string `json:"footer_tag,omitempty"`
	SourceLinkRewrites bool   `json:"source_link_rewrites"`
}

// CapabilityConfig controls the per-destination capability cache.
type CapabilityConfig struct {
	// MinVersion is the minimum server version for native cross-references.
	MinVersion string `json:"min_version,omitempty"` // default "4.5.0"
	// MaxAge is a Go duration string; cached records older than this are
	// re-probed. Default "168h" (7 days).
	MaxAge string `json:"max_age,omitempty"`
	// ProbeTimeout bounds one capability probe. Default "10s".
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

// CrossRefConfig controls the published-post mapping store.
type CrossRefConfig struct {
	// Retention is a Go duration string; entries older than this are pruned.
	// Default "168h" (7 days).
	Retention string `json:"retention,omitempty"`
}

// DeliveryConfig controls direct publish attempts.
type DeliveryConfig struct {
	// RatePerSec caps publish calls per destination. Default 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// PublishTimeout bounds one publish or media upload call. Default "30s".
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

// RetryConfig controls the durable retry queue and the circuit breaker.
//
// Delays is the escalating schedule indexed by attempt count; attempts past
// the end reuse the last entry. Default ["60s","120s","180s"].
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts,omitempty"` // default 3
	Delays      []string `json:"delays,omitempty"`
	// PauseWindow is how long a destination stays paused after a
	// network-exhausted failure. Default "15m".
	PauseWindow string `json:"pause_window,omitempty"`
	// DrainInterval is how often due jobs are retried. Default "1m".
	DrainInterval string `json:"drain_interval,omitempty"`
}

// AltTextConfig controls media descriptions.
//
// Models lists caption providers in preference order. Cooldown is applied
// when a model reports quota exhaustion; it is plain configuration, not
// derived from the model name.
type AltTextConfig struct {
	Fallback string           `json:"fallback,omitempty"`
	Models   []AltModelConfig `json:"models,omitempty"`
}

type AltModelConfig struct {
	Name     string `json:"name"`
	Cooldown string `json:"cooldown,omitempty"` // Go duration string, default "1h"
}

// SourceConfig selects where inbound messages come from.
//
// The only built-in driver is "dir": JSON message files dropped into a
// directory are picked up, delivered and then moved aside. Scrapers and
// feed pollers live outside this binary and feed that directory.
type SourceConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	// PollInterval is a Go duration string. Default "30s".
	PollInterval string `json:"poll_interval,omitempty"`
}
