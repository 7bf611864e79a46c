package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNoJob    = errors.New("no such job")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (journal + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one keyed value in a bucket.
// CreatedAt drives retention pruning and staleness checks.
type Entry struct {
	Bucket    string
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// Job is one queued, not-yet-delivered unit of work.
//
// Payload carries enough context to regenerate the work (media bytes are
// never persisted). Attempts only ever moves forward; jobs past MaxAttempts
// are removed, not rescheduled.
type Job struct {
	ID          string
	Channel     string
	Destination string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	NextAt      time.Time
	LastError   string
	CreatedAt   time.Time
}
