package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "fedirelay/pkg/logx"
)

// Store is the persistence API consumed by the delivery pipeline.
//
// It is deliberately schemaless beyond simple key/value rows, job rows and
// pause rows. Concurrent readers/writers race last-write-wins; staleness
// windows and idempotent overwrites make lost updates harmless.
type Store interface {
	// Get returns the value stored under (bucket, key).
	Get(ctx context.Context, bucket, key string) (Entry, bool, error)
	// Put overwrites (bucket, key). A zero at defaults to now.
	Put(ctx context.Context, bucket, key string, value []byte, at time.Time) error
	// PruneBucket removes entries created before cutoff, returning the count.
	PruneBucket(ctx context.Context, bucket string, cutoff time.Time) (int, error)

	// EnqueueJob stores a job and returns its id (generated when empty).
	EnqueueJob(ctx context.Context, j Job) (string, error)
	// DueJobs returns jobs on the channel with NextAt <= now, oldest first.
	DueJobs(ctx context.Context, channel string, now time.Time) ([]Job, error)
	// RescheduleJob advances the attempt counter and sets the next wake-up.
	RescheduleJob(ctx context.Context, id string, next time.Time, lastErr string) error
	// RemoveJob deletes a job (success or exhaustion).
	RemoveJob(ctx context.Context, id string) error

	// SetPause suspends (destination, consumer) until the given time.
	SetPause(ctx context.Context, destination, consumer string, until time.Time, reason string) error
	// GetPauseUntil returns the active pause expiry, if any. Expired records
	// are inert and pruned lazily here.
	GetPauseUntil(ctx context.Context, destination, consumer string, now time.Time) (time.Time, bool, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
