//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "fedirelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- KV ----

func (s *sqliteStore) Get(ctx context.Context, bucket, key string) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, ErrDisabled
	}
	var (
		value []byte
		ms    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, created_at FROM kv WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Bucket: bucket, Key: key, Value: value, CreatedAt: time.UnixMilli(ms)}, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, bucket, key string, value []byte, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(bucket, key, value, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(bucket, key) DO UPDATE SET value=excluded.value, created_at=excluded.created_at`,
		bucket, key, value, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) PruneBucket(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE bucket = ? AND created_at < ?`,
		bucket, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- Jobs ----

func (s *sqliteStore) EnqueueJob(ctx context.Context, j Job) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, channel, destination, payload, attempts, max_attempts, next_at, last_error, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   payload=excluded.payload, attempts=excluded.attempts,
		   next_at=excluded.next_at, last_error=excluded.last_error`,
		j.ID, j.Channel, j.Destination, j.Payload, j.Attempts, j.MaxAttempts,
		j.NextAt.UnixMilli(), nullStr(j.LastError), j.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *sqliteStore) DueJobs(ctx context.Context, channel string, now time.Time) ([]Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, destination, payload, attempts, max_attempts, next_at, last_error, created_at
		 FROM jobs WHERE channel = ? AND next_at <= ? ORDER BY created_at ASC`,
		channel, now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j       Job
			nextMS  int64
			crtMS   int64
			lastErr sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.Channel, &j.Destination, &j.Payload,
			&j.Attempts, &j.MaxAttempts, &nextMS, &lastErr, &crtMS); err != nil {
			return nil, err
		}
		j.NextAt = time.UnixMilli(nextMS)
		j.CreatedAt = time.UnixMilli(crtMS)
		j.LastError = lastErr.String
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RescheduleJob(ctx context.Context, id string, next time.Time, lastErr string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempts = attempts + 1, next_at = ?, last_error = ? WHERE id = ?`,
		next.UnixMilli(), nullStr(lastErr), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoJob
	}
	return nil
}

func (s *sqliteStore) RemoveJob(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// ---- Pause table ----

func (s *sqliteStore) SetPause(ctx context.Context, destination, consumer string, until time.Time, reason string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pauses(destination, consumer, until_at, reason) VALUES(?,?,?,?)
		 ON CONFLICT(destination, consumer) DO UPDATE SET until_at=excluded.until_at, reason=excluded.reason`,
		destination, consumer, until.UnixMilli(), nullStr(reason),
	)
	return err
}

func (s *sqliteStore) GetPauseUntil(ctx context.Context, destination, consumer string, now time.Time) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT until_at FROM pauses WHERE destination = ? AND consumer = ?`,
		destination, consumer,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	until := time.UnixMilli(ms)
	if !until.After(now) {
		// Expired records are inert; drop lazily.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM pauses WHERE destination = ? AND consumer = ? AND until_at <= ?`,
			destination, consumer, now.UnixMilli(),
		)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
