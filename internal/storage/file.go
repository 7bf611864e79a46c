package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "fedirelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of full state)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalPath  string
	journalFile  *os.File

	kv     map[string]map[string]Entry // bucket -> key
	jobs   map[string]Job
	pauses map[string]pauseRow // destination + "\x00" + consumer

	writes      int
	compactEach int
}

type pauseRow struct {
	Destination string    `json:"destination"`
	Consumer    string    `json:"consumer"`
	Until       time.Time `json:"until"`
	Reason      string    `json:"reason,omitempty"`
}

// journalRecord is one mutation. Exactly one operation field is set.
type journalRecord struct {
	Op string `json:"op"` // put, prune, job_put, job_del, pause_put

	Entry  *Entry    `json:"entry,omitempty"`
	Bucket string    `json:"bucket,omitempty"`
	Cutoff time.Time `json:"cutoff,omitempty"`
	Job    *Job      `json:"job,omitempty"`
	JobID  string    `json:"job_id,omitempty"`
	Pause  *pauseRow `json:"pause,omitempty"`
}

type snapshot struct {
	Entries []Entry    `json:"entries"`
	Jobs    []Job      `json:"jobs"`
	Pauses  []pauseRow `json:"pauses"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  prefix + ".journal.jsonl",
		kv:           map[string]map[string]Entry{},
		jobs:         map[string]Job{},
		pauses:       map[string]pauseRow{},
		compactEach:  256,
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.replayJournal(); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// A corrupt snapshot should not brick the store; start fresh and
		// let the journal replay whatever it can.
		s.log.Warn("storage: snapshot unreadable, ignoring", logx.Err(err))
		return nil
	}
	for _, e := range snap.Entries {
		s.applyPut(e)
	}
	for _, j := range snap.Jobs {
		s.jobs[j.ID] = j
	}
	for _, p := range snap.Pauses {
		s.pauses[pauseKey(p.Destination, p.Consumer)] = p
	}
	return nil
}

func (s *fileStore) replayJournal() error {
	f, err := os.Open(s.journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Torn tail write; everything before it already applied.
			s.log.Warn("storage: skipping malformed journal line", logx.Err(err))
			continue
		}
		s.applyRecord(rec)
	}
	return sc.Err()
}

func (s *fileStore) applyRecord(rec journalRecord) {
	switch rec.Op {
	case "put":
		if rec.Entry != nil {
			s.applyPut(*rec.Entry)
		}
	case "prune":
		s.applyPrune(rec.Bucket, rec.Cutoff)
	case "job_put":
		if rec.Job != nil {
			s.jobs[rec.Job.ID] = *rec.Job
		}
	case "job_del":
		delete(s.jobs, rec.JobID)
	case "pause_put":
		if rec.Pause != nil {
			s.pauses[pauseKey(rec.Pause.Destination, rec.Pause.Consumer)] = *rec.Pause
		}
	}
}

func (s *fileStore) applyPut(e Entry) {
	b := s.kv[e.Bucket]
	if b == nil {
		b = map[string]Entry{}
		s.kv[e.Bucket] = b
	}
	b[e.Key] = e
}

func (s *fileStore) applyPrune(bucket string, cutoff time.Time) int {
	b := s.kv[bucket]
	n := 0
	for k, e := range b {
		if e.CreatedAt.Before(cutoff) {
			delete(b, k)
			n++
		}
	}
	return n
}

// appendLocked journals one record and compacts when due. Call with mu held.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("storage: journal closed")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.journalFile.Write(append(b, '\n')); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEach == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage: compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	var snap snapshot
	for _, b := range s.kv {
		for _, e := range b {
			snap.Entries = append(snap.Entries, e)
		}
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	for _, p := range s.pauses {
		snap.Pauses = append(snap.Pauses, p)
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}

	if err := s.journalFile.Close(); err != nil {
		return err
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		s.journalFile = nil
		return err
	}
	s.journalFile = jf
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Final compaction keeps restart replay short.
	if err := s.compactLocked(); err != nil {
		s.log.Warn("storage: final compaction failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

// ---- KV ----

func (s *fileStore) Get(ctx context.Context, bucket, key string) (Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[bucket][key]
	return e, ok, nil
}

func (s *fileStore) Put(ctx context.Context, bucket, key string, value []byte, at time.Time) error {
	_ = ctx
	if at.IsZero() {
		at = time.Now()
	}
	e := Entry{Bucket: bucket, Key: key, Value: value, CreatedAt: at}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyPut(e)
	return s.appendLocked(journalRecord{Op: "put", Entry: &e})
}

func (s *fileStore) PruneBucket(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.applyPrune(bucket, cutoff)
	if n == 0 {
		return 0, nil
	}
	return n, s.appendLocked(journalRecord{Op: "prune", Bucket: bucket, Cutoff: cutoff})
}

// ---- Jobs ----

func (s *fileStore) EnqueueJob(ctx context.Context, j Job) (string, error) {
	_ = ctx
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return j.ID, s.appendLocked(journalRecord{Op: "job_put", Job: &j})
}

func (s *fileStore) DueJobs(ctx context.Context, channel string, now time.Time) ([]Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Channel == channel && !j.NextAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	return due, nil
}

func (s *fileStore) RescheduleJob(ctx context.Context, id string, next time.Time, lastErr string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNoJob
	}
	j.Attempts++
	j.NextAt = next
	j.LastError = lastErr
	s.jobs[id] = j
	return s.appendLocked(journalRecord{Op: "job_put", Job: &j})
}

func (s *fileStore) RemoveJob(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	delete(s.jobs, id)
	return s.appendLocked(journalRecord{Op: "job_del", JobID: id})
}

// ---- Pause table ----

func pauseKey(destination, consumer string) string {
	return destination + "\x00" + consumer
}

func (s *fileStore) SetPause(ctx context.Context, destination, consumer string, until time.Time, reason string) error {
	_ = ctx
	p := pauseRow{Destination: destination, Consumer: consumer, Until: until, Reason: reason}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses[pauseKey(destination, consumer)] = p
	return s.appendLocked(journalRecord{Op: "pause_put", Pause: &p})
}

func (s *fileStore) GetPauseUntil(ctx context.Context, destination, consumer string, now time.Time) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pauseKey(destination, consumer)
	p, ok := s.pauses[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if !p.Until.After(now) {
		// Expired records are inert; drop lazily.
		delete(s.pauses, key)
		return time.Time{}, false, nil
	}
	return p.Until, true, nil
}
