package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "fedirelay/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestKVRoundTripAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Now()
	old := now.Add(-8 * 24 * time.Hour)

	if err := st.Put(ctx, "posts", "a:1", []byte("https://a.social/@x/1"), old); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Put(ctx, "posts", "a:2", []byte("https://a.social/@x/2"), now); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, ok, err := st.Get(ctx, "posts", "a:1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(e.Value) != "https://a.social/@x/1" {
		t.Fatalf("unexpected value %q", e.Value)
	}

	n, err := st.PruneBucket(ctx, "posts", now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBucket: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, ok, _ := st.Get(ctx, "posts", "a:1"); ok {
		t.Fatal("pruned entry still present")
	}
	if _, ok, _ := st.Get(ctx, "posts", "a:2"); !ok {
		t.Fatal("fresh entry missing after prune")
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Now()
	id, err := st.EnqueueJob(ctx, Job{
		Channel:     "delivery",
		Destination: "a",
		Payload:     []byte(`{"chunk":0}`),
		MaxAttempts: 3,
		NextAt:      now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated job id")
	}

	due, err := st.DueJobs(ctx, "delivery", now)
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("job not due yet, got %d", len(due))
	}

	due, err = st.DueJobs(ctx, "delivery", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("expected the one due job, got %+v", due)
	}

	if err := st.RescheduleJob(ctx, id, now.Add(3*time.Minute), "boom"); err != nil {
		t.Fatalf("RescheduleJob: %v", err)
	}
	due, _ = st.DueJobs(ctx, "delivery", now.Add(4*time.Minute))
	if len(due) != 1 || due[0].Attempts != 1 || due[0].LastError != "boom" {
		t.Fatalf("reschedule not applied: %+v", due)
	}

	if err := st.RemoveJob(ctx, id); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	due, _ = st.DueJobs(ctx, "delivery", now.Add(time.Hour))
	if len(due) != 0 {
		t.Fatalf("job still present after remove: %+v", due)
	}

	if err := st.RescheduleJob(ctx, id, now, ""); err != ErrNoJob {
		t.Fatalf("expected ErrNoJob, got %v", err)
	}
}

func TestPauseExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Now()
	until := now.Add(15 * time.Minute)
	if err := st.SetPause(ctx, "a", "mastodon_bot", until, "max retries exceeded with url"); err != nil {
		t.Fatalf("SetPause: %v", err)
	}

	got, ok, err := st.GetPauseUntil(ctx, "a", "mastodon_bot", now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("GetPauseUntil: ok=%v err=%v", ok, err)
	}
	if !got.Equal(until) {
		t.Fatalf("until = %v, want %v", got, until)
	}

	// Other consumers are independent.
	if _, ok, _ := st.GetPauseUntil(ctx, "a", "other", now); ok {
		t.Fatal("pause leaked to another consumer")
	}

	// After expiry the record is inert and pruned lazily.
	if _, ok, _ := st.GetPauseUntil(ctx, "a", "mastodon_bot", until.Add(time.Second)); ok {
		t.Fatal("expired pause still reported")
	}
	if _, ok, _ := st.GetPauseUntil(ctx, "a", "mastodon_bot", now); ok {
		t.Fatal("expired pause should stay pruned")
	}
}

func TestReopenReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Put(ctx, "caps", "a", []byte(`{"version":"4.5.0"}`), time.Now()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	id, err := st.EnqueueJob(ctx, Job{Channel: "delivery", Destination: "a", NextAt: time.Now()})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	if _, ok, _ := st2.Get(ctx, "caps", "a"); !ok {
		t.Fatal("kv entry lost across reopen")
	}
	due, _ := st2.DueJobs(ctx, "delivery", time.Now().Add(time.Minute))
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("job lost across reopen: %+v", due)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: ""}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled storage should return (nil, nil), got (%v, %v)", st, err)
	}
}
