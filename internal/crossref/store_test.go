package crossref

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fedirelay/internal/storage"
	logx "fedirelay/pkg/logx"
)

func testStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "refs")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewStore(st, logx.Nop(), retention)
}

func TestExtractStatusID(t *testing.T) {
	t.Parallel()
	tests := []struct{ url, want string }{
		{"https://a.social/@user/113478", "113478"},
		{"https://b.example/users/x/statuses/99", "99"},
		{"https://x.com/user/status/1234567890", "1234567890"},
		{"https://a.social/about", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractStatusID(tt.url); got != tt.want {
			t.Fatalf("ExtractStatusID(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestRecordLookupAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t, 7*24*time.Hour)

	s.Record(ctx, "main", "555", "https://main.social/@relay/111", time.Now().Add(-8*24*time.Hour))
	s.Record(ctx, "main", "556", "https://main.social/@relay/112", time.Now())
	// Unique per (destination, id): overwrite wins.
	s.Record(ctx, "main", "556", "https://main.social/@relay/113", time.Now())

	if url, ok := s.Lookup(ctx, "main", "556"); !ok || url != "https://main.social/@relay/113" {
		t.Fatalf("Lookup = %q, %v", url, ok)
	}
	if _, ok := s.Lookup(ctx, "other", "556"); ok {
		t.Fatal("lookup must be destination-scoped")
	}

	n, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}
	if _, ok := s.Lookup(ctx, "main", "555"); ok {
		t.Fatal("expired mapping survived prune")
	}
}

func TestResolveFirstHitWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t, 0)

	s.Record(ctx, "main", "2", "https://main.social/@relay/22", time.Now())
	s.Record(ctx, "main", "3", "https://main.social/@relay/33", time.Now())

	refs := []Reference{
		{Display: "first cite", OriginID: "1"}, // unknown
		{Display: "second cite", OriginID: "2"},
		{Display: "third cite", OriginID: "3"},
	}
	res := s.Resolve(ctx, refs, "main")
	if res.URL != "https://main.social/@relay/22" || res.StatusID != "22" {
		t.Fatalf("unexpected resolution %+v", res)
	}

	if res := s.Resolve(ctx, refs, "elsewhere"); res.URL != "" {
		t.Fatalf("expected empty resolution, got %+v", res)
	}
}

func TestReplaceLinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t, 0)
	s.Record(ctx, "main", "77", "https://main.social/@relay/777", time.Now())

	refs := []Reference{{Display: "@origin post", OriginID: "77"}}
	chunks := []string{
		"Look at this.\n\nReferenced: #origin post", // sanitized display form
		"No placeholder here",
	}
	got := s.ReplaceLinks(ctx, chunks, refs, "main")
	if got[0] != "Look at this.\n\nReferenced: https://main.social/@relay/777" {
		t.Fatalf("placeholder not replaced: %q", got[0])
	}
	if got[1] != chunks[1] {
		t.Fatalf("untouched chunk changed: %q", got[1])
	}

	// Unknown on this destination: placeholder stays, by design.
	got = s.ReplaceLinks(ctx, chunks, refs, "elsewhere")
	if got[0] != chunks[0] {
		t.Fatalf("placeholder should stay for unknown destination: %q", got[0])
	}
}
