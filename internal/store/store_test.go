package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Store_PutAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	in := &Analysis{
		ID:          "a1",
		PreviewFile: "a1-preview.mp3",
		TrackType:   "song",
		Tags:        []string{"dreamy", "lo-fi"},
		Summary:     "Warm.",
		Result:      json.RawMessage(`{"id":"a1","tags":["dreamy","lo-fi"]}`),
	}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	if in.CreatedAt.IsZero() {
		t.Error("want CreatedAt set by Put")
	}

	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PreviewFile != "a1-preview.mp3" || got.TrackType != "song" || got.Summary != "Warm." {
		t.Errorf("unexpected analysis %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "lo-fi" {
		t.Errorf("tags = %v", got.Tags)
	}
	if string(got.Result) != `{"id":"a1","tags":["dreamy","lo-fi"]}` {
		t.Errorf("result = %s", got.Result)
	}
}

func Test_Store_GetMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if _, err := s.Get(t.Context(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func Test_Store_PutReplacesSameID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	if err := s.Put(ctx, &Analysis{ID: "x", PreviewFile: "p.mp3", Summary: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, &Analysis{ID: "x", PreviewFile: "p.mp3", Summary: "second"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary != "second" {
		t.Errorf("want replaced summary, got %q", got.Summary)
	}
	if string(got.Result) != "{}" {
		t.Errorf("want empty object for missing result, got %s", got.Result)
	}
	if got.Tags == nil || len(got.Tags) != 0 {
		t.Errorf("want empty non-nil tags, got %#v", got.Tags)
	}
	list, _ := s.Recent(ctx, 10)
	if len(list) != 1 {
		t.Errorf("want one row after replace, got %d", len(list))
	}
}

func Test_Store_RecentNewestFirstAndLimited(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"old", "mid", "new"} {
		a := &Analysis{ID: id, PreviewFile: id + ".mp3", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Put(ctx, a); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		t.Fatalf("want [new mid], got %v", got)
	}
	if got[0].Result != nil {
		t.Error("Recent should not load results")
	}
}

func Test_Store_EmptyReturnsNil(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	got, err := s.Recent(t.Context(), 10)
	if err != nil {
		t.Fatalf("recent empty: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("want 0 analyses, got %d", len(got))
	}
}

func Test_Store_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(t.Context(), &Analysis{ID: "keep", PreviewFile: "k.mp3"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s2.Close() })
	if _, err := s2.Get(t.Context(), "keep"); err != nil {
		t.Errorf("want analysis after reopen, got %v", err)
	}
}

func Test_Store_PutRequiresID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.Put(t.Context(), &Analysis{PreviewFile: "p.mp3"}); err == nil {
		t.Error("want error for empty id")
	}
}
