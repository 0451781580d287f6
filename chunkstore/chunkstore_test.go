package chunkstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPut_Exists_Delete(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Begin("up-1", 3, "night1.edf"); err != nil {
		t.Fatal(err)
	}
	n, err := s.Put("up-1", 1, strings.NewReader("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Put = %d, %v", n, err)
	}
	if !s.Exists("up-1", 1) {
		t.Fatal("chunk 1 should exist")
	}
	if s.Exists("up-1", 0) {
		t.Fatal("chunk 0 should not exist")
	}

	sum, size, err := s.Digest("up-1", 1)
	// sha256("hello")
	if err != nil || size != 5 || sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("Digest = %s, %d, %v", sum, size, err)
	}
	if err := s.Delete("up-1", 1); err != nil {
		t.Fatal(err)
	}
	if s.Exists("up-1", 1) {
		t.Fatal("chunk 1 should be gone")
	}
	if err := s.Delete("up-1", 1); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestCompletion_SurvivesClear(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Completion("up-1"); !errors.Is(err, ErrNoCompletion) {
		t.Fatalf("before any assembly: %v", err)
	}
	s.Begin("up-1", 2, "a.edf")
	s.Put("up-1", 0, strings.NewReader("x"))
	if err := s.Clear("up-1"); err != nil {
		t.Fatal(err)
	}
	want := &Completion{UploadID: "up-1", OriginalName: "a.edf", TotalChunks: 2, FinalPath: "/u/a.edf", LastChunkSHA256: "abc", LastChunkSize: 7}
	if err := s.MarkCompleted(want); err != nil {
		t.Fatal(err)
	}

	got, err := s.Completion("up-1")
	if err != nil || got.FinalPath != want.FinalPath || got.LastChunkSHA256 != "abc" || got.LastChunkSize != 7 {
		t.Fatalf("Completion = %+v, %v", got, err)
	}
	// The record does not reopen the session.
	if _, err := s.Manifest("up-1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Manifest = %v, want ErrNoSession", err)
	}
	if idx, _ := s.Received("up-1"); len(idx) != 0 {
		t.Errorf("Received = %v", idx)
	}
	// A new session under the same ID starts empty.
	if m, err := s.Begin("up-1", 3, "b.edf"); err != nil || m.TotalChunks != 3 {
		t.Errorf("Begin after completion = %+v, %v", m, err)
	}
}

func TestPut_OverwriteIsIdempotent(t *testing.T) {
	s := tempStore(t)
	s.Begin("up-1", 2, "a.edf")
	s.Put("up-1", 0, strings.NewReader("first"))
	s.Put("up-1", 0, strings.NewReader("second"))

	f, err := s.Open("up-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if string(got) != "second" {
		t.Fatalf("chunk = %q, want second write to win", got)
	}
	idx, _ := s.Received("up-1")
	if len(idx) != 1 || idx[0] != 0 {
		t.Fatalf("Received = %v, want [0] (no temp files left)", idx)
	}
}

func TestPut_FailureIsChunkWriteError(t *testing.T) {
	s := tempStore(t)
	s.Begin("up-1", 2, "a.edf")
	// A directory squatting on the chunk path makes the rename fail.
	p, _ := s.ChunkPath("up-1", 1)
	if err := os.MkdirAll(filepath.Join(p, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := s.Put("up-1", 1, strings.NewReader("x"))
	var cwe *ChunkWriteError
	if !errors.As(err, &cwe) || cwe.Index != 1 || cwe.UploadID != "up-1" {
		t.Fatalf("err = %v, want ChunkWriteError for chunk 1", err)
	}
	// Other chunks of the session still work.
	if _, err := s.Put("up-1", 0, strings.NewReader("ok")); err != nil {
		t.Fatalf("Put chunk 0 after failure: %v", err)
	}
}

func TestPut_ReaderError(t *testing.T) {
	s := tempStore(t)
	s.Begin("up-1", 1, "a.edf")
	_, err := s.Put("up-1", 0, io.MultiReader(strings.NewReader("part"), errReader{}))
	var cwe *ChunkWriteError
	if !errors.As(err, &cwe) {
		t.Fatalf("err = %v, want ChunkWriteError", err)
	}
	if s.Exists("up-1", 0) {
		t.Fatal("torn chunk must not be visible")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestBegin_TotalMismatch(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Begin("up-1", 3, "a.edf"); err != nil {
		t.Fatal(err)
	}
	m, err := s.Begin("up-1", 3, "other.edf")
	if err != nil {
		t.Fatal(err)
	}
	if m.OriginalName != "a.edf" {
		t.Errorf("original name = %q, first chunk should win", m.OriginalName)
	}
	if _, err := s.Begin("up-1", 4, "a.edf"); !errors.Is(err, ErrTotalMismatch) {
		t.Fatalf("err = %v, want ErrTotalMismatch", err)
	}
	if _, err := s.Begin("up-2", 0, "a.edf"); err == nil {
		t.Fatal("expected error for zero total")
	}
}

func TestManifest_NoSession(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Manifest("never"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestInvalidUploadID(t *testing.T) {
	s := tempStore(t)
	for _, id := range []string{"../escape", "a/b", ""} {
		if _, err := s.Put(id, 0, bytes.NewReader(nil)); err == nil {
			t.Errorf("Put(%q) should fail", id)
		}
		if s.Exists(id, 0) {
			t.Errorf("Exists(%q) should be false", id)
		}
	}
}

func TestReceived_Complete_Clear(t *testing.T) {
	s := tempStore(t)
	s.Begin("up-1", 3, "a.edf")
	s.Put("up-1", 2, strings.NewReader("c"))
	s.Put("up-1", 0, strings.NewReader("a"))

	idx, err := s.Received("up-1")
	if err != nil || len(idx) != 2 || idx[0] != 0 || idx[1] != 2 {
		t.Fatalf("Received = %v, %v", idx, err)
	}
	if s.Complete("up-1", 0, 3) {
		t.Fatal("should be incomplete")
	}
	s.Put("up-1", 1, strings.NewReader("b"))
	if !s.Complete("up-1", 0, 3) {
		t.Fatal("should be complete")
	}
	if err := s.Clear("up-1"); err != nil {
		t.Fatal(err)
	}
	if idx, _ := s.Received("up-1"); len(idx) != 0 {
		t.Fatalf("after Clear: %v", idx)
	}
}

func TestPurgeOrphans(t *testing.T) {
	s := tempStore(t)
	s.Begin("old", 2, "a.edf")
	s.Put("old", 0, strings.NewReader("x"))
	s.Begin("fresh", 2, "b.edf")

	past := time.Now().Add(-48 * time.Hour)
	dir := filepath.Join(s.Root(), "old")
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		os.Chtimes(filepath.Join(dir, e.Name()), past, past)
	}
	os.Chtimes(dir, past, past)

	removed, err := s.PurgeOrphans(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "old" {
		t.Fatalf("removed = %v", removed)
	}
	if _, err := s.Manifest("fresh"); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
}
