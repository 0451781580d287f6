package assembler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/edfpipe/chunkstore"
)

func setup(t *testing.T) (*chunkstore.Store, *Assembler) {
	t.Helper()
	root := t.TempDir()
	cs, err := chunkstore.New(filepath.Join(root, "chunks"))
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(cs, filepath.Join(root, "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	return cs, a
}

func payload(i int) []byte {
	return bytes.Repeat([]byte{byte('a' + i%26)}, 100+i)
}

func TestAssemble_AnyPermutation(t *testing.T) {
	for _, n := range []int{1, 2, 5, 9} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			cs, a := setup(t)
			id := fmt.Sprintf("up-%d", n)
			if _, err := cs.Begin(id, n, "night.edf"); err != nil {
				t.Fatal(err)
			}
			var want []byte
			for i := 0; i < n; i++ {
				want = append(want, payload(i)...)
			}
			for _, i := range rand.New(rand.NewSource(int64(n))).Perm(n) {
				if _, err := cs.Put(id, i, bytes.NewReader(payload(i))); err != nil {
					t.Fatal(err)
				}
			}

			res, err := a.Assemble(context.Background(), id)
			if err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			got, err := os.ReadFile(res.FinalPath)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("content mismatch: got %d bytes, want %d", len(got), len(want))
			}
			if res.Size != int64(len(want)) {
				t.Errorf("Size = %d", res.Size)
			}
			if filepath.Base(res.FinalPath) != "night.edf" {
				t.Errorf("final path = %s", res.FinalPath)
			}
			if idx, _ := cs.Received(id); len(idx) != 0 {
				t.Errorf("chunks left after assembly: %v", idx)
			}
			if _, err := cs.Manifest(id); !errors.Is(err, chunkstore.ErrNoSession) {
				t.Errorf("session should be gone, got %v", err)
			}
		})
	}
}

func TestAssemble_RecordsCompletion(t *testing.T) {
	cs, a := setup(t)
	cs.Begin("up-1", 3, "night.edf")
	for i := 0; i < 3; i++ {
		cs.Put("up-1", i, bytes.NewReader(payload(i)))
	}
	res, err := a.Assemble(context.Background(), "up-1")
	if err != nil {
		t.Fatal(err)
	}

	c, err := cs.Completion("up-1")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	sum := sha256.Sum256(payload(2))
	if c.LastChunkSHA256 != hex.EncodeToString(sum[:]) || c.LastChunkSize != int64(len(payload(2))) {
		t.Errorf("last chunk = %s/%d", c.LastChunkSHA256, c.LastChunkSize)
	}
	if c.FinalPath != res.FinalPath || c.TotalChunks != 3 || c.OriginalName != "night.edf" {
		t.Errorf("completion = %+v", c)
	}
}

func TestAssemble_MissingChunkKeepsOthers(t *testing.T) {
	cs, a := setup(t)
	cs.Begin("up-1", 3, "night.edf")
	cs.Put("up-1", 0, bytes.NewReader(payload(0)))
	cs.Put("up-1", 2, bytes.NewReader(payload(2)))

	_, err := a.Assemble(context.Background(), "up-1")
	var inc *IncompleteUploadError
	if !errors.As(err, &inc) {
		t.Fatalf("err = %v, want IncompleteUploadError", err)
	}
	if len(inc.Missing) != 1 || inc.Missing[0] != 1 {
		t.Fatalf("missing = %v, want [1]", inc.Missing)
	}
	if !cs.Exists("up-1", 0) || !cs.Exists("up-1", 2) {
		t.Fatal("chunks 0 and 2 must survive a failed assembly")
	}
	if _, err := os.Stat(a.FinalPath("night.edf")); !os.IsNotExist(err) {
		t.Fatal("no final artifact may exist")
	}

	// Retry with the missing chunk completes.
	cs.Put("up-1", 1, bytes.NewReader(payload(1)))
	if _, err := a.Assemble(context.Background(), "up-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestAssemble_ResumesAfterInterruption(t *testing.T) {
	cs, a := setup(t)
	cs.Begin("up-1", 3, "night.edf")
	for i := 0; i < 3; i++ {
		cs.Put("up-1", i, bytes.NewReader(payload(i)))
	}

	// Simulate a crash after chunk 0 was appended and recorded, with junk
	// from a half-written chunk 1 left at the end of the part file.
	m, _ := cs.Manifest("up-1")
	part := filepath.Join(a.DestDir(), ".up-1.part")
	junk := append(append([]byte{}, payload(0)...), []byte("torn")...)
	if err := os.WriteFile(part, junk, 0o644); err != nil {
		t.Fatal(err)
	}
	m.AppendedChunks = 1
	m.AppendedBytes = int64(len(payload(0)))
	cs.SaveManifest(m)
	cs.Delete("up-1", 0)

	res, err := a.Assemble(context.Background(), "up-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := os.ReadFile(res.FinalPath)
	want := append(append(payload(0), payload(1)...), payload(2)...)
	if !bytes.Equal(got, want) {
		t.Fatal("resumed artifact content mismatch")
	}
	if _, err := os.Stat(part); !os.IsNotExist(err) {
		t.Fatal("part file should be renamed away")
	}
}

func TestAssemble_CancelledLeavesResumableState(t *testing.T) {
	cs, a := setup(t)
	cs.Begin("up-1", 2, "night.edf")
	cs.Put("up-1", 0, bytes.NewReader(payload(0)))
	cs.Put("up-1", 1, bytes.NewReader(payload(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Assemble(ctx, "up-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !cs.Exists("up-1", 0) || !cs.Exists("up-1", 1) {
		t.Fatal("chunks must survive cancellation before any append")
	}
	if _, err := a.Assemble(context.Background(), "up-1"); err != nil {
		t.Fatalf("assemble after cancel: %v", err)
	}
}

func TestFinalPath_Sanitised(t *testing.T) {
	_, a := setup(t)
	got := a.FinalPath("../../etc/passwd")
	if filepath.Dir(got) != a.DestDir() || filepath.Base(got) != "passwd" {
		t.Fatalf("FinalPath = %s", got)
	}
	if filepath.Base(a.FinalPath("")) != DefaultFilename {
		t.Fatalf("empty name should fall back to %s", DefaultFilename)
	}
}

func TestIsPartFile(t *testing.T) {
	if !IsPartFile(".up-1.part") || IsPartFile("night.edf") {
		t.Fatal("IsPartFile misclassifies")
	}
}
