// Package chunkstore keeps in-flight upload chunks on disk, one directory
// per upload:
//
//	<root>/<uploadID>/upload.json        session manifest
//	<root>/<uploadID>/chunk_00000.bin    chunk 0
//	<root>/<uploadID>/chunk_00001.bin    chunk 1
//	<root>/<uploadID>/completed.json     last assembly of this ID
//
// completed.json outlives the session it describes and expires with the
// directory through PurgeOrphans.
//
// Chunk writes go through a temp file and a rename, so a retried chunk
// replaces the previous content atomically and a reader never sees a torn
// chunk. The store does no locking of its own; callers serialise
// completeness checks per upload.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/edfpipe/horosafe"
)

const (
	manifestName   = "upload.json"
	completionName = "completed.json"
)

// ErrTotalMismatch is returned when a chunk declares a different chunk count
// than the one fixed by the first chunk of the upload.
var ErrTotalMismatch = errors.New("chunkstore: total chunks differs from upload session")

// ErrNoSession is returned by Manifest when no chunk has been stored yet.
var ErrNoSession = errors.New("chunkstore: no upload session")

// ErrNoCompletion is returned by Completion for an ID never assembled, or
// whose record has expired.
var ErrNoCompletion = errors.New("chunkstore: no completed upload")

// ChunkWriteError reports a chunk that could not be persisted. It concerns
// that chunk only; the rest of the session is untouched.
type ChunkWriteError struct {
	UploadID string
	Index    int
	Err      error
}

func (e *ChunkWriteError) Error() string {
	return fmt.Sprintf("chunkstore: write chunk %d of %s: %v", e.Index, e.UploadID, e.Err)
}

func (e *ChunkWriteError) Unwrap() error { return e.Err }

// Manifest is the per-upload session record. AppendedChunks and
// AppendedBytes track assembly progress so an interrupted assembly resumes
// at the first chunk not yet appended.
type Manifest struct {
	UploadID       string    `json:"upload_id"`
	OriginalName   string    `json:"original_name"`
	TotalChunks    int       `json:"total_chunks"`
	AppendedChunks int       `json:"appended_chunks"`
	AppendedBytes  int64     `json:"appended_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Completion records an assembled upload. The digest and size of its final
// chunk let a repeated delivery of that chunk be told apart from the first
// chunk of a new upload reusing the ID.
type Completion struct {
	UploadID        string    `json:"upload_id"`
	OriginalName    string    `json:"original_name"`
	TotalChunks     int       `json:"total_chunks"`
	FinalPath       string    `json:"final_path"`
	LastChunkSHA256 string    `json:"last_chunk_sha256"`
	LastChunkSize   int64     `json:"last_chunk_size"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Store is a filesystem chunk store rooted at one directory.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

func (s *Store) dir(uploadID string) (string, error) {
	if err := horosafe.ValidateIdentifier(uploadID); err != nil {
		return "", fmt.Errorf("chunkstore: upload id: %w", err)
	}
	return filepath.Join(s.root, uploadID), nil
}

func chunkName(index int) string { return fmt.Sprintf("chunk_%05d.bin", index) }

// ChunkPath is the deterministic location of (uploadID, index).
func (s *Store) ChunkPath(uploadID string, index int) (string, error) {
	dir, err := s.dir(uploadID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, chunkName(index)), nil
}

// Begin opens the session for uploadID, creating its manifest on first use.
// A later call with a different total fails with ErrTotalMismatch. The
// original name of the first chunk wins.
func (s *Store) Begin(uploadID string, totalChunks int, originalName string) (*Manifest, error) {
	if totalChunks <= 0 {
		return nil, fmt.Errorf("chunkstore: total chunks must be > 0, got %d", totalChunks)
	}
	m, err := s.Manifest(uploadID)
	switch {
	case err == nil:
		if m.TotalChunks != totalChunks {
			return nil, fmt.Errorf("%w: session has %d, chunk says %d", ErrTotalMismatch, m.TotalChunks, totalChunks)
		}
		return m, nil
	case !errors.Is(err, ErrNoSession):
		return nil, err
	}

	dir, _ := s.dir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create upload dir: %w", err)
	}
	m = &Manifest{
		UploadID:     uploadID,
		OriginalName: originalName,
		TotalChunks:  totalChunks,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.SaveManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Manifest loads the session manifest, or ErrNoSession.
func (s *Store) Manifest(uploadID string) (*Manifest, error) {
	dir, err := s.dir(uploadID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("chunkstore: parse manifest: %w", err)
	}
	return &m, nil
}

// SaveManifest atomically rewrites the manifest.
func (s *Store) SaveManifest(m *Manifest) error {
	dir, err := s.dir(m.UploadID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("chunkstore: marshal manifest: %w", err)
	}
	if err := writeAtomic(dir, manifestName, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return fmt.Errorf("chunkstore: write manifest: %w", err)
	}
	return nil
}

// Put stores chunk index of uploadID from r, replacing any previous content.
// Failures are reported as *ChunkWriteError.
func (s *Store) Put(uploadID string, index int, r io.Reader) (int64, error) {
	dir, err := s.dir(uploadID)
	if err != nil {
		return 0, err
	}
	if index < 0 {
		return 0, fmt.Errorf("chunkstore: negative chunk index %d", index)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, &ChunkWriteError{UploadID: uploadID, Index: index, Err: err}
	}
	var n int64
	err = writeAtomic(dir, chunkName(index), func(w io.Writer) error {
		var err error
		n, err = io.Copy(w, r)
		return err
	})
	if err != nil {
		return 0, &ChunkWriteError{UploadID: uploadID, Index: index, Err: err}
	}
	return n, nil
}

// Exists reports whether chunk index of uploadID is stored.
func (s *Store) Exists(uploadID string, index int) bool {
	p, err := s.ChunkPath(uploadID, index)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Open returns a reader over a stored chunk.
func (s *Store) Open(uploadID string, index int) (*os.File, error) {
	p, err := s.ChunkPath(uploadID, index)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Delete removes one chunk. A missing chunk is not an error. Assembly reads
// a chunk with Open, appends and syncs it, and only then calls Delete, so the
// bytes are durable before the chunk goes.
func (s *Store) Delete(uploadID string, index int) error {
	p, err := s.ChunkPath(uploadID, index)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("chunkstore: delete chunk %d: %w", index, err)
	}
	return nil
}

// Digest returns the hex SHA-256 and size of a stored chunk.
func (s *Store) Digest(uploadID string, index int) (string, int64, error) {
	f, err := s.Open(uploadID, index)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("chunkstore: digest chunk %d: %w", index, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// MarkCompleted writes the completion record of c.UploadID. Call it after
// Clear: the record is the only file left in the upload directory.
func (s *Store) MarkCompleted(c *Completion) error {
	dir, err := s.dir(c.UploadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunkstore: create upload dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("chunkstore: marshal completion: %w", err)
	}
	if err := writeAtomic(dir, completionName, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return fmt.Errorf("chunkstore: write completion: %w", err)
	}
	return nil
}

// Completion loads the completion record of uploadID, or ErrNoCompletion.
func (s *Store) Completion(uploadID string) (*Completion, error) {
	dir, err := s.dir(uploadID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, completionName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCompletion
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: read completion: %w", err)
	}
	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("chunkstore: parse completion: %w", err)
	}
	return &c, nil
}

// Received returns the stored chunk indices in ascending order.
func (s *Store) Received(uploadID string) ([]int, error) {
	dir, err := s.dir(uploadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: list chunks: %w", err)
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasPrefix(name, "chunk_") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "chunk_"), ".bin"))
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

// Complete reports whether every index in [from, total) is stored.
func (s *Store) Complete(uploadID string, from, total int) bool {
	for i := from; i < total; i++ {
		if !s.Exists(uploadID, i) {
			return false
		}
	}
	return true
}

// Clear removes the whole upload directory, manifest included.
func (s *Store) Clear(uploadID string) error {
	dir, err := s.dir(uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("chunkstore: clear %s: %w", uploadID, err)
	}
	return nil
}

// PurgeOrphans removes upload directories untouched for longer than maxAge
// and returns the IDs removed. Clients that stop sending chunks leave these
// behind.
func (s *Store) PurgeOrphans(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: list root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		last, err := newestMod(filepath.Join(s.root, e.Name()))
		if err != nil || last.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return removed, fmt.Errorf("chunkstore: purge %s: %w", e.Name(), err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

func newestMod(dir string) (time.Time, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := fi.ModTime()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest, err
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}

// writeAtomic writes name inside dir via a temp file, fsync and rename.
func writeAtomic(dir, name string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return err
	}
	ok = true
	return nil
}
