// Package assembler turns the chunks of a completed upload into one file.
//
// Chunks are appended in strict index order to a hidden part file inside
// the destination directory. After each chunk is appended and synced, the
// manifest records the new offset and only then is the chunk deleted, so an
// interrupted assembly resumes from the first chunk not yet appended. The
// final rename within the destination directory is the only moment the
// artifact becomes visible.
package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/edfpipe/chunkstore"
	"github.com/hazyhaar/edfpipe/horosafe"
)

// DefaultFilename names artifacts whose original name sanitises to nothing.
const DefaultFilename = "uploaded.edf"

// IncompleteUploadError is returned when assembly is attempted while chunks
// are missing. No chunk is deleted in that case.
type IncompleteUploadError struct {
	UploadID string
	Missing  []int
}

func (e *IncompleteUploadError) Error() string {
	if len(e.Missing) == 1 {
		return fmt.Sprintf("upload %s incomplete: missing chunk %d", e.UploadID, e.Missing[0])
	}
	return fmt.Sprintf("upload %s incomplete: missing chunk %d (%d missing)", e.UploadID, e.Missing[0], len(e.Missing))
}

// Result describes an assembled artifact.
type Result struct {
	UploadID     string
	FinalPath    string
	Size         int64
	OriginalName string
}

// Assembler concatenates chunks from a chunkstore into destDir.
type Assembler struct {
	chunks  *chunkstore.Store
	destDir string
}

// New creates destDir if needed.
func New(chunks *chunkstore.Store, destDir string) (*Assembler, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("assembler: create dest dir: %w", err)
	}
	return &Assembler{chunks: chunks, destDir: destDir}, nil
}

// DestDir returns the directory artifacts are renamed into.
func (a *Assembler) DestDir() string { return a.destDir }

// FinalPath is the artifact location for a sanitised original name.
func (a *Assembler) FinalPath(originalName string) string {
	return filepath.Join(a.destDir, horosafe.SanitizeFilename(originalName, DefaultFilename))
}

func (a *Assembler) partPath(uploadID string) string {
	return filepath.Join(a.destDir, "."+uploadID+".part")
}

// Missing lists the indices still needed before Assemble can succeed.
func (a *Assembler) Missing(uploadID string) ([]int, error) {
	m, err := a.chunks.Manifest(uploadID)
	if err != nil {
		return nil, err
	}
	var missing []int
	for i := m.AppendedChunks; i < m.TotalChunks; i++ {
		if !a.chunks.Exists(uploadID, i) {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// Assemble builds the artifact for uploadID. The caller must hold the
// per-upload lock. On success every chunk and the session directory are
// gone. On *IncompleteUploadError nothing has been touched.
func (a *Assembler) Assemble(ctx context.Context, uploadID string) (*Result, error) {
	m, err := a.chunks.Manifest(uploadID)
	if err != nil {
		return nil, fmt.Errorf("assembler: %w", err)
	}
	missing, err := a.Missing(uploadID)
	if err != nil {
		return nil, fmt.Errorf("assembler: %w", err)
	}
	if len(missing) > 0 {
		return nil, &IncompleteUploadError{UploadID: uploadID, Missing: missing}
	}

	partPath := a.partPath(uploadID)
	part, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("assembler: open part: %w", err)
	}
	defer part.Close()

	// Discard anything written past the last recorded append.
	if err := part.Truncate(m.AppendedBytes); err != nil {
		return nil, fmt.Errorf("assembler: truncate part: %w", err)
	}
	if _, err := part.Seek(m.AppendedBytes, io.SeekStart); err != nil {
		return nil, fmt.Errorf("assembler: seek part: %w", err)
	}
	if m.AppendedChunks > 0 {
		slog.Info("assembly resumed", "upload_id", uploadID, "from_chunk", m.AppendedChunks)
	}

	var lastSum string
	var lastSize int64
	for i := m.AppendedChunks; i < m.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var w io.Writer = part
		h := sha256.New()
		last := i == m.TotalChunks-1
		if last {
			w = io.MultiWriter(part, h)
		}
		n, err := a.appendChunk(part, w, uploadID, i)
		if err != nil {
			return nil, err
		}
		if last {
			lastSum, lastSize = hex.EncodeToString(h.Sum(nil)), n
		}
		m.AppendedChunks = i + 1
		m.AppendedBytes += n
		if err := a.chunks.SaveManifest(m); err != nil {
			return nil, fmt.Errorf("assembler: record chunk %d: %w", i, err)
		}
		if err := a.chunks.Delete(uploadID, i); err != nil {
			slog.Warn("chunk delete after append failed", "upload_id", uploadID, "chunk_index", i, "error", err)
		}
	}

	if err := part.Close(); err != nil {
		return nil, fmt.Errorf("assembler: close part: %w", err)
	}
	finalPath := a.FinalPath(m.OriginalName)
	if err := os.Rename(partPath, finalPath); err != nil {
		return nil, fmt.Errorf("assembler: rename: %w", err)
	}
	if err := a.chunks.Clear(uploadID); err != nil {
		slog.Warn("chunk dir cleanup failed", "upload_id", uploadID, "error", err)
	}
	// Empty digest when the final chunk was appended before a restart; such
	// a completion never matches a redelivered chunk.
	if err := a.chunks.MarkCompleted(&chunkstore.Completion{
		UploadID:        uploadID,
		OriginalName:    m.OriginalName,
		TotalChunks:     m.TotalChunks,
		FinalPath:       finalPath,
		LastChunkSHA256: lastSum,
		LastChunkSize:   lastSize,
		CompletedAt:     time.Now().UTC(),
	}); err != nil {
		slog.Warn("completion record not written", "upload_id", uploadID, "error", err)
	}

	return &Result{
		UploadID:     uploadID,
		FinalPath:    finalPath,
		Size:         m.AppendedBytes,
		OriginalName: m.OriginalName,
	}, nil
}

// appendChunk copies chunk index into w, which writes through to part, and
// syncs part.
func (a *Assembler) appendChunk(part *os.File, w io.Writer, uploadID string, index int) (int64, error) {
	src, err := a.chunks.Open(uploadID, index)
	if errors.Is(err, os.ErrNotExist) {
		// Vanished between the completeness check and the append.
		return 0, &IncompleteUploadError{UploadID: uploadID, Missing: []int{index}}
	}
	if err != nil {
		return 0, fmt.Errorf("assembler: open chunk %d: %w", index, err)
	}
	defer src.Close()
	n, err := io.Copy(w, src)
	if err != nil {
		return 0, fmt.Errorf("assembler: append chunk %d: %w", index, err)
	}
	if err := part.Sync(); err != nil {
		return 0, fmt.Errorf("assembler: sync after chunk %d: %w", index, err)
	}
	return n, nil
}

// IsPartFile reports whether name is an in-progress assembly target.
func IsPartFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".part")
}
