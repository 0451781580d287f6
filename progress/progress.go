// Package progress records per-upload progress shared between the HTTP
// handlers (chunk phase, 0-50%) and the workers (processing phase, 50-100%).
//
// A Tracker never reports an error for an unknown upload: a client may poll
// before its first chunk lands, so Get returns the zero Record instead.
package progress

import (
	"context"
	"fmt"
)

// ChunkPhaseCeiling is the share of the range reserved for receiving chunks.
const ChunkPhaseCeiling = 50

// Record is the progress of one upload.
type Record struct {
	Percent   int  `json:"progress"`
	Completed bool `json:"completed"`
}

// Tracker is the shared progress store. Writes for one upload are
// last-writer-wins; callers keep a single writer per upload at a time.
type Tracker interface {
	Get(ctx context.Context, uploadID string) (Record, error)
	Set(ctx context.Context, uploadID string, rec Record) error
	// SetFinalPath remembers where the assembled artifact landed.
	SetFinalPath(ctx context.Context, uploadID, path string) error
	// FinalPath returns "" when nothing was recorded.
	FinalPath(ctx context.Context, uploadID string) (string, error)
	Delete(ctx context.Context, uploadID string) error
}

// ChunkPercent is the chunk-phase progress after chunk index of total has
// been stored: floor((index+1)/total*50).
func ChunkPercent(index, total int) int {
	if total <= 0 {
		return 0
	}
	if index >= total {
		index = total - 1
	}
	return (index + 1) * ChunkPhaseCeiling / total
}

// Phase records for the processing half of the range.
var (
	Processing = Record{Percent: ChunkPhaseCeiling, Completed: false}
	Done       = Record{Percent: 100, Completed: true}
	Reset      = Record{}
)

func (r Record) validate() error {
	if r.Percent < 0 || r.Percent > 100 {
		return fmt.Errorf("progress: percent %d out of range", r.Percent)
	}
	return nil
}
