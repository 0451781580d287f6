package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/edfpipe/assembler"
	"github.com/hazyhaar/edfpipe/chunkstore"
	"github.com/hazyhaar/edfpipe/jobqueue"
	"github.com/hazyhaar/edfpipe/observability"
	"github.com/hazyhaar/edfpipe/session"
)

// Purger is a store that can drop records older than ttl, such as
// progress.SQLiteTracker.
type Purger interface {
	Purge(ctx context.Context, ttl time.Duration) (int64, error)
}

// Janitor removes what the pipeline leaves behind: overdue and expired
// jobs, abandoned uploads, idle sessions and old telemetry. Every field but
// Queue is optional.
type Janitor struct {
	Queue    *jobqueue.Queue
	Chunks   *chunkstore.Store
	Sessions *session.Store
	// UploadDir is scanned for stale assembly part files.
	UploadDir string
	// DB carries the observability tables.
	DB       *sql.DB
	Progress Purger

	// OverdueGrace is added to a job timeout before the job is failed.
	OverdueGrace  time.Duration
	OrphanMaxAge  time.Duration
	SessionMaxAge time.Duration
	ProgressTTL   time.Duration
	Retention     observability.RetentionConfig
	Logger        *slog.Logger
}

// SweepReport counts what one sweep removed.
type SweepReport struct {
	Overdue   []string
	Purged    int64
	Orphans   []string
	PartFiles int
	Sessions  int64
	Progress  int64
}

// Sweep runs every cleanup once. It carries on past failures and returns
// them joined.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	rep.Overdue, err = j.Queue.ExpireOverdue(ctx, j.OverdueGrace)
	keep(err)
	rep.Purged, err = j.Queue.Purge(ctx)
	keep(err)

	if j.Chunks != nil && j.OrphanMaxAge > 0 {
		rep.Orphans, err = j.Chunks.PurgeOrphans(j.OrphanMaxAge)
		keep(err)
	}
	if j.UploadDir != "" && j.OrphanMaxAge > 0 {
		rep.PartFiles, err = purgePartFiles(j.UploadDir, j.OrphanMaxAge, j.uploadAlive)
		keep(err)
	}
	if j.Sessions != nil && j.SessionMaxAge > 0 {
		rep.Sessions, err = j.Sessions.PurgeIdle(ctx, j.SessionMaxAge)
		keep(err)
	}
	if j.Progress != nil && j.ProgressTTL > 0 {
		rep.Progress, err = j.Progress.Purge(ctx, j.ProgressTTL)
		keep(err)
	}
	if j.DB != nil {
		keep(observability.Cleanup(ctx, j.DB, j.Retention))
	}
	return rep, errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	log := j.Logger
	if log == nil {
		log = slog.Default()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep, err := j.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				log.Warn("janitor: sweep incomplete", "error", err)
			}
			if len(rep.Overdue) > 0 {
				log.Warn("janitor: failed overdue jobs", "jobs", rep.Overdue)
			}
			if rep.Purged+rep.Sessions+rep.Progress > 0 || len(rep.Orphans)+rep.PartFiles > 0 {
				log.Info("janitor: sweep",
					"jobs_purged", rep.Purged,
					"orphan_uploads", len(rep.Orphans),
					"part_files", rep.PartFiles,
					"sessions", rep.Sessions,
					"progress", rep.Progress,
				)
			}
		}
	}
}

func (j *Janitor) uploadAlive(uploadID string) bool {
	if j.Chunks == nil {
		return false
	}
	_, err := j.Chunks.Manifest(uploadID)
	return err == nil
}

// purgePartFiles removes assembly part files untouched for maxAge whose
// upload has no chunk session left to resume from.
func purgePartFiles(dir string, maxAge time.Duration, alive func(uploadID string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("janitor: read %s: %w", dir, err)
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, e := range entries {
		if e.IsDir() || !assembler.IsPartFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "."), ".part")
		if alive(id) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			n++
		}
	}
	return n, nil
}
