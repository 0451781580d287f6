package progress

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/edfpipe/dbopen"
)

// Schema is the DDL for SQLiteTracker.
const Schema = `
CREATE TABLE IF NOT EXISTS upload_progress (
    upload_id  TEXT PRIMARY KEY,
    percent    INTEGER NOT NULL DEFAULT 0,
    completed  INTEGER NOT NULL DEFAULT 0,
    final_path TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_progress_updated ON upload_progress(updated_at);
`

// SQLiteTracker keeps progress in the shared SQLite database, for
// deployments where serve and worker share a host but no Redis.
type SQLiteTracker struct {
	db *sql.DB
}

// NewSQLiteTracker wraps db, which must carry Schema.
func NewSQLiteTracker(db *sql.DB) *SQLiteTracker {
	return &SQLiteTracker{db: db}
}

func (t *SQLiteTracker) Get(ctx context.Context, uploadID string) (Record, error) {
	var rec Record
	err := t.db.QueryRowContext(ctx,
		`SELECT percent, completed FROM upload_progress WHERE upload_id = ?`, uploadID,
	).Scan(&rec.Percent, &rec.Completed)
	if err == sql.ErrNoRows {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("progress: sqlite get %s: %w", uploadID, err)
	}
	return rec, nil
}

func (t *SQLiteTracker) Set(ctx context.Context, uploadID string, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	_, err := dbopen.Exec(ctx, t.db, `
		INSERT INTO upload_progress (upload_id, percent, completed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(upload_id) DO UPDATE SET
			percent = excluded.percent,
			completed = excluded.completed,
			updated_at = excluded.updated_at`,
		uploadID, rec.Percent, rec.Completed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("progress: sqlite set %s: %w", uploadID, err)
	}
	return nil
}

func (t *SQLiteTracker) SetFinalPath(ctx context.Context, uploadID, path string) error {
	_, err := dbopen.Exec(ctx, t.db, `
		INSERT INTO upload_progress (upload_id, final_path, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(upload_id) DO UPDATE SET
			final_path = excluded.final_path,
			updated_at = excluded.updated_at`,
		uploadID, path, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("progress: sqlite set path %s: %w", uploadID, err)
	}
	return nil
}

func (t *SQLiteTracker) FinalPath(ctx context.Context, uploadID string) (string, error) {
	var path string
	err := t.db.QueryRowContext(ctx,
		`SELECT final_path FROM upload_progress WHERE upload_id = ?`, uploadID,
	).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("progress: sqlite get path %s: %w", uploadID, err)
	}
	return path, nil
}

func (t *SQLiteTracker) Delete(ctx context.Context, uploadID string) error {
	if _, err := dbopen.Exec(ctx, t.db, `DELETE FROM upload_progress WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("progress: sqlite delete %s: %w", uploadID, err)
	}
	return nil
}

// Purge drops records not updated within ttl, the SQLite counterpart of
// Redis key expiry.
func (t *SQLiteTracker) Purge(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := dbopen.Exec(ctx, t.db,
		`DELETE FROM upload_progress WHERE updated_at < ?`, time.Now().Add(-ttl).Unix())
	if err != nil {
		return 0, fmt.Errorf("progress: sqlite purge: %w", err)
	}
	return res.RowsAffected()
}
