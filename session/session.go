// Package session keeps the per-browser list of submitted jobs and
// reconciles it against the queue on every status poll.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/edfpipe/dbopen"
)

// Schema is the DDL for the session job lists.
const Schema = `
CREATE TABLE IF NOT EXISTS session_jobs (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    filename   TEXT NOT NULL,
    job_id     TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_jobs_session ON session_jobs(session_id, seq);
`

// Entry is one submitted job as the client knows it.
type Entry struct {
	Filename string `json:"filename"`
	JobID    string `json:"job_id"`
}

// Store persists session job lists in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps db, which must carry Schema.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Add appends an entry to the session's list.
func (s *Store) Add(ctx context.Context, sessionID string, e Entry) error {
	if sessionID == "" {
		return errors.New("session: empty session id")
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO session_jobs (session_id, filename, job_id, created_at) VALUES (?,?,?,?)`,
		sessionID, e.Filename, e.JobID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("session: add: %w", err)
	}
	return nil
}

// List returns the session's entries in submission order.
func (s *Store) List(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename, job_id FROM session_jobs WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Filename, &e.JobID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Replace swaps the session's list for entries, preserving their order.
func (s *Store) Replace(ctx context.Context, sessionID string, entries []Entry) error {
	now := s.now().Unix()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_jobs WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO session_jobs (session_id, filename, job_id, created_at) VALUES (?,?,?,?)`,
				sessionID, e.Filename, e.JobID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeIdle drops sessions whose newest entry is older than maxAge.
func (s *Store) PurgeIdle(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		DELETE FROM session_jobs WHERE session_id IN (
			SELECT session_id FROM session_jobs
			GROUP BY session_id HAVING MAX(created_at) < ?
		)`, s.now().Add(-maxAge).Unix())
	if err != nil {
		return 0, fmt.Errorf("session: purge: %w", err)
	}
	return res.RowsAffected()
}
