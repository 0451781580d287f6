// Package jobqueue is the durable processing queue shared by the HTTP
// server (producer) and the worker pool (consumer).
//
// Two tables live side by side in SQLite:
//
//   - jobs holds the authoritative record of every job: artifact, channel
//     selection, state, result paths, error and expiry.
//   - job_messages is a visibility-timeout queue. A claimed message is
//     hidden for Options.Visibility; the executor pushes the deadline
//     forward while it works. A message that reappears belongs to an
//     executor that died.
//
// Jobs are never retried: a redelivered message fails its job instead of
// running it again, because processing may have half-written its outputs.
// Terminal records expire ResultTTL after they end; Fetch then reports
// ErrJobNotFound and Purge deletes them.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/edfpipe/dbopen"
	"github.com/hazyhaar/edfpipe/edf"
	"github.com/hazyhaar/edfpipe/idgen"
)

// Schema is the DDL for the jobs and job_messages tables.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    queue         TEXT NOT NULL DEFAULT '',
    artifact_path TEXT NOT NULL,
    params        TEXT NOT NULL DEFAULT '{}',
    state         TEXT NOT NULL DEFAULT 'queued',
    result_paths  TEXT NOT NULL DEFAULT '[]',
    error         TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    timeout_ms    INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    started_at    INTEGER NOT NULL DEFAULT 0,
    ended_at      INTEGER NOT NULL DEFAULT 0,
    expires_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (queue, state);
CREATE INDEX IF NOT EXISTS idx_jobs_artifact ON jobs (artifact_path, state);
CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs (expires_at) WHERE expires_at > 0;

CREATE TABLE IF NOT EXISTS job_messages (
    id          TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
    queue       TEXT NOT NULL DEFAULT '',
    visible_at  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_job_messages_visible ON job_messages (queue, visible_at);
`

// State is the lifecycle position of a job.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Terminal reports whether s is Finished or Failed.
func (s State) Terminal() bool { return s == StateFinished || s == StateFailed }

// ErrJobNotFound is returned by Fetch when the record is missing or past
// its result time-to-live.
var ErrJobNotFound = errors.New("jobqueue: job not found")

// ErrNotActive is returned when a terminal transition targets a job that is
// already Finished or Failed.
var ErrNotActive = errors.New("jobqueue: job already terminal")

// Params is the job payload besides the artifact path.
type Params struct {
	// UploadID links the job to a progress record. Empty for jobs submitted
	// by path only.
	UploadID  string        `json:"upload_id,omitempty"`
	Filename  string        `json:"filename"`
	Selection edf.Selection `json:"selection"`
}

// Job is a job record.
type Job struct {
	ID           string
	Queue        string
	ArtifactPath string
	Params       Params
	State        State
	ResultPaths  []string
	Error        string
	Attempts     int
	Timeout      time.Duration
	CreatedAt    time.Time
	StartedAt    time.Time
	EndedAt      time.Time
	ExpiresAt    time.Time
}

// Delivery is a claimed message with its job record.
type Delivery struct {
	Job      *Job
	Attempts int
}

// Redelivered reports whether an earlier claim of this message was lost.
func (d *Delivery) Redelivered() bool { return d.Attempts > 1 }

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Default: "default".
	Queue string
	// Visibility is how long a claimed message stays hidden without an
	// Extend. Default: 2m.
	Visibility time.Duration
	// DefaultTimeout applies when Enqueue is given zero. Default: 6000s.
	DefaultTimeout time.Duration
	// ResultTTL is how long a terminal record stays fetchable. Default: 3600s.
	ResultTTL time.Duration
	// NewID mints job IDs. Default: idgen.Default.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Queue == "" {
		o.Queue = "default"
	}
	if o.Visibility <= 0 {
		o.Visibility = 2 * time.Minute
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 6000 * time.Second
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = 3600 * time.Second
	}
	if o.NewID == nil {
		o.NewID = idgen.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle.
type Queue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// New creates a queue handle over db, which must carry Schema.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts, now: time.Now}
}

// Name returns the logical queue name.
func (q *Queue) Name() string { return q.opts.Queue }

// Visibility returns the claim visibility window.
func (q *Queue) Visibility() time.Duration { return q.opts.Visibility }

// Enqueue records a new Queued job and publishes its message in one
// transaction. timeout <= 0 uses Options.DefaultTimeout.
func (q *Queue) Enqueue(ctx context.Context, artifactPath string, params Params, timeout time.Duration) (string, error) {
	id, _, err := q.enqueue(ctx, artifactPath, params, timeout, false)
	return id, err
}

// EnqueueUnique is Enqueue unless a Queued or Running job already exists
// for artifactPath, in which case that job's ID is returned with
// created=false. The check and the insert share one transaction.
func (q *Queue) EnqueueUnique(ctx context.Context, artifactPath string, params Params, timeout time.Duration) (id string, created bool, err error) {
	return q.enqueue(ctx, artifactPath, params, timeout, true)
}

func (q *Queue) enqueue(ctx context.Context, artifactPath string, params Params, timeout time.Duration, unique bool) (string, bool, error) {
	if artifactPath == "" {
		return "", false, fmt.Errorf("jobqueue: empty artifact path")
	}
	if timeout <= 0 {
		timeout = q.opts.DefaultTimeout
	}
	if params.Selection == nil {
		params.Selection = edf.Selection{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return "", false, fmt.Errorf("jobqueue: marshal params: %w", err)
	}
	id := q.opts.NewID()
	now := q.now().UnixMilli()

	var existing string
	err = dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		existing = ""
		if unique {
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM jobs
				WHERE queue = ? AND artifact_path = ? AND state IN (?, ?)
				ORDER BY created_at LIMIT 1`,
				q.opts.Queue, artifactPath, StateQueued, StateRunning,
			).Scan(&existing)
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, queue, artifact_path, params, state, timeout_ms, created_at)
			VALUES (?,?,?,?,?,?,?)`,
			id, q.opts.Queue, artifactPath, string(payload), StateQueued, timeout.Milliseconds(), now,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO job_messages (id, queue, visible_at, created_at) VALUES (?,?,?,?)`,
			id, q.opts.Queue, now, now,
		)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	if existing != "" {
		return existing, false, nil
	}
	return id, true, nil
}

const jobColumns = `id, queue, artifact_path, params, state, result_paths, error,
	attempts, timeout_ms, created_at, started_at, ended_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var params, results string
	var timeoutMs, created, started, ended, expires int64
	if err := row.Scan(&j.ID, &j.Queue, &j.ArtifactPath, &params, &j.State, &results, &j.Error,
		&j.Attempts, &timeoutMs, &created, &started, &ended, &expires); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("jobqueue: decode params of %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &j.ResultPaths); err != nil {
		return nil, fmt.Errorf("jobqueue: decode results of %s: %w", j.ID, err)
	}
	j.Timeout = time.Duration(timeoutMs) * time.Millisecond
	j.CreatedAt = time.UnixMilli(created)
	j.StartedAt = unixMilliOrZero(started)
	j.EndedAt = unixMilliOrZero(ended)
	j.ExpiresAt = unixMilliOrZero(expires)
	return &j, nil
}

func unixMilliOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Fetch returns the job record, or ErrJobNotFound when it was never created,
// has been purged, or has outlived its result TTL.
func (q *Queue) Fetch(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: fetch %s: %w", id, err)
	}
	if !j.ExpiresAt.IsZero() && !q.now().Before(j.ExpiresAt) {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Claim hides the oldest visible message and returns it with its job, or
// nil when nothing is visible.
func (q *Queue) Claim(ctx context.Context) (*Delivery, error) {
	ds, err := q.BatchClaim(ctx, 1)
	if err != nil || len(ds) == 0 {
		return nil, err
	}
	return ds[0], nil
}

// BatchClaim hides up to n visible messages and returns them with their
// jobs. It returns an empty slice when nothing is visible.
func (q *Queue) BatchClaim(ctx context.Context, n int) ([]*Delivery, error) {
	now := q.now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	type claimed struct {
		id       string
		attempts int
	}
	var msgs []claimed
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		msgs = msgs[:0]
		rows, err := tx.QueryContext(ctx, `
			UPDATE job_messages
			SET visible_at = ?, attempts = attempts + 1
			WHERE id IN (
				SELECT id FROM job_messages
				WHERE queue = ? AND visible_at <= ?
				ORDER BY visible_at ASC, created_at ASC
				LIMIT ?
			)
			RETURNING id, attempts`,
			hideUntil, q.opts.Queue, now.UnixMilli(), n,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c claimed
			if err := rows.Scan(&c.id, &c.attempts); err != nil {
				return err
			}
			msgs = append(msgs, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim: %w", err)
	}

	out := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, m.id)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			q.opts.Logger.Warn("jobqueue: message without job, dropping", "job_id", m.id)
			q.ack(ctx, m.id)
			continue
		}
		if err != nil {
			return out, fmt.Errorf("jobqueue: load claimed %s: %w", m.id, err)
		}
		out = append(out, &Delivery{Job: j, Attempts: m.attempts})
	}
	return out, nil
}

// Start marks a claimed job Running.
func (q *Queue) Start(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, q.db, `
		UPDATE jobs SET state = ?, started_at = ?, attempts = attempts + 1
		WHERE id = ? AND state = ?`,
		StateRunning, q.now().UnixMilli(), id, StateQueued)
	if err != nil {
		return fmt.Errorf("jobqueue: start %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotActive
	}
	return nil
}

// Finish records resultPaths, moves the job to Finished and acks its message.
func (q *Queue) Finish(ctx context.Context, id string, resultPaths []string) error {
	return q.end(ctx, id, StateFinished, resultPaths, "")
}

// Fail moves the job to Failed with reason and acks its message.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	return q.end(ctx, id, StateFailed, nil, reason)
}

func (q *Queue) end(ctx context.Context, id string, state State, resultPaths []string, reason string) error {
	if resultPaths == nil {
		resultPaths = []string{}
	}
	results, err := json.Marshal(resultPaths)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal results: %w", err)
	}
	now := q.now()
	var affected int64
	err = dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, result_paths = ?, error = ?, ended_at = ?, expires_at = ?
			WHERE id = ? AND state IN (?, ?)`,
			state, string(results), reason, now.UnixMilli(), now.Add(q.opts.ResultTTL).UnixMilli(),
			id, StateQueued, StateRunning)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx, `DELETE FROM job_messages WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("jobqueue: %s %s: %w", state, id, err)
	}
	if affected == 0 {
		return ErrNotActive
	}
	return nil
}

// Extend pushes the message deadline forward for a job still being worked.
func (q *Queue) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE job_messages SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.now().Add(extra).UnixMilli(), id, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("jobqueue: extend %s: %w", id, err)
	}
	return nil
}

// Release makes a claimed but not yet started message visible again, for
// executors shutting down before they begin a job.
func (q *Queue) Release(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db, `
		UPDATE job_messages SET visible_at = 0, attempts = MAX(attempts - 1, 0)
		WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("jobqueue: release %s: %w", id, err)
	}
	return nil
}

// Drop deletes the message of a job that can no longer run, such as one
// already failed by ExpireOverdue. The job record is left alone.
func (q *Queue) Drop(ctx context.Context, id string) error {
	if _, err := dbopen.Exec(ctx, q.db, `DELETE FROM job_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("jobqueue: drop %s: %w", id, err)
	}
	return nil
}

func (q *Queue) ack(ctx context.Context, id string) {
	if _, err := dbopen.Exec(ctx, q.db, `DELETE FROM job_messages WHERE id = ?`, id); err != nil {
		q.opts.Logger.Warn("jobqueue: ack failed", "job_id", id, "error", err)
	}
}

// ExpireOverdue fails Running jobs whose timeout plus grace elapsed without
// a terminal transition, covering executors that vanished without their
// message ever becoming visible again.
func (q *Queue) ExpireOverdue(ctx context.Context, grace time.Duration) ([]string, error) {
	now := q.now().UnixMilli()
	rows, err := q.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE queue = ? AND state = ? AND started_at + timeout_ms + ? < ?`,
		q.opts.Queue, StateRunning, grace.Milliseconds(), now)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: overdue scan: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var failed []string
	for _, id := range ids {
		err := q.Fail(ctx, id, "job exceeded its timeout")
		if errors.Is(err, ErrNotActive) {
			continue
		}
		if err != nil {
			return failed, err
		}
		failed = append(failed, id)
	}
	return failed, nil
}

// Purge deletes terminal records past their expiry and returns the count.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM jobs WHERE queue = ? AND expires_at > 0 AND expires_at <= ?`,
		q.opts.Queue, q.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("jobqueue: purge: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts jobs per state.
type Stats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
}

// Stats returns per-state counts for unexpired records.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM jobs
		WHERE queue = ? AND (expires_at = 0 OR expires_at > ?)
		GROUP BY state`, q.opts.Queue, q.now().UnixMilli())
	if err != nil {
		return Stats{}, fmt.Errorf("jobqueue: stats: %w", err)
	}
	defer rows.Close()
	var s Stats
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch state {
		case StateQueued:
			s.Queued = n
		case StateRunning:
			s.Running = n
		case StateFinished:
			s.Finished = n
		case StateFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}
