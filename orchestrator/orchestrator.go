// Package orchestrator is the request-side entry point of the pipeline. It
// stores chunks, assembles uploads once the last piece is in, keeps the
// shared progress record current and submits assembled recordings to the
// job queue.
//
// Everything that touches one upload runs under that upload's lock, so two
// deliveries completing the same upload cannot both assemble it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/edfpipe/assembler"
	"github.com/hazyhaar/edfpipe/chunkstore"
	"github.com/hazyhaar/edfpipe/edf"
	"github.com/hazyhaar/edfpipe/horosafe"
	"github.com/hazyhaar/edfpipe/jobqueue"
	"github.com/hazyhaar/edfpipe/kit"
	"github.com/hazyhaar/edfpipe/observability"
	"github.com/hazyhaar/edfpipe/progress"
	"github.com/hazyhaar/edfpipe/session"
)

// ErrNotAssembled is returned when no assembled file is recorded for an
// upload, or the recorded file is gone.
var ErrNotAssembled = errors.New("file not assembled")

// ErrInvalidChunk is returned for chunk metadata that cannot describe any
// upload: a bad upload ID, a non-positive total or an index out of range.
var ErrInvalidChunk = errors.New("invalid chunk")

// ErrEnqueueFailed wraps queue errors met while submitting a job.
var ErrEnqueueFailed = errors.New("enqueue failed")

// ErrInvalidSelection matches every *InvalidSelectionError.
var ErrInvalidSelection = errors.New("invalid channel selection")

// InvalidSelectionError rejects a channel selection. Nothing is enqueued.
type InvalidSelectionError struct {
	Err     error
	Unknown []string
}

func (e *InvalidSelectionError) Error() string {
	if len(e.Unknown) > 0 {
		return "invalid channel selection: not in recording: " + strings.Join(e.Unknown, ", ")
	}
	return fmt.Sprintf("invalid channel selection: %v", e.Err)
}

func (e *InvalidSelectionError) Unwrap() error { return e.Err }

func (e *InvalidSelectionError) Is(target error) bool { return target == ErrInvalidSelection }

// FinalAction says what happens once an upload is assembled.
type FinalAction int

const (
	// ActionStore records the final path only. Parse follows later.
	ActionStore FinalAction = iota
	// ActionParse reads the header and returns the categorised channels.
	ActionParse
	// ActionProcess parses, then enqueues a job with the categorised
	// channels straight away.
	ActionProcess
)

func (a FinalAction) String() string {
	switch a {
	case ActionParse:
		return "parse"
	case ActionProcess:
		return "process"
	default:
		return "store"
	}
}

// Chunk is one received piece of an upload.
type Chunk struct {
	UploadID     string
	Index        int
	Total        int
	OriginalName string
	Body         io.Reader
	Action       FinalAction
	// SessionID receives the job when Action is ActionProcess.
	SessionID string
}

func (c *Chunk) validate() error {
	if err := horosafe.ValidateIdentifier(c.UploadID); err != nil {
		return fmt.Errorf("%w: upload id: %v", ErrInvalidChunk, err)
	}
	if c.Total <= 0 {
		return fmt.Errorf("%w: total chunks %d", ErrInvalidChunk, c.Total)
	}
	if c.Index < 0 || c.Index >= c.Total {
		return fmt.Errorf("%w: chunk index %d outside [0,%d)", ErrInvalidChunk, c.Index, c.Total)
	}
	if c.Body == nil {
		return fmt.Errorf("%w: no chunk data", ErrInvalidChunk)
	}
	return nil
}

// ChunkResult is the outcome of ReceiveChunk. Only IsFinal results carry a
// FinalPath; Channels is set for the parse and process actions, JobID for
// process.
type ChunkResult struct {
	Percent   int
	IsFinal   bool
	FinalPath string
	Channels  edf.Selection
	JobID     string
	Replayed  bool
}

// ParseResult is the categorised view of an assembled recording.
type ParseResult struct {
	FinalPath string
	Channels  edf.Selection
	Header    *edf.Header
}

// SubmitRequest asks for an assembled file to be processed.
type SubmitRequest struct {
	SessionID string
	FinalPath string
	// Selection is the client's JSON channel selection. Empty selects
	// nothing and lets the processor choose.
	Selection string
	// UploadID, when known, lets the worker report processing progress.
	UploadID string
}

// Submission identifies the job serving a SubmitRequest.
type Submission struct {
	JobID    string
	Filename string
	// Created is false when an active job for the same file was reused.
	Created bool
}

// Options wires an Orchestrator. Sessions and Events are optional.
type Options struct {
	Chunks     *chunkstore.Store
	Assembler  *assembler.Assembler
	Progress   progress.Tracker
	Queue      *jobqueue.Queue
	Sessions   *session.Store
	Events     *observability.EventLog
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Orchestrator ties the chunk store, assembler, progress tracker and job
// queue together.
type Orchestrator struct {
	chunks   *chunkstore.Store
	asm      *assembler.Assembler
	progress progress.Tracker
	queue    *jobqueue.Queue
	sessions *session.Store
	events   *observability.EventLog
	timeout  time.Duration
	log      *slog.Logger
	locks    *keyedMutex
}

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Chunks == nil || opts.Assembler == nil || opts.Progress == nil || opts.Queue == nil {
		return nil, errors.New("orchestrator: chunks, assembler, progress and queue are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		chunks:   opts.Chunks,
		asm:      opts.Assembler,
		progress: opts.Progress,
		queue:    opts.Queue,
		sessions: opts.Sessions,
		events:   opts.Events,
		timeout:  opts.JobTimeout,
		log:      opts.Logger,
		locks:    newKeyedMutex(),
	}, nil
}

// UploadDir is where assembled files live.
func (o *Orchestrator) UploadDir() string { return o.asm.DestDir() }

// ReceiveChunk stores c and, when c is the last index or completes the set,
// assembles the upload and applies c.Action.
//
// Errors: ErrInvalidChunk, chunkstore.ErrTotalMismatch,
// *chunkstore.ChunkWriteError (the session stays usable),
// *assembler.IncompleteUploadError (received chunks are kept),
// edf.ErrNotEDF for parse and process.
func (o *Orchestrator) ReceiveChunk(ctx context.Context, c Chunk) (*ChunkResult, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	ctx = kit.WithUploadID(ctx, c.UploadID)
	log := kit.Logger(ctx, o.log)

	unlock, err := o.locks.Lock(ctx, "upload:"+c.UploadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	_, err = o.chunks.Manifest(c.UploadID)
	fresh := errors.Is(err, chunkstore.ErrNoSession)
	if err != nil && !fresh {
		return nil, err
	}
	final := c.Index == c.Total-1

	m, err := o.chunks.Begin(c.UploadID, c.Total, c.OriginalName)
	if err != nil {
		return nil, err
	}
	n, err := o.chunks.Put(c.UploadID, c.Index, c.Body)
	if err != nil {
		log.Warn("chunk write failed", "chunk_index", c.Index, "error", err)
		return nil, err
	}
	log.Debug("chunk stored", "chunk_index", c.Index, "total_chunks", c.Total, "bytes", n)

	if fresh && final && c.Total > 1 {
		if res, ok := o.replay(ctx, log, c); ok {
			return res, nil
		}
	}

	if !final && !o.chunks.Complete(c.UploadID, m.AppendedChunks, c.Total) {
		pct := o.chunkProgress(ctx, log, c.UploadID, progress.ChunkPercent(c.Index, c.Total), fresh)
		return &ChunkResult{Percent: pct}, nil
	}
	return o.assemble(ctx, log, c)
}

// chunkProgress writes the chunk-phase percent. Within one attempt the
// stored value never goes down; a fresh session starts over.
func (o *Orchestrator) chunkProgress(ctx context.Context, log *slog.Logger, uploadID string, pct int, fresh bool) int {
	if !fresh {
		cur, err := o.progress.Get(ctx, uploadID)
		if err == nil && !cur.Completed && cur.Percent > pct && cur.Percent <= progress.ChunkPhaseCeiling {
			return cur.Percent
		}
	}
	o.setProgress(ctx, log, uploadID, progress.Record{Percent: pct})
	return pct
}

func (o *Orchestrator) setProgress(ctx context.Context, log *slog.Logger, uploadID string, rec progress.Record) {
	if err := o.progress.Set(ctx, uploadID, rec); err != nil {
		log.Warn("progress update failed", "progress", rec.Percent, "error", err)
	}
}

func (o *Orchestrator) assemble(ctx context.Context, log *slog.Logger, c Chunk) (*ChunkResult, error) {
	start := time.Now()
	res, err := o.asm.Assemble(ctx, c.UploadID)
	if err != nil {
		o.setProgress(ctx, log, c.UploadID, progress.Reset)
		var inc *assembler.IncompleteUploadError
		if errors.As(err, &inc) {
			log.Warn("upload incomplete", "missing", inc.Missing)
			o.events.Record(ctx, observability.Event{
				Type: observability.EventUploadIncomplete, UploadID: c.UploadID,
				Detail: inc.Error(), Success: false,
			})
		} else {
			log.Error("assembly failed", "error", err)
		}
		return nil, err
	}
	log.Info("upload assembled", "path", res.FinalPath, "bytes", res.Size, "duration", time.Since(start))
	o.events.Record(ctx, observability.Event{
		Type: observability.EventUploadAssembled, UploadID: c.UploadID,
		Detail: res.FinalPath, Success: true,
	})
	if err := o.progress.SetFinalPath(ctx, c.UploadID, res.FinalPath); err != nil {
		log.Warn("final path not recorded", "error", err)
	}
	return o.afterAssembly(ctx, log, c, res.FinalPath, false)
}

// afterAssembly applies the final action to an assembled file.
func (o *Orchestrator) afterAssembly(ctx context.Context, log *slog.Logger, c Chunk, finalPath string, replayed bool) (*ChunkResult, error) {
	out := &ChunkResult{Percent: 100, IsFinal: true, FinalPath: finalPath, Replayed: replayed}
	if c.Action == ActionStore {
		if !replayed {
			o.setProgress(ctx, log, c.UploadID, progress.Done)
		}
		return out, nil
	}

	h, err := edf.ReadHeaderFile(finalPath)
	if err != nil {
		log.Warn("parse after assembly failed", "path", finalPath, "error", err)
		if !replayed {
			o.setProgress(ctx, log, c.UploadID, progress.Reset)
		}
		return nil, err
	}
	out.Channels = edf.Categorize(h.Labels())

	if c.Action == ActionParse {
		if !replayed {
			o.setProgress(ctx, log, c.UploadID, progress.Done)
		}
		return out, nil
	}

	if replayed {
		return out, nil
	}
	sub, err := o.enqueue(ctx, log, finalPath, out.Channels.Scoring(), c.UploadID, c.SessionID)
	if err != nil {
		o.setProgress(ctx, log, c.UploadID, progress.Reset)
		return nil, err
	}
	out.JobID = sub.JobID
	out.Percent = progress.ChunkPhaseCeiling
	o.setProgress(ctx, log, c.UploadID, progress.Processing)
	return out, nil
}

// replay answers a redelivered final chunk of an upload already assembled
// under the same ID. The chunk has just been stored in a fresh session; it
// is a redelivery only when its bytes match the final chunk recorded at
// assembly. In that case the fresh session is dropped and the earlier
// result is returned. Anything else is the start of a new upload.
func (o *Orchestrator) replay(ctx context.Context, log *slog.Logger, c Chunk) (*ChunkResult, bool) {
	done, err := o.chunks.Completion(c.UploadID)
	if err != nil || done.LastChunkSHA256 == "" || done.TotalChunks != c.Total ||
		done.FinalPath != o.asm.FinalPath(c.OriginalName) {
		return nil, false
	}
	if _, err := os.Stat(done.FinalPath); err != nil {
		return nil, false
	}
	sum, size, err := o.chunks.Digest(c.UploadID, c.Index)
	if err != nil || sum != done.LastChunkSHA256 || size != done.LastChunkSize {
		return nil, false
	}
	res, err := o.afterAssembly(ctx, log, c, done.FinalPath, true)
	if err != nil {
		return nil, false
	}
	if err := o.chunks.Clear(c.UploadID); err != nil {
		log.Warn("replayed session cleanup failed", "error", err)
	}
	if err := o.chunks.MarkCompleted(done); err != nil {
		log.Warn("completion record not rewritten", "error", err)
	}
	log.Info("duplicate final chunk, replaying result", "path", done.FinalPath)
	return res, true
}

// Progress returns the progress of uploadID, the zero record if unknown.
func (o *Orchestrator) Progress(ctx context.Context, uploadID string) (progress.Record, error) {
	return o.progress.Get(ctx, uploadID)
}

// Parse re-reads the file assembled for uploadID and categorises its
// channels. It enqueues nothing.
func (o *Orchestrator) Parse(ctx context.Context, uploadID string) (*ParseResult, error) {
	path, err := o.progress.FinalPath(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no file recorded for %s", ErrNotAssembled, uploadID)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAssembled, err)
	}
	h, err := edf.ReadHeaderFile(path)
	if err != nil {
		return nil, err
	}
	return &ParseResult{FinalPath: path, Channels: edf.Categorize(h.Labels()), Header: h}, nil
}

// Submit validates a processing request and enqueues it, at most one active
// job per file. The path must lie inside the upload directory and every
// selected label must exist in the recording.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if req.UploadID != "" {
		ctx = kit.WithUploadID(ctx, req.UploadID)
	}
	log := kit.Logger(ctx, o.log)

	path, err := horosafe.Within(o.asm.DestDir(), req.FinalPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAssembled, filepath.Base(path))
	}
	sel, err := edf.ParseSelection(req.Selection)
	if err != nil {
		return nil, &InvalidSelectionError{Err: err}
	}
	h, err := edf.ReadHeaderFile(path)
	if err != nil {
		return nil, err
	}
	if unknown := sel.Unknown(h.Labels()); len(unknown) > 0 {
		return nil, &InvalidSelectionError{Err: errors.New("unknown channels"), Unknown: unknown}
	}
	sub, err := o.enqueue(ctx, log, path, sel, req.UploadID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.UploadID != "" && sub.Created {
		o.setProgress(ctx, log, req.UploadID, progress.Processing)
	}
	return sub, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, log *slog.Logger, path string, sel edf.Selection, uploadID, sessionID string) (*Submission, error) {
	unlock, err := o.locks.Lock(ctx, "artifact:"+path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	filename := filepath.Base(path)
	id, created, err := o.queue.EnqueueUnique(ctx, path, jobqueue.Params{
		UploadID:  uploadID,
		Filename:  filename,
		Selection: sel,
	}, o.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	log = log.With("job_id", id)
	if created {
		log.Info("job enqueued", "path", path, "channels", sel.Summary())
		o.events.Record(ctx, observability.Event{
			Type: observability.EventJobEnqueued, UploadID: uploadID, JobID: id,
			Detail: filename, Success: true,
		})
	} else {
		log.Info("active job reused", "path", path)
	}

	if o.sessions != nil && sessionID != "" {
		entries, err := o.sessions.List(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: session %v", ErrEnqueueFailed, err)
		}
		known := slices.ContainsFunc(entries, func(e session.Entry) bool { return e.JobID == id })
		if !known {
			if err := o.sessions.Add(ctx, sessionID, session.Entry{Filename: filename, JobID: id}); err != nil {
				return nil, fmt.Errorf("%w: session %v", ErrEnqueueFailed, err)
			}
		}
	}
	return &Submission{JobID: id, Filename: filename, Created: created}, nil
}

// Poll reconciles the session's job list with the queue and stores the
// reconciled list back.
func (o *Orchestrator) Poll(ctx context.Context, sessionID string) ([]session.JobStatus, bool, error) {
	if o.sessions == nil {
		return nil, false, errors.New("orchestrator: no session store")
	}
	entries, err := o.sessions.List(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	statuses, updated, allTerminal, err := session.PollSession(ctx, o.queue, entries)
	if err != nil {
		return nil, false, err
	}
	if err := o.sessions.Replace(ctx, sessionID, updated); err != nil {
		return nil, false, err
	}
	return statuses, allTerminal, nil
}

// Entries returns the session's job list without touching the queue.
func (o *Orchestrator) Entries(ctx context.Context, sessionID string) ([]session.Entry, error) {
	if o.sessions == nil {
		return nil, nil
	}
	return o.sessions.List(ctx, sessionID)
}
