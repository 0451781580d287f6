// Package worker drains the job queue with a bounded pool of executors.
//
// Each executor claims a message, marks the job Running, runs the processor
// under the job's timeout and records the outcome. While a job runs its
// message deadline is pushed forward, so a message only reappears when its
// executor died. Such a job is failed, never run twice.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/edfpipe/archive"
	"github.com/hazyhaar/edfpipe/jobqueue"
	"github.com/hazyhaar/edfpipe/kit"
	"github.com/hazyhaar/edfpipe/observability"
	"github.com/hazyhaar/edfpipe/processor"
	"github.com/hazyhaar/edfpipe/progress"
)

// ReasonExecutorLost is the failure recorded for a redelivered job.
const ReasonExecutorLost = "executor lost before the job finished"

// Options configures a Pool.
type Options struct {
	// Concurrency is the number of executors. Default: 1.
	Concurrency int
	// PollInterval is the claim tick. Default: 1s.
	PollInterval time.Duration
	// Progress receives the processing-phase progress of jobs that carry an
	// upload ID. Optional.
	Progress progress.Tracker
	// Events records job outcomes. Optional.
	Events *observability.EventLog
	// Archive mirrors finished artifacts. Optional.
	Archive *archive.Archiver
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pool is a set of executors over one queue.
type Pool struct {
	queue    *jobqueue.Queue
	proc     processor.Processor
	opts     Options
	inFlight atomic.Int64
}

// NewPool returns a pool running proc for jobs of q.
func NewPool(q *jobqueue.Queue, proc processor.Processor, opts Options) *Pool {
	opts.defaults()
	return &Pool{queue: q, proc: proc, opts: opts}
}

// InFlight is the number of jobs currently executing.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Run claims and executes jobs until ctx is cancelled, then waits for the
// executors to return.
func (p *Pool) Run(ctx context.Context) {
	log := p.opts.Logger
	log.Info("worker: pool started",
		"queue", p.queue.Name(),
		"concurrency", p.opts.Concurrency,
		"visibility", p.queue.Visibility(),
		"poll", p.opts.PollInterval,
	)

	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: pool stopping, draining executors", "queue", p.queue.Name())
			wg.Wait()
			log.Info("worker: pool stopped", "queue", p.queue.Name())
			return
		case <-ticker.C:
			free := p.opts.Concurrency - len(sem)
			if free <= 0 {
				continue
			}
			deliveries, err := p.queue.BatchClaim(ctx, free)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Warn("worker: claim failed", "error", err, "queue", p.queue.Name())
				continue
			}
			for i, d := range deliveries {
				if ctx.Err() != nil {
					p.release(deliveries[i:])
					break
				}
				// At most free deliveries were claimed, so this never blocks.
				sem <- struct{}{}
				wg.Add(1)
				go func(d *jobqueue.Delivery) {
					defer wg.Done()
					defer func() { <-sem }()
					p.Execute(ctx, d)
				}(d)
			}
		}
	}
}

// release hands claimed but unstarted messages back to the queue.
func (p *Pool) release(ds []*jobqueue.Delivery) {
	ctx := context.Background()
	for _, d := range ds {
		if err := p.queue.Release(ctx, d.Job.ID); err != nil {
			p.opts.Logger.Warn("worker: release failed", "job_id", d.Job.ID, "error", err)
		}
	}
}

// Execute runs one delivery to a terminal state. Outcome writes use a
// context detached from ctx so a shutdown still records them.
func (p *Pool) Execute(ctx context.Context, d *jobqueue.Delivery) {
	job := d.Job
	ctx = kit.WithJobID(ctx, job.ID)
	if job.Params.UploadID != "" {
		ctx = kit.WithUploadID(ctx, job.Params.UploadID)
	}
	log := kit.Logger(ctx, p.opts.Logger)
	bg := context.WithoutCancel(ctx)

	if d.Redelivered() {
		log.Warn("worker: redelivered job, failing it", "attempts", d.Attempts)
		p.fail(bg, log, job, ReasonExecutorLost)
		return
	}
	if err := p.queue.Start(bg, job.ID); err != nil {
		if errors.Is(err, jobqueue.ErrNotActive) {
			log.Warn("worker: job no longer queued, dropping message")
			if err := p.queue.Drop(bg, job.ID); err != nil {
				log.Warn("worker: drop failed", "error", err)
			}
			return
		}
		log.Error("worker: start failed", "error", err)
		if err := p.queue.Release(bg, job.ID); err != nil {
			log.Warn("worker: release failed", "error", err)
		}
		return
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	p.setProgress(bg, log, job, progress.Processing)
	log.Info("worker: job started", "artifact", job.ArtifactPath, "timeout", job.Timeout)
	start := time.Now()

	stopBeat := p.heartbeat(ctx, log, job.ID)
	res, err := p.run(ctx, job)
	stopBeat()

	if err != nil {
		log.Warn("worker: job failed", "error", err, "duration", time.Since(start))
		p.fail(bg, log, job, err.Error())
		return
	}

	paths := res.Paths()
	if err := p.queue.Finish(bg, job.ID, paths); err != nil {
		log.Error("worker: finish failed", "error", err)
		return
	}
	p.setProgress(bg, log, job, progress.Done)
	p.opts.Events.Record(bg, observability.Event{
		Type: observability.EventJobFinished, UploadID: job.Params.UploadID, JobID: job.ID,
		Detail: job.Params.Filename, Success: true,
	})
	log.Info("worker: job finished", "results", paths, "duration", time.Since(start))

	if p.opts.Archive.Enabled() {
		err := p.opts.Archive.Mirror(bg, job.ID, paths)
		detail := fmt.Sprint(p.opts.Archive.Names())
		if err != nil {
			log.Warn("worker: archive failed", "error", err)
			detail = err.Error()
		}
		p.opts.Events.Record(bg, observability.Event{
			Type: observability.EventJobArchived, UploadID: job.Params.UploadID, JobID: job.ID,
			Detail: detail, Success: err == nil,
		})
	}
}

// run calls the processor under the job timeout. It returns as soon as the
// timeout fires or ctx is cancelled, even if the processor ignores its
// context, so the executor is freed.
func (p *Pool) run(ctx context.Context, job *jobqueue.Job) (processor.Result, error) {
	jctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	type outcome struct {
		res processor.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		res, err := p.proc.Process(jctx, job.ArtifactPath, job.Params.Selection)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(jctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return processor.Result{}, fmt.Errorf("job exceeded its timeout of %s", job.Timeout)
		}
		return o.res, o.err
	case <-jctx.Done():
		if ctx.Err() != nil {
			return processor.Result{}, errors.New("worker shut down while the job was running")
		}
		return processor.Result{}, fmt.Errorf("job exceeded its timeout of %s", job.Timeout)
	}
}

// heartbeat keeps the job's message hidden while it runs.
func (p *Pool) heartbeat(ctx context.Context, log *slog.Logger, id string) (stop func()) {
	vis := p.queue.Visibility()
	every := vis / 3
	if every <= 0 {
		every = time.Second
	}
	hctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
				if err := p.queue.Extend(hctx, id, vis); err != nil && hctx.Err() == nil {
					log.Warn("worker: extend failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, job *jobqueue.Job, reason string) {
	if err := p.queue.Fail(ctx, job.ID, reason); err != nil {
		if errors.Is(err, jobqueue.ErrNotActive) {
			log.Info("worker: job already terminal")
			_ = p.queue.Drop(ctx, job.ID)
			return
		}
		log.Error("worker: recording failure failed", "error", err)
		return
	}
	p.setProgress(ctx, log, job, progress.Reset)
	p.opts.Events.Record(ctx, observability.Event{
		Type: observability.EventJobFailed, UploadID: job.Params.UploadID, JobID: job.ID,
		Detail: reason, Success: false,
	})
}

func (p *Pool) setProgress(ctx context.Context, log *slog.Logger, job *jobqueue.Job, rec progress.Record) {
	if p.opts.Progress == nil || job.Params.UploadID == "" {
		return
	}
	if err := p.opts.Progress.Set(ctx, job.Params.UploadID, rec); err != nil {
		log.Warn("worker: progress update failed", "error", err, "progress", rec.Percent)
	}
}
