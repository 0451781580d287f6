package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/edfpipe/chunkstore"
	"github.com/hazyhaar/edfpipe/jobqueue"
	"github.com/hazyhaar/edfpipe/observability"
	"github.com/hazyhaar/edfpipe/progress"
	"github.com/hazyhaar/edfpipe/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the processing pool, its heartbeat and the janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency > 0 {
				a.cfg.Worker.Concurrency = concurrency
			}
			ctx, stop := signalContext()
			defer stop()

			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			tracker, purger, closeTracker, err := a.tracker(db)
			if err != nil {
				return err
			}
			defer closeTracker()
			chunks, _, err := a.chunkStore()
			if err != nil {
				return err
			}
			err = a.runWorkers(ctx, db, a.queue(db), tracker, purger, chunks, observability.NewEventLog(db))
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of executors (overrides config)")
	return cmd
}

// runWorkers runs the pool, the heartbeat writer and the janitor until ctx
// is cancelled.
func (a *app) runWorkers(ctx context.Context, db *sql.DB, q *jobqueue.Queue, tracker progress.Tracker,
	purger worker.Purger, chunks *chunkstore.Store, events *observability.EventLog) error {
	proc, err := a.processor()
	if err != nil {
		return err
	}
	arch, err := a.archiver(ctx)
	if err != nil {
		return err
	}

	pool := worker.NewPool(q, proc, worker.Options{
		Concurrency:  a.cfg.Worker.Concurrency,
		PollInterval: a.cfg.Queue.PollInterval,
		Progress:     tracker,
		Events:       events,
		Archive:      arch,
		Logger:       a.log,
	})
	hb := observability.NewHeartbeatWriter(db, a.cfg.Worker.Name, a.cfg.Worker.HeartbeatInterval, pool.InFlight)
	jan := a.janitor(db, q, chunks, purger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hb.Run(gctx)
		return nil
	})
	g.Go(func() error {
		jan.Run(gctx, a.cfg.Maintenance.Interval)
		return nil
	})
	start := time.Now()
	err = g.Wait()
	a.log.Info("worker: stopped", "uptime", time.Since(start).Round(time.Second))
	return err
}
