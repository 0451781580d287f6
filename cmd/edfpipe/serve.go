package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/edfpipe/observability"
	"github.com/hazyhaar/edfpipe/orchestrator"
	"github.com/hazyhaar/edfpipe/server"
	"github.com/hazyhaar/edfpipe/session"
	"github.com/hazyhaar/edfpipe/shield"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload, status and download endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Listen = listen
			}
			ctx, stop := signalContext()
			defer stop()
			return a.serve(ctx, withWorker)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run a worker pool in this process")
	return cmd
}

func (a *app) serve(ctx context.Context, withWorker bool) error {
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

	chunks, asm, err := a.chunkStore()
	if err != nil {
		return err
	}
	q := a.queue(db)
	events := observability.NewEventLog(db)

	orch, err := orchestrator.New(orchestrator.Options{
		Chunks:     chunks,
		Assembler:  asm,
		Progress:   tracker,
		Queue:      q,
		Sessions:   session.NewStore(db),
		Events:     events,
		JobTimeout: a.cfg.Queue.JobTimeout,
		Logger:     a.log,
	})
	if err != nil {
		return err
	}

	if len(a.cfg.RateLimits) > 0 {
		rules := make(map[string]shield.RateLimitConfig, len(a.cfg.RateLimits))
		for _, rl := range a.cfg.RateLimits {
			rules[rl.Endpoint] = shield.RateLimitConfig{MaxRequests: rl.MaxRequests, Window: rl.Window, Enabled: true}
		}
		if err := shield.SeedRules(ctx, db, rules); err != nil {
			return err
		}
	}

	srv := server.New(server.Options{
		Orchestrator:   orch,
		Queue:          q,
		DB:             db,
		ProcessedDir:   a.cfg.ProcessedDir,
		MaxBody:        a.cfg.MaxContentBytes(),
		CookieName:     a.cfg.Session.CookieName,
		CookieSecure:   a.cfg.Session.CookieSecure,
		WorkerName:     a.cfg.Worker.Name,
		HeartbeatStale: 3 * a.cfg.Worker.HeartbeatInterval,
		Logger:         a.log,
	})
	srv.StartReloaders(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, a.cfg.Listen) })
	if withWorker {
		g.Go(func() error { return a.runWorkers(gctx, db, q, tracker, purger, chunks, events) })
	}
	err = g.Wait()
	if ctx.Err() != nil {
		a.log.Info("serve: stopped")
		return nil
	}
	return err
}
