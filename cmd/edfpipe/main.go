// Command edfpipe runs the EDF upload pipeline: the HTTP front end, the
// processing workers and the maintenance tasks, all sharing one SQLite
// database and, optionally, a Redis progress store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/edfpipe/archive"
	"github.com/hazyhaar/edfpipe/assembler"
	"github.com/hazyhaar/edfpipe/chunkstore"
	"github.com/hazyhaar/edfpipe/config"
	"github.com/hazyhaar/edfpipe/dbopen"
	"github.com/hazyhaar/edfpipe/jobqueue"
	"github.com/hazyhaar/edfpipe/observability"
	"github.com/hazyhaar/edfpipe/processor"
	"github.com/hazyhaar/edfpipe/progress"
	"github.com/hazyhaar/edfpipe/session"
	"github.com/hazyhaar/edfpipe/shield"
	"github.com/hazyhaar/edfpipe/trace"
	"github.com/hazyhaar/edfpipe/worker"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand shares once the config is loaded.
type app struct {
	cfgPath  string
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "edfpipe",
		Short:         "Chunked EDF upload and sleep-scoring pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", os.Getenv("EDFPIPE_CONFIG"), "path to the YAML config file")

	root.AddCommand(
		newServeCmd(a),
		newWorkerCmd(a),
		newPurgeCmd(a),
		newMaintenanceCmd(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	level, err := observability.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log, a.closeLog = observability.SetupLogger(cfg.Log.File, level)
	slog.SetDefault(a.log)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) openDB() (*sql.DB, error) {
	opts := []dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(
			jobqueue.Schema,
			progress.Schema,
			session.Schema,
			observability.Schema,
			shield.Schema,
		),
	}
	if a.cfg.Log.SQLTrace {
		trace.Configure(a.log, a.cfg.Log.SlowQuery)
		opts = append(opts, dbopen.WithTrace())
	}
	db, err := dbopen.Open(a.cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", a.cfg.DBPath, err)
	}
	return db, nil
}

func (a *app) queue(db *sql.DB) *jobqueue.Queue {
	return jobqueue.New(db, jobqueue.Options{
		Queue:          a.cfg.Queue.Name,
		Visibility:     a.cfg.Queue.Visibility,
		DefaultTimeout: a.cfg.Queue.JobTimeout,
		ResultTTL:      a.cfg.Queue.ResultTTL,
		Logger:         a.log,
	})
}

// tracker opens the configured progress store. purger is non-nil only for
// stores that need sweeping; Redis expires keys on its own.
func (a *app) tracker(db *sql.DB) (t progress.Tracker, purger worker.Purger, closeFn func(), err error) {
	switch a.cfg.Progress.Backend {
	case "redis":
		var client *redis.Client
		client, err = progress.DialRedis(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis %s: %w", a.cfg.Redis.Addr, err)
		}
		return progress.NewRedisTracker(client, a.cfg.Progress.TTL), nil, func() { client.Close() }, nil
	default:
		st := progress.NewSQLiteTracker(db)
		return st, st, func() {}, nil
	}
}

func (a *app) chunkStore() (*chunkstore.Store, *assembler.Assembler, error) {
	chunks, err := chunkstore.New(a.cfg.ChunksDir)
	if err != nil {
		return nil, nil, err
	}
	asm, err := assembler.New(chunks, a.cfg.UploadDir)
	if err != nil {
		return nil, nil, err
	}
	return chunks, asm, nil
}

// processor picks the external scorer when one is configured, the built-in
// report otherwise.
func (a *app) processor() (processor.Processor, error) {
	if err := os.MkdirAll(a.cfg.ProcessedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create processed dir: %w", err)
	}
	if a.cfg.Processor.Command == "" {
		a.log.Info("processor: built-in report", "out_dir", a.cfg.ProcessedDir)
		return processor.NewReportProcessor(a.cfg.ProcessedDir, a.cfg.Processor.EpochSeconds), nil
	}
	a.log.Info("processor: external command", "command", a.cfg.Processor.Command, "out_dir", a.cfg.ProcessedDir)
	return &processor.ExecProcessor{
		Command:      a.cfg.Processor.Command,
		Args:         a.cfg.Processor.Args,
		OutDir:       a.cfg.ProcessedDir,
		EpochSeconds: a.cfg.Processor.EpochSeconds,
		Logger:       a.log,
	}, nil
}

func (a *app) archiver(ctx context.Context) (*archive.Archiver, error) {
	return archive.FromConfig(ctx, a.cfg.Archive.Targets, a.log)
}

func (a *app) janitor(db *sql.DB, q *jobqueue.Queue, chunks *chunkstore.Store, purger worker.Purger) *worker.Janitor {
	return &worker.Janitor{
		Queue:         q,
		Chunks:        chunks,
		Sessions:      session.NewStore(db),
		UploadDir:     a.cfg.UploadDir,
		DB:            db,
		Progress:      purger,
		OverdueGrace:  a.cfg.Queue.Visibility,
		OrphanMaxAge:  a.cfg.Maintenance.OrphanMaxAge,
		SessionMaxAge: a.cfg.Maintenance.SessionMaxAge,
		ProgressTTL:   a.cfg.Progress.TTL,
		Retention: observability.RetentionConfig{
			EventDays:     a.cfg.Maintenance.EventDays,
			HeartbeatDays: a.cfg.Maintenance.HeartbeatDays,
		},
		Logger: a.log,
	}
}
