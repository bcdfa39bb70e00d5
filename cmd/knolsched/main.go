package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/conorfennell/knolsched/internal/config"
	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/importer"
	"github.com/conorfennell/knolsched/internal/metrics"
	"github.com/conorfennell/knolsched/internal/reminder"
	"github.com/conorfennell/knolsched/internal/review"
	"github.com/conorfennell/knolsched/internal/storage"
	"github.com/conorfennell/knolsched/internal/web"
	"github.com/spf13/pflag"
)

const usage = `usage: knolsched [flags] [command]

commands:
  serve          import sources and serve the HTTP API (default)
  sync           import sources once and exit
  export [file]  write every deck, card and review event as JSON (stdout when no file)
  import <file>  replace the database contents with a JSON export

flags:
`

// app is everything a command needs, wired from the configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *storage.DB
	svc      *review.Service
	metrics  *metrics.Metrics
	importer *importer.Importer
}

func main() {
	flags := config.Flags("knolsched")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.Log.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, flags.Args()); err != nil {
		logger.Error("knolsched failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	a, err := open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.db.Close()

	switch cmd {
	case "serve":
		return a.serve(ctx)
	case "sync":
		a.sync(ctx)
		return nil
	case "export":
		return a.export(args)
	case "import":
		if len(args) != 1 {
			return errors.New("import needs exactly one file")
		}
		return a.restore(ctx, args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// open connects the database and loads its contents into a fresh service.
func open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := storage.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("database opened", "path", cfg.DB.Path)

	m := metrics.New()
	params := cfg.Scheduler
	svc := review.New(review.Config{
		Params:    &params,
		Queue:     cfg.Queue,
		Logger:    logger,
		Persister: db,
		Recorder:  m,
	})

	snap, err := db.LoadSnapshot(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := svc.Load(snap); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load stored state: %w", err)
	}
	logger.Info("state loaded", "decks", len(snap.Decks), "cards", len(snap.Cards), "events", len(snap.Events))

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		svc:      svc,
		metrics:  m,
		importer: importer.New(svc, db, cfg.Policy, cfg.Sources.ReposDir, logger),
	}, nil
}

func (a *app) sync(ctx context.Context) {
	if len(a.cfg.Sources.Paths) == 0 {
		a.logger.Info("no sources configured, add some with --sources.paths")
		return
	}
	for _, res := range a.importer.SyncAll(ctx, a.cfg.Sources.Paths) {
		a.logger.Info("source synced",
			"source", res.Source, "decks", res.Decks, "parsed", res.Parsed,
			"added", res.Added, "orphans", res.Orphans, "errors", len(res.Errors))
		for _, err := range res.Errors {
			a.logger.Warn("sync problem", "source", res.Source, "error", err)
		}
	}
}

func (a *app) serve(ctx context.Context) error {
	a.sync(ctx)

	if a.cfg.Reminder.Enabled {
		notifier := reminder.LogNotifier{Logger: a.logger}
		r := reminder.New(a.svc, notifier, a.metrics, a.cfg.Reminder.Horizon, a.logger)
		if err := r.Start(a.cfg.Reminder.Cron); err != nil {
			return err
		}
		defer r.Stop()
	}

	srv := &http.Server{
		Addr: a.cfg.HTTP.Addr,
		Handler: web.NewServer(web.Options{
			Service: a.svc,
			Syncer:  a.importer,
			Sources: a.cfg.Sources.Paths,
			Metrics: a.metrics,
			Logger:  a.logger,
		}),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) export(args []string) error {
	var w io.Writer = os.Stdout
	if len(args) > 0 {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer f.Close()
		w = f
	}
	snap := a.svc.Export()
	if err := snap.WriteJSON(w); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	a.logger.Info("exported", "decks", len(snap.Decks), "cards", len(snap.Cards), "events", len(snap.Events))
	return nil
}

// restore validates the export by loading it into the service before the
// database is replaced.
func (a *app) restore(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	snap, err := domain.ReadSnapshot(f)
	if err != nil {
		return err
	}
	if err := a.svc.Load(snap); err != nil {
		return err
	}
	if err := a.db.ReplaceSnapshot(ctx, snap); err != nil {
		return err
	}
	a.logger.Info("imported", "decks", len(snap.Decks), "cards", len(snap.Cards), "events", len(snap.Events))
	return nil
}
