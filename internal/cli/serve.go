package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/techconnect/boardflow/internal/config"
	"github.com/techconnect/boardflow/internal/db"
	"github.com/techconnect/boardflow/internal/detector"
	"github.com/techconnect/boardflow/internal/github"
	"github.com/techconnect/boardflow/internal/orchestrator"
	"github.com/techconnect/boardflow/internal/pipeline"
	"github.com/techconnect/boardflow/internal/scheduler"
	"github.com/techconnect/boardflow/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the boardflow daemon",
	Long: `Run the polling daemon: it re-evaluates every tracked issue on an interval,
advances the pipeline on completion signals, and serves the HTTP API the
other boardflow commands use.

A GitHub token is read from the GITHUB_TOKEN environment variable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "config: %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}

		token := os.Getenv("GITHUB_TOKEN")
		if token == "" {
			return fmt.Errorf("GITHUB_TOKEN is not set")
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		database, err := db.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		store := pipeline.NewStore(cfg.Store.MaxSize, dur(cfg.Store.Retention))
		if cfg.Store.SnapshotPath != "" {
			n, err := store.LoadSnapshot(cfg.Store.SnapshotPath)
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			if n > 0 {
				logger.Info("snapshot restored", "path", cfg.Store.SnapshotPath, "records", n)
			}
		}

		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		gh := github.NewREST(ctx, ts, cfg.Board.StatusPrefix)
		det := detector.New(gh, cfg.Detector.MaxPages, logger)

		backoff, err := config.ParseBackoff(cfg.Retry.Backoff, cfg.Retry.MaxAttempts)
		if err != nil {
			return fmt.Errorf("retry backoff: %w", err)
		}
		statuses := make(map[pipeline.Stage]string, len(cfg.Board.Statuses))
		for stage, label := range cfg.Board.Statuses {
			statuses[pipeline.Stage(stage)] = label
		}
		orch := orchestrator.New(store, det, gh, database, orchestrator.Options{
			Agent:    cfg.Agent.Login,
			Reviewer: cfg.Agent.Reviewer,
			Statuses: statuses,
			Backoff:  backoff,
			RetryCap: cfg.Retry.MaxAttempts,
		}, logger)

		sched := scheduler.New(store, orch, gh, scheduler.Options{
			Interval:       dur(cfg.Poll.Interval),
			Jitter:         dur(cfg.Poll.Jitter),
			Workers:        cfg.Poll.Workers,
			EvalTimeout:    dur(cfg.Poll.EvalTimeout),
			RateLimitFloor: cfg.Poll.RateLimitFloor,
			CooldownBase:   dur(cfg.Retry.CooldownBase),
			CooldownMax:    dur(cfg.Retry.CooldownMax),
		}, logger)

		addr := daemonAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		srv := web.NewServer(addr, store, orch, sched, database, gh, logger)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sched.Run(ctx) })
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shCtx)
		})
		err = g.Wait()

		if cfg.Store.SnapshotPath != "" {
			if serr := store.SaveSnapshot(cfg.Store.SnapshotPath); serr != nil {
				logger.Error("snapshot save failed", "path", cfg.Store.SnapshotPath, "error", serr)
			}
		}
		return err
	},
}

// dur parses a config duration that Validate has already checked.
func dur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
