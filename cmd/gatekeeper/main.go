package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jogman/gatekeeper/internal/cascade"
	"github.com/jogman/gatekeeper/internal/comments"
	"github.com/jogman/gatekeeper/internal/config"
	"github.com/jogman/gatekeeper/internal/dispatch"
	"github.com/jogman/gatekeeper/internal/gate"
	"github.com/jogman/gatekeeper/internal/gitrepo"
	"github.com/jogman/gatekeeper/internal/host"
	"github.com/jogman/gatekeeper/internal/host/bitbucket"
	"github.com/jogman/gatekeeper/internal/host/github"
	"github.com/jogman/gatekeeper/internal/jira"
	"github.com/jogman/gatekeeper/internal/mergequeue"
	"github.com/jogman/gatekeeper/internal/statuscache"
	"github.com/jogman/gatekeeper/internal/store/pg"
	"github.com/jogman/gatekeeper/internal/web"
	"github.com/jogman/gatekeeper/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHostClient(cfg *config.Settings) (host.Client, error) {
	switch cfg.RepositoryHost {
	case "bitbucket":
		return bitbucket.New("", cfg.RepositoryOwner, cfg.RepositorySlug,
			cfg.Robot.Username, cfg.Server.HostToken), nil
	case "github":
		if cfg.Server.GitHubAppID != 0 {
			return github.NewApp(cfg.RepositoryOwner, cfg.RepositorySlug, cfg.Robot.Username,
				cfg.Server.GitHubAppID, cfg.Server.GitHubInstallationID, cfg.Server.GitHubAppKeyPath)
		}
		return github.New(cfg.RepositoryOwner, cfg.RepositorySlug,
			cfg.Robot.Username, cfg.Server.HostToken), nil
	case "mock":
		return host.NewMock(cfg.RepositoryOwner, cfg.RepositorySlug, cfg.Robot.Username), nil
	default:
		return nil, fmt.Errorf("unknown repository host %q", cfg.RepositoryHost)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the settings file")
	evalPR := flag.Int64("eval", 0, "evaluate one pull request, print the result and exit with its code")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.Server.LogLevel),
	})))
	log := slog.Default()

	slog.Info("starting gatekeeper",
		"repository", cfg.FullName(),
		"host", cfg.RepositoryHost,
		"listen", cfg.Server.ListenAddr,
		"timer_interval", cfg.Server.TimerInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newHostClient(cfg)
	if err != nil {
		return err
	}

	repo, err := gitrepo.NewLocal(ctx, cfg.Server.GitCacheDir, cfg.CloneURL,
		cfg.Robot.Username, cfg.Robot.Email)
	if err != nil {
		return fmt.Errorf("init git mirror: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Warn("worktree cleanup failed", "error", err)
		}
	}()

	notifier, err := comments.New(client, cfg.Robot.Username)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}

	var tracker jira.Tracker
	if cfg.Jira.URL != "" {
		tracker = jira.New(cfg.Jira.URL, cfg.Jira.User, cfg.Jira.Token)
	}

	cache := statuscache.New(0)
	engine := cascade.New(repo, client, cfg, log)
	queue := mergequeue.New(repo, client, cache, cfg.BuildKey, log)

	// Queue state lives in q/ refs only; rebuild it before anything else
	// runs.
	if err := queue.Recover(ctx); err != nil {
		return fmt.Errorf("recover merge queue: %w", err)
	}

	handler := gate.NewHandler(cfg, client, repo, tracker, cache, notifier, engine, queue, log)

	if *evalPR != 0 {
		verdict, err := handler.HandlePullRequest(ctx, *evalPR)
		if err != nil {
			return fmt.Errorf("evaluate pull request %d: %w", *evalPR, err)
		}
		fmt.Printf("%d %s\n", int(verdict.Code), verdict.Code)
		os.Exit(int(verdict.Code))
	}

	var jobLog dispatch.Log
	if cfg.Server.DatabaseURL != "" {
		pool, err := pg.Connect(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		jobLog = pg.NewJobLog(pool)
	} else {
		slog.Warn("no database configured, job history will not survive restarts")
		jobLog = dispatch.NewMemoryLog(0)
	}

	dispatcher := dispatch.New(handler, jobLog, log)

	mux := http.NewServeMux()
	hook := &webhook.Server{
		User:       cfg.Server.WebhookUser,
		Password:   cfg.Server.WebhookPassword,
		Owner:      cfg.RepositoryOwner,
		Slug:       cfg.RepositorySlug,
		BuildKey:   cfg.BuildKey,
		Dispatcher: dispatcher,
		Cache:      cache,
		Log:        log,
	}
	hook.Register(mux)

	statusMux := web.NewMux(&web.Deps{
		Repo:            cfg.FullName(),
		Queue:           queue,
		Jobs:            jobLog,
		RefreshInterval: 10,
	})
	mux.Handle("/", statusMux)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	g.Go(func() error {
		return dispatcher.RunTimer(gctx, cfg.Server.TimerInterval)
	})

	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("shutdown complete")
	return nil
}
