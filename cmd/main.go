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

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tinoosan/titan/internal/broadcast"
	"github.com/tinoosan/titan/internal/config"
	"github.com/tinoosan/titan/internal/dispatcher"
	"github.com/tinoosan/titan/internal/downloader"
	"github.com/tinoosan/titan/internal/downloader/httprange"
	"github.com/tinoosan/titan/internal/logging"
	"github.com/tinoosan/titan/internal/metrics"
	"github.com/tinoosan/titan/internal/notify"
	"github.com/tinoosan/titan/internal/repo"
	"github.com/tinoosan/titan/internal/resolver"
	"github.com/tinoosan/titan/internal/router"
	"github.com/tinoosan/titan/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "titan:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	lg, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer lg.Close()
	logger := lg.Logger
	if f := cfg.File(); f != "" {
		logger.Info("loaded config file", "path", f)
	}

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	metrics.Register()

	client := httprange.NewClient(cfg.HTTP.ConnectTimeout, cfg.HTTP.ReadTimeout)
	res := resolver.New(resolver.Options{
		FinalDir: cfg.Downloader.FinalDir,
		TempDir:  cfg.Downloader.TempDir,
		Policy:   resolver.ParseCollisionPolicy(cfg.Downloader.CollisionPolicy),
		Client:   client,
		Logger:   logger,
	})
	strategies := downloader.Strategies{
		HTTP: httprange.New(httprange.Options{
			Client:   client,
			Interval: cfg.Downloader.ProgressInterval,
			Logger:   logger,
		}),
	}

	d := dispatcher.New(dispatcher.Options{
		Repo:          store,
		Resolver:      res,
		Strategies:    strategies,
		Runner:        worker.New(logger),
		Hub:           broadcast.NewHub(),
		Logger:        logger,
		MaxConcurrent: cfg.Downloader.MaxConcurrent,
		FlushInterval: cfg.Downloader.FlushInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	cfg.Watch(func(next *config.Config) {
		if err := d.UpdateConfig(next.Downloader.MaxConcurrent); err != nil {
			logger.Warn("ignoring config change", "err", err)
		}
	}, func(err error) {
		logger.Warn("invalid config change", "err", err)
	})

	server := router.NewServer(cfg.Server.Addr, router.New(logger, d, store, cfg.API.Token))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting titan API", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return notify.Run(gctx, d.Subscribe(64), notify.NewLogProvider(logger))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, d.Stop(stopCtx))
}

// openStore opens the task repository selected by cfg.Driver.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (repo.TaskRepo, error) {
	switch cfg.Driver {
	case "sqlite":
		return repo.OpenSQLite(cfg.SQLitePath, logger)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return repo.NewPostgresRepoFromEnv()
		}
		return repo.NewPostgresRepo(cfg.PostgresDSN)
	case "memory":
		logger.Warn("using in-memory store; tasks will not survive a restart")
		return repo.NewInMemoryTaskRepo(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
