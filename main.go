// Package main runs the forum address scanner and mention notifier.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"forumwatch/aggregate"
	"forumwatch/checkpoint"
	"forumwatch/config"
	"forumwatch/notify"
	"forumwatch/postgres"
	"forumwatch/scan"
	"forumwatch/server"
	"forumwatch/storage"
	"forumwatch/sweep"
	"forumwatch/telegram"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "forumwatch",
		Short:         "Index payment addresses in forum posts and notify mentioned users",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	serve := serveCmd(&configPath)
	root.AddCommand(serve)
	root.AddCommand(scanCmd(&configPath))
	root.AddCommand(sweepCmd(&configPath))

	// Default to serve, as the container entrypoint runs without arguments.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	var triggerOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the scan and sweep loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(triggerOnly)
		},
	}
	cmd.Flags().BoolVar(&triggerOnly, "trigger-only", false, "Only run jobs when /scanz or /sweepz is called")
	return cmd
}

func scanCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one address scan cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.scanner.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one notification sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.sweeper.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			outcomes := make(map[string]int, len(res.Outcomes))
			for o, n := range res.Outcomes {
				outcomes[o.String()] = n
			}
			return printJSON(cmd, map[string]any{
				"posts":    res.Posts,
				"pairs":    res.Pairs,
				"marked":   res.Marked,
				"outcomes": outcomes,
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// app holds the wired components.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *postgres.Repository
	scanner *scan.Coordinator
	sweeper *sweep.Sweeper
	closers []func() error
}

func setup(ctx context.Context, configPath string) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_ = godotenv.Load(".env")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	repo, err := postgres.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	a.repo = repo
	a.closers = append(a.closers, repo.Close)
	logger.Info("Connected to database")

	var store checkpoint.Store
	if cfg.Redis.Addr == "" {
		logger.Info("No Redis address set, keeping checkpoints in memory")
		store = checkpoint.NewMemory()
	} else {
		client, err := checkpoint.Connect(ctx, checkpoint.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return err
		}
		rs := checkpoint.NewRedis(client, logger)
		a.closers = append(a.closers, rs.Close)
		store = rs
	}

	subscribers, err := a.subscriberStore(ctx)
	if err != nil {
		return err
	}

	var transport notify.Transport
	if cfg.MockTelegram() {
		logger.Info("Mock Telegram mode enabled (no TELEGRAM_TOKEN)")
		transport = telegram.NewMock(logger)
	} else {
		transport = telegram.New(telegram.Config{
			Token: cfg.Telegram.Token,
			RPS:   cfg.Telegram.RPS,
		}, logger)
	}

	a.scanner = scan.New(scan.Config{
		Key:       cfg.Scan.CheckpointKey,
		BatchSize: cfg.Scan.BatchSize,
		Timeout:   cfg.Scan.Timeout,
		TTL:       cfg.Scan.CheckpointTTL,
	}, repo, repo, aggregate.New(repo, logger), store, logger)

	dispatcher := notify.New(&notify.Config{
		Directory:   subscribers,
		Posts:       repo,
		Transport:   transport,
		Logger:      logger,
		IsNotFound:  storage.IsNotFound,
		SendTimeout: cfg.Telegram.SendTimeout,
	})

	a.sweeper = sweep.New(sweep.Config{
		Window:      cfg.Sweep.Window,
		Limit:       cfg.Sweep.Limit,
		Concurrency: cfg.Sweep.Concurrency,
		Timeout:     cfg.Sweep.Timeout,
	}, repo, subscribers, dispatcher, nil, logger)

	return nil
}

func (a *app) subscriberStore(ctx context.Context) (*storage.Store, error) {
	cfg, logger := a.cfg, a.logger

	if cfg.Storage.LocalPath != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.Storage.LocalPath)
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", cfg.Storage.LocalPath, logger), nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize storage client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return storage.New(client, cfg.Storage.Bucket, "", logger), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

func (a *app) serve(triggerOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	wait := func() {}
	if !triggerOnly {
		wait = runLoops(ctx,
			func(ctx context.Context) { a.scanner.Run(ctx, a.cfg.Scan.Interval) },
			func(ctx context.Context) { a.sweeper.Run(ctx, a.cfg.Sweep.Interval) },
		)
	}

	srv := server.New(&server.Config{
		Scanner: a.scanner,
		Sweeper: a.sweeper,
		Ready:   a.repo,
		Logger:  a.logger,
		Port:    a.cfg.Port,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case sig := <-sigCh:
		a.logger.Info("Received signal, shutting down", "signal", sig.String())
	case serveErr = <-errCh:
		if serveErr != nil {
			a.logger.Error("Server failed", "error", serveErr)
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Error shutting down HTTP server", "error", err)
	}

	// Connections are closed by the caller once in-flight cycles finish.
	wait()
	a.logger.Info("Background loops stopped")
	return serveErr
}

// runLoops starts each loop in its own goroutine and returns a function that
// blocks until all of them have returned.
func runLoops(ctx context.Context, loops ...func(context.Context)) (wait func()) {
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	return wg.Wait
}
