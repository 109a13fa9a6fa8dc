package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheJokr/chatload/internal/enricher"
	"github.com/TheJokr/chatload/pkg/config"
	"github.com/TheJokr/chatload/pkg/eveapi"
	"github.com/TheJokr/chatload/pkg/logger"
	"github.com/TheJokr/chatload/pkg/runlock"
	"github.com/TheJokr/chatload/pkg/server"
	"github.com/TheJokr/chatload/pkg/storage"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:           "enricher",
		Short:         "Resolve stale characters against the EVE API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("interval") {
				cfg.Enricher.Interval = interval
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Repeat the run at this interval instead of exiting")
	return cmd
}

func run(cfg *config.AppConfig) error {
	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName + "-enricher",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	locker, closeLock, err := newLocker(cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLock()

	store, err := storage.Connect(ctx, storage.PostgresConfig{
		URI:             cfg.Postgres.URI,
		MinConns:        int32(cfg.Postgres.MinConns),
		MaxConns:        int32(cfg.Postgres.MaxConns),
		ConnectAttempts: cfg.Postgres.ConnectAttempts,
	}, l.Named("storage"))
	if err != nil {
		l.Error("failed to connect to postgres", err)
		return err
	}
	defer store.Close()

	client := eveapi.New(eveapi.Config{
		BaseURL:            cfg.EVEAPI.BaseURL,
		UserAgent:          cfg.EVEAPI.UserAgent,
		NameTimeout:        cfg.EVEAPI.NameTimeout,
		AffiliationTimeout: cfg.EVEAPI.AffiliationTimeout,
	})

	svc := enricher.NewService(l.Named("enricher"), store, client, enricher.Options{
		ChunkSize:  cfg.Enricher.ChunkSize,
		StaleAfter: cfg.Enricher.StaleAfter,
		ChunkDelay: cfg.Enricher.ChunkDelay,
	})

	if cfg.Enricher.Interval <= 0 {
		_, err := svc.RunLocked(ctx, locker)
		if errors.Is(err, runlock.ErrLocked) {
			l.Info("another enrichment run holds the lock, exiting")
			return nil
		}
		if err != nil {
			l.Error("enrichment run failed", err)
		}
		return err
	}

	obsServer := server.New(cfg.Enricher.MetricsAddr, l, map[string]server.ReadinessCheck{
		"postgres": store.Ping,
	})
	go func() {
		if err := obsServer.Start(); err != nil {
			l.Error("observability server failed", err)
		}
	}()

	l.Info("enricher running periodically", zap.Duration("interval", cfg.Enricher.Interval))
	if err := svc.RunEvery(ctx, cfg.Enricher.Interval, locker); err != nil && !errors.Is(err, context.Canceled) {
		l.Error("enricher stopped", err)
	}
	l.Info("enricher stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	obsServer.Shutdown(shutdownCtx)
	return nil
}

// newLocker builds the configured run lock. The returned close func frees
// backend resources, not the lock itself.
func newLocker(cfg config.LockConfig) (runlock.Locker, func(), error) {
	switch cfg.Backend {
	case "file":
		return runlock.NewFileLock(cfg.Path), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return runlock.NewRedisLock(client, cfg.Key, cfg.TTL), func() { client.Close() }, nil
	case "none", "":
		return runlock.Noop{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
