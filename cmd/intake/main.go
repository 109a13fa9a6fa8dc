package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/TheJokr/chatload/internal/intake"
	"github.com/TheJokr/chatload/pkg/config"
	"github.com/TheJokr/chatload/pkg/logger"
	"github.com/TheJokr/chatload/pkg/server"
	"github.com/TheJokr/chatload/pkg/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "intake [port] | intake <host> <port>",
		Short:         "Accept character names submitted by chatload clients",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := applyListenArgs(&cfg.Intake, args); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	return cmd
}

// applyListenArgs overrides the configured listener with `[port]` or
// `<host> <port>`.
func applyListenArgs(c *config.IntakeConfig, args []string) error {
	var portArg string
	switch len(args) {
	case 0:
		return nil
	case 1:
		portArg = args[0]
	default:
		c.Host, portArg = args[0], args[1]
	}

	port, err := strconv.Atoi(portArg)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", portArg)
	}
	c.Port = port
	return nil
}

func run(cfg *config.AppConfig) error {
	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName + "-intake",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	obsServer := server.New(cfg.Intake.MetricsAddr, l, map[string]server.ReadinessCheck{
		"postgres": store.Ping,
	})
	go func() {
		if err := obsServer.Start(); err != nil {
			l.Error("observability server failed", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Intake.Addr(),
		Handler:           intake.NewHandler(l.Named("intake"), store).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("intake server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			l.Error("intake server failed", err)
			return err
		}
	case <-ctx.Done():
		l.Info("shutting down intake server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("intake server shutdown failed", err)
	}
	obsServer.Shutdown(shutdownCtx)
	return nil
}
