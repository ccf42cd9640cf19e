package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Mryrghb/todosWithLesan/internal/config"
	"github.com/Mryrghb/todosWithLesan/internal/docstore"
	"github.com/Mryrghb/todosWithLesan/internal/docstore/memory"
	"github.com/Mryrghb/todosWithLesan/internal/docstore/mongostore"
	"github.com/Mryrghb/todosWithLesan/internal/docstore/sqlstore"
	"github.com/Mryrghb/todosWithLesan/internal/instrument"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
	"github.com/Mryrghb/todosWithLesan/internal/todo"
	"github.com/Mryrghb/todosWithLesan/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "todos",
		Short:        "Todos document-store backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", ".", "directory containing app.yaml")
	root.AddCommand(newRunCmd(v), newModelsCmd(v))
	return root
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	dir, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.LoadFrom(v, dir)
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().Int("port", 5000, "HTTP listen port")
	cmd.Flags().String("driver", "memory", "document store: memory, mongo, sqlite or postgres")
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("database.driver", cmd.Flags().Lookup("driver"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	app, err := todo.New(store, todo.Options{
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.TokenTTL,
		PageSize:  cfg.Pagination.PageSize,
	}, log)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	opts := transport.Options{Actions: app.Actions, Log: log}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Instrumenter = instrument.NewRecorder(reg, log)
		opts.Gatherer = reg
	}
	server := transport.New(opts)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("server starting", zap.String("addr", addr), zap.String("driver", cfg.Database.Driver))
		errCh <- server.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (docstore.Store, error) {
	var (
		store docstore.Store
		err   error
	)
	switch cfg.Database.Driver {
	case "memory":
		store = memory.New()
	case "mongo":
		store, err = mongostore.New(ctx, cfg.Database)
	case "postgres", "sqlite":
		store, err = sqlstore.New(ctx, cfg.Database)
	default:
		err = errors.New("unsupported database driver " + cfg.Database.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}

	if !cfg.Breaker.Enabled || cfg.Database.Driver == "memory" {
		return store, nil
	}
	return docstore.WithBreaker(store, docstore.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		OnStateChange: func(from, to string) {
			log.Warn("store breaker state changed", zap.String("from", from), zap.String("to", to))
		},
	}), nil
}
