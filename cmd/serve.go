// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NTBlok/ai-financial-agent/internal/audit"
	"github.com/NTBlok/ai-financial-agent/internal/config"
	"github.com/NTBlok/ai-financial-agent/internal/dispatch"
	"github.com/NTBlok/ai-financial-agent/internal/executor"
	"github.com/NTBlok/ai-financial-agent/internal/httpapi"
	"github.com/NTBlok/ai-financial-agent/internal/ledger"
	"github.com/NTBlok/ai-financial-agent/internal/metrics"
	"github.com/NTBlok/ai-financial-agent/internal/observability"
	"github.com/NTBlok/ai-financial-agent/internal/pipeline"
	"github.com/NTBlok/ai-financial-agent/internal/policy"
	"github.com/NTBlok/ai-financial-agent/internal/snapshot"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
	"github.com/NTBlok/ai-financial-agent/internal/storage/postgres"
	"github.com/NTBlok/ai-financial-agent/internal/suggest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the action pipeline HTTP server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	auditor := audit.New(store, logger,
		cfg.Audit.MaxPageSize, cfg.Audit.RetryAttempts, cfg.Audit.RetryDelay)
	snapshots := snapshot.New(store, auditor, cfg.Snapshots, logger)

	suggester, err := buildSuggester(cfg, logger)
	if err != nil {
		return err
	}

	engine, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		return err
	}

	led := ledger.New(store, logger)
	m := metrics.New()

	exec := buildExecutor(cfg, logger)
	dispatcher := dispatch.New(led, store, auditor, exec, cfg.Executor, logger,
		dispatch.WithMetrics(m))

	p := pipeline.New(snapshots, suggester, engine, led, auditor, dispatcher, store,
		cfg.Suggester, cfg.Policy, logger, pipeline.WithMetrics(m))

	// Executions in flight when the previous run died would otherwise stay
	// EXECUTING forever.
	if _, err := p.RecoverInFlight(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      httpapi.New(p, m, cfg.Server, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	observability.Sync()
	return err
}

// buildStore selects the configured persistence backend.
func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Storage.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid postgres url: %w", err)
		}
		if cfg.Storage.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Storage.Postgres.MaxConns
		}
		if cfg.Storage.Postgres.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.Storage.Postgres.ConnMaxLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		store, err := postgres.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// buildSuggester selects the configured suggestion engine.
func buildSuggester(cfg *config.Config, logger *zap.Logger) (suggest.Suggester, error) {
	if cfg.Suggester.Type == "gemini" {
		return suggest.NewGeminiSuggester(cfg.Suggester.Gemini, logger)
	}
	return suggest.NewDOMSuggester(logger, cfg.Suggester.MaxCandidates), nil
}

// buildExecutor selects the configured executor.
func buildExecutor(cfg *config.Config, logger *zap.Logger) executor.Executor {
	if cfg.Executor.Type == "browser" {
		return executor.NewBrowserExecutor(cfg.Executor.Browser, logger)
	}
	return executor.NewExtensionExecutor(logger)
}
