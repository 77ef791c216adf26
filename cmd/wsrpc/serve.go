package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/wsrpc/internal/config"
	"github.com/rickgao/wsrpc/internal/database"
	"github.com/rickgao/wsrpc/internal/journal"
	"github.com/rickgao/wsrpc/internal/metrics"
	"github.com/rickgao/wsrpc/internal/server"
	"github.com/rickgao/wsrpc/internal/tracing"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo server",
		Long: `Serve the demo method table (echo, sum, count, log) over WebSocket.

Connections are journaled to PostgreSQL when database.host is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := newLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, tracingConfig(cfg.Tracing))
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	var serverOpts []server.Option
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mc := metrics.DefaultConfig()
		mc.Namespace = cfg.Metrics.Namespace
		mc.Registry = reg
		m = metrics.New(mc)
		serverOpts = append(serverOpts,
			server.WithMetrics(m),
			server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		)
	}

	var jw *journal.Writer
	if cfg.Database.Enabled() {
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		jw = journal.NewWriter(journalConfig(cfg.Journal), pool, m, logger)
		// Keeps consuming through shutdown; Stop ends it.
		if err := jw.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		serverOpts = append(serverOpts,
			server.WithJournal(jw),
			server.WithHealthCheck("database", func(ctx context.Context) (any, error) {
				return nil, pool.Ping(ctx)
			}),
			server.WithHealthCheck("journal", func(ctx context.Context) (any, error) {
				return jw.Stats(), nil
			}),
		)
		logger.Info("connection journal enabled", "host", cfg.Database.Host, "database", cfg.Database.Name)
	}

	srv := server.NewServer(serverConfig(cfg), demoRoutes(logger), logger, serverOpts...)
	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr, "path", cfg.Server.Path)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown connections: %w", err))
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
		if jw != nil {
			if err := jw.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop journal: %w", err))
			}
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped", "connections", srv.Stats().Accepted)
	return nil
}
