package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ai-gateway/cursor-gateway/internal/checksum"
	"github.com/ai-gateway/cursor-gateway/internal/guardrails"
	"github.com/ai-gateway/cursor-gateway/internal/metrics"
	"github.com/ai-gateway/cursor-gateway/internal/observability"
	"github.com/ai-gateway/cursor-gateway/internal/provider/cursor"
	"github.com/ai-gateway/cursor-gateway/internal/provisioner"
	"github.com/ai-gateway/cursor-gateway/internal/routing"
	"github.com/ai-gateway/cursor-gateway/internal/server"
	"github.com/ai-gateway/cursor-gateway/internal/tokens"
	"github.com/ai-gateway/cursor-gateway/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE:  serveRun,
}

func serveRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.Setup(ctx, cfg.TelemetryURL)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	src, closeSrc := tokenSource(cfg)
	defer func() { _ = closeSrc() }()
	pool := tokens.NewPool(src, logger)
	if err := pool.Reload(ctx); err != nil {
		// The pool loads lazily on first use, so a bad start is not fatal.
		logger.Warn("initial credential load failed", zap.Error(err))
	}
	m.SetCredentials(pool.Len())

	client := upstream.New(upstream.Config{
		URL:            cfg.Upstream.URL,
		StatusURL:      cfg.Upstream.StatusURL,
		Probe:          cfg.Upstream.Probe,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
		ClientVersion:  cfg.Upstream.ClientVersion,
		Timezone:       cfg.Upstream.Timezone,
	}, logger)
	gen := checksum.Chain(cfg.Upstream.Checksum, checksum.Digest{Salt: cfg.Upstream.Salt})
	prov := cursor.New(pool, gen, client, m, logger)

	models, err := routing.LoadCatalog(cfg.ModelsPath)
	if err != nil {
		return err
	}
	rt := routing.New(models)
	for _, model := range models {
		rt.Register(model.ID, prov)
	}
	if len(models) == 0 {
		rt.Register("default", prov)
	}

	sup := provisioner.NewSupervisor(cfg.Provisioner.Command, cfg.Provisioner.Args, provisioner.NewBroker(0), logger)
	srv := server.New(cfg, server.Deps{
		Router:     rt,
		Guards:     guardrails.New(cfg.Guardrails.BlockedTerms...),
		Pool:       pool,
		Metrics:    m,
		Supervisor: sup,
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if cfg.Tokens.Watch && cfg.Tokens.RedisAddr == "" {
		g.Go(func() error {
			err := tokens.Watch(gctx, cfg.Tokens.File, pool, 200*time.Millisecond)
			if err != nil && !errors.Is(err, context.Canceled) {
				// Serving continues without hot reload.
				logger.Warn("credential watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	err = g.Wait()
	if sup.Running() {
		_ = sup.Stop()
	}
	return err
}
