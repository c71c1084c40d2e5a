package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attestation-ledger/api"
	"attestation-ledger/config"
	"attestation-ledger/service"
)

const shutdownTimeout = 10 * time.Second

func serveCommand(cfg *config.Config) *cobra.Command {
	var queueSize int
	c := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API with periodic autosave",
		RunE: func(c *cobra.Command, _ []string) error {
			return serve(c.Context(), cfg, queueSize)
		},
	}
	c.Flags().IntVar(&queueSize, "queue-size", 256, "pending mutations accepted before requests are refused")
	return c
}

func serve(ctx context.Context, cfg *config.Config, queueSize int) error {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("configuration loaded", zap.String("config", cfg.DebugString()))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := service.NewMetrics(registry)
	if err != nil {
		return err
	}

	svc, cleanup, err := openService(cfg, log, metrics)
	if err != nil {
		return err
	}
	defer cleanup()

	queue := service.NewQueueProcessor(svc, queueSize, 0, log.Named("queue"))
	queue.Start()
	defer queue.Stop()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewServer(svc, queue, registry, log.Named("api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.Run(ctx, cfg.AutosaveInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server shutdown completed")
	return nil
}
