package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/regionplacer/placer/internal/config"
	"github.com/regionplacer/placer/internal/server"
	"github.com/regionplacer/placer/pkg/otel"
)

func main() {
	configPath := flag.String("config", getEnv("PLACER_CONFIG", config.DefaultPath), "Path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logrus.WithError(err).Fatal("Placer stopped")
	}
}

func run(configPath string) error {
	provider, err := config.NewProvider(config.ResolvePath(configPath), true)
	if err != nil {
		return err
	}
	cfg := provider.Current()

	if err := server.SetupLogging(cfg.Logging); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"dry_run": cfg.DryRun,
		"backend": cfg.Storage.Backend,
		"app":     cfg.FlyAppName,
	}).Info("Starting placer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	if cfg.Tracing.Enabled {
		otelCfg := otel.DefaultConfig(cfg.Tracing.ServiceName)
		otelCfg.CollectorEndpoint = cfg.Tracing.Endpoint
		otelCfg.SamplingRate = cfg.Tracing.SampleRate
		tp, err := otel.InitTracer(ctx, otelCfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				logrus.WithError(err).Warn("Tracer shutdown error")
			}
		}()
	}

	rt, err := server.Open(provider)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logrus.WithError(err).Warn("Error closing storage")
		}
	}()

	if w, ok := provider.(*config.Watcher); ok {
		w.OnChange(func(c *config.Config) {
			if err := server.SetupLogging(c.Logging); err != nil {
				logrus.WithError(err).Warn("Keeping previous logging settings")
			}
		})
	}

	srv := server.New(rt.Engine, provider, rt.Collector, rt.Registry)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Executor.Timeout*time.Duration(cfg.Executor.MaxRetries+1) + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := server.NewScheduler(provider, func(ctx context.Context) error {
		_, err := rt.Engine.RunCycle(ctx)
		return err
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.WithField("addr", cfg.Server.Addr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logrus.Info("Server stopped")
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
