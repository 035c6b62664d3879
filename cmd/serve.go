package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inventahq/eventrelay/internal/api"
	"github.com/inventahq/eventrelay/internal/bus"
	"github.com/inventahq/eventrelay/internal/clock/system"
	"github.com/inventahq/eventrelay/internal/config"
	"github.com/inventahq/eventrelay/internal/logging"
	"github.com/inventahq/eventrelay/internal/metrics"
	"github.com/inventahq/eventrelay/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event relay server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	set, err := metrics.New(promReg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	registry := bus.NewRegistry(bus.Config{
		IdleGrace:      cfg.Bus.IdleGrace,
		SweepInterval:  cfg.Bus.SweepInterval,
		QueueSize:      cfg.Session.QueueSize,
		OverflowPolicy: cfg.Session.Policy(),
		Clock:          system.New(),
		Logger:         logger.Named("bus"),
		Metrics:        set,
	})

	publisher := api.Publisher(registry)
	var bridge *relay.Relay
	if cfg.Relay.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Relay.RedisURL)
		if err != nil {
			return fmt.Errorf("parse relay.redis_url: %w", err)
		}
		bridge, err = relay.New(relay.Config{
			Client:        redis.NewClient(opts),
			Bus:           registry,
			ChannelPrefix: cfg.Relay.ChannelPrefix,
			Logger:        logger.Named("relay"),
		})
		if err != nil {
			return fmt.Errorf("init relay: %w", err)
		}
		bridge.Start(ctx)
		// Route local publishes through Redis so subscribers on every
		// process, this one included, receive them via the inbound
		// subscription. One delivery path keeps per-tenant order.
		publisher = bridge
		logger.Info("redis relay started", zap.String("prefix", cfg.Relay.ChannelPrefix))
	}

	server := api.NewServer(publisher, registry, promReg, logger.Named("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("event relay listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if bridge != nil {
		if err := bridge.Close(shutdownCtx); err != nil {
			logger.Warn("relay shutdown incomplete", zap.Error(err))
		}
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn("bus shutdown incomplete", zap.Error(err))
	}
	return nil
}
