package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/devrev/pairdb/queryrouter/internal/discovery"
	"github.com/devrev/pairdb/queryrouter/internal/gossip"
	"github.com/devrev/pairdb/queryrouter/internal/metrics"
	"github.com/devrev/pairdb/queryrouter/internal/router"
	"github.com/devrev/pairdb/queryrouter/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the router with its admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := initLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return serve(cfg, logger)
		},
	}
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting query router",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("policy", cfg.Policy.Type),
		zap.Bool("token_aware", cfg.Policy.TokenAware),
		zap.Bool("gossip", cfg.Gossip.Enabled),
		zap.Bool("discovery", cfg.Discovery.Enabled))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(promReg)
	}

	r, err := router.FromConfig(cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error("failed to stop event dispatch", zap.Error(err))
		}
	}()

	var members *gossip.Service
	if cfg.Gossip.Enabled {
		members, err = gossip.New(&gossip.Config{
			NodeName:       cfg.Gossip.NodeName,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			Meta:           gossip.NodeMeta{Datacenter: cfg.Gossip.Datacenter, Rack: cfg.Gossip.Rack},
		}, r.Registry(), logger.Named("gossip"))
		if err != nil {
			return err
		}
	}

	var poller *discovery.Poller
	if cfg.Discovery.Enabled {
		store, err := discovery.NewStore(context.Background(), cfg.Discovery, logger.Named("discovery"))
		if err != nil {
			return err
		}
		poller = discovery.NewPoller(store, r.Registry(), cfg.Discovery.RefreshInterval, logger.Named("discovery"))
		defer poller.Close()
	}

	httpServer := server.NewServer(cfg, r, m, promReg, logger.Named("http"))
	httpServer.SetupRoutes()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The first of a signal or a server failure stops both goroutines
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Start()
	})
	if poller != nil {
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", zap.Error(err))
		}
		return nil
	})

	serveErr := g.Wait()
	if serveErr != nil {
		logger.Error("server error", zap.Error(serveErr))
	}

	if members != nil {
		if err := members.Leave(cfg.Server.ShutdownTimeout); err != nil {
			logger.Error("failed to leave gossip cluster", zap.Error(err))
		}
	}

	logger.Info("query router shutdown complete")
	return serveErr
}
