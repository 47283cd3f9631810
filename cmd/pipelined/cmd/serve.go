package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mediarunner/pipelined/internal/config"
	"github.com/mediarunner/pipelined/internal/node"
	"github.com/mediarunner/pipelined/internal/nodecache"
	"github.com/mediarunner/pipelined/internal/nodehost"
	"github.com/mediarunner/pipelined/internal/observability"
	httpapi "github.com/mediarunner/pipelined/internal/http"
	"github.com/mediarunner/pipelined/internal/http/handlers"
	"github.com/mediarunner/pipelined/internal/router"
	"github.com/mediarunner/pipelined/internal/rpc"
	"github.com/mediarunner/pipelined/internal/version"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipelined gRPC streaming front door and admin HTTP surface",
	RunE:  runServe,
}

// runServe wires a loaded config into a running server: the admin HTTP
// surface (health, metrics, docs) and the gRPC streaming front door,
// sharing a node cache and node host, until SIGINT/SIGTERM (spec §4.J,
// grounded on cmd/tvarr-ffmpegd/cmd/serve.go's construct-then-block shape).
func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	// No node-type factories are registered here: concrete node
	// implementations (decoders, filters, encoders, sinks) are
	// provided by the deployment, not by this runtime binary.
	registry := node.NewCompositeRegistry(node.NewRegistry())

	cache := nodecache.New(logger, cfg.NodeCache.TTL, cfg.NodeCache.CleanupInterval)
	cache.Start(ctx)
	defer cache.Stop()

	host := nodehost.NewHost(nodehost.Config{
		NodeInitTimeout:     cfg.NodeHost.NodeInitTimeout,
		ReadyHandshakeGrace: cfg.NodeHost.ReadyHandshakeGrace,
		ShutdownGrace:       cfg.NodeHost.ShutdownGrace,
		BinaryPath:          cfg.NodeHost.BinaryPath,
		Env:                 cfg.NodeHost.Env,
		Container: nodehost.ContainerProfile{
			UID:             cfg.NodeHost.Container.UID,
			GID:             cfg.NodeHost.Container.GID,
			CapDrop:         cfg.NodeHost.Container.CapDrop,
			CapAdd:          cfg.NodeHost.Container.CapAdd,
			ReadOnlyRootFS:  cfg.NodeHost.Container.ReadOnlyRootFS,
			TmpfsSizeBytes:  int64(cfg.NodeHost.Container.TmpfsSize),
			NoNewPrivileges: cfg.NodeHost.Container.NoNewPrivileges,
			MACProfile:      cfg.NodeHost.Container.MACProfile,
			MemoryLimit:     int64(cfg.NodeHost.Container.MemoryLimit),
			CPUQuota:        cfg.NodeHost.Container.CPUQuota,
			GPUDevices:      cfg.NodeHost.Container.GPUDevices,
		},
		BusDir:  cfg.Transport.BusDir,
		BusSize: int(cfg.Transport.BusSize),
		Logger:  logger,
	})

	rpcServer := rpc.NewServer(rpc.Config{
		InternalSocketPath:    cfg.Server.InternalSocketPath,
		ExternalListenAddr:    cfg.Server.Address(),
		MaxConcurrentSessions: cfg.Server.MaxConcurrentStream,
		SessionTimeout:        cfg.Server.SessionTimeout,
		Router: router.Config{
			MaxBufferDepth: cfg.Router.MaxBufferChunks,
			DropPolicy:     router.ParseDropPolicy(cfg.Router.DropPolicy),
			ShutdownBudget: cfg.Router.ShutdownBudget,
		},
		MetricsIntervalChunks: cfg.Router.MetricsIntervalChunks,
	}, rpc.Dependencies{
		Registry: registry,
		Cache:    cache,
		Spawner:  host,
		Metrics:  metrics,
		Logger:   logger,
	})

	if err := rpcServer.Start(ctx); err != nil {
		return fmt.Errorf("starting gRPC server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := rpcServer.Stop(shutdownCtx); err != nil {
			logger.Warn("gRPC server shutdown error", slog.Any("error", err))
		}
	}()

	httpCfg := httpapi.DefaultServerConfig()
	httpCfg.Host = cfg.Server.Host
	httpCfg.Port = cfg.Server.Port
	httpCfg.ReadTimeout = cfg.Server.ReadTimeout
	httpCfg.WriteTimeout = cfg.Server.WriteTimeout
	httpCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	httpServer := httpapi.NewServer(httpCfg, logger, version.Short())
	if cfg.Observability.Enabled {
		httpServer.MountMetrics(cfg.Observability.Path, metrics.Registry)
	}

	health := handlers.NewHealthHandler(version.Short()).WithActiveSessionsFunc(rpcServer.ActiveSessions)
	health.Register(httpServer.API())
	httpServer.Router().Handle("/docs", handlers.NewDocsHandler("pipelined", "/openapi.json"))

	logger.Info("pipelined starting",
		slog.String("version", version.Short()),
		slog.String("grpc_internal", rpcServer.InternalAddress()),
		slog.String("grpc_external", cfg.Server.Address()),
		slog.Int("http_port", httpCfg.Port),
	)

	if err := httpServer.ListenAndServe(ctx); err != nil {
		logger.Error("http server exited", slog.Any("error", err))
		return err
	}

	logger.Info("pipelined stopped")
	return nil
}
