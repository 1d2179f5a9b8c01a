package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jaakkos/leadline/internal/api"
	"github.com/jaakkos/leadline/internal/app"
	"github.com/jaakkos/leadline/internal/events"
	"github.com/jaakkos/leadline/internal/policy"
	"github.com/jaakkos/leadline/internal/repository"
	"github.com/jaakkos/leadline/internal/telemetry"
	"github.com/jaakkos/leadline/internal/tools/crm"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, push streams, MCP endpoint and background workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, logger)
	},
}

func runServe(ctx context.Context, cfg *policy.Config, logger *zap.Logger) error {
	pol := policy.New(cfg)
	logger.Info("starting leadline",
		zap.String("version", Version),
		zap.String("driver", pol.DatabaseDriver()),
		zap.String("strategy", pol.AssignmentStrategy()),
		zap.Bool("auto_assign", pol.AutoAssign()),
	)

	shutdownTracing, err := telemetry.Setup(ctx, "leadline", Version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	repo, err := repository.NewStateRepository(pol.DatabaseDriver(), pol.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("state repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("close state repository", zap.Error(err))
		}
	}()

	svc := app.NewCRMService(repo, pol, logger)

	hub := events.NewHub(logger)
	defer hub.Close()

	feed := app.NewFeed(pol.FeedSize())
	if leads, err := svc.ListLeads(ctx, "", ""); err != nil {
		logger.Warn("seed feed", zap.Error(err))
	} else {
		if n := pol.FeedSeedSize(); len(leads) > n {
			leads = leads[:n]
		}
		feed.Seed(leads)
	}

	notifier := app.NewNotifier(pol.SignalFilePath(), repo, app.MultiPublisher{hub, feed}, svc.Today, logger,
		app.WithPollInterval(pol.NotifierPollInterval()),
	)
	svc.SetNotifier(notifier)

	watchdog := app.NewWatchdog(svc, logger,
		app.WithWatchdogInterval(pol.WatchdogInterval()),
		app.WithBacklogAssignment(pol.AutoAssign()),
	)

	var bridge *events.RedisBridge
	if pol.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		bridge = events.NewRedisBridge(client, cfg.Redis.Channel, hub, logger)
		hub.SetRelay(bridge)
	}

	mcpServer := server.NewMCPServer("leadline", Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	)
	crm.Register(mcpServer, svc, logger)
	mcpHTTP := server.NewStreamableHTTPServer(mcpServer, server.WithStateLess(true))

	handler := api.NewHandler(svc,
		api.WithLogger(logger.Named("api")),
		api.WithPrefix(cfg.APIPrefix),
		api.WithAPIKey(cfg.APIKey),
		api.WithJWTSecret(cfg.JWTSecret),
		api.WithCORSOrigins(cfg.CORSOrigins),
		api.WithFeed(feed),
		api.WithStreams(
			events.NewSSEHandler(hub, logger, 0),
			events.NewWSHandler(hub, logger, cfg.CORSOrigins),
		),
		api.WithHealthCheck(repo.Ping),
	)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle("/mcp", handler.RequireAuth(mcpHTTP))

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           handler.Wrap(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("http server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("api", cfg.APIPrefix),
		zap.String("mcp", "/mcp"),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		notifier.Start(gctx)
		return nil
	})
	g.Go(func() error {
		watchdog.Start(gctx)
		return nil
	})
	if bridge != nil {
		g.Go(func() error {
			// Without Redis this replica still serves its own clients.
			if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis bridge stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Close streams first so Shutdown does not wait on long-lived SSE and
		// WebSocket connections.
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mcpHTTP.Shutdown(sctx); err != nil {
			logger.Warn("mcp shutdown", zap.Error(err))
		}
		return httpServer.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
