package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/AltairaLabs/sessionbridge/internal/audit"
	"github.com/AltairaLabs/sessionbridge/internal/auth"
	"github.com/AltairaLabs/sessionbridge/internal/config"
	"github.com/AltairaLabs/sessionbridge/internal/delivery"
	"github.com/AltairaLabs/sessionbridge/internal/health"
	"github.com/AltairaLabs/sessionbridge/internal/launch"
	"github.com/AltairaLabs/sessionbridge/internal/mcpserver"
	"github.com/AltairaLabs/sessionbridge/internal/metrics"
	"github.com/AltairaLabs/sessionbridge/internal/pidtrack"
	"github.com/AltairaLabs/sessionbridge/internal/reaper"
	"github.com/AltairaLabs/sessionbridge/internal/session"
	"github.com/AltairaLabs/sessionbridge/internal/supervisor"
	"github.com/AltairaLabs/sessionbridge/internal/transport/terminal"
)

var (
	version    = flag.Bool("version", false, "Print version and exit")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	httpMode   = flag.Bool("http", false, "Enable HTTP/SSE transport instead of stdio")
	configPath = flag.String("config", "", "Path to YAML configuration file")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Session Bridge v%s\n", config.DefaultServerConfig().Version)
		os.Exit(0)
	}

	logger := newLogger(*debug)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *httpMode {
		cfg.Server.MCPTransport = config.TransportSSE
	}

	logger.Info("Starting Session Bridge",
		"version", cfg.Server.Version,
		"debug", *debug,
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"mcp_transport", cfg.Server.MCPTransport,
	)

	// Reclaim children left behind by a previous run before spawning new ones
	var tracker *pidtrack.Tracker
	if cfg.Server.RuntimeDir != "" {
		tracker, err = openTracker(cfg, logger)
		if err != nil {
			log.Fatalf("Failed to open runtime directory %s: %v", cfg.Server.RuntimeDir, err)
		}
		defer func() { _ = tracker.Close() }()
	}

	sup := supervisor.New(supervisorOptions(cfg, tracker, logger)...)

	profiles, err := launch.FromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to load launch profiles: %v", err)
	}

	auditLogger := audit.NewLogger(logger, config.DefaultAuditBuffer)
	hub := delivery.NewHub()
	deliverer, closeNATS := buildDeliverer(cfg, hub, logger)
	defer closeNATS()

	var registry *session.Registry
	m := metrics.New(func() float64 { return float64(registry.Count()) })

	registry = session.NewRegistry(sup, profiles, session.OptionsFromConfig(cfg),
		session.WithAuthorizer(auth.NewAllowlist(cfg.Auth.AllowedOwners...)),
		session.WithDeliverer(deliverer),
		session.WithAuditor(auditLogger),
		session.WithObserver(m),
		session.WithLogger(logger),
	)

	tokens := auth.NewTerminalTokens(cfg.Auth.TokenTTL, config.DefaultTokenCleanupInterval)
	defer tokens.Close()

	mcpServer := mcpserver.NewMCPServer(mcpserver.ConfigFromConfig(cfg), registry, hub, logger)
	logger.Info("MCP Server initialized",
		"name", cfg.Server.Name,
		"version", cfg.Server.Version,
		"profiles", profiles.Names(),
	)

	// Setup context for shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// gRPC carries the health service
	grpcServer := grpc.NewServer()
	checker := health.NewChecker(registry.Ready, logger)
	checker.Register(grpcServer)

	listenConfig := net.ListenConfig{}
	lis, err := listenConfig.Listen(ctx, "tcp", fmt.Sprintf(":%s", cfg.Server.GRPCPort))
	if err != nil {
		cancel()
		log.Fatalf("Failed to listen on port %s: %v", cfg.Server.GRPCPort, err)
	}

	httpAddr := ":" + cfg.Server.HTTPPort
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	terminal.NewHandler(registry, hub, tokens, terminal.OptionsFromConfig(cfg), logger).Register(mux)

	sseServer := mcpServer.SSEServer(httpAddr)
	if cfg.Server.MCPTransport == config.TransportSSE {
		mux.Handle(mcpserver.BasePath+"/", sseServer)
	}
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting gRPC health server", "port", cfg.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
			cancel()
		}
	}()

	go func() {
		logger.Info("Starting HTTP server", "address", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	// Start MCP stdio transport; it returns when the client closes stdin
	if cfg.Server.MCPTransport == config.TransportStdio {
		go func() {
			if err := mcpServer.ServeWithLogger(logger); err != nil {
				logger.Error("MCP server error", "error", err)
			}
			cancel()
		}()
	}

	sessionReaper := reaper.New(registry, reaper.ConfigFromConfig(cfg), logger)
	sessionReaper.SetObserver(m)
	go sessionReaper.Start(ctx)
	go checker.Watch(ctx, config.DefaultHealthInterval)

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	}

	logger.Info("Shutting down gracefully")
	cancel()
	checker.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer shutdownCancel()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Session shutdown incomplete", "error", err, "remaining", registry.Count())
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Supervisor shutdown incomplete", "error", err, "remaining", sup.Count())
	}
	if err := sseServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("SSE shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", "error", err)
	}
	auditLogger.Close()

	stopGRPC(grpcServer, logger)

	logger.Info("Session Bridge shutdown complete")
}

func newLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// openTracker locks the runtime directory and kills process groups a
// previous instance left running
func openTracker(cfg config.Config, logger *slog.Logger) (*pidtrack.Tracker, error) {
	tracker, err := pidtrack.Open(cfg.Server.RuntimeDir)
	if err != nil {
		return nil, err
	}
	killed, errs := tracker.SweepOrphans(cfg.Supervisor.TerminateGrace)
	if killed > 0 || len(errs) > 0 {
		logger.Warn("Reclaimed orphaned processes from a previous run",
			"killed", killed,
			"errors", errs,
		)
	}
	return tracker, nil
}

func supervisorOptions(cfg config.Config, tracker *pidtrack.Tracker, logger *slog.Logger) []supervisor.Option {
	opts := []supervisor.Option{
		supervisor.WithTerminateGrace(cfg.Supervisor.TerminateGrace),
		supervisor.WithKillTimeout(cfg.Supervisor.KillTimeout),
		supervisor.WithLogger(logger),
	}
	if tracker != nil {
		opts = append(opts, supervisor.WithTracker(tracker))
	}
	return opts
}

// buildDeliverer routes events to connected clients and, when configured,
// mirrors them to NATS
func buildDeliverer(cfg config.Config, hub *delivery.Hub, logger *slog.Logger) (session.Deliverer, func()) {
	if cfg.Delivery.NATSURL == "" {
		return hub, func() {}
	}
	nc, err := delivery.ConnectNATS(cfg.Delivery.NATSURL, cfg.Server.Name)
	if err != nil {
		logger.Warn("NATS unavailable, events go to connected clients only",
			"url", cfg.Delivery.NATSURL,
			"error", err,
		)
		return hub, func() {}
	}
	logger.Info("Publishing session events to NATS",
		"url", cfg.Delivery.NATSURL,
		"subject_prefix", cfg.Delivery.SubjectPrefix,
	)
	return delivery.Multi{hub, delivery.NewNATSDeliverer(nc, cfg.Delivery.SubjectPrefix)}, nc.Close
}

// stopGRPC stops the server, forcing it if graceful stop takes too long
func stopGRPC(grpcServer *grpc.Server, logger *slog.Logger) {
	logger.Info("Stopping gRPC server")

	const shutdownTimeout = 2 * time.Second
	shutdownComplete := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		logger.Info("gRPC server stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Graceful shutdown timeout, forcing stop")
		grpcServer.Stop()
		<-shutdownComplete
	}
}
