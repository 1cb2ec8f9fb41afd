package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"invochain/config"
	"invochain/core"
	"invochain/core/types"
	gatewaycfg "invochain/gateway/config"
	"invochain/gateway/middleware"
	"invochain/gateway/routes"
	"invochain/observability"
	"invochain/observability/logging"
	"invochain/observability/otel"
	"invochain/rpc"
	"invochain/storage"
)

const (
	envName          = "INVOCHAIND_ENV"
	gatewaySecretEnv = "INVOCHAIND_GATEWAY_SECRET"

	rpcStartupTimeout = 5 * time.Second
	shutdownGrace     = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node config file")
	flag.Parse()

	environment := strings.TrimSpace(os.Getenv(envName))
	logger := logging.Setup("invochaind", environment)

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		telemetryEnv := strings.TrimSpace(cfg.Telemetry.Environment)
		if telemetryEnv == "" {
			telemetryEnv = environment
		}
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "invochaind",
			Environment: telemetryEnv,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Error("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	db, err := storage.Open(cfg.DataBackend, cfg.DatabasePath())
	if err != nil {
		panic(fmt.Sprintf("Failed to open %s database: %v", cfg.DataBackend, err))
	}
	defer db.Close()

	node, err := core.NewNode(db, cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}
	node.RegisterEventHook(func(evt *types.Event) {
		observability.Events().RecordEvent(evt.Type)
	})
	logger.Info("Node initialised", "network", cfg.NetworkName, "backend", cfg.DataBackend)

	rpcServer := rpc.NewServer(node)
	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(cfg.RPCAddress)
	}()
	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, rpcStartupTimeout); err != nil {
		logger.Error("RPC server failed to start", "error", err, "address", cfg.RPCAddress)
		os.Exit(1)
	}
	logger.Info("RPC server listening", "address", cfg.RPCAddress)

	var gatewayServer *http.Server
	gatewayErrCh := make(chan error, 1)
	if gatewayEnabled(cfg) {
		gatewayServer, err = startGateway(cfg, node, logger, gatewayErrCh)
		if err != nil {
			logger.Error("Failed to start gateway", "error", err)
			os.Exit(1)
		}
		logger.Info("Gateway listening", "address", gatewayServer.Addr)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-rpcErrCh:
		logger.Error("RPC server terminated", "error", err)
	case err := <-gatewayErrCh:
		logger.Error("Gateway terminated", "error", err)
	}

	if gatewayServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Gateway shutdown failed", "error", err)
		}
	}
	logger.Info("Node stopped")
}

// gatewayEnabled reports whether the node config asks for the REST facade.
// Either knob is enough: a config file, or just a listen address over the
// facade defaults.
func gatewayEnabled(cfg *config.Config) bool {
	return strings.TrimSpace(cfg.GatewayConfig) != "" || strings.TrimSpace(cfg.GatewayAddress) != ""
}

func startGateway(cfg *config.Config, node *core.Node, logger *slog.Logger, errCh chan<- error) (*http.Server, error) {
	gwCfg, err := gatewaycfg.Load(strings.TrimSpace(cfg.GatewayConfig))
	if err != nil {
		return nil, fmt.Errorf("load gateway config: %w", err)
	}
	if addr := strings.TrimSpace(cfg.GatewayAddress); addr != "" {
		gwCfg.ListenAddress = addr
	}
	// The HMAC secret never lives in the node's toml; operators inject it
	// through the environment or the gateway's own yaml.
	if secret := strings.TrimSpace(os.Getenv(gatewaySecretEnv)); secret != "" {
		gwCfg.Auth.HMACSecret = secret
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        gwCfg.Auth.Enabled,
		HMACSecret:     gwCfg.Auth.HMACSecret,
		Issuer:         gwCfg.Auth.Issuer,
		Audience:       gwCfg.Auth.Audience,
		ScopeClaim:     gwCfg.Auth.ScopeClaim,
		OptionalPaths:  gwCfg.Auth.OptionalPaths,
		AllowAnonymous: gwCfg.Auth.AllowAnonymous,
		ClockSkew:      gwCfg.Auth.ClockSkew,
	}, logger)

	limits := make(map[string]middleware.RateLimit, len(gwCfg.RateLimits))
	for _, limit := range gwCfg.RateLimits {
		limits[limit.ID] = middleware.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}
	limiter := middleware.NewRateLimiter(limits, logger)

	var obs *middleware.Observability
	if gwCfg.Observability.Metrics || gwCfg.Observability.Tracing || gwCfg.Observability.LogRequests {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   gwCfg.Observability.ServiceName,
			MetricsPrefix: gwCfg.Observability.MetricsPrefix,
			LogRequests:   gwCfg.Observability.LogRequests,
			Enabled:       gwCfg.Observability.Metrics || gwCfg.Observability.Tracing,
		}, logger)
	}

	handler, err := routes.New(routes.Config{
		Node:          node,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   gwCfg.CORS.AllowedOrigins,
			AllowedMethods:   gwCfg.CORS.AllowedMethods,
			AllowedHeaders:   gwCfg.CORS.AllowedHeaders,
			AllowCredentials: gwCfg.CORS.AllowCredentials,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway routes: %w", err)
	}

	server := &http.Server{
		Addr:         gwCfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  gwCfg.ReadTimeout,
		WriteTimeout: gwCfg.WriteTimeout,
		IdleTimeout:  gwCfg.IdleTimeout,
	}
	go func() {
		var serveErr error
		if gwCfg.ServesTLS() {
			serveErr = server.ListenAndServeTLS(gwCfg.Security.TLSCertFile, gwCfg.Security.TLSKeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()
	return server, nil
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
