package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"trustlord/gateway"
	"trustlord/gateway/audit"
	"trustlord/gateway/auth"
	"trustlord/gateway/config"
	"trustlord/gateway/middleware"
	"trustlord/gateway/routes"
	"trustlord/leasestore"
	"trustlord/observability"
	"trustlord/observability/logging"
	telemetry "trustlord/observability/otel"
	"trustlord/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Getenv, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "bitnob-sim: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) error {
	fs := flag.NewFlagSet("bitnob-sim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to simulator configuration (YAML)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Setup(cfg.Observability.ServiceName, cfg.Environment)
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Observability.Tracing,
		ServiceName: cfg.Observability.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	tlsConfig, err := buildTLSConfig(cfg.Security)
	if err != nil {
		return fmt.Errorf("configure TLS: %w", err)
	}
	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      a.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    tlsConfig,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
			listener = tls.NewListener(listener, tlsConfig)
		}
		logger.Info("payment simulator listening", slog.String("addr", scheme+"://"+listener.Addr().String()))
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down payment simulator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}

type app struct {
	handler http.Handler
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		_ = a.Close()
		return nil, err
	}
	for _, path := range []string{cfg.Store.Path, cfg.Audit.Path, cfg.Auth.ReplayStorePath} {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fail(fmt.Errorf("create data directory: %w", err))
		}
	}

	store, err := leasestore.Open(storage.Backend(cfg.Store.Backend), cfg.Store.Path)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, store)

	auditStore, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return fail(fmt.Errorf("open audit store: %w", err))
	}
	a.closers = append(a.closers, auditStore)

	var persistence auth.Persistence
	if strings.TrimSpace(cfg.Auth.ReplayStorePath) != "" {
		tokens, err := auth.OpenLevelDB(cfg.Auth.ReplayStorePath)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, tokens)
		persistence = tokens
	}
	guard := auth.NewReplayGuard(cfg.Auth.ReplayWindow, 0, nil, persistence)
	if err := guard.Hydrate(ctx); err != nil {
		return fail(err)
	}

	policy := gateway.DefaultPolicy()
	policy.WalletAddress = cfg.Simulator.WalletAddress
	policy.HostedBaseURL = cfg.Simulator.HostedBaseURL
	policy.IntentTTL = cfg.Simulator.IntentTTL
	if len(cfg.Simulator.Rates) > 0 {
		rates, err := gateway.RatesFromConfig(cfg.Simulator.Rates)
		if err != nil {
			return fail(err)
		}
		policy.Rates = policy.Rates.Merge(rates)
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)
	metrics := observability.NewSimulatorMetrics(obs.Registry())
	sim := gateway.NewSimulator(store, policy,
		gateway.WithSimulatorLogger(logger),
		gateway.WithSettlementObserver(func(intent gateway.PaymentIntent) {
			metrics.RecordSettlement(string(intent.Status))
		}))
	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, logger).WithReplayGuard(guard)

	limits := make([]middleware.RateLimit, 0, len(cfg.RateLimits))
	for _, entry := range cfg.RateLimits {
		limits = append(limits, middleware.RateLimit{
			ID:            entry.ID,
			RatePerSecond: entry.RatePerSecond,
			Burst:         entry.Burst,
			Paths:         entry.Paths,
		})
	}
	limiter := middleware.NewRateLimiter(limits, logger)
	limiter.OnReject(obs.RecordThrottle)

	router, err := routes.New(routes.Config{
		Simulator:     sim,
		Audit:         auditStore,
		Authenticator: authenticator,
		RateLimiter:   limiter,
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return fail(err)
	}
	a.handler = router
	if cfg.Observability.Tracing {
		a.handler = otelhttp.NewHandler(router, cfg.Observability.ServiceName)
	}
	return a, nil
}

func buildTLSConfig(sec config.SecurityConfig) (*tls.Config, error) {
	certPath := strings.TrimSpace(sec.TLSCertFile)
	keyPath := strings.TrimSpace(sec.TLSKeyFile)
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
