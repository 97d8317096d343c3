package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"trustlord/config"
	"trustlord/gateway"
	"trustlord/history"
	"trustlord/leasestore"
	"trustlord/observability"
	"trustlord/observability/logging"
	telemetry "trustlord/observability/otel"
	"trustlord/storage"
)

const serviceName = "trustlord"

// tenantEnv holds everything a command needs, opened from the config file.
type tenantEnv struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *leasestore.Store
	gateway gateway.Gateway
	mobile  gateway.MobileMoney
	metrics *observability.TenantMetrics

	ledger  *history.Ledger
	closers []func(context.Context) error
}

// openEnv loads the configuration and opens the lease store. Commands that
// talk to the payment rails call withGateway; those that need the payment
// history call withLedger.
func openEnv(ctx context.Context, configPath string, stderr io.Writer) (*tenantEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	opts := logging.Options{
		File:       cfg.LogFile(),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Level:      cfg.Logging.Level,
	}
	if opts.File == "" {
		opts.Output = stderr
	}
	env := &tenantEnv{
		cfg:     cfg,
		logger:  logging.SetupWithOptions(serviceName, cfg.Environment, opts),
		metrics: observability.Tenant(),
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Traces:      true,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry: %w", err)
	}
	env.closers = append(env.closers, shutdown)

	store, err := leasestore.Open(storage.Backend(strings.ToLower(cfg.StoreBackend)), cfg.StorePath())
	if err != nil {
		env.Close()
		return nil, err
	}
	env.store = store
	env.closers = append(env.closers, func(context.Context) error { return store.Close() })
	return env, nil
}

// withGateway wires the crypto gateway and the mobile money rail.
func (e *tenantEnv) withGateway() error {
	gw := e.cfg.Gateway
	switch strings.ToLower(strings.TrimSpace(gw.Mode)) {
	case "http":
		apiKey := strings.TrimSpace(gw.APIKey)
		if apiKey == "" {
			key, err := apiKeyFor()
			if err != nil {
				return err
			}
			apiKey = key
		}
		e.gateway = gateway.NewClient(gw.BaseURL, apiKey, gw.Timeout.Duration)
	default:
		policy := gateway.DefaultPolicy()
		policy.WalletAddress = gw.WalletAddress
		if len(gw.Rates) > 0 {
			rates, err := gateway.RatesFromConfig(gw.Rates)
			if err != nil {
				return err
			}
			policy.Rates = policy.Rates.Merge(rates)
		}
		e.gateway = gateway.NewSimulator(e.store, policy,
			gateway.WithSimulatorClock(cliNow),
			gateway.WithSimulatorLogger(e.logger))
	}

	mm := e.cfg.MobileMoney
	e.mobile = gateway.NewMobileMoneySimulator(
		gateway.WithDelay(mm.Delay.Duration),
		gateway.WithSuccessRate(mm.SuccessRate),
		gateway.WithMobileMoneyClock(cliNow),
	)
	return nil
}

// withLedger opens the payment history.
func (e *tenantEnv) withLedger() error {
	ledger, err := history.Open(history.Driver(e.cfg.History.Driver), e.cfg.HistoryDSN())
	if err != nil {
		return err
	}
	e.ledger = ledger
	e.closers = append(e.closers, func(context.Context) error { return ledger.Close() })
	return nil
}

// Close releases resources in reverse order of acquisition.
func (e *tenantEnv) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// openCommandEnv opens the environment and reports failures on stderr. The
// returned env is nil when opening failed.
func openCommandEnv(ctx context.Context, configPath string, stderr io.Writer, wantGateway, wantLedger bool) *tenantEnv {
	env, err := openEnv(ctx, configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil
	}
	if wantGateway {
		if err := env.withGateway(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			env.Close()
			return nil
		}
	}
	if wantLedger {
		if err := env.withLedger(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			env.Close()
			return nil
		}
	}
	return env
}
