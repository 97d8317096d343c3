package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trustlord/faults"
	"trustlord/gateway"
	"trustlord/gateway/config"
	"trustlord/lease"
)

const testSecret = "bitnob-sim-test-secret"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Environment = "test"
	cfg.Store.Path = filepath.Join(dir, "state", "state.db")
	cfg.Audit.Path = filepath.Join(dir, "audit", "audit.db")
	cfg.Auth.ReplayStorePath = filepath.Join(dir, "tokens")
	cfg.Auth.HMACSecret = testSecret
	cfg.Auth.Issuer = "trustlord-tenant"
	cfg.Observability.LogRequests = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rentRequest() gateway.PaymentRequest {
	return gateway.PaymentRequest{
		Amount:         800000,
		FiatCurrency:   lease.UGX,
		CryptoCurrency: gateway.USDT,
		CustomerPhone:  "+256700000111",
		Reference:      "lease-001-202508",
		Description:    "Rent for Kololo Heights, August 2025",
	}
}

func TestAppServesPaymentAPI(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, quietLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(a.handler)

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	client := gateway.NewClient(srv.URL, testSecret, 2*time.Second)
	_, err = client.Initiate(ctx, rentRequest())
	require.True(t, faults.IsKind(err, faults.SimFailure), "first attempt should fail, got %v", err)

	intent, err := client.Initiate(ctx, rentRequest())
	require.NoError(t, err)
	require.Equal(t, gateway.StatusPending, intent.Status)

	srv.Close()
	require.NoError(t, a.Close())

	// State, audit and token stores survive a restart.
	restarted, err := newApp(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer restarted.Close()
	srv = httptest.NewServer(restarted.handler)
	defer srv.Close()

	client = gateway.NewClient(srv.URL, testSecret, 2*time.Second)
	settled, err := client.Status(ctx, intent.PaymentID)
	require.NoError(t, err)
	require.Equal(t, gateway.StatusCompleted, settled.Status)

	require.NoError(t, client.Reset(ctx))
	_, err = client.Status(ctx, intent.PaymentID)
	require.True(t, faults.IsKind(err, faults.NotFound))
}

func TestAppRejectsUnsignedRequests(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), quietLogger())
	require.NoError(t, err)
	defer a.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/payments/status/pay_1", nil)
	res := httptest.NewRecorder()
	a.handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestRunRequiresSecret(t *testing.T) {
	var stderr bytes.Buffer
	env := map[string]string{
		"BITNOB_SIM_STORE_PATH": filepath.Join(t.TempDir(), "state.db"),
	}
	err := run(context.Background(), nil, func(key string) string { return env[key] }, &stderr)
	require.ErrorIs(t, err, config.ErrAuthSecretMissing)
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-bogus"}, func(string) string { return "" }, &stderr)
	require.Error(t, err)
	require.Contains(t, stderr.String(), "bogus")
}

func TestBuildTLSConfig(t *testing.T) {
	tlsConfig, err := buildTLSConfig(config.SecurityConfig{})
	require.NoError(t, err)
	require.Nil(t, tlsConfig)

	_, err = buildTLSConfig(config.SecurityConfig{TLSCertFile: "cert.pem"})
	require.ErrorContains(t, err, "must both be provided")

	_, err = buildTLSConfig(config.SecurityConfig{TLSCertFile: "missing.pem", TLSKeyFile: "missing.key"})
	require.ErrorContains(t, err, "load TLS key pair")
}
