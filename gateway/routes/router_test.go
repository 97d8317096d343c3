package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"trustlord/faults"
	"trustlord/gateway"
	"trustlord/gateway/audit"
	"trustlord/gateway/middleware"
	"trustlord/lease"
	"trustlord/leasestore"
	"trustlord/observability"
	"trustlord/storage"
)

const testSecret = "router-secret"

var routerNow = time.Date(2025, 7, 20, 10, 0, 0, 0, time.UTC)

type harness struct {
	server   *httptest.Server
	audit    *audit.Store
	registry *prometheus.Registry

	mu      sync.Mutex
	settled []gateway.IntentStatus
}

func (h *harness) settlements() []gateway.IntentStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]gateway.IntentStatus(nil), h.settled...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{registry: prometheus.NewRegistry()}
	store := leasestore.New(storage.NewMemDB())
	sim := gateway.NewSimulator(store, gateway.DefaultPolicy(),
		gateway.WithSimulatorClock(func() time.Time { return routerNow }),
		gateway.WithSettlementObserver(func(intent gateway.PaymentIntent) {
			h.mu.Lock()
			h.settled = append(h.settled, intent.Status)
			h.mu.Unlock()
		}))
	auditStore, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditStore.Close() })
	h.audit = auditStore

	obs := middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, nil)
	handler, err := New(Config{
		Simulator:     sim,
		Audit:         auditStore,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: testSecret}, nil),
		Observability: obs,
		Metrics:       observability.NewSimulatorMetrics(h.registry),
		Now:           func() time.Time { return routerNow },
	})
	require.NoError(t, err)
	h.server = httptest.NewServer(handler)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) client() *gateway.Client {
	return gateway.NewClient(h.server.URL, testSecret, 2*time.Second)
}

func (h *harness) do(t *testing.T, method, path, key string, body []byte, authed bool) (*http.Response, gateway.Envelope) {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if authed {
		now := time.Now()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":   "router-test",
			"scope": gateway.PaymentsScope,
			"iat":   now.Unix(),
			"exp":   now.Add(time.Minute).Unix(),
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env gateway.Envelope
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp, env
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

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestClientAgainstSimulatorServer(t *testing.T) {
	h := newHarness(t)
	client := h.client()
	ctx := context.Background()

	_, err := client.Initiate(ctx, rentRequest())
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.SimFailure), "got %v", err)

	intent, err := client.Initiate(ctx, rentRequest())
	require.NoError(t, err)
	require.Equal(t, gateway.StatusPending, intent.Status)
	require.Equal(t, 210.52631579, intent.CryptoAmount)
	require.Equal(t, "lease-001-202508", intent.Reference)
	require.True(t, strings.HasPrefix(intent.PaymentID, "pay_"))

	replayed, err := client.Initiate(ctx, rentRequest())
	require.NoError(t, err)
	require.Equal(t, intent.PaymentID, replayed.PaymentID)
	require.Equal(t, float64(1), counterValue(t, h.registry, "trustlord_simulator_idempotent_replays_total"))
	require.Equal(t, float64(2), counterValue(t, h.registry, "trustlord_simulator_intents_total"))

	status, err := client.Status(ctx, intent.PaymentID)
	require.NoError(t, err)
	require.Equal(t, gateway.StatusCompleted, status.Status)
	_, err = client.Status(ctx, intent.PaymentID)
	require.NoError(t, err)
	require.Equal(t, []gateway.IntentStatus{gateway.StatusCompleted}, h.settlements())

	_, err = client.Status(ctx, "pay_missing")
	require.True(t, faults.IsKind(err, faults.NotFound), "got %v", err)

	entries, err := h.audit.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	require.Equal(t, http.StatusNotFound, entries[0].ResponseStatus)
	require.Equal(t, http.StatusServiceUnavailable, entries[len(entries)-1].ResponseStatus)
	require.Equal(t, "tenant", entries[0].Subject)
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)

	resp, env := h.do(t, http.MethodPost, "/api/payments/initiate", "", []byte("{"), true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "BITNOB_API_ERROR", env.Error.Code)

	req := rentRequest()
	req.Reference = " "
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, env = h.do(t, http.MethodPost, "/api/payments/initiate", "", body, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "reference", env.Error.Field)

	resp, env = h.do(t, http.MethodPost, "/api/payments/initiate", "", body, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestInitiateUnsupportedPair(t *testing.T) {
	h := newHarness(t)
	req := rentRequest()
	req.CryptoCurrency = "DOGE"
	body, err := json.Marshal(req)
	require.NoError(t, err)

	// The first call always trips the simulated provider failure.
	resp, _ := h.do(t, http.MethodPost, "/api/payments/initiate", "", body, true)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, env := h.do(t, http.MethodPost, "/api/payments/initiate", "", body, true)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Contains(t, env.Error.Message, "unsupported currency pair")
}

func TestIdempotencyKeyConflict(t *testing.T) {
	h := newHarness(t)
	body, err := json.Marshal(rentRequest())
	require.NoError(t, err)

	resp, _ := h.do(t, http.MethodPost, "/api/payments/initiate", "key-1", body, true)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, env := h.do(t, http.MethodPost, "/api/payments/initiate", "key-1", body, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	other := rentRequest()
	other.Amount = 1
	otherBody, err := json.Marshal(other)
	require.NoError(t, err)
	resp, env = h.do(t, http.MethodPost, "/api/payments/initiate", "key-1", otherBody, true)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.False(t, env.Success)
}

func TestResetRestoresFirstAttemptFailure(t *testing.T) {
	h := newHarness(t)
	client := h.client()
	ctx := context.Background()

	_, err := client.Initiate(ctx, rentRequest())
	require.Error(t, err)
	_, err = client.Initiate(ctx, rentRequest())
	require.NoError(t, err)

	resp, env := h.do(t, http.MethodPost, "/api/simulator/reset", "", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	_, err = client.Initiate(ctx, rentRequest())
	require.True(t, faults.IsKind(err, faults.SimFailure), "got %v", err)
}

func TestHealthMetricsAndUnknownRoutes(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/healthz", "", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := h.do(t, http.MethodGet, "/nope", "", nil, false)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NOT_FOUND", env.Error.Code)

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `bitnob_sim_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestNewRequiresSimulator(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
