package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"trustlord/gateway"
	"trustlord/gateway/auth"
)

const testSecret = "sim-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   "trustlord-tenant",
		"sub":   "tenant",
		"scope": "payments",
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	}
}

func serve(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decodeEnvelope(t *testing.T, res *httptest.ResponseRecorder) gateway.Envelope {
	t.Helper()
	var env gateway.Envelope
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &env))
	return env
}

func TestAuthenticatorAcceptsScopedToken(t *testing.T) {
	authn := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "trustlord-tenant"}, nil)
	var subject string
	handler := authn.Middleware("payments")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	res := serve(t, handler, "/api/payments/status/pay_1", signToken(t, testSecret, validClaims(time.Now())))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "tenant", subject)
}

func TestAuthenticatorRejections(t *testing.T) {
	authn := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "trustlord-tenant"}, nil)
	handler := authn.Middleware("payments")(okHandler())
	now := time.Now()

	wrongScope := validClaims(now)
	wrongScope["scope"] = "wallet"
	wrongIssuer := validClaims(now)
	wrongIssuer["iss"] = "someone-else"
	noExpiry := validClaims(now)
	delete(noExpiry, "exp")
	expired := validClaims(now.Add(-time.Hour))

	cases := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{name: "missing", token: "", status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "bad signature", token: signToken(t, "other-secret", validClaims(now)), status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "expired", token: signToken(t, testSecret, expired), status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "no expiry", token: signToken(t, testSecret, noExpiry), status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "issuer", token: signToken(t, testSecret, wrongIssuer), status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "scope", token: signToken(t, testSecret, wrongScope), status: http.StatusForbidden, code: "FORBIDDEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := serve(t, handler, "/api/payments/status/pay_1", tc.token)
			require.Equal(t, tc.status, res.Code)
			env := decodeEnvelope(t, res)
			require.False(t, env.Success)
			require.NotNil(t, env.Error)
			require.Equal(t, tc.code, env.Error.Code)
		})
	}
}

func TestAuthenticatorScopeList(t *testing.T) {
	claims := validClaims(time.Now())
	claims["scope"] = []interface{}{"read", "payments"}
	require.ElementsMatch(t, []string{"read", "payments"}, extractScopes(claims, "scope"))
	require.True(t, hasScopes([]string{"read", "payments"}, []string{"payments"}))
	require.False(t, hasScopes(nil, []string{"payments"}))
}

func TestAuthenticatorOptionalPathsAndDisabled(t *testing.T) {
	authn := NewAuthenticator(AuthConfig{
		Enabled:        true,
		HMACSecret:     testSecret,
		AllowAnonymous: true,
		OptionalPaths:  []string{"/api/payments/status"},
	}, nil)
	handler := authn.Middleware("payments")(okHandler())
	require.Equal(t, http.StatusOK, serve(t, handler, "/api/payments/status/pay_1", "").Code)
	require.Equal(t, http.StatusUnauthorized, serve(t, handler, "/api/payments/initiate", "").Code)

	disabled := NewAuthenticator(AuthConfig{}, nil).Middleware("payments")(okHandler())
	require.Equal(t, http.StatusOK, serve(t, disabled, "/api/payments/initiate", "").Code)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("  bearer   abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer("Bearer"))
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://tenant.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/payments/initiate", nil)
	req.Header.Set("Origin", "https://tenant.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://tenant.example", res.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, res.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuthenticatorRejectsReplayedToken(t *testing.T) {
	guard := auth.NewReplayGuard(time.Minute, 16, nil, nil)
	authn := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil).WithReplayGuard(guard)
	handler := authn.Middleware("payments")(okHandler())

	claims := validClaims(time.Now())
	claims["jti"] = "tok-1"
	token := signToken(t, testSecret, claims)
	require.Equal(t, http.StatusOK, serve(t, handler, "/api/payments/initiate", token).Code)

	res := serve(t, handler, "/api/payments/initiate", token)
	require.Equal(t, http.StatusUnauthorized, res.Code)
	require.Equal(t, "token already used", decodeEnvelope(t, res).Error.Message)

	res = serve(t, handler, "/api/payments/initiate", signToken(t, testSecret, validClaims(time.Now())))
	require.Equal(t, http.StatusUnauthorized, res.Code)
	require.Equal(t, "token has no id", decodeEnvelope(t, res).Error.Message)
}
