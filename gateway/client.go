package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"trustlord/faults"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxResponseBody      = 1 << 20
	tokenLifetime        = 5 * time.Minute

	// PaymentsScope is the bearer scope the payment API requires.
	PaymentsScope = "payments"
)

// Client implements Gateway against the hosted payment API.
type Client struct {
	baseURL string
	secret  []byte
	issuer  string
	http    *http.Client
	now     func() time.Time
}

// NewClient constructs an HTTP client. apiKey signs short-lived HS256 bearer
// tokens.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(strings.TrimSpace(apiKey)),
		issuer:  "trustlord-tenant",
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

// Initiate implements Gateway.
func (c *Client) Initiate(ctx context.Context, req PaymentRequest) (PaymentIntent, error) {
	const op = "gateway.client.initiate"
	envelope, err := c.doRequest(ctx, op, http.MethodPost, "/api/payments/initiate", req, req.Reference)
	if err != nil {
		return PaymentIntent{}, err
	}
	return intentOf(op, envelope)
}

// Status implements Gateway.
func (c *Client) Status(ctx context.Context, paymentID string) (PaymentIntent, error) {
	path := "/api/payments/status/" + url.PathEscape(strings.TrimSpace(paymentID))
	const op = "gateway.client.status"
	envelope, err := c.doRequest(ctx, op, http.MethodGet, path, nil, "")
	if err != nil {
		return PaymentIntent{}, err
	}
	return intentOf(op, envelope)
}

// Reset clears the remote simulator's intents and attempt counter. Only the
// simulator server exposes this endpoint.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.doRequest(ctx, "gateway.client.reset", http.MethodPost, "/api/simulator/reset", nil, "")
	return err
}

func intentOf(op string, envelope Envelope) (PaymentIntent, error) {
	if envelope.Data == nil {
		return PaymentIntent{}, faults.New(faults.BitnobAPIError, op, "empty response")
	}
	return *envelope.Data, nil
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, payload interface{}, idempotencyKey string) (Envelope, error) {
	if c == nil {
		return Envelope{}, faults.New(faults.BitnobAPIError, op, "payment client not configured")
	}
	var body io.Reader = http.NoBody
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, faults.Wrap(faults.BitnobAPIError, op, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Envelope{}, faults.Wrap(faults.BitnobAPIError, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	if len(c.secret) > 0 {
		token, err := c.bearerToken()
		if err != nil {
			return Envelope{}, faults.Wrap(faults.BitnobAPIError, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Envelope{}, ctxErr
		}
		return Envelope{}, faults.Wrap(faults.BitnobAPIError, op, err)
	}
	defer resp.Body.Close()

	var envelope Envelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&envelope)
	if envelope.Error != nil {
		return Envelope{}, envelopeError(op, envelope.Error)
	}
	if resp.StatusCode >= 300 {
		return Envelope{}, faults.New(faults.BitnobAPIError, op, "%s failed: status=%d", path, resp.StatusCode)
	}
	if decodeErr != nil {
		return Envelope{}, faults.Wrap(faults.BitnobAPIError, op, fmt.Errorf("decode response: %w", decodeErr))
	}
	if !envelope.Success {
		return Envelope{}, faults.New(faults.BitnobAPIError, op, "empty response")
	}
	return envelope, nil
}

func envelopeError(op string, apiErr *APIError) error {
	kind := faults.ParseKind(apiErr.Code)
	switch kind {
	case faults.SimFailure, faults.NotFound, faults.BitnobAPIError:
	default:
		kind = faults.BitnobAPIError
	}
	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = apiErr.Code
	}
	return faults.New(kind, op, "%s", msg)
}

func (c *Client) bearerToken() (string, error) {
	if len(c.secret) == 0 {
		return "", errors.New("api key not configured")
	}
	now := c.now()
	claims := jwt.MapClaims{
		"iss":   c.issuer,
		"sub":   "tenant",
		"scope": PaymentsScope,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
		"jti":   uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}
