// Package routes mounts the payment simulator HTTP API.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"trustlord/faults"
	"trustlord/gateway"
	"trustlord/gateway/audit"
	"trustlord/gateway/middleware"
	"trustlord/observability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20
)

// Simulator is the payment backend the API fronts.
type Simulator interface {
	gateway.Gateway
	Reset(ctx context.Context) error
}

// AuditStore caches idempotent responses and records every exchange.
type AuditStore interface {
	LookupIdempotency(ctx context.Context, key, hash string) (*audit.StoredResponse, error)
	SaveIdempotency(ctx context.Context, key, hash string, status int, body []byte) error
	Purge(ctx context.Context) error
	Insert(ctx context.Context, entry audit.Entry) error
}

type Config struct {
	Simulator     Simulator
	Audit         AuditStore
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Metrics       *observability.SimulatorMetrics
	Logger        *slog.Logger
	Now           func() time.Time
}

type server struct {
	sim     Simulator
	audit   AuditStore
	metrics *observability.SimulatorMetrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Simulator == nil {
		return nil, fmt.Errorf("routes: simulator required")
	}
	s := &server{
		sim:     cfg.Simulator,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/api", func(api chi.Router) {
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware)
		}
		if cfg.Authenticator != nil {
			api.Use(cfg.Authenticator.Middleware(gateway.PaymentsScope))
		}
		api.Post("/payments/initiate", s.handleInitiate)
		api.Get("/payments/status/{paymentID}", s.handleStatus)
		api.Post("/simulator/reset", s.handleReset)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, nil, faults.New(faults.NotFound, "routes", "no route for %s %s", r.Method, r.URL.Path))
	})
	return r, nil
}

func (s *server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, r, body, faults.New(faults.BitnobAPIError, "routes.initiate", "read body: %v", err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	var requestHash string
	if key != "" && s.audit != nil {
		requestHash = audit.HashRequest(r.Method, r.URL.Path, r.URL.RawQuery, body)
		cached, err := s.audit.LookupIdempotency(r.Context(), key, requestHash)
		if errors.Is(err, audit.ErrIdempotencyConflict) {
			s.writeStatus(w, r, body, http.StatusConflict, &gateway.APIError{
				Code:    faults.BitnobAPIError.String(),
				Message: "idempotency key reused with a different request",
			})
			return
		}
		if err != nil {
			s.writeError(w, r, body, faults.Wrap(faults.StorageIOError, "routes.initiate", err))
			return
		}
		if cached != nil {
			s.metrics.RecordReplay()
			s.respond(w, r, body, cached.Status, cached.Body)
			return
		}
	}

	var req gateway.PaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeStatus(w, r, body, http.StatusBadRequest, &gateway.APIError{
			Code:    faults.BitnobAPIError.String(),
			Message: "invalid JSON payload",
		})
		return
	}
	if err := validateRequest(req); err != nil {
		s.writeStatus(w, r, body, http.StatusBadRequest, err)
		return
	}
	intent, err := s.sim.Initiate(r.Context(), req)
	if err != nil {
		s.metrics.RecordIntent(string(req.CryptoCurrency), faults.KindOf(err).String())
		s.writeError(w, r, body, err)
		return
	}
	s.metrics.RecordIntent(string(req.CryptoCurrency), "ok")
	respBody, err := json.Marshal(gateway.Envelope{Success: true, Data: &intent})
	if err != nil {
		s.writeError(w, r, body, faults.Wrap(faults.BitnobAPIError, "routes.initiate", err))
		return
	}
	// Only successful responses are cached so a retry after a transient
	// failure reaches the simulator again.
	if requestHash != "" {
		if err := s.audit.SaveIdempotency(r.Context(), key, requestHash, http.StatusOK, respBody); err != nil {
			s.logger.Warn("idempotency cache write failed", slog.String("reference", key), slog.Any("error", err))
		}
	}
	s.respond(w, r, body, http.StatusOK, respBody)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	intent, err := s.sim.Status(r.Context(), paymentID)
	if err != nil {
		s.writeError(w, r, nil, err)
		return
	}
	s.writeJSON(w, r, nil, http.StatusOK, gateway.Envelope{Success: true, Data: &intent})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.Reset(r.Context()); err != nil {
		s.writeError(w, r, nil, err)
		return
	}
	if s.audit != nil {
		if err := s.audit.Purge(r.Context()); err != nil {
			s.writeError(w, r, nil, faults.Wrap(faults.StorageIOError, "routes.reset", err))
			return
		}
	}
	s.logger.Info("simulator state reset", slog.String("subject", middleware.Subject(r.Context())))
	s.writeJSON(w, r, nil, http.StatusOK, gateway.Envelope{Success: true})
}

func validateRequest(req gateway.PaymentRequest) *gateway.APIError {
	code := faults.BitnobAPIError.String()
	switch {
	case req.Amount <= 0:
		return &gateway.APIError{Code: code, Message: "amount must be positive", Field: "amount"}
	case strings.TrimSpace(string(req.FiatCurrency)) == "":
		return &gateway.APIError{Code: code, Message: "fiatCurrency required", Field: "fiatCurrency"}
	case strings.TrimSpace(string(req.CryptoCurrency)) == "":
		return &gateway.APIError{Code: code, Message: "cryptoCurrency required", Field: "cryptoCurrency"}
	case strings.TrimSpace(req.Reference) == "":
		return &gateway.APIError{Code: code, Message: "reference required", Field: "reference"}
	}
	return nil
}

func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.SimFailure:
		return http.StatusServiceUnavailable
	case faults.NotFound:
		return http.StatusNotFound
	case faults.BitnobAPIError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, reqBody []byte, err error) {
	kind := faults.KindOf(err)
	status := statusFor(kind)
	message := err.Error()
	var typed *faults.Error
	if errors.As(err, &typed) && typed.Msg != "" {
		message = typed.Msg
	}
	if status >= http.StatusInternalServerError && kind != faults.SimFailure {
		s.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		message = "internal error"
	}
	s.writeStatus(w, r, reqBody, status, &gateway.APIError{Code: kind.String(), Message: message})
}

func (s *server) writeStatus(w http.ResponseWriter, r *http.Request, reqBody []byte, status int, apiErr *gateway.APIError) {
	s.writeJSON(w, r, reqBody, status, gateway.Envelope{Success: false, Error: apiErr})
}

func (s *server) writeJSON(w http.ResponseWriter, r *http.Request, reqBody []byte, status int, env gateway.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		body = []byte(`{"success":false,"error":{"code":"UNKNOWN","message":"encode response"}}`)
		status = http.StatusInternalServerError
	}
	s.respond(w, r, reqBody, status, body)
}

func (s *server) respond(w http.ResponseWriter, r *http.Request, reqBody []byte, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	if s.audit == nil {
		return
	}
	entry := audit.Entry{
		Method:         r.Method,
		Path:           r.URL.Path,
		Subject:        middleware.Subject(r.Context()),
		RequestBody:    reqBody,
		ResponseStatus: status,
		ResponseBody:   body,
		Timestamp:      s.now().UTC(),
	}
	if err := s.audit.Insert(r.Context(), entry); err != nil {
		s.logger.Warn("audit write failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}
