package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustlord/faults"
)

const (
	// DefaultIntentTTL is how long a pending intent may be paid.
	DefaultIntentTTL = 30 * time.Minute
	// DefaultHostedBaseURL prefixes hosted payment page links.
	DefaultHostedBaseURL = "https://api.bitnob.co/api/v1"
	// DefaultWalletAddress receives simulated landlord payouts.
	DefaultWalletAddress = "wallet-uuid-for-landlord-ugx-payouts"
)

// SimState is everything the simulator remembers between calls.
type SimState struct {
	FirstAttemptFailed bool           `json:"firstAttemptFailed"`
	Intent             *PaymentIntent `json:"lastIntent,omitempty"`
}

// StateStore persists SimState across process restarts.
type StateStore interface {
	LoadSimState(ctx context.Context) (SimState, error)
	SaveSimState(ctx context.Context, state SimState) error
}

// Policy holds the simulator rules. Its methods are pure: they take the
// current state and return the next one.
type Policy struct {
	Rates         RateTable
	WalletAddress string
	HostedBaseURL string
	IntentTTL     time.Duration
	NewID         func() string
}

// DefaultPolicy returns the policy with the fixed rate table and a 30 minute
// intent lifetime.
func DefaultPolicy() Policy {
	return Policy{
		Rates:         DefaultRates(),
		WalletAddress: DefaultWalletAddress,
		HostedBaseURL: DefaultHostedBaseURL,
		IntentTTL:     DefaultIntentTTL,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Rates == nil {
		p.Rates = DefaultRates()
	}
	if strings.TrimSpace(p.WalletAddress) == "" {
		p.WalletAddress = DefaultWalletAddress
	}
	if strings.TrimSpace(p.HostedBaseURL) == "" {
		p.HostedBaseURL = DefaultHostedBaseURL
	}
	if p.IntentTTL <= 0 {
		p.IntentTTL = DefaultIntentTTL
	}
	if p.NewID == nil {
		p.NewID = func() string { return "pay_" + uuid.NewString() }
	}
	return p
}

// Initiate applies the first-attempt failure rule and otherwise opens a
// pending intent. changed reports whether the returned state must be persisted.
func (p Policy) Initiate(state SimState, req PaymentRequest, now time.Time) (next SimState, intent PaymentIntent, changed bool, err error) {
	const op = "gateway.initiate"
	p = p.withDefaults()
	if !state.FirstAttemptFailed {
		state.FirstAttemptFailed = true
		return state, PaymentIntent{}, true, faults.New(faults.SimFailure, op, "temporary provider issue, retry")
	}
	if req.Amount <= 0 {
		return state, PaymentIntent{}, false, faults.New(faults.BitnobAPIError, op, "amount must be positive")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return state, PaymentIntent{}, false, faults.New(faults.BitnobAPIError, op, "reference required")
	}
	rate, ok := p.Rates.Rate(req.FiatCurrency, req.CryptoCurrency)
	if !ok {
		return state, PaymentIntent{}, false, faults.New(faults.BitnobAPIError, op, "unsupported currency pair %s/%s", req.FiatCurrency, req.CryptoCurrency)
	}
	cryptoAmount, convErr := ConvertToCrypto(req.Amount, rate)
	if convErr != nil {
		return state, PaymentIntent{}, false, faults.Wrap(faults.BitnobAPIError, op, convErr)
	}
	created := now.UTC()
	id := p.NewID()
	intent = PaymentIntent{
		PaymentID:      id,
		Reference:      req.Reference,
		Amount:         req.Amount,
		CryptoAmount:   cryptoAmount,
		FiatCurrency:   req.FiatCurrency,
		CryptoCurrency: req.CryptoCurrency,
		ExchangeRate:   rate,
		Status:         StatusPending,
		WalletAddress:  p.WalletAddress,
		QRCode:         paymentURI(req.CryptoCurrency, p.WalletAddress, cryptoAmount),
		PaymentURL:     fmt.Sprintf("%s/payments/hosted/%s", strings.TrimRight(p.HostedBaseURL, "/"), id),
		ExpiresAt:      created.Add(p.IntentTTL),
		CreatedAt:      created,
	}
	stored := intent
	state.Intent = &stored
	return state, intent, true, nil
}

// Status reports the stored intent. A pending intent settles as a side effect
// of being queried, or fails once it is past its expiry.
func (p Policy) Status(state SimState, paymentID string, now time.Time) (next SimState, intent PaymentIntent, changed bool, err error) {
	if state.Intent == nil || state.Intent.PaymentID != strings.TrimSpace(paymentID) || paymentID == "" {
		return state, PaymentIntent{}, false, faults.New(faults.NotFound, "gateway.status", "payment %q not found", paymentID)
	}
	intent = *state.Intent
	if intent.Status != StatusPending {
		return state, intent, false, nil
	}
	if now.After(intent.ExpiresAt) {
		intent.Status = StatusFailed
	} else {
		intent.Status = StatusCompleted
	}
	stored := intent
	state.Intent = &stored
	return state, intent, true, nil
}

func paymentURI(asset CryptoCurrency, wallet string, amount float64) string {
	scheme := "bitcoin"
	if asset != BTC {
		scheme = strings.ToLower(string(asset))
	}
	return fmt.Sprintf("%s:%s?amount=%s", scheme, wallet, strconv.FormatFloat(amount, 'f', -1, 64))
}

// Simulator is a Gateway backed by Policy with its state kept in a StateStore.
type Simulator struct {
	mu     sync.Mutex
	store  StateStore
	policy Policy
	now    func() time.Time
	logger *slog.Logger
	settle func(PaymentIntent)
}

// SimulatorOption customises a Simulator.
type SimulatorOption func(*Simulator)

// WithSimulatorClock overrides the time source.
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSimulatorLogger overrides the logger.
func WithSimulatorLogger(logger *slog.Logger) SimulatorOption {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSettlementObserver registers fn to run once per intent when it reaches
// a terminal status.
func WithSettlementObserver(fn func(PaymentIntent)) SimulatorOption {
	return func(s *Simulator) {
		s.settle = fn
	}
}

// NewSimulator wires policy to store.
func NewSimulator(store StateStore, policy Policy, opts ...SimulatorOption) *Simulator {
	sim := &Simulator{
		store:  store,
		policy: policy.withDefaults(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sim)
		}
	}
	return sim
}

// Initiate implements Gateway.
func (s *Simulator) Initiate(ctx context.Context, req PaymentRequest) (PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.store.LoadSimState(ctx)
	if err != nil {
		return PaymentIntent{}, err
	}
	next, intent, changed, policyErr := s.policy.Initiate(state, req, s.now())
	if changed {
		if err := s.store.SaveSimState(ctx, next); err != nil {
			return PaymentIntent{}, err
		}
	}
	if policyErr != nil {
		s.logger.Warn("simulated payment initiation failed",
			slog.String("reference", req.Reference),
			slog.String("kind", faults.KindOf(policyErr).String()))
		return PaymentIntent{}, policyErr
	}
	s.logger.Info("simulated payment initiated",
		slog.String("payment_id", intent.PaymentID),
		slog.String("crypto", string(intent.CryptoCurrency)),
		slog.Float64("crypto_amount", intent.CryptoAmount))
	return intent, nil
}

// Status implements Gateway.
func (s *Simulator) Status(ctx context.Context, paymentID string) (PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.store.LoadSimState(ctx)
	if err != nil {
		return PaymentIntent{}, err
	}
	next, intent, changed, policyErr := s.policy.Status(state, paymentID, s.now())
	if policyErr != nil {
		return PaymentIntent{}, policyErr
	}
	if changed {
		if err := s.store.SaveSimState(ctx, next); err != nil {
			return PaymentIntent{}, err
		}
		s.logger.Info("simulated payment settled",
			slog.String("payment_id", intent.PaymentID),
			slog.String("status", string(intent.Status)))
		if s.settle != nil {
			s.settle(intent)
		}
	}
	return intent, nil
}

// Reset clears the persisted state so the next initiation fails again.
func (s *Simulator) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.SaveSimState(ctx, SimState{})
}

// State returns the persisted simulator state.
func (s *Simulator) State(ctx context.Context) (SimState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.LoadSimState(ctx)
}
