package gateway

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"trustlord/faults"
	"trustlord/lease"
)

// MobileMoneyProvider identifies a mobile money network.
type MobileMoneyProvider string

const (
	MTNMoMo      MobileMoneyProvider = "mtn_momo"
	AirtelMoney  MobileMoneyProvider = "airtel_money"
	VodacomMpesa MobileMoneyProvider = "vodacom_mpesa"
	TigoPesa     MobileMoneyProvider = "tigo_pesa"
	OrangeMoney  MobileMoneyProvider = "orange_money"
)

// ParseMobileMoneyProvider resolves a provider id.
func ParseMobileMoneyProvider(raw string) (MobileMoneyProvider, bool) {
	p := MobileMoneyProvider(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case MTNMoMo, AirtelMoney, VodacomMpesa, TigoPesa, OrangeMoney:
		return p, true
	}
	return p, false
}

var providerTitle = cases.Title(language.English)

// DisplayName renders the provider id for people, e.g. "Airtel Money".
func (p MobileMoneyProvider) DisplayName() string {
	return providerTitle.String(strings.ReplaceAll(string(p), "_", " "))
}

// MobileMoneyRequest asks the provider to collect rent from a phone wallet.
type MobileMoneyRequest struct {
	Provider    MobileMoneyProvider `json:"provider"`
	PhoneNumber string              `json:"phoneNumber"`
	Amount      float64             `json:"amount"`
	Currency    lease.Currency      `json:"currency"`
	Reference   string              `json:"reference"`
	Description string              `json:"description"`
}

// MobileMoneyReceipt confirms a successful collection.
type MobileMoneyReceipt struct {
	TransactionID string              `json:"transactionId"`
	Provider      MobileMoneyProvider `json:"provider"`
	PhoneNumber   string              `json:"phoneNumber"`
	Amount        float64             `json:"amount"`
	Currency      lease.Currency      `json:"currency"`
	Reference     string              `json:"reference"`
	CompletedAt   time.Time           `json:"completedAt"`
}

// MobileMoney collects rent directly from a phone wallet. Implementations
// settle synchronously: a nil error means the money moved.
type MobileMoney interface {
	Collect(ctx context.Context, req MobileMoneyRequest) (MobileMoneyReceipt, error)
}

const (
	DefaultMobileMoneyDelay       = 2 * time.Second
	DefaultMobileMoneySuccessRate = 0.8
)

// MobileMoneySimulator stands in for a provider: it waits a fixed delay and
// then succeeds with a configurable probability.
type MobileMoneySimulator struct {
	delay       time.Duration
	successRate float64
	now         func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// MobileMoneyOption customises a MobileMoneySimulator.
type MobileMoneyOption func(*MobileMoneySimulator)

// WithDelay overrides the simulated processing time.
func WithDelay(d time.Duration) MobileMoneyOption {
	return func(m *MobileMoneySimulator) {
		if d >= 0 {
			m.delay = d
		}
	}
}

// WithSuccessRate overrides the probability of a successful collection.
func WithSuccessRate(rate float64) MobileMoneyOption {
	return func(m *MobileMoneySimulator) {
		if rate >= 0 && rate <= 1 {
			m.successRate = rate
		}
	}
}

// WithRandSource makes outcomes reproducible.
func WithRandSource(src rand.Source) MobileMoneyOption {
	return func(m *MobileMoneySimulator) {
		if src != nil {
			m.rand = rand.New(src)
		}
	}
}

// WithMobileMoneyClock overrides the receipt timestamp source.
func WithMobileMoneyClock(now func() time.Time) MobileMoneyOption {
	return func(m *MobileMoneySimulator) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMobileMoneySimulator returns a simulator with an 80% success rate.
func NewMobileMoneySimulator(opts ...MobileMoneyOption) *MobileMoneySimulator {
	m := &MobileMoneySimulator{
		delay:       DefaultMobileMoneyDelay,
		successRate: DefaultMobileMoneySuccessRate,
		now:         time.Now,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Collect implements MobileMoney.
func (m *MobileMoneySimulator) Collect(ctx context.Context, req MobileMoneyRequest) (MobileMoneyReceipt, error) {
	const op = "gateway.mobilemoney.collect"
	if _, ok := ParseMobileMoneyProvider(string(req.Provider)); !ok {
		return MobileMoneyReceipt{}, faults.New(faults.MobileMoneyFailed, op, "unsupported provider %q", req.Provider)
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return MobileMoneyReceipt{}, faults.New(faults.MobileMoneyFailed, op, "phone number required")
	}
	if req.Amount <= 0 {
		return MobileMoneyReceipt{}, faults.New(faults.MobileMoneyFailed, op, "amount must be positive")
	}
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return MobileMoneyReceipt{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return MobileMoneyReceipt{}, err
	}

	m.mu.Lock()
	roll := m.rand.Float64()
	m.mu.Unlock()
	if roll >= m.successRate {
		return MobileMoneyReceipt{}, faults.New(faults.MobileMoneyFailed, op, "%s declined the collection, try again", req.Provider.DisplayName())
	}
	return MobileMoneyReceipt{
		TransactionID: "mm_" + uuid.NewString(),
		Provider:      req.Provider,
		PhoneNumber:   req.PhoneNumber,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reference:     req.Reference,
		CompletedAt:   m.now().UTC(),
	}, nil
}
