package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"trustlord/faults"
	"trustlord/gateway"
	"trustlord/lease"
	"trustlord/observability"
	"trustlord/observability/logging"
)

// LeaseSaver persists the accepted lease record.
type LeaseSaver interface {
	SaveLease(ctx context.Context, record lease.Record) error
}

// Payer carries the details the payment rails need from the tenant.
type Payer struct {
	Phone    string
	Email    string
	Provider gateway.MobileMoneyProvider
	Crypto   gateway.CryptoCurrency
}

// Snapshot is a copy of the machine's observable state. Err is the error
// surfaced by the last transition, such as a scan fault, a failed payment or a
// failed lease write.
type Snapshot struct {
	State         State
	Outcome       Outcome
	Offer         *lease.Offer
	TermsAccepted bool
	Method        Method
	Err           error
	Intent        *gateway.PaymentIntent
	Receipt       *gateway.MobileMoneyReceipt
	Record        *lease.Record
}

// Machine is a single tenant scan session. It is safe for concurrent use but
// processes one payment submission at a time.
type Machine struct {
	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc

	codec     *lease.Codec
	gateway   gateway.Gateway
	mobile    gateway.MobileMoney
	store     LeaseSaver
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.TenantMetrics
	observers []Observer

	defaultCrypto   gateway.CryptoCurrency
	defaultProvider gateway.MobileMoneyProvider
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for payment dates and, unless a
// codec is supplied, for offer expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCodec overrides the offer codec.
func WithCodec(codec *lease.Codec) Option {
	return func(m *Machine) {
		if codec != nil {
			m.codec = codec
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.TenantMetrics) Option {
	return func(m *Machine) {
		m.metrics = metrics
	}
}

// WithObserver registers a transition observer.
func WithObserver(observer Observer) Option {
	return func(m *Machine) {
		if observer != nil {
			m.observers = append(m.observers, observer)
		}
	}
}

// WithDefaultCrypto sets the asset used when Payer.Crypto is empty.
func WithDefaultCrypto(asset gateway.CryptoCurrency) Option {
	return func(m *Machine) {
		if asset != "" {
			m.defaultCrypto = asset
		}
	}
}

// WithDefaultProvider sets the network used when Payer.Provider is empty.
func WithDefaultProvider(provider gateway.MobileMoneyProvider) Option {
	return func(m *Machine) {
		if provider != "" {
			m.defaultProvider = provider
		}
	}
}

// New returns a session awaiting camera permission.
func New(gw gateway.Gateway, mobile gateway.MobileMoney, store LeaseSaver, opts ...Option) *Machine {
	m := &Machine{
		snap:            Snapshot{State: AwaitingPermission},
		gateway:         gw,
		mobile:          mobile,
		store:           store,
		now:             time.Now,
		logger:          slog.Default(),
		defaultCrypto:   gateway.USDT,
		defaultProvider: gateway.MTNMoMo,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.codec == nil {
		m.codec = lease.NewCodec(lease.WithClock(m.now))
	}
	return m
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snap
	if snap.Offer != nil {
		offer := *snap.Offer
		snap.Offer = &offer
	}
	if snap.Intent != nil {
		intent := *snap.Intent
		snap.Intent = &intent
	}
	if snap.Receipt != nil {
		receipt := *snap.Receipt
		snap.Receipt = &receipt
	}
	if snap.Record != nil {
		record := *snap.Record
		snap.Record = &record
	}
	return snap
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.State
}

// GrantPermission records that camera access was granted.
func (m *Machine) GrantPermission() error {
	return m.simple(EventGrant, []State{AwaitingPermission}, func(s *Snapshot) (State, error) {
		return Scanning, nil
	})
}

// DenyPermission records that the tenant refused camera access.
func (m *Machine) DenyPermission() error {
	return m.simple(EventDeny, []State{AwaitingPermission}, func(s *Snapshot) (State, error) {
		return PermissionDenied, faults.New(faults.PermissionDenied, "session.permission", "camera access denied")
	})
}

// CameraUnavailable records that the device has no usable camera.
func (m *Machine) CameraUnavailable() error {
	return m.simple(EventUnavailable, []State{AwaitingPermission}, func(s *Snapshot) (State, error) {
		return PermissionDenied, faults.New(faults.CameraUnavailable, "session.permission", "camera unavailable")
	})
}

// RetryPermission asks for camera access again.
func (m *Machine) RetryPermission() error {
	return m.simple(EventRetryPermission, []State{PermissionDenied}, func(s *Snapshot) (State, error) {
		return AwaitingPermission, nil
	})
}

// SubmitPayload validates a decoded QR payload. On success the offer is held
// in PreviewReady; otherwise the session moves to ScanError and the codec
// error is returned.
func (m *Machine) SubmitPayload(raw string) error {
	m.mu.Lock()
	if err := m.guardLocked(EventPayload, Scanning); err != nil {
		m.mu.Unlock()
		return err
	}
	transitions := []Transition{m.moveLocked(Validating, EventPayload, nil)}
	offer, err := m.codec.Parse(raw)
	if err != nil {
		transitions = append(transitions, m.moveLocked(ScanError, EventValidated, err))
	} else {
		m.snap.Offer = &offer
		transitions = append(transitions, m.moveLocked(PreviewReady, EventValidated, nil))
	}
	m.mu.Unlock()
	m.notify(transitions...)
	return err
}

// Rescan leaves ScanError for a fresh scan.
func (m *Machine) Rescan() error {
	return m.simple(EventRescan, []State{ScanError}, func(s *Snapshot) (State, error) {
		s.Offer = nil
		s.TermsAccepted = false
		return Scanning, nil
	})
}

// SetTermsAccepted toggles the terms checkbox on the preview.
func (m *Machine) SetTermsAccepted(accepted bool) error {
	return m.simple(EventToggleTerms, []State{PreviewReady}, func(s *Snapshot) (State, error) {
		s.TermsAccepted = accepted
		return PreviewReady, nil
	})
}

// Reject discards the previewed offer and returns to scanning.
func (m *Machine) Reject() error {
	return m.simple(EventReject, []State{PreviewReady}, func(s *Snapshot) (State, error) {
		s.Offer = nil
		s.TermsAccepted = false
		return Scanning, nil
	})
}

// Accept moves to payment method selection. It returns ErrTermsNotAccepted,
// without a transition, until SetTermsAccepted(true).
func (m *Machine) Accept() error {
	m.mu.Lock()
	if err := m.guardLocked(EventAccept, PreviewReady); err != nil {
		m.mu.Unlock()
		return err
	}
	if !m.snap.TermsAccepted {
		m.mu.Unlock()
		return ErrTermsNotAccepted
	}
	tr := m.moveLocked(AwaitingPaymentMethod, EventAccept, nil)
	m.mu.Unlock()
	m.notify(tr)
	return nil
}

// SelectMethod submits the first month's rent and blocks until the payment
// rail answers. A payment failure returns the session to
// AwaitingPaymentMethod. A successful payment saves a new lease record and
// settles the session; if that write fails the session settles as
// OutcomeNotSaved and the storage error is returned. Cancel during the call
// yields ErrCancelled. That is the only error from SelectMethod that carries
// no faults kind.
func (m *Machine) SelectMethod(ctx context.Context, method Method, payer Payer) error {
	m.mu.Lock()
	if err := m.guardLocked(EventSelectMethod, AwaitingPaymentMethod); err != nil {
		m.mu.Unlock()
		return err
	}
	if method != MethodCrypto && method != MethodMobileMoney {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	offer := *m.snap.Offer
	today := lease.DateOf(m.now())
	record := lease.NewRecord(offer, today)
	submitCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.snap.Method = method
	tr := m.moveLocked(Submitting, EventSelectMethod, nil)
	m.mu.Unlock()
	m.notify(tr)

	var (
		intent  *gateway.PaymentIntent
		receipt *gateway.MobileMoneyReceipt
		payErr  error
	)
	switch method {
	case MethodCrypto:
		req := m.cryptoRequest(offer, record, payer)
		var created gateway.PaymentIntent
		if created, payErr = m.gateway.Initiate(submitCtx, req); payErr == nil {
			intent = &created
		}
	case MethodMobileMoney:
		req := m.mobileRequest(offer, record, payer)
		var collected gateway.MobileMoneyReceipt
		if collected, payErr = m.mobile.Collect(submitCtx, req); payErr == nil {
			receipt = &collected
		}
	}
	m.metrics.RecordPayment(string(method), outcomeCode(payErr))

	m.mu.Lock()
	cancel()
	m.cancel = nil
	if m.snap.State != Submitting {
		m.mu.Unlock()
		if payErr == nil {
			m.logger.Warn("payment completed after session was cancelled",
				slog.String("lease_id", offer.LeaseID),
				slog.String("reference", record.CycleReference()))
		}
		return fmt.Errorf("%w: %w", ErrCancelled, context.Canceled)
	}
	if payErr != nil {
		tr := m.moveLocked(AwaitingPaymentMethod, EventSubmitFailed, payErr)
		m.mu.Unlock()
		m.notify(tr)
		m.logger.Warn("rent payment failed",
			slog.String("lease_id", offer.LeaseID),
			slog.String("method", string(method)),
			slog.String("kind", faults.KindOf(payErr).String()),
			slog.Any("error", payErr))
		return payErr
	}

	m.snap.Intent = intent
	m.snap.Receipt = receipt
	m.snap.Record = &record
	saveErr := m.store.SaveLease(ctx, record)
	if saveErr != nil {
		m.snap.Outcome = OutcomeNotSaved
		m.logger.Error("payment succeeded but lease record was not saved",
			slog.String("lease_id", offer.LeaseID),
			slog.Any("error", saveErr))
	} else {
		m.snap.Outcome = settledOutcome(method)
	}
	tr = m.moveLocked(Settled, EventSubmitted, saveErr)
	m.mu.Unlock()
	m.notify(tr)
	return saveErr
}

// RetrySave repeats the lease write after OutcomeNotSaved. The payment is not
// resubmitted.
func (m *Machine) RetrySave(ctx context.Context) error {
	m.mu.Lock()
	if m.snap.State != Settled || m.snap.Outcome != OutcomeNotSaved || m.snap.Record == nil {
		err := &TransitionError{State: m.snap.State, Event: EventRetrySave}
		m.mu.Unlock()
		return err
	}
	err := m.store.SaveLease(ctx, *m.snap.Record)
	if err == nil {
		m.snap.Outcome = settledOutcome(m.snap.Method)
	}
	tr := m.moveLocked(Settled, EventRetrySave, err)
	m.mu.Unlock()
	m.notify(tr)
	return err
}

// Cancel ends the session from any non-terminal state. An in-flight payment
// call has its context cancelled.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	if m.snap.State.Terminal() {
		err := &TransitionError{State: m.snap.State, Event: EventCancel}
		m.mu.Unlock()
		return err
	}
	if m.cancel != nil {
		m.cancel()
	}
	tr := m.moveLocked(Cancelled, EventCancel, nil)
	m.mu.Unlock()
	m.notify(tr)
	return nil
}

func (m *Machine) simple(event Event, from []State, apply func(*Snapshot) (State, error)) error {
	m.mu.Lock()
	if err := m.guardLocked(event, from...); err != nil {
		m.mu.Unlock()
		return err
	}
	to, surfaced := apply(&m.snap)
	tr := m.moveLocked(to, event, surfaced)
	m.mu.Unlock()
	m.notify(tr)
	return surfaced
}

func (m *Machine) guardLocked(event Event, allowed ...State) error {
	current := m.snap.State
	if current == Submitting && event != EventCancel {
		return ErrBusy
	}
	for _, state := range allowed {
		if current == state {
			return nil
		}
	}
	return &TransitionError{State: current, Event: event}
}

func (m *Machine) moveLocked(to State, event Event, err error) Transition {
	tr := Transition{From: m.snap.State, To: to, Event: event, Err: err}
	m.snap.State = to
	m.snap.Err = err
	m.metrics.RecordTransition(tr.From.String(), tr.To.String(), string(event))
	attrs := []any{
		slog.String("from", tr.From.String()),
		slog.String("to", tr.To.String()),
		slog.String("event", string(event)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("kind", faults.KindOf(err).String()))
	}
	m.logger.Debug("session transition", attrs...)
	return tr
}

func (m *Machine) notify(transitions ...Transition) {
	for _, tr := range transitions {
		for _, observer := range m.observers {
			observer(tr)
		}
	}
}

func (m *Machine) cryptoRequest(offer lease.Offer, record lease.Record, payer Payer) gateway.PaymentRequest {
	asset := payer.Crypto
	if asset == "" {
		asset = m.defaultCrypto
	}
	m.logger.Info("initiating crypto rent payment",
		slog.String("lease_id", offer.LeaseID),
		slog.String("asset", string(asset)),
		logging.Phone("customer_phone", payer.Phone))
	return gateway.PaymentRequest{
		Amount:         offer.MonthlyRent,
		FiatCurrency:   offer.Currency,
		CryptoCurrency: asset,
		CustomerEmail:  strings.TrimSpace(payer.Email),
		CustomerPhone:  strings.TrimSpace(payer.Phone),
		Reference:      record.CycleReference(),
		Description:    paymentDescription(offer, record),
	}
}

func (m *Machine) mobileRequest(offer lease.Offer, record lease.Record, payer Payer) gateway.MobileMoneyRequest {
	provider := payer.Provider
	if provider == "" {
		provider = m.defaultProvider
	}
	m.logger.Info("collecting mobile money rent payment",
		slog.String("lease_id", offer.LeaseID),
		slog.String("provider", string(provider)),
		logging.Phone("customer_phone", payer.Phone))
	return gateway.MobileMoneyRequest{
		Provider:    provider,
		PhoneNumber: strings.TrimSpace(payer.Phone),
		Amount:      offer.MonthlyRent,
		Currency:    offer.Currency,
		Reference:   record.CycleReference(),
		Description: paymentDescription(offer, record),
	}
}

func paymentDescription(offer lease.Offer, record lease.Record) string {
	property := offer.PropertyName
	if offer.UnitNumber != "" {
		property += " unit " + offer.UnitNumber
	}
	return fmt.Sprintf("Rent for %s, %s", property, record.PaymentStatus.NextDueDate.Time().Format("January 2006"))
}

func settledOutcome(method Method) Outcome {
	if method == MethodMobileMoney {
		return OutcomeSucceeded
	}
	return OutcomePendingConfirmation
}

func outcomeCode(err error) string {
	if err == nil {
		return "ok"
	}
	return faults.KindOf(err).String()
}
