// Package reconcile applies confirmed rent payments to the persisted lease
// record.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trustlord/faults"
	"trustlord/gateway"
	"trustlord/history"
	"trustlord/lease"
	"trustlord/observability"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 30
)

// ErrSettlementPending is returned by Crypto when the intent is still pending
// after the poll limit. The lease record is untouched and the caller may try
// again later.
var ErrSettlementPending = errors.New("reconcile: settlement still pending")

// LeaseStore reads and replaces the lease record.
type LeaseStore interface {
	GetLease(ctx context.Context) (*lease.Record, error)
	SaveLease(ctx context.Context, record lease.Record) error
}

// Recorder appends settled payments to the payment history.
type Recorder interface {
	Record(ctx context.Context, receipt history.Receipt) error
}

// Reconciler turns a settlement signal into a paid lease record.
type Reconciler struct {
	gateway  gateway.Gateway
	store    LeaseStore
	ledger   Recorder
	interval time.Duration
	maxPolls int
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.TenantMetrics
	tracer   trace.Tracer
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithPollInterval sets the wait between status queries.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d >= 0 {
			r.interval = d
		}
	}
}

// WithMaxPolls bounds the number of status queries per Crypto call.
func WithMaxPolls(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxPolls = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLedger records every reconciled payment in ledger.
func WithLedger(ledger Recorder) Option {
	return func(r *Reconciler) {
		r.ledger = ledger
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.TenantMetrics) Option {
	return func(r *Reconciler) {
		r.metrics = metrics
	}
}

// New constructs a reconciler over gw and store.
func New(gw gateway.Gateway, store LeaseStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		gateway:  gw,
		store:    store,
		interval: DefaultPollInterval,
		maxPolls: DefaultMaxPolls,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer("trustlord/reconcile"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Crypto waits for the crypto intent paymentID to settle. A completed intent
// marks the current rent cycle paid. A failed intent leaves the record due
// and returns PAYMENT_FAILED. Gateway errors are returned as they are.
func (r *Reconciler) Crypto(ctx context.Context, paymentID string) (lease.Record, error) {
	const op = "reconcile.crypto"
	ctx, span := r.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("payment.id", paymentID)))
	defer span.End()
	started := r.now()

	intent, err := r.await(ctx, paymentID)
	if err == nil && intent.Status == gateway.StatusFailed {
		err = faults.New(faults.PaymentFailed, op, "payment %s failed or expired", paymentID)
	}
	if err != nil {
		r.finish(span, string(history.SourceCrypto), started, err)
		return lease.Record{}, err
	}

	record, err := r.apply(ctx, op, history.Receipt{
		ID:           intent.PaymentID,
		Reference:    intent.Reference,
		Source:       history.SourceCrypto,
		Channel:      string(intent.CryptoCurrency),
		CryptoAmount: intent.CryptoAmount,
	})
	r.finish(span, string(history.SourceCrypto), started, err)
	return record, err
}

// Direct applies a successful mobile money collection.
func (r *Reconciler) Direct(ctx context.Context, receipt gateway.MobileMoneyReceipt) (lease.Record, error) {
	const op = "reconcile.direct"
	ctx, span := r.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("receipt.id", receipt.TransactionID),
		attribute.String("provider", string(receipt.Provider)),
	))
	defer span.End()
	started := r.now()

	if strings.TrimSpace(receipt.TransactionID) == "" {
		err := faults.New(faults.PaymentFailed, op, "receipt has no transaction id")
		r.finish(span, string(history.SourceMobileMoney), started, err)
		return lease.Record{}, err
	}
	record, err := r.apply(ctx, op, history.Receipt{
		ID:        receipt.TransactionID,
		Reference: receipt.Reference,
		Source:    history.SourceMobileMoney,
		Channel:   string(receipt.Provider),
	})
	r.finish(span, string(history.SourceMobileMoney), started, err)
	return record, err
}

func (r *Reconciler) await(ctx context.Context, paymentID string) (gateway.PaymentIntent, error) {
	var last gateway.PaymentIntent
	for attempt := 0; attempt < r.maxPolls; attempt++ {
		if attempt > 0 && r.interval > 0 {
			timer := time.NewTimer(r.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return last, ctx.Err()
			case <-timer.C:
			}
		}
		intent, err := r.gateway.Status(ctx, paymentID)
		r.metrics.RecordStatusPoll()
		if err != nil {
			return last, err
		}
		if intent.Status.Terminal() {
			return intent, nil
		}
		last = intent
	}
	return last, ErrSettlementPending
}

// apply replaces the payment status of the stored record in a single write.
// The lease terms are carried over untouched. A settlement whose reference
// names a cycle other than the one awaiting payment was already applied and
// leaves the record as it is.
func (r *Reconciler) apply(ctx context.Context, op string, receipt history.Receipt) (lease.Record, error) {
	current, err := r.store.GetLease(ctx)
	if err != nil {
		return lease.Record{}, err
	}
	if current == nil {
		return lease.Record{}, faults.New(faults.ReconcileNoLease, op, "no lease record to reconcile")
	}
	if receipt.Reference != "" && receipt.Reference != current.CycleReference() {
		r.logger.Info("payment already reconciled",
			slog.String("lease_id", current.Lease.LeaseID),
			slog.String("payment_id", receipt.ID),
			slog.String("reference", receipt.Reference),
			slog.String("awaiting", current.CycleReference()))
		return *current, nil
	}
	today := lease.DateOf(r.now())
	updated := current.WithPayment(today)
	if err := r.store.SaveLease(ctx, updated); err != nil {
		return lease.Record{}, err
	}
	r.logger.Info("rent payment reconciled",
		slog.String("lease_id", updated.Lease.LeaseID),
		slog.String("payment_id", receipt.ID),
		slog.String("next_due", updated.PaymentStatus.NextDueDate.String()))

	if r.ledger != nil {
		receipt.LeaseID = updated.Lease.LeaseID
		receipt.Amount = updated.PaymentStatus.LastPaymentAmount
		receipt.Currency = string(updated.Lease.Currency)
		receipt.PaidOn = today.String()
		receipt.NextDueDate = updated.PaymentStatus.NextDueDate.String()
		receipt.SettledAt = r.now().UTC()
		if err := r.ledger.Record(ctx, receipt); err != nil {
			r.logger.Warn("payment history not updated",
				slog.String("payment_id", receipt.ID),
				slog.Any("error", err))
		}
	}
	return updated, nil
}

func (r *Reconciler) finish(span trace.Span, source string, started time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrSettlementPending):
		outcome = "pending"
	case err != nil:
		outcome = faults.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	r.metrics.ObserveReconcile(source, outcome, r.now().Sub(started))
}
