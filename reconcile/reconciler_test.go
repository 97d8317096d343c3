package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trustlord/faults"
	"trustlord/gateway"
	"trustlord/history"
	"trustlord/lease"
	"trustlord/leasestore"
	"trustlord/session"
	"trustlord/storage"
)

var reconcileNow = time.Date(2025, 7, 20, 10, 0, 0, 0, time.UTC)

type scriptedGateway struct {
	statuses []gateway.IntentStatus
	err      error
	calls    int
}

func (s *scriptedGateway) Initiate(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentIntent, error) {
	return gateway.PaymentIntent{}, errors.New("not scripted")
}

func (s *scriptedGateway) Status(ctx context.Context, id string) (gateway.PaymentIntent, error) {
	s.calls++
	if s.err != nil {
		return gateway.PaymentIntent{}, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	return gateway.PaymentIntent{
		PaymentID:      id,
		Reference:      "lease-001-202508",
		CryptoCurrency: gateway.USDT,
		CryptoAmount:   210.52631579,
		Status:         s.statuses[idx],
	}, nil
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(ctx context.Context, receipt history.Receipt) error {
	f.calls++
	return errors.New("ledger offline")
}

func seededStore(t *testing.T) *leasestore.Store {
	t.Helper()
	store := leasestore.New(storage.NewMemDB())
	offer := lease.Offer{
		LeaseID:             "lease-001",
		LandlordID:          "landlord-7",
		PropertyID:          "prop-3",
		PropertyName:        "Kololo Heights",
		PropertyAddress:     "Plot 12, Kololo, Kampala",
		MonthlyRent:         800000,
		Currency:            lease.UGX,
		SecurityDeposit:     1600000,
		LeaseStartDate:      lease.NewDate(2025, time.August, 1),
		LeaseDurationMonths: 12,
		LandlordName:        "Grace Namutebi",
		LandlordPhone:       "+256772123456",
		IssuedAtEpochMs:     reconcileNow.Add(-time.Hour).UnixMilli(),
	}
	require.NoError(t, store.SaveLease(context.Background(), lease.NewRecord(offer, lease.DateOf(reconcileNow))))
	return store
}

func clock() time.Time { return reconcileNow }

func TestEndToEndCryptoOnboardingAndReconcile(t *testing.T) {
	ctx := context.Background()
	store := leasestore.New(storage.NewMemDB())
	sim := gateway.NewSimulator(store, gateway.DefaultPolicy(), gateway.WithSimulatorClock(clock))
	ledger, err := history.Open(history.DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer ledger.Close()

	machine := session.New(sim, nil, store, session.WithClock(clock))
	require.NoError(t, machine.GrantPermission())
	payload, err := lease.NewCodec(lease.WithClock(clock)).Encode(lease.Offer{
		LeaseID:             "lease-001",
		LandlordID:          "landlord-7",
		PropertyID:          "prop-3",
		PropertyName:        "Kololo Heights",
		PropertyAddress:     "Plot 12, Kololo, Kampala",
		MonthlyRent:         800000,
		Currency:            lease.UGX,
		SecurityDeposit:     1600000,
		LeaseStartDate:      lease.NewDate(2025, time.August, 1),
		LeaseDurationMonths: 12,
		LandlordName:        "Grace Namutebi",
		LandlordPhone:       "+256772123456",
		IssuedAtEpochMs:     reconcileNow.Add(-time.Hour).UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, machine.SubmitPayload(payload))
	require.NoError(t, machine.SetTermsAccepted(true))
	require.NoError(t, machine.Accept())
	require.ErrorIs(t, machine.SelectMethod(ctx, session.MethodCrypto, session.Payer{}), faults.ErrSimFailure)
	require.NoError(t, machine.SelectMethod(ctx, session.MethodCrypto, session.Payer{}))

	snap := machine.Snapshot()
	require.Equal(t, session.OutcomePendingConfirmation, snap.Outcome)
	before, err := store.GetLease(ctx)
	require.NoError(t, err)
	require.Equal(t, lease.StatusDue, before.PaymentStatus.Status)
	leaseBefore, err := json.Marshal(before.Lease)
	require.NoError(t, err)

	rec := New(sim, store, WithClock(clock), WithPollInterval(0), WithLedger(ledger))
	updated, err := rec.Crypto(ctx, snap.Intent.PaymentID)
	require.NoError(t, err)
	require.Equal(t, lease.StatusPaid, updated.PaymentStatus.Status)

	after, err := store.GetLease(ctx)
	require.NoError(t, err)
	require.Equal(t, updated, *after)
	leaseAfter, err := json.Marshal(after.Lease)
	require.NoError(t, err)
	require.JSONEq(t, string(leaseBefore), string(leaseAfter))
	require.Equal(t, "2026-08-01", after.Lease.LeaseEndDate.String())
	require.Equal(t, "2025-07-20", after.PaymentStatus.LastPaymentDate.String())
	require.Equal(t, 800000.0, after.PaymentStatus.LastPaymentAmount)
	require.Equal(t, "2025-09-01", after.PaymentStatus.NextDueDate.String())
	require.Zero(t, after.PaymentStatus.DaysUntilDue)

	receipts, err := ledger.List(ctx, "lease-001")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, snap.Intent.PaymentID, receipts[0].ID)
	require.Equal(t, "USDT", receipts[0].Channel)
	require.Equal(t, "UGX", receipts[0].Currency)
}

func TestCryptoPollsUntilTerminal(t *testing.T) {
	store := seededStore(t)
	gw := &scriptedGateway{statuses: []gateway.IntentStatus{gateway.StatusPending, gateway.StatusPending, gateway.StatusCompleted}}
	record, err := New(gw, store, WithClock(clock), WithPollInterval(time.Millisecond)).Crypto(context.Background(), "pay_1")
	require.NoError(t, err)
	require.Equal(t, 3, gw.calls)
	require.Equal(t, lease.StatusPaid, record.PaymentStatus.Status)
}

func TestCryptoFailedPaymentLeavesRecordDue(t *testing.T) {
	store := seededStore(t)
	before, err := store.GetLease(context.Background())
	require.NoError(t, err)

	gw := &scriptedGateway{statuses: []gateway.IntentStatus{gateway.StatusFailed}}
	_, err = New(gw, store, WithClock(clock), WithPollInterval(0)).Crypto(context.Background(), "pay_1")
	require.ErrorIs(t, err, faults.ErrPaymentFailed)

	after, err := store.GetLease(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, lease.StatusDue, after.PaymentStatus.Status)
}

func TestCryptoStillPendingAfterLimit(t *testing.T) {
	store := seededStore(t)
	gw := &scriptedGateway{statuses: []gateway.IntentStatus{gateway.StatusPending}}
	_, err := New(gw, store, WithClock(clock), WithPollInterval(0), WithMaxPolls(3)).Crypto(context.Background(), "pay_1")
	require.ErrorIs(t, err, ErrSettlementPending)
	require.Equal(t, 3, gw.calls)
}

func TestCryptoGatewayErrorsAreNotRetried(t *testing.T) {
	store := seededStore(t)
	gw := &scriptedGateway{err: faults.New(faults.NotFound, "test", "no such payment")}
	_, err := New(gw, store, WithClock(clock), WithPollInterval(0)).Crypto(context.Background(), "pay_missing")
	require.ErrorIs(t, err, faults.ErrNotFound)
	require.Equal(t, 1, gw.calls)
}

func TestCryptoHonoursCancellationBetweenPolls(t *testing.T) {
	store := seededStore(t)
	gw := &scriptedGateway{statuses: []gateway.IntentStatus{gateway.StatusPending}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(gw, store, WithClock(clock), WithPollInterval(time.Hour)).Crypto(ctx, "pay_1")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, gw.calls)
}

func TestCryptoSamePaymentAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	ledger, err := history.Open(history.DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer ledger.Close()

	gw := &scriptedGateway{statuses: []gateway.IntentStatus{gateway.StatusCompleted}}
	rec := New(gw, store, WithClock(clock), WithPollInterval(0), WithLedger(ledger))
	first, err := rec.Crypto(ctx, "pay_1")
	require.NoError(t, err)
	require.Equal(t, "2025-09-01", first.PaymentStatus.NextDueDate.String())
	stored, err := store.GetLease(ctx)
	require.NoError(t, err)
	firstBytes, err := json.Marshal(stored)
	require.NoError(t, err)

	later := func() time.Time { return reconcileNow.Add(72 * time.Hour) }
	second, err := New(gw, store, WithClock(later), WithPollInterval(0), WithLedger(ledger)).Crypto(ctx, "pay_1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	stored, err = store.GetLease(ctx)
	require.NoError(t, err)
	secondBytes, err := json.Marshal(stored)
	require.NoError(t, err)
	require.Equal(t, string(firstBytes), string(secondBytes))
	require.Equal(t, "2025-07-20", stored.PaymentStatus.LastPaymentDate.String())

	receipts, err := ledger.List(ctx, "lease-001")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
}

func TestDirectRepeatedReceiptAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	rec := New(nil, store, WithClock(clock))
	receipt := gateway.MobileMoneyReceipt{
		TransactionID: "mm_1",
		Provider:      gateway.MTNMoMo,
		Amount:        800000,
		Currency:      lease.UGX,
		Reference:     "lease-001-202508",
	}
	first, err := rec.Direct(ctx, receipt)
	require.NoError(t, err)
	second, err := rec.Direct(ctx, receipt)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, "2025-09-01", second.PaymentStatus.NextDueDate.String())

	// The next cycle's reference is still applied.
	receipt.TransactionID = "mm_2"
	receipt.Reference = "lease-001-202509"
	third, err := rec.Direct(ctx, receipt)
	require.NoError(t, err)
	require.Equal(t, "2025-10-01", third.PaymentStatus.NextDueDate.String())
}

func TestReconcileWithoutLease(t *testing.T) {
	store := leasestore.New(storage.NewMemDB())
	gw := &scriptedGateway{statuses: []gateway.IntentStatus{gateway.StatusCompleted}}
	_, err := New(gw, store, WithClock(clock), WithPollInterval(0)).Crypto(context.Background(), "pay_1")
	require.ErrorIs(t, err, faults.ErrReconcileNoLease)
	require.False(t, faults.KindOf(err).Retryable())

	_, err = New(gw, store, WithClock(clock)).Direct(context.Background(), gateway.MobileMoneyReceipt{TransactionID: "mm_1"})
	require.ErrorIs(t, err, faults.ErrReconcileNoLease)
}

func TestDirectMarksPaidDespiteLedgerFailure(t *testing.T) {
	store := seededStore(t)
	recorder := &failingRecorder{}
	rec := New(nil, store, WithClock(clock), WithLedger(recorder))

	record, err := rec.Direct(context.Background(), gateway.MobileMoneyReceipt{
		TransactionID: "mm_1",
		Provider:      gateway.MTNMoMo,
		Amount:        800000,
		Currency:      lease.UGX,
		Reference:     "lease-001-202508",
	})
	require.NoError(t, err)
	require.Equal(t, 1, recorder.calls)
	require.Equal(t, lease.StatusPaid, record.PaymentStatus.Status)

	stored, err := store.GetLease(context.Background())
	require.NoError(t, err)
	require.Equal(t, lease.StatusPaid, stored.PaymentStatus.Status)

	_, err = rec.Direct(context.Background(), gateway.MobileMoneyReceipt{})
	require.ErrorIs(t, err, faults.ErrPaymentFailed)
}

func TestStorageFailureLeavesRecordUntouched(t *testing.T) {
	store := seededStore(t)
	before, err := store.GetLease(context.Background())
	require.NoError(t, err)

	broken := &brokenSaver{LeaseStore: store}
	gw := &scriptedGateway{statuses: []gateway.IntentStatus{gateway.StatusCompleted}}
	_, err = New(gw, broken, WithClock(clock), WithPollInterval(0)).Crypto(context.Background(), "pay_1")
	require.ErrorIs(t, err, faults.ErrStorageIO)

	after, err := store.GetLease(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

type brokenSaver struct {
	LeaseStore
}

func (b *brokenSaver) SaveLease(ctx context.Context, record lease.Record) error {
	return faults.New(faults.StorageIOError, "test.save", "disk full")
}
