package leasestore

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
	"trustlord/lease"
	"trustlord/storage"
)

type faultyDB struct {
	storage.Database
	putErr    error
	getErr    error
	deleteErr error
	corrupt   bool
}

func (f *faultyDB) Put(key, value []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.corrupt {
		value = append([]byte(nil), value...)
		value[len(value)-1] = '!'
	}
	return f.Database.Put(key, value)
}

func (f *faultyDB) Get(key []byte) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.Database.Get(key)
}

func (f *faultyDB) Delete(key []byte) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Database.Delete(key)
}

func sampleRecord(t *testing.T) lease.Record {
	t.Helper()
	start, err := lease.ParseDate("2025-08-01")
	require.NoError(t, err)
	offer := lease.Offer{
		LeaseID:             "lease-001",
		LandlordID:          "landlord-7",
		PropertyID:          "prop-3",
		PropertyName:        "Kololo Heights",
		PropertyAddress:     "Plot 12, Kololo, Kampala",
		UnitNumber:          "4B",
		MonthlyRent:         800000,
		Currency:            lease.UGX,
		SecurityDeposit:     1600000,
		LeaseStartDate:      start,
		LeaseDurationMonths: 12,
		LandlordName:        "Grace Namutebi",
		LandlordPhone:       "+256772123456",
		IssuedAtEpochMs:     time.Date(2025, 7, 20, 9, 0, 0, 0, time.UTC).UnixMilli(),
	}
	return lease.NewRecord(offer, lease.NewDate(2025, time.July, 20))
}

func TestLeaseRoundTrip(t *testing.T) {
	store := New(storage.NewMemDB())
	ctx := context.Background()

	missing, err := store.GetLease(ctx)
	require.NoError(t, err)
	require.Nil(t, missing)

	record := sampleRecord(t)
	require.NoError(t, store.SaveLease(ctx, record))

	loaded, err := store.GetLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, record, *loaded)
	require.Equal(t, "2026-08-01", loaded.Lease.LeaseEndDate.String())

	require.NoError(t, store.ClearLease(ctx))
	cleared, err := store.GetLease(ctx)
	require.NoError(t, err)
	require.Nil(t, cleared)
	require.NoError(t, store.ClearLease(ctx))
}

func TestStoredLeaseDocumentShape(t *testing.T) {
	db := storage.NewMemDB()
	store := New(db)
	require.NoError(t, store.SaveLease(context.Background(), sampleRecord(t)))

	raw, err := db.Get([]byte(LeaseKey))
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "2025-08-01", doc["lease"]["leaseStartDate"])
	require.Equal(t, "2026-08-01", doc["lease"]["leaseEndDate"])
	require.Equal(t, "due", doc["paymentStatus"]["status"])
	require.Nil(t, doc["paymentStatus"]["lastPaymentDate"])
}

func TestFailedWriteKeepsPreviousValue(t *testing.T) {
	faulty := &faultyDB{Database: storage.NewMemDB()}
	store := New(faulty)
	ctx := context.Background()
	record := sampleRecord(t)
	require.NoError(t, store.SaveLease(ctx, record))

	faulty.putErr = errors.New("disk full")
	err := store.SaveLease(ctx, record.WithPayment(lease.NewDate(2025, time.August, 1)))
	require.ErrorIs(t, err, faults.ErrStorageIO)

	faulty.putErr = nil
	loaded, err := store.GetLease(ctx)
	require.NoError(t, err)
	require.Equal(t, lease.StatusDue, loaded.PaymentStatus.Status)
}

func TestWriteIsConfirmedByReadback(t *testing.T) {
	faulty := &faultyDB{Database: storage.NewMemDB(), corrupt: true}
	err := New(faulty).SaveLease(context.Background(), sampleRecord(t))
	require.ErrorIs(t, err, faults.ErrStorageIO)
	require.Contains(t, err.Error(), "differs")
}

func TestReadAndDeleteFaultsAreStorageErrors(t *testing.T) {
	faulty := &faultyDB{Database: storage.NewMemDB(), getErr: errors.New("io")}
	store := New(faulty)
	_, err := store.GetLease(context.Background())
	require.ErrorIs(t, err, faults.ErrStorageIO)

	faulty.getErr = nil
	require.NoError(t, faulty.Database.Put([]byte(LeaseKey), []byte("{not json")))
	_, err = store.GetLease(context.Background())
	require.ErrorIs(t, err, faults.ErrStorageIO)

	faulty.deleteErr = errors.New("read-only")
	require.ErrorIs(t, store.ClearLease(context.Background()), faults.ErrStorageIO)
}

func TestCancelledContextIsStorageError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(storage.NewMemDB()).SaveLease(ctx, sampleRecord(t))
	require.ErrorIs(t, err, faults.ErrStorageIO)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSimulatorStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.db")
	ctx := context.Background()

	store, err := Open(storage.BackendBolt, path)
	require.NoError(t, err)
	fresh, err := store.LoadSimState(ctx)
	require.NoError(t, err)
	require.False(t, fresh.FirstAttemptFailed)

	intent := &gateway.PaymentIntent{PaymentID: "pay_1", Status: gateway.StatusPending}
	require.NoError(t, store.SaveSimState(ctx, gateway.SimState{FirstAttemptFailed: true, Intent: intent}))
	require.NoError(t, store.Close())

	reopened, err := Open(storage.BackendBolt, path)
	require.NoError(t, err)
	defer reopened.Close()
	state, err := reopened.LoadSimState(ctx)
	require.NoError(t, err)
	require.True(t, state.FirstAttemptFailed)
	require.Equal(t, "pay_1", state.Intent.PaymentID)
}
